package main

import (
	"market-metrics/internal/cli"
)

func main() {
	cli.Execute()
}
