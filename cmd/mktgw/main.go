package main

import (
	"market-gateway/internal/cli"
)

func main() {
	cli.Execute()
}
