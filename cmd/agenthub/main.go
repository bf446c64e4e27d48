package main

import "github.com/agusx1211/agenthub/internal/cli"

func main() {
	cli.Execute()
}
