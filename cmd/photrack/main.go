package main

import "photrack/internal/cli"

func main() {
	cli.Execute()
}
