package main

import "token-sentinel/internal/cli"

func main() {
	cli.Execute()
}
