package main

import "agentd/internal/cli"

func main() {
	cli.Execute()
}
