package main

import "github.com/agentic-research/gloss/cmd"

func main() {
	cmd.Execute()
}
