package main

import "github.com/nanobot-ai/nanobot/cmd"

func main() {
	cmd.Execute()
}
