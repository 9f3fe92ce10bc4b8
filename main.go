package main

import "github.com/grcommunity/grcbot/cmd"

func main() {
	cmd.Execute()
}
