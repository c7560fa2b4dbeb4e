package main

import "github.com/Nismirno/TheBotVanished/cmd"

func main() {
	cmd.Execute()
}
