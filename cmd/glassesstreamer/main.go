package main

import "github.com/bryanchriswhite/GlassesStreamer/cmd/glassesstreamer/commands"

func main() {
	commands.Execute()
}
