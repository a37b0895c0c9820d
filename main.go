package main

import "github.com/rfbdl/rfbdl/cmd"

func main() {
	cmd.Execute()
}
