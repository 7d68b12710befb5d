package main

import "github.com/kozaktomas/face-presence/cmd"

func main() {
	cmd.Execute()
}
