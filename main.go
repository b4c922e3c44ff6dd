package main

import "github.com/click-stream/tracker/cmd"

func main() {
	cmd.Execute()
}
