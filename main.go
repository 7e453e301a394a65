package main

import "github.com/tanq16/doppkit/cmd"

func main() {
	cmd.Execute()
}
