package main

import "taskrelay/cmd"

func main() {
	cmd.Run()
}
