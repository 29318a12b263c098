package main

import "github.com/cuprumlab/cuprum/cmd/cuprum/cmd"

func main() {
	cmd.Execute()
}
