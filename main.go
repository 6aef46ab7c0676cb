package main

import "github.com/aceteam-ai/credit-meter/cmd"

func main() {
	cmd.Execute()
}
