package main

import "aftermeet/cmd"

func main() {
	cmd.Execute()
}
