package main

import "worshiproom/cmd"

func main() {
	cmd.Execute()
}
