package main

import "wrap-studio/cmd"

func main() {
	cmd.Execute()
}
