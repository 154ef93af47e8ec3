package main

import "github.com/tetherapp/tether/cmd"

func main() {
	cmd.Execute()
}
