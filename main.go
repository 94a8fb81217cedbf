package main

import "github.com/fedigraph/fedigraph/cmd"

func main() {
	cmd.Execute()
}
