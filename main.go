package main

import "github.com/direclaw/direclaw/cmd"

func main() {
	cmd.Execute()
}
