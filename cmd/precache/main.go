package main

import "github.com/aweris/precache/cmd/precache/cmd"

func main() {
	cmd.Execute()
}
