package main

import "github.com/dimasma0305/gzstream/cmd"

func main() {
	cmd.Execute()
}
