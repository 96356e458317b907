package main

import "github.com/arcward/guildhall/cmd"

func main() {
	cmd.Execute()
}
