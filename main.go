package main

import "github.com/methings/agentd/cmd"

func main() {
	cmd.Execute()
}
