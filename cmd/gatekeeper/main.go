package main

import "github.com/glgcapital/gatekeeper/cmd/gatekeeper/cmd"

func main() {
	cmd.Execute()
}
