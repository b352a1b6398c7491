package main

import "github.com/AvaProtocol/userop-gateway/cmd"

func main() {
	cmd.Execute()
}
