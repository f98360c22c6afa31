package main

import "relaygate/cmd"

func main() {
	cmd.Execute()
}
