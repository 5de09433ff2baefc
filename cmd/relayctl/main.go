package main

import (
	"os"

	"github.com/deskrelay/deskrelay/cmd/relayctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
