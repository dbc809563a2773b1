package main

import (
	"os"

	"github.com/jholhewres/rocketclaw/cmd/rocketclaw/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
