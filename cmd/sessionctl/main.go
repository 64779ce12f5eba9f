package main

import (
	"os"

	"github.com/scoutx/session-engine/cmd/sessionctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
