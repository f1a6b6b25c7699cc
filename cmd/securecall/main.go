package main

import (
	"os"

	"github.com/dense-identity/securecall/cmd/securecall/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
