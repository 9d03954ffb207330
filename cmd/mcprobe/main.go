package main

import (
	"os"

	"github.com/probeworks/mcprobe/cmd/mcprobe/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
