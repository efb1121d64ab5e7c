package main

import (
	"os"

	"github.com/signalnine/tauguard/cmd"
)

func main() {
	if err := cmd.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
