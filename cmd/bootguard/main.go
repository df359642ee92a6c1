package main

import (
	"os"

	"github.com/psantana5/bootguard/cmd/bootguard/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
