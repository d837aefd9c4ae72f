package main

import (
	"os"

	"github.com/rustyeddy/optqueue/cmd/optqueue/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
