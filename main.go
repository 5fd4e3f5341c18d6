package main

import (
	"os"

	"trade-lifecycle-engine/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
