package main

import (
	"os"

	"github.com/banshee-data/uwbsync/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
