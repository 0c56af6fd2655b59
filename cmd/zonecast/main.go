// Package main is the entry point for the zonecast application.
package main

import (
	"os"

	"github.com/ogglobi/zonecast/cmd/zonecast/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
