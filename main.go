// Package main is the entry point for patterndb.
package main

import (
	"os"

	"patterndb/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
