// Package main is the entry point for the marketclaw CLI.
package main

import (
	"os"

	"github.com/KafClaw/MarketClaw/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
