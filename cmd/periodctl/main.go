// Package main provides the entry point for the periodctl CLI.
package main

import (
	"github.com/ignite/adperf-engine/internal/cli"
)

func main() {
	cli.Execute()
}
