// Package main is the single-binary entrypoint for peerd.
package main

import "github.com/tutu-network/peerd/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
