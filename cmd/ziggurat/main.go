// Package main is the single-binary entrypoint for Ziggurat.
package main

import "github.com/tutu-network/ziggurat/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
