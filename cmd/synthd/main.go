// Package main is the single-binary entrypoint for synthd.
package main

import "github.com/fiftyfive-labs/synthd/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
