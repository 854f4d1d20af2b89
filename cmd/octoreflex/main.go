package main

import (
	"fmt"
	"os"

	"github.com/octoreflex/octoreflex/internal/cli"
	"github.com/octoreflex/octoreflex/internal/config"
)

func main() {
	root := cli.NewRoot(config.Version)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
