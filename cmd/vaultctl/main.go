package main

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/p-blackswan/vault-agent/internal/commands"
)

// Populated at build-time via -ldflags.
var version = "dev"

func build() string {
	if version == "dev" {
		if info, ok := debug.ReadBuildInfo(); ok {
			if mv := info.Main.Version; mv != "" && mv != "(devel)" {
				return mv
			}
		}
	}
	return version
}

func main() {
	if err := commands.NewApp(build()).Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "vaultctl: %v\n", err)
		os.Exit(1)
	}
}
