package main

import (
	"os"

	"github.com/go-delve/machexc/cmd/machexc/cmds"
	"github.com/go-delve/machexc/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.MachexcVersion.Build = Build
	}
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
