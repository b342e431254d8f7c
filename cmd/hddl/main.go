// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

// hddl is the operator client for hddl-server. It creates and destroys
// pipelines, sends property updates, synchronizes model files, and
// watches pipeline output over the mTLS control channel.
package main

import (
	"fmt"
	"os"

	"github.com/hddl-foundation/hddl/cmd/hddl/commands"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	return commands.Root().Execute(os.Args[1:])
}
