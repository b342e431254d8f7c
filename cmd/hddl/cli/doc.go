// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the command framework of the hddl CLI: a tree of
// [Command] values with pflag flag sets, typo suggestions, and the
// shared [Connection] flags.
package cli
