// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for hddl-server.
//
// Configuration is loaded from a single file specified by either the
// HDDL_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There is no file search and no fallback location.
//
// The file may contain development and production sections that
// override base values when [Config].Environment matches. Production
// without an explicit section destroys a client's pipelines when the
// client disconnects.
//
// After loading, ${HOME}, ${HDDL_ROOT} (storage.root) and
// ${VAR:-default} references are expanded in path fields. No other
// environment variables override config values.
//
// Key exports:
//
//   - [Config] -- master struct: listen, tls, ipc, worker, storage,
//     pipeline, control, metrics, log_level
//   - [Default] -- the base every file is merged into
//   - [Load] and [LoadFile] -- the two entry points for loading
package config
