// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hddl-foundation/hddl/lib/binhash"
	"github.com/hddl-foundation/hddl/lib/ledger"
)

// modelExtensions are the file types a model folder contributes.
var modelExtensions = map[string]bool{".bin": true, ".xml": true}

// Upload is one model file the server is missing or holds a different
// version of.
type Upload struct {
	// LocalPath is the file on this machine.
	LocalPath string
	// Path is <root>/<model>/<file>, the destination on the server.
	Path string

	Model     string
	File      string
	Digest    string
	Algorithm binhash.Algorithm
}

// RootName returns the model root a local model directory uploads
// into: its base name.
func RootName(directory string) (string, error) {
	absolute, err := filepath.Abs(directory)
	if err != nil {
		return "", err
	}
	name := filepath.Base(absolute)
	if name == string(filepath.Separator) || name == "." {
		return "", fmt.Errorf("%s cannot be a model root", directory)
	}
	return name, nil
}

// PlanUploads scans every model folder under directory for .bin and
// .xml files and returns those whose digest differs from remote. Files
// directly in directory and nested deeper are ignored.
func PlanUploads(directory string, remote ledger.Ledger, algorithm binhash.Algorithm) ([]Upload, error) {
	root, err := RootName(directory)
	if err != nil {
		return nil, err
	}
	models, err := os.ReadDir(directory)
	if err != nil {
		return nil, fmt.Errorf("reading model directory: %w", err)
	}

	var uploads []Upload
	for _, model := range models {
		if !model.IsDir() {
			continue
		}
		modelDirectory := filepath.Join(directory, model.Name())
		entries, err := os.ReadDir(modelDirectory)
		if err != nil {
			return nil, fmt.Errorf("reading model %s: %w", model.Name(), err)
		}
		for _, entry := range entries {
			if !entry.Type().IsRegular() || !modelExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
				continue
			}
			localPath := filepath.Join(modelDirectory, entry.Name())
			digest, err := algorithm.HashFile(localPath)
			if err != nil {
				return nil, err
			}
			if !ledger.NeedsUpload(remote, model.Name(), entry.Name(), digest) {
				continue
			}
			uploads = append(uploads, Upload{
				LocalPath: localPath,
				Path:      path.Join(root, model.Name(), entry.Name()),
				Model:     model.Name(),
				File:      entry.Name(),
				Digest:    digest,
				Algorithm: algorithm,
			})
		}
	}
	sort.Slice(uploads, func(i, j int) bool { return uploads[i].Path < uploads[j].Path })
	return uploads, nil
}

// Confirmed reports whether current records upload's digest.
func (u Upload) Confirmed(current ledger.Ledger) bool {
	digest, ok := current.Digest(u.Model, u.File)
	return ok && digest == u.Digest
}
