// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

// Package ledger maintains the model distribution ledger: a JSON file
// per model root recording which files each model has and their
// digests.
//
// Uploaded files live at <root>/<model>/<file>, and the ledger for all
// models under a root is <root>/model_info.json:
//
//	{
//	  "face-detection": {
//	    "has_model": "Yes",
//	    "model_file": {"face.bin": "9e107d9d372bb6826bd81d3542a419d6"}
//	  }
//	}
//
// Clients fetch the ledger to skip files the server already has
// ([NeedsUpload]). The on-disk file is replaced atomically, and a
// [Store] only changes its in-memory copy after the write succeeded,
// so memory and disk agree after every update.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FileName is the ledger file inside a model root.
const FileName = "model_info.json"

const (
	HasModelYes = "Yes"
	HasModelNo  = "No"
)

// Record is the ledger entry for one model.
type Record struct {
	HasModel  string            `json:"has_model"`
	ModelFile map[string]string `json:"model_file"`
}

// Ledger maps model names to records.
type Ledger map[string]Record

// Clone returns a deep copy.
func (l Ledger) Clone() Ledger {
	clone := make(Ledger, len(l))
	for model, record := range l {
		files := make(map[string]string, len(record.ModelFile))
		for file, digest := range record.ModelFile {
			files[file] = digest
		}
		clone[model] = Record{HasModel: record.HasModel, ModelFile: files}
	}
	return clone
}

// Digest returns the recorded digest of model/file.
func (l Ledger) Digest(model, file string) (string, bool) {
	record, ok := l[model]
	if !ok {
		return "", false
	}
	digest, ok := record.ModelFile[file]
	return digest, ok
}

// NeedsUpload reports whether a client holding model/file with digest
// must send it: the model is unknown, marked as absent, or records a
// different digest.
func NeedsUpload(l Ledger, model, file, digest string) bool {
	record, ok := l[model]
	if !ok || record.HasModel == HasModelNo {
		return true
	}
	return record.ModelFile[file] != digest
}

// Load reads a ledger file. A missing file is an empty ledger.
func Load(path string) (Ledger, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Ledger{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading ledger %s: %w", path, err)
	}

	ledger := Ledger{}
	if err := json.Unmarshal(data, &ledger); err != nil {
		return nil, fmt.Errorf("parsing ledger %s: %w", path, err)
	}
	return ledger, nil
}

// Save atomically replaces the ledger file: the JSON is written to a
// temporary file in the same directory, synced, renamed into place,
// and the directory is synced. Readers never see a partial ledger.
func Save(path string, ledger Ledger) error {
	data, err := json.MarshalIndent(ledger, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling ledger: %w", err)
	}
	data = append(data, '\n')

	directory := filepath.Dir(path)
	if err := os.MkdirAll(directory, 0755); err != nil {
		return fmt.Errorf("creating ledger directory: %w", err)
	}

	file, err := os.CreateTemp(directory, "."+FileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temporary ledger file: %w", err)
	}
	temporaryPath := file.Name()

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary ledger file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary ledger file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary ledger file: %w", err)
	}
	if err := os.Chmod(temporaryPath, 0644); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("setting ledger permissions: %w", err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming ledger into place: %w", err)
	}

	if parent, err := os.Open(directory); err == nil {
		parent.Sync()
		parent.Close()
	}
	return nil
}
