// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

// Location splits an uploaded file path into its model root, model
// name, and file name.
type Location struct {
	Root  string
	Model string
	File  string
}

// Locate interprets path as <root>/<model>/<file>. The path must have
// at least three components.
func Locate(path string) (Location, error) {
	cleaned := filepath.Clean(path)
	components := strings.Split(strings.TrimPrefix(cleaned, string(filepath.Separator)), string(filepath.Separator))
	if len(components) < 3 {
		return Location{}, fmt.Errorf("path %q is not <root>/<model>/<file>", path)
	}
	for _, component := range components {
		if component == ".." || component == "." || component == "" {
			return Location{}, fmt.Errorf("path %q escapes its model root", path)
		}
	}
	modelDirectory := filepath.Dir(cleaned)
	return Location{
		Root:  filepath.Dir(modelDirectory),
		Model: filepath.Base(modelDirectory),
		File:  filepath.Base(cleaned),
	}, nil
}

// Store is the in-memory copy of one root's ledger, kept in step with
// the file on disk.
type Store struct {
	mu     sync.Mutex
	path   string
	ledger Ledger
}

// Open loads the ledger of the model root at root.
func Open(root string) (*Store, error) {
	path := filepath.Join(root, FileName)
	ledger, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, ledger: ledger}, nil
}

// Path returns the ledger file path.
func (s *Store) Path() string { return s.path }

// Snapshot returns a copy of the current ledger.
func (s *Store) Snapshot() Ledger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Clone()
}

// Update records digest for model/file and marks the model present. The
// new ledger is persisted before memory changes; on a persistence error
// the store is unchanged. Returns the previously recorded digest (empty
// if none) and a snapshot of the new ledger.
func (s *Store) Update(model, file, digest string) (previous string, snapshot Ledger, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous, _ = s.ledger.Digest(model, file)

	next := s.ledger.Clone()
	record := next[model]
	if record.ModelFile == nil {
		record.ModelFile = make(map[string]string)
	}
	record.ModelFile[file] = digest
	record.HasModel = HasModelYes
	next[model] = record

	if err := Save(s.path, next); err != nil {
		return previous, nil, err
	}
	s.ledger = next
	return previous, next.Clone(), nil
}

// Stores caches one Store per model root. The zero value is ready to
// use.
type Stores struct {
	mu     sync.Mutex
	stores map[string]*Store
}

// For returns the store for root, loading it on first use.
func (s *Stores) For(root string) (*Store, error) {
	key := filepath.Clean(root)

	s.mu.Lock()
	defer s.mu.Unlock()
	if store, ok := s.stores[key]; ok {
		return store, nil
	}
	store, err := Open(key)
	if err != nil {
		return nil, err
	}
	if s.stores == nil {
		s.stores = make(map[string]*Store)
	}
	s.stores[key] = store
	return store, nil
}
