// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

// Package uploadlock provides per-path mutual exclusion for file
// uploads. At most one upload may write a destination path at a time.
// A second request for a held path is rejected immediately rather than
// queued, so a slow uploader never blocks another connection's
// goroutine.
package uploadlock

import (
	"errors"
	"path/filepath"
	"sort"
	"sync"
)

// ErrConflict is returned by TryAcquire when the path is already held.
var ErrConflict = errors.New("upload in progress")

// Set is a set of held paths. The zero value is ready to use.
type Set struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// TryAcquire takes the lock on path. On success it returns a release
// function that is safe to call more than once; only the first call
// releases. Paths are compared after filepath.Clean.
func (s *Set) TryAcquire(path string) (release func(), err error) {
	key := filepath.Clean(path)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held == nil {
		s.held = make(map[string]struct{})
	}
	if _, taken := s.held[key]; taken {
		return nil, ErrConflict
	}
	s.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.held, key)
			s.mu.Unlock()
		})
	}, nil
}

// Held reports whether path is currently locked.
func (s *Set) Held(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, taken := s.held[filepath.Clean(path)]
	return taken
}

// Paths returns the held paths in sorted order.
func (s *Set) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths := make([]string, 0, len(s.held))
	for path := range s.held {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}
