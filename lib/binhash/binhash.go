// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

// Package binhash provides the content digests used to verify file
// transfers and to record files in the model ledger.
//
// Three algorithms are supported. [MD5] is the default because existing
// clients and ledgers use it; [SHA256] and [BLAKE3] can be selected per
// transfer through the header's digest field. Digests are formatted as
// lowercase hex everywhere they appear on the wire or on disk.
package binhash

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/zeebo/blake3"
)

// Algorithm names a digest algorithm.
type Algorithm string

const (
	MD5    Algorithm = "md5"
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"
)

// Default is used when a transfer header names no algorithm.
const Default = MD5

// Parse resolves an algorithm name. The empty string selects Default.
func Parse(name string) (Algorithm, error) {
	switch algorithm := Algorithm(strings.ToLower(name)); algorithm {
	case "":
		return Default, nil
	case MD5, SHA256, BLAKE3:
		return algorithm, nil
	default:
		return "", fmt.Errorf("unknown digest algorithm %q", name)
	}
}

// New returns a fresh hasher for the algorithm.
func (a Algorithm) New() hash.Hash {
	switch a {
	case SHA256:
		return sha256.New()
	case BLAKE3:
		return blake3.New()
	default:
		return md5.New()
	}
}

// HexLen is the length of a formatted digest.
func (a Algorithm) HexLen() int {
	return a.New().Size() * 2
}

// Hash streams r through the algorithm and returns the formatted digest.
func (a Algorithm) Hash(r io.Reader) (string, error) {
	hasher := a.New()
	if _, err := io.Copy(hasher, r); err != nil {
		return "", err
	}
	return FormatDigest(hasher.Sum(nil)), nil
}

// HashFile computes the digest of the file at path with constant
// memory use.
func (a Algorithm) HashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer file.Close()

	digest, err := a.Hash(file)
	if err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return digest, nil
}

// FormatDigest returns the canonical lowercase hex form of a digest.
func FormatDigest(sum []byte) string {
	return hex.EncodeToString(sum)
}

// ValidDigest reports whether text is a well-formed digest for the
// algorithm.
func (a Algorithm) ValidDigest(text string) bool {
	if len(text) != a.HexLen() {
		return false
	}
	for _, c := range text {
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f') {
			return false
		}
	}
	return true
}
