// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hddl-foundation/hddl/lib/binhash"
)

// Send writes one transfer to w: the header, body in chunkSize frames,
// then the trailer with the digest of exactly the bytes read from body.
// chunkSize <= 0 selects DefaultChunkSize. Returns the digest.
func Send(w FrameWriter, header Header, body io.Reader, chunkSize int) (string, error) {
	algorithm, err := binhash.Parse(header.Digest)
	if err != nil {
		return "", err
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	encoded, err := json.Marshal(header)
	if err != nil {
		return "", fmt.Errorf("encoding transfer header: %w", err)
	}
	if err := w.WriteFrame(append(encoded, Sentinel), false); err != nil {
		return "", fmt.Errorf("writing transfer header: %w", err)
	}

	hasher := algorithm.New()
	buffer := make([]byte, chunkSize)
	for {
		count, readErr := body.Read(buffer)
		if count > 0 {
			hasher.Write(buffer[:count])
			// The frame writer may retain the slice until the frame is
			// flushed, so each frame gets its own copy.
			frame := append([]byte(nil), buffer[:count]...)
			if err := w.WriteFrame(frame, false); err != nil {
				return "", fmt.Errorf("writing transfer body: %w", err)
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return "", fmt.Errorf("reading transfer body: %w", readErr)
		}
	}

	digest := binhash.FormatDigest(hasher.Sum(nil))
	trailer := append([]byte{Sentinel}, digest...)
	if err := w.WriteFrame(trailer, true); err != nil {
		return "", fmt.Errorf("writing transfer trailer: %w", err)
	}
	return digest, nil
}

// SendFile sends the file at localPath as one transfer.
func SendFile(w FrameWriter, header Header, localPath string, chunkSize int) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s is not a regular file", localPath)
	}
	return Send(w, header, file, chunkSize)
}

// File is one entry of a multi-file upload.
type File struct {
	LocalPath string
	Header    Header
}

// SendFiles sends each file as its own message, strictly one after
// another. next opens the writer for the next message. It stops at the
// first failure and returns the digests of the files sent so far.
func SendFiles(next func() (FrameWriter, error), files []File, chunkSize int) ([]string, error) {
	digests := make([]string, 0, len(files))
	for _, file := range files {
		writer, err := next()
		if err != nil {
			return digests, fmt.Errorf("opening message for %s: %w", file.LocalPath, err)
		}
		digest, err := SendFile(writer, file.Header, file.LocalPath, chunkSize)
		if err != nil {
			return digests, fmt.Errorf("sending %s: %w", file.LocalPath, err)
		}
		digests = append(digests, digest)
	}
	return digests, nil
}
