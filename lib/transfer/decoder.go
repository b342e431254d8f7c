// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/hddl-foundation/hddl/lib/binhash"
)

// Decoder reassembles one transfer from frames. It is not safe for
// concurrent use.
type Decoder struct {
	open      SinkFunc
	maxHeader int

	headerBuffer []byte
	header       Header
	opened       bool
	algorithm    binhash.Algorithm
	trailerLen   int
	hasher       hash.Hash
	sink         Sink

	// pending holds the bytes that may still turn out to be the
	// trailer. Everything before its last trailerLen bytes is body.
	pending []byte
	size    int64

	finished bool
	result   Result
	err      error
}

// NewDecoder returns a decoder that opens sinks with open. maxHeader
// <= 0 selects DefaultMaxHeader.
func NewDecoder(open SinkFunc, maxHeader int) *Decoder {
	if maxHeader <= 0 {
		maxHeader = DefaultMaxHeader
	}
	return &Decoder{open: open, maxHeader: maxHeader}
}

// Feed consumes one frame. It returns done once the transfer has ended,
// successfully or not; the error is non-nil for failed transfers.
func (d *Decoder) Feed(data []byte, final bool) (done bool, err error) {
	if d.finished {
		return true, ErrFinished
	}

	if !d.opened {
		index := bytes.IndexByte(data, Sentinel)
		if index < 0 {
			d.headerBuffer = append(d.headerBuffer, data...)
			if len(d.headerBuffer) > d.maxHeader {
				return d.fail(ErrHeaderTooLarge)
			}
			if final {
				return d.fail(fmt.Errorf("%w: no header terminator", ErrTruncated))
			}
			return false, nil
		}
		d.headerBuffer = append(d.headerBuffer, data[:index]...)
		if len(d.headerBuffer) > d.maxHeader {
			return d.fail(ErrHeaderTooLarge)
		}
		if err := d.openSink(); err != nil {
			return d.fail(err)
		}
		data = data[index+1:]
	}

	d.pending = append(d.pending, data...)
	if excess := len(d.pending) - d.trailerLen; excess > 0 {
		if err := d.writeBody(d.pending[:excess]); err != nil {
			return d.fail(err)
		}
		d.pending = append(d.pending[:0], d.pending[excess:]...)
	}

	if !final {
		return false, nil
	}
	return d.finish()
}

// Abort ends an unfinished transfer, for example when the connection
// carrying it closes. The sink, if opened, is aborted with reason.
func (d *Decoder) Abort(reason error) {
	if d.finished {
		return
	}
	d.fail(reason)
}

// Header returns the parsed header. Valid once the sink was opened.
func (d *Decoder) Header() Header { return d.header }

// Result returns the summary of a committed transfer.
func (d *Decoder) Result() Result { return d.result }

// Err returns the error that ended the transfer, if any.
func (d *Decoder) Err() error { return d.err }

func (d *Decoder) openSink() error {
	var header Header
	if err := json.Unmarshal(bytes.TrimSpace(d.headerBuffer), &header); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	algorithm, err := binhash.Parse(header.Digest)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}

	d.header = header
	d.algorithm = algorithm
	d.trailerLen = 1 + algorithm.HexLen()
	d.hasher = algorithm.New()
	d.headerBuffer = nil

	sink, err := d.open(header)
	if err != nil {
		return err
	}
	d.sink = sink
	d.opened = true
	return nil
}

func (d *Decoder) writeBody(p []byte) error {
	d.hasher.Write(p)
	written, err := d.sink.Write(p)
	d.size += int64(written)
	if err != nil {
		return err
	}
	if written != len(p) {
		return io.ErrShortWrite
	}
	return nil
}

func (d *Decoder) finish() (bool, error) {
	if len(d.pending) != d.trailerLen || d.pending[0] != Sentinel {
		return d.fail(fmt.Errorf("%w: missing digest trailer", ErrTruncated))
	}
	received := string(d.pending[1:])
	computed := binhash.FormatDigest(d.hasher.Sum(nil))
	if received != computed {
		return d.fail(fmt.Errorf("%w: trailer %s, computed %s", ErrDigestMismatch, received, computed))
	}

	if err := d.sink.Commit(computed); err != nil {
		return d.fail(err)
	}
	d.finished = true
	d.result = Result{Header: d.header, Digest: computed, Size: d.size}
	return true, nil
}

func (d *Decoder) fail(err error) (bool, error) {
	d.finished = true
	d.err = err
	if d.opened {
		d.sink.Abort(err)
	}
	return true, err
}

// Receive decodes one transfer from a message reader. The whole reader
// is one message; its end is the final frame. A read error aborts the
// sink and is returned.
func Receive(reader io.Reader, open SinkFunc, maxHeader int) (Result, error) {
	decoder := NewDecoder(open, maxHeader)
	buffer := make([]byte, 32*1024)
	for {
		count, err := reader.Read(buffer)
		if count > 0 {
			if done, feedErr := decoder.Feed(buffer[:count], false); done {
				return Result{}, feedErr
			}
		}
		if errors.Is(err, io.EOF) {
			if _, feedErr := decoder.Feed(nil, true); feedErr != nil {
				return Result{}, feedErr
			}
			return decoder.Result(), nil
		}
		if err != nil {
			decoder.Abort(err)
			return Result{}, err
		}
	}
}
