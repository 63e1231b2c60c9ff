// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire implements the accounting RPC wire envelope: a 4-byte
// big-endian payload length followed by that many payload bytes. The
// length covers the payload only, not the prefix itself.
//
// The codec distinguishes three failure shapes that callers handle
// differently:
//
//   - ErrConnectionClosed: the stream ended cleanly at a frame
//     boundary. A normal end of session, not an error condition.
//   - ProtocolError: the declared length is outside [MinFrameSize,
//     MaxFrameSize]. The peer is misbehaving; drop the connection
//     without reading a body.
//   - ShortReadError: the stream died after declaring a length but
//     before delivering that many bytes. Carries the declared and
//     received counts for logging.
//
// Payloads delivered in arbitrarily small chunks are reassembled;
// partial reads are drained until the declared length is satisfied.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize is the maximum payload size. Frames declaring more
// than this are rejected without reading a body.
const MaxFrameSize = 16 * 1024 * 1024

// MinFrameSize is the minimum payload size. No valid accounting
// message encodes in fewer than 2 bytes, so a smaller declared length
// means a corrupt or hostile stream.
const MinFrameSize = 2

// prefixLength is the fixed size of the length prefix.
const prefixLength = 4

// ErrConnectionClosed reports that the stream ended cleanly before a
// new frame began. Callers treat this as end of session.
var ErrConnectionClosed = errors.New("wire: connection closed")

// ProtocolError reports a declared frame length outside the permitted
// bounds. The connection carrying it cannot be trusted further.
type ProtocolError struct {
	Length uint32
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("wire: frame length %d outside [%d, %d]", e.Length, MinFrameSize, MaxFrameSize)
}

// ShortReadError reports a stream that ended partway through a length
// prefix or payload.
type ShortReadError struct {
	// Declared is how many bytes the frame promised.
	Declared uint32

	// Received is how many bytes actually arrived.
	Received int

	// Prefix is true when the stream died inside the length prefix
	// itself. No request was declared, so there is nothing to answer.
	Prefix bool
}

func (e *ShortReadError) Error() string {
	return fmt.Sprintf("wire: short read: received %d of %d bytes", e.Received, e.Declared)
}

// ReadFrame reads one length-prefixed frame from r and returns its
// payload.
//
// A clean end of stream before any prefix byte returns
// ErrConnectionClosed. A stream that dies mid-prefix or mid-payload
// returns a ShortReadError. A declared length outside [MinFrameSize,
// MaxFrameSize] returns a ProtocolError without reading a body. Any
// other transport failure is returned wrapped.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [prefixLength]byte
	n, err := io.ReadFull(r, prefix[:])
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return nil, ErrConnectionClosed
		}
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, &ShortReadError{Declared: prefixLength, Received: n, Prefix: true}
		}
		return nil, fmt.Errorf("wire: reading frame prefix: %w", err)
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length < MinFrameSize || length > MaxFrameSize {
		return nil, &ProtocolError{Length: length}
	}

	payload := make([]byte, length)
	n, err = io.ReadFull(r, payload)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &ShortReadError{Declared: length, Received: n}
		}
		return nil, fmt.Errorf("wire: reading frame payload: %w", err)
	}
	return payload, nil
}

// WriteFrame writes payload to w as one length-prefixed frame. The
// prefix and payload go out in a single Write call so the envelope is
// never split by the caller's buffering. A payload outside
// [MinFrameSize, MaxFrameSize] returns a ProtocolError without
// writing anything.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) < MinFrameSize || len(payload) > MaxFrameSize {
		return &ProtocolError{Length: uint32(len(payload))}
	}

	frame := make([]byte, prefixLength+len(payload))
	binary.BigEndian.PutUint32(frame[:prefixLength], uint32(len(payload)))
	copy(frame[prefixLength:], payload)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("wire: writing frame: %w", err)
	}
	return nil
}
