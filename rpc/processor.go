// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import "context"

// Protocol version bounds. A client below MinProtocolVersion is
// rejected with StatusVersionMismatch at registration; ProtocolVersion
// is what this daemon speaks.
const (
	MinProtocolVersion uint16 = 1
	ProtocolVersion    uint16 = 2
)

// Status is the result code a Processor returns for one request. The
// values are part of the wire protocol (they appear in reply payloads)
// and must not be renumbered.
type Status int

const (
	// StatusSuccess means the request was processed normally.
	StatusSuccess Status = 0

	// StatusFirstRegistration acknowledges a cluster controller's
	// registration request. Like StatusSuccess, it keeps the session
	// open; it is distinguished so the server does not log it as a
	// processing failure.
	StatusFirstRegistration Status = 1

	// StatusAccessDenied means the client failed authentication. The
	// session ends after the in-flight reply is sent.
	StatusAccessDenied Status = 2

	// StatusVersionMismatch means the client's protocol version is
	// not supported. The session ends after the in-flight reply.
	StatusVersionMismatch Status = 3

	// StatusError is a general processing failure. The session
	// continues; the client sees the failure in the reply.
	StatusError Status = 4
)

// String returns the status name for logging.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFirstRegistration:
		return "first-registration"
	case StatusAccessDenied:
		return "access-denied"
	case StatusVersionMismatch:
		return "version-mismatch"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Processor decodes request payloads and produces reply payloads. The
// server calls Process once per frame, strictly in arrival order for
// a given connection. Implementations may mutate the Conn's
// registration fields (cluster name, remote port, version, TRES); the
// Conn is owned by the calling worker, so no locking is needed.
type Processor interface {
	// Process handles one request. first is true only for the first
	// frame of the connection, which is the only frame allowed to
	// carry a registration. The returned payload may be nil for
	// statuses that carry no reply body.
	Process(ctx context.Context, conn *Conn, payload []byte, first bool) (Status, []byte)

	// ErrorResponse builds a reply payload carrying a general error.
	// The server uses it to answer a frame whose body could not be
	// read in full.
	ErrorResponse(conn *Conn, message string) []byte
}

// Storage is the per-connection accounting storage handle. Each
// connection gets its own handle so transactions never cross talk.
// Failures are logged by the implementation; the server treats all
// three operations as fire-and-forget.
type Storage interface {
	// Commit flushes buffered accounting work. final is true for the
	// commit issued during connection teardown.
	Commit(ctx context.Context, final bool) error

	// Close releases the handle. No calls may follow Close.
	Close() error

	// CloseClusterSession records that the registered cluster behind
	// this connection has disconnected.
	CloseClusterSession(ctx context.Context, cluster ClusterDescriptor) error
}

// ClusterDescriptor identifies a registered cluster controller at
// teardown time.
type ClusterDescriptor struct {
	Name        string
	ControlHost string
	ControlPort uint16
	TRES        string
}

// nopStorage is used when the server is configured without a storage
// opener (tests, diagnostics).
type nopStorage struct{}

func (nopStorage) Commit(context.Context, bool) error                       { return nil }
func (nopStorage) Close() error                                             { return nil }
func (nopStorage) CloseClusterSession(context.Context, ClusterDescriptor) error { return nil }
