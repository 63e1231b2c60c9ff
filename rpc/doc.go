// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

// Package rpc implements the accounting daemon's RPC front door: the
// TCP accept loop, bounded connection admission, per-connection
// request service, and the shutdown choreography that ties them
// together.
//
// The package is organized around the connection lifecycle:
//
//   - admission.go: capacity-bounded admission gate with slot tracking
//   - server.go: listener ownership, accept loop, shutdown coordinator
//   - worker.go: per-connection read/dispatch/respond loop and teardown
//   - registry.go: shared collection of registered cluster connections
//   - conn.go: per-connection state owned by exactly one worker
//   - processor.go: contracts for request processing and storage
//
// Concurrency model: one goroutine per admitted connection, plus the
// accept loop. The admission gate bounds concurrent occupancy, not
// total connections served. Each Conn's mutable fields are touched
// only by its owning worker; the admission slot table and the cluster
// registry each have their own mutex.
//
// Cancellation is cooperative. Cancelling the context passed to
// [Server.Serve] latches a shutdown flag, closes the listener to wake
// the accept loop, and interrupts every active worker's blocking read.
// Workers finish their in-flight exchange, run teardown, and release
// their slots. After a fixed grace period the server force-closes any
// remaining sockets and returns without waiting further — lingering
// workers are reaped by process exit.
package rpc
