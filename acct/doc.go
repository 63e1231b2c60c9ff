// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

// Package acct implements the accounting side of the Quarry accounting
// daemon: the CBOR message schema spoken inside RPC frames, the
// request processor that interprets those messages, and the SQLite
// store that persists clusters and job events.
//
// The rpc package owns connections and framing; this package owns
// meaning. A Processor decodes each frame payload into an Envelope,
// dispatches on its kind, and buffers resulting accounting work on the
// connection's Session. Sessions flush to the shared Store in one
// transaction per commit request and once more at teardown.
package acct
