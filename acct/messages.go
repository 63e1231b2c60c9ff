// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package acct

import "github.com/quarry-hpc/quarry/lib/codec"

// Message kinds carried in Envelope.Kind. A register must be the first
// message on a connection; everything else requires a completed
// registration or arrives on a one-shot connection.
const (
	KindRegister     = "register"
	KindPing         = "ping"
	KindJobStart     = "job_start"
	KindJobComplete  = "job_complete"
	KindStepComplete = "step_complete"
	KindNodeState    = "node_state"
	KindCommit       = "commit"
)

// Envelope is the outer structure of every request payload. Body holds
// the kind-specific message, still encoded, so the dispatcher can
// decide the concrete type before decoding it.
type Envelope struct {
	Kind string           `json:"kind" cbor:"kind"`
	Body codec.RawMessage `json:"body,omitempty" cbor:"body,omitempty"`
}

// RegisterRequest announces a cluster controller. ControlPort is the
// port the controller listens on; a non-zero value marks the
// connection persistent. Version is the sender's protocol version.
type RegisterRequest struct {
	Cluster     string `json:"cluster" cbor:"cluster"`
	ControlPort uint16 `json:"control_port" cbor:"control_port"`
	TRES        string `json:"tres,omitempty" cbor:"tres,omitempty"`
	Version     uint16 `json:"version" cbor:"version"`
	Secret      string `json:"secret,omitempty" cbor:"secret,omitempty"`
}

// JobEvent reports a job or step lifecycle transition. The same shape
// serves job_start, job_complete, and step_complete; unused fields are
// omitted on the wire.
type JobEvent struct {
	JobID     uint64 `json:"job_id" cbor:"job_id"`
	StepID    uint32 `json:"step_id,omitempty" cbor:"step_id,omitempty"`
	Name      string `json:"name,omitempty" cbor:"name,omitempty"`
	Partition string `json:"partition,omitempty" cbor:"partition,omitempty"`
	User      string `json:"user,omitempty" cbor:"user,omitempty"`
	State     string `json:"state,omitempty" cbor:"state,omitempty"`
	ExitCode  int32  `json:"exit_code,omitempty" cbor:"exit_code,omitempty"`
	Timestamp int64  `json:"timestamp" cbor:"timestamp"`
}

// NodeStateEvent reports a node going up, down, or draining.
type NodeStateEvent struct {
	Node      string `json:"node" cbor:"node"`
	State     string `json:"state" cbor:"state"`
	Reason    string `json:"reason,omitempty" cbor:"reason,omitempty"`
	Timestamp int64  `json:"timestamp" cbor:"timestamp"`
}

// Reply is the payload of every response frame.
type Reply struct {
	Status  int    `json:"status" cbor:"status"`
	Message string `json:"message,omitempty" cbor:"message,omitempty"`
}
