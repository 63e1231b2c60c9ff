// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package acct

import (
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"log/slog"

	"github.com/quarry-hpc/quarry/lib/codec"
	"github.com/quarry-hpc/quarry/rpc"
)

// ProcessorConfig holds the parameters for NewProcessor.
type ProcessorConfig struct {
	// Store is the shared accounting database. Required.
	Store *Store

	// Registry tracks registered cluster controllers. Required.
	Registry *rpc.Registry

	// Secret, when non-empty, must match the secret presented in
	// every registration request.
	Secret string

	// Logger receives registration and rejection messages.
	Logger *slog.Logger
}

// Processor interprets accounting requests. It implements
// rpc.Processor: the rpc server hands it one decoded frame payload at
// a time, in arrival order per connection.
type Processor struct {
	store    *Store
	registry *rpc.Registry
	secret   string
	logger   *slog.Logger
}

// NewProcessor validates cfg and returns a Processor.
func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("acct: Store is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("acct: Registry is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Processor{
		store:    cfg.Store,
		registry: cfg.Registry,
		secret:   cfg.Secret,
		logger:   logger,
	}, nil
}

// Process decodes one request envelope and dispatches on its kind.
func (p *Processor) Process(ctx context.Context, conn *rpc.Conn, payload []byte, first bool) (rpc.Status, []byte) {
	var envelope Envelope
	if err := codec.Unmarshal(payload, &envelope); err != nil {
		return rpc.StatusError, p.reply(rpc.StatusError, "malformed request envelope")
	}

	switch envelope.Kind {
	case KindRegister:
		return p.handleRegister(ctx, conn, envelope, first)

	case KindPing:
		return rpc.StatusSuccess, p.reply(rpc.StatusSuccess, "")

	case KindJobStart, KindJobComplete, KindStepComplete:
		return p.handleJobEvent(ctx, conn, envelope)

	case KindNodeState:
		return p.handleNodeState(ctx, conn, envelope)

	case KindCommit:
		if err := conn.Storage.Commit(ctx, false); err != nil {
			p.logger.Error("commit failed", "cluster", conn.ClusterName, "error", err)
			return rpc.StatusError, p.reply(rpc.StatusError, "commit failed")
		}
		return rpc.StatusSuccess, p.reply(rpc.StatusSuccess, "")

	default:
		return rpc.StatusError, p.reply(rpc.StatusError, fmt.Sprintf("unknown request kind %q", envelope.Kind))
	}
}

// ErrorResponse builds the reply for a request that never fully
// arrived.
func (p *Processor) ErrorResponse(conn *rpc.Conn, message string) []byte {
	return p.reply(rpc.StatusError, message)
}

func (p *Processor) handleRegister(ctx context.Context, conn *rpc.Conn, envelope Envelope, first bool) (rpc.Status, []byte) {
	if !first {
		return rpc.StatusError, p.reply(rpc.StatusError, "registration must be the first request")
	}

	var request RegisterRequest
	if err := codec.Unmarshal(envelope.Body, &request); err != nil {
		return rpc.StatusError, p.reply(rpc.StatusError, "malformed registration")
	}

	if request.Version < rpc.MinProtocolVersion || request.Version > rpc.ProtocolVersion {
		p.logger.Warn("rejecting registration: unsupported protocol version",
			"cluster", request.Cluster, "remote", conn.RemoteHost, "version", request.Version)
		return rpc.StatusVersionMismatch, p.reply(rpc.StatusVersionMismatch,
			fmt.Sprintf("protocol version %d outside supported range [%d, %d]",
				request.Version, rpc.MinProtocolVersion, rpc.ProtocolVersion))
	}

	if p.secret != "" && subtle.ConstantTimeCompare([]byte(p.secret), []byte(request.Secret)) != 1 {
		p.logger.Warn("rejecting registration: bad secret",
			"cluster", request.Cluster, "remote", conn.RemoteHost)
		return rpc.StatusAccessDenied, p.reply(rpc.StatusAccessDenied, "access denied")
	}

	if request.Cluster == "" {
		return rpc.StatusError, p.reply(rpc.StatusError, "cluster name is required")
	}

	session, ok := conn.Storage.(*Session)
	if !ok {
		return rpc.StatusError, p.reply(rpc.StatusError, "no accounting session")
	}
	if err := session.register(ctx, request); err != nil {
		p.logger.Error("registration failed", "cluster", request.Cluster, "error", err)
		return rpc.StatusError, p.reply(rpc.StatusError, "registration failed")
	}

	conn.ClusterName = request.Cluster
	conn.RemotePort = request.ControlPort
	conn.Version = request.Version
	conn.TRES = request.TRES
	if conn.Persistent() {
		p.registry.Add(conn)
	}

	p.logger.Info("cluster registered",
		"cluster", request.Cluster,
		"remote", conn.RemoteHost,
		"control_port", request.ControlPort,
		"version", request.Version,
	)
	return rpc.StatusFirstRegistration, p.reply(rpc.StatusFirstRegistration, "")
}

func (p *Processor) handleJobEvent(ctx context.Context, conn *rpc.Conn, envelope Envelope) (rpc.Status, []byte) {
	session, ok := conn.Storage.(*Session)
	if !ok {
		return rpc.StatusError, p.reply(rpc.StatusError, "no accounting session")
	}

	var event JobEvent
	if err := codec.Unmarshal(envelope.Body, &event); err != nil {
		return rpc.StatusError, p.reply(rpc.StatusError, fmt.Sprintf("malformed %s event", envelope.Kind))
	}

	if err := session.record(envelope.Kind, event.JobID, event.StepID, envelope.Body); err != nil {
		return rpc.StatusError, p.reply(rpc.StatusError, err.Error())
	}
	return rpc.StatusSuccess, p.reply(rpc.StatusSuccess, "")
}

func (p *Processor) handleNodeState(ctx context.Context, conn *rpc.Conn, envelope Envelope) (rpc.Status, []byte) {
	session, ok := conn.Storage.(*Session)
	if !ok {
		return rpc.StatusError, p.reply(rpc.StatusError, "no accounting session")
	}

	var event NodeStateEvent
	if err := codec.Unmarshal(envelope.Body, &event); err != nil {
		return rpc.StatusError, p.reply(rpc.StatusError, "malformed node_state event")
	}
	if event.Node == "" {
		return rpc.StatusError, p.reply(rpc.StatusError, "node name is required")
	}

	if err := session.record(envelope.Kind, 0, 0, envelope.Body); err != nil {
		return rpc.StatusError, p.reply(rpc.StatusError, err.Error())
	}
	return rpc.StatusSuccess, p.reply(rpc.StatusSuccess, "")
}

// reply encodes a Reply payload. Encoding a Reply cannot realistically
// fail; if it somehow does, the nil return makes the server skip the
// send and the client times out instead of reading garbage.
func (p *Processor) reply(status rpc.Status, message string) []byte {
	payload, err := codec.Marshal(Reply{Status: int(status), Message: message})
	if err != nil {
		p.logger.Error("encoding reply failed", "status", status.String(), "error", err)
		return nil
	}
	return payload
}
