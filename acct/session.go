// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package acct

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/quarry-hpc/quarry/rpc"
)

// pendingEvent is one buffered accounting record awaiting commit.
type pendingEvent struct {
	kind    string
	jobID   uint64
	stepID  uint32
	payload []byte
	at      int64
}

// Session is one connection's storage handle. It buffers accounting
// events in memory and flushes them to the shared Store in one
// transaction per commit. A session is owned by a single connection
// worker and is not safe for concurrent use.
//
// Session implements rpc.Storage.
type Session struct {
	store      *Store
	remoteHost string
	logger     *slog.Logger

	cluster string
	pending []pendingEvent
}

// register upserts the session's cluster row and ties subsequent
// events to that cluster.
func (s *Session) register(ctx context.Context, request RegisterRequest) error {
	if err := s.store.RegisterCluster(ctx, request.Cluster, s.remoteHost, request.ControlPort, request.TRES); err != nil {
		return err
	}
	s.cluster = request.Cluster
	return nil
}

// record buffers one accounting event. Events are only accepted after
// registration because every stored event references a cluster row.
func (s *Session) record(kind string, jobID uint64, stepID uint32, payload []byte) error {
	if s.cluster == "" {
		return fmt.Errorf("acct: %s event before registration", kind)
	}
	s.pending = append(s.pending, pendingEvent{
		kind:    kind,
		jobID:   jobID,
		stepID:  stepID,
		payload: payload,
		at:      s.store.clock.Now().Unix(),
	})
	return nil
}

// pendingCount reports how many events are buffered but not committed.
func (s *Session) pendingCount() int { return len(s.pending) }

// Commit flushes buffered events in one transaction. On failure the
// buffer is kept so a later commit (including the final one at
// teardown) can retry.
func (s *Session) Commit(ctx context.Context, final bool) error {
	if len(s.pending) == 0 {
		return nil
	}
	if err := s.store.recordEvents(ctx, s.cluster, s.pending); err != nil {
		return err
	}
	s.pending = nil
	return nil
}

// Close releases the session. Anything still buffered at this point
// survived a failed final commit and is lost; say so in the log.
func (s *Session) Close() error {
	if len(s.pending) > 0 {
		s.logger.Warn("discarding uncommitted accounting events",
			"cluster", s.cluster, "events", len(s.pending))
		s.pending = nil
	}
	return nil
}

// CloseClusterSession marks the session's cluster as down.
func (s *Session) CloseClusterSession(ctx context.Context, cluster rpc.ClusterDescriptor) error {
	return s.store.MarkClusterDown(ctx, cluster.Name)
}
