// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/quarry-hpc/quarry/wire"
)

// teardownTimeout bounds the storage work done while closing a
// connection. Teardown runs after the serve context is cancelled, so
// it carries its own deadline.
const teardownTimeout = 10 * time.Second

// serviceConnection is the worker body: read frames off one connection
// and hand them to the processor until the peer hangs up, the stream
// turns bad, or shutdown interrupts the read. Requests on a connection
// are strictly ordered; the reply to one frame is always sent before
// the next frame is read.
func (s *Server) serviceConnection(ctx context.Context, conn *Conn, slot int) {
	logger := s.logger.With("remote", conn.RemoteHost)
	defer s.teardown(ctx, conn, slot, logger)

	first := true
	for {
		payload, err := wire.ReadFrame(conn.netConn)
		if err != nil {
			s.handleReadFailure(conn, err, logger)
			return
		}

		status, reply := s.processor.Process(ctx, conn, payload, first)
		first = false

		switch status {
		case StatusSuccess, StatusFirstRegistration:
		default:
			logger.Warn("request failed", "status", status.String(), "cluster", conn.ClusterName)
		}

		if reply != nil {
			if !s.sendReply(conn, reply, logger) {
				return
			}
		}

		// Authentication and version failures were answered; the
		// session has nothing further to say.
		if status == StatusAccessDenied || status == StatusVersionMismatch {
			return
		}
	}
}

// handleReadFailure logs why the session is ending and, for a request
// that died mid-body, answers the declared-but-undelivered request so
// a waiting client sees a definite failure instead of silence.
func (s *Server) handleReadFailure(conn *Conn, err error, logger *slog.Logger) {
	var shortErr *wire.ShortReadError
	var protocolErr *wire.ProtocolError

	switch {
	case errors.Is(err, wire.ErrConnectionClosed):
		logger.Debug("connection closed by peer")

	case s.admission.ShuttingDown() && errors.Is(err, os.ErrDeadlineExceeded):
		// The shutdown coordinator interrupted the blocking read.
		logger.Debug("worker interrupted for shutdown")

	case s.admission.ShuttingDown() && errors.Is(err, net.ErrClosed):
		// The coordinator force-closed the socket after the grace
		// period.
		logger.Debug("socket force-closed during shutdown")

	case errors.As(err, &protocolErr):
		logger.Error("dropping connection: invalid frame length", "length", protocolErr.Length)

	case errors.As(err, &shortErr):
		if shortErr.Prefix {
			logger.Error("dropping connection: truncated frame prefix",
				"received", shortErr.Received)
			return
		}
		logger.Error("dropping connection: truncated frame body",
			"declared", shortErr.Declared, "received", shortErr.Received)
		s.sendReply(conn, s.processor.ErrorResponse(conn, "incomplete request"), logger)

	default:
		logger.Error("dropping connection: read failed", "error", err)
	}
}

// sendReply writes one reply frame. A send failure ends the session;
// for a persistent controller link it is logged quietly because the
// controller re-establishes the connection and resends on its own.
func (s *Server) sendReply(conn *Conn, reply []byte, logger *slog.Logger) bool {
	if err := wire.WriteFrame(conn.netConn, reply); err != nil {
		if conn.Persistent() {
			logger.Debug("reply send failed, controller will reconnect and retry",
				"cluster", conn.ClusterName, "error", err)
		} else {
			logger.Error("reply send failed", "error", err)
		}
		return false
	}
	return true
}

// teardown closes out one session: record a registered cluster's
// disconnect, flush buffered accounting work, release the storage
// handle and the socket, and free the admission slot. Runs exactly
// once per worker, on every exit path.
func (s *Server) teardown(ctx context.Context, conn *Conn, slot int, logger *slog.Logger) {
	// Storage work must complete even though the serve context is
	// cancelled during shutdown, so detach from it and carry a
	// deadline of our own.
	teardownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	if conn.Persistent() && !s.admission.ShuttingDown() {
		// The controller went away on its own: mark its cluster down
		// and drop it from the registry. During shutdown this daemon
		// is the one leaving, the cluster is still up, so neither
		// happens.
		if err := conn.Storage.CloseClusterSession(teardownCtx, conn.Descriptor()); err != nil {
			logger.Error("recording cluster disconnect failed",
				"cluster", conn.ClusterName, "error", err)
		}
		s.registry.Remove(conn)
	}

	if err := conn.Storage.Commit(teardownCtx, true); err != nil {
		logger.Error("final accounting commit failed", "error", err)
	}
	if err := conn.Storage.Close(); err != nil {
		logger.Error("closing storage handle failed", "error", err)
	}
	conn.netConn.Close()
	s.admission.Release(slot)
	logger.Debug("session closed", "cluster", conn.ClusterName)
}
