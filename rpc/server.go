// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/quarry-hpc/quarry/lib/clock"
)

// DefaultMaxConnections bounds concurrent workers when the config
// leaves MaxConnections zero. One worker costs a goroutine plus frame
// buffers, so the bound trades admission latency for predictable
// memory under bursty arrivals.
const DefaultMaxConnections = 100

// DefaultShutdownGrace is how long the coordinator waits for workers
// to drain voluntarily before abandoning them to process exit.
const DefaultShutdownGrace = 500 * time.Millisecond

// workerRetryDelay is the pause before the single retry of a failed
// worker launch.
const workerRetryDelay = time.Millisecond

// Config holds the parameters for a Server.
type Config struct {
	// ListenAddress is the TCP address to bind, e.g. ":6819".
	ListenAddress string

	// MaxConnections bounds concurrently serviced connections.
	// Defaults to DefaultMaxConnections.
	MaxConnections int

	// Processor handles decoded request frames. Required.
	Processor Processor

	// OpenStorage returns a fresh accounting storage handle for each
	// accepted connection. Nil means connections get a no-op handle.
	OpenStorage func(remoteHost string) Storage

	// Registry is the shared registered-cluster collection. A fresh
	// one is created if nil.
	Registry *Registry

	// ShutdownGrace overrides DefaultShutdownGrace when positive.
	ShutdownGrace time.Duration

	// Clock provides time for the retry delay and the grace period.
	// Defaults to clock.Real().
	Clock clock.Clock

	// Logger receives operational messages. Defaults to discard.
	Logger *slog.Logger
}

// Server owns the listening endpoint and runs the accept loop. Create
// with NewServer, then call Serve exactly once.
type Server struct {
	listenAddress string
	processor     Processor
	openStorage   func(remoteHost string) Storage
	registry      *Registry
	admission     *admission
	shutdownGrace time.Duration
	clock         clock.Clock
	logger        *slog.Logger

	// launchWorker starts a worker goroutine. Tests substitute a
	// failing implementation to exercise the retry path.
	launchWorker func(task func()) error

	listener net.Listener
	ready    chan struct{}
}

// NewServer validates cfg and returns an unstarted server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.ListenAddress == "" {
		return nil, fmt.Errorf("rpc: ListenAddress is required")
	}
	if cfg.Processor == nil {
		return nil, fmt.Errorf("rpc: Processor is required")
	}

	maxConnections := cfg.MaxConnections
	if maxConnections <= 0 {
		maxConnections = DefaultMaxConnections
	}
	grace := cfg.ShutdownGrace
	if grace <= 0 {
		grace = DefaultShutdownGrace
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}

	server := &Server{
		listenAddress: cfg.ListenAddress,
		processor:     cfg.Processor,
		openStorage:   cfg.OpenStorage,
		registry:      registry,
		admission:     newAdmission(maxConnections, logger),
		shutdownGrace: grace,
		clock:         clk,
		logger:        logger,
		ready:         make(chan struct{}),
	}
	server.launchWorker = func(task func()) error {
		go task()
		return nil
	}
	return server, nil
}

// Ready returns a channel that closes once the server is listening.
// Callers binding ":0" wait on this before calling Address.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Address returns the bound listen address in "host:port" form. Only
// valid after Ready.
func (s *Server) Address() string { return s.listener.Addr().String() }

// Registry returns the shared registered-cluster collection.
func (s *Server) Registry() *Registry { return s.registry }

// Serve binds the listen address and runs the accept loop: acquire an
// admission slot, accept a connection, spawn a worker. It blocks
// until ctx is cancelled (or Shutdown is called), then drains: active
// workers are interrupted and given the grace period to finish before
// Serve returns and abandons them to process exit.
//
// Transient accept errors release the just-acquired slot and retry;
// they are never fatal. A worker launch failure is retried once after
// a short delay, then the connection is dropped.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.listenAddress)
	if err != nil {
		return fmt.Errorf("rpc: listening on %s: %w", s.listenAddress, err)
	}
	s.listener = listener
	close(s.ready)
	defer listener.Close()

	// Wake the accept loop and any blocked Acquire when shutdown
	// begins.
	go func() {
		<-ctx.Done()
		s.Shutdown()
	}()

	s.logger.Info("rpc server listening",
		"address", listener.Addr().String(),
		"max_connections", s.admission.capacity,
	)

	for {
		slot, ok := s.admission.Acquire()
		if !ok {
			break
		}

		netConn, err := listener.Accept()
		if err != nil {
			s.admission.Release(slot)
			if s.admission.ShuttingDown() || errors.Is(err, net.ErrClosed) {
				// Next Acquire observes the latch and exits the loop.
				continue
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		remoteHost := peerHost(netConn)
		var storage Storage
		if s.openStorage != nil {
			storage = s.openStorage(remoteHost)
		}
		conn := NewConn(netConn, remoteHost, storage)
		s.admission.Bind(slot, conn)

		if err := s.spawnWorker(ctx, conn, slot); err != nil {
			s.logger.Error("dropping connection: worker launch failed twice",
				"remote", remoteHost, "error", err)
			netConn.Close()
			s.admission.Release(slot)
		}
	}

	s.drain()
	s.logger.Info("rpc server stopped")
	return nil
}

// Shutdown latches the shutdown flag, wakes blocked admission waiters,
// and closes the listener to unblock the accept call. Safe to call
// multiple times and from any goroutine.
func (s *Server) Shutdown() {
	s.admission.Shutdown()
	if s.listener != nil {
		s.listener.Close()
	}
}

// spawnWorker launches the connection worker, retrying once after a
// short delay. Goroutine launch cannot fail with the default
// launcher; the retry mirrors resource-exhaustion handling for
// substituted launchers.
func (s *Server) spawnWorker(ctx context.Context, conn *Conn, slot int) error {
	task := func() { s.serviceConnection(ctx, conn, slot) }

	err := s.launchWorker(task)
	if err == nil {
		return nil
	}
	s.logger.Error("worker launch failed, retrying", "remote", conn.RemoteHost, "error", err)
	s.clock.Sleep(workerRetryDelay)
	return s.launchWorker(task)
}

// drain is the shutdown coordinator. Workers were already woken once
// by Shutdown's admission latch; here each active worker's blocking
// read is interrupted, then the coordinator waits up to the grace
// period for voluntary exits. Stragglers get their sockets closed (to
// interrupt any newly entered read) and are then abandoned to process
// exit. Workers are never forcibly terminated.
func (s *Server) drain() {
	active := s.admission.Active()
	s.logger.Info("rpc server draining", "active_workers", active)

	s.admission.InterruptActive()

	idle := make(chan struct{})
	go func() {
		s.admission.AwaitIdle()
		close(idle)
	}()

	select {
	case <-idle:
		s.logger.Info("all workers drained")
	case <-s.clock.After(s.shutdownGrace):
		s.admission.CloseActive()
		s.logger.Warn("shutdown grace period expired, abandoning workers",
			"active_workers", s.admission.Active())
	}
}

// peerHost extracts the peer IP from an accepted connection, falling
// back to the raw address string if it has no port part.
func peerHost(netConn net.Conn) string {
	address := netConn.RemoteAddr().String()
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return address
	}
	return host
}
