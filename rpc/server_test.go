// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quarry-hpc/quarry/lib/clock"
	"github.com/quarry-hpc/quarry/lib/testutil"
	"github.com/quarry-hpc/quarry/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// processorCall records one Process invocation.
type processorCall struct {
	payload []byte
	first   bool
}

// stubProcessor records calls and delegates to an optional handler.
// The default behavior echoes the payload with an "ok:" prefix.
type stubProcessor struct {
	handler func(conn *Conn, payload []byte, first bool) (Status, []byte)

	mu    sync.Mutex
	calls []processorCall

	// called receives a copy of every call, for tests that wait on
	// processing rather than on replies.
	called chan processorCall
}

func newStubProcessor(handler func(conn *Conn, payload []byte, first bool) (Status, []byte)) *stubProcessor {
	return &stubProcessor{
		handler: handler,
		called:  make(chan processorCall, 16),
	}
}

func (p *stubProcessor) Process(ctx context.Context, conn *Conn, payload []byte, first bool) (Status, []byte) {
	call := processorCall{payload: append([]byte(nil), payload...), first: first}
	p.mu.Lock()
	p.calls = append(p.calls, call)
	p.mu.Unlock()
	p.called <- call

	if p.handler != nil {
		return p.handler(conn, payload, first)
	}
	return StatusSuccess, append([]byte("ok:"), payload...)
}

func (p *stubProcessor) ErrorResponse(conn *Conn, message string) []byte {
	return []byte("error: " + message)
}

func (p *stubProcessor) snapshot() []processorCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]processorCall(nil), p.calls...)
}

// stubStorage records the teardown-path storage calls.
type stubStorage struct {
	mu            sync.Mutex
	commits       int
	finalCommit   bool
	closedCluster *ClusterDescriptor

	closeOnce sync.Once
	closed    chan struct{}
}

func newStubStorage() *stubStorage {
	return &stubStorage{closed: make(chan struct{})}
}

func (s *stubStorage) Commit(ctx context.Context, final bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
	if final {
		s.finalCommit = true
	}
	return nil
}

func (s *stubStorage) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *stubStorage) CloseClusterSession(ctx context.Context, cluster ClusterDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closedCluster = &cluster
	return nil
}

// startTestServer runs Serve on a loopback port and returns the
// server, the serve context's cancel function, and a channel closed
// once Serve returns.
func startTestServer(t *testing.T, cfg Config) (*Server, context.CancelFunc, chan struct{}) {
	t.Helper()

	if cfg.ListenAddress == "" {
		cfg.ListenAddress = "127.0.0.1:0"
	}
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}

	server, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return runTestServer(t, server)
}

func runTestServer(t *testing.T, server *Server) (*Server, context.CancelFunc, chan struct{}) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := server.Serve(ctx); err != nil {
			t.Errorf("Serve: %v", err)
		}
	}()
	testutil.RequireClosed(t, server.Ready(), 5*time.Second, "waiting for server to listen")

	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, done, 5*time.Second, "waiting for server to stop")
	})
	return server, cancel, done
}

func dialServer(t *testing.T, address string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", address, 5*time.Second)
	if err != nil {
		t.Fatalf("dialing %s: %v", address, err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	return conn
}

func sendFrame(t *testing.T, conn net.Conn, payload []byte) {
	t.Helper()
	if err := wire.WriteFrame(conn, payload); err != nil {
		t.Fatalf("sending %d-byte frame: %v", len(payload), err)
	}
}

func receiveFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	payload, err := wire.ReadFrame(conn)
	if err != nil {
		t.Fatalf("receiving frame: %v", err)
	}
	return payload
}

// waitForIdle polls until every admission slot is free.
func waitForIdle(t *testing.T, server *Server) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for server.admission.Active() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("admission never drained: %d slots active", server.admission.Active())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServeRepliesInRequestOrder(t *testing.T) {
	processor := newStubProcessor(nil)
	server, _, _ := startTestServer(t, Config{Processor: processor})

	conn := dialServer(t, server.Address())
	for _, request := range []string{"first-request", "second-request"} {
		sendFrame(t, conn, []byte(request))
		reply := receiveFrame(t, conn)
		if want := "ok:" + request; string(reply) != want {
			t.Errorf("reply = %q, want %q", reply, want)
		}
	}

	calls := processor.snapshot()
	if len(calls) != 2 {
		t.Fatalf("processor saw %d calls, want 2", len(calls))
	}
	if !calls[0].first || calls[1].first {
		t.Errorf("first flags = [%v, %v], want [true, false]", calls[0].first, calls[1].first)
	}
}

func TestClientDisconnectRunsTeardown(t *testing.T) {
	processor := newStubProcessor(nil)
	storage := newStubStorage()
	server, _, _ := startTestServer(t, Config{
		Processor:   processor,
		OpenStorage: func(string) Storage { return storage },
	})

	conn := dialServer(t, server.Address())
	sendFrame(t, conn, []byte("one-shot"))
	receiveFrame(t, conn)
	conn.Close()

	testutil.RequireClosed(t, storage.closed, 5*time.Second, "waiting for storage close")
	storage.mu.Lock()
	defer storage.mu.Unlock()
	if !storage.finalCommit {
		t.Error("teardown never issued a final commit")
	}
	if storage.closedCluster != nil {
		t.Error("unregistered session recorded a cluster disconnect")
	}
	waitForIdle(t, server)
}

func TestRegisteredClusterTeardown(t *testing.T) {
	registry := NewRegistry()
	processor := newStubProcessor(func(conn *Conn, payload []byte, first bool) (Status, []byte) {
		if first {
			conn.ClusterName = "alpha"
			conn.RemotePort = 6817
			conn.TRES = "cpu=64,mem=256G"
			registry.Add(conn)
			return StatusFirstRegistration, []byte("registered")
		}
		return StatusSuccess, []byte("ok")
	})
	storage := newStubStorage()
	server, _, _ := startTestServer(t, Config{
		Processor:   processor,
		Registry:    registry,
		OpenStorage: func(string) Storage { return storage },
	})

	conn := dialServer(t, server.Address())
	sendFrame(t, conn, []byte("register alpha"))
	if reply := receiveFrame(t, conn); string(reply) != "registered" {
		t.Fatalf("registration reply = %q", reply)
	}
	if registry.Len() != 1 {
		t.Fatalf("registry has %d entries after registration, want 1", registry.Len())
	}

	conn.Close()
	testutil.RequireClosed(t, storage.closed, 5*time.Second, "waiting for storage close")

	storage.mu.Lock()
	closedCluster := storage.closedCluster
	storage.mu.Unlock()
	if closedCluster == nil {
		t.Fatal("cluster disconnect was never recorded")
	}
	if closedCluster.Name != "alpha" || closedCluster.ControlPort != 6817 {
		t.Errorf("disconnect recorded for %s:%d, want alpha:6817",
			closedCluster.Name, closedCluster.ControlPort)
	}
	if registry.Len() != 0 {
		t.Errorf("registry has %d entries after teardown, want 0", registry.Len())
	}
}

func TestAccessDeniedEndsSessionAfterReply(t *testing.T) {
	processor := newStubProcessor(func(conn *Conn, payload []byte, first bool) (Status, []byte) {
		return StatusAccessDenied, []byte("denied")
	})
	server, _, _ := startTestServer(t, Config{Processor: processor})

	conn := dialServer(t, server.Address())
	sendFrame(t, conn, []byte("bad credentials"))
	if reply := receiveFrame(t, conn); string(reply) != "denied" {
		t.Fatalf("reply = %q, want %q", reply, "denied")
	}

	// The server hangs up after the denial; the next read sees EOF.
	if _, err := conn.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Errorf("read after denial = %v, want EOF", err)
	}
}

func TestTruncatedBodyGetsErrorReply(t *testing.T) {
	processor := newStubProcessor(nil)
	server, _, _ := startTestServer(t, Config{Processor: processor})

	conn := dialServer(t, server.Address())

	// Declare 20 payload bytes, deliver 5, then half-close.
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], 20)
	if _, err := conn.Write(prefix[:]); err != nil {
		t.Fatalf("writing prefix: %v", err)
	}
	if _, err := conn.Write([]byte("12345")); err != nil {
		t.Fatalf("writing partial body: %v", err)
	}
	conn.(*net.TCPConn).CloseWrite()

	reply := receiveFrame(t, conn)
	if !bytes.Contains(reply, []byte("incomplete request")) {
		t.Errorf("reply = %q, want an incomplete-request error", reply)
	}
	if len(processor.snapshot()) != 0 {
		t.Error("a truncated request reached the processor")
	}
}

func TestTruncatedPrefixGetsNoReply(t *testing.T) {
	processor := newStubProcessor(nil)
	server, _, _ := startTestServer(t, Config{Processor: processor})

	conn := dialServer(t, server.Address())
	if _, err := conn.Write([]byte{0x00, 0x00}); err != nil {
		t.Fatalf("writing partial prefix: %v", err)
	}
	conn.(*net.TCPConn).CloseWrite()

	// No request was declared, so the server closes without answering.
	data, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("reading until close: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("server sent %d bytes for a truncated prefix, want none", len(data))
	}
}

func TestConnectionLimitQueuesArrivals(t *testing.T) {
	processor := newStubProcessor(nil)
	server, _, _ := startTestServer(t, Config{
		Processor:      processor,
		MaxConnections: 1,
	})

	first := dialServer(t, server.Address())
	sendFrame(t, first, []byte("held"))
	testutil.RequireReceive(t, processor.called, 5*time.Second, "waiting for first request")

	// The second connection sits in the listen backlog: its frame
	// must not reach the processor while the only slot is occupied.
	second := dialServer(t, server.Address())
	sendFrame(t, second, []byte("queued"))
	select {
	case call := <-processor.called:
		t.Fatalf("request %q processed while the slot table was full", call.payload)
	case <-time.After(100 * time.Millisecond):
	}

	first.Close()
	call := testutil.RequireReceive(t, processor.called, 5*time.Second, "waiting for queued request")
	if string(call.payload) != "queued" {
		t.Errorf("processed %q after slot freed, want %q", call.payload, "queued")
	}
}

func TestShutdownDrainsBlockedReaders(t *testing.T) {
	processor := newStubProcessor(nil)
	storage := newStubStorage()
	server, cancel, done := startTestServer(t, Config{
		Processor:   processor,
		OpenStorage: func(string) Storage { return storage },
	})

	conn := dialServer(t, server.Address())
	sendFrame(t, conn, []byte("payload"))
	receiveFrame(t, conn)

	// The worker is parked in a blocking read. Shutdown must
	// interrupt it and drain before the grace period expires.
	cancel()
	testutil.RequireClosed(t, done, 5*time.Second, "waiting for server to stop")
	testutil.RequireClosed(t, storage.closed, 5*time.Second, "waiting for storage close")

	storage.mu.Lock()
	defer storage.mu.Unlock()
	if !storage.finalCommit {
		t.Error("drained worker never issued its final commit")
	}
}

func TestShutdownAbandonsStalledWorker(t *testing.T) {
	fakeClock := clock.Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	release := make(chan struct{})
	processor := newStubProcessor(func(conn *Conn, payload []byte, first bool) (Status, []byte) {
		<-release
		return StatusSuccess, nil
	})
	storage := newStubStorage()
	server, cancel, done := startTestServer(t, Config{
		Processor:   processor,
		Clock:       fakeClock,
		OpenStorage: func(string) Storage { return storage },
	})

	conn := dialServer(t, server.Address())
	sendFrame(t, conn, []byte("stall"))
	testutil.RequireReceive(t, processor.called, 5*time.Second, "waiting for stalled request")

	// The worker is stuck inside Process where no read interrupt can
	// reach it. Once the grace period elapses the coordinator
	// abandons it and Serve returns.
	cancel()
	fakeClock.WaitForTimers(1)
	fakeClock.Advance(DefaultShutdownGrace)
	testutil.RequireClosed(t, done, 5*time.Second, "waiting for abandoning shutdown")

	// The abandoned worker still runs its teardown when unblocked.
	close(release)
	testutil.RequireClosed(t, storage.closed, 5*time.Second, "waiting for straggler teardown")
}

func TestWorkerLaunchRetriesOnce(t *testing.T) {
	processor := newStubProcessor(nil)
	server, err := NewServer(Config{
		ListenAddress: "127.0.0.1:0",
		Processor:     processor,
		Logger:        testLogger(),
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	var attempts atomic.Int32
	launch := server.launchWorker
	server.launchWorker = func(task func()) error {
		if attempts.Add(1) == 1 {
			return errors.New("worker resources exhausted")
		}
		return launch(task)
	}
	runTestServer(t, server)

	conn := dialServer(t, server.Address())
	sendFrame(t, conn, []byte("retry me"))
	if reply := receiveFrame(t, conn); string(reply) != "ok:retry me" {
		t.Errorf("reply = %q, want %q", reply, "ok:retry me")
	}
	if attempts.Load() != 2 {
		t.Errorf("launch attempted %d times, want 2", attempts.Load())
	}
}

func TestWorkerLaunchFailingTwiceDropsConnection(t *testing.T) {
	processor := newStubProcessor(nil)
	server, err := NewServer(Config{
		ListenAddress: "127.0.0.1:0",
		Processor:     processor,
		Logger:        testLogger(),
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	server.launchWorker = func(func()) error {
		return errors.New("worker resources exhausted")
	}
	runTestServer(t, server)

	conn := dialServer(t, server.Address())
	if _, err := conn.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Errorf("read on dropped connection = %v, want EOF", err)
	}
	waitForIdle(t, server)
	if len(processor.snapshot()) != 0 {
		t.Error("a dropped connection reached the processor")
	}
}
