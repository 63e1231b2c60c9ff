// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"fmt"
	"log/slog"
	"sync"
)

// admission is the bounded-concurrency gate in front of connection
// workers. It holds a fixed table of slots; a slot is occupied from
// the moment Acquire grants it until Release. Acquire blocks while
// the table is full, so bursts of simultaneous arrivals (many
// controllers flushing at once) queue instead of spawning unbounded
// workers.
//
// The slot table doubles as the worker identity table: Bind records
// the Conn serviced in each slot so the shutdown coordinator can
// interrupt every active worker's blocking read.
type admission struct {
	capacity int
	logger   *slog.Logger

	mu   sync.Mutex
	cond *sync.Cond

	// active is the number of occupied slots, always in [0, capacity].
	active int

	// slots[i] is the Conn bound to slot i, nil while the slot is
	// free or granted but not yet bound.
	slots []*Conn

	// occupied[i] distinguishes a granted-but-unbound slot from a
	// free one.
	occupied []bool

	// down latches when shutdown begins. Never cleared.
	down bool
}

func newAdmission(capacity int, logger *slog.Logger) *admission {
	a := &admission{
		capacity: capacity,
		logger:   logger,
		slots:    make([]*Conn, capacity),
		occupied: make([]bool, capacity),
	}
	a.cond = sync.NewCond(&a.mu)
	return a
}

// Acquire blocks until a slot is free or shutdown begins. It returns
// the granted slot index and true, or -1 and false if the gate shut
// down while waiting. Slot grant order is not FIFO — slots are
// fungible, and whichever waiter the scheduler wakes first claims a
// freed slot.
func (a *admission) Acquire() (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	logged := false
	for {
		if a.down {
			return -1, false
		}
		if a.active < a.capacity {
			break
		}
		if !logged {
			// Expected under bursty arrivals, e.g. many controllers
			// reporting job completions at the same time. A delay,
			// not an error.
			a.logger.Warn("connection limit reached, waiting for a free slot",
				"capacity", a.capacity)
			logged = true
		}
		a.cond.Wait()
	}

	a.active++
	for i := range a.occupied {
		if !a.occupied[i] {
			a.occupied[i] = true
			return i, true
		}
	}
	// active < capacity guaranteed a free slot; reaching here means
	// the count and the table disagree. Corrupted shared state is not
	// something to limp along with.
	panic(fmt.Sprintf("rpc: admission slot table out of sync: active=%d capacity=%d", a.active, a.capacity))
}

// Bind records the connection serviced by a granted slot so shutdown
// can interrupt its worker.
func (a *admission) Bind(slot int, conn *Conn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.slots[slot] = conn
}

// Release frees a slot and wakes all waiters. Releasing more slots
// than were acquired is a logic error: it is logged and clamped
// rather than corrupting the count.
func (a *admission) Release(slot int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.active > 0 {
		a.active--
	} else {
		a.logger.Error("admission count underflow", "slot", slot)
	}
	a.slots[slot] = nil
	a.occupied[slot] = false
	a.cond.Broadcast()
}

// Shutdown latches the gate closed and wakes every blocked Acquire.
// Safe to call more than once.
func (a *admission) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.down = true
	a.cond.Broadcast()
}

// ShuttingDown reports whether Shutdown has been called.
func (a *admission) ShuttingDown() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.down
}

// Active returns the number of occupied slots.
func (a *admission) Active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// InterruptActive wakes every bound worker out of its blocking read.
// Workers that have released their slot are simply not signaled.
func (a *admission) InterruptActive() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, conn := range a.slots {
		if conn != nil {
			conn.interruptRead()
		}
	}
}

// CloseActive force-closes the socket of every still-bound worker.
// The coordinator's last resort after the grace period expires.
func (a *admission) CloseActive() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, conn := range a.slots {
		if conn != nil {
			conn.forceClose()
		}
	}
}

// AwaitIdle blocks until every slot is free. Used by the shutdown
// coordinator's drain wait; the caller bounds it with a timeout.
func (a *admission) AwaitIdle() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for a.active > 0 {
		a.cond.Wait()
	}
}
