// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/quarry-hpc/quarry/lib/testutil"
)

func testAdmission(capacity int) *admission {
	return newAdmission(capacity, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestAcquireGrantsLowestFreeSlot(t *testing.T) {
	gate := testAdmission(3)

	for want := 0; want < 3; want++ {
		slot, ok := gate.Acquire()
		if !ok {
			t.Fatalf("Acquire %d refused", want)
		}
		if slot != want {
			t.Errorf("Acquire granted slot %d, want %d", slot, want)
		}
	}
	if gate.Active() != 3 {
		t.Errorf("Active = %d, want 3", gate.Active())
	}

	// Freeing a middle slot makes it the lowest free slot again.
	gate.Release(1)
	slot, ok := gate.Acquire()
	if !ok || slot != 1 {
		t.Errorf("Acquire after Release(1) = (%d, %v), want (1, true)", slot, ok)
	}
}

func TestAcquireBlocksAtCapacityUntilRelease(t *testing.T) {
	gate := testAdmission(1)

	slot, ok := gate.Acquire()
	if !ok {
		t.Fatal("first Acquire refused")
	}

	granted := make(chan int)
	go func() {
		late, ok := gate.Acquire()
		if !ok {
			late = -1
		}
		granted <- late
	}()

	// The second Acquire must still be parked.
	select {
	case late := <-granted:
		t.Fatalf("Acquire returned %d while the table was full", late)
	case <-time.After(50 * time.Millisecond):
	}

	gate.Release(slot)
	late := testutil.RequireReceive(t, granted, 5*time.Second, "waiting for freed slot")
	if late != slot {
		t.Errorf("freed slot granted as %d, want %d", late, slot)
	}
}

func TestShutdownWakesBlockedAcquire(t *testing.T) {
	gate := testAdmission(1)
	if _, ok := gate.Acquire(); !ok {
		t.Fatal("first Acquire refused")
	}

	refused := make(chan bool)
	go func() {
		_, ok := gate.Acquire()
		refused <- !ok
	}()

	gate.Shutdown()
	if !testutil.RequireReceive(t, refused, 5*time.Second, "waiting for refused Acquire") {
		t.Error("Acquire succeeded after Shutdown")
	}
}

func TestAcquireAfterShutdownRefusesImmediately(t *testing.T) {
	gate := testAdmission(4)
	gate.Shutdown()
	gate.Shutdown() // latching twice is harmless

	if slot, ok := gate.Acquire(); ok {
		t.Errorf("Acquire after Shutdown granted slot %d", slot)
	}
	if !gate.ShuttingDown() {
		t.Error("ShuttingDown = false after Shutdown")
	}
}

func TestReleaseUnderflowIsClamped(t *testing.T) {
	gate := testAdmission(2)
	gate.Release(0)

	if gate.Active() != 0 {
		t.Errorf("Active = %d after spurious Release, want 0", gate.Active())
	}

	// The gate still works normally afterwards.
	if slot, ok := gate.Acquire(); !ok || slot != 0 {
		t.Errorf("Acquire after spurious Release = (%d, %v), want (0, true)", slot, ok)
	}
}

func TestAwaitIdleReturnsOnceAllSlotsFree(t *testing.T) {
	gate := testAdmission(2)
	a, _ := gate.Acquire()
	b, _ := gate.Acquire()

	idle := make(chan struct{})
	go func() {
		gate.AwaitIdle()
		close(idle)
	}()

	gate.Release(a)
	select {
	case <-idle:
		t.Fatal("AwaitIdle returned with a slot still occupied")
	case <-time.After(50 * time.Millisecond):
	}

	gate.Release(b)
	testutil.RequireClosed(t, idle, 5*time.Second, "waiting for idle gate")
}
