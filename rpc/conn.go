// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"net"
	"time"
)

// aLongTimeAgo is a deadline guaranteed to be in the past. Setting it
// as a read deadline interrupts a blocked read immediately and makes
// every subsequent read fail fast, which is how the shutdown
// coordinator wakes workers parked in ReadFrame.
var aLongTimeAgo = time.Unix(1, 0)

// Conn is the per-connection state for one client session. It is
// created by the accept loop and owned exclusively by the worker
// goroutine that services it; no field is touched by another
// goroutine, so Conn carries no lock. The only cross-goroutine calls
// are interruptRead and forceClose from the shutdown coordinator,
// which net.Conn documents as safe to invoke concurrently with reads.
type Conn struct {
	netConn net.Conn

	// RemoteHost is the peer's IP address, recorded at accept time.
	RemoteHost string

	// RemotePort is the peer controller's advertised control port.
	// Zero for one-shot clients; non-zero marks the connection as a
	// persistent registered-cluster link, which changes teardown and
	// send-failure handling.
	RemotePort uint16

	// Version is the negotiated protocol version. Starts at the
	// minimum supported version and is raised by the processor during
	// registration.
	Version uint16

	// ClusterName is set by the processor when the client registers
	// as a cluster controller. Empty for unregistered sessions.
	ClusterName string

	// TRES is the trackable-resources string reported by the cluster
	// during registration, carried to teardown for the
	// cluster-session close record.
	TRES string

	// Storage is this connection's private accounting storage handle.
	Storage Storage
}

// NewConn wraps an accepted network connection. storage may be nil,
// in which case a no-op handle is used.
func NewConn(netConn net.Conn, remoteHost string, storage Storage) *Conn {
	if storage == nil {
		storage = nopStorage{}
	}
	return &Conn{
		netConn:    netConn,
		RemoteHost: remoteHost,
		Version:    MinProtocolVersion,
		Storage:    storage,
	}
}

// Persistent reports whether the client registered as a cluster
// controller expected to hold the connection open.
func (c *Conn) Persistent() bool { return c.RemotePort != 0 }

// Descriptor returns the teardown-time identity of the registered
// cluster behind this connection.
func (c *Conn) Descriptor() ClusterDescriptor {
	return ClusterDescriptor{
		Name:        c.ClusterName,
		ControlHost: c.RemoteHost,
		ControlPort: c.RemotePort,
		TRES:        c.TRES,
	}
}

// interruptRead wakes the owning worker out of a blocked read. All
// reads after this fail fast; writes are unaffected so an in-flight
// reply can still be sent.
func (c *Conn) interruptRead() {
	c.netConn.SetReadDeadline(aLongTimeAgo)
}

// forceClose tears the socket down from outside the owning worker.
// Used only by the shutdown coordinator after the grace period.
func (c *Conn) forceClose() {
	c.netConn.Close()
}
