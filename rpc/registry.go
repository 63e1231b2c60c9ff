// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import "sync"

// Registry is the shared collection of connections that have
// registered as persistent cluster controllers. The processor adds an
// entry when a registration request arrives; the owning worker
// removes it during teardown. Entries are kept in arrival order.
//
// Registry has its own mutex, separate from the admission gate's; a
// worker holds it only for the duration of a scan.
type Registry struct {
	mu    sync.Mutex
	conns []*Conn
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add appends a registered cluster connection.
func (r *Registry) Add(conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns = append(r.conns, conn)
}

// Remove deletes conn from the registry if present, comparing by
// identity. At most one entry is removed; removing a connection that
// was never registered (or was already removed) is a no-op. Returns
// whether an entry was removed.
func (r *Registry) Remove(conn *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, candidate := range r.conns {
		if candidate == conn {
			r.conns = append(r.conns[:i], r.conns[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of registered clusters.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Snapshot returns descriptors for every registered cluster, in
// registration order. For status reporting; the underlying
// connections stay owned by their workers.
func (r *Registry) Snapshot() []ClusterDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	descriptors := make([]ClusterDescriptor, 0, len(r.conns))
	for _, conn := range r.conns {
		descriptors = append(descriptors, conn.Descriptor())
	}
	return descriptors
}
