// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package acct

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/quarry-hpc/quarry/lib/clock"
	"github.com/quarry-hpc/quarry/lib/sqlitepool"
)

// schema is applied to every pool connection. Idempotent, so daemon
// restarts against an existing database are cheap.
const schema = `
CREATE TABLE IF NOT EXISTS clusters (
	name          TEXT PRIMARY KEY,
	control_host  TEXT NOT NULL,
	control_port  INTEGER NOT NULL,
	tres          TEXT NOT NULL DEFAULT '',
	up            INTEGER NOT NULL DEFAULT 0,
	registered_at INTEGER NOT NULL,
	last_seen_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	id          INTEGER PRIMARY KEY,
	cluster     TEXT NOT NULL REFERENCES clusters(name),
	kind        TEXT NOT NULL,
	job_id      INTEGER NOT NULL DEFAULT 0,
	step_id     INTEGER NOT NULL DEFAULT 0,
	payload     BLOB NOT NULL,
	recorded_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS events_by_cluster_job ON events (cluster, job_id);
`

// StoreConfig holds the parameters for opening the accounting store.
type StoreConfig struct {
	// Path is the filesystem path to the SQLite database file. The
	// parent directory must exist.
	Path string

	// PoolSize is the connection pool size. Defaults per sqlitepool.
	PoolSize int

	// Clock provides timestamps for registration and event rows.
	// Defaults to clock.Real().
	Clock clock.Clock

	// Logger receives operational messages.
	Logger *slog.Logger
}

// Store is the shared accounting database. One Store serves the whole
// daemon; each connection gets its own Session on top of it.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// ClusterStatus is one row of the clusters table.
type ClusterStatus struct {
	Name         string
	ControlHost  string
	ControlPort  uint16
	TRES         string
	Up           bool
	RegisteredAt int64
	LastSeenAt   int64
}

// OpenStore opens the accounting database, creating it and its schema
// if needed.
func OpenStore(cfg StoreConfig) (*Store, error) {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("acct: %w", err)
	}

	return &Store{
		pool:   pool,
		clock:  clk,
		logger: logger,
	}, nil
}

// Close closes the underlying pool. All sessions must be done first.
func (s *Store) Close() error {
	return s.pool.Close()
}

// OpenSession returns a fresh per-connection storage handle. Matches
// the rpc server's OpenStorage signature.
func (s *Store) OpenSession(remoteHost string) *Session {
	return &Session{
		store:      s,
		remoteHost: remoteHost,
		logger:     s.logger,
	}
}

// RegisterCluster upserts the cluster row and marks it up. A
// re-registration (controller restart) refreshes the control endpoint
// and TRES but keeps the original registration time.
func (s *Store) RegisterCluster(ctx context.Context, name, controlHost string, controlPort uint16, tres string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("acct: register cluster: %w", err)
	}
	defer s.pool.Put(conn)

	now := s.clock.Now().Unix()
	err = sqlitex.Execute(conn, `
		INSERT INTO clusters (name, control_host, control_port, tres, up, registered_at, last_seen_at)
		VALUES (?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			control_host = excluded.control_host,
			control_port = excluded.control_port,
			tres         = excluded.tres,
			up           = 1,
			last_seen_at = excluded.last_seen_at`,
		&sqlitex.ExecOptions{
			Args: []any{name, controlHost, int64(controlPort), tres, now, now},
		})
	if err != nil {
		return fmt.Errorf("acct: register cluster %s: %w", name, err)
	}
	return nil
}

// MarkClusterDown records that a cluster's controller disconnected.
func (s *Store) MarkClusterDown(ctx context.Context, name string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("acct: mark cluster down: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		UPDATE clusters SET up = 0, last_seen_at = ? WHERE name = ?`,
		&sqlitex.ExecOptions{
			Args: []any{s.clock.Now().Unix(), name},
		})
	if err != nil {
		return fmt.Errorf("acct: mark cluster %s down: %w", name, err)
	}
	return nil
}

// recordEvents writes a batch of buffered events for one cluster in a
// single IMMEDIATE transaction and refreshes the cluster's last-seen
// time. An empty batch is a no-op.
func (s *Store) recordEvents(ctx context.Context, cluster string, events []pendingEvent) (err error) {
	if len(events) == 0 {
		return nil
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("acct: record events: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("acct: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	for _, event := range events {
		err = sqlitex.Execute(conn, `
			INSERT INTO events (cluster, kind, job_id, step_id, payload, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{
				Args: []any{cluster, event.kind, int64(event.jobID), int64(event.stepID), event.payload, event.at},
			})
		if err != nil {
			return fmt.Errorf("acct: insert %s event: %w", event.kind, err)
		}
	}

	err = sqlitex.Execute(conn, `
		UPDATE clusters SET last_seen_at = ? WHERE name = ?`,
		&sqlitex.ExecOptions{
			Args: []any{s.clock.Now().Unix(), cluster},
		})
	if err != nil {
		return fmt.Errorf("acct: touch cluster %s: %w", cluster, err)
	}
	return nil
}

// Clusters returns every known cluster, ordered by name.
func (s *Store) Clusters(ctx context.Context) ([]ClusterStatus, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("acct: list clusters: %w", err)
	}
	defer s.pool.Put(conn)

	var clusters []ClusterStatus
	err = sqlitex.Execute(conn, `
		SELECT name, control_host, control_port, tres, up, registered_at, last_seen_at
		FROM clusters ORDER BY name`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				clusters = append(clusters, ClusterStatus{
					Name:         stmt.ColumnText(0),
					ControlHost:  stmt.ColumnText(1),
					ControlPort:  uint16(stmt.ColumnInt64(2)),
					TRES:         stmt.ColumnText(3),
					Up:           stmt.ColumnInt64(4) != 0,
					RegisteredAt: stmt.ColumnInt64(5),
					LastSeenAt:   stmt.ColumnInt64(6),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("acct: list clusters: %w", err)
	}
	return clusters, nil
}

// EventCount returns the number of stored events for one cluster.
func (s *Store) EventCount(ctx context.Context, cluster string) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("acct: count events: %w", err)
	}
	defer s.pool.Put(conn)

	var count int64
	err = sqlitex.Execute(conn, `
		SELECT COUNT(*) FROM events WHERE cluster = ?`,
		&sqlitex.ExecOptions{
			Args: []any{cluster},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("acct: count events for %s: %w", cluster, err)
	}
	return count, nil
}
