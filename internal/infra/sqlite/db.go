// Package sqlite keeps the peer status journal.
// The peer file only stores identities; the journal remembers the last
// status and timestamps seen for each peer so they survive a restart for
// inspection. Uses WAL mode for concurrent reads and crash-safe writes.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)

	"github.com/tutu-network/peerd/internal/domain"
)

// DB wraps a SQLite connection with WAL mode and migrations.
type DB struct {
	db  *sql.DB
	now func() time.Time

	mu        sync.Mutex
	lastStamp int64
}

// Open creates or opens the SQLite database at dir/state.db.
// Enables WAL mode and a 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "state.db")
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	d := &DB{db: db, now: time.Now}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping() error {
	return d.db.Ping()
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS peers (
			ip           TEXT PRIMARY KEY,
			status       TEXT NOT NULL,
			last_alive   INTEGER,
			last_failure INTEGER,
			updated_at   INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_peers_status ON peers(status)`,
		`CREATE TABLE IF NOT EXISTS node_info (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// ─── Peer Journal ───────────────────────────────────────────────────────────

// RecordPeers replaces the journal with peers. Rows for peers missing from
// the snapshot (evicted) are dropped. Runs in one transaction.
func (d *DB) RecordPeers(peers []domain.PeerInfo) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	// updated_at must differ from every earlier batch for the prune below.
	stamp := max(d.now().UnixNano(), d.lastStamp+1)

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO peers (ip, status, last_alive, last_failure, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(ip) DO UPDATE SET
			status=excluded.status,
			last_alive=excluded.last_alive,
			last_failure=excluded.last_failure,
			updated_at=excluded.updated_at`,
	)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, p := range peers {
		if _, err := stmt.Exec(
			p.IP.String(), p.Status.String(),
			nullableMillis(p.LastAlive), nullableMillis(p.LastFailure),
			stamp,
		); err != nil {
			return fmt.Errorf("record %s: %w", p.IP, err)
		}
	}
	if _, err := tx.Exec(`DELETE FROM peers WHERE updated_at <> ?`, stamp); err != nil {
		return fmt.Errorf("prune: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	d.lastStamp = stamp
	return nil
}

// ListPeers returns every journaled peer in address order. Connected is
// always false: sockets are not journaled.
func (d *DB) ListPeers() ([]domain.PeerInfo, error) {
	rows, err := d.db.Query(`SELECT ip, status, last_alive, last_failure FROM peers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var peers []domain.PeerInfo
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, err
		}
		peers = append(peers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].IP.Less(peers[j].IP) })
	return peers, nil
}

// GetPeer returns the journaled entry for ip, or false if there is none.
func (d *DB) GetPeer(ip netip.Addr) (domain.PeerInfo, bool, error) {
	row := d.db.QueryRow(
		`SELECT ip, status, last_alive, last_failure FROM peers WHERE ip = ?`, ip.Unmap().String(),
	)
	p, err := scanPeer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PeerInfo{}, false, nil
	}
	if err != nil {
		return domain.PeerInfo{}, false, err
	}
	return p, true, nil
}

// ─── Node Info ──────────────────────────────────────────────────────────────

// SetNodeInfo stores a key-value pair in node_info.
func (d *DB) SetNodeInfo(key, value string) error {
	_, err := d.db.Exec(
		`INSERT INTO node_info (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value,
	)
	return err
}

// GetNodeInfo retrieves a value from node_info.
func (d *DB) GetNodeInfo(key string) (string, error) {
	var value string
	err := d.db.QueryRow(`SELECT value FROM node_info WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanPeer(s scanner) (domain.PeerInfo, error) {
	var (
		p                      domain.PeerInfo
		ip, status             string
		lastAlive, lastFailure sql.NullInt64
	)
	if err := s.Scan(&ip, &status, &lastAlive, &lastFailure); err != nil {
		return p, err
	}

	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return p, fmt.Errorf("journal row %q: %w", ip, err)
	}
	p.IP = addr
	if err := p.Status.UnmarshalText([]byte(status)); err != nil {
		return p, fmt.Errorf("journal row %q: %w", ip, err)
	}
	if lastAlive.Valid {
		p.LastAlive = time.UnixMilli(lastAlive.Int64)
	}
	if lastFailure.Valid {
		p.LastFailure = time.UnixMilli(lastFailure.Int64)
	}
	return p, nil
}

func nullableMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
