// Package sqlite provides the driver's ambient persistence: an audit log of
// security-relevant actions and a session directory for the linkdead
// reconnect window. Player save data is not stored here — it stays
// JSON-on-disk per spec.md §6.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)

	"github.com/mudforge/driver/internal/domain"
)

// DB wraps a SQLite connection with WAL mode and migrations.
type DB struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at dir/state.db.
// Enables WAL mode, foreign keys, and a 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "state.db")
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"

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

	d := &DB{db: db}
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
		`CREATE TABLE IF NOT EXISTS audit_log (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			at         INTEGER NOT NULL,
			principal  TEXT NOT NULL,
			level      TEXT NOT NULL,
			action     TEXT NOT NULL,
			detail     TEXT NOT NULL DEFAULT '',
			signature  TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_at ON audit_log(at)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id   TEXT PRIMARY KEY,
			player_name  TEXT NOT NULL DEFAULT '',
			remote_addr  TEXT NOT NULL DEFAULT '',
			connected_at INTEGER NOT NULL,
			last_seen    INTEGER NOT NULL,
			state        TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_player ON sessions(player_name)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// ─── Audit Log ──────────────────────────────────────────────────────────────

// AuditEntry is one recorded security-relevant event.
type AuditEntry struct {
	ID        int64
	At        time.Time
	Principal string
	Level     string
	Action    string
	Detail    string
	Signature string
}

// RecordAudit inserts a signed audit entry. Signature is produced by the
// caller (internal/security.Keypair.Sign) over Principal|Level|Action|Detail
// so tampering with a row is detectable without the DB itself being a trust
// boundary.
func (d *DB) RecordAudit(e AuditEntry) error {
	_, err := d.db.Exec(
		`INSERT INTO audit_log (at, principal, level, action, detail, signature)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.At.Unix(), e.Principal, e.Level, e.Action, e.Detail, e.Signature,
	)
	return err
}

// RecentAudit returns the most recent n audit entries, newest first.
func (d *DB) RecentAudit(n int) ([]AuditEntry, error) {
	rows, err := d.db.Query(
		`SELECT id, at, principal, level, action, detail, signature
		 FROM audit_log ORDER BY at DESC, id DESC LIMIT ?`, n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var at int64
		if err := rows.Scan(&e.ID, &at, &e.Principal, &e.Level, &e.Action, &e.Detail, &e.Signature); err != nil {
			return nil, err
		}
		e.At = time.Unix(at, 0)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ─── Session Directory ──────────────────────────────────────────────────────

// SessionRecord is the durable half of a live Session, kept so a
// reconnecting client can be recognized within the linkdead grace window.
type SessionRecord struct {
	SessionID   string
	PlayerName  string
	RemoteAddr  string
	ConnectedAt time.Time
	LastSeen    time.Time
	State       string
}

// UpsertSession records or updates a session's directory entry.
func (d *DB) UpsertSession(r SessionRecord) error {
	_, err := d.db.Exec(
		`INSERT INTO sessions (session_id, player_name, remote_addr, connected_at, last_seen, state)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
			player_name=excluded.player_name,
			remote_addr=excluded.remote_addr,
			last_seen=excluded.last_seen,
			state=excluded.state`,
		r.SessionID, r.PlayerName, r.RemoteAddr, r.ConnectedAt.Unix(), r.LastSeen.Unix(), r.State,
	)
	return err
}

// FindSessionByPlayer returns the most recently seen session directory row
// for a player name, used to decide whether a reconnecting login should be
// treated as a linkdead rebind. Returns nil, nil if none exists.
func (d *DB) FindSessionByPlayer(playerName string) (*SessionRecord, error) {
	row := d.db.QueryRow(
		`SELECT session_id, player_name, remote_addr, connected_at, last_seen, state
		 FROM sessions WHERE player_name = ? ORDER BY last_seen DESC LIMIT 1`, playerName,
	)
	var r SessionRecord
	var connectedAt, lastSeen int64
	err := row.Scan(&r.SessionID, &r.PlayerName, &r.RemoteAddr, &connectedAt, &lastSeen, &r.State)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.ConnectedAt = time.Unix(connectedAt, 0)
	r.LastSeen = time.Unix(lastSeen, 0)
	return &r, nil
}

// DeleteSession removes a session directory entry once the session is
// fully closed (past the linkdead grace window, or a clean disconnect).
func (d *DB) DeleteSession(sessionID string) error {
	result, err := d.db.Exec(`DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
