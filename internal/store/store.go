// Package store manages the SQLite database (WAL mode) for meshlink:
// message history, the node roster, and remembered radios including the
// preferred auto-reconnect target.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// DB wraps *sql.DB with domain helpers.
type DB struct {
	*sql.DB
}

// Open opens (or creates) the SQLite file at path with WAL journal mode.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000", path)
	raw, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := raw.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	// Limit writer concurrency to 1; SQLite WAL allows concurrent readers.
	raw.SetMaxOpenConns(1)
	return &DB{raw}, nil
}

// Migrate applies the embedded DDL schema to the database.
// It is idempotent (IF NOT EXISTS everywhere).
func Migrate(db *DB) error {
	ddl := []string{
		ddlMessages,
		ddlNodes,
		ddlRadios,
	}
	for _, stmt := range ddl {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// ── Messages ──────────────────────────────────────────────────────────────

// Message is one received (or locally sent) mesh packet payload.
type Message struct {
	ID         int64     `json:"id"`
	MeshID     uint32    `json:"mesh_id"`
	FromNode   uint32    `json:"from_node"`
	ToNode     uint32    `json:"to_node"`
	Channel    uint32    `json:"channel"`
	Port       string    `json:"port"`
	Payload    []byte    `json:"payload,omitempty"`
	Text       string    `json:"text,omitempty"`
	RxSNR      float64   `json:"rx_snr,omitempty"`
	RxRSSI     int32     `json:"rx_rssi,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// InsertMessage persists a message and returns its row id.
func (db *DB) InsertMessage(m *Message) (int64, error) {
	res, err := db.Exec(`
		INSERT INTO messages (mesh_id, from_node, to_node, channel, port, payload, text, rx_snr, rx_rssi, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.MeshID, m.FromNode, m.ToNode, m.Channel, m.Port, m.Payload, m.Text,
		m.RxSNR, m.RxRSSI, m.ReceivedAt.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert message: %w", err)
	}
	return res.LastInsertId()
}

// ListMessages returns the n most recent messages, newest first.
func (db *DB) ListMessages(n int) ([]*Message, error) {
	rows, err := db.Query(`
		SELECT id, mesh_id, from_node, to_node, channel, port, payload, text, rx_snr, rx_rssi, received_at
		FROM messages ORDER BY received_at DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var (
			m  Message
			ms int64
		)
		if err := rows.Scan(&m.ID, &m.MeshID, &m.FromNode, &m.ToNode, &m.Channel,
			&m.Port, &m.Payload, &m.Text, &m.RxSNR, &m.RxRSSI, &ms); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		m.ReceivedAt = time.UnixMilli(ms).UTC()
		out = append(out, &m)
	}
	return out, rows.Err()
}

// ── Nodes ─────────────────────────────────────────────────────────────────

// UpsertNode creates or refreshes a node roster row.
func (db *DB) UpsertNode(nodeNum uint32, nodeIDHex, longName, shortName string, lastSeen time.Time) error {
	_, err := db.Exec(`
		INSERT INTO nodes (node_num, node_id, long_name, short_name, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(node_num) DO UPDATE
		  SET node_id    = excluded.node_id,
		      long_name  = excluded.long_name,
		      short_name = excluded.short_name,
		      last_seen  = excluded.last_seen`,
		nodeNum, nodeIDHex, longName, shortName, lastSeen.Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: upsert node: %w", err)
	}
	return nil
}

// NodeRow is a persisted roster entry, used to hydrate the in-memory cache.
type NodeRow struct {
	NodeNum   uint32
	NodeIDHex string
	LongName  string
	ShortName string
	LastSeen  time.Time
}

// ListNodes returns every persisted roster entry.
func (db *DB) ListNodes() ([]NodeRow, error) {
	rows, err := db.Query(`SELECT node_num, node_id, long_name, short_name, last_seen FROM nodes`)
	if err != nil {
		return nil, fmt.Errorf("store: list nodes: %w", err)
	}
	defer rows.Close()

	var out []NodeRow
	for rows.Next() {
		var (
			n  NodeRow
			ts int64
		)
		if err := rows.Scan(&n.NodeNum, &n.NodeIDHex, &n.LongName, &n.ShortName, &ts); err != nil {
			return nil, fmt.Errorf("store: scan node: %w", err)
		}
		n.LastSeen = time.Unix(ts, 0).UTC()
		out = append(out, n)
	}
	return out, rows.Err()
}

// ── Radios ────────────────────────────────────────────────────────────────

// Radio is a remembered peripheral. The preferred radio, when set, is the
// auto-reconnect target across restarts.
type Radio struct {
	PeerID        string    `json:"peer_id"`
	Name          string    `json:"name,omitempty"`
	LastConnected time.Time `json:"last_connected"`
	Preferred     bool      `json:"preferred"`
}

// RememberRadio records a successful connection to a peripheral.
func (db *DB) RememberRadio(peerID, name string, at time.Time) error {
	_, err := db.Exec(`
		INSERT INTO radios (peer_id, name, last_connected, preferred)
		VALUES (?, ?, ?, 0)
		ON CONFLICT(peer_id) DO UPDATE
		  SET name           = excluded.name,
		      last_connected = excluded.last_connected`,
		peerID, name, at.Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: remember radio: %w", err)
	}
	return nil
}

// SetPreferredRadio marks one remembered radio as the reconnect target,
// clearing the flag on all others.
func (db *DB) SetPreferredRadio(peerID string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("store: set preferred: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`UPDATE radios SET preferred = 0`); err != nil {
		return fmt.Errorf("store: clear preferred: %w", err)
	}
	res, err := tx.Exec(`UPDATE radios SET preferred = 1 WHERE peer_id = ?`, peerID)
	if err != nil {
		return fmt.Errorf("store: set preferred: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: set preferred: unknown radio %s", peerID)
	}
	return tx.Commit()
}

// PreferredRadio returns the remembered reconnect target, or "" when none
// is set.
func (db *DB) PreferredRadio() (string, error) {
	var peerID string
	err := db.QueryRow(`SELECT peer_id FROM radios WHERE preferred = 1 LIMIT 1`).Scan(&peerID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: preferred radio: %w", err)
	}
	return peerID, nil
}

// ListRadios returns every remembered radio, most recently connected first.
func (db *DB) ListRadios() ([]Radio, error) {
	rows, err := db.Query(`SELECT peer_id, name, last_connected, preferred FROM radios ORDER BY last_connected DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list radios: %w", err)
	}
	defer rows.Close()

	var out []Radio
	for rows.Next() {
		var (
			r    Radio
			ts   int64
			pref int
		)
		if err := rows.Scan(&r.PeerID, &r.Name, &ts, &pref); err != nil {
			return nil, fmt.Errorf("store: scan radio: %w", err)
		}
		r.LastConnected = time.Unix(ts, 0).UTC()
		r.Preferred = pref != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// ── DDL statements ────────────────────────────────────────────────────────

const ddlMessages = `
CREATE TABLE IF NOT EXISTS messages (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    mesh_id     INTEGER NOT NULL,          -- mesh packet ID
    from_node   INTEGER NOT NULL,
    to_node     INTEGER NOT NULL,
    channel     INTEGER NOT NULL DEFAULT 0,
    port        TEXT    NOT NULL DEFAULT '',
    payload     BLOB,
    text        TEXT    NOT NULL DEFAULT '',
    rx_snr      REAL    NOT NULL DEFAULT 0,
    rx_rssi     INTEGER NOT NULL DEFAULT 0,
    received_at INTEGER NOT NULL           -- Unix milliseconds
);
CREATE INDEX IF NOT EXISTS idx_messages_received_at ON messages (received_at DESC);
`

const ddlNodes = `
CREATE TABLE IF NOT EXISTS nodes (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    node_num   INTEGER NOT NULL UNIQUE,
    node_id    TEXT    NOT NULL,           -- canonical "!hex" form
    long_name  TEXT    NOT NULL DEFAULT '',
    short_name TEXT    NOT NULL DEFAULT '',
    last_seen  INTEGER NOT NULL            -- Unix seconds
);
`

const ddlRadios = `
CREATE TABLE IF NOT EXISTS radios (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    peer_id        TEXT    NOT NULL UNIQUE,
    name           TEXT    NOT NULL DEFAULT '',
    last_connected INTEGER NOT NULL,       -- Unix seconds
    preferred      INTEGER NOT NULL DEFAULT 0
);
`
