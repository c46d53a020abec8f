// Package localstore is the client's durable cache: the last-known
// whiteboard snapshot per room, and the document update fragments that make
// reopening a room work before (or without) reconnecting.
package localstore

import (
	"database/sql"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/S-D-Keerthiga-Devi/Code-Mentor/internal/crdtsync"
)

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// WAL keeps reads cheap while the editor streams updates in.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS whiteboards (
		room_id TEXT PRIMARY KEY,
		snapshot TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS doc_updates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		update_data BLOB NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_doc_updates_room_id ON doc_updates(room_id);

	CREATE TABLE IF NOT EXISTS doc_snapshots (
		room_id TEXT PRIMARY KEY,
		snapshot_data BLOB NOT NULL,
		update_count INTEGER DEFAULT 0,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	_, err := db.Exec(schema)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Whiteboard cache

func (s *Store) SaveWhiteboard(roomID, snapshot string) error {
	_, err := s.db.Exec(`
		INSERT INTO whiteboards (room_id, snapshot, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(room_id) DO UPDATE SET
			snapshot = excluded.snapshot,
			updated_at = CURRENT_TIMESTAMP
	`, roomID, snapshot)
	return err
}

// GetWhiteboard returns the cached snapshot, or "" when none is cached.
func (s *Store) GetWhiteboard(roomID string) (string, error) {
	var snapshot string
	err := s.db.QueryRow(
		"SELECT snapshot FROM whiteboards WHERE room_id = ?",
		roomID,
	).Scan(&snapshot)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return snapshot, nil
}

// Document fragment cache

func (s *Store) AppendDocUpdate(roomID string, update []byte) error {
	_, err := s.db.Exec(
		"INSERT INTO doc_updates (room_id, update_data) VALUES (?, ?)",
		roomID, update,
	)
	return err
}

// GetDocUpdates returns every cached fragment for a room: the compacted
// snapshot's fragments first, then the individually appended ones. Merge
// idempotence makes any overlap harmless.
func (s *Store) GetDocUpdates(roomID string) ([][]byte, error) {
	var snapshot []byte
	err := s.db.QueryRow(
		"SELECT snapshot_data FROM doc_snapshots WHERE room_id = ?",
		roomID,
	).Scan(&snapshot)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}

	updates := crdtsync.SplitMergedUpdates(snapshot)

	rows, err := s.db.Query(
		"SELECT update_data FROM doc_updates WHERE room_id = ? ORDER BY id ASC",
		roomID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		updates = append(updates, data)
	}
	return updates, rows.Err()
}

func (s *Store) DocUpdateCount(roomID string) (int, error) {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM doc_updates WHERE room_id = ?",
		roomID,
	).Scan(&count)
	return count, err
}

// Compact folds the room's appended fragments into its snapshot row and
// clears them, bounding cache growth for long-lived documents.
func (s *Store) Compact(roomID string) error {
	updates, err := s.GetDocUpdates(roomID)
	if err != nil {
		return err
	}
	if len(updates) == 0 {
		return nil
	}

	merged := crdtsync.MergeUpdates(updates)

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO doc_snapshots (room_id, snapshot_data, update_count, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(room_id) DO UPDATE SET
			snapshot_data = excluded.snapshot_data,
			update_count = excluded.update_count,
			updated_at = CURRENT_TIMESTAMP
	`, roomID, merged, len(updates)); err != nil {
		return err
	}

	if _, err := tx.Exec("DELETE FROM doc_updates WHERE room_id = ?", roomID); err != nil {
		return err
	}

	return tx.Commit()
}
