package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spcoaching/coachsync/pkg/types"
)

// SQLiteFileName is the database file created inside the data directory
const SQLiteFileName = "fallback.sqlite"

// SQLiteStore implements LocalStore on an SQLite database with one row per
// (resource_type, record_id).
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serialize writes to avoid SQLITE_BUSY
}

// NewSQLiteStore opens (or creates) the SQLite store in dataDir
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return OpenSQLiteStore(filepath.Join(dataDir, SQLiteFileName))
}

// OpenSQLiteStore opens the store at an explicit DSN (":memory:" in tests)
func OpenSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection keeps ":memory:" databases shared
	db.SetMaxOpenConns(1)

	if err := initializeSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func initializeSQLite(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS fallback_entries (
		resource_type TEXT NOT NULL,
		record_id     TEXT NOT NULL,
		operation     TEXT NOT NULL CHECK (operation IN ('put','delete')),
		payload       BLOB,
		patch         BLOB,
		owners        TEXT NOT NULL DEFAULT '[]',
		provisional   INTEGER NOT NULL DEFAULT 0,
		queued_at     INTEGER NOT NULL,
		PRIMARY KEY (resource_type, record_id)
	)`)
	if err != nil {
		return fmt.Errorf("failed to create fallback_entries: %w", err)
	}
	return nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Put(entry *types.LocalFallbackEntry) error {
	if err := validateEntry(entry); err != nil {
		return fmt.Errorf("invalid fallback entry: %w", err)
	}
	owners, err := json.Marshal(entry.Owners)
	if err != nil {
		return storageErr("put", entry.ResourceType, entry.RecordID, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = s.db.Exec(`INSERT INTO fallback_entries
		(resource_type, record_id, operation, payload, patch, owners, provisional, queued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (resource_type, record_id) DO UPDATE SET
			operation = excluded.operation,
			payload = excluded.payload,
			patch = excluded.patch,
			owners = excluded.owners,
			provisional = excluded.provisional,
			queued_at = excluded.queued_at`,
		string(entry.ResourceType), entry.RecordID, string(entry.Operation),
		[]byte(entry.Payload), []byte(entry.Patch), string(owners), boolToInt(entry.Provisional),
		entry.QueuedAt.UnixNano())
	return storageErr("put", entry.ResourceType, entry.RecordID, err)
}

func (s *SQLiteStore) Get(rt types.ResourceType, recordID string) (*types.LocalFallbackEntry, error) {
	row := s.db.QueryRow(`SELECT resource_type, record_id, operation, payload, patch, owners, provisional, queued_at
		FROM fallback_entries WHERE resource_type = ? AND record_id = ?`, string(rt), recordID)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", rt, recordID, ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get", rt, recordID, err)
	}
	return entry, nil
}

func (s *SQLiteStore) ListByOwner(rt types.ResourceType, ownerID string) ([]*types.LocalFallbackEntry, error) {
	all, err := s.List(rt)
	if err != nil {
		return nil, err
	}
	owned := all[:0]
	for _, e := range all {
		if e.OwnedBy(ownerID) {
			owned = append(owned, e)
		}
	}
	return owned, nil
}

func (s *SQLiteStore) List(rt types.ResourceType) ([]*types.LocalFallbackEntry, error) {
	rows, err := s.db.Query(`SELECT resource_type, record_id, operation, payload, patch, owners, provisional, queued_at
		FROM fallback_entries WHERE resource_type = ? ORDER BY queued_at ASC`, string(rt))
	if err != nil {
		return nil, storageErr("list", rt, "", err)
	}
	defer rows.Close()

	var entries []*types.LocalFallbackEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, storageErr("list", rt, "", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list", rt, "", err)
	}
	return entries, nil
}

func (s *SQLiteStore) Remove(rt types.ResourceType, recordID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(`DELETE FROM fallback_entries WHERE resource_type = ? AND record_id = ?`,
		string(rt), recordID)
	return storageErr("remove", rt, recordID, err)
}

func (s *SQLiteStore) ClearResourceType(rt types.ResourceType) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(`DELETE FROM fallback_entries WHERE resource_type = ?`, string(rt))
	return storageErr("clear", rt, "", err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*types.LocalFallbackEntry, error) {
	var (
		rt, id, op, owners string
		payload, patch     []byte
		provisional        int
		queuedAt           int64
	)
	if err := row.Scan(&rt, &id, &op, &payload, &patch, &owners, &provisional, &queuedAt); err != nil {
		return nil, err
	}
	entry := &types.LocalFallbackEntry{
		ResourceType: types.ResourceType(rt),
		RecordID:     id,
		Operation:    types.Operation(op),
		Provisional:  provisional != 0,
		QueuedAt:     time.Unix(0, queuedAt).UTC(),
	}
	if len(payload) > 0 {
		entry.Payload = json.RawMessage(payload)
	}
	if len(patch) > 0 {
		entry.Patch = json.RawMessage(patch)
	}
	if err := json.Unmarshal([]byte(owners), &entry.Owners); err != nil {
		return nil, fmt.Errorf("decode owners: %w", err)
	}
	return entry, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
