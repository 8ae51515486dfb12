package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spcoaching/coachsync/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// BoltFileName is the database file created inside the data directory
const BoltFileName = "fallback.db"

// BoltStore implements LocalStore using BoltDB.
// Each resource type has its own bucket keyed by record id.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, BoltFileName)

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, rt := range types.AllResourceTypes() {
			if _, err := tx.CreateBucketIfNotExists(bucketFor(rt)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", rt, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func bucketFor(rt types.ResourceType) []byte {
	return []byte(rt)
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path
func (s *BoltStore) Path() string {
	return s.db.Path()
}

func (s *BoltStore) Put(entry *types.LocalFallbackEntry) error {
	if err := validateEntry(entry); err != nil {
		return fmt.Errorf("invalid fallback entry: %w", err)
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketFor(entry.ResourceType))
		if err != nil {
			return err
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put([]byte(entry.RecordID), data)
	})
	return storageErr("put", entry.ResourceType, entry.RecordID, err)
}

func (s *BoltStore) Get(rt types.ResourceType, recordID string) (*types.LocalFallbackEntry, error) {
	var entry types.LocalFallbackEntry
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFor(rt))
		if b == nil {
			return nil
		}
		data := b.Get([]byte(recordID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, storageErr("get", rt, recordID, err)
	}
	if !found {
		return nil, fmt.Errorf("%s/%s: %w", rt, recordID, ErrNotFound)
	}
	return &entry, nil
}

func (s *BoltStore) ListByOwner(rt types.ResourceType, ownerID string) ([]*types.LocalFallbackEntry, error) {
	return s.scan(rt, func(e *types.LocalFallbackEntry) bool {
		return e.OwnedBy(ownerID)
	})
}

func (s *BoltStore) List(rt types.ResourceType) ([]*types.LocalFallbackEntry, error) {
	return s.scan(rt, nil)
}

func (s *BoltStore) scan(rt types.ResourceType, keep func(*types.LocalFallbackEntry) bool) ([]*types.LocalFallbackEntry, error) {
	var entries []*types.LocalFallbackEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFor(rt))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var entry types.LocalFallbackEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if keep == nil || keep(&entry) {
				entries = append(entries, &entry)
			}
			return nil
		})
	})
	if err != nil {
		return nil, storageErr("list", rt, "", err)
	}
	sortByQueuedAt(entries)
	return entries, nil
}

func (s *BoltStore) Remove(rt types.ResourceType, recordID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFor(rt))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(recordID))
	})
	return storageErr("remove", rt, recordID, err)
}

func (s *BoltStore) ClearResourceType(rt types.ResourceType) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketFor(rt)) != nil {
			if err := tx.DeleteBucket(bucketFor(rt)); err != nil {
				return err
			}
		}
		_, err := tx.CreateBucketIfNotExists(bucketFor(rt))
		return err
	})
	return storageErr("clear", rt, "", err)
}
