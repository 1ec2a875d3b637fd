// Package sessioncache persists the negotiated API dialect/version
// (and, in Entry.SessionToken, a session token when a caller supplies
// one) across the process-per-request invocations described in spec.md
// §5: each host-platform command is a fresh process, so a BoltDB file
// is what carries state from one command to the next. The orchestrator
// stores dialect and version only; no token expiry is kept.
//
// Grounded on the teacher's pkg/storage/boltdb.go: one bucket, JSON
// blob per key, db.Update/db.View closures.
package sessioncache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketSessions = []byte("sessions")

// Entry is the cached state for one storage id (one configured array).
type Entry struct {
	Dialect      int       `json:"dialect"`
	Version      string    `json:"version"`
	SessionToken string    `json:"session_token"`
	WrittenByPID int       `json:"written_by_pid"`
	CachedAt     time.Time `json:"cached_at"`
}

// Store is a BoltDB-backed cache of Entry values keyed by storage id.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the session cache file under dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("sessioncache: creating %s: %w", dataDir, err)
	}
	dbPath := filepath.Join(dataDir, "sessions.db")

	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("sessioncache: opening %s: %w", dbPath, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSessions)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sessioncache: creating bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the cached entry for storageID, or ok=false if absent.
func (s *Store) Get(storageID string) (Entry, bool, error) {
	var entry Entry
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		data := b.Get([]byte(storageID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return Entry{}, false, fmt.Errorf("sessioncache: reading %s: %w", storageID, err)
	}
	return entry, found, nil
}

// Put stores (overwriting) the cached entry for storageID, stamping
// CachedAt and WrittenByPID.
func (s *Store) Put(storageID string, entry Entry) error {
	entry.CachedAt = time.Now().UTC()
	entry.WrittenByPID = os.Getpid()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("sessioncache: marshaling entry for %s: %w", storageID, err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		return b.Put([]byte(storageID), data)
	})
}

// Invalidate removes the cached entry for storageID, used once the
// array client observes a 401 on a request that carried this token and
// re-authenticates (spec.md §7 AuthExpiredError handling).
func (s *Store) Invalidate(storageID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		return b.Delete([]byte(storageID))
	})
}
