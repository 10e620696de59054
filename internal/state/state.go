package state

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.chatsync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket   = []byte("app")
	cacheBucket = []byte("cache")
	userIDKey   = []byte("user_id")
)

// State wraps a bbolt database for all persistent client state: the last
// known user identity and snapshots of the chat cache.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.chatsync/state.db, creating it
// if it does not exist.
func Load() (*State, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path)
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(cacheBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// UserID returns the last persisted user ID, or empty string.
func (s *State) UserID() string {
	var id string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(userIDKey); v != nil {
			id = string(v)
		}

		return nil
	})

	return id
}

// SetUserID persists the current user ID.
func (s *State) SetUserID(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(userIDKey, []byte(id))
	})
}

// SaveEntry stores a cache snapshot under key.
func (s *State) SaveEntry(key string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cacheBucket).Put([]byte(key), data)
	})
}

// DeleteEntry removes the cache snapshot under key.
func (s *State) DeleteEntry(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cacheBucket).Delete([]byte(key))
	})
}

// Entries returns every cache snapshot. Values are copied out of the
// transaction, so they stay valid after it ends.
func (s *State) Entries() (map[string][]byte, error) {
	result := make(map[string][]byte)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(cacheBucket).ForEach(func(k, v []byte) error {
			result[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})

	return result, err
}

// ClearCache drops every cache snapshot, keeping the identity.
func (s *State) ClearCache() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(cacheBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucket(cacheBucket)

		return err
	})
}

// DefaultPath returns ~/.chatsync/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".chatsync", "state.db"), nil
}
