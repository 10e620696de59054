// Package cache holds the client-side chat and message collections.
//
// Entries are addressed by Key and only change through Patch, Put and
// Invalidate. A Backend, when set, receives a JSON snapshot of every
// changed entry so the cache survives restarts.
package cache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/alexjbarnes/chatsync/internal/models"
)

// Key addresses one cache entry.
type Key string

// ChatsKey holds the Paged[models.Chat] chat list.
const ChatsKey Key = "chats"

const messagesPrefix = "messages:"

// MessagesKey addresses the Paged[models.Message] collection of a chat.
func MessagesKey(chatID string) Key {
	return Key(messagesPrefix + chatID)
}

// ChatIDFromKey returns the chat ID encoded in a messages key.
func ChatIDFromKey(k Key) (string, bool) {
	return strings.CutPrefix(string(k), messagesPrefix)
}

// Backend persists cache snapshots.
type Backend interface {
	SaveEntry(key string, data []byte) error
	DeleteEntry(key string) error
	Entries() (map[string][]byte, error)
}

// Store is a concurrency-safe keyed cache.
type Store struct {
	mu      sync.RWMutex
	entries map[Key]any

	backend Backend
	logger  *slog.Logger

	listenersMu sync.RWMutex
	listeners   []func(Key)
}

// New creates an empty store. backend may be nil.
func New(backend Backend, logger *slog.Logger) *Store {
	return &Store{
		entries: make(map[Key]any),
		backend: backend,
		logger:  logger,
	}
}

// OnChange registers fn to be called after an entry changes or is
// invalidated. Callbacks run synchronously on the mutating goroutine,
// after the store lock is released.
func (s *Store) OnChange(fn func(Key)) {
	s.listenersMu.Lock()
	s.listeners = append(s.listeners, fn)
	s.listenersMu.Unlock()
}

// Read returns the entry at key if present and of type T.
func Read[T any](s *Store, key Key) (T, bool) {
	s.mu.RLock()
	v, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		var zero T
		return zero, false
	}

	t, ok := v.(T)

	return t, ok
}

// Put stores v at key unconditionally.
func Put[T any](s *Store, key Key, v T) {
	s.mu.Lock()
	s.entries[key] = v
	s.mu.Unlock()

	s.persist(key, v)
	s.notify(key)
}

// Patch applies fn to the entry at key under the store lock. fn receives
// the current value (zero and false when absent) and returns the next
// value and whether it changed. Unchanged results are not stored,
// persisted, or announced. Patch reports whether the entry changed.
func Patch[T any](s *Store, key Key, fn func(cur T, ok bool) (T, bool)) bool {
	s.mu.Lock()

	var cur T

	v, ok := s.entries[key]
	if ok {
		cur, ok = v.(T)
	}

	next, changed := fn(cur, ok)
	if !changed {
		s.mu.Unlock()
		return false
	}

	s.entries[key] = next
	s.mu.Unlock()

	s.persist(key, next)
	s.notify(key)

	return true
}

// Invalidate drops the entry at key so the next reader refetches it.
func (s *Store) Invalidate(key Key) {
	s.mu.Lock()
	_, ok := s.entries[key]
	delete(s.entries, key)
	s.mu.Unlock()

	if !ok {
		return
	}

	if s.backend != nil {
		if err := s.backend.DeleteEntry(string(key)); err != nil {
			s.logger.Warn("deleting cache snapshot",
				slog.String("key", string(key)),
				slog.String("error", err.Error()),
			)
		}
	}

	s.notify(key)
}

// Keys returns the keys currently held.
func (s *Store) Keys() []Key {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]Key, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}

	return keys
}

// Load restores snapshots from the backend. Entries with unknown keys are
// skipped. Load does not notify listeners.
func (s *Store) Load() error {
	if s.backend == nil {
		return nil
	}

	raw, err := s.backend.Entries()
	if err != nil {
		return fmt.Errorf("reading cache snapshots: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, data := range raw {
		v, err := decodeEntry(Key(k), data)
		if err != nil {
			return fmt.Errorf("decoding cache entry %q: %w", k, err)
		}

		if v == nil {
			s.logger.Debug("skipping unknown cache snapshot", slog.String("key", k))
			continue
		}

		s.entries[Key(k)] = v
	}

	return nil
}

func decodeEntry(key Key, data []byte) (any, error) {
	if key == ChatsKey {
		var chats Paged[models.Chat]
		if err := json.Unmarshal(data, &chats); err != nil {
			return nil, err
		}

		return chats, nil
	}

	if _, ok := ChatIDFromKey(key); ok {
		var msgs Paged[models.Message]
		if err := json.Unmarshal(data, &msgs); err != nil {
			return nil, err
		}

		return msgs, nil
	}

	return nil, nil
}

func (s *Store) persist(key Key, v any) {
	if s.backend == nil {
		return
	}

	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("encoding cache snapshot",
			slog.String("key", string(key)),
			slog.String("error", err.Error()),
		)

		return
	}

	if err := s.backend.SaveEntry(string(key), data); err != nil {
		s.logger.Warn("saving cache snapshot",
			slog.String("key", string(key)),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Store) notify(key Key) {
	s.listenersMu.RLock()
	listeners := append([]func(Key){}, s.listeners...)
	s.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(key)
	}
}
