// Package localstore is the durable key/value cache holding the last-known
// user record, role, and tier. It is read at cold start before any network
// call resolves, so a corrupt or missing entry is treated as absence and
// never surfaces as an error past this layer.
package localstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pranavgeek/SpaceApp-sub000/internal/entitlement"
	"github.com/rs/zerolog/log"
)

// Well-known keys read at cold start.
const (
	KeyUser     = "user"
	KeyUserRole = "userRole"
	KeyUserTier = "userTier"
)

// Store is a file-backed string KV store with an in-memory fallback when the
// data directory is unavailable. Writes are atomic (temp file + rename).
// The reconciler is the only writer; concurrent reads are safe.
type Store struct {
	mu      sync.RWMutex
	dataDir string
	mem     map[string]string // fallback when dataDir is unusable
}

// New opens a store rooted at dataDir. If the directory cannot be created
// the store degrades to memory-only and logs a warning; boot must not fail
// because local caching is unavailable.
func New(dataDir string) *Store {
	s := &Store{dataDir: dataDir}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		log.Warn().Err(err).Str("dataDir", dataDir).Msg("Local store unavailable, falling back to in-memory cache")
		s.dataDir = ""
		s.mem = make(map[string]string)
	}
	return s
}

// NewInMemory returns a store that never touches disk. Used in tests and in
// mock mode.
func NewInMemory() *Store {
	return &Store{mem: make(map[string]string)}
}

// Get returns the value for key, or ok=false when the key is absent or its
// file cannot be read.
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.mem != nil {
		v, ok := s.mem[key]
		return v, ok
	}

	data, err := os.ReadFile(s.keyPath(key))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// Set writes the value for key. Within the reconciler's serialized queue
// writes are last-writer-wins.
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mem != nil {
		s.mem[key] = value
		return nil
	}

	path := s.keyPath(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(value), 0600); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit %s: %w", key, err)
	}
	return nil
}

// Remove deletes the key. Removing an absent key is a no-op.
func (s *Store) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mem != nil {
		delete(s.mem, key)
		return nil
	}

	if err := os.Remove(s.keyPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

func (s *Store) keyPath(key string) string {
	// Keys are internal constants, but flatten anything path-like anyway.
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(key)
	return filepath.Join(s.dataDir, safe+".json")
}

// SaveEntitlement persists the entitlement under the user key and mirrors
// role and tier into their own keys for cheap cold-start reads.
func (s *Store) SaveEntitlement(ent entitlement.UserEntitlement) error {
	data, err := json.Marshal(ent)
	if err != nil {
		return fmt.Errorf("marshal entitlement: %w", err)
	}
	if err := s.Set(KeyUser, string(data)); err != nil {
		return err
	}
	if err := s.Set(KeyUserRole, string(ent.Role)); err != nil {
		return err
	}
	return s.Set(KeyUserTier, string(ent.Tier))
}

// LoadEntitlement returns the cached entitlement. A missing or unparseable
// record yields ok=false; corruption is logged and treated as absence.
func (s *Store) LoadEntitlement() (entitlement.UserEntitlement, bool) {
	raw, ok := s.Get(KeyUser)
	if !ok {
		return entitlement.UserEntitlement{}, false
	}

	var ent entitlement.UserEntitlement
	if err := json.Unmarshal([]byte(raw), &ent); err != nil {
		log.Warn().Err(err).Msg("Cached user record is corrupt, treating as absent")
		return entitlement.UserEntitlement{}, false
	}
	if ent.UserID == "" {
		return entitlement.UserEntitlement{}, false
	}
	return ent, true
}

// ClearEntitlement removes the user, role, and tier keys. Called on logout.
func (s *Store) ClearEntitlement() error {
	for _, key := range []string{KeyUser, KeyUserRole, KeyUserTier} {
		if err := s.Remove(key); err != nil {
			return err
		}
	}
	return nil
}
