// Package supersession tracks which auto-detected sections a custom section
// replaces. The relation is kept in memory with a reverse index and
// persisted to an embedded badger store, separate from the section database.
package supersession

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

var keyPrefix = []byte("supersession/")

func key(customID string) []byte {
	return append(append([]byte(nil), keyPrefix...), customID...)
}

// Resolver maps custom section ids to the auto section ids they supersede.
// It is safe for concurrent use.
type Resolver struct {
	mu     sync.RWMutex
	db     *badger.DB
	owned  bool
	logger *slog.Logger

	sets map[string]map[string]struct{}
	// refs counts how many custom sections supersede each auto id.
	refs map[string]int
}

// Open opens (or creates) a resolver stored in dir.
func Open(dir string, logger *slog.Logger) (*Resolver, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open supersession store: %w", err)
	}
	r, err := New(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	r.owned = true
	return r, nil
}

// OpenInMemory returns a resolver whose state is lost on Close.
func OpenInMemory(logger *slog.Logger) (*Resolver, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory supersession store: %w", err)
	}
	r, err := New(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	r.owned = true
	return r, nil
}

// New loads the relation from db. An unreadable entry resets the stored
// state to empty rather than failing.
func New(db *badger.DB, logger *slog.Logger) (*Resolver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		db:     db,
		logger: logger,
		sets:   make(map[string]map[string]struct{}),
		refs:   make(map[string]int),
	}

	loaded, err := r.load()
	if err != nil {
		logger.Warn("supersession state unreadable, starting empty", "error", err)
		if err := db.DropPrefix(keyPrefix); err != nil {
			return nil, fmt.Errorf("failed to reset supersession store: %w", err)
		}
		return r, nil
	}
	for customID, ids := range loaded {
		r.setLocked(customID, ids)
	}
	logger.Debug("supersession state loaded", "custom_sections", len(r.sets), "superseded", len(r.refs))
	return r, nil
}

func (r *Resolver) load() (map[string][]string, error) {
	out := make(map[string][]string)
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(keyPrefix); it.ValidForPrefix(keyPrefix); it.Next() {
			item := it.Item()
			customID := string(item.Key()[len(keyPrefix):])
			err := item.Value(func(val []byte) error {
				var ids []string
				if err := json.Unmarshal(val, &ids); err != nil {
					return fmt.Errorf("entry %q: %w", customID, err)
				}
				out[customID] = ids
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// setLocked replaces the in-memory set of customID and keeps refs in step.
func (r *Resolver) setLocked(customID string, autoIDs []string) {
	r.removeLocked(customID)
	if len(autoIDs) == 0 {
		return
	}
	set := make(map[string]struct{}, len(autoIDs))
	for _, id := range autoIDs {
		if _, dup := set[id]; dup {
			continue
		}
		set[id] = struct{}{}
		r.refs[id]++
	}
	r.sets[customID] = set
}

func (r *Resolver) removeLocked(customID string) {
	for id := range r.sets[customID] {
		if r.refs[id]--; r.refs[id] <= 0 {
			delete(r.refs, id)
		}
	}
	delete(r.sets, customID)
}

// SetSuperseded replaces the set of auto ids that customID supersedes. An
// empty set removes the entry.
func (r *Resolver) SetSuperseded(customID string, autoIDs []string) error {
	ids := dedupeSorted(autoIDs)

	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.db.Update(func(txn *badger.Txn) error {
		if len(ids) == 0 {
			return txn.Delete(key(customID))
		}
		val, err := json.Marshal(ids)
		if err != nil {
			return err
		}
		return txn.Set(key(customID), val)
	})
	if err != nil {
		return fmt.Errorf("failed to store supersession for %s: %w", customID, err)
	}
	r.setLocked(customID, ids)
	return nil
}

// RemoveSuperseded drops the entry of customID. Other entries are untouched.
func (r *Resolver) RemoveSuperseded(customID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(customID))
	})
	if err != nil {
		return fmt.Errorf("failed to remove supersession for %s: %w", customID, err)
	}
	r.removeLocked(customID)
	return nil
}

// IsSuperseded reports whether any custom section supersedes autoID.
func (r *Resolver) IsSuperseded(autoID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.refs[autoID] > 0
}

// GetAllSuperseded returns the sorted union of all superseded ids.
func (r *Resolver) GetAllSuperseded() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.refs))
	for id := range r.refs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SupersededBy returns the sorted auto ids superseded by customID.
func (r *Resolver) SupersededBy(customID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sets[customID]))
	for id := range r.sets[customID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Clear removes every entry.
func (r *Resolver) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.db.DropPrefix(keyPrefix); err != nil {
		return fmt.Errorf("failed to clear supersession store: %w", err)
	}
	r.sets = make(map[string]map[string]struct{})
	r.refs = make(map[string]int)
	return nil
}

// Close closes the underlying store when the resolver opened it.
func (r *Resolver) Close() error {
	if !r.owned {
		return nil
	}
	return r.db.Close()
}

func dedupeSorted(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
