// Package registry provides the durable, cross-session bookkeeping of
// which operation ids this client is tracking. The backend exposes no
// "list my operations" endpoint, so the client has to remember the
// handles it was given and reconcile them one by one.
//
// The registry owns the persisted list exclusively; the tracker and the
// CLI only ever read snapshots. Persisted state is exactly the list of
// StoredOperationRef — live status and progress are always re-derived
// from the server.
package registry

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mickaelli/storyctl/internal/models"
)

// StorageKey is the single namespaced key the registry persists under.
const StorageKey = "story2video-operations"

// MaxOperations caps the tracked list; the oldest entries are dropped
// first when the cap is exceeded.
const MaxOperations = 100

// DefaultMaxAge is the retention window applied by Cleanup when no
// explicit age is given.
const DefaultMaxAge = 7 * 24 * time.Hour

// Storage is the persistence backend contract: a string key-value store.
// Implementations exist for memory, a JSON file and SQLite; anything
// satisfying these three methods works.
type Storage interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Remove(key string) error
}

// Meta carries the optional denormalized fields captured alongside a new
// registry entry, for display before the first server fetch.
type Meta struct {
	StoryID string
	ShotID  string
	Kind    models.OperationKind
}

// Registry tracks operation ids across sessions.
type Registry struct {
	mu      sync.Mutex
	storage Storage
	log     zerolog.Logger
	refs    []models.StoredOperationRef

	// now is swapped out by tests to control aging.
	now func() time.Time
}

// New loads the persisted list from storage and returns a ready registry.
// A missing or unreadable persisted value starts the registry empty; a
// corrupt value is logged and discarded rather than failing construction.
func New(storage Storage, log zerolog.Logger) *Registry {
	r := &Registry{
		storage: storage,
		log:     log.With().Str("component", "registry").Logger(),
		now:     time.Now,
	}

	raw, err := storage.Get(StorageKey)
	if err != nil {
		r.log.Warn().Err(err).Msg("failed to load persisted operations, starting empty")
		return r
	}
	if raw == "" {
		return r
	}
	if err := json.Unmarshal([]byte(raw), &r.refs); err != nil {
		r.log.Warn().Err(err).Msg("corrupt persisted operations, starting empty")
		r.refs = nil
	}
	return r
}

// Add parses an operation handle ("operations/{id}" or a bare id) and
// records it. Empty handles are logged and dropped; duplicates are
// no-ops. The newest entry is prepended and the list is truncated to
// MaxOperations. Add never returns an error: registry mutation must not
// crash submission paths.
func (r *Registry) Add(operationName string, meta Meta) {
	id, err := models.ParseOperationName(operationName)
	if err != nil {
		r.log.Warn().Str("operation_name", operationName).Msg("add skipped: empty operation id")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ref := range r.refs {
		if ref.ID == id {
			return
		}
	}

	ref := models.StoredOperationRef{
		ID:        id,
		CreatedAt: r.now(),
		StoryID:   meta.StoryID,
		ShotID:    meta.ShotID,
		Kind:      meta.Kind,
	}
	r.refs = append([]models.StoredOperationRef{ref}, r.refs...)
	if len(r.refs) > MaxOperations {
		r.refs = r.refs[:MaxOperations]
	}
	r.persistLocked()
}

// Remove drops the entry with the given id. Removing an unknown id is a
// no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.refs[:0]
	removed := false
	for _, ref := range r.refs {
		if ref.ID == id {
			removed = true
			continue
		}
		kept = append(kept, ref)
	}
	r.refs = kept
	if removed {
		r.persistLocked()
	}
}

// Cleanup removes every entry whose client-local creation time predates
// now-maxAge. A non-positive maxAge falls back to DefaultMaxAge. Returns
// the number of entries removed.
func (r *Registry) Cleanup(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	cutoff := r.now().Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.refs[:0]
	removed := 0
	for _, ref := range r.refs {
		if ref.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, ref)
	}
	r.refs = kept
	if removed > 0 {
		r.persistLocked()
		r.log.Debug().Int("removed", removed).Msg("cleaned up expired operations")
	}
	return removed
}

// Clear removes every tracked entry.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs = nil
	r.persistLocked()
}

// ListIDs returns the tracked ids, newest first.
func (r *Registry) ListIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, len(r.refs))
	for i, ref := range r.refs {
		ids[i] = ref.ID
	}
	return ids
}

// List returns a snapshot of the tracked refs, newest first.
func (r *Registry) List() []models.StoredOperationRef {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.StoredOperationRef, len(r.refs))
	copy(out, r.refs)
	return out
}

// Len returns the number of tracked entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.refs)
}

// persistLocked writes the current list through the storage backend.
// Persistence failures are logged, never surfaced: the in-memory list
// stays authoritative for the session.
func (r *Registry) persistLocked() {
	data, err := json.Marshal(r.refs)
	if err != nil {
		r.log.Error().Err(err).Msg("failed to marshal operations")
		return
	}
	if err := r.storage.Set(StorageKey, string(data)); err != nil {
		r.log.Error().Err(err).Msg("failed to persist operations")
	}
}
