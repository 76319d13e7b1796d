// Package store holds the authoritative in-memory view of every known item,
// partitioned by lifecycle state and keyed by client-assigned ID.
//
// Only the sync engine mutates a [Store]. Every method is synchronous and
// atomic: callers never observe a partially applied update. Items handed out
// are copies.
package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/njoerd114/snapqueue/internal/model"
)

// DefaultTombstoneTTL is how long an acknowledged removal keeps suppressing
// the ID in fetch merges.
const DefaultTombstoneTTL = 24 * time.Hour

var (
	// ErrNotFound is returned when no live item has the given ID.
	ErrNotFound = errors.New("item not found")
	// ErrExists is returned when inserting an ID that is already stored.
	ErrExists = errors.New("item already exists")
	// ErrTombstoned is returned when inserting an ID that was removed.
	ErrTombstoned = errors.New("item was removed")
	// ErrWrongState is returned when a transition does not apply to the
	// item's current state.
	ErrWrongState = errors.New("item is in the wrong state")
)

// MergeStats summarises one [Store.MergeFetchedBatch] call.
type MergeStats struct {
	Added      int
	Refreshed  int
	Promoted   int
	Kept       int
	Suppressed int

	// PromotedIDs lists the queued items the server already held.
	PromotedIDs []string
}

// tombstone marks a removed ID. Unacknowledged tombstones never expire.
type tombstone struct {
	removedAt time.Time
	ackedAt   time.Time
}

// Store is the in-memory item repository.
type Store struct {
	mu         sync.RWMutex
	items      map[string]*model.Item
	tombstones map[string]tombstone
	seq        uint64
	ttl        time.Duration
	now        func() time.Time
}

// Option configures a [Store].
type Option func(*Store)

// WithTombstoneTTL overrides [DefaultTombstoneTTL]. A negative TTL keeps
// acknowledged tombstones forever.
func WithTombstoneTTL(d time.Duration) Option {
	return func(s *Store) { s.ttl = d }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		items:      make(map[string]*model.Item),
		tombstones: make(map[string]tombstone),
		ttl:        DefaultTombstoneTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// insert stores a copy of item with the next arrival sequence number.
// Caller holds s.mu.
func (s *Store) insert(item *model.Item) {
	cp := item.Clone()
	s.seq++
	cp.Seq = s.seq
	s.items[cp.ID] = cp
}

// UpsertConfirmed stores a server-confirmed item, replacing any local copy
// while keeping its arrival position.
func (s *Store) UpsertConfirmed(item model.Item) error {
	if item.ID == "" {
		return fmt.Errorf("upsert confirmed: empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dead := s.tombstones[item.ID]; dead {
		return fmt.Errorf("upsert confirmed %q: %w", item.ID, ErrTombstoned)
	}
	item.State = model.StateConfirmed
	if existing, ok := s.items[item.ID]; ok {
		cp := item.Clone()
		cp.Seq = existing.Seq
		s.items[item.ID] = cp
		return nil
	}
	s.insert(&item)
	return nil
}

// UpsertPending stores a locally-authored item in the pending partition. An
// ID that already exists is rejected unless it is itself still queued, in
// which case it is replaced (journal replay).
func (s *Store) UpsertPending(item model.Item) error {
	if item.ID == "" {
		return fmt.Errorf("upsert pending: empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dead := s.tombstones[item.ID]; dead {
		return fmt.Errorf("upsert pending %q: %w", item.ID, ErrTombstoned)
	}
	if item.State != model.StateErrored {
		item.State = model.StatePending
	}
	if existing, ok := s.items[item.ID]; ok {
		if !existing.Queued() {
			return fmt.Errorf("upsert pending %q: %w", item.ID, ErrExists)
		}
		cp := item.Clone()
		cp.Seq = existing.Seq
		s.items[item.ID] = cp
		return nil
	}
	s.insert(&item)
	return nil
}

// MarkAttempt records the start of an upload attempt on a queued item.
func (s *Store) MarkAttempt(id string, at time.Time) (model.Item, error) {
	return s.transition(id, false, func(it *model.Item) error {
		if it.State != model.StatePending {
			return ErrWrongState
		}
		t := at
		it.LastAttemptAt = &t
		it.Attempts++
		return nil
	})
}

// MarkErrored moves a pending item to the errored partition. It also applies
// to an item removed while its upload was in flight.
func (s *Store) MarkErrored(id string, at time.Time, cause error) (model.Item, error) {
	return s.transition(id, true, func(it *model.Item) error {
		if !it.Queued() {
			return ErrWrongState
		}
		it.State = model.StateErrored
		if it.LastAttemptAt == nil {
			t := at
			it.LastAttemptAt = &t
		}
		if cause != nil {
			it.LastError = cause.Error()
		}
		return nil
	})
}

// MarkPending moves an errored item back to pending ahead of a retry.
func (s *Store) MarkPending(id string) (model.Item, error) {
	return s.transition(id, false, func(it *model.Item) error {
		if it.State != model.StateErrored {
			return ErrWrongState
		}
		it.State = model.StatePending
		return nil
	})
}

// MarkConfirmed moves a queued item to the confirmed partition using the
// server's canonical record. The client ID and arrival position are kept.
// Confirming an already confirmed item refreshes it. An item removed while
// its upload was in flight stays removed and now needs a remote delete.
func (s *Store) MarkConfirmed(id string, canonical model.Item) (model.Item, error) {
	return s.transition(id, true, func(it *model.Item) error {
		seq, removed := it.Seq, it.Removed
		likePending, liked, likes := it.LikePending, it.Liked, it.LikeCount
		wasConfirmed := it.State == model.StateConfirmed

		next := canonical.Clone()
		next.ID = id
		next.Seq = seq
		next.State = model.StateConfirmed
		next.LastAttemptAt = it.LastAttemptAt
		next.Attempts = it.Attempts
		next.LastError = ""
		if next.Payload.MediaURI == "" {
			next.Payload = it.Payload.Clone()
		}
		if wasConfirmed && likePending > 0 {
			next.LikePending, next.Liked, next.LikeCount = likePending, liked, likes
		}
		if removed {
			next.Removed = true
			next.RemovePending = true
		}
		*it = *next
		return nil
	})
}

// Update applies fn to the live item atomically. If fn returns an error the
// item is left unchanged.
func (s *Store) Update(id string, fn func(*model.Item) error) (model.Item, error) {
	return s.transition(id, false, fn)
}

// UpdateRemoved is [Store.Update] for an item that may already be removed.
func (s *Store) UpdateRemoved(id string, fn func(*model.Item) error) (model.Item, error) {
	return s.transition(id, true, fn)
}

func (s *Store) transition(id string, allowRemoved bool, fn func(*model.Item) error) (model.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok || (it.Removed && !allowRemoved) {
		return model.Item{}, fmt.Errorf("item %q: %w", id, ErrNotFound)
	}
	cp := it.Clone()
	if err := fn(cp); err != nil {
		return *it.Clone(), fmt.Errorf("item %q (%s): %w", id, it.State, err)
	}
	cp.ID = it.ID
	cp.Seq = it.Seq
	s.items[id] = cp
	return *cp.Clone(), nil
}

// Remove tombstones an item: it disappears from every projection and the ID
// is suppressed in future merges. The record itself is retained until
// [Store.AckRemoval] or [Store.Delete]. It returns the item as it was.
func (s *Store) Remove(id string) (model.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok || it.Removed {
		return model.Item{}, fmt.Errorf("remove %q: %w", id, ErrNotFound)
	}
	before := *it.Clone()
	it.Removed = true
	it.RemovePending = it.State == model.StateConfirmed
	s.tombstones[id] = tombstone{removedAt: s.now()}
	return before, nil
}

// AckRemoval destroys a removed item after the server confirmed the delete.
// The tombstone stays for the configured TTL.
func (s *Store) AckRemoval(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.items, id)
	if ts, ok := s.tombstones[id]; ok {
		ts.ackedAt = s.now()
		s.tombstones[id] = ts
	}
}

// Delete destroys an item without leaving a tombstone. Used for queued items
// that never reached the server.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
	delete(s.tombstones, id)
}

// ClearTombstone lifts suppression of id. A removed record still held in the
// store is dropped so a later fetch can re-add it.
func (s *Store) ClearTombstone(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tombstones, id)
	if it, ok := s.items[id]; ok && it.Removed {
		delete(s.items, id)
	}
}

// Tombstoned reports whether id is currently suppressed.
func (s *Store) Tombstoned(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tombstones[id]
	return ok
}

// PruneTombstones drops acknowledged tombstones older than the TTL and
// returns how many were dropped.
func (s *Store) PruneTombstones(now time.Time) int {
	if s.ttl < 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, ts := range s.tombstones {
		if ts.ackedAt.IsZero() {
			continue
		}
		if now.Sub(ts.ackedAt) >= s.ttl {
			delete(s.tombstones, id)
			n++
		}
	}
	return n
}

// MergeFetchedBatch union-merges a page of server items into the store.
//
// Unknown IDs are added as confirmed; tombstoned IDs are skipped. A known
// confirmed item is refreshed only when it has no unsynced local mutation
// and the server copy is strictly newer. A queued item the server already
// holds is promoted to confirmed.
func (s *Store) MergeFetchedBatch(items []model.Item) MergeStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats MergeStats
	for i := range items {
		in := items[i]
		if in.ID == "" {
			continue
		}
		if _, dead := s.tombstones[in.ID]; dead {
			stats.Suppressed++
			continue
		}
		in.State = model.StateConfirmed

		local, ok := s.items[in.ID]
		switch {
		case !ok:
			s.insert(&in)
			stats.Added++
		case local.Queued():
			cp := in.Clone()
			cp.Seq = local.Seq
			cp.LastAttemptAt = local.LastAttemptAt
			cp.Attempts = local.Attempts
			s.items[in.ID] = cp
			stats.Promoted++
			stats.PromotedIDs = append(stats.PromotedIDs, in.ID)
		case local.HasUnsyncedMutations() || !in.UpdatedAt.After(local.UpdatedAt):
			stats.Kept++
		default:
			cp := in.Clone()
			cp.Seq = local.Seq
			s.items[in.ID] = cp
			stats.Refreshed++
		}
	}
	return stats
}

// Get returns a copy of the live item with the given ID.
func (s *Store) Get(id string) (model.Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	if !ok || it.Removed {
		return model.Item{}, false
	}
	return *it.Clone(), true
}

// Lookup is [Store.Get] including removed records awaiting acknowledgement.
func (s *Store) Lookup(id string) (model.Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	if !ok {
		return model.Item{}, false
	}
	return *it.Clone(), true
}

// Snapshot returns copies of every stored item, including removed ones still
// awaiting acknowledgement, ordered by arrival.
func (s *Store) Snapshot() []model.Item {
	s.mu.RLock()
	out := make([]model.Item, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, *it.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// IDs returns the IDs of live items in the given state, in arrival order.
func (s *Store) IDs(state model.State) []string {
	var ids []string
	for _, it := range s.Snapshot() {
		if it.State == state && !it.Removed {
			ids = append(ids, it.ID)
		}
	}
	return ids
}

// NewestConfirmed returns the latest CreatedAt among live confirmed items,
// or the zero time when there are none.
func (s *Store) NewestConfirmed() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var newest time.Time
	for _, it := range s.items {
		if it.State == model.StateConfirmed && !it.Removed && it.CreatedAt.After(newest) {
			newest = it.CreatedAt
		}
	}
	return newest
}

// Len returns the number of stored records, removed ones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
