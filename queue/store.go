package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rustyeddy/optqueue/internal/logging"
)

// LegacyKey is where older builds kept a local-only copy of the queue.
const LegacyKey = "optqueue.queue.legacy"

// Remote persists the whole queue document. backend.Client implements it.
type Remote interface {
	FetchQueue(ctx context.Context) (json.RawMessage, error)
	SaveQueue(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
	ClearQueue(ctx context.Context) error
}

// Legacy is the local key/value store that may still hold a pre-remote queue.
type Legacy interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
}

// Store is the single access path to the queue. The in-memory cache is
// authoritative once loaded; every operation normalizes at the boundary.
type Store struct {
	remote Remote
	legacy Legacy
	log    *logging.Logger

	// ioMu serializes round-trips to the remote; mu guards the cache only so
	// Cached never blocks on the network.
	ioMu sync.Mutex

	mu       sync.Mutex
	cache    State
	loaded   bool
	migrated bool
}

// NewStore returns a Store backed by remote. legacy may be nil.
func NewStore(remote Remote, legacy Legacy, log *logging.Logger) *Store {
	if log == nil {
		log = logging.Discard()
	}
	return &Store{
		remote: remote,
		legacy: legacy,
		log:    log.With("queue.store"),
		cache:  Normalize(State{}),
	}
}

// Load returns a deep copy of the queue, fetching it on first use.
func (s *Store) Load(ctx context.Context) (State, error) {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	if !s.isLoaded() {
		if err := s.reload(ctx); err != nil {
			return State{}, err
		}
	}
	return s.Cached(), nil
}

// Reload discards the cache and fetches the queue from the remote.
func (s *Store) Reload(ctx context.Context) (State, error) {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	if err := s.reload(ctx); err != nil {
		return State{}, err
	}
	return s.Cached(), nil
}

// Cached returns a copy of the in-memory state without touching the remote.
func (s *Store) Cached() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Clone()
}

// Save normalizes st, makes it the cached state and pushes it to the remote.
// An empty queue clears the remote document instead. The returned state is
// what the remote accepted, which may differ from st after renormalization.
//
// The cache is updated even when the push fails so synchronous readers see
// the caller's intent; the error is still returned.
func (s *Store) Save(ctx context.Context, st State) (State, error) {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	if err := s.migrate(ctx); err != nil {
		s.log.Warnf("legacy migration failed: %v", err)
	}

	next := Normalize(st)
	s.setCache(next)

	if next.Empty() {
		if err := s.remote.ClearQueue(ctx); err != nil {
			return next.Clone(), fmt.Errorf("clear remote queue: %w", err)
		}
		return next.Clone(), nil
	}

	payload, err := json.Marshal(next)
	if err != nil {
		return next.Clone(), fmt.Errorf("encode queue: %w", err)
	}
	resp, err := s.remote.SaveQueue(ctx, payload)
	if err != nil {
		return next.Clone(), fmt.Errorf("save remote queue: %w", err)
	}

	if resp != nil {
		stored, err := decodeState(resp)
		if err != nil {
			s.log.Warnf("ignoring undecodable save response: %v", err)
		} else {
			stored.NextIndex = max(stored.NextIndex, next.NextIndex)
			next = Normalize(stored)
			s.setCache(next)
		}
	}
	return next.Clone(), nil
}

// Clear removes every item. NextIndex survives so labels are never reused
// within the process.
func (s *Store) Clear(ctx context.Context) error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	if err := s.migrate(ctx); err != nil {
		s.log.Warnf("legacy migration failed: %v", err)
	}
	if err := s.remote.ClearQueue(ctx); err != nil {
		return fmt.Errorf("clear remote queue: %w", err)
	}

	s.mu.Lock()
	s.cache = Normalize(State{NextIndex: s.cache.NextIndex})
	s.loaded = true
	s.mu.Unlock()
	return nil
}

func (s *Store) isLoaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

func (s *Store) setCache(st State) {
	s.mu.Lock()
	s.cache = st
	s.loaded = true
	s.mu.Unlock()
}

// reload must be called with ioMu held.
func (s *Store) reload(ctx context.Context) error {
	if err := s.migrate(ctx); err != nil {
		s.log.Warnf("legacy migration failed: %v", err)
	}

	raw, err := s.remote.FetchQueue(ctx)
	if err != nil {
		return fmt.Errorf("fetch remote queue: %w", err)
	}
	st, err := decodeState(raw)
	if err != nil {
		return err
	}

	s.mu.Lock()
	// A remote that lost its document must not rewind the label counter.
	st.NextIndex = max(st.NextIndex, s.cache.NextIndex)
	s.cache = Normalize(st)
	s.loaded = true
	s.mu.Unlock()
	return nil
}

// migrate adopts a legacy local queue once per Store, and only when the
// remote has nothing queued. A non-empty remote wins and the legacy copy is
// left alone.
func (s *Store) migrate(ctx context.Context) error {
	if s.migrated || s.legacy == nil {
		s.migrated = true
		return nil
	}
	s.migrated = true

	raw, ok, err := s.legacy.Get(ctx, LegacyKey)
	if err != nil {
		return fmt.Errorf("read legacy queue: %w", err)
	}
	if !ok {
		return nil
	}

	remoteRaw, err := s.remote.FetchQueue(ctx)
	if err != nil {
		return fmt.Errorf("fetch remote queue: %w", err)
	}
	remote, err := decodeState(remoteRaw)
	if err != nil {
		return err
	}
	if !remote.Empty() {
		s.log.Infof("remote queue has %d items, keeping legacy copy untouched", len(remote.Items))
		return nil
	}

	legacy, err := decodeState(raw)
	if err != nil {
		return fmt.Errorf("legacy queue: %w", err)
	}
	legacy = Normalize(legacy)
	if !legacy.Empty() {
		payload, err := json.Marshal(legacy)
		if err != nil {
			return fmt.Errorf("encode legacy queue: %w", err)
		}
		if _, err := s.remote.SaveQueue(ctx, payload); err != nil {
			return fmt.Errorf("push legacy queue: %w", err)
		}
		s.log.Infof("migrated %d legacy items to remote queue", len(legacy.Items))
	}
	if err := s.legacy.Delete(ctx, LegacyKey); err != nil {
		return fmt.Errorf("delete legacy queue: %w", err)
	}
	return nil
}

func decodeState(raw json.RawMessage) (State, error) {
	if len(raw) == 0 {
		return Normalize(State{}), nil
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{}, fmt.Errorf("decode queue: %w", err)
	}
	return Normalize(st), nil
}
