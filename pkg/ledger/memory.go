package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryRecord struct {
	entry   Entry
	details []byte
}

// MemoryStore is an in-process Store. Entries are kept with their encoded
// details and decoded on every read, so callers can never mutate the log.
type MemoryStore struct {
	mu       sync.RWMutex
	records  []memoryRecord
	refs     map[string]uint64
	headHash string
	clock    func() time.Time
	watchers map[chan struct{}]struct{}
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		refs:     make(map[string]uint64),
		headHash: Genesis,
		clock:    time.Now,
		watchers: make(map[chan struct{}]struct{}),
	}
}

// WithClock overrides clock for testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Append(ctx context.Context, e Entry) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, fmt.Errorf("%w: %w", ErrWrite, err)
	}
	details, err := prepare(&e)
	if err != nil {
		return Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e.Ref != "" {
		if _, exists := s.refs[e.Ref]; exists {
			return Entry{}, fmt.Errorf("%w: %s", ErrDuplicateRef, e.Ref)
		}
	}

	var last time.Time
	if n := len(s.records); n > 0 {
		last = s.records[n-1].entry.CreatedAt
	}

	e.ID = uuid.New().String()
	e.Seq = uint64(len(s.records)) + 1
	e.CreatedAt = stamp(s.clock(), last)
	e.PrevHash = s.headHash
	e.Hash, err = hashEntry(e, details)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %w", ErrWrite, err)
	}

	s.records = append(s.records, memoryRecord{entry: e, details: details})
	s.headHash = e.Hash
	if e.Ref != "" {
		s.refs[e.Ref] = e.Seq
	}
	s.notifyLocked()

	return s.materialize(len(s.records) - 1)
}

func (s *MemoryStore) Recent(ctx context.Context, n int, f Filter) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRead, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0)
	for i := len(s.records) - 1; i >= 0; i-- {
		if !f.matches(s.records[i].entry) {
			continue
		}
		e, err := s.materialize(i)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
		if n > 0 && len(out) >= n {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Redeemed(ctx context.Context, ref string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("%w: %w", ErrRead, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.refs[ref]
	return ok, nil
}

func (s *MemoryStore) All(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRead, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.records))
	for i := range s.records {
		e, err := s.materialize(i)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Head returns the current head hash.
func (s *MemoryStore) Head() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.headHash
}

// Len returns the number of entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Watch signals after every append. Signals coalesce when the reader lags.
func (s *MemoryStore) Watch(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.watchers[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, ch)
		close(ch)
		s.mu.Unlock()
	}()
	return ch, nil
}

func (s *MemoryStore) notifyLocked() {
	for ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *MemoryStore) materialize(i int) (Entry, error) {
	rec := s.records[i]
	e := rec.entry
	d, err := decodeDetails(rec.details)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %w", ErrRead, err)
	}
	e.Details = d
	return e, nil
}
