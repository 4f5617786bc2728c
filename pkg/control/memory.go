package control

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps the control record in process. It starts running.
type MemoryStore struct {
	mu    sync.RWMutex
	state State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: State{Status: StatusRunning}}
}

func (s *MemoryStore) Get(ctx context.Context) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, nil
}

func (s *MemoryStore) Set(ctx context.Context, st State) error {
	if _, err := ParseStatus(string(st.Status)); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
	return nil
}

func (s *MemoryStore) Swap(ctx context.Context, st State) (bool, error) {
	if _, err := ParseStatus(string(st.Status)); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Status == st.Status {
		return false, nil
	}
	s.state = st
	return true, nil
}
