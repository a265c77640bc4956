package throttle

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local Store guarded by a mutex.
type MemoryStore struct {
	mu     sync.Mutex
	policy ResetPolicy
	now    func() time.Time

	window time.Time
	counts map[string]int64
	sent   int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(policy ResetPolicy) *MemoryStore {
	s := &MemoryStore{policy: policy, now: time.Now, counts: make(map[string]int64)}
	s.window = window(policy, s.now())
	return s
}

// rollover clears the state when a new window started. Callers hold mu.
func (s *MemoryStore) rollover() {
	w := window(s.policy, s.now())
	if w.Equal(s.window) {
		return
	}
	s.window = w
	s.counts = make(map[string]int64)
	s.sent = 0
}

func (s *MemoryStore) Occurrence(_ context.Context, digest string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollover()
	s.counts[digest]++
	return s.counts[digest], nil
}

func (s *MemoryStore) Acquire(_ context.Context, limit int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollover()
	if s.sent >= limit {
		return false, nil
	}
	s.sent++
	return true, nil
}

func (s *MemoryStore) Reset(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts = make(map[string]int64)
	s.sent = 0
	return nil
}

// Sent returns the number of slots taken in the current window.
func (s *MemoryStore) Sent() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollover()
	return s.sent
}
