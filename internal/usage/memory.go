package usage

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	mu   sync.Mutex
	win  Window
	dead bool // removed by Cleanup; callers holding it must reload
}

// MemoryStore keeps windows in process. Each client has its own lock, so
// clients never contend with each other.
type MemoryStore struct {
	entries sync.Map // key -> *memEntry
}

// NewMemoryStore creates an empty in-process window store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Reserve(_ context.Context, key string, tokens int, q Quota, now time.Time, length time.Duration) (Reservation, error) {
	for {
		v, _ := s.entries.LoadOrStore(key, &memEntry{})
		e := v.(*memEntry)

		e.mu.Lock()
		if e.dead {
			e.mu.Unlock()
			continue
		}
		if expired(e.win.Start, now, length) {
			e.win = Window{Start: now}
		}

		res := Reservation{Window: e.win}
		switch {
		case q.Requests > 0 && e.win.Requests+1 > q.Requests:
			res.Exceeded = ExceededRequests
		case q.Tokens > 0 && e.win.Tokens+tokens > q.Tokens:
			res.Exceeded = ExceededTokens
		default:
			e.win.Requests++
			e.win.Tokens += tokens
			res.Allowed = true
			res.Window = e.win
		}
		e.mu.Unlock()
		return res, nil
	}
}

func (s *MemoryStore) Release(_ context.Context, key string, start time.Time, tokens int) error {
	v, ok := s.entries.Load(key)
	if !ok {
		return nil
	}
	e := v.(*memEntry)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead || !e.win.Start.Equal(start) {
		return nil
	}
	if e.win.Requests > 0 {
		e.win.Requests--
	}
	e.win.Tokens -= tokens
	if e.win.Tokens < 0 {
		e.win.Tokens = 0
	}
	return nil
}

func (s *MemoryStore) Cleanup(_ context.Context, now time.Time, length time.Duration) (int, error) {
	n := 0
	s.entries.Range(func(k, v any) bool {
		e := v.(*memEntry)
		e.mu.Lock()
		if expired(e.win.Start, now, length) {
			e.dead = true
			s.entries.Delete(k)
			n++
		}
		e.mu.Unlock()
		return true
	})
	return n, nil
}

// Get returns the current window of key.
func (s *MemoryStore) Get(key string) (Window, bool) {
	v, ok := s.entries.Load(key)
	if !ok {
		return Window{}, false
	}
	e := v.(*memEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.win, !e.dead
}

// Len returns the number of tracked clients.
func (s *MemoryStore) Len() int {
	n := 0
	s.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (s *MemoryStore) Close() error { return nil }
