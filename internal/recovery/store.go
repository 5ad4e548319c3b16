package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/sprite-ai/agmend/internal/threadlock"
	"github.com/sprite-ai/agmend/internal/transcript"
)

const (
	// DefaultTTL is how long an idle thread's recovery state is kept.
	DefaultTTL = 24 * time.Hour

	// DefaultMaxThreads bounds how many threads are tracked at once.
	DefaultMaxThreads = 1024
)

// PatternStat is the per-category error tally kept for a thread.
type PatternStat struct {
	Count          int      `json:"count"`
	LastIndex      int      `json:"last_index"`
	RecentCommands []string `json:"recent_commands"`
}

// State is the recovery bookkeeping for one conversation thread.
type State struct {
	ThreadID      string                                   `json:"thread_id"`
	RetryCount    int                                      `json:"retry_count"`
	ErrorPatterns map[transcript.ErrorCategory]PatternStat `json:"error_patterns"`
	LastStrategy  string                                   `json:"last_strategy,omitempty"`
	UpdatedAt     time.Time                                `json:"updated_at"`

	inUse int
}

// Store keeps State per thread id. Access to one thread is exclusive; idle
// threads expire after TTL and the least recently used thread is dropped
// once MaxThreads is exceeded.
type Store struct {
	TTL        time.Duration
	MaxThreads int

	locks *threadlock.Map
	now   func() time.Time

	mu     sync.Mutex
	states map[string]*State
}

// NewStore returns a store with the given bounds. Zero values pick defaults.
func NewStore(ttl time.Duration, maxThreads int) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxThreads <= 0 {
		maxThreads = DefaultMaxThreads
	}
	return &Store{
		TTL:        ttl,
		MaxThreads: maxThreads,
		locks:      threadlock.New(),
		now:        time.Now,
		states:     make(map[string]*State),
	}
}

// Acquire locks threadID and returns its state, creating it on first use.
// The caller may mutate the state until it calls release.
func (s *Store) Acquire(ctx context.Context, threadID string) (*State, func(), error) {
	unlock, err := s.locks.LockContext(ctx, threadID)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	s.sweepLocked()
	st, ok := s.states[threadID]
	if !ok {
		s.boundLocked()
		st = &State{
			ThreadID:      threadID,
			ErrorPatterns: make(map[transcript.ErrorCategory]PatternStat),
		}
		s.states[threadID] = st
	}
	st.inUse++
	st.UpdatedAt = s.now()
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		st.inUse--
		st.UpdatedAt = s.now()
		s.mu.Unlock()
		unlock()
	}
	return st, release, nil
}

// Snapshot returns a copy of the thread's state, if tracked. It waits for
// any invocation holding the thread to finish.
func (s *Store) Snapshot(threadID string) (State, bool) {
	unlock := s.locks.Lock(threadID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[threadID]
	if !ok {
		return State{}, false
	}
	cp := *st
	cp.ErrorPatterns = make(map[transcript.ErrorCategory]PatternStat, len(st.ErrorPatterns))
	for k, v := range st.ErrorPatterns {
		cp.ErrorPatterns[k] = v
	}
	return cp, true
}

// Reset forgets a thread, e.g. after a human resolved it.
func (s *Store) Reset(threadID string) {
	unlock := s.locks.Lock(threadID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[threadID]; ok && st.inUse == 0 {
		delete(s.states, threadID)
	}
}

// Len returns the number of tracked threads.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

// sweepLocked drops threads idle for longer than TTL. Held states stay.
func (s *Store) sweepLocked() {
	now := s.now()
	for id, st := range s.states {
		if st.inUse == 0 && now.Sub(st.UpdatedAt) > s.TTL {
			delete(s.states, id)
		}
	}
}

// boundLocked makes room for one more thread by dropping the least recently
// used idle ones.
func (s *Store) boundLocked() {
	for len(s.states) >= s.MaxThreads {
		var (
			oldestID string
			oldest   time.Time
		)
		for id, st := range s.states {
			if st.inUse > 0 {
				continue
			}
			if oldestID == "" || st.UpdatedAt.Before(oldest) {
				oldestID, oldest = id, st.UpdatedAt
			}
		}
		if oldestID == "" {
			return
		}
		delete(s.states, oldestID)
	}
}
