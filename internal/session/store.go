package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	defaultIdle  = 120 * time.Minute
	defaultSweep = 30 * time.Minute
)

type entry struct {
	lock chan struct{}
	refs int
	sess *Session
}

// Store maps conversation ids to sessions. Different conversations are
// accessed in parallel; the same conversation is handed to one holder at a time.
type Store struct {
	initial    State
	idle       time.Duration
	sweepEvery time.Duration
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// Options configures a Store.
type Options struct {
	// Idle is how long a session may go untouched before a sweep evicts it.
	Idle time.Duration
	// SweepEvery is the interval of the background sweep started by Run.
	SweepEvery time.Duration
}

// NewStore returns an empty Store whose sessions start in initial.
func NewStore(initial State, opts Options) (*Store, error) {
	if strings.TrimSpace(string(initial)) == "" {
		return nil, errors.New("session: initial state must not be empty")
	}
	if opts.Idle <= 0 {
		opts.Idle = defaultIdle
	}
	if opts.SweepEvery <= 0 {
		opts.SweepEvery = defaultSweep
	}
	return &Store{
		initial:    initial,
		idle:       opts.Idle,
		sweepEvery: opts.SweepEvery,
		now:        time.Now,
		entries:    make(map[string]*entry),
	}, nil
}

// Acquire returns the session for id, creating it in the initial state if
// absent, and blocks until no other holder has it. created reports whether
// the session was just created. The caller must call release exactly once.
func (s *Store) Acquire(ctx context.Context, id string) (sess *Session, created bool, release func(), err error) {
	if strings.TrimSpace(id) == "" {
		return nil, false, nil, errors.New("session: id must not be empty")
	}

	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		e = &entry{
			lock: make(chan struct{}, 1),
			sess: newSession(id, s.initial, s.now()),
		}
		s.entries[id] = e
	}
	e.refs++
	s.mu.Unlock()

	select {
	case e.lock <- struct{}{}:
	case <-ctx.Done():
		s.unref(e)
		return nil, false, nil, ctx.Err()
	}

	var once sync.Once
	release = func() {
		once.Do(func() {
			<-e.lock
			s.unref(e)
		})
	}
	return e.sess, !ok, release, nil
}

func (s *Store) unref(e *entry) {
	s.mu.Lock()
	e.refs--
	s.mu.Unlock()
}

// Touch records activity on a held session. LastActivityAt never moves back.
func (s *Store) Touch(sess *Session) {
	now := s.now()
	if now.After(sess.LastActivityAt) {
		sess.LastActivityAt = now
	}
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Has reports whether a session for id is live.
func (s *Store) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

// Sweep evicts sessions idle for longer than the idle threshold. Sessions
// that are held or awaited are never evicted.
func (s *Store) Sweep() int {
	cutoff := s.now().Add(-s.idle)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, e := range s.entries {
		if e.refs > 0 {
			continue
		}
		if e.sess.LastActivityAt.Before(cutoff) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}

// Run sweeps on the configured interval until ctx is done.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				slog.Info("session sweep", "evicted", n, "remaining", s.Len())
			}
		}
	}
}
