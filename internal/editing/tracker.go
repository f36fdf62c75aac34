package editing

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/docspace/internal/entry"
	"github.com/fruitsalade/docspace/internal/logging"
	"github.com/fruitsalade/docspace/internal/metrics"
)

// DefaultHeartbeatTimeout drops a session not renewed for this long.
const DefaultHeartbeatTimeout = 90 * time.Second

type tab struct {
	actor    string
	lastSeen time.Time
}

// sessions are the open tabs of one file, guarded by their own lock.
// A dropped value is marked dead under both locks and never reused.
type sessions struct {
	mu   sync.Mutex
	tabs map[string]tab
	dead bool
}

// Tracker records which actors have which files open. Every file has its
// own lock; the table lock is only held to find or drop a file.
type Tracker struct {
	timeout time.Duration
	now     func() time.Time

	mu    sync.Mutex
	files map[entry.Key]*sessions
}

// NewTracker creates a tracker. Sessions without a heartbeat for timeout
// are dropped.
func NewTracker(timeout time.Duration) *Tracker {
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}
	return &Tracker{timeout: timeout, now: time.Now, files: make(map[entry.Key]*sessions)}
}

// SetClock replaces the time source.
func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

func (t *Tracker) file(key entry.Key, create bool) *sessions {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.files[key]
	if !ok && create {
		s = &sessions{tabs: make(map[string]tab)}
		t.files[key] = s
	}
	return s
}

// prune drops expired tabs. Callers hold s.mu.
func (t *Tracker) prune(s *sessions) {
	cutoff := t.now().Add(-t.timeout)
	for id, tb := range s.tabs {
		if tb.lastSeen.Before(cutoff) {
			delete(s.tabs, id)
		}
	}
}

// Start records tab of actor as editing key. It retries when the file's
// sessions were dropped between the lookup and the lock.
func (t *Tracker) Start(key entry.Key, actor, tabID string) {
	for {
		s := t.file(key, true)
		s.mu.Lock()
		if s.dead {
			s.mu.Unlock()
			continue
		}
		t.prune(s)
		s.tabs[tabID] = tab{actor: actor, lastSeen: t.now()}
		s.mu.Unlock()
		return
	}
}

// Heartbeat renews a tab. It reports false when the tab is unknown or
// already expired.
func (t *Tracker) Heartbeat(key entry.Key, actor, tabID string) bool {
	s := t.file(key, false)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t.prune(s)
	tb, ok := s.tabs[tabID]
	if s.dead || !ok || tb.actor != actor {
		return false
	}
	tb.lastSeen = t.now()
	s.tabs[tabID] = tb
	return true
}

// Stop ends one tab. It reports whether the file has no editors left.
func (t *Tracker) Stop(key entry.Key, actor, tabID string) bool {
	s := t.file(key, false)
	if s == nil {
		return true
	}
	s.mu.Lock()
	if tb, ok := s.tabs[tabID]; ok && tb.actor == actor {
		delete(s.tabs, tabID)
	}
	t.prune(s)
	empty := len(s.tabs) == 0
	s.mu.Unlock()
	if empty {
		t.drop(key, s)
	}
	return empty
}

// drop removes s from the table if it is still empty and still current.
func (t *Tracker) drop(key entry.Key, s *sessions) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.files[key] != s {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tabs) == 0 {
		s.dead = true
		delete(t.files, key)
	}
}

// EditingBy returns the distinct actors editing key, sorted.
func (t *Tracker) EditingBy(key entry.Key) []string {
	s := t.file(key, false)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return nil
	}
	t.prune(s)
	seen := make(map[string]bool, len(s.tabs))
	var out []string
	for _, tb := range s.tabs {
		if !seen[tb.actor] {
			seen[tb.actor] = true
			out = append(out, tb.actor)
		}
	}
	sort.Strings(out)
	return out
}

// IsEditing reports whether anyone has key open.
func (t *Tracker) IsEditing(key entry.Key) bool {
	return len(t.EditingBy(key)) > 0
}

// EditingAlone reports whether exactly one actor has key open, however
// many tabs they use.
func (t *Tracker) EditingAlone(key entry.Key) bool {
	return len(t.EditingBy(key)) == 1
}

// EditingByOthers reports whether someone other than actor has key open.
func (t *Tracker) EditingByOthers(key entry.Key, actor string) bool {
	for _, a := range t.EditingBy(key) {
		if a != actor {
			return true
		}
	}
	return false
}

// Sweep drops expired sessions and returns the number of open tabs left.
func (t *Tracker) Sweep() int {
	t.mu.Lock()
	files := make(map[entry.Key]*sessions, len(t.files))
	for k, s := range t.files {
		files[k] = s
	}
	t.mu.Unlock()

	open := 0
	for k, s := range files {
		s.mu.Lock()
		t.prune(s)
		n := len(s.tabs)
		s.mu.Unlock()
		if n == 0 {
			t.drop(k, s)
		}
		open += n
	}
	metrics.SetEditingSessions(open)
	return open
}

// Run sweeps periodically until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.timeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := t.Sweep(); n > 0 {
				logging.Debug("editing sessions swept", zap.Int("open", n))
			}
		}
	}
}

// fileLocks is a mutex per file key. Entries live while someone holds or
// waits for them.
type fileLocks struct {
	mu   sync.Mutex
	held map[entry.Key]*fileLock
}

type fileLock struct {
	mu   sync.Mutex
	refs int
}

// lock blocks until key is free and returns the matching unlock.
func (l *fileLocks) lock(key entry.Key) func() {
	l.mu.Lock()
	if l.held == nil {
		l.held = make(map[entry.Key]*fileLock)
	}
	fl, ok := l.held[key]
	if !ok {
		fl = &fileLock{}
		l.held[key] = fl
	}
	fl.refs++
	l.mu.Unlock()

	fl.mu.Lock()
	return func() {
		fl.mu.Unlock()
		l.mu.Lock()
		fl.refs--
		if fl.refs == 0 {
			delete(l.held, key)
		}
		l.mu.Unlock()
	}
}
