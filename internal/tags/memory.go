package tags

import (
	"context"
	"sync"
	"time"

	"github.com/fruitsalade/docspace/internal/entry"
	"github.com/fruitsalade/docspace/internal/metrics"
)

type tagID struct {
	t     Type
	owner string
	key   entry.Key
}

// MemoryStore keeps tags in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	tags  map[tagID]Tag
	locks map[entry.Key]string
	now   func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tags:  map[tagID]Tag{},
		locks: map[entry.Key]string{},
		now:   time.Now,
	}
}

func idOf(t Tag) tagID { return tagID{t.Type, t.Owner, t.Entry} }

func (s *MemoryStore) Save(_ context.Context, tags ...Tag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tags {
		if t.Created.IsZero() {
			t.Created = s.now()
		}
		s.tags[idOf(t)] = t
	}
	metrics.RecordTagOp("save")
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, tags ...Tag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tags {
		delete(s.tags, idOf(t))
	}
	metrics.RecordTagOp("remove")
	return nil
}

func (s *MemoryStore) RemoveAll(_ context.Context, t Type, keys ...entry.Key) error {
	want := make(map[entry.Key]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.tags {
		if id.t == t && want[id.key] {
			delete(s.tags, id)
		}
	}
	metrics.RecordTagOp("remove_all")
	return nil
}

func (s *MemoryStore) List(_ context.Context, t Type, owner string) ([]Tag, error) {
	s.mu.Lock()
	var out []Tag
	for id, tag := range s.tags {
		if id.t == t && id.owner == owner {
			out = append(out, tag)
		}
	}
	s.mu.Unlock()
	newestFirst(out)
	return out, nil
}

func (s *MemoryStore) Statuses(_ context.Context, owner string, keys []entry.Key) (map[entry.Key]Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[entry.Key]Status)
	for _, k := range keys {
		var st Status
		found := false
		for _, t := range []Type{TypeNew, TypeFavorite, TypeTemplate} {
			if _, ok := s.tags[tagID{t, owner, k}]; ok {
				apply(&st, t)
				found = true
			}
		}
		if holder, ok := s.locks[k]; ok {
			st.LockedBy = holder
			found = true
		}
		if found {
			out[k] = st
		}
	}
	return out, nil
}

func (s *MemoryStore) CountNew(_ context.Context, owner string) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]int{}
	for id, tag := range s.tags {
		if id.t == TypeNew && id.owner == owner {
			out[tag.Root]++
		}
	}
	return out, nil
}

func (s *MemoryStore) Rekey(_ context.Context, from, to entry.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, tag := range s.tags {
		if id.key == from {
			delete(s.tags, id)
			tag.Entry = to
			s.tags[idOf(tag)] = tag
		}
	}
	if holder, ok := s.locks[from]; ok {
		delete(s.locks, from)
		s.locks[to] = holder
	}
	return nil
}

func (s *MemoryStore) AcquireLock(_ context.Context, key entry.Key, owner string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if holder, ok := s.locks[key]; ok && holder != owner {
		return holder, false, nil
	}
	s.locks[key] = owner
	metrics.RecordTagOp("lock")
	return owner, true, nil
}

func (s *MemoryStore) ReleaseLock(_ context.Context, key entry.Key, owner string, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	holder, ok := s.locks[key]
	if !ok {
		return nil
	}
	if holder != owner && !force {
		return ErrLockNotHeld
	}
	delete(s.locks, key)
	metrics.RecordTagOp("unlock")
	return nil
}

func (s *MemoryStore) LockHolder(_ context.Context, key entry.Key) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locks[key], nil
}

func (s *MemoryStore) Close() error { return nil }
