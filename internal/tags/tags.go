// Package tags keeps per-actor markers on entries: new, favorite, recent
// and template tags, plus the exclusive edit lock of a file.
package tags

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/fruitsalade/docspace/internal/entry"
)

// Type is the kind of a tag.
type Type uint8

const (
	TypeNew Type = iota + 1
	TypeFavorite
	TypeRecent
	TypeTemplate
)

func (t Type) String() string {
	switch t {
	case TypeNew:
		return "new"
	case TypeFavorite:
		return "favorite"
	case TypeRecent:
		return "recent"
	case TypeTemplate:
		return "template"
	}
	return "unknown"
}

// Tag marks one entry for one actor.
type Tag struct {
	Type  Type      `json:"type"`
	Owner string    `json:"owner"`
	Entry entry.Key `json:"entry"`
	// Root is the key of the top-level folder the entry lives under. New
	// tags are counted per root.
	Root    string    `json:"root,omitempty"`
	Created time.Time `json:"created"`
}

// Status is the tag state of one entry as seen by one actor.
type Status struct {
	IsNew      bool
	IsFavorite bool
	IsTemplate bool
	LockedBy   string
}

// ErrLockNotHeld is returned when releasing a lock held by someone else.
var ErrLockNotHeld = errors.New("lock is not held by this actor")

// Store persists tags and locks.
type Store interface {
	// Save upserts tags. Saving an existing tag refreshes its time.
	Save(ctx context.Context, tags ...Tag) error
	// Remove deletes tags matched by type, owner and entry.
	Remove(ctx context.Context, tags ...Tag) error
	// RemoveAll deletes tags of type t on keys for every owner.
	RemoveAll(ctx context.Context, t Type, keys ...entry.Key) error
	// List returns the tags of type t owned by owner, newest first.
	List(ctx context.Context, t Type, owner string) ([]Tag, error)
	// Statuses returns the tag state of keys as seen by owner. Keys with
	// no tags and no lock are absent.
	Statuses(ctx context.Context, owner string, keys []entry.Key) (map[entry.Key]Status, error)
	// CountNew counts owner's new tags per root.
	CountNew(ctx context.Context, owner string) (map[string]int, error)
	// Rekey moves every tag and the lock of from onto to.
	Rekey(ctx context.Context, from, to entry.Key) error

	// AcquireLock locks key for owner unless someone else holds it. The
	// check and the write are one atomic step. It returns the holder after
	// the call.
	AcquireLock(ctx context.Context, key entry.Key, owner string) (holder string, acquired bool, err error)
	// ReleaseLock unlocks key. Only the holder may release unless force is
	// set. Releasing an unlocked key is a no-op.
	ReleaseLock(ctx context.Context, key entry.Key, owner string, force bool) error
	// LockHolder returns the holder of key, empty when unlocked.
	LockHolder(ctx context.Context, key entry.Key) (string, error)

	Close() error
}

func newestFirst(tags []Tag) {
	sort.SliceStable(tags, func(i, j int) bool {
		if !tags[i].Created.Equal(tags[j].Created) {
			return tags[i].Created.After(tags[j].Created)
		}
		return tags[i].Entry.String() < tags[j].Entry.String()
	})
}

func apply(st *Status, t Type) {
	switch t {
	case TypeNew:
		st.IsNew = true
	case TypeFavorite:
		st.IsFavorite = true
	case TypeTemplate:
		st.IsTemplate = true
	}
}

// Keys returns the entry keys of tags in order.
func Keys(tags []Tag) []entry.Key {
	out := make([]entry.Key, len(tags))
	for i, t := range tags {
		out[i] = t.Entry
	}
	return out
}
