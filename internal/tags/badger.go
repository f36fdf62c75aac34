package tags

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/fruitsalade/docspace/internal/entry"
	"github.com/fruitsalade/docspace/internal/logging"
	"github.com/fruitsalade/docspace/internal/metrics"
)

// Key layout:
//
//	t\x00<type>\x00<owner>\x00<entry key>  -> JSON Tag
//	l\x00<entry key>                       -> lock holder
const sep = "\x00"

func tagKey(t Type, owner string, key entry.Key) []byte {
	return []byte("t" + sep + strconv.Itoa(int(t)) + sep + owner + sep + key.String())
}

func tagPrefix(t Type, owner string) []byte {
	return []byte("t" + sep + strconv.Itoa(int(t)) + sep + owner + sep)
}

func typePrefix(t Type) []byte {
	return []byte("t" + sep + strconv.Itoa(int(t)) + sep)
}

func lockKey(key entry.Key) []byte { return []byte("l" + sep + key.String()) }

// BadgerConfig configures the badger tag store.
type BadgerConfig struct {
	// Dir is the database directory. Empty runs in memory.
	Dir string
}

// BadgerStore persists tags in an embedded badger database.
type BadgerStore struct {
	db  *badger.DB
	now func() time.Time
}

var _ Store = (*BadgerStore)(nil)

// OpenBadger opens or creates the store.
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	opts := badger.DefaultOptions(cfg.Dir).
		WithLoggingLevel(badger.WARNING).
		WithInMemory(cfg.Dir == "")
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open tag store at %q: %w", cfg.Dir, err)
	}
	return &BadgerStore{db: db, now: time.Now}, nil
}

// update runs fn in a read-write transaction, retrying on conflicts with
// concurrent writers.
func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) || attempt >= 10 {
			return err
		}
		logging.Debug("tag store conflict, retrying", zap.Int("attempt", attempt+1))
	}
}

// scan visits every item under prefix.
func scan(txn *badger.Txn, prefix []byte, fn func(key, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := fn(item.KeyCopy(nil), val); err != nil {
			return err
		}
	}
	return nil
}

func (s *BadgerStore) Save(ctx context.Context, tags ...Tag) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		for _, t := range tags {
			if t.Created.IsZero() {
				t.Created = s.now()
			}
			val, err := json.Marshal(t)
			if err != nil {
				return err
			}
			if err := txn.Set(tagKey(t.Type, t.Owner, t.Entry), val); err != nil {
				return err
			}
		}
		return nil
	})
	metrics.RecordTagOp("save")
	return err
}

func (s *BadgerStore) Remove(ctx context.Context, tags ...Tag) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		for _, t := range tags {
			if err := txn.Delete(tagKey(t.Type, t.Owner, t.Entry)); err != nil {
				return err
			}
		}
		return nil
	})
	metrics.RecordTagOp("remove")
	return err
}

func (s *BadgerStore) RemoveAll(ctx context.Context, t Type, keys ...entry.Key) error {
	want := make(map[string]bool, len(keys))
	for _, k := range keys {
		want[k.String()] = true
	}
	err := s.update(ctx, func(txn *badger.Txn) error {
		var doomed [][]byte
		err := scan(txn, typePrefix(t), func(key, _ []byte) error {
			if i := bytes.LastIndex(key, []byte(sep)); i >= 0 && want[string(key[i+1:])] {
				doomed = append(doomed, key)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range doomed {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	metrics.RecordTagOp("remove_all")
	return err
}

func (s *BadgerStore) List(_ context.Context, t Type, owner string) ([]Tag, error) {
	var out []Tag
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, tagPrefix(t, owner), func(_, val []byte) error {
			var tag Tag
			if err := json.Unmarshal(val, &tag); err != nil {
				return err
			}
			out = append(out, tag)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list %s tags: %w", t, err)
	}
	newestFirst(out)
	return out, nil
}

func (s *BadgerStore) Statuses(_ context.Context, owner string, keys []entry.Key) (map[entry.Key]Status, error) {
	out := make(map[entry.Key]Status)
	err := s.db.View(func(txn *badger.Txn) error {
		for _, k := range keys {
			var st Status
			found := false
			for _, t := range []Type{TypeNew, TypeFavorite, TypeTemplate} {
				_, err := txn.Get(tagKey(t, owner, k))
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				apply(&st, t)
				found = true
			}
			holder, err := getString(txn, lockKey(k))
			if err != nil {
				return err
			}
			if holder != "" {
				st.LockedBy = holder
				found = true
			}
			if found {
				out[k] = st
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("tag statuses: %w", err)
	}
	return out, nil
}

func (s *BadgerStore) CountNew(ctx context.Context, owner string) (map[string]int, error) {
	tags, err := s.List(ctx, TypeNew, owner)
	if err != nil {
		return nil, err
	}
	out := map[string]int{}
	for _, t := range tags {
		out[t.Root]++
	}
	return out, nil
}

func (s *BadgerStore) Rekey(ctx context.Context, from, to entry.Key) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		var moved []Tag
		var doomed [][]byte
		err := scan(txn, []byte("t"+sep), func(key, val []byte) error {
			var tag Tag
			if err := json.Unmarshal(val, &tag); err != nil {
				return err
			}
			if tag.Entry == from {
				tag.Entry = to
				moved = append(moved, tag)
				doomed = append(doomed, key)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range doomed {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		for _, t := range moved {
			val, err := json.Marshal(t)
			if err != nil {
				return err
			}
			if err := txn.Set(tagKey(t.Type, t.Owner, t.Entry), val); err != nil {
				return err
			}
		}
		holder, err := getString(txn, lockKey(from))
		if err != nil || holder == "" {
			return err
		}
		if err := txn.Delete(lockKey(from)); err != nil {
			return err
		}
		return txn.Set(lockKey(to), []byte(holder))
	})
}

func getString(txn *badger.Txn, key []byte) (string, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	val, err := item.ValueCopy(nil)
	return string(val), err
}

func (s *BadgerStore) AcquireLock(ctx context.Context, key entry.Key, owner string) (string, bool, error) {
	holder := owner
	acquired := false
	err := s.update(ctx, func(txn *badger.Txn) error {
		cur, err := getString(txn, lockKey(key))
		if err != nil {
			return err
		}
		if cur != "" && cur != owner {
			holder, acquired = cur, false
			return nil
		}
		holder, acquired = owner, true
		return txn.Set(lockKey(key), []byte(owner))
	})
	if err != nil {
		return "", false, fmt.Errorf("acquire lock: %w", err)
	}
	if acquired {
		metrics.RecordTagOp("lock")
	}
	return holder, acquired, nil
}

func (s *BadgerStore) ReleaseLock(ctx context.Context, key entry.Key, owner string, force bool) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		cur, err := getString(txn, lockKey(key))
		if err != nil || cur == "" {
			return err
		}
		if cur != owner && !force {
			return ErrLockNotHeld
		}
		return txn.Delete(lockKey(key))
	})
	if err == nil {
		metrics.RecordTagOp("unlock")
	}
	return err
}

func (s *BadgerStore) LockHolder(_ context.Context, key entry.Key) (string, error) {
	var holder string
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		holder, err = getString(txn, lockKey(key))
		return err
	})
	return holder, err
}

func (s *BadgerStore) Close() error { return s.db.Close() }
