package operations

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/fruitsalade/docspace/internal/entry"
	"github.com/fruitsalade/docspace/internal/security"
	"github.com/fruitsalade/docspace/internal/storage"
	"github.com/fruitsalade/docspace/internal/tags"
)

// MarkAsRead clears the actor's new tags on the targets and everything
// below the target folders. When it completes, Summary holds the remaining
// unread count of each top-level root: My, Common, Share, Projects and
// Privacy, in that order.
func (m *Manager) MarkAsRead(actor security.Actor, keys []entry.Key) (Status, error) {
	keys = append([]entry.Key(nil), keys...)
	return m.start(actor, KindMarkAsRead, keys, false, func(ctx context.Context, r *run) error {
		unread, err := m.deps.Tags.List(ctx, tags.TypeNew, actor.ID)
		if err != nil {
			return fmt.Errorf("list new tags: %w", err)
		}
		byKey := make(map[entry.Key]tags.Tag, len(unread))
		for _, t := range unread {
			byKey[t.Entry] = t
		}

		for _, k := range keys {
			if err := r.stopped(); err != nil {
				return err
			}
			scope, err := m.scope(ctx, k)
			if err == nil {
				var clear []tags.Tag
				for _, sk := range scope {
					if t, ok := byKey[sk]; ok {
						clear = append(clear, t)
						delete(byKey, sk)
					}
				}
				err = m.deps.Tags.Remove(ctx, clear...)
			}
			if stop := r.done(k, entry.Key{}, err); stop != nil {
				return stop
			}
			r.step()
		}

		roots, err := m.topRoots(ctx, actor)
		if err != nil {
			return err
		}
		counts, err := m.deps.Tags.CountNew(ctx, actor.ID)
		if err != nil {
			return fmt.Errorf("count new tags: %w", err)
		}
		r.setSummary(summary(roots, counts))
		return nil
	})
}

// scope returns the key of an entry and, for a folder, of everything below it.
func (m *Manager) scope(ctx context.Context, k entry.Key) ([]entry.Key, error) {
	ref := k.Ref()
	if id, ok := ref.Local(); ok {
		return subtreeKeys[int](ctx, m.deps.Local, k, id)
	}
	if id, ok := ref.Remote(); ok && m.deps.Remote != nil {
		return subtreeKeys[string](ctx, m.deps.Remote, k, id)
	}
	return nil, fmt.Errorf("%s: %w", k, entry.ErrNotFound)
}

func subtreeKeys[T entry.ID](ctx context.Context, a storage.Adapter[T], k entry.Key, id T) ([]entry.Key, error) {
	if k.Type == entry.TypeFile {
		if _, err := a.GetFile(ctx, id); err != nil {
			return nil, err
		}
		return []entry.Key{k}, nil
	}
	if _, err := a.GetFolder(ctx, id); err != nil {
		return nil, err
	}
	q := storage.Query{WithSubfolders: true}
	folders, err := a.ListFolders(ctx, id, q)
	if err != nil {
		return nil, err
	}
	files, err := a.ListFiles(ctx, id, q)
	if err != nil {
		return nil, err
	}
	keys := make([]entry.Key, 0, 1+len(folders)+len(files))
	keys = append(keys, k)
	for _, f := range folders {
		keys = append(keys, f.Key())
	}
	for _, f := range files {
		keys = append(keys, f.Key())
	}
	return keys, nil
}

var summaryRoots = []entry.FolderType{
	entry.FolderUser,
	entry.FolderCommon,
	entry.FolderShare,
	entry.FolderProjects,
	entry.FolderPrivacy,
}

// topRoots returns the keys of the roots the summary reports on.
func (m *Manager) topRoots(ctx context.Context, actor security.Actor) ([]string, error) {
	out := make([]string, len(summaryRoots))
	for i, kind := range summaryRoots {
		id, err := m.deps.Local.EnsureRoot(ctx, kind, actor.ID)
		if err != nil {
			return nil, fmt.Errorf("resolve root %d: %w", kind, err)
		}
		out[i] = entry.FolderKey(id).String()
	}
	return out, nil
}

// summary renders "root:count" pairs, zero counts included.
func summary(roots []string, counts map[string]int) string {
	parts := make([]string, len(roots))
	for i, root := range roots {
		parts[i] = root + ":" + strconv.Itoa(counts[root])
	}
	return strings.Join(parts, ",")
}
