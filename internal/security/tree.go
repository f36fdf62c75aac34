package security

import (
	"context"
	"errors"

	"github.com/fruitsalade/docspace/internal/entry"
	"github.com/fruitsalade/docspace/internal/storage"
)

// Tree resolves ancestors through the storage adapters. A third-party
// chain continues into the local folder its mount is listed under.
type Tree struct {
	Local storage.FolderStore[int]
	// Remote may be nil when no mounts are configured.
	Remote storage.FolderStore[string]
}

var _ Hierarchy = Tree{}

func (t Tree) Ancestors(ctx context.Context, e entry.Entry) ([]entry.Key, error) {
	switch v := e.(type) {
	case *entry.Folder[int]:
		return t.local(ctx, v.ParentID)
	case *entry.File[int]:
		return t.local(ctx, v.FolderID)
	case *entry.Folder[string]:
		if t.Remote == nil || v.ParentID == "" {
			return nil, nil
		}
		if ref, _ := entry.ParseRef(v.ParentID); ref.Valid() {
			if id, ok := ref.Local(); ok {
				return t.local(ctx, id)
			}
		}
		return t.remote(ctx, v.ParentID)
	case *entry.File[string]:
		if t.Remote == nil {
			return nil, nil
		}
		return t.remote(ctx, v.FolderID)
	}
	return nil, nil
}

func (t Tree) local(ctx context.Context, folderID int) ([]entry.Key, error) {
	if folderID == 0 {
		return nil, nil
	}
	chain, err := t.Local.Parents(ctx, folderID)
	if err != nil {
		return nil, err
	}
	out := make([]entry.Key, 0, len(chain))
	for i := len(chain) - 1; i >= 0; i-- {
		out = append(out, chain[i].Key())
	}
	return out, nil
}

func (t Tree) remote(ctx context.Context, folderID string) ([]entry.Key, error) {
	chain, err := t.Remote.Parents(ctx, folderID)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, nil
	}
	out := make([]entry.Key, 0, len(chain)+4)
	for i := len(chain) - 1; i >= 0; i-- {
		out = append(out, chain[i].Key())
	}
	top := chain[0]
	if ref, err := entry.ParseRef(top.ParentID); err == nil {
		if id, ok := ref.Local(); ok {
			above, err := t.local(ctx, id)
			if err != nil && !errors.Is(err, entry.ErrNotFound) {
				return nil, err
			}
			out = append(out, above...)
		}
	}
	return out, nil
}
