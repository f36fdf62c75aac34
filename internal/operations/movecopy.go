package operations

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fruitsalade/docspace/internal/entry"
	"github.com/fruitsalade/docspace/internal/logging"
	"github.com/fruitsalade/docspace/internal/security"
	"github.com/fruitsalade/docspace/internal/storage"
	"github.com/fruitsalade/docspace/internal/transfer"
)

// TransferOptions tunes a move or copy.
type TransferOptions struct {
	Copy     bool
	FailFast bool
}

// MoveCopy moves or copies entries into the folder dest. Entries that stay
// within one backend are handled by it; the rest are streamed across by a
// transfer coordinator. A failed item leaves whatever was already created
// at the destination in place.
func (m *Manager) MoveCopy(ctx context.Context, actor security.Actor, keys []entry.Key, dest entry.Ref, opts TransferOptions) (Status, error) {
	kind := KindMove
	if opts.Copy {
		kind = KindCopy
	}
	if err := m.checkDest(ctx, actor, dest); err != nil {
		return Status{}, err
	}
	keys = append([]entry.Key(nil), keys...)
	return m.start(actor, kind, keys, opts.FailFast, func(ctx context.Context, r *run) error {
		for _, k := range keys {
			if err := r.stopped(); err != nil {
				return err
			}
			to, err := m.transferOne(ctx, r, k, dest, opts.Copy)
			if stop := r.done(k, to, err); stop != nil {
				return stop
			}
			r.step()
		}
		return nil
	})
}

// checkDest requires dest to be a folder the actor may add to, outside trash.
func (m *Manager) checkDest(ctx context.Context, actor security.Actor, dest entry.Ref) error {
	var folder entry.Entry
	if id, ok := dest.Local(); ok {
		f, err := m.deps.Local.GetFolder(ctx, id)
		if err != nil {
			return err
		}
		folder = f
	} else if id, ok := dest.Remote(); ok && m.deps.Remote != nil {
		f, err := m.deps.Remote.GetFolder(ctx, id)
		if err != nil {
			return err
		}
		folder = f
	} else {
		return fmt.Errorf("destination %s: %w", dest, entry.ErrNotFound)
	}
	if folder.Info().RootFolderType == entry.RootTrash {
		return fmt.Errorf("destination %s is in trash: %w", dest, entry.ErrSecurityDenied)
	}
	ok, err := m.deps.Security.CanEdit(ctx, actor, folder)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("destination %s: %w", dest, entry.ErrSecurityDenied)
	}
	return nil
}

func (m *Manager) transferOne(ctx context.Context, r *run, k entry.Key, dest entry.Ref, asCopy bool) (entry.Key, error) {
	src, dst := k.Ref(), dest
	srcLocal, isLocal := src.Local()
	srcRemote, isRemote := src.Remote()
	dstLocal, toLocal := dst.Local()
	dstRemote, _ := dst.Remote()

	if isRemote && m.deps.Remote == nil {
		return entry.Key{}, fmt.Errorf("%s: %w", k, entry.ErrNotFound)
	}
	switch {
	case isLocal && toLocal:
		mv := newMover[int, int](m, r, m.deps.Local, m.deps.Local, dstLocal, asCopy)
		mv.direct = within[int](m.deps.Local, dstLocal)
		return mv.run(ctx, k.Type, srcLocal)
	case isLocal:
		return newMover[int, string](m, r, m.deps.Local, m.deps.Remote, dstRemote, asCopy).run(ctx, k.Type, srcLocal)
	case isRemote && toLocal:
		mv := newMover[string, int](m, r, m.deps.Remote, m.deps.Local, dstLocal, asCopy)
		mv.mountRoot = isMountRoot
		return mv.run(ctx, k.Type, srcRemote)
	case isRemote:
		mv := newMover[string, string](m, r, m.deps.Remote, m.deps.Remote, dstRemote, asCopy)
		mv.direct = within[string](m.deps.Remote, dstRemote)
		mv.mountRoot = isMountRoot
		return mv.run(ctx, k.Type, srcRemote)
	}
	return entry.Key{}, fmt.Errorf("%s: %w", k, entry.ErrNotFound)
}

// mover moves or copies entries from src into one folder of dst.
type mover[S, D entry.ID] struct {
	m    *Manager
	r    *run
	src  storage.Adapter[S]
	dest D
	copy bool
	xfer *transfer.Coordinator[S, D]
	// direct is set when both ends share an id type. It returns dest as a
	// source id when src can handle the request alone.
	direct func(id S) (S, bool)
	// mountRoot is set for third-party sources.
	mountRoot func(id S) bool
}

func newMover[S, D entry.ID](m *Manager, r *run, src storage.Adapter[S], dst storage.Adapter[D], dest D, asCopy bool) *mover[S, D] {
	mv := &mover[S, D]{m: m, r: r, src: src, dest: dest, copy: asCopy}
	mv.xfer = transfer.New(src, dst, m.cfg.BufferSize)
	mv.xfer.OnMoved = m.rekey
	return mv
}

func (mv *mover[S, D]) run(ctx context.Context, t entry.EntryType, id S) (entry.Key, error) {
	if t == entry.TypeFile {
		return mv.file(ctx, id)
	}
	return mv.folder(ctx, id)
}

// within returns a direct check for moves that stay on one id type.
func within[T entry.ID](a storage.Adapter[T], dest T) func(id T) (T, bool) {
	return func(id T) (T, bool) {
		return dest, a.SameAdapter(id, dest)
	}
}

func (mv *mover[S, D]) sameBackend(id S) (S, bool) {
	if mv.direct == nil {
		var zero S
		return zero, false
	}
	return mv.direct(id)
}

func (mv *mover[S, D]) file(ctx context.Context, id S) (entry.Key, error) {
	f, err := mv.src.GetFile(ctx, id)
	if err != nil {
		return entry.Key{}, err
	}
	ok, err := mv.m.deps.Security.CanRead(ctx, mv.r.actor, f)
	if err != nil {
		return entry.Key{}, err
	}
	if !ok {
		return entry.Key{}, fmt.Errorf("read %s: %w", f.Title, entry.ErrSecurityDenied)
	}
	if !mv.copy {
		if err := removable(ctx, mv.m, mv.r.actor, f); err != nil {
			return entry.Key{}, err
		}
	}

	if dest, ok := mv.sameBackend(id); ok {
		if mv.copy {
			nf, err := mv.src.CopyFile(ctx, id, dest)
			if err != nil {
				return entry.Key{}, err
			}
			return nf.Key(), nil
		}
		nid, err := mv.src.MoveFile(ctx, id, dest)
		if err != nil {
			return entry.Key{}, err
		}
		if nid != id {
			mv.m.rekey(ctx, f.Key(), entry.FileKey(nid))
		}
		return entry.FileKey(nid), nil
	}

	var res *transfer.Result[D]
	if mv.copy {
		res = mv.xfer.CopyFile(ctx, id, mv.dest)
	} else {
		res = mv.xfer.MoveFile(ctx, id, mv.dest)
	}
	if res.Failed() {
		return entry.Key{}, res.Err
	}
	return entry.FileKey(res.Root), nil
}

func (mv *mover[S, D]) folder(ctx context.Context, id S) (entry.Key, error) {
	f, err := mv.src.GetFolder(ctx, id)
	if err != nil {
		return entry.Key{}, err
	}
	if f.FolderType != entry.FolderDefault && f.FolderType != entry.FolderBunch {
		return entry.Key{}, fmt.Errorf("transfer %s: %w", f.Title, entry.ErrSecurityDenied)
	}
	ok, err := mv.m.deps.Security.CanRead(ctx, mv.r.actor, f)
	if err != nil {
		return entry.Key{}, err
	}
	if !ok {
		return entry.Key{}, fmt.Errorf("read %s: %w", f.Title, entry.ErrSecurityDenied)
	}
	if !mv.copy {
		if mv.mountRoot != nil && mv.mountRoot(id) {
			return entry.Key{}, fmt.Errorf("move mount %s: %w", f.Title, entry.ErrSecurityDenied)
		}
		if err := mv.removableTree(ctx, f); err != nil {
			return entry.Key{}, err
		}
	}

	if dest, ok := mv.sameBackend(id); ok {
		if mv.copy {
			nf, err := mv.src.CopyFolder(ctx, id, dest)
			if err != nil {
				return entry.Key{}, err
			}
			return nf.Key(), nil
		}
		nid, err := mv.src.MoveFolder(ctx, id, dest)
		if err != nil {
			return entry.Key{}, err
		}
		if nid != id {
			mv.m.rekey(ctx, f.Key(), entry.FolderKey(nid))
		}
		return entry.FolderKey(nid), nil
	}

	var res *transfer.Result[D]
	if mv.copy {
		res = mv.xfer.CopyFolder(ctx, id, mv.dest)
	} else {
		res = mv.xfer.MoveFolder(ctx, id, mv.dest)
	}
	var to entry.Key
	if len(res.Created) > 0 {
		to = entry.FolderKey(res.Root)
	}
	if res.Failed() {
		return to, res.Err
	}
	return to, nil
}

func (mv *mover[S, D]) removableTree(ctx context.Context, f *entry.Folder[S]) error {
	ok, err := mv.m.deps.Security.CanDelete(ctx, mv.r.actor, f)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("move %s: %w", f.Title, entry.ErrSecurityDenied)
	}
	inside, err := mv.src.ListFiles(ctx, f.ID, storage.Query{WithSubfolders: true})
	if err != nil {
		return err
	}
	for _, file := range inside {
		if err := removable(ctx, mv.m, mv.r.actor, file); err != nil {
			return err
		}
	}
	return nil
}

// rekey carries tags and grants over to the new id of a moved entry.
func (m *Manager) rekey(ctx context.Context, from, to entry.Key) {
	if from == to {
		return
	}
	if err := m.deps.Tags.Rekey(ctx, from, to); err != nil {
		logging.WithContext(ctx).Warn("failed to move tags", zap.String("from", from.String()), zap.String("to", to.String()), zap.Error(err))
	}
	if m.deps.Grants == nil {
		return
	}
	if err := m.deps.Grants.Rekey(ctx, from, to); err != nil {
		logging.WithContext(ctx).Warn("failed to move grants", zap.String("from", from.String()), zap.String("to", to.String()), zap.Error(err))
	}
}
