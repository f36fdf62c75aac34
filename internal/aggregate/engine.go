// Package aggregate builds the filtered, tagged, sorted and paginated
// children of a logical parent: a regular folder, a third-party folder or
// one of the virtual views (Share, Recent, Favorites, Templates, Trash,
// Privacy).
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/docspace/internal/entry"
	"github.com/fruitsalade/docspace/internal/logging"
	"github.com/fruitsalade/docspace/internal/metrics"
	"github.com/fruitsalade/docspace/internal/security"
	"github.com/fruitsalade/docspace/internal/storage"
	"github.com/fruitsalade/docspace/internal/tags"
)

// LocalStore is the local adapter as seen by the engine.
type LocalStore interface {
	storage.Adapter[int]
	EnsureRoot(ctx context.Context, kind entry.FolderType, owner string) (int, error)
}

// MountLister lists the third-party roots registered under a local folder.
type MountLister interface {
	MountRoots(ctx context.Context, folderID int) ([]*entry.Folder[string], error)
}

// EditingIndex reports files that have an open editing session.
type EditingIndex interface {
	IsEditing(key entry.Key) bool
}

// Request describes one listing.
type Request struct {
	Parent          entry.Ref
	Actor           security.Actor
	Offset          int
	Count           int
	Filter          entry.FilterType
	Subject         string
	Search          string
	SearchInContent bool
	WithSubfolders  bool
	OrderBy         entry.OrderBy
}

func (r Request) query() storage.Query {
	return storage.Query{
		Filter:          r.Filter,
		Subject:         r.Subject,
		Search:          r.Search,
		SearchInContent: r.SearchInContent,
		WithSubfolders:  r.WithSubfolders,
		OrderBy:         r.OrderBy,
	}
}

// Page is one window of a listing.
type Page struct {
	Parent  entry.Entry
	Entries []entry.Entry
	// Total counts every matching entry before pagination.
	Total int
}

// Engine computes listings.
type Engine struct {
	Local    LocalStore
	Remote   storage.Adapter[string]
	Mounts   MountLister
	Security *security.Filter
	Tags     tags.Store
	// Editing is optional.
	Editing EditingIndex
}

// List returns the children of req.Parent.
func (e *Engine) List(ctx context.Context, req Request) (*Page, error) {
	start := time.Now()
	kind := "folder"

	parent, err := e.parent(ctx, req.Parent)
	if err != nil {
		return nil, err
	}
	if lf, ok := parent.(*entry.Folder[int]); ok {
		if rt, ok := lf.FolderType.RootType(); ok {
			kind = rt.String()
		}
	} else {
		kind = "mount"
	}
	defer func() { metrics.RecordAggregation(kind, time.Since(start)) }()

	entries, err := e.children(ctx, parent, req)
	if err != nil {
		return nil, err
	}

	page := &Page{Parent: parent}
	countVirtual(parent, entries)
	if req.OrderBy.SortBy == entry.SortNew {
		if err := e.annotate(ctx, req.Actor, entries); err != nil {
			return nil, err
		}
		Sort(entries, req.OrderBy)
		page.Total = len(entries)
		page.Entries = Paginate(entries, req.Offset, req.Count)
		return page, nil
	}

	// Recent keeps its tag order, most recently used first.
	if !isRecent(parent) {
		Sort(entries, req.OrderBy)
	}
	page.Total = len(entries)
	page.Entries = Paginate(entries, req.Offset, req.Count)
	if err := e.annotate(ctx, req.Actor, page.Entries); err != nil {
		return nil, err
	}
	return page, nil
}

func (e *Engine) parent(ctx context.Context, ref entry.Ref) (entry.Entry, error) {
	if id, ok := ref.Local(); ok {
		return e.Local.GetFolder(ctx, id)
	}
	if id, ok := ref.Remote(); ok {
		if e.Remote == nil {
			return nil, fmt.Errorf("folder %s: %w", id, entry.ErrNotFound)
		}
		return e.Remote.GetFolder(ctx, id)
	}
	return nil, fmt.Errorf("invalid parent: %w", entry.ErrNotFound)
}

func (e *Engine) children(ctx context.Context, parent entry.Entry, req Request) ([]entry.Entry, error) {
	q := req.query()
	switch p := parent.(type) {
	case *entry.Folder[string]:
		if err := e.requireRead(ctx, req.Actor, p); err != nil {
			return nil, err
		}
		return e.folderChildren(ctx, p, req, q)
	case *entry.Folder[int]:
		switch p.FolderType {
		case entry.FolderShare:
			return e.shared(ctx, req, q, false)
		case entry.FolderRecent:
			return e.tagged(ctx, req, q, tags.TypeRecent)
		case entry.FolderFavorites:
			return e.tagged(ctx, req, q, tags.TypeFavorite)
		case entry.FolderTemplates:
			if q.Filter == entry.FilterFoldersOnly {
				return nil, nil
			}
			q.Filter = filesOnly(q.Filter)
			return e.tagged(ctx, req, q, tags.TypeTemplate)
		case entry.FolderTrash:
			return e.trash(ctx, p, req, q)
		case entry.FolderPrivacy:
			if err := e.requireRead(ctx, req.Actor, p); err != nil {
				return nil, err
			}
			own, err := e.folderChildren(ctx, p, req, q)
			if err != nil {
				return nil, err
			}
			others, err := e.shared(ctx, req, q, true)
			if err != nil {
				return nil, err
			}
			return append(own, others...), nil
		}
		if err := e.requireRead(ctx, req.Actor, p); err != nil {
			return nil, err
		}
		return e.folderChildren(ctx, p, req, q)
	}
	return nil, fmt.Errorf("unsupported parent %T", parent)
}

func (e *Engine) requireRead(ctx context.Context, actor security.Actor, folder entry.Entry) error {
	ok, err := e.Security.CanRead(ctx, actor, folder)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("read %s: %w", folder.Key(), entry.ErrSecurityDenied)
	}
	return nil
}

// folderChildren lists a regular folder through its adapter, adding the
// third-party roots mounted under a local folder.
func (e *Engine) folderChildren(ctx context.Context, parent entry.Entry, req Request, q storage.Query) ([]entry.Entry, error) {
	var out []entry.Entry
	switch p := parent.(type) {
	case *entry.Folder[int]:
		folders, err := e.Local.ListFolders(ctx, p.ID, q)
		if err != nil {
			return nil, err
		}
		files, err := e.Local.ListFiles(ctx, p.ID, q)
		if err != nil {
			return nil, err
		}
		out = entry.Append(out, folders...)
		out = entry.Append(out, files...)
		if e.Mounts != nil && !q.Filter.ExcludesFolders() {
			roots, err := e.Mounts.MountRoots(ctx, p.ID)
			if err != nil {
				logging.Warn("list mount roots", zap.Int("folder", p.ID), zap.Error(err))
			}
			out = entry.Append(out, storage.FilterFolders(roots, q)...)
		}
	case *entry.Folder[string]:
		folders, err := e.Remote.ListFolders(ctx, p.ID, q)
		if err != nil {
			return nil, err
		}
		files, err := e.Remote.ListFiles(ctx, p.ID, q)
		if err != nil {
			return nil, err
		}
		out = entry.Append(out, folders...)
		out = entry.Append(out, files...)
	}
	return e.Security.FilterRead(ctx, req.Actor, out)
}

func (e *Engine) trash(ctx context.Context, p *entry.Folder[int], req Request, q storage.Query) ([]entry.Entry, error) {
	if p.RootCreatedBy != req.Actor.ID && !req.Actor.IsAdmin {
		return nil, fmt.Errorf("trash of %s: %w", p.RootCreatedBy, entry.ErrSecurityDenied)
	}
	q.WithSubfolders = false
	folders, err := e.Local.ListFolders(ctx, p.ID, q)
	if err != nil {
		return nil, err
	}
	files, err := e.Local.ListFiles(ctx, p.ID, q)
	if err != nil {
		return nil, err
	}
	out := entry.Append(nil, folders...)
	return entry.Append(out, files...), nil
}

// shared lists entries others granted to the actor. privacy selects
// entries living in private rooms, which the Share view leaves out.
func (e *Engine) shared(ctx context.Context, req Request, q storage.Query, privacy bool) ([]entry.Entry, error) {
	keys, err := e.Security.SharedWithMe(ctx, req.Actor)
	if err != nil {
		return nil, err
	}
	loaded, err := e.Load(ctx, keys)
	if err != nil {
		return nil, err
	}
	var out []entry.Entry
	for _, en := range loaded {
		info := en.Info()
		if info.RootFolderType == entry.RootTrash {
			continue
		}
		if (info.RootFolderType == entry.RootPrivacy) != privacy {
			continue
		}
		info.Shared = true
		out = append(out, en)
	}
	out = storage.FilterEntries(out, q)
	return e.Security.FilterRead(ctx, req.Actor, out)
}

// tagged lists the actor's tagged entries newest tag first, leaving out
// trashed ones.
func (e *Engine) tagged(ctx context.Context, req Request, q storage.Query, t tags.Type) ([]entry.Entry, error) {
	list, err := e.Tags.List(ctx, t, req.Actor.ID)
	if err != nil {
		return nil, err
	}
	loaded, err := e.Load(ctx, tags.Keys(list))
	if err != nil {
		return nil, err
	}
	out := loaded[:0]
	for _, en := range loaded {
		if en.Info().RootFolderType != entry.RootTrash {
			out = append(out, en)
		}
	}
	out = storage.FilterEntries(out, q)
	return e.Security.FilterRead(ctx, req.Actor, out)
}

// Load resolves keys to entries in key order. Entries that no longer exist
// or whose provider is unreachable are skipped.
func (e *Engine) Load(ctx context.Context, keys []entry.Key) ([]entry.Entry, error) {
	var localFiles, localFolders []int
	var remoteFiles, remoteFolders []string
	for _, k := range keys {
		ref := k.Ref()
		if id, ok := ref.Local(); ok {
			if k.Type == entry.TypeFile {
				localFiles = append(localFiles, id)
			} else {
				localFolders = append(localFolders, id)
			}
		} else if id, ok := ref.Remote(); ok && e.Remote != nil {
			if k.Type == entry.TypeFile {
				remoteFiles = append(remoteFiles, id)
			} else {
				remoteFolders = append(remoteFolders, id)
			}
		}
	}

	found := make(map[entry.Key]entry.Entry, len(keys))
	if len(localFiles) > 0 {
		files, err := e.Local.GetFiles(ctx, localFiles)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			found[f.Key()] = f
		}
	}
	if len(localFolders) > 0 {
		folders, err := e.Local.GetFolders(ctx, localFolders)
		if err != nil {
			return nil, err
		}
		for _, f := range folders {
			found[f.Key()] = f
		}
	}
	// Remote entries are resolved one by one so that an unreachable mount
	// only hides its own entries.
	for _, id := range remoteFiles {
		f, err := e.Remote.GetFile(ctx, id)
		if skippable(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		found[f.Key()] = f
	}
	for _, id := range remoteFolders {
		f, err := e.Remote.GetFolder(ctx, id)
		if skippable(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		found[f.Key()] = f
	}

	out := make([]entry.Entry, 0, len(found))
	for _, k := range keys {
		if en, ok := found[k]; ok {
			out = append(out, en)
			delete(found, k)
		}
	}
	return out, nil
}

func skippable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, entry.ErrNotFound) {
		return true
	}
	var pe *entry.ProviderError
	if errors.As(err, &pe) {
		logging.Warn("provider entry skipped", zap.Error(err))
		return true
	}
	return false
}

// annotate attaches the actor's tag state, the lock holder and the
// editing flag to entries.
func (e *Engine) annotate(ctx context.Context, actor security.Actor, entries []entry.Entry) error {
	if len(entries) == 0 || e.Tags == nil {
		return nil
	}
	keys := make([]entry.Key, len(entries))
	for i, en := range entries {
		keys[i] = en.Key()
	}
	statuses, err := e.Tags.Statuses(ctx, actor.ID, keys)
	if err != nil {
		return err
	}
	for _, en := range entries {
		info := en.Info()
		if st, ok := statuses[en.Key()]; ok {
			info.IsNew = st.IsNew
			info.IsFavorite = st.IsFavorite
			info.IsTemplate = st.IsTemplate
			info.Locked = st.LockedBy != ""
			info.LockedBy = st.LockedBy
		}
		if e.Editing != nil && en.EntryType() == entry.TypeFile {
			info.Editing = e.Editing.IsEditing(en.Key())
		}
	}
	return nil
}

// Breadcrumbs returns the folders from the top of the hierarchy down to
// ref, inclusive. A third-party path continues above its mount root into
// the local folder the mount is listed under.
func (e *Engine) Breadcrumbs(ctx context.Context, actor security.Actor, ref entry.Ref) ([]entry.Entry, error) {
	var out []entry.Entry
	if id, ok := ref.Local(); ok {
		chain, err := e.Local.Parents(ctx, id)
		if err != nil {
			return nil, err
		}
		out = entry.Append(out, chain...)
	} else if id, ok := ref.Remote(); ok && e.Remote != nil {
		chain, err := e.Remote.Parents(ctx, id)
		if err != nil {
			return nil, err
		}
		if len(chain) > 0 {
			if above, err := entry.ParseRef(chain[0].ParentID); err == nil {
				if localID, ok := above.Local(); ok {
					localChain, err := e.Local.Parents(ctx, localID)
					if err != nil {
						return nil, err
					}
					out = entry.Append(out, localChain...)
				}
			}
		}
		out = entry.Append(out, chain...)
	} else {
		return nil, fmt.Errorf("breadcrumbs: %w", entry.ErrNotFound)
	}
	if len(out) == 0 {
		return out, nil
	}
	if err := e.requireRead(ctx, actor, out[len(out)-1]); err != nil {
		return nil, err
	}
	return out, nil
}

// Root returns the id of a well-known root for actor.
func (e *Engine) Root(ctx context.Context, kind entry.FolderType, actor security.Actor) (int, error) {
	return e.Local.EnsureRoot(ctx, kind, actor.ID)
}

// countVirtual sets the totals of a virtual view from its aggregated
// children. Regular folders keep the totals their adapter derived.
func countVirtual(parent entry.Entry, entries []entry.Entry) {
	f, ok := parent.(*entry.Folder[int])
	if !ok {
		return
	}
	switch f.FolderType {
	case entry.FolderShare, entry.FolderRecent, entry.FolderFavorites,
		entry.FolderTemplates, entry.FolderPrivacy:
	default:
		return
	}
	f.TotalFiles, f.TotalSubFolders = 0, 0
	for _, en := range entries {
		if en.EntryType() == entry.TypeFolder {
			f.TotalSubFolders++
		} else {
			f.TotalFiles++
		}
	}
}

func isRecent(parent entry.Entry) bool {
	f, ok := parent.(*entry.Folder[int])
	return ok && f.FolderType == entry.FolderRecent
}

func filesOnly(f entry.FilterType) entry.FilterType {
	if f == entry.FilterNone {
		return entry.FilterFilesOnly
	}
	return f
}
