package editing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fruitsalade/docspace/internal/entry"
	"github.com/fruitsalade/docspace/internal/events"
	"github.com/fruitsalade/docspace/internal/logging"
	"github.com/fruitsalade/docspace/internal/metrics"
	"github.com/fruitsalade/docspace/internal/security"
	"github.com/fruitsalade/docspace/internal/sharing"
	"github.com/fruitsalade/docspace/internal/storage"
	"github.com/fruitsalade/docspace/internal/tags"
)

// ErrSessionExpired is returned by Track for a tab the tracker no longer
// knows.
var ErrSessionExpired = errors.New("editing session has expired")

// Save policies, also used as metric labels.
const (
	PolicyOverwrite = "overwrite"
	PolicyVersion   = "version"
	PolicyGroup     = "version_group"
)

// LinkValidator checks share links.
type LinkValidator interface {
	Validate(ctx context.Context, id, password string) (*sharing.Link, error)
}

// Deps are the collaborators of the service. Remote, Links, Signer and
// Events may be nil.
type Deps struct {
	Local    storage.Adapter[int]
	Remote   storage.Adapter[string]
	Security *security.Filter
	Links    LinkValidator
	Tags     tags.Store
	Tracker  *Tracker
	Guard    Guard
	Signer   *Signer
	Events   events.Publisher
	// Templates maps an extension such as ".docx" to the size of the blank
	// document new files of that type are created from.
	Templates map[string]int64
}

// Config tunes the service.
type Config struct {
	DocKeySecret   string
	MaxEditSize    int64
	StoreForcesave bool
}

// Service opens, saves, locks and reverts documents.
type Service struct {
	deps Deps
	cfg  Config
	now  func() time.Time
	// files serializes lock changes with the writes that check the lock.
	files fileLocks
}

// NewService creates a service.
func NewService(deps Deps, cfg Config) *Service {
	if deps.Events == nil {
		deps.Events = events.Discard{}
	}
	if deps.Signer == nil {
		deps.Signer = NewSigner("", 0)
	}
	return &Service{deps: deps, cfg: cfg, now: time.Now}
}

// StartOptions describe one open request.
type StartOptions struct {
	// Tab identifies the browser tab. A new one is generated when empty.
	Tab       string
	Requested Capabilities
	// LinkID and LinkPassword are set when the file is opened through a
	// share link.
	LinkID        string
	LinkPassword  string
	NoCoAuthoring bool
	Strict        bool
}

// Session is the result of opening a file.
type Session struct {
	File    entry.Key    `json:"file"`
	Title   string       `json:"title"`
	Version int          `json:"version"`
	Tab     string       `json:"tab"`
	Rights  Capabilities `json:"rights"`
	DocKey  string       `json:"doc_key"`
	// Token is the signed editor configuration, empty without a secret.
	Token        string `json:"token,omitempty"`
	EditingAlone bool   `json:"editing_alone"`
}

// StartEdit resolves what actor may do with the file and, when editing is
// allowed, registers the tab as an editor.
func (s *Service) StartEdit(ctx context.Context, actor security.Actor, key entry.Key, opts StartOptions) (*Session, error) {
	ref, err := s.fileRef(key)
	if err != nil {
		return nil, err
	}
	if id, ok := ref.Local(); ok {
		return startEdit[int](ctx, s, s.deps.Local, actor, id, opts)
	}
	id, _ := ref.Remote()
	return startEdit[string](ctx, s, s.deps.Remote, actor, id, opts)
}

func (s *Service) fileRef(key entry.Key) (entry.Ref, error) {
	ref := key.Ref()
	if key.Type != entry.TypeFile || !ref.Valid() {
		return entry.Ref{}, fmt.Errorf("%s: %w", key, entry.ErrNotFound)
	}
	if _, ok := ref.Remote(); ok && s.deps.Remote == nil {
		return entry.Ref{}, fmt.Errorf("%s: %w", key, entry.ErrNotFound)
	}
	return ref, nil
}

func startEdit[T entry.ID](ctx context.Context, s *Service, a storage.Adapter[T], actor security.Actor, id T, opts StartOptions) (*Session, error) {
	f, err := a.GetFile(ctx, id)
	if err != nil {
		return nil, err
	}
	key := f.Key()

	link := sharing.AccessNone
	if opts.LinkID != "" && s.deps.Links != nil {
		l, err := s.deps.Links.Validate(ctx, opts.LinkID, opts.LinkPassword)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w: %v", f.Title, entry.ErrSecurityDenied, err)
		}
		if covers, err := linkCovers(ctx, a, l, f); err != nil {
			return nil, err
		} else if covers {
			link = l.Access
		}
	}

	acl, err := s.deps.Security.Rights(ctx, actor, f)
	if err != nil {
		return nil, err
	}
	holder, err := s.deps.Tags.LockHolder(ctx, key)
	if err != nil {
		return nil, err
	}

	rights, err := ResolveRights(RightsInput{
		Requested:     opts.Requested,
		Link:          link,
		Visitor:       actor.IsVisitor,
		ACL:           acl,
		Title:         f.Title,
		Size:          f.ContentLength,
		MaxSize:       s.cfg.MaxEditSize,
		Root:          f.RootFolderType,
		Encrypted:     f.Encrypted,
		LockedByOther: lockedByOther(holder, actor),
		OthersEditing: s.deps.Tracker.EditingByOthers(key, actor.ID),
		NoCoAuthoring: opts.NoCoAuthoring,
		Strict:        opts.Strict,
	})
	if err != nil {
		switch entry.Code(err) {
		case entry.CodeLockedByOther:
			metrics.RecordEditConflict("lock")
		case entry.CodeAlreadyEditing:
			metrics.RecordEditConflict("co_authoring")
		}
		return nil, err
	}

	tab := opts.Tab
	if tab == "" {
		tab = uuid.NewString()
	}
	if rights.Edit {
		s.deps.Tracker.Start(key, actor.ID, tab)
		s.publish(events.EventEditStarted, actor.ID, key, f.Version)
	}
	if err := s.deps.Tags.Save(ctx, tags.Tag{Type: tags.TypeRecent, Owner: actor.ID, Entry: key, Created: s.now()}); err != nil {
		logging.WithContext(ctx).Warn("failed to tag recent", zap.String("file", key.String()), zap.Error(err))
	}

	sess := &Session{
		File:         key,
		Title:        f.Title,
		Version:      f.Version,
		Tab:          tab,
		Rights:       rights,
		DocKey:       FileDocKey(f, s.cfg.DocKeySecret),
		EditingAlone: s.deps.Tracker.EditingAlone(key),
	}
	sess.Token, err = s.deps.Signer.Sign(EditorClaims{
		DocKey: sess.DocKey,
		FileID: key.ID,
		Title:  f.Title,
		Actor:  actor.ID,
		Rights: rights,
	})
	if err != nil {
		return nil, fmt.Errorf("sign editor config: %w", err)
	}
	logging.WithContext(ctx).Debug("opened file",
		zap.String("file", key.String()), zap.String("actor", actor.ID), zap.Bool("edit", rights.Edit))
	return sess, nil
}

// linkCovers reports whether l was issued for f or one of its folders.
func linkCovers[T entry.ID](ctx context.Context, a storage.Adapter[T], l *sharing.Link, f *entry.File[T]) (bool, error) {
	if l.Entry == f.Key() {
		return true, nil
	}
	parents, err := a.Parents(ctx, f.FolderID)
	if err != nil {
		return false, err
	}
	for _, p := range parents {
		if p.Key() == l.Entry {
			return true, nil
		}
	}
	return false, nil
}

func lockedByOther(holder string, actor security.Actor) bool {
	return holder != "" && holder != actor.ID && !actor.IsAdmin
}

// Track renews the tab, or ends it when finished is set.
func (s *Service) Track(ctx context.Context, actor security.Actor, key entry.Key, tab string, finished bool) error {
	if finished {
		if s.deps.Tracker.Stop(key, actor.ID, tab) {
			s.publish(events.EventEditFinished, actor.ID, key, 0)
		}
		return nil
	}
	if !s.deps.Tracker.Heartbeat(key, actor.ID, tab) {
		return fmt.Errorf("%s tab %s: %w", key, tab, ErrSessionExpired)
	}
	return nil
}

// SaveOptions describe one save.
type SaveOptions struct {
	Forcesave entry.ForcesaveType
	Encrypted bool
	Comment   string
	// FromEditor is set for saves reported by the document service. Other
	// saves are refused while the file is open for editing.
	FromEditor bool
}

// SaveResult is the stored file and how it was stored.
type SaveResult struct {
	File         entry.Key `json:"file"`
	Version      int       `json:"version"`
	VersionGroup int       `json:"version_group"`
	Policy       string    `json:"policy"`
}

// Save stores new content for a file according to the version policy.
func (s *Service) Save(ctx context.Context, actor security.Actor, key entry.Key, body io.Reader, opts SaveOptions) (*SaveResult, error) {
	ref, err := s.fileRef(key)
	if err != nil {
		return nil, err
	}
	if id, ok := ref.Local(); ok {
		return save[int](ctx, s, s.deps.Local, actor, id, body, opts)
	}
	id, _ := ref.Remote()
	return save[string](ctx, s, s.deps.Remote, actor, id, body, opts)
}

func save[T entry.ID](ctx context.Context, s *Service, a storage.Adapter[T], actor security.Actor, id T, body io.Reader, opts SaveOptions) (*SaveResult, error) {
	defer s.files.lock(entry.FileKey(id))()

	f, err := a.GetFile(ctx, id)
	if err != nil {
		return nil, err
	}
	key := f.Key()
	if err := s.checkWritable(ctx, actor, f); err != nil {
		return nil, err
	}
	if !opts.FromEditor && opts.Forcesave == entry.ForcesaveNone && s.deps.Tracker.IsEditing(key) {
		return nil, fmt.Errorf("save %s: %w", f.Title, entry.ErrAlreadyEditing)
	}

	version, group, policy := NextVersion(f, opts.Encrypted, s.cfg.StoreForcesave, s.templateSize(f.Title))
	next := &entry.File[T]{
		EntryInfo:    entry.EntryInfo{ModifiedBy: actor.ID},
		ID:           f.ID,
		FolderID:     f.FolderID,
		Version:      version,
		VersionGroup: group,
		Encrypted:    opts.Encrypted,
		Forcesave:    opts.Forcesave,
		Comment:      opts.Comment,
	}
	var saved *entry.File[T]
	if policy == PolicyOverwrite {
		saved, err = a.ReplaceFileContent(ctx, next, body)
	} else {
		saved, err = a.SaveFile(ctx, next, body)
	}
	if err != nil {
		return nil, err
	}
	metrics.RecordSave(policy)
	markNew(ctx, s, a, actor, saved)
	s.publish(events.EventFileSaved, actor.ID, key, saved.Version)
	logging.WithContext(ctx).Info("saved file",
		zap.String("file", key.String()), zap.Int("version", saved.Version), zap.String("policy", policy))
	return &SaveResult{File: saved.Key(), Version: saved.Version, VersionGroup: saved.VersionGroup, Policy: policy}, nil
}

// NextVersion decides how a save of cur is stored. A pending forcesave is
// overwritten unless it was a user forcesave that is kept, or the content
// is encrypted. A regular save always adds a version, and opens a new
// version group except for the first edit of a file that still has the
// size of its blank template.
func NextVersion[T entry.ID](cur *entry.File[T], encrypted, storeForcesave bool, templateSize int64) (version, group int, policy string) {
	if cur.Forcesave != entry.ForcesaveNone {
		if (cur.Forcesave == entry.ForcesaveUser && storeForcesave) || encrypted {
			return cur.Version + 1, cur.VersionGroup, PolicyVersion
		}
		return cur.Version, cur.VersionGroup, PolicyOverwrite
	}
	if cur.Version != 1 || templateSize < 0 || cur.ContentLength != templateSize {
		return cur.Version + 1, cur.VersionGroup + 1, PolicyGroup
	}
	return cur.Version + 1, cur.VersionGroup, PolicyVersion
}

func (s *Service) templateSize(title string) int64 {
	if size, ok := s.deps.Templates[entry.Ext(title)]; ok {
		return size
	}
	return -1
}

// checkWritable requires edit rights, no foreign lock and a file outside
// trash.
func (s *Service) checkWritable(ctx context.Context, actor security.Actor, f entry.Entry) error {
	info := f.Info()
	if info.RootFolderType == entry.RootTrash {
		return fmt.Errorf("save %s: %w", info.Title, entry.ErrTrashViewForbidden)
	}
	ok, err := s.deps.Security.CanEdit(ctx, actor, f)
	if err != nil {
		return err
	}
	if !ok || actor.IsVisitor {
		return fmt.Errorf("save %s: %w", info.Title, entry.ErrSecurityDenied)
	}
	holder, err := s.deps.Tags.LockHolder(ctx, f.Key())
	if err != nil {
		return err
	}
	if lockedByOther(holder, actor) {
		metrics.RecordEditConflict("lock")
		return fmt.Errorf("save %s: locked by %s: %w", info.Title, holder, entry.ErrLockedByOther)
	}
	return nil
}

// MarkNew tags the file as new for every actor other than actor that can
// read it.
func (s *Service) MarkNew(ctx context.Context, actor security.Actor, key entry.Key) {
	ref, err := s.fileRef(key)
	if err != nil {
		return
	}
	if id, ok := ref.Local(); ok {
		if f, err := s.deps.Local.GetFile(ctx, id); err == nil {
			markNew(ctx, s, s.deps.Local, actor, f)
		}
		return
	}
	id, _ := ref.Remote()
	if f, err := s.deps.Remote.GetFile(ctx, id); err == nil {
		markNew(ctx, s, s.deps.Remote, actor, f)
	}
}

// markNew tags f as new for every other actor that can read it.
func markNew[T entry.ID](ctx context.Context, s *Service, a storage.Adapter[T], actor security.Actor, f *entry.File[T]) {
	log := logging.WithContext(ctx)
	recipients, err := s.deps.Security.Recipients(ctx, f)
	if err != nil {
		log.Warn("failed to resolve recipients", zap.String("file", f.Key().String()), zap.Error(err))
		return
	}
	var root string
	if parents, err := a.Parents(ctx, f.FolderID); err == nil && len(parents) > 0 {
		root = parents[0].Key().String()
	}
	var marks []tags.Tag
	for _, r := range recipients {
		if r != actor.ID {
			marks = append(marks, tags.Tag{Type: tags.TypeNew, Owner: r, Entry: f.Key(), Root: root, Created: s.now()})
		}
	}
	if len(marks) == 0 {
		return
	}
	if err := s.deps.Tags.Save(ctx, marks...); err != nil {
		log.Warn("failed to mark file new", zap.String("file", f.Key().String()), zap.Error(err))
	}
}

// UpdateToVersion makes an older version of a local file current again by
// storing it as a new version. Concurrent updates of one file fail fast.
func (s *Service) UpdateToVersion(ctx context.Context, actor security.Actor, key entry.Key, version int) (*SaveResult, error) {
	if _, remote := key.Ref().Remote(); remote {
		return nil, fmt.Errorf("restore %s: provider files have no version history: %w", key, entry.ErrUnsupportedFormat)
	}
	ref, err := s.fileRef(key)
	if err != nil {
		return nil, err
	}
	id, _ := ref.Local()

	release, err := s.deps.Guard.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer release()
	defer s.files.lock(entry.FileKey(id))()

	a := s.deps.Local
	cur, err := a.GetFile(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Encrypted {
		return nil, fmt.Errorf("restore %s: encrypted: %w", cur.Title, entry.ErrUnsupportedFormat)
	}
	if err := s.checkWritable(ctx, actor, cur); err != nil {
		return nil, err
	}
	if s.deps.Tracker.IsEditing(key) {
		return nil, fmt.Errorf("restore %s: %w", cur.Title, entry.ErrAlreadyEditing)
	}
	if version == cur.Version {
		return &SaveResult{File: key, Version: cur.Version, VersionGroup: cur.VersionGroup, Policy: PolicyOverwrite}, nil
	}

	old, err := a.GetFileVersion(ctx, id, version)
	if err != nil {
		return nil, err
	}
	rc, err := a.OpenFile(ctx, old)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	saved, err := a.SaveFile(ctx, &entry.File[int]{
		EntryInfo:    entry.EntryInfo{ModifiedBy: actor.ID, Title: old.Title},
		ID:           id,
		FolderID:     cur.FolderID,
		Version:      cur.Version + 1,
		VersionGroup: cur.VersionGroup + 1,
		Comment:      fmt.Sprintf("restored version %d", version),
	}, rc)
	if err != nil {
		return nil, err
	}
	metrics.RecordSave("restore")
	s.publish(events.EventFileReverted, actor.ID, key, saved.Version)
	logging.WithContext(ctx).Info("restored file version",
		zap.String("file", key.String()), zap.Int("from", version), zap.Int("version", saved.Version))
	return &SaveResult{File: key, Version: saved.Version, VersionGroup: saved.VersionGroup, Policy: PolicyGroup}, nil
}

// Lock checks the file out to actor. Acquiring and checking the lock is a
// single step of the tag store; a save already past its lock check
// finishes first.
func (s *Service) Lock(ctx context.Context, actor security.Actor, key entry.Key) error {
	defer s.files.lock(key)()

	e, err := s.getEntry(ctx, key)
	if err != nil {
		return err
	}
	ok, err := s.deps.Security.CanEdit(ctx, actor, e)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("lock %s: %w", e.Info().Title, entry.ErrSecurityDenied)
	}
	holder, acquired, err := s.deps.Tags.AcquireLock(ctx, key, actor.ID)
	if err != nil {
		return err
	}
	if !acquired {
		metrics.RecordEditConflict("lock")
		return fmt.Errorf("lock %s: held by %s: %w", e.Info().Title, holder, entry.ErrLockedByOther)
	}
	s.publish(events.EventFileLocked, actor.ID, key, 0)
	return nil
}

// Unlock releases the lock. Admins may release a lock held by someone else.
func (s *Service) Unlock(ctx context.Context, actor security.Actor, key entry.Key) error {
	defer s.files.lock(key)()

	err := s.deps.Tags.ReleaseLock(ctx, key, actor.ID, actor.IsAdmin)
	if errors.Is(err, tags.ErrLockNotHeld) {
		return fmt.Errorf("unlock %s: %w", key, entry.ErrLockedByOther)
	}
	if err != nil {
		return err
	}
	s.publish(events.EventFileUnlocked, actor.ID, key, 0)
	return nil
}

func (s *Service) getEntry(ctx context.Context, key entry.Key) (entry.Entry, error) {
	ref, err := s.fileRef(key)
	if err != nil {
		return nil, err
	}
	if id, ok := ref.Local(); ok {
		f, err := s.deps.Local.GetFile(ctx, id)
		if err != nil {
			return nil, err
		}
		return f, nil
	}
	id, _ := ref.Remote()
	f, err := s.deps.Remote.GetFile(ctx, id)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *Service) publish(typ, actor string, key entry.Key, version int) {
	s.deps.Events.Publish(events.Event{
		Type:      typ,
		Actor:     actor,
		Entry:     key.String(),
		Version:   version,
		Timestamp: s.now().Unix(),
	})
}
