// Package upload handles chunked uploads. A session collects chunks in a
// temp file and stores the assembled content through the storage adapter
// of the target folder when it completes.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fruitsalade/docspace/internal/entry"
	"github.com/fruitsalade/docspace/internal/logging"
	"github.com/fruitsalade/docspace/internal/metrics"
	"github.com/fruitsalade/docspace/internal/security"
	"github.com/fruitsalade/docspace/internal/storage"
)

const (
	defaultTTL      = time.Hour
	cleanupInterval = 5 * time.Minute
)

var (
	ErrSessionNotFound = errors.New("upload session not found")
	ErrIncomplete      = errors.New("upload is incomplete")
	ErrOverflow        = errors.New("chunk exceeds the announced upload size")
)

// Session is the state of one chunked upload.
type Session struct {
	ID            string    `json:"id"`
	Owner         string    `json:"owner"`
	Folder        entry.Ref `json:"-"`
	Title         string    `json:"title"`
	BytesTotal    int64     `json:"bytes_total"`
	BytesUploaded int64     `json:"bytes_uploaded"`
	UseChunks     bool      `json:"use_chunks"`
	Created       time.Time `json:"created"`
	Expires       time.Time `json:"expires"`
}

// session pairs the state with its temp file. mu serializes chunks.
type session struct {
	mu   sync.Mutex
	st   Session
	path string
}

// snapshot copies the state. Callers hold s.mu.
func (s *session) snapshot() *Session {
	st := s.st
	return &st
}

// QuotaChecker fails with entry.ErrQuotaExceeded when owner cannot store
// size more bytes.
type QuotaChecker interface {
	Check(ctx context.Context, owner string, size int64) error
}

// NewMarker flags a stored file as new for the other actors that see it.
type NewMarker interface {
	MarkNew(ctx context.Context, actor security.Actor, key entry.Key)
}

// Deps are the collaborators of the manager. Remote, Quota and Marker may
// be nil.
type Deps struct {
	Local    storage.Adapter[int]
	Remote   storage.Adapter[string]
	Security *security.Filter
	Quota    QuotaChecker
	Marker   NewMarker
}

// Config tunes the manager.
type Config struct {
	TempDir string
	TTL     time.Duration
}

// Manager owns the open upload sessions.
type Manager struct {
	deps Deps
	cfg  Config
	now  func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

// NewManager creates a manager. Temp files go to cfg.TempDir, or the
// system temp directory when it is empty.
func NewManager(deps Deps, cfg Config) (*Manager, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.TempDir == "" {
		cfg.TempDir = filepath.Join(os.TempDir(), "docspace-uploads")
	}
	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload temp dir: %w", err)
	}
	return &Manager{deps: deps, cfg: cfg, now: time.Now, sessions: make(map[string]*session)}, nil
}

// SetClock replaces the time source.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Create opens a session for a file of size bytes named title in folder.
func (m *Manager) Create(ctx context.Context, actor security.Actor, folder entry.Ref, title string, size int64, chunked bool) (*Session, error) {
	if title == "" || size < 0 {
		return nil, fmt.Errorf("upload needs a title and a size")
	}
	var limit int64
	var err error
	if id, ok := folder.Local(); ok {
		limit, err = checkFolder(ctx, m, m.deps.Local, actor, id, chunked)
	} else if id, ok := folder.Remote(); ok && m.deps.Remote != nil {
		limit, err = checkFolder(ctx, m, m.deps.Remote, actor, id, chunked)
	} else {
		err = fmt.Errorf("folder %s: %w", folder, entry.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if limit > 0 && size > limit {
		metrics.RecordQuotaExceeded("upload")
		return nil, fmt.Errorf("%d bytes over the %d byte upload limit: %w", size, limit, entry.ErrQuotaExceeded)
	}
	if m.deps.Quota != nil {
		if err := m.deps.Quota.Check(ctx, actor.ID, size); err != nil {
			return nil, err
		}
	}

	now := m.now()
	id := uuid.NewString()
	s := &session{
		st: Session{
			ID:         id,
			Owner:      actor.ID,
			Folder:     folder,
			Title:      title,
			BytesTotal: size,
			UseChunks:  chunked,
			Created:    now,
			Expires:    now.Add(m.cfg.TTL),
		},
		path: filepath.Join(m.cfg.TempDir, id+".part"),
	}
	f, err := os.Create(s.path)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	f.Close()

	m.mu.Lock()
	m.sessions[id] = s
	n := len(m.sessions)
	m.mu.Unlock()
	metrics.SetUploadSessions(n)

	logging.Info("upload session created",
		zap.String("upload_id", id), zap.String("folder", folder.String()), zap.Int64("size", size))
	return s.snapshot(), nil
}

// checkFolder requires an existing folder outside trash that actor may add
// to, and returns its upload ceiling.
func checkFolder[T entry.ID](ctx context.Context, m *Manager, a storage.Adapter[T], actor security.Actor, id T, chunked bool) (int64, error) {
	f, err := a.GetFolder(ctx, id)
	if err != nil {
		return 0, err
	}
	if f.RootFolderType == entry.RootTrash {
		return 0, fmt.Errorf("upload into %s: %w", f.Title, entry.ErrTrashViewForbidden)
	}
	ok, err := m.deps.Security.CanEdit(ctx, actor, f)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("upload into %s: %w", f.Title, entry.ErrSecurityDenied)
	}
	return a.MaxUploadSize(ctx, id, chunked)
}

// Get returns the state of a session owned by actor.
func (m *Manager) Get(actor security.Actor, id string) (*Session, error) {
	s, err := m.session(actor, id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(), nil
}

// List returns actor's sessions, oldest first.
func (m *Manager) List(actor security.Actor) []Session {
	m.mu.Lock()
	var mine []*session
	for _, s := range m.sessions {
		if s.st.Owner == actor.ID {
			mine = append(mine, s)
		}
	}
	m.mu.Unlock()

	out := make([]Session, 0, len(mine))
	for _, s := range mine {
		s.mu.Lock()
		out = append(out, *s.snapshot())
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

func (m *Manager) session(actor security.Actor, id string) (*session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok || (s.st.Owner != actor.ID && !actor.IsAdmin) {
		return nil, fmt.Errorf("upload %s: %w", id, ErrSessionNotFound)
	}
	return s, nil
}

// Append writes the next chunk. Chunks arrive in order; a chunk that would
// grow the upload past its announced size is rejected whole.
func (m *Manager) Append(ctx context.Context, actor security.Actor, id string, chunk io.Reader) (*Session, error) {
	s, err := m.session(actor, id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !m.now().Before(s.st.Expires) {
		return nil, fmt.Errorf("upload %s expired: %w", id, ErrSessionNotFound)
	}
	f, err := os.OpenFile(s.path, os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("temp file not accessible: %w", err)
	}
	defer f.Close()

	remaining := s.st.BytesTotal - s.st.BytesUploaded
	if _, err := f.Seek(s.st.BytesUploaded, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek temp file: %w", err)
	}
	n, err := io.Copy(f, io.LimitReader(chunk, remaining+1))
	if err != nil {
		f.Truncate(s.st.BytesUploaded)
		return nil, fmt.Errorf("write chunk: %w", err)
	}
	if n > remaining {
		f.Truncate(s.st.BytesUploaded)
		return nil, fmt.Errorf("upload %s: %w", id, ErrOverflow)
	}
	s.st.BytesUploaded += n
	metrics.RecordUploadBytes(n)
	logging.WithContext(ctx).Debug("chunk received",
		zap.String("upload_id", id), zap.Int64("bytes", n), zap.Int64("uploaded", s.st.BytesUploaded))
	return s.snapshot(), nil
}

// Complete stores the assembled file and closes the session.
func (m *Manager) Complete(ctx context.Context, actor security.Actor, id string) (entry.Key, error) {
	s, err := m.session(actor, id)
	if err != nil {
		return entry.Key{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.st.BytesUploaded != s.st.BytesTotal {
		return entry.Key{}, fmt.Errorf("received %d of %d bytes: %w", s.st.BytesUploaded, s.st.BytesTotal, ErrIncomplete)
	}
	var key entry.Key
	if folder, ok := s.st.Folder.Local(); ok {
		key, err = store(ctx, m.deps.Local, s, folder)
	} else {
		folder, _ := s.st.Folder.Remote()
		key, err = store(ctx, m.deps.Remote, s, folder)
	}
	if err != nil {
		return entry.Key{}, err
	}
	m.remove(s)
	if m.deps.Marker != nil {
		m.deps.Marker.MarkNew(ctx, actor, key)
	}
	logging.WithContext(ctx).Info("upload completed",
		zap.String("upload_id", id), zap.String("file", key.String()), zap.Int64("size", s.st.BytesTotal))
	return key, nil
}

func store[T entry.ID](ctx context.Context, a storage.Adapter[T], s *session, folder T) (entry.Key, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return entry.Key{}, fmt.Errorf("open assembled file: %w", err)
	}
	defer f.Close()
	saved, err := a.SaveFile(ctx, &entry.File[T]{
		EntryInfo:     entry.EntryInfo{Title: s.st.Title, CreatedBy: s.st.Owner, ModifiedBy: s.st.Owner},
		FolderID:      folder,
		ContentLength: s.st.BytesTotal,
	}, f)
	if err != nil {
		return entry.Key{}, err
	}
	return saved.Key(), nil
}

// Abort drops a session and its temp file.
func (m *Manager) Abort(actor security.Actor, id string) error {
	s, err := m.session(actor, id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m.remove(s)
	logging.Info("upload aborted", zap.String("upload_id", id))
	return nil
}

// remove forgets s. Callers hold s.mu.
func (m *Manager) remove(s *session) {
	m.mu.Lock()
	delete(m.sessions, s.st.ID)
	n := len(m.sessions)
	m.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.Warn("failed to remove upload temp file", zap.String("path", s.path), zap.Error(err))
	}
	metrics.SetUploadSessions(n)
}

// Cleanup drops expired sessions and returns how many were dropped.
func (m *Manager) Cleanup() int {
	now := m.now()
	m.mu.Lock()
	var expired []*session
	for _, s := range m.sessions {
		if !now.Before(s.st.Expires) {
			expired = append(expired, s)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		s.mu.Lock()
		m.remove(s)
		s.mu.Unlock()
		logging.Info("cleaned up expired upload", zap.String("upload_id", s.st.ID))
	}
	return len(expired)
}

// Run cleans up periodically until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Cleanup()
		}
	}
}
