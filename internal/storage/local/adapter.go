// Package local implements the storage adapter for the database-backed
// hierarchy. Folder and file metadata live in SQL; file bytes live in a
// content.Backend, one object per version.
package local

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/docspace/internal/content"
	"github.com/fruitsalade/docspace/internal/database"
	"github.com/fruitsalade/docspace/internal/entry"
	"github.com/fruitsalade/docspace/internal/logging"
	"github.com/fruitsalade/docspace/internal/metrics"
	"github.com/fruitsalade/docspace/internal/storage"
	"github.com/fruitsalade/docspace/internal/tree"
)

// Config holds local adapter settings.
type Config struct {
	MaxUploadSize        int64
	ChunkedMaxUploadSize int64
	UseTrash             bool
}

// Adapter is the storage adapter for local entries.
type Adapter struct {
	db    *sql.DB
	blobs content.Backend
	cfg   Config
	now   func() time.Time

	rootMu sync.Mutex
}

var _ storage.Adapter[int] = (*Adapter)(nil)

// New creates a local adapter.
func New(db *sql.DB, blobs content.Backend, cfg Config) *Adapter {
	return &Adapter{
		db:    db,
		blobs: blobs,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source. Used by tests.
func (a *Adapter) SetClock(now func() time.Time) { a.now = now }

func record(query string, start time.Time) {
	metrics.RecordDBQuery(query, time.Since(start))
}

// sharedRoots are created once per deployment; every other root kind is
// created per owner.
var sharedRoots = map[entry.FolderType]bool{
	entry.FolderCommon:    true,
	entry.FolderShare:     true,
	entry.FolderRecent:    true,
	entry.FolderFavorites: true,
	entry.FolderTemplates: true,
	entry.FolderProjects:  true,
}

var rootTitles = map[entry.FolderType]string{
	entry.FolderUser:      "My Documents",
	entry.FolderCommon:    "Common Documents",
	entry.FolderShare:     "Shared with Me",
	entry.FolderRecent:    "Recent",
	entry.FolderFavorites: "Favorites",
	entry.FolderTemplates: "Templates",
	entry.FolderPrivacy:   "Private Room",
	entry.FolderTrash:     "Trash",
	entry.FolderProjects:  "Projects",
}

// EnsureRoot returns the id of a well-known root, creating it on first use.
func (a *Adapter) EnsureRoot(ctx context.Context, kind entry.FolderType, owner string) (int, error) {
	if !kind.IsRoot() {
		return 0, fmt.Errorf("folder type %d is not a root", kind)
	}
	if sharedRoots[kind] {
		owner = ""
	} else if owner == "" {
		return 0, fmt.Errorf("root %d requires an owner", kind)
	}

	a.rootMu.Lock()
	defer a.rootMu.Unlock()

	start := time.Now()
	defer record("ensure_root", start)

	var id int
	err := a.db.QueryRowContext(ctx,
		`SELECT id FROM folders WHERE parent_id = 0 AND folder_type = $1 AND owner_id = $2`,
		int(kind), owner).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("find root: %w", err)
	}

	now := a.now()
	createdBy := owner
	err = database.InTx(ctx, a.db, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			`INSERT INTO folders (parent_id, root_id, title, folder_type, owner_id, create_by, create_on, modified_by, modified_on)
			 VALUES (0, 0, $1, $2, $3, $4, $5, $4, $5) RETURNING id`,
			rootTitles[kind], int(kind), owner, createdBy, now).Scan(&id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE folders SET root_id = $1 WHERE id = $1`, id)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("create root: %w", err)
	}
	logging.Info("created root folder", zap.Int("id", id), zap.Int("kind", int(kind)), zap.String("owner", owner))
	return id, nil
}

// MaxUploadSize returns the chunked ceiling for chunked uploads and the
// smaller single-request ceiling otherwise.
func (a *Adapter) MaxUploadSize(_ context.Context, _ int, chunked bool) (int64, error) {
	if chunked {
		return a.cfg.ChunkedMaxUploadSize, nil
	}
	return min(a.cfg.MaxUploadSize, a.cfg.ChunkedMaxUploadSize), nil
}

// UseTrashForRemove reports whether e goes to trash. Entries already in
// trash and project folders are removed for good.
func (a *Adapter) UseTrashForRemove(e entry.Entry) bool {
	if !a.cfg.UseTrash || e.Info().RootFolderType == entry.RootTrash {
		return false
	}
	if f, ok := e.(*entry.Folder[int]); ok && f.FolderType == entry.FolderBunch {
		return false
	}
	return true
}

// SameAdapter is always true: every local id belongs to this adapter.
func (a *Adapter) SameAdapter(_, _ int) bool { return true }

// subtree indexes every folder sharing rootID.
func (a *Adapter) subtree(ctx context.Context, q database.Querier, rootID int) (*tree.Index[int], error) {
	rows, err := q.QueryContext(ctx, `SELECT id, parent_id FROM folders WHERE root_id = $1`, rootID)
	if err != nil {
		return nil, fmt.Errorf("load subtree: %w", err)
	}
	defer rows.Close()

	var items []tree.Item[int]
	for rows.Next() {
		var it tree.Item[int]
		if err := rows.Scan(&it.ID, &it.ParentID); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tree.Build(items), nil
}

// placeholders renders "$start, $start+1, ..." for n values.
func placeholders(start, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("$")
		b.WriteString(strconv.Itoa(start + i))
	}
	return b.String()
}

func intArgs(ids []int) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func rootInfo(info *entry.EntryInfo, rootType int, rootOwner string) {
	if rt, ok := entry.FolderType(rootType).RootType(); ok {
		info.RootFolderType = rt
	}
	info.RootCreatedBy = rootOwner
}
