package local

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/docspace/internal/content"
	"github.com/fruitsalade/docspace/internal/database"
	"github.com/fruitsalade/docspace/internal/entry"
	"github.com/fruitsalade/docspace/internal/logging"
	"github.com/fruitsalade/docspace/internal/storage"
)

const folderColumns = `f.id, f.parent_id, f.title, f.folder_type, f.create_by, f.create_on, f.modified_by, f.modified_on,
	r.folder_type, r.owner_id,
	(SELECT COUNT(*) FROM files x WHERE x.folder_id = f.id AND x.current_version = TRUE),
	(SELECT COUNT(*) FROM folders y WHERE y.parent_id = f.id)
	FROM folders f JOIN folders r ON r.id = f.root_id`

type scanner interface {
	Scan(dest ...any) error
}

func scanFolder(s scanner) (*entry.Folder[int], error) {
	var (
		f          entry.Folder[int]
		folderType int
		rootType   int
		rootOwner  string
	)
	if err := s.Scan(&f.ID, &f.ParentID, &f.Title, &folderType, &f.CreatedBy, &f.CreatedOn,
		&f.ModifiedBy, &f.ModifiedOn, &rootType, &rootOwner, &f.TotalFiles, &f.TotalSubFolders); err != nil {
		return nil, err
	}
	f.FolderType = entry.FolderType(folderType)
	rootInfo(&f.EntryInfo, rootType, rootOwner)
	return &f, nil
}

func (a *Adapter) getFolder(ctx context.Context, q database.Querier, id int) (*entry.Folder[int], error) {
	f, err := scanFolder(q.QueryRowContext(ctx, `SELECT `+folderColumns+` WHERE f.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("folder %d: %w", id, entry.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get folder %d: %w", id, err)
	}
	return f, nil
}

func (a *Adapter) queryFolders(ctx context.Context, q database.Querier, where string, args ...any) ([]*entry.Folder[int], error) {
	rows, err := q.QueryContext(ctx, `SELECT `+folderColumns+` WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query folders: %w", err)
	}
	defer rows.Close()

	var out []*entry.Folder[int]
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan folder: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// GetFolder returns one folder.
func (a *Adapter) GetFolder(ctx context.Context, id int) (*entry.Folder[int], error) {
	start := time.Now()
	defer record("get_folder", start)
	return a.getFolder(ctx, a.db, id)
}

// GetFolders returns the existing folders among ids.
func (a *Adapter) GetFolders(ctx context.Context, ids []int) ([]*entry.Folder[int], error) {
	if len(ids) == 0 {
		return nil, nil
	}
	start := time.Now()
	defer record("get_folders", start)
	return a.queryFolders(ctx, a.db, `f.id IN (`+placeholders(1, len(ids))+`)`, intArgs(ids)...)
}

// ListFolders lists the subfolders of parentID.
func (a *Adapter) ListFolders(ctx context.Context, parentID int, q storage.Query) ([]*entry.Folder[int], error) {
	if q.Filter.ExcludesFolders() {
		return nil, nil
	}
	start := time.Now()
	defer record("list_folders", start)

	rootID, err := a.rootID(ctx, a.db, parentID)
	if err != nil {
		return nil, err
	}

	var folders []*entry.Folder[int]
	if q.WithSubfolders {
		idx, err := a.subtree(ctx, a.db, rootID)
		if err != nil {
			return nil, err
		}
		ids := idx.Descendants(parentID)
		if len(ids) == 0 {
			return nil, nil
		}
		folders, err = a.queryFolders(ctx, a.db, `f.id IN (`+placeholders(1, len(ids))+`)`, intArgs(ids)...)
		if err != nil {
			return nil, err
		}
	} else {
		folders, err = a.queryFolders(ctx, a.db, `f.parent_id = $1`, parentID)
		if err != nil {
			return nil, err
		}
	}
	return storage.FilterFolders(folders, q), nil
}

func (a *Adapter) rootID(ctx context.Context, q database.Querier, folderID int) (int, error) {
	var root int
	err := q.QueryRowContext(ctx, `SELECT root_id FROM folders WHERE id = $1`, folderID).Scan(&root)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("folder %d: %w", folderID, entry.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("get root of %d: %w", folderID, err)
	}
	return root, nil
}

// Parents returns the chain from the root down to id.
func (a *Adapter) Parents(ctx context.Context, id int) ([]*entry.Folder[int], error) {
	start := time.Now()
	defer record("get_parents", start)

	var chain []*entry.Folder[int]
	seen := map[int]bool{}
	for cur := id; cur != 0 && !seen[cur]; {
		seen[cur] = true
		f, err := a.getFolder(ctx, a.db, cur)
		if err != nil {
			return nil, err
		}
		chain = append([]*entry.Folder[int]{f}, chain...)
		cur = f.ParentID
	}
	return chain, nil
}

// CreateFolder creates a folder below parentID.
func (a *Adapter) CreateFolder(ctx context.Context, parentID int, title, actor string) (int, error) {
	start := time.Now()
	defer record("create_folder", start)

	if title == "" {
		return 0, fmt.Errorf("folder title is required")
	}
	rootID, err := a.rootID(ctx, a.db, parentID)
	if err != nil {
		return 0, err
	}

	now := a.now()
	var id int
	err = a.db.QueryRowContext(ctx,
		`INSERT INTO folders (parent_id, root_id, title, folder_type, owner_id, create_by, create_on, modified_by, modified_on)
		 VALUES ($1, $2, $3, 0, '', $4, $5, $4, $5) RETURNING id`,
		parentID, rootID, title, actor, now).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert folder: %w", err)
	}
	logging.Debug("created folder", zap.Int("id", id), zap.Int("parent", parentID))
	return id, nil
}

// RenameFolder changes a folder title. Roots cannot be renamed.
func (a *Adapter) RenameFolder(ctx context.Context, id int, title, actor string) (int, error) {
	start := time.Now()
	defer record("rename_folder", start)

	f, err := a.getFolder(ctx, a.db, id)
	if err != nil {
		return 0, err
	}
	if f.FolderType.IsRoot() {
		return 0, fmt.Errorf("rename root %d: %w", id, entry.ErrSecurityDenied)
	}
	_, err = a.db.ExecContext(ctx,
		`UPDATE folders SET title = $1, modified_by = $2, modified_on = $3 WHERE id = $4`,
		title, actor, a.now(), id)
	if err != nil {
		return 0, fmt.Errorf("rename folder: %w", err)
	}
	return id, nil
}

// MoveFolder re-parents a folder, carrying its subtree into the
// destination's root.
func (a *Adapter) MoveFolder(ctx context.Context, id, destParentID int) (int, error) {
	start := time.Now()
	defer record("move_folder", start)

	err := database.InTx(ctx, a.db, func(tx *sql.Tx) error {
		return a.reparent(ctx, tx, id, destParentID)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (a *Adapter) reparent(ctx context.Context, tx *sql.Tx, id, destParentID int) error {
	var srcRoot, destRoot, folderType int
	err := tx.QueryRowContext(ctx, `SELECT root_id, folder_type FROM folders WHERE id = $1`, id).Scan(&srcRoot, &folderType)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("folder %d: %w", id, entry.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get folder: %w", err)
	}
	if entry.FolderType(folderType).IsRoot() {
		return fmt.Errorf("move root %d: %w", id, entry.ErrSecurityDenied)
	}
	err = tx.QueryRowContext(ctx, `SELECT root_id FROM folders WHERE id = $1`, destParentID).Scan(&destRoot)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("destination %d: %w", destParentID, entry.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get destination: %w", err)
	}

	idx, err := a.subtree(ctx, tx, srcRoot)
	if err != nil {
		return err
	}
	if srcRoot == destRoot && idx.IsAncestor(id, destParentID) {
		return fmt.Errorf("cannot move folder %d into itself", id)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE folders SET parent_id = $1, root_id = $2, modified_on = $3 WHERE id = $4`,
		destParentID, destRoot, a.now(), id); err != nil {
		return fmt.Errorf("move folder: %w", err)
	}
	if srcRoot != destRoot {
		desc := idx.Descendants(id)
		if len(desc) > 0 {
			args := append([]any{destRoot}, intArgs(desc)...)
			if _, err := tx.ExecContext(ctx,
				`UPDATE folders SET root_id = $1 WHERE id IN (`+placeholders(2, len(desc))+`)`, args...); err != nil {
				return fmt.Errorf("update subtree root: %w", err)
			}
		}
	}
	return nil
}

// CopyFolder copies a folder and everything below it.
func (a *Adapter) CopyFolder(ctx context.Context, id, destParentID int) (*entry.Folder[int], error) {
	src, err := a.GetFolder(ctx, id)
	if err != nil {
		return nil, err
	}
	dest, err := a.GetFolder(ctx, destParentID)
	if err != nil {
		return nil, err
	}
	if dest.RootFolderType == src.RootFolderType {
		parents, err := a.Parents(ctx, destParentID)
		if err != nil {
			return nil, err
		}
		for _, p := range parents {
			if p.ID == id {
				return nil, fmt.Errorf("cannot copy folder %d into itself", id)
			}
		}
	}

	newID, err := a.copyTree(ctx, src, destParentID)
	if err != nil {
		return nil, err
	}
	return a.GetFolder(ctx, newID)
}

func (a *Adapter) copyTree(ctx context.Context, src *entry.Folder[int], destParentID int) (int, error) {
	newID, err := a.CreateFolder(ctx, destParentID, src.Title, src.CreatedBy)
	if err != nil {
		return 0, err
	}
	files, err := a.ListFiles(ctx, src.ID, storage.Query{})
	if err != nil {
		return 0, err
	}
	for _, f := range files {
		if _, err := a.CopyFile(ctx, f.ID, newID); err != nil {
			return 0, err
		}
	}
	subs, err := a.ListFolders(ctx, src.ID, storage.Query{})
	if err != nil {
		return 0, err
	}
	for _, sub := range subs {
		if _, err := a.copyTree(ctx, sub, newID); err != nil {
			return 0, err
		}
	}
	return newID, nil
}

// DeleteFolder removes a folder, its subfolders and all their files for good.
func (a *Adapter) DeleteFolder(ctx context.Context, id int) error {
	start := time.Now()
	defer record("delete_folder", start)

	var blobKeys []string
	err := database.InTx(ctx, a.db, func(tx *sql.Tx) error {
		var rootID, folderType int
		err := tx.QueryRowContext(ctx, `SELECT root_id, folder_type FROM folders WHERE id = $1`, id).Scan(&rootID, &folderType)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("folder %d: %w", id, entry.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("get folder: %w", err)
		}
		if entry.FolderType(folderType).IsRoot() {
			return fmt.Errorf("delete root %d: %w", id, entry.ErrSecurityDenied)
		}
		idx, err := a.subtree(ctx, tx, rootID)
		if err != nil {
			return err
		}
		ids := append([]int{id}, idx.Descendants(id)...)
		in := placeholders(1, len(ids))

		rows, err := tx.QueryContext(ctx, `SELECT id, version FROM files WHERE folder_id IN (`+in+`)`, intArgs(ids)...)
		if err != nil {
			return fmt.Errorf("list subtree files: %w", err)
		}
		for rows.Next() {
			var fid, ver int
			if err := rows.Scan(&fid, &ver); err != nil {
				rows.Close()
				return err
			}
			blobKeys = append(blobKeys, content.VersionKey(fid, ver))
		}
		rows.Close()

		if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE folder_id IN (`+in+`)`, intArgs(ids)...); err != nil {
			return fmt.Errorf("delete subtree files: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM folders WHERE id IN (`+in+`)`, intArgs(ids)...); err != nil {
			return fmt.Errorf("delete subtree folders: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	a.deleteBlobs(ctx, blobKeys)
	logging.Debug("deleted folder", zap.Int("id", id), zap.Int("objects", len(blobKeys)))
	return nil
}

// MoveFolderToTrash moves a folder and its subtree into the actor's trash.
func (a *Adapter) MoveFolderToTrash(ctx context.Context, id int, actor string) error {
	trashID, err := a.EnsureRoot(ctx, entry.FolderTrash, actor)
	if err != nil {
		return err
	}
	return database.InTx(ctx, a.db, func(tx *sql.Tx) error {
		if err := a.reparent(ctx, tx, id, trashID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE folders SET modified_by = $1 WHERE id = $2`, actor, id)
		return err
	})
}

// IsEmpty reports whether a folder has no files and no subfolders.
func (a *Adapter) IsEmpty(ctx context.Context, id int) (bool, error) {
	f, err := a.GetFolder(ctx, id)
	if err != nil {
		return false, err
	}
	return f.TotalFiles == 0 && f.TotalSubFolders == 0, nil
}

func (a *Adapter) deleteBlobs(ctx context.Context, keys []string) {
	for _, k := range keys {
		if err := a.blobs.DeleteObject(ctx, k); err != nil {
			logging.Warn("failed to delete content object", zap.String("key", k), zap.Error(err))
		}
	}
}
