package local

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/docspace/internal/content"
	"github.com/fruitsalade/docspace/internal/database"
	"github.com/fruitsalade/docspace/internal/entry"
	"github.com/fruitsalade/docspace/internal/logging"
	"github.com/fruitsalade/docspace/internal/storage"
)

const fileColumns = `fl.id, fl.folder_id, fl.title, fl.version, fl.version_group, fl.content_length,
	fl.converted_type, fl.encrypted, fl.forcesave, fl.comment,
	fl.create_by, fl.create_on, fl.modified_by, fl.modified_on,
	r.folder_type, r.owner_id
	FROM files fl
	JOIN folders p ON p.id = fl.folder_id
	JOIN folders r ON r.id = p.root_id`

func scanFile(s scanner) (*entry.File[int], error) {
	var (
		f         entry.File[int]
		forcesave int
		rootType  int
		rootOwner string
	)
	if err := s.Scan(&f.ID, &f.FolderID, &f.Title, &f.Version, &f.VersionGroup, &f.ContentLength,
		&f.ConvertedType, &f.Encrypted, &forcesave, &f.Comment,
		&f.CreatedBy, &f.CreatedOn, &f.ModifiedBy, &f.ModifiedOn, &rootType, &rootOwner); err != nil {
		return nil, err
	}
	f.Forcesave = entry.ForcesaveType(forcesave)
	rootInfo(&f.EntryInfo, rootType, rootOwner)
	return &f, nil
}

func (a *Adapter) getFile(ctx context.Context, q database.Querier, id int) (*entry.File[int], error) {
	f, err := scanFile(q.QueryRowContext(ctx,
		`SELECT `+fileColumns+` WHERE fl.id = $1 AND fl.current_version = TRUE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("file %d: %w", id, entry.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get file %d: %w", id, err)
	}
	return f, nil
}

func (a *Adapter) queryFiles(ctx context.Context, q database.Querier, where string, args ...any) ([]*entry.File[int], error) {
	rows, err := q.QueryContext(ctx, `SELECT `+fileColumns+` WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	defer rows.Close()

	var out []*entry.File[int]
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// GetFile returns the current version of a file.
func (a *Adapter) GetFile(ctx context.Context, id int) (*entry.File[int], error) {
	start := time.Now()
	defer record("get_file", start)
	return a.getFile(ctx, a.db, id)
}

// GetFileVersion returns one stored version of a file.
func (a *Adapter) GetFileVersion(ctx context.Context, id int, version int) (*entry.File[int], error) {
	start := time.Now()
	defer record("get_file_version", start)

	f, err := scanFile(a.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` WHERE fl.id = $1 AND fl.version = $2`, id, version))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("file %d version %d: %w", id, version, entry.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get file version: %w", err)
	}
	return f, nil
}

// GetFiles returns the current versions of the existing files among ids.
func (a *Adapter) GetFiles(ctx context.Context, ids []int) ([]*entry.File[int], error) {
	if len(ids) == 0 {
		return nil, nil
	}
	start := time.Now()
	defer record("get_files", start)
	return a.queryFiles(ctx, a.db,
		`fl.current_version = TRUE AND fl.id IN (`+placeholders(1, len(ids))+`)`, intArgs(ids)...)
}

// ListFiles lists the files in parentID, or in its whole subtree when
// q.WithSubfolders is set.
func (a *Adapter) ListFiles(ctx context.Context, parentID int, q storage.Query) ([]*entry.File[int], error) {
	if q.Filter.ExcludesFiles() {
		return nil, nil
	}
	start := time.Now()
	defer record("list_files", start)

	folderIDs := []int{parentID}
	if q.WithSubfolders {
		rootID, err := a.rootID(ctx, a.db, parentID)
		if err != nil {
			return nil, err
		}
		idx, err := a.subtree(ctx, a.db, rootID)
		if err != nil {
			return nil, err
		}
		folderIDs = append(folderIDs, idx.Descendants(parentID)...)
	}

	files, err := a.queryFiles(ctx, a.db,
		`fl.current_version = TRUE AND fl.folder_id IN (`+placeholders(1, len(folderIDs))+`)`, intArgs(folderIDs)...)
	if err != nil {
		return nil, err
	}
	return storage.FilterFiles(files, q), nil
}

// RenameFile changes the title of the current version.
func (a *Adapter) RenameFile(ctx context.Context, id int, title, actor string) (int, error) {
	start := time.Now()
	defer record("rename_file", start)

	res, err := a.db.ExecContext(ctx,
		`UPDATE files SET title = $1, modified_by = $2, modified_on = $3 WHERE id = $4 AND current_version = TRUE`,
		title, actor, a.now(), id)
	if err != nil {
		return 0, fmt.Errorf("rename file: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("file %d: %w", id, entry.ErrNotFound)
	}
	return id, nil
}

// MoveFile moves every version of a file into destFolderID.
func (a *Adapter) MoveFile(ctx context.Context, id, destFolderID int) (int, error) {
	start := time.Now()
	defer record("move_file", start)

	if _, err := a.rootID(ctx, a.db, destFolderID); err != nil {
		return 0, err
	}
	res, err := a.db.ExecContext(ctx, `UPDATE files SET folder_id = $1 WHERE id = $2`, destFolderID, id)
	if err != nil {
		return 0, fmt.Errorf("move file: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("file %d: %w", id, entry.ErrNotFound)
	}
	return id, nil
}

// CopyFile copies the current version into destFolderID as a new file.
func (a *Adapter) CopyFile(ctx context.Context, id, destFolderID int) (*entry.File[int], error) {
	src, err := a.GetFile(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := a.rootID(ctx, a.db, destFolderID); err != nil {
		return nil, err
	}

	start := time.Now()
	defer record("copy_file", start)

	newID, err := a.nextFileID(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.blobs.CopyObject(ctx, content.VersionKey(src.ID, src.Version), content.VersionKey(newID, 1)); err != nil {
		return nil, fmt.Errorf("copy content: %w", err)
	}

	cp := *src
	cp.ID = newID
	cp.FolderID = destFolderID
	cp.Version = 1
	cp.VersionGroup = 1
	cp.Forcesave = entry.ForcesaveNone
	cp.CreatedOn = a.now()
	cp.ModifiedOn = cp.CreatedOn
	if err := a.insertVersion(ctx, a.db, &cp); err != nil {
		a.deleteBlobs(ctx, []string{content.VersionKey(newID, 1)})
		return nil, err
	}
	return a.GetFile(ctx, newID)
}

// DeleteFile removes every version of a file and its content.
func (a *Adapter) DeleteFile(ctx context.Context, id int) error {
	start := time.Now()
	defer record("delete_file", start)

	var keys []string
	err := database.InTx(ctx, a.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT version FROM files WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("list versions: %w", err)
		}
		for rows.Next() {
			var v int
			if err := rows.Scan(&v); err != nil {
				rows.Close()
				return err
			}
			keys = append(keys, content.VersionKey(id, v))
		}
		rows.Close()
		if len(keys) == 0 {
			return fmt.Errorf("file %d: %w", id, entry.ErrNotFound)
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM files WHERE id = $1`, id)
		return err
	})
	if err != nil {
		return err
	}
	a.deleteBlobs(ctx, keys)
	return nil
}

// MoveFileToTrash moves a file into the actor's trash.
func (a *Adapter) MoveFileToTrash(ctx context.Context, id int, actor string) error {
	trashID, err := a.EnsureRoot(ctx, entry.FolderTrash, actor)
	if err != nil {
		return err
	}
	start := time.Now()
	defer record("trash_file", start)

	res, err := a.db.ExecContext(ctx,
		`UPDATE files SET folder_id = $1, modified_by = $2 WHERE id = $3`, trashID, actor, id)
	if err != nil {
		return fmt.Errorf("trash file: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("file %d: %w", id, entry.ErrNotFound)
	}
	return nil
}

// OpenFile streams the content of f at f.Version.
func (a *Adapter) OpenFile(ctx context.Context, f *entry.File[int]) (io.ReadCloser, error) {
	rc, _, err := a.blobs.GetObject(ctx, content.VersionKey(f.ID, f.Version), 0, 0)
	if errors.Is(err, content.ErrObjectNotFound) {
		return nil, fmt.Errorf("content of file %d version %d: %w", f.ID, f.Version, entry.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return rc, nil
}

// SaveFile creates a file when f.ID is zero, otherwise stores a new current
// version numbered f.Version.
func (a *Adapter) SaveFile(ctx context.Context, f *entry.File[int], body io.Reader) (*entry.File[int], error) {
	start := time.Now()
	defer record("save_file", start)

	if f.ID == 0 {
		return a.createFile(ctx, f, body)
	}

	cur, err := a.getFile(ctx, a.db, f.ID)
	if err != nil {
		return nil, err
	}
	if f.Version <= cur.Version {
		return nil, fmt.Errorf("file %d: version %d is not newer than %d", f.ID, f.Version, cur.Version)
	}

	key := content.VersionKey(f.ID, f.Version)
	n, err := a.putContent(ctx, key, body)
	if err != nil {
		return nil, err
	}

	next := *cur
	next.Version = f.Version
	next.VersionGroup = f.VersionGroup
	next.ContentLength = n
	next.Forcesave = f.Forcesave
	next.Comment = f.Comment
	next.Encrypted = cur.Encrypted || f.Encrypted
	if f.Title != "" {
		next.Title = f.Title
	}
	next.CreatedBy = f.ModifiedBy
	next.CreatedOn = a.now()
	next.ModifiedBy = f.ModifiedBy
	next.ModifiedOn = next.CreatedOn

	err = database.InTx(ctx, a.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE files SET current_version = FALSE WHERE id = $1`, f.ID); err != nil {
			return fmt.Errorf("retire version: %w", err)
		}
		return a.insertVersion(ctx, tx, &next)
	})
	if err != nil {
		a.deleteBlobs(ctx, []string{key})
		return nil, err
	}
	logging.Debug("saved file version", zap.Int("id", f.ID), zap.Int("version", next.Version), zap.Int64("size", n))
	return a.GetFile(ctx, f.ID)
}

func (a *Adapter) createFile(ctx context.Context, f *entry.File[int], body io.Reader) (*entry.File[int], error) {
	if f.Title == "" {
		return nil, fmt.Errorf("file title is required")
	}
	if _, err := a.rootID(ctx, a.db, f.FolderID); err != nil {
		return nil, err
	}
	id, err := a.nextFileID(ctx)
	if err != nil {
		return nil, err
	}
	key := content.VersionKey(id, 1)
	n, err := a.putContent(ctx, key, body)
	if err != nil {
		return nil, err
	}

	nf := *f
	nf.ID = id
	nf.Version = 1
	nf.VersionGroup = 1
	nf.ContentLength = n
	nf.CreatedOn = a.now()
	nf.ModifiedOn = nf.CreatedOn
	if nf.ModifiedBy == "" {
		nf.ModifiedBy = nf.CreatedBy
	}
	if err := a.insertVersion(ctx, a.db, &nf); err != nil {
		a.deleteBlobs(ctx, []string{key})
		return nil, err
	}
	logging.Debug("created file", zap.Int("id", id), zap.Int("folder", f.FolderID), zap.Int64("size", n))
	return a.GetFile(ctx, id)
}

// ReplaceFileContent overwrites the content of the current version in place.
func (a *Adapter) ReplaceFileContent(ctx context.Context, f *entry.File[int], body io.Reader) (*entry.File[int], error) {
	start := time.Now()
	defer record("replace_file_content", start)

	cur, err := a.getFile(ctx, a.db, f.ID)
	if err != nil {
		return nil, err
	}
	n, err := a.putContent(ctx, content.VersionKey(cur.ID, cur.Version), body)
	if err != nil {
		return nil, err
	}
	_, err = a.db.ExecContext(ctx,
		`UPDATE files SET content_length = $1, forcesave = $2, modified_by = $3, modified_on = $4
		 WHERE id = $5 AND version = $6`,
		n, int(f.Forcesave), f.ModifiedBy, a.now(), cur.ID, cur.Version)
	if err != nil {
		return nil, fmt.Errorf("update file: %w", err)
	}
	return a.GetFile(ctx, f.ID)
}

// StorageUsed sums the current content length of files created by owner.
func (a *Adapter) StorageUsed(ctx context.Context, owner string) (int64, error) {
	start := time.Now()
	defer record("storage_used", start)

	var used int64
	err := a.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(content_length), 0) FROM files WHERE create_by = $1 AND current_version = TRUE`,
		owner).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("storage used: %w", err)
	}
	return used, nil
}

func (a *Adapter) nextFileID(ctx context.Context) (int, error) {
	var id int
	if err := a.db.QueryRowContext(ctx, `INSERT INTO file_ids DEFAULT VALUES RETURNING id`).Scan(&id); err != nil {
		return 0, fmt.Errorf("allocate file id: %w", err)
	}
	return id, nil
}

func (a *Adapter) insertVersion(ctx context.Context, q database.Querier, f *entry.File[int]) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO files (id, version, version_group, current_version, folder_id, title, content_length,
			converted_type, encrypted, forcesave, comment, create_by, create_on, modified_by, modified_on)
		 VALUES ($1, $2, $3, TRUE, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		f.ID, f.Version, f.VersionGroup, f.FolderID, f.Title, f.ContentLength,
		f.ConvertedType, f.Encrypted, int(f.Forcesave), f.Comment,
		f.CreatedBy, f.CreatedOn, f.ModifiedBy, f.ModifiedOn)
	if err != nil {
		return fmt.Errorf("insert file version: %w", err)
	}
	return nil
}

func (a *Adapter) putContent(ctx context.Context, key string, body io.Reader) (int64, error) {
	cr := &countingReader{r: body}
	if err := a.blobs.PutObject(ctx, key, cr, -1); err != nil {
		return 0, fmt.Errorf("store content: %w", err)
	}
	return cr.n, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
