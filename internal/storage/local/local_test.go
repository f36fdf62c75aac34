package local

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	blobstore "github.com/fruitsalade/docspace/internal/content/local"
	"github.com/fruitsalade/docspace/internal/database/dbtest"
	"github.com/fruitsalade/docspace/internal/entry"
	"github.com/fruitsalade/docspace/internal/storage"
)

func newAdapter(t *testing.T) *Adapter {
	t.Helper()
	blobs, err := blobstore.New(blobstore.Config{RootPath: filepath.Join(t.TempDir(), "blobs"), CreateDirs: true})
	require.NoError(t, err)
	return New(dbtest.New(t), blobs, Config{MaxUploadSize: 10 << 20, ChunkedMaxUploadSize: 100 << 20, UseTrash: true})
}

func saveText(t *testing.T, a *Adapter, folderID int, title, body string) *entry.File[int] {
	t.Helper()
	f, err := a.SaveFile(context.Background(), &entry.File[int]{
		EntryInfo: entry.EntryInfo{Title: title, CreatedBy: "u1", ModifiedBy: "u1"},
		FolderID:  folderID,
	}, strings.NewReader(body))
	require.NoError(t, err)
	return f
}

func readAll(t *testing.T, a *Adapter, f *entry.File[int]) string {
	t.Helper()
	rc, err := a.OpenFile(context.Background(), f)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestEnsureRootIsIdempotent(t *testing.T) {
	ctx := context.Background()
	a := newAdapter(t)

	my1, err := a.EnsureRoot(ctx, entry.FolderUser, "u1")
	require.NoError(t, err)
	my2, err := a.EnsureRoot(ctx, entry.FolderUser, "u1")
	require.NoError(t, err)
	assert.Equal(t, my1, my2)

	other, err := a.EnsureRoot(ctx, entry.FolderUser, "u2")
	require.NoError(t, err)
	assert.NotEqual(t, my1, other)

	common1, err := a.EnsureRoot(ctx, entry.FolderCommon, "u1")
	require.NoError(t, err)
	common2, err := a.EnsureRoot(ctx, entry.FolderCommon, "u2")
	require.NoError(t, err)
	assert.Equal(t, common1, common2, "common root is shared")

	_, err = a.EnsureRoot(ctx, entry.FolderDefault, "u1")
	assert.Error(t, err)

	root, err := a.GetFolder(ctx, my1)
	require.NoError(t, err)
	assert.Equal(t, entry.RootUser, root.RootFolderType)
	assert.Equal(t, "u1", root.RootCreatedBy)
}

func TestCreateListAndParents(t *testing.T) {
	ctx := context.Background()
	a := newAdapter(t)
	my, err := a.EnsureRoot(ctx, entry.FolderUser, "u1")
	require.NoError(t, err)

	docs, err := a.CreateFolder(ctx, my, "Docs", "u1")
	require.NoError(t, err)
	sub, err := a.CreateFolder(ctx, docs, "Sub", "u1")
	require.NoError(t, err)
	saveText(t, a, docs, "a.docx", "aaa")
	saveText(t, a, sub, "b.xlsx", "bb")

	folders, err := a.ListFolders(ctx, my, storage.Query{})
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, "Docs", folders[0].Title)
	assert.Equal(t, 1, folders[0].TotalFiles)
	assert.Equal(t, 1, folders[0].TotalSubFolders)
	assert.Equal(t, entry.RootUser, folders[0].RootFolderType)

	files, err := a.ListFiles(ctx, docs, storage.Query{})
	require.NoError(t, err)
	assert.Len(t, files, 1)

	deep, err := a.ListFiles(ctx, docs, storage.Query{WithSubfolders: true})
	require.NoError(t, err)
	assert.Len(t, deep, 2)

	sheets, err := a.ListFiles(ctx, docs, storage.Query{WithSubfolders: true, Filter: entry.FilterSpreadsheetsOnly})
	require.NoError(t, err)
	require.Len(t, sheets, 1)
	assert.Equal(t, "b.xlsx", sheets[0].Title)

	chain, err := a.Parents(ctx, sub)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, my, chain[0].ID)
	assert.Equal(t, sub, chain[2].ID)
}

func TestSaveFileVersions(t *testing.T) {
	ctx := context.Background()
	a := newAdapter(t)
	my, err := a.EnsureRoot(ctx, entry.FolderUser, "u1")
	require.NoError(t, err)

	f := saveText(t, a, my, "report.docx", "v1")
	assert.Equal(t, 1, f.Version)
	assert.EqualValues(t, 2, f.ContentLength)

	next := *f
	next.Version = 2
	next.VersionGroup = 2
	next.ModifiedBy = "u2"
	saved, err := a.SaveFile(ctx, &next, strings.NewReader("version two"))
	require.NoError(t, err)
	assert.Equal(t, 2, saved.Version)
	assert.Equal(t, 2, saved.VersionGroup)
	assert.Equal(t, "u2", saved.ModifiedBy)
	assert.Equal(t, "version two", readAll(t, a, saved))

	old, err := a.GetFileVersion(ctx, f.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "v1", readAll(t, a, old))

	stale := *f
	_, err = a.SaveFile(ctx, &stale, strings.NewReader("x"))
	assert.Error(t, err, "saving an older version number must fail")

	files, err := a.ListFiles(ctx, my, storage.Query{})
	require.NoError(t, err)
	assert.Len(t, files, 1, "only the current version is listed")

	replaced, err := a.ReplaceFileContent(ctx, &entry.File[int]{ID: f.ID, EntryInfo: entry.EntryInfo{ModifiedBy: "u1"}, Forcesave: entry.ForcesaveSystem}, strings.NewReader("forced"))
	require.NoError(t, err)
	assert.Equal(t, 2, replaced.Version)
	assert.Equal(t, entry.ForcesaveSystem, replaced.Forcesave)
	assert.Equal(t, "forced", readAll(t, a, replaced))
}

func TestMoveCopyAndDelete(t *testing.T) {
	ctx := context.Background()
	a := newAdapter(t)
	my, err := a.EnsureRoot(ctx, entry.FolderUser, "u1")
	require.NoError(t, err)
	common, err := a.EnsureRoot(ctx, entry.FolderCommon, "")
	require.NoError(t, err)

	src, err := a.CreateFolder(ctx, my, "Src", "u1")
	require.NoError(t, err)
	inner, err := a.CreateFolder(ctx, src, "Inner", "u1")
	require.NoError(t, err)
	saveText(t, a, inner, "deep.txt", "deep")

	_, err = a.MoveFolder(ctx, src, inner)
	assert.Error(t, err, "a folder cannot move below itself")

	_, err = a.MoveFolder(ctx, src, common)
	require.NoError(t, err)
	moved, err := a.GetFolder(ctx, inner)
	require.NoError(t, err)
	assert.Equal(t, entry.RootCommon, moved.RootFolderType, "subtree follows its new root")

	cp, err := a.CopyFolder(ctx, src, my)
	require.NoError(t, err)
	assert.Equal(t, "Src", cp.Title)
	copied, err := a.ListFiles(ctx, cp.ID, storage.Query{WithSubfolders: true})
	require.NoError(t, err)
	require.Len(t, copied, 1)
	assert.Equal(t, "deep", readAll(t, a, copied[0]))

	require.NoError(t, a.DeleteFolder(ctx, src))
	_, err = a.GetFolder(ctx, inner)
	assert.True(t, errors.Is(err, entry.ErrNotFound))

	still, err := a.ListFiles(ctx, cp.ID, storage.Query{WithSubfolders: true})
	require.NoError(t, err)
	assert.Len(t, still, 1, "copy is independent of the deleted source")
}

func TestTrash(t *testing.T) {
	ctx := context.Background()
	a := newAdapter(t)
	my, err := a.EnsureRoot(ctx, entry.FolderUser, "u1")
	require.NoError(t, err)
	f := saveText(t, a, my, "old.txt", "x")

	assert.True(t, a.UseTrashForRemove(f))
	require.NoError(t, a.MoveFileToTrash(ctx, f.ID, "u1"))

	trashed, err := a.GetFile(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.RootTrash, trashed.RootFolderType)
	assert.False(t, a.UseTrashForRemove(trashed), "trashed entries are removed for good")

	require.NoError(t, a.DeleteFile(ctx, f.ID))
	_, err = a.GetFile(ctx, f.ID)
	assert.ErrorIs(t, err, entry.ErrNotFound)
	assert.ErrorIs(t, a.DeleteFile(ctx, f.ID), entry.ErrNotFound)
}

func TestMaxUploadSize(t *testing.T) {
	a := newAdapter(t)
	single, err := a.MaxUploadSize(context.Background(), 0, false)
	require.NoError(t, err)
	chunked, err := a.MaxUploadSize(context.Background(), 0, true)
	require.NoError(t, err)
	assert.EqualValues(t, 10<<20, single)
	assert.EqualValues(t, 100<<20, chunked)
}

func TestStorageUsed(t *testing.T) {
	ctx := context.Background()
	a := newAdapter(t)
	my, err := a.EnsureRoot(ctx, entry.FolderUser, "u1")
	require.NoError(t, err)
	saveText(t, a, my, "a.txt", "12345")
	saveText(t, a, my, "b.txt", "123")

	used, err := a.StorageUsed(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 8, used)
}
