package thirdparty_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/docspace/internal/database/dbtest"
	"github.com/fruitsalade/docspace/internal/entry"
	"github.com/fruitsalade/docspace/internal/retry"
	"github.com/fruitsalade/docspace/internal/storage"
	"github.com/fruitsalade/docspace/internal/storage/thirdparty"
	"github.com/fruitsalade/docspace/internal/storage/thirdparty/memclient"
)

type fixture struct {
	router *thirdparty.Router
	client *memclient.Client
	mount  *thirdparty.Mount
}

func newFixture(t *testing.T, opts thirdparty.Options) *fixture {
	t.Helper()
	ctx := context.Background()
	client := memclient.New()
	if opts.Timeout == 0 {
		opts.Timeout = time.Second
	}
	r, err := thirdparty.NewRouter(ctx, thirdparty.NewMountStore(dbtest.New(t)),
		thirdparty.Factories{"memory": memclient.Shared(client)}, opts)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	m, err := r.Register(ctx, &thirdparty.Mount{
		ProviderKey:    entry.ProviderGoogleDrive,
		Title:          "Drive",
		OwnerID:        "u1",
		RootFolderType: entry.RootUser,
		FolderID:       7,
		BackendType:    "memory",
	})
	require.NoError(t, err)
	return &fixture{router: r, client: client, mount: m}
}

func (f *fixture) id(p string) string { return thirdparty.MakeID(f.mount.ProviderKey, f.mount.ID, p) }

func TestRouterBrowse(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, thirdparty.Options{CacheTTL: time.Minute})
	f.client.WriteFile("Reports/q1.docx", []byte("q1"))
	f.client.WriteFile("Reports/q2.xlsx", []byte("q2!"))
	f.client.WriteFile("notes.txt", []byte("n"))

	root, err := f.router.GetFolder(ctx, f.mount.RootID())
	require.NoError(t, err)
	assert.Equal(t, "Drive", root.Title)
	assert.Equal(t, "7", root.ParentID)
	assert.Equal(t, 1, root.TotalFiles)
	assert.Equal(t, 1, root.TotalSubFolders)
	assert.Equal(t, entry.ProviderGoogleDrive, root.ProviderKey)

	folders, err := f.router.ListFolders(ctx, f.mount.RootID(), storage.Query{})
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, f.id("Reports"), folders[0].ID)

	files, err := f.router.ListFiles(ctx, f.mount.RootID(), storage.Query{WithSubfolders: true})
	require.NoError(t, err)
	assert.Len(t, files, 3)

	docs, err := f.router.ListFiles(ctx, f.id("Reports"), storage.Query{Filter: entry.FilterDocumentsOnly})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "q1.docx", docs[0].Title)

	chain, err := f.router.Parents(ctx, f.id("Reports"))
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, f.mount.RootID(), chain[0].ID)
}

func TestRouterWritesInvalidateCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, thirdparty.Options{CacheTTL: time.Hour})

	empty, err := f.router.IsEmpty(ctx, f.mount.RootID())
	require.NoError(t, err)
	assert.True(t, empty)

	saved, err := f.router.SaveFile(ctx, &entry.File[string]{
		EntryInfo: entry.EntryInfo{Title: "new.docx"},
		FolderID:  f.mount.RootID(),
	}, strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, f.id("new.docx"), saved.ID)
	assert.EqualValues(t, 5, saved.ContentLength)

	empty, err = f.router.IsEmpty(ctx, f.mount.RootID())
	require.NoError(t, err)
	assert.False(t, empty, "listing must not be served stale after a write")

	renamed, err := f.router.RenameFile(ctx, saved.ID, "renamed.docx", "u1")
	require.NoError(t, err)
	assert.Equal(t, f.id("renamed.docx"), renamed)
	_, err = f.router.GetFile(ctx, saved.ID)
	assert.ErrorIs(t, err, entry.ErrNotFound)

	file, err := f.router.GetFile(ctx, renamed)
	require.NoError(t, err)
	rc, err := f.router.OpenFile(ctx, file)
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "hello", string(data))
}

func TestRouterMoveCopyDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, thirdparty.Options{})
	f.client.WriteFile("a/x.txt", []byte("x"))

	dir, err := f.router.CreateFolder(ctx, f.mount.RootID(), "b", "u1")
	require.NoError(t, err)

	_, err = f.router.MoveFolder(ctx, f.id("a"), f.id("a/sub"))
	assert.Error(t, err)

	cp, err := f.router.CopyFolder(ctx, f.id("a"), dir)
	require.NoError(t, err)
	assert.Equal(t, f.id("b/a"), cp.ID)
	assert.True(t, f.client.Exists("b/a/x.txt"))

	moved, err := f.router.MoveFile(ctx, f.id("a/x.txt"), dir)
	require.NoError(t, err)
	assert.Equal(t, f.id("b/x.txt"), moved)
	assert.False(t, f.client.Exists("a/x.txt"))

	require.NoError(t, f.router.DeleteFolder(ctx, dir))
	assert.False(t, f.client.Exists("b/a/x.txt"))

	assert.ErrorIs(t, f.router.MoveFileToTrash(ctx, f.id("a"), "u1"), storage.ErrTrashUnsupported)
	assert.False(t, f.router.UseTrashForRemove(&entry.File[string]{}))

	_, err = f.router.MoveFile(ctx, f.id("a"), "Box-99-x")
	assert.ErrorIs(t, err, storage.ErrCrossAdapter)
}

func TestRouterProviderErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, thirdparty.Options{Retries: 2})
	f.client.WriteFile("doc.docx", []byte("x"))
	f.client.FailPath("doc.docx", errors.New("quota exhausted"))

	_, err := f.router.GetFile(ctx, f.id("doc.docx"))
	var pe *entry.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, entry.ProviderGoogleDrive, pe.Provider)
	assert.Contains(t, err.Error(), "quota exhausted")
	assert.Equal(t, entry.CodeProviderError, entry.Code(err))

	f.client.FailPath("doc.docx", retry.Retryable(errors.New("throttled")))
	_, err = f.router.GetFile(ctx, f.id("doc.docx"))
	require.Error(t, err)
	assert.False(t, retry.IsRetryable(err), "retry marker is stripped")

	f.client.FailPath("doc.docx", nil)
	_, err = f.router.GetFile(ctx, f.id("missing.docx"))
	assert.ErrorIs(t, err, entry.ErrNotFound)
}

func TestMountRootsFallBackToRegistration(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, thirdparty.Options{})

	roots, err := f.router.MountRoots(ctx, 7)
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.Equal(t, "Drive", roots[0].Title)

	f.client.SetDown(errors.New("connection refused"))
	roots, err = f.router.MountRoots(ctx, 7)
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.Equal(t, f.mount.RootID(), roots[0].ID)
	assert.Equal(t, "u1", roots[0].CreatedBy)
	assert.Equal(t, entry.ProviderGoogleDrive, roots[0].ProviderKey)

	none, err := f.router.MountRoots(ctx, 8)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRootRenameAndDisconnect(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, thirdparty.Options{})

	id, err := f.router.RenameFolder(ctx, f.mount.RootID(), "Work Drive", "u1")
	require.NoError(t, err)
	assert.Equal(t, f.mount.RootID(), id)
	root, err := f.router.GetFolder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Work Drive", root.Title)

	require.NoError(t, f.router.DeleteFolder(ctx, f.mount.RootID()))
	_, err = f.router.GetFolder(ctx, f.mount.RootID())
	assert.ErrorIs(t, err, entry.ErrNotFound)
	mounts, err := f.router.Mounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, mounts)
}

func TestMaxUploadSize(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, thirdparty.Options{MaxUploadSize: 100})
	f.client.SetMaxUploadSize(1000)

	single, err := f.router.MaxUploadSize(ctx, f.mount.RootID(), false)
	require.NoError(t, err)
	assert.EqualValues(t, 100, single)

	chunked, err := f.router.MaxUploadSize(ctx, f.mount.RootID(), true)
	require.NoError(t, err)
	assert.EqualValues(t, 1000, chunked)
}
