package transfer_test

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	blobstore "github.com/fruitsalade/docspace/internal/content/local"
	"github.com/fruitsalade/docspace/internal/database/dbtest"
	"github.com/fruitsalade/docspace/internal/entry"
	"github.com/fruitsalade/docspace/internal/storage"
	"github.com/fruitsalade/docspace/internal/storage/local"
	"github.com/fruitsalade/docspace/internal/storage/thirdparty"
	"github.com/fruitsalade/docspace/internal/storage/thirdparty/memclient"
	"github.com/fruitsalade/docspace/internal/transfer"
)

type env struct {
	local  *local.Adapter
	router *thirdparty.Router
	drive  *memclient.Client
	mount  *thirdparty.Mount
	my     int
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	db := dbtest.New(t)
	blobs, err := blobstore.New(blobstore.Config{RootPath: filepath.Join(t.TempDir(), "blobs"), CreateDirs: true})
	require.NoError(t, err)
	la := local.New(db, blobs, local.Config{MaxUploadSize: 1 << 20, ChunkedMaxUploadSize: 1 << 20, UseTrash: true})
	my, err := la.EnsureRoot(ctx, entry.FolderUser, "u1")
	require.NoError(t, err)

	drive := memclient.New()
	router, err := thirdparty.NewRouter(ctx, thirdparty.NewMountStore(db),
		thirdparty.Factories{"memory": memclient.Shared(drive)}, thirdparty.Options{Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { router.Close() })
	m, err := router.Register(ctx, &thirdparty.Mount{
		ProviderKey: entry.ProviderGoogleDrive, Title: "Drive", OwnerID: "u1",
		RootFolderType: entry.RootUser, FolderID: my, BackendType: "memory",
	})
	require.NoError(t, err)
	return &env{local: la, router: router, drive: drive, mount: m, my: my}
}

func (e *env) save(t *testing.T, folder int, title, body string) *entry.File[int] {
	t.Helper()
	f, err := e.local.SaveFile(context.Background(), &entry.File[int]{
		EntryInfo: entry.EntryInfo{Title: title, CreatedBy: "u1", ModifiedBy: "u1"},
		FolderID:  folder,
	}, strings.NewReader(body))
	require.NoError(t, err)
	return f
}

func TestCopyFilesToProviderWithFailure(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	files := []*entry.File[int]{
		e.save(t, e.my, "a.docx", "aaa"),
		e.save(t, e.my, "b.docx", "bbb"),
		e.save(t, e.my, "c.docx", "ccc"),
	}
	e.drive.FailPath("c.docx", errors.New("storage quota exceeded"))

	c := transfer.New[int, string](e.local, e.router, 4)
	var created []string
	var failures []error
	for _, f := range files {
		res := c.CopyFile(ctx, f.ID, e.mount.RootID())
		created = append(created, res.Created...)
		if res.Err != nil {
			failures = append(failures, res.Err)
		}
	}

	assert.Len(t, created, 2)
	require.Len(t, failures, 1)
	var pe *entry.ProviderError
	require.ErrorAs(t, failures[0], &pe)
	assert.Contains(t, pe.Error(), "storage quota exceeded")

	data, ok := e.drive.ReadFile("a.docx")
	require.True(t, ok)
	assert.Equal(t, "aaa", string(data))
	assert.False(t, e.drive.Exists("c.docx"))

	for _, f := range files {
		_, err := e.local.GetFile(ctx, f.ID)
		assert.NoError(t, err, "copy leaves sources untouched")
	}
}

func TestMoveFolderKeepsSourceOnFailure(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	reports, err := e.local.CreateFolder(ctx, e.my, "Reports", "u1")
	require.NoError(t, err)
	sub, err := e.local.CreateFolder(ctx, reports, "2024", "u1")
	require.NoError(t, err)
	e.save(t, reports, "summary.docx", "s")
	e.save(t, sub, "q1.xlsx", "q1")
	e.drive.FailPath("Reports/2024/q1.xlsx", errors.New("upload rejected"))

	c := transfer.New[int, string](e.local, e.router, 0)
	var moved int
	c.OnMoved = func(context.Context, entry.Key, entry.Key) { moved++ }

	res := c.MoveFolder(ctx, reports, e.mount.RootID())
	require.Error(t, res.Err)
	assert.Zero(t, moved)

	_, err = e.local.GetFolder(ctx, reports)
	require.NoError(t, err, "source survives a partial move")
	left, err := e.local.ListFiles(ctx, reports, storage.Query{WithSubfolders: true})
	require.NoError(t, err)
	assert.Len(t, left, 2)

	assert.True(t, e.drive.Exists("Reports/summary.docx"), "what arrived stays")
	assert.NotEmpty(t, res.Created)

	var failed []entry.Key
	for _, it := range res.Items {
		if it.Err != nil {
			failed = append(failed, it.Source)
		}
	}
	assert.Len(t, failed, 1)
}

func TestMoveFolderFromProvider(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.drive.WriteFile("Photos/a.png", []byte("png"))
	e.drive.WriteFile("Photos/raw/b.png", []byte("raw"))

	c := transfer.New[string, int](e.router, e.local, 0)
	var moves []entry.Key
	c.OnMoved = func(_ context.Context, from, to entry.Key) { moves = append(moves, from) }

	src := thirdparty.MakeID(e.mount.ProviderKey, e.mount.ID, "Photos")
	res := c.MoveFolder(ctx, src, e.my)
	require.NoError(t, res.Err)
	assert.False(t, e.drive.Exists("Photos"))
	assert.Len(t, moves, 4)

	folder, err := e.local.GetFolder(ctx, res.Root)
	require.NoError(t, err)
	assert.Equal(t, "Photos", folder.Title)

	files, err := e.local.ListFiles(ctx, res.Root, storage.Query{WithSubfolders: true})
	require.NoError(t, err)
	require.Len(t, files, 2)
	for _, f := range files {
		rc, err := e.local.OpenFile(ctx, f)
		require.NoError(t, err)
		data, _ := io.ReadAll(rc)
		rc.Close()
		assert.NotEmpty(t, data)
	}
}

func TestCopyRespectsUploadLimit(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	f := e.save(t, e.my, "big.docx", strings.Repeat("x", 64))
	e.drive.SetMaxUploadSize(10)

	res := transfer.New[int, string](e.local, e.router, 0).CopyFile(ctx, f.ID, e.mount.RootID())
	assert.ErrorIs(t, res.Err, transfer.ErrTooLarge)
	assert.Empty(t, res.Created)
}

func TestCancelledTransferStops(t *testing.T) {
	e := newEnv(t)
	folder, err := e.local.CreateFolder(context.Background(), e.my, "Docs", "u1")
	require.NoError(t, err)
	e.save(t, folder, "a.txt", "a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := transfer.New[int, string](e.local, e.router, 0).MoveFolder(ctx, folder, e.mount.RootID())
	assert.ErrorIs(t, res.Err, context.Canceled)
	_, err = e.local.GetFolder(context.Background(), folder)
	assert.NoError(t, err)
}
