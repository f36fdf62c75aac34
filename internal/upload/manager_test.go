package upload_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	blobstore "github.com/fruitsalade/docspace/internal/content/local"
	"github.com/fruitsalade/docspace/internal/database/dbtest"
	"github.com/fruitsalade/docspace/internal/entry"
	"github.com/fruitsalade/docspace/internal/quota"
	"github.com/fruitsalade/docspace/internal/security"
	"github.com/fruitsalade/docspace/internal/sharing"
	"github.com/fruitsalade/docspace/internal/storage/local"
	"github.com/fruitsalade/docspace/internal/upload"
)

var (
	alice = security.Actor{ID: "alice"}
	bob   = security.Actor{ID: "bob"}
)

type marks struct{ keys []entry.Key }

func (m *marks) MarkNew(_ context.Context, _ security.Actor, key entry.Key) {
	m.keys = append(m.keys, key)
}

type env struct {
	mgr    *upload.Manager
	local  *local.Adapter
	quotas *quota.Store
	marks  *marks
	tmp    string
	now    time.Time
	my     int
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	db := dbtest.New(t)
	blobs, err := blobstore.New(blobstore.Config{RootPath: filepath.Join(t.TempDir(), "blobs"), CreateDirs: true})
	require.NoError(t, err)

	e := &env{marks: &marks{}, tmp: t.TempDir(), now: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)}
	e.local = local.New(db, blobs, local.Config{MaxUploadSize: 10, ChunkedMaxUploadSize: 100, UseTrash: true})
	e.quotas = quota.NewStore(db, e.local, 0)
	e.my, err = e.local.EnsureRoot(ctx, entry.FolderUser, alice.ID)
	require.NoError(t, err)

	e.mgr, err = upload.NewManager(upload.Deps{
		Local:    e.local,
		Security: security.NewFilter(sharing.NewPermissionStore(db), security.Tree{Local: e.local}),
		Quota:    e.quotas,
		Marker:   e.marks,
	}, upload.Config{TempDir: e.tmp, TTL: time.Hour})
	require.NoError(t, err)
	e.mgr.SetClock(func() time.Time { return e.now })
	return e
}

func TestChunkedUpload(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	s, err := e.mgr.Create(ctx, alice, entry.LocalRef(e.my), "big.txt", 12, true)
	require.NoError(t, err)
	assert.Len(t, e.mgr.List(alice), 1)
	assert.Empty(t, e.mgr.List(bob))

	_, err = e.mgr.Complete(ctx, alice, s.ID)
	assert.ErrorIs(t, err, upload.ErrIncomplete)

	for _, chunk := range []string{"hello ", "world!"} {
		s, err = e.mgr.Append(ctx, alice, s.ID, strings.NewReader(chunk))
		require.NoError(t, err)
	}
	assert.Equal(t, int64(12), s.BytesUploaded)

	key, err := e.mgr.Complete(ctx, alice, s.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.TypeFile, key.Type)
	assert.Equal(t, []entry.Key{key}, e.marks.keys)

	id, err := entry.ParseID[int](key.ID)
	require.NoError(t, err)
	f, err := e.local.GetFile(ctx, id)
	require.NoError(t, err)
	rc, err := e.local.OpenFile(ctx, f)
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello world!", string(body))

	_, err = e.mgr.Get(alice, s.ID)
	assert.ErrorIs(t, err, upload.ErrSessionNotFound)
	left, _ := os.ReadDir(e.tmp)
	assert.Empty(t, left)
}

func TestAppendRejectsOverflow(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	s, err := e.mgr.Create(ctx, alice, entry.LocalRef(e.my), "a.txt", 4, true)
	require.NoError(t, err)

	_, err = e.mgr.Append(ctx, alice, s.ID, strings.NewReader("abc"))
	require.NoError(t, err)
	_, err = e.mgr.Append(ctx, alice, s.ID, strings.NewReader("de"))
	assert.ErrorIs(t, err, upload.ErrOverflow)

	got, err := e.mgr.Get(alice, s.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.BytesUploaded)
}

func TestCreateChecksLimitsAndRights(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	folder := entry.LocalRef(e.my)

	_, err := e.mgr.Create(ctx, alice, folder, "a.txt", 11, false)
	assert.ErrorIs(t, err, entry.ErrQuotaExceeded, "single request limit")
	_, err = e.mgr.Create(ctx, alice, folder, "a.txt", 11, true)
	assert.NoError(t, err, "chunked uploads take the larger limit")

	require.NoError(t, e.quotas.Set(ctx, &quota.Quota{Owner: alice.ID, MaxStorageBytes: 20}))
	_, err = e.mgr.Create(ctx, alice, folder, "b.txt", 21, true)
	assert.ErrorIs(t, err, entry.ErrQuotaExceeded, "storage quota")

	_, err = e.mgr.Create(ctx, bob, folder, "c.txt", 1, true)
	assert.ErrorIs(t, err, entry.ErrSecurityDenied)

	_, err = e.mgr.Create(ctx, alice, entry.LocalRef(9999), "d.txt", 1, true)
	assert.ErrorIs(t, err, entry.ErrNotFound)

	_, err = e.mgr.Create(ctx, alice, entry.RemoteRef("GoogleDrive-1|/"), "e.txt", 1, true)
	assert.ErrorIs(t, err, entry.ErrNotFound, "no mounts configured")
}

func TestSessionsAreOwned(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	s, err := e.mgr.Create(ctx, alice, entry.LocalRef(e.my), "a.txt", 2, true)
	require.NoError(t, err)

	_, err = e.mgr.Append(ctx, bob, s.ID, strings.NewReader("x"))
	assert.ErrorIs(t, err, upload.ErrSessionNotFound)
	assert.ErrorIs(t, e.mgr.Abort(bob, s.ID), upload.ErrSessionNotFound)

	require.NoError(t, e.mgr.Abort(alice, s.ID))
	_, err = e.mgr.Get(alice, s.ID)
	assert.ErrorIs(t, err, upload.ErrSessionNotFound)
}

func TestCleanupDropsExpiredSessions(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	old, err := e.mgr.Create(ctx, alice, entry.LocalRef(e.my), "old.txt", 2, true)
	require.NoError(t, err)

	e.now = e.now.Add(40 * time.Minute)
	fresh, err := e.mgr.Create(ctx, alice, entry.LocalRef(e.my), "new.txt", 2, true)
	require.NoError(t, err)

	e.now = e.now.Add(30 * time.Minute)
	_, err = e.mgr.Append(ctx, alice, old.ID, strings.NewReader("x"))
	assert.ErrorIs(t, err, upload.ErrSessionNotFound)

	assert.Equal(t, 1, e.mgr.Cleanup())
	_, err = e.mgr.Get(alice, fresh.ID)
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(e.tmp, old.ID+".part"))
	assert.True(t, os.IsNotExist(err))
}
