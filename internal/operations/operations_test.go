package operations_test

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/docspace/internal/aggregate"
	blobstore "github.com/fruitsalade/docspace/internal/content/local"
	"github.com/fruitsalade/docspace/internal/database/dbtest"
	"github.com/fruitsalade/docspace/internal/entry"
	"github.com/fruitsalade/docspace/internal/events"
	"github.com/fruitsalade/docspace/internal/operations"
	"github.com/fruitsalade/docspace/internal/security"
	"github.com/fruitsalade/docspace/internal/sharing"
	"github.com/fruitsalade/docspace/internal/storage"
	"github.com/fruitsalade/docspace/internal/storage/local"
	"github.com/fruitsalade/docspace/internal/storage/thirdparty"
	"github.com/fruitsalade/docspace/internal/storage/thirdparty/memclient"
	"github.com/fruitsalade/docspace/internal/tags"
)

var (
	alice = security.Actor{ID: "alice"}
	bob   = security.Actor{ID: "bob"}
)

// gate blocks IsEditing until opened, so tests can hold an operation
// inside its first item.
type gate struct {
	once    sync.Once
	entered chan struct{}
	open    chan struct{}
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}), open: make(chan struct{})}
}

func (g *gate) IsEditing(entry.Key) bool {
	g.once.Do(func() { close(g.entered) })
	<-g.open
	return false
}

type env struct {
	mgr    *operations.Manager
	engine *aggregate.Engine
	local  *local.Adapter
	router *thirdparty.Router
	drive  *memclient.Client
	perms  *sharing.PermissionStore
	tags   *tags.MemoryStore
	bus    *events.Broadcaster
	my     int
}

func newEnv(t *testing.T, editing operations.EditingIndex, workers int) *env {
	t.Helper()
	ctx := context.Background()
	db := dbtest.New(t)
	blobs, err := blobstore.New(blobstore.Config{RootPath: filepath.Join(t.TempDir(), "blobs"), CreateDirs: true})
	require.NoError(t, err)

	e := &env{}
	e.local = local.New(db, blobs, local.Config{MaxUploadSize: 1 << 20, ChunkedMaxUploadSize: 1 << 20, UseTrash: true})
	e.drive = memclient.New()
	e.router, err = thirdparty.NewRouter(ctx, thirdparty.NewMountStore(db),
		thirdparty.Factories{"memory": memclient.Shared(e.drive)}, thirdparty.Options{Timeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { e.router.Close() })

	e.perms = sharing.NewPermissionStore(db)
	e.tags = tags.NewMemoryStore()
	e.bus = events.NewBroadcaster()
	filter := security.NewFilter(e.perms, security.Tree{Local: e.local, Remote: e.router})
	e.engine = &aggregate.Engine{Local: e.local, Remote: e.router, Mounts: e.router, Security: filter, Tags: e.tags}
	e.mgr = operations.NewManager(operations.Deps{
		Local:    e.local,
		Remote:   e.router,
		Security: filter,
		Tags:     e.tags,
		Editing:  editing,
		Grants:   e.perms,
		Events:   e.bus,
	}, operations.Config{Workers: workers})
	t.Cleanup(e.mgr.Close)

	e.my, err = e.local.EnsureRoot(ctx, entry.FolderUser, alice.ID)
	require.NoError(t, err)
	return e
}

func (e *env) save(t *testing.T, folder int, title, owner string) *entry.File[int] {
	t.Helper()
	f, err := e.local.SaveFile(context.Background(), &entry.File[int]{
		EntryInfo: entry.EntryInfo{Title: title, CreatedBy: owner, ModifiedBy: owner},
		FolderID:  folder,
	}, strings.NewReader(title))
	require.NoError(t, err)
	return f
}

func (e *env) folder(t *testing.T, parent int, title string) int {
	t.Helper()
	id, err := e.local.CreateFolder(context.Background(), parent, title, alice.ID)
	require.NoError(t, err)
	return id
}

func wait(t *testing.T, m *operations.Manager, st operations.Status) operations.Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := m.Wait(ctx, st.ID)
	require.NoError(t, err)
	return out
}

func titles(entries []entry.Entry) []string {
	out := make([]string, len(entries))
	for i, en := range entries {
		out[i] = en.Info().Title
	}
	return out
}

func TestDeleteFolderMovesItToTrash(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, 2)
	reports := e.folder(t, e.my, "Reports")
	e.save(t, reports, "a.docx", alice.ID)
	e.folder(t, reports, "2024")

	st, err := e.mgr.Delete(alice, []entry.Key{entry.FolderKey(reports)}, operations.DeleteOptions{})
	require.NoError(t, err)
	st = wait(t, e.mgr, st)
	require.Equal(t, operations.StateCompleted, st.State, st.Error)
	assert.Equal(t, 100, st.Percent)
	assert.False(t, st.HadErrors)
	assert.Equal(t, []string{entry.FolderKey(reports).String()}, st.Processed)

	page, err := e.engine.List(ctx, aggregate.Request{Parent: entry.LocalRef(e.my), Actor: alice})
	require.NoError(t, err)
	assert.Empty(t, page.Entries)

	trash, err := e.engine.Root(ctx, entry.FolderTrash, alice)
	require.NoError(t, err)
	page, err = e.engine.List(ctx, aggregate.Request{Parent: entry.LocalRef(trash), Actor: alice})
	require.NoError(t, err)
	assert.Equal(t, []string{"Reports"}, titles(page.Entries))

	page, err = e.engine.List(ctx, aggregate.Request{
		Parent: entry.LocalRef(reports), Actor: alice,
		OrderBy: entry.OrderBy{SortBy: entry.SortAZ, Ascending: true},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"2024", "a.docx"}, titles(page.Entries))
}

func TestDeleteTrashedEntryIsNoop(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, 2)
	f := e.save(t, e.my, "old.docx", alice.ID)

	for i := 0; i < 2; i++ {
		st, err := e.mgr.Delete(alice, []entry.Key{f.Key()}, operations.DeleteOptions{})
		require.NoError(t, err)
		st = wait(t, e.mgr, st)
		require.Equal(t, operations.StateCompleted, st.State, st.Error)
		assert.Equal(t, []string{f.Key().String()}, st.Processed)

		got, err := e.local.GetFile(ctx, f.ID)
		require.NoError(t, err, "round %d", i)
		assert.Equal(t, entry.RootTrash, got.RootFolderType)
	}

	st, err := e.mgr.EmptyTrash(ctx, alice)
	require.NoError(t, err)
	st = wait(t, e.mgr, st)
	require.Equal(t, operations.StateCompleted, st.State, st.Error)
	_, err = e.local.GetFile(ctx, f.ID)
	assert.ErrorIs(t, err, entry.ErrNotFound)
}

func TestImmediateDeleteRemovesWholeSubtree(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, 2)
	top := e.folder(t, e.my, "Archive")
	mid := e.folder(t, top, "2023")
	leaf := e.folder(t, mid, "Q4")
	files := []*entry.File[int]{
		e.save(t, top, "index.txt", alice.ID),
		e.save(t, mid, "summary.docx", alice.ID),
		e.save(t, leaf, "numbers.xlsx", alice.ID),
	}
	require.NoError(t, e.tags.Save(ctx, tags.Tag{Type: tags.TypeFavorite, Owner: alice.ID, Entry: files[2].Key()}))
	require.NoError(t, e.perms.Set(ctx, sharing.Record{Entry: entry.FolderKey(mid), Subject: bob.ID, Access: sharing.AccessRead, Owner: alice.ID}))

	st, err := e.mgr.Delete(alice, []entry.Key{entry.FolderKey(top)}, operations.DeleteOptions{Immediately: true})
	require.NoError(t, err)
	st = wait(t, e.mgr, st)
	require.Equal(t, operations.StateCompleted, st.State, st.Error)
	assert.Len(t, st.Processed, 6)

	for _, id := range []int{top, mid, leaf} {
		_, err := e.local.GetFolder(ctx, id)
		assert.ErrorIs(t, err, entry.ErrNotFound)
	}
	for _, f := range files {
		_, err := e.local.GetFile(ctx, f.ID)
		assert.ErrorIs(t, err, entry.ErrNotFound)
	}
	favs, err := e.tags.List(ctx, tags.TypeFavorite, alice.ID)
	require.NoError(t, err)
	assert.Empty(t, favs)
	grants, err := e.perms.ForEntries(ctx, entry.FolderKey(mid))
	require.NoError(t, err)
	assert.Empty(t, grants)
}

func TestDeleteReportsPerItemFailures(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, 2)
	locked := e.save(t, e.my, "locked.docx", alice.ID)
	free := e.save(t, e.my, "free.docx", alice.ID)
	_, _, err := e.tags.AcquireLock(ctx, locked.Key(), bob.ID)
	require.NoError(t, err)

	st, err := e.mgr.Delete(alice, []entry.Key{locked.Key(), free.Key(), entry.FileKey(9999)}, operations.DeleteOptions{})
	require.NoError(t, err)
	st = wait(t, e.mgr, st)
	require.Equal(t, operations.StateCompleted, st.State)
	assert.True(t, st.HadErrors)
	assert.Equal(t, []string{free.Key().String()}, st.Processed)

	codes := map[string]string{}
	for _, it := range st.Items {
		codes[it.Entry] = it.Code
	}
	assert.Equal(t, entry.CodeLockedByOther, codes[locked.Key().String()])
	assert.Equal(t, entry.CodeNotFound, codes[entry.FileKey(9999).String()])
	assert.Empty(t, codes[free.Key().String()])

	// Bob owns nothing here.
	other := e.save(t, e.my, "mine.docx", alice.ID)
	st, err = e.mgr.Delete(bob, []entry.Key{other.Key(), locked.Key()}, operations.DeleteOptions{FailFast: true})
	require.NoError(t, err)
	st = wait(t, e.mgr, st)
	assert.Equal(t, operations.StateFaulted, st.State)
	require.Len(t, st.Items, 1, "fail-fast stops after the first failure")
	assert.Equal(t, entry.CodeSecurityDenied, st.Items[0].Code)
	assert.Empty(t, st.Processed)
}

func TestCancelStopsBetweenItems(t *testing.T) {
	ctx := context.Background()
	g := newGate()
	e := newEnv(t, g, 1)
	first := e.save(t, e.my, "first.docx", alice.ID)
	second := e.save(t, e.my, "second.docx", alice.ID)

	running, err := e.mgr.Delete(alice, []entry.Key{first.Key(), second.Key()}, operations.DeleteOptions{})
	require.NoError(t, err)
	<-g.entered

	// The only worker is busy, so this one is still pending.
	queued, err := e.mgr.Delete(alice, []entry.Key{second.Key()}, operations.DeleteOptions{})
	require.NoError(t, err)
	require.NoError(t, e.mgr.Cancel(alice, queued.ID))
	queued = wait(t, e.mgr, queued)
	assert.Equal(t, operations.StateCancelled, queued.State)
	assert.True(t, queued.Started.IsZero())

	require.NoError(t, e.mgr.Cancel(alice, running.ID))
	close(g.open)
	running = wait(t, e.mgr, running)
	assert.Equal(t, operations.StateCancelled, running.State)
	assert.Equal(t, []string{first.Key().String()}, running.Processed, "the item in progress completes")
	require.Len(t, running.Items, 1)
	assert.Empty(t, running.Items[0].Code)

	got, err := e.local.GetFile(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.RootTrash, got.RootFolderType)
	got, err = e.local.GetFile(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.RootUser, got.RootFolderType)
}

func TestStatusIsPrivateToActor(t *testing.T) {
	e := newEnv(t, nil, 2)
	f := e.save(t, e.my, "a.docx", alice.ID)
	sub := e.bus.SubscribeActor(alice.ID)
	defer e.bus.Unsubscribe(sub)

	st, err := e.mgr.Delete(alice, []entry.Key{f.Key()}, operations.DeleteOptions{})
	require.NoError(t, err)
	wait(t, e.mgr, st)

	_, err = e.mgr.Status(bob, st.ID)
	assert.ErrorIs(t, err, operations.ErrNotFound)
	assert.Empty(t, e.mgr.List(bob))
	require.Len(t, e.mgr.List(alice), 1)

	var finished bool
	for !finished {
		select {
		case ev := <-sub:
			finished = ev.Type == events.EventOperationFinished && ev.OperationID == st.ID
		case <-time.After(5 * time.Second):
			t.Fatal("no finished event")
		}
	}

	assert.Equal(t, 1, e.mgr.Clear(alice))
	_, err = e.mgr.Status(alice, st.ID)
	assert.ErrorIs(t, err, operations.ErrNotFound)
}

func TestMarkAsReadSummarizesRoots(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, 2)
	root := entry.FolderKey(e.my).String()
	reports := e.folder(t, e.my, "Reports")
	deep := e.folder(t, reports, "2024")
	for _, f := range []*entry.File[int]{
		e.save(t, reports, "a.docx", "bob"),
		e.save(t, deep, "b.docx", "bob"),
		e.save(t, e.my, "c.docx", "bob"),
	} {
		require.NoError(t, e.tags.Save(ctx, tags.Tag{Type: tags.TypeNew, Owner: alice.ID, Entry: f.Key(), Root: root}))
	}

	st, err := e.mgr.MarkAsRead(alice, []entry.Key{entry.FolderKey(reports)})
	require.NoError(t, err)
	st = wait(t, e.mgr, st)
	require.Equal(t, operations.StateCompleted, st.State, st.Error)
	assert.Equal(t, root+":1", strings.Split(st.Summary, ",")[0])

	counts, err := e.tags.CountNew(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{root: 1}, counts)
}

func TestMarkAsReadReportsEveryTopRoot(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, 2)
	rootKey := func(kind entry.FolderType) string {
		id, err := e.local.EnsureRoot(ctx, kind, alice.ID)
		require.NoError(t, err)
		return entry.FolderKey(id).String()
	}
	my, common := rootKey(entry.FolderUser), rootKey(entry.FolderCommon)
	commonID, err := e.local.EnsureRoot(ctx, entry.FolderCommon, "")
	require.NoError(t, err)

	mine := e.save(t, e.my, "mine.docx", "bob")
	shared := e.save(t, commonID, "shared.docx", "bob")
	require.NoError(t, e.tags.Save(ctx,
		tags.Tag{Type: tags.TypeNew, Owner: alice.ID, Entry: mine.Key(), Root: my},
		tags.Tag{Type: tags.TypeNew, Owner: alice.ID, Entry: shared.Key(), Root: common},
	))

	st, err := e.mgr.MarkAsRead(alice, []entry.Key{mine.Key()})
	require.NoError(t, err)
	st = wait(t, e.mgr, st)
	require.Equal(t, operations.StateCompleted, st.State, st.Error)

	want := strings.Join([]string{
		my + ":0",
		common + ":1",
		rootKey(entry.FolderShare) + ":0",
		rootKey(entry.FolderProjects) + ":0",
		rootKey(entry.FolderPrivacy) + ":0",
	}, ",")
	assert.Equal(t, want, st.Summary)
}

func TestMountRootDisconnectsInsteadOfMoving(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, 2)
	m, err := e.router.Register(ctx, &thirdparty.Mount{
		ProviderKey: entry.ProviderBox, Title: "Box", OwnerID: alice.ID,
		RootFolderType: entry.RootUser, FolderID: e.my, BackendType: "memory",
	})
	require.NoError(t, err)
	root := entry.FolderKey(m.RootID())
	dst := e.folder(t, e.my, "Archive")

	st, err := e.mgr.MoveCopy(ctx, alice, []entry.Key{root}, entry.LocalRef(dst), operations.TransferOptions{})
	require.NoError(t, err)
	st = wait(t, e.mgr, st)
	require.Len(t, st.Items, 1)
	assert.Equal(t, entry.CodeSecurityDenied, st.Items[0].Code)

	st, err = e.mgr.Delete(alice, []entry.Key{root}, operations.DeleteOptions{})
	require.NoError(t, err)
	st = wait(t, e.mgr, st)
	require.Equal(t, operations.StateCompleted, st.State, st.Error)
	assert.False(t, st.HadErrors)
	roots, err := e.router.MountRoots(ctx, e.my)
	require.NoError(t, err)
	assert.Empty(t, roots)
}

func TestMoveFileIntoMount(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, 2)
	m, err := e.router.Register(ctx, &thirdparty.Mount{
		ProviderKey: entry.ProviderDropbox, Title: "Dropbox", OwnerID: alice.ID,
		RootFolderType: entry.RootUser, FolderID: e.my, BackendType: "memory",
	})
	require.NoError(t, err)
	f := e.save(t, e.my, "report.docx", alice.ID)
	require.NoError(t, e.tags.Save(ctx, tags.Tag{Type: tags.TypeFavorite, Owner: alice.ID, Entry: f.Key()}))

	st, err := e.mgr.MoveCopy(ctx, alice, []entry.Key{f.Key()}, entry.RemoteRef(m.RootID()), operations.TransferOptions{})
	require.NoError(t, err)
	st = wait(t, e.mgr, st)
	require.Equal(t, operations.StateCompleted, st.State, st.Error)
	require.Len(t, st.Items, 1)

	want := entry.FileKey(thirdparty.MakeID(m.ProviderKey, m.ID, "report.docx"))
	assert.Equal(t, want.String(), st.Items[0].Dest)
	data, ok := e.drive.ReadFile("report.docx")
	require.True(t, ok)
	assert.Equal(t, "report.docx", string(data))

	_, err = e.local.GetFile(ctx, f.ID)
	assert.ErrorIs(t, err, entry.ErrNotFound)
	favs, err := e.tags.List(ctx, tags.TypeFavorite, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, []entry.Key{want}, tags.Keys(favs))
}

func TestCopyFolderWithinLocal(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, 2)
	src := e.folder(t, e.my, "Drafts")
	e.save(t, src, "memo.txt", alice.ID)
	dst := e.folder(t, e.my, "Backup")

	st, err := e.mgr.MoveCopy(ctx, alice, []entry.Key{entry.FolderKey(src)}, entry.LocalRef(dst), operations.TransferOptions{Copy: true})
	require.NoError(t, err)
	st = wait(t, e.mgr, st)
	require.Equal(t, operations.StateCompleted, st.State, st.Error)
	assert.Equal(t, operations.KindCopy, st.Kind)

	copied, err := e.local.ListFiles(ctx, dst, storage.Query{WithSubfolders: true})
	require.NoError(t, err)
	require.Len(t, copied, 1)
	assert.Equal(t, "memo.txt", copied[0].Title)
	_, err = e.local.GetFolder(ctx, src)
	assert.NoError(t, err)

	_, err = e.mgr.MoveCopy(ctx, bob, []entry.Key{entry.FolderKey(src)}, entry.LocalRef(dst), operations.TransferOptions{})
	assert.ErrorIs(t, err, entry.ErrSecurityDenied)
}
