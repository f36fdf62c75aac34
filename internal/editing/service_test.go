package editing_test

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	blobstore "github.com/fruitsalade/docspace/internal/content/local"
	"github.com/fruitsalade/docspace/internal/database/dbtest"
	"github.com/fruitsalade/docspace/internal/editing"
	"github.com/fruitsalade/docspace/internal/entry"
	"github.com/fruitsalade/docspace/internal/events"
	"github.com/fruitsalade/docspace/internal/security"
	"github.com/fruitsalade/docspace/internal/sharing"
	"github.com/fruitsalade/docspace/internal/storage/local"
	"github.com/fruitsalade/docspace/internal/tags"
)

var (
	alice = security.Actor{ID: "alice"}
	bob   = security.Actor{ID: "bob"}
	carol = security.Actor{ID: "carol"}
)

const blank = "blank"

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type env struct {
	svc     *editing.Service
	local   *local.Adapter
	perms   *sharing.PermissionStore
	links   *sharing.LinkStore
	tags    *tags.MemoryStore
	tracker *editing.Tracker
	guard   *editing.MemoryGuard
	bus     *events.Broadcaster
	clock   *clock
	my      int
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	db := dbtest.New(t)
	blobs, err := blobstore.New(blobstore.Config{RootPath: filepath.Join(t.TempDir(), "blobs"), CreateDirs: true})
	require.NoError(t, err)

	e := &env{clock: &clock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}}
	e.local = local.New(db, blobs, local.Config{MaxUploadSize: 1 << 20, ChunkedMaxUploadSize: 1 << 20, UseTrash: true})
	e.perms = sharing.NewPermissionStore(db)
	e.links = sharing.NewLinkStore(db)
	e.tags = tags.NewMemoryStore()
	e.bus = events.NewBroadcaster()
	e.tracker = editing.NewTracker(90 * time.Second)
	e.tracker.SetClock(e.clock.now)
	e.guard = editing.NewMemoryGuard(time.Minute)

	e.svc = editing.NewService(editing.Deps{
		Local:     e.local,
		Security:  security.NewFilter(e.perms, security.Tree{Local: e.local}),
		Links:     e.links,
		Tags:      e.tags,
		Tracker:   e.tracker,
		Guard:     e.guard,
		Signer:    editing.NewSigner("jwt-secret", time.Hour),
		Events:    e.bus,
		Templates: map[string]int64{".docx": int64(len(blank))},
	}, editing.Config{DocKeySecret: "doc-secret", MaxEditSize: 1 << 20})

	e.my, err = e.local.EnsureRoot(ctx, entry.FolderUser, alice.ID)
	require.NoError(t, err)
	return e
}

func (e *env) save(t *testing.T, title, body string) *entry.File[int] {
	t.Helper()
	f, err := e.local.SaveFile(context.Background(), &entry.File[int]{
		EntryInfo: entry.EntryInfo{Title: title, CreatedBy: alice.ID, ModifiedBy: alice.ID},
		FolderID:  e.my,
	}, strings.NewReader(body))
	require.NoError(t, err)
	return f
}

func (e *env) share(t *testing.T, key entry.Key, subject string, access sharing.Access) {
	t.Helper()
	require.NoError(t, e.perms.Set(context.Background(), sharing.Record{
		Entry: key, Subject: subject, Access: access, Owner: alice.ID,
	}))
}

func (e *env) content(t *testing.T, id int) string {
	t.Helper()
	ctx := context.Background()
	f, err := e.local.GetFile(ctx, id)
	require.NoError(t, err)
	rc, err := e.local.OpenFile(ctx, f)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}

func edit(tab string) editing.StartOptions {
	return editing.StartOptions{Tab: tab, Requested: editing.AllCapabilities}
}

func TestCoAuthoringConflictAndSecondTab(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	doc := e.save(t, "a.docx", "report")
	txt := e.save(t, "notes.txt", "notes")
	for _, f := range []*entry.File[int]{doc, txt} {
		e.share(t, f.Key(), bob.ID, sharing.AccessReadWrite)
	}

	first, err := e.svc.StartEdit(ctx, alice, doc.Key(), edit("x1"))
	require.NoError(t, err)
	assert.True(t, first.Rights.Edit)
	assert.True(t, first.EditingAlone)
	assert.NotEmpty(t, first.DocKey)
	assert.NotEmpty(t, first.Token)

	// Text files have no co-authoring.
	_, err = e.svc.StartEdit(ctx, alice, txt.Key(), edit("x1"))
	require.NoError(t, err)
	strict := edit("y1")
	strict.Strict = true
	_, err = e.svc.StartEdit(ctx, bob, txt.Key(), strict)
	assert.ErrorIs(t, err, entry.ErrAlreadyEditing)
	viewer, err := e.svc.StartEdit(ctx, bob, txt.Key(), edit("y1"))
	require.NoError(t, err)
	assert.False(t, viewer.Rights.Any())
	assert.Equal(t, []string{alice.ID}, e.tracker.EditingBy(txt.Key()))

	// Documents do.
	joined, err := e.svc.StartEdit(ctx, bob, doc.Key(), edit("y1"))
	require.NoError(t, err)
	assert.True(t, joined.Rights.Edit)
	assert.False(t, joined.EditingAlone)
	assert.Equal(t, first.DocKey, joined.DocKey)

	second, err := e.svc.StartEdit(ctx, alice, doc.Key(), edit("x2"))
	require.NoError(t, err)
	assert.Equal(t, first.Rights, second.Rights)
	assert.False(t, second.EditingAlone)

	e.clock.advance(60 * time.Second)
	require.NoError(t, e.svc.Track(ctx, alice, doc.Key(), "x2", false))
	e.clock.advance(40 * time.Second)
	assert.True(t, e.tracker.EditingAlone(doc.Key()))
	assert.ErrorIs(t, e.svc.Track(ctx, alice, doc.Key(), "x1", false), editing.ErrSessionExpired)

	require.NoError(t, e.svc.Track(ctx, alice, doc.Key(), "x2", true))
	assert.False(t, e.tracker.IsEditing(doc.Key()))

	recent, err := e.tags.List(ctx, tags.TypeRecent, bob.ID)
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}

func TestStartEditThroughLink(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	doc := e.save(t, "a.docx", "report")
	other := e.save(t, "b.docx", "other")

	link, err := e.links.Create(ctx, entry.FolderKey(e.my), sharing.AccessReview, alice.ID, sharing.LinkOptions{Password: "pw"})
	require.NoError(t, err)

	opts := edit("v1")
	opts.LinkID = link.ID
	_, err = e.svc.StartEdit(ctx, carol, doc.Key(), opts)
	assert.ErrorIs(t, err, entry.ErrSecurityDenied)

	opts.LinkPassword = "pw"
	sess, err := e.svc.StartEdit(ctx, carol, doc.Key(), opts)
	require.NoError(t, err)
	assert.Equal(t, editing.Capabilities{Review: true, FillForms: true, Comment: true}, sess.Rights)
	assert.False(t, e.tracker.IsEditing(doc.Key()))

	foreign, err := e.links.Create(ctx, doc.Key(), sharing.AccessReadWrite, alice.ID, sharing.LinkOptions{})
	require.NoError(t, err)
	opts = edit("v1")
	opts.LinkID = foreign.ID
	_, err = e.svc.StartEdit(ctx, carol, other.Key(), opts)
	assert.ErrorIs(t, err, entry.ErrSecurityDenied)
}

func TestStartEditRejectsTrashedFile(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	doc := e.save(t, "a.docx", "report")
	require.NoError(t, e.local.MoveFileToTrash(ctx, doc.ID, alice.ID))

	_, err := e.svc.StartEdit(ctx, alice, doc.Key(), edit("t"))
	assert.ErrorIs(t, err, entry.ErrTrashViewForbidden)
	_, err = e.svc.Save(ctx, alice, doc.Key(), strings.NewReader("x"), editing.SaveOptions{FromEditor: true})
	assert.ErrorIs(t, err, entry.ErrTrashViewForbidden)
}

func TestLockIsMutuallyExclusive(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	doc := e.save(t, "a.docx", "report")
	e.share(t, doc.Key(), bob.ID, sharing.AccessReadWrite)

	actors := []security.Actor{alice, bob}
	errs := make([]error, len(actors))
	var wg sync.WaitGroup
	for i, a := range actors {
		wg.Add(1)
		go func(i int, a security.Actor) {
			defer wg.Done()
			errs[i] = e.svc.Lock(ctx, a, doc.Key())
		}(i, a)
	}
	wg.Wait()

	winner, loser := -1, -1
	for i, err := range errs {
		if err == nil {
			winner = i
		} else {
			assert.ErrorIs(t, err, entry.ErrLockedByOther)
			loser = i
		}
	}
	require.NotEqual(t, -1, winner, "nobody acquired the lock")
	require.NotEqual(t, -1, loser, "both acquired the lock")
	w, l := actors[winner], actors[loser]

	strict := edit("l1")
	strict.Strict = true
	_, err := e.svc.StartEdit(ctx, l, doc.Key(), strict)
	assert.ErrorIs(t, err, entry.ErrLockedByOther)
	sess, err := e.svc.StartEdit(ctx, l, doc.Key(), edit("l1"))
	require.NoError(t, err)
	assert.False(t, sess.Rights.Any())

	_, err = e.svc.Save(ctx, l, doc.Key(), strings.NewReader("theirs"), editing.SaveOptions{FromEditor: true})
	assert.ErrorIs(t, err, entry.ErrLockedByOther)
	assert.ErrorIs(t, e.svc.Unlock(ctx, l, doc.Key()), entry.ErrLockedByOther)

	require.NoError(t, e.svc.Unlock(ctx, w, doc.Key()))
	require.NoError(t, e.svc.Lock(ctx, l, doc.Key()))
	require.NoError(t, e.svc.Unlock(ctx, security.Actor{ID: "root", IsAdmin: true}, doc.Key()))
}

// heldReader blocks its first read until released, keeping a save in
// the middle of its write.
type heldReader struct {
	r       io.Reader
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (h *heldReader) Read(p []byte) (int, error) {
	h.once.Do(func() { close(h.entered) })
	<-h.release
	return h.r.Read(p)
}

func TestLockWaitsForSaveInFlight(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	f := e.save(t, "plan.docx", "v1")
	e.share(t, f.Key(), bob.ID, sharing.AccessReadWrite)

	body := &heldReader{r: strings.NewReader("v2"), entered: make(chan struct{}), release: make(chan struct{})}
	saved := make(chan error, 1)
	go func() {
		_, err := e.svc.Save(ctx, alice, f.Key(), body, editing.SaveOptions{})
		saved <- err
	}()
	<-body.entered

	locked := make(chan error, 1)
	go func() { locked <- e.svc.Lock(ctx, bob, f.Key()) }()
	select {
	case err := <-locked:
		t.Fatalf("lock returned while a save was writing: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(body.release)
	require.NoError(t, <-saved)
	require.NoError(t, <-locked)
	assert.Equal(t, "v2", e.content(t, f.ID))

	_, err := e.svc.Save(ctx, alice, f.Key(), strings.NewReader("v3"), editing.SaveOptions{})
	assert.ErrorIs(t, err, entry.ErrLockedByOther)
	assert.Equal(t, "v2", e.content(t, f.ID))
}

func TestLockRequiresEditRights(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	doc := e.save(t, "a.docx", "report")
	e.share(t, doc.Key(), bob.ID, sharing.AccessRead)

	assert.ErrorIs(t, e.svc.Lock(ctx, bob, doc.Key()), entry.ErrSecurityDenied)
}

func TestSaveAppliesVersionPolicy(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	doc := e.save(t, "a.docx", blank)
	e.share(t, doc.Key(), bob.ID, sharing.AccessRead)

	res, err := e.svc.Save(ctx, alice, doc.Key(), strings.NewReader("first edit"), editing.SaveOptions{})
	require.NoError(t, err)
	assert.Equal(t, editing.PolicyVersion, res.Policy)
	assert.Equal(t, 2, res.Version)
	assert.Equal(t, 1, res.VersionGroup)

	res, err = e.svc.Save(ctx, alice, doc.Key(), strings.NewReader("second edit"), editing.SaveOptions{
		Forcesave: entry.ForcesaveSystem, FromEditor: true,
	})
	require.NoError(t, err)
	assert.Equal(t, editing.PolicyGroup, res.Policy)
	assert.Equal(t, 3, res.Version)
	assert.Equal(t, 2, res.VersionGroup)

	// The pending system forcesave is overwritten by the next save.
	res, err = e.svc.Save(ctx, alice, doc.Key(), strings.NewReader("final"), editing.SaveOptions{FromEditor: true})
	require.NoError(t, err)
	assert.Equal(t, editing.PolicyOverwrite, res.Policy)
	assert.Equal(t, 3, res.Version)
	assert.Equal(t, "final", e.content(t, doc.ID))

	unread, err := e.tags.List(ctx, tags.TypeNew, bob.ID)
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, doc.Key(), unread[0].Entry)
	assert.Equal(t, entry.FolderKey(e.my).String(), unread[0].Root)

	mine, err := e.tags.List(ctx, tags.TypeNew, alice.ID)
	require.NoError(t, err)
	assert.Empty(t, mine)
}

func TestSaveRefusesFileOpenForEditing(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	doc := e.save(t, "a.docx", "report")

	_, err := e.svc.StartEdit(ctx, alice, doc.Key(), edit("x1"))
	require.NoError(t, err)

	_, err = e.svc.Save(ctx, alice, doc.Key(), strings.NewReader("upload"), editing.SaveOptions{})
	assert.ErrorIs(t, err, entry.ErrAlreadyEditing)
	_, err = e.svc.Save(ctx, alice, doc.Key(), strings.NewReader("from editor"), editing.SaveOptions{FromEditor: true})
	assert.NoError(t, err)
}

func TestSaveNeedsEditRights(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	doc := e.save(t, "a.docx", "report")
	e.share(t, doc.Key(), bob.ID, sharing.AccessRead)

	_, err := e.svc.Save(ctx, bob, doc.Key(), strings.NewReader("x"), editing.SaveOptions{FromEditor: true})
	assert.ErrorIs(t, err, entry.ErrSecurityDenied)
	_, err = e.svc.Save(ctx, alice, entry.FileKey(9999), strings.NewReader("x"), editing.SaveOptions{})
	assert.ErrorIs(t, err, entry.ErrNotFound)
}

func TestUpdateToVersion(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	doc := e.save(t, "a.docx", "original")
	_, err := e.svc.Save(ctx, alice, doc.Key(), strings.NewReader("rewritten"), editing.SaveOptions{})
	require.NoError(t, err)

	ch := e.bus.SubscribeActor(alice.ID)
	defer e.bus.Unsubscribe(ch)

	res, err := e.svc.UpdateToVersion(ctx, alice, doc.Key(), 1)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Version)
	assert.Equal(t, "original", e.content(t, doc.ID))

	select {
	case ev := <-ch:
		assert.Equal(t, events.EventFileReverted, ev.Type)
		assert.Equal(t, 3, ev.Version)
	case <-time.After(time.Second):
		t.Fatal("no revert event")
	}

	release, err := e.guard.Acquire(ctx, doc.Key())
	require.NoError(t, err)
	_, err = e.svc.UpdateToVersion(ctx, alice, doc.Key(), 2)
	assert.ErrorIs(t, err, entry.ErrConflictInProgress)
	release()

	_, err = e.svc.UpdateToVersion(ctx, alice, entry.FileKey("GoogleDrive-1|/a.docx"), 1)
	assert.ErrorIs(t, err, entry.ErrUnsupportedFormat)
}
