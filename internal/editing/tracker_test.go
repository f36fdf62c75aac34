package editing

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fruitsalade/docspace/internal/entry"
)

type fakeClock struct{ t time.Time }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestTrackerEditingAloneCountsActors(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(time.Minute)
	tr.SetClock(clock.now)
	key := entry.FileKey(7)

	tr.Start(key, "x", "tab1")
	tr.Start(key, "x", "tab2")
	if !tr.EditingAlone(key) {
		t.Fatal("two tabs of one actor should still be editing alone")
	}
	if tr.EditingByOthers(key, "x") {
		t.Fatal("x is not an other editor of its own file")
	}

	tr.Start(key, "y", "tab1")
	if tr.EditingAlone(key) {
		t.Fatal("two actors are not editing alone")
	}
	if got := tr.EditingBy(key); strings.Join(got, ",") != "x,y" {
		t.Fatalf("EditingBy = %v", got)
	}

	clock.advance(45 * time.Second)
	if !tr.Heartbeat(key, "x", "tab2") {
		t.Fatal("heartbeat of a live tab failed")
	}
	clock.advance(30 * time.Second)
	if !tr.EditingAlone(key) {
		t.Fatalf("expired tabs still counted: %v", tr.EditingBy(key))
	}
	if tr.Heartbeat(key, "y", "tab1") {
		t.Fatal("heartbeat of an expired tab succeeded")
	}

	if !tr.Stop(key, "x", "tab2") {
		t.Fatal("last tab stopped but file still has editors")
	}
	if tr.IsEditing(key) {
		t.Fatal("file still being edited after stop")
	}
}

func TestTrackerSweep(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(time.Minute)
	tr.SetClock(clock.now)

	tr.Start(entry.FileKey(1), "a", "t")
	tr.Start(entry.FileKey(2), "b", "t")
	if n := tr.Sweep(); n != 2 {
		t.Fatalf("Sweep = %d, want 2", n)
	}
	clock.advance(2 * time.Minute)
	tr.Start(entry.FileKey(3), "c", "t")
	if n := tr.Sweep(); n != 1 {
		t.Fatalf("Sweep = %d, want 1", n)
	}
	if tr.IsEditing(entry.FileKey(1)) {
		t.Fatal("expired session survived the sweep")
	}
}

func TestTrackerStartSurvivesConcurrentStop(t *testing.T) {
	tr := NewTracker(time.Minute)
	key := entry.FileKey(11)
	for i := 0; i < 2000; i++ {
		tr.Start(key, "x", "a")
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); tr.Stop(key, "x", "a") }()
		go func() { defer wg.Done(); tr.Start(key, "y", "b") }()
		wg.Wait()
		if got := tr.EditingBy(key); len(got) != 1 || got[0] != "y" {
			t.Fatalf("round %d: editors = %v, want [y]", i, got)
		}
		if !tr.Stop(key, "y", "b") {
			t.Fatalf("round %d: file still has editors", i)
		}
	}
}

func TestFileLocksSerializePerKey(t *testing.T) {
	var l fileLocks
	unlock := l.lock(entry.FileKey(1))
	other := l.lock(entry.FileKey(2))
	other()

	got := make(chan struct{})
	go func() {
		l.lock(entry.FileKey(1))()
		close(got)
	}()
	select {
	case <-got:
		t.Fatal("second holder entered while the key was locked")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	<-got
	if len(l.held) != 0 {
		t.Fatalf("held = %d entries after release, want 0", len(l.held))
	}
}

func TestMemoryGuard(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	g := NewMemoryGuard(time.Minute)
	g.SetClock(clock.now)
	key := entry.FileKey(3)

	release, err := g.Acquire(ctx, key)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := g.Acquire(ctx, key); !errors.Is(err, entry.ErrConflictInProgress) {
		t.Fatalf("second Acquire err = %v, want conflict", err)
	}
	if _, err := g.Acquire(ctx, entry.FileKey(4)); err != nil {
		t.Fatalf("other file blocked: %v", err)
	}
	release()
	release2, err := g.Acquire(ctx, key)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}

	// An expired marker no longer blocks, and its stale release must not
	// drop the new holder.
	clock.advance(2 * time.Minute)
	release3, err := g.Acquire(ctx, key)
	if err != nil {
		t.Fatalf("Acquire after expiry: %v", err)
	}
	release2()
	if _, err := g.Acquire(ctx, key); !errors.Is(err, entry.ErrConflictInProgress) {
		t.Fatalf("stale release dropped the live marker: %v", err)
	}
	release3()
}

func TestRedisGuard(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	g := NewRedisGuard(rdb, 10*time.Second)
	key := entry.FileKey(time.Now().Nanosecond())
	release, err := g.Acquire(ctx, key)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := g.Acquire(ctx, key); !errors.Is(err, entry.ErrConflictInProgress) {
		t.Fatalf("second Acquire err = %v, want conflict", err)
	}
	release()
	release, err = g.Acquire(ctx, key)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	release()
}

func TestDocKeyIsDeterministic(t *testing.T) {
	stamp := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	a := DocKey("42", 3, stamp, "secret")
	if a != DocKey("42", 3, stamp.In(time.FixedZone("x", 3600)), "secret") {
		t.Fatal("equal instants gave different keys")
	}
	if len(a) == 0 || len(a) > docKeyLen {
		t.Fatalf("key length %d", len(a))
	}
	for _, r := range a {
		if strings.ContainsRune("+/", r) {
			t.Fatalf("key %q holds %q", a, r)
		}
	}
	for name, other := range map[string]string{
		"version": DocKey("42", 4, stamp, "secret"),
		"id":      DocKey("43", 3, stamp, "secret"),
		"stamp":   DocKey("42", 3, stamp.Add(time.Second), "secret"),
		"secret":  DocKey("42", 3, stamp, "other"),
	} {
		if other == a {
			t.Errorf("changing the %s kept the key", name)
		}
	}
}

func TestFileDocKeyStamp(t *testing.T) {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	modified := created.Add(time.Hour)

	local := &entry.File[int]{ID: 5, Version: 2}
	local.CreatedOn, local.ModifiedOn = created, modified
	if got := FileDocKey(local, "s"); got != DocKey("5", 2, created, "s") {
		t.Errorf("local file keyed by %q", got)
	}

	remote := &entry.File[string]{ID: "GoogleDrive-1|/a.docx", Version: 1}
	remote.CreatedOn, remote.ModifiedOn = created, modified
	remote.ProviderKey = entry.ProviderGoogleDrive
	if got := FileDocKey(remote, "s"); got != DocKey(remote.ID, 1, modified, "s") {
		t.Errorf("provider file keyed by %q", got)
	}
}

func TestSigner(t *testing.T) {
	s := NewSigner("shared-secret", time.Minute)
	tok, err := s.Sign(EditorClaims{DocKey: "k1", FileID: "9", Actor: "alice", Rights: Capabilities{Edit: true}})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	claims, err := s.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.DocKey != "k1" || claims.Actor != "alice" || !claims.Rights.Edit {
		t.Errorf("claims = %+v", claims)
	}

	if _, err := NewSigner("wrong", time.Minute).Verify(tok); err == nil {
		t.Error("token verified with the wrong secret")
	}

	off := NewSigner("", 0)
	if tok, err := off.Sign(EditorClaims{}); err != nil || tok != "" {
		t.Errorf("disabled Sign = %q, %v", tok, err)
	}
	if _, err := off.Verify("x"); !errors.Is(err, ErrSigningDisabled) {
		t.Errorf("disabled Verify err = %v", err)
	}
}

func TestNextVersion(t *testing.T) {
	file := func(version, group int, size int64, fs entry.ForcesaveType) *entry.File[int] {
		return &entry.File[int]{ID: 1, Version: version, VersionGroup: group, ContentLength: size, Forcesave: fs}
	}
	tests := []struct {
		name           string
		cur            *entry.File[int]
		encrypted      bool
		storeForcesave bool
		template       int64
		version, group int
		policy         string
	}{
		{"first edit of a blank document", file(1, 1, 100, entry.ForcesaveNone), false, false, 100, 2, 1, PolicyVersion},
		{"first edit of an uploaded document", file(1, 1, 250, entry.ForcesaveNone), false, false, 100, 2, 2, PolicyGroup},
		{"no template known", file(1, 1, 100, entry.ForcesaveNone), false, false, -1, 2, 2, PolicyGroup},
		{"later edit", file(4, 2, 100, entry.ForcesaveNone), false, false, 100, 5, 3, PolicyGroup},
		{"after a system forcesave", file(4, 2, 100, entry.ForcesaveSystem), false, true, 100, 4, 2, PolicyOverwrite},
		{"after a user forcesave", file(4, 2, 100, entry.ForcesaveUser), false, false, 100, 4, 2, PolicyOverwrite},
		{"after a kept user forcesave", file(4, 2, 100, entry.ForcesaveUser), false, true, 100, 5, 2, PolicyVersion},
		{"encrypted after a forcesave", file(4, 2, 100, entry.ForcesaveSystem), true, false, 100, 5, 2, PolicyVersion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, g, p := NextVersion(tt.cur, tt.encrypted, tt.storeForcesave, tt.template)
			if v != tt.version || g != tt.group || p != tt.policy {
				t.Errorf("got (%d, %d, %s), want (%d, %d, %s)", v, g, p, tt.version, tt.group, tt.policy)
			}
		})
	}
}
