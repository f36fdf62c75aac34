// Package operations runs long batch jobs (delete, mark as read, move,
// copy, empty trash) in the background. Each job belongs to one actor, can
// be cancelled between items and reports monotonic progress and a result
// per item.
package operations

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fruitsalade/docspace/internal/entry"
	"github.com/fruitsalade/docspace/internal/events"
	"github.com/fruitsalade/docspace/internal/logging"
	"github.com/fruitsalade/docspace/internal/metrics"
	"github.com/fruitsalade/docspace/internal/security"
	"github.com/fruitsalade/docspace/internal/storage"
	"github.com/fruitsalade/docspace/internal/tags"
)

// Kind is the type of an operation.
type Kind string

const (
	KindDelete     Kind = "delete"
	KindMarkAsRead Kind = "mark_as_read"
	KindMove       Kind = "move"
	KindCopy       Kind = "copy"
	KindEmptyTrash Kind = "empty_trash"
)

// State is the lifecycle position of an operation.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFaulted   State = "faulted"
	StateCancelled State = "cancelled"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFaulted || s == StateCancelled
}

var (
	ErrNotFound = errors.New("operation not found")
	ErrClosed   = errors.New("operation manager is closed")
)

// ItemResult is the outcome for one entry.
type ItemResult struct {
	Entry string `json:"entry"`
	// Dest is the entry created by a move or copy.
	Dest  string `json:"dest,omitempty"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

// Status is a snapshot of an operation.
type Status struct {
	ID        string       `json:"id"`
	Kind      Kind         `json:"type"`
	Actor     string       `json:"actor"`
	State     State        `json:"state"`
	Targets   []string     `json:"targets"`
	Percent   int          `json:"percent"`
	Processed []string     `json:"processed"`
	Items     []ItemResult `json:"items,omitempty"`
	// Error is the first error met.
	Error     string `json:"error,omitempty"`
	HadErrors bool   `json:"had_errors"`
	// Summary carries the per-root unread counts of MarkAsRead as
	// comma-separated "root_id:count" pairs.
	Summary  string    `json:"summary,omitempty"`
	Created  time.Time `json:"created"`
	Started  time.Time `json:"started,omitempty"`
	Finished time.Time `json:"finished,omitempty"`
}

func (s Status) clone() Status {
	s.Targets = append([]string(nil), s.Targets...)
	s.Processed = append([]string(nil), s.Processed...)
	s.Items = append([]ItemResult(nil), s.Items...)
	return s
}

// LocalStore is the local adapter as seen by operations.
type LocalStore interface {
	storage.Adapter[int]
	EnsureRoot(ctx context.Context, kind entry.FolderType, owner string) (int, error)
}

// EditingIndex reports files with an open editing session.
type EditingIndex interface {
	IsEditing(key entry.Key) bool
}

// Grants is the access record store, kept in step with moves and deletes.
type Grants interface {
	Rekey(ctx context.Context, from, to entry.Key) error
	RemoveEntries(ctx context.Context, keys ...entry.Key) error
}

// Deps are the collaborators of the manager. Remote, Editing, Grants and
// Events may be nil.
type Deps struct {
	Local    LocalStore
	Remote   storage.Adapter[string]
	Security *security.Filter
	Tags     tags.Store
	Editing  EditingIndex
	Grants   Grants
	Events   events.Publisher
}

// Config tunes the manager.
type Config struct {
	// Workers bounds the operations running at once.
	Workers int
	// Retention is how long finished operations stay queryable.
	Retention time.Duration
	// BufferSize is the transfer buffer per file.
	BufferSize int
}

type op struct {
	mu     sync.Mutex
	st     Status
	cancel context.CancelFunc
	done   chan struct{}
}

func (o *op) snapshot() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.st.clone()
}

// Manager owns the operations of every actor.
type Manager struct {
	deps Deps
	cfg  Config
	sem  chan struct{}
	now  func() time.Time

	mu     sync.Mutex
	ops    map[string]*op
	closed bool
	wg     sync.WaitGroup
}

// NewManager creates a manager.
func NewManager(deps Deps, cfg Config) *Manager {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * time.Minute
	}
	if deps.Events == nil {
		deps.Events = events.Discard{}
	}
	return &Manager{
		deps: deps,
		cfg:  cfg,
		sem:  make(chan struct{}, cfg.Workers),
		now:  time.Now,
		ops:  make(map[string]*op),
	}
}

type task func(ctx context.Context, r *run) error

// start registers an operation and runs it in the background.
func (m *Manager) start(actor security.Actor, kind Kind, targets []entry.Key, failFast bool, fn task) (Status, error) {
	ctx, cancel := context.WithCancel(context.Background())
	o := &op{
		cancel: cancel,
		done:   make(chan struct{}),
		st: Status{
			ID:      uuid.NewString(),
			Kind:    kind,
			Actor:   actor.ID,
			State:   StatePending,
			Targets: keyStrings(targets),
			Created: m.now(),
		},
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return Status{}, ErrClosed
	}
	m.pruneLocked()
	m.ops[o.st.ID] = o
	m.wg.Add(1)
	m.mu.Unlock()

	ctx = logging.WithOperation(logging.WithActor(ctx, actor.ID), o.st.ID, string(kind))
	r := &run{m: m, op: o, actor: actor, failFast: failFast, total: len(targets), log: logging.WithContext(ctx)}
	go m.execute(ctx, r, fn)
	return o.snapshot(), nil
}

func (m *Manager) execute(ctx context.Context, r *run, fn task) {
	defer m.wg.Done()
	defer close(r.op.done)
	defer r.op.cancel()

	select {
	case m.sem <- struct{}{}:
		defer func() { <-m.sem }()
	case <-ctx.Done():
		r.finish(ctx.Err())
		return
	}

	r.op.mu.Lock()
	r.op.st.State = StateRunning
	r.op.st.Started = m.now()
	r.op.mu.Unlock()
	metrics.OperationStarted()
	r.log.Info("operation started", zap.Int("targets", r.total))

	r.stopped = ctx.Err
	r.finish(fn(context.WithoutCancel(ctx), r))
}

// Status returns one operation of actor.
func (m *Manager) Status(actor security.Actor, id string) (Status, error) {
	o, err := m.get(actor, id)
	if err != nil {
		return Status{}, err
	}
	return o.snapshot(), nil
}

// List returns the operations of actor, oldest first.
func (m *Manager) List(actor security.Actor) []Status {
	m.mu.Lock()
	m.pruneLocked()
	var ops []*op
	for _, o := range m.ops {
		if o.st.Actor == actor.ID {
			ops = append(ops, o)
		}
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(ops))
	for _, o := range ops {
		out = append(out, o.snapshot())
	}
	sortByCreated(out)
	return out
}

// Cancel asks an operation to stop. It stops before its next item.
func (m *Manager) Cancel(actor security.Actor, id string) error {
	o, err := m.get(actor, id)
	if err != nil {
		return err
	}
	o.cancel()
	return nil
}

// CancelAll cancels every unfinished operation of actor.
func (m *Manager) CancelAll(actor security.Actor) {
	for _, st := range m.List(actor) {
		if !st.State.Terminal() {
			_ = m.Cancel(actor, st.ID)
		}
	}
}

// Wait blocks until the operation finishes or ctx ends.
func (m *Manager) Wait(ctx context.Context, id string) (Status, error) {
	m.mu.Lock()
	o, ok := m.ops[id]
	m.mu.Unlock()
	if !ok {
		return Status{}, ErrNotFound
	}
	select {
	case <-o.done:
		return o.snapshot(), nil
	case <-ctx.Done():
		return o.snapshot(), ctx.Err()
	}
}

// Clear forgets the finished operations of actor.
func (m *Manager) Clear(actor security.Actor) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, o := range m.ops {
		o.mu.Lock()
		done := o.st.Actor == actor.ID && o.st.State.Terminal()
		o.mu.Unlock()
		if done {
			delete(m.ops, id)
			n++
		}
	}
	return n
}

// Close cancels every operation and waits for them to stop.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	for _, o := range m.ops {
		o.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) get(actor security.Actor, id string) (*op, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.ops[id]
	if !ok || o.st.Actor != actor.ID {
		return nil, fmt.Errorf("operation %s: %w", id, ErrNotFound)
	}
	return o, nil
}

// pruneLocked drops operations finished longer than the retention ago.
func (m *Manager) pruneLocked() {
	cutoff := m.now().Add(-m.cfg.Retention)
	for id, o := range m.ops {
		o.mu.Lock()
		expired := o.st.State.Terminal() && o.st.Finished.Before(cutoff)
		o.mu.Unlock()
		if expired {
			delete(m.ops, id)
		}
	}
}
