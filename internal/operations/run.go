package operations

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"github.com/fruitsalade/docspace/internal/entry"
	"github.com/fruitsalade/docspace/internal/events"
	"github.com/fruitsalade/docspace/internal/metrics"
	"github.com/fruitsalade/docspace/internal/security"
)

// run is the state shared by the steps of one operation.
type run struct {
	m        *Manager
	op       *op
	actor    security.Actor
	failFast bool
	total    int
	steps    int
	log      *zap.Logger
	// stopped reports a cancel request. Tasks consult it between items;
	// the ctx they run on is never cancelled, so an item in progress
	// always completes.
	stopped func() error
}

// done records the outcome of one entry. It returns err when the operation
// must stop: the item failed under fail-fast.
func (r *run) done(key, dest entry.Key, err error) error {
	item := ItemResult{Entry: key.String()}
	if dest != (entry.Key{}) {
		item.Dest = dest.String()
	}
	if err != nil {
		item.Code = entry.Code(err)
		item.Error = err.Error()
	}

	r.op.mu.Lock()
	r.op.st.Items = append(r.op.st.Items, item)
	if err == nil {
		r.op.st.Processed = append(r.op.st.Processed, key.String())
	} else {
		r.op.st.HadErrors = true
		if r.op.st.Error == "" {
			r.op.st.Error = err.Error()
		}
	}
	kind := r.op.st.Kind
	r.op.mu.Unlock()

	metrics.RecordOperationItem(string(kind), err == nil)
	if err != nil {
		r.log.Warn("operation item failed", zap.String("entry", key.String()), zap.Error(err))
		if r.failFast {
			return err
		}
	}
	return nil
}

// step advances progress by one top-level target.
func (r *run) step() {
	r.steps++
	percent := 100
	if r.total > 0 {
		percent = r.steps * 100 / r.total
	}
	if percent > 100 {
		percent = 100
	}

	r.op.mu.Lock()
	if percent <= r.op.st.Percent {
		r.op.mu.Unlock()
		return
	}
	r.op.st.Percent = percent
	ev := r.event(events.EventOperationProgress)
	r.op.mu.Unlock()
	r.m.deps.Events.Publish(ev)
}

// event builds an event from the status. Callers hold op.mu.
func (r *run) event(typ string) events.Event {
	return events.Event{
		Type:        typ,
		Actor:       r.op.st.Actor,
		OperationID: r.op.st.ID,
		State:       string(r.op.st.State),
		Percent:     r.op.st.Percent,
		Timestamp:   r.m.now().Unix(),
	}
}

func (r *run) setSummary(s string) {
	r.op.mu.Lock()
	r.op.st.Summary = s
	r.op.mu.Unlock()
}

// finish moves the operation to its terminal state.
func (r *run) finish(err error) {
	r.op.mu.Lock()
	switch {
	case errors.Is(err, context.Canceled):
		r.op.st.State = StateCancelled
		if r.op.st.Error == "" {
			r.op.st.Error = "operation cancelled"
		}
	case err != nil:
		r.op.st.State = StateFaulted
		r.op.st.HadErrors = true
		if r.op.st.Error == "" {
			r.op.st.Error = err.Error()
		}
	default:
		r.op.st.State = StateCompleted
		r.op.st.Percent = 100
	}
	r.op.st.Finished = r.m.now()
	started := r.op.st.Started
	st := r.op.st.clone()
	ev := r.event(events.EventOperationFinished)
	r.op.mu.Unlock()

	if !started.IsZero() {
		metrics.RecordOperation(string(st.Kind), string(st.State), st.Finished.Sub(started))
	}
	r.m.deps.Events.Publish(ev)
	r.log.Info("operation finished",
		zap.String("state", string(st.State)),
		zap.Int("processed", len(st.Processed)),
		zap.Bool("had_errors", st.HadErrors))
}

func keyStrings(keys []entry.Key) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	return out
}

func sortByCreated(sts []Status) {
	sort.SliceStable(sts, func(i, j int) bool {
		if !sts[i].Created.Equal(sts[j].Created) {
			return sts[i].Created.Before(sts[j].Created)
		}
		return sts[i].ID < sts[j].ID
	})
}

// targets groups keys by entry type and id type.
type targets struct {
	localFiles, localFolders   []int
	remoteFiles, remoteFolders []string
	invalid                    []entry.Key
}

func splitTargets(keys []entry.Key) targets {
	var t targets
	for _, k := range keys {
		ref := k.Ref()
		if id, ok := ref.Local(); ok {
			if k.Type == entry.TypeFile {
				t.localFiles = append(t.localFiles, id)
			} else {
				t.localFolders = append(t.localFolders, id)
			}
			continue
		}
		if id, ok := ref.Remote(); ok {
			if k.Type == entry.TypeFile {
				t.remoteFiles = append(t.remoteFiles, id)
			} else {
				t.remoteFolders = append(t.remoteFolders, id)
			}
			continue
		}
		t.invalid = append(t.invalid, k)
	}
	return t
}
