// Package security answers what an actor may do with an entry.
//
// Rights come from, in order: the admin flag, the trash owner rule,
// ownership of the entry or of its root, the Common root, and finally the
// nearest access grant on the entry or one of its ancestors.
package security

import (
	"context"
	"fmt"

	"github.com/fruitsalade/docspace/internal/entry"
	"github.com/fruitsalade/docspace/internal/metrics"
	"github.com/fruitsalade/docspace/internal/sharing"
)

// Actor is the subject of a security check.
type Actor struct {
	ID        string
	IsAdmin   bool
	IsVisitor bool
}

// Rights are the capabilities an actor has on one entry.
type Rights struct {
	Read         bool
	Edit         bool
	Delete       bool
	Review       bool
	Comment      bool
	FillForms    bool
	CustomFilter bool
}

func full() Rights {
	return Rights{Read: true, Edit: true, Delete: true, Review: true, Comment: true, FillForms: true, CustomFilter: true}
}

// Grants is the source of access records.
type Grants interface {
	ForEntries(ctx context.Context, keys ...entry.Key) ([]sharing.Record, error)
	SharedWith(ctx context.Context, subject string) ([]sharing.Record, error)
}

// Hierarchy resolves the folders above an entry.
type Hierarchy interface {
	// Ancestors returns the keys of the folders containing e, nearest
	// first.
	Ancestors(ctx context.Context, e entry.Entry) ([]entry.Key, error)
}

// Filter evaluates rights.
type Filter struct {
	grants Grants
	tree   Hierarchy
}

// NewFilter creates a filter.
func NewFilter(grants Grants, tree Hierarchy) *Filter {
	return &Filter{grants: grants, tree: tree}
}

// Rights computes the rights of actor on e.
func (f *Filter) Rights(ctx context.Context, actor Actor, e entry.Entry) (Rights, error) {
	out, err := f.rightsMany(ctx, actor, []entry.Entry{e})
	if err != nil {
		return Rights{}, err
	}
	return out[0], nil
}

func (f *Filter) check(ctx context.Context, actor Actor, e entry.Entry, pick func(Rights) bool) (bool, error) {
	r, err := f.Rights(ctx, actor, e)
	if err != nil {
		return false, err
	}
	ok := pick(r)
	metrics.RecordPermissionCheck(ok)
	return ok, nil
}

func (f *Filter) CanRead(ctx context.Context, actor Actor, e entry.Entry) (bool, error) {
	return f.check(ctx, actor, e, func(r Rights) bool { return r.Read })
}

func (f *Filter) CanEdit(ctx context.Context, actor Actor, e entry.Entry) (bool, error) {
	return f.check(ctx, actor, e, func(r Rights) bool { return r.Edit })
}

func (f *Filter) CanDelete(ctx context.Context, actor Actor, e entry.Entry) (bool, error) {
	return f.check(ctx, actor, e, func(r Rights) bool { return r.Delete })
}

func (f *Filter) CanReview(ctx context.Context, actor Actor, e entry.Entry) (bool, error) {
	return f.check(ctx, actor, e, func(r Rights) bool { return r.Review })
}

func (f *Filter) CanComment(ctx context.Context, actor Actor, e entry.Entry) (bool, error) {
	return f.check(ctx, actor, e, func(r Rights) bool { return r.Comment })
}

func (f *Filter) CanFillForms(ctx context.Context, actor Actor, e entry.Entry) (bool, error) {
	return f.check(ctx, actor, e, func(r Rights) bool { return r.FillForms })
}

func (f *Filter) CanCustomFilterEdit(ctx context.Context, actor Actor, e entry.Entry) (bool, error) {
	return f.check(ctx, actor, e, func(r Rights) bool { return r.CustomFilter })
}

// FilterRead keeps the entries actor can read, preserving order.
func (f *Filter) FilterRead(ctx context.Context, actor Actor, entries []entry.Entry) ([]entry.Entry, error) {
	if len(entries) == 0 {
		return entries, nil
	}
	rights, err := f.rightsMany(ctx, actor, entries)
	if err != nil {
		return nil, err
	}
	out := entries[:0:0]
	for i, e := range entries {
		if rights[i].Read {
			out = append(out, e)
		}
	}
	return out, nil
}

// SharedWithMe returns the keys of entries shared with actor by someone
// else, newest grant first. Keys appear once.
func (f *Filter) SharedWithMe(ctx context.Context, actor Actor) ([]entry.Key, error) {
	recs, err := f.grants.SharedWith(ctx, actor.ID)
	if err != nil {
		return nil, err
	}
	seen := make(map[entry.Key]bool, len(recs))
	direct := make(map[entry.Key]sharing.Access, len(recs))
	for _, r := range recs {
		if r.Subject == actor.ID {
			direct[r.Entry] = r.Access
		}
	}
	var out []entry.Key
	for _, r := range recs {
		if seen[r.Entry] {
			continue
		}
		seen[r.Entry] = true
		access, ok := direct[r.Entry]
		if !ok {
			access = r.Access
		}
		if access.CanRead() {
			out = append(out, r.Entry)
		}
	}
	return out, nil
}

// Recipients returns the actors, other than everyone-grants, that can read
// e through a grant, plus the owner of its root.
func (f *Filter) Recipients(ctx context.Context, e entry.Entry) ([]string, error) {
	chain, err := f.chain(ctx, e, map[entry.Key][]entry.Key{})
	if err != nil {
		return nil, err
	}
	recs, err := f.grants.ForEntries(ctx, chain...)
	if err != nil {
		return nil, fmt.Errorf("load grants: %w", err)
	}
	byKey := groupByKey(recs)

	decided := map[string]bool{}
	var out []string
	for _, k := range chain {
		for _, r := range byKey[k] {
			if r.Subject == sharing.SubjectEveryone || decided[r.Subject] {
				continue
			}
			decided[r.Subject] = true
			if r.Access.CanRead() {
				out = append(out, r.Subject)
			}
		}
	}
	if owner := e.Info().RootCreatedBy; owner != "" && !decided[owner] {
		out = append(out, owner)
	}
	return out, nil
}

// chain returns e's key followed by its ancestors, nearest first. cache
// holds ancestor lists by parent key across calls in one batch.
func (f *Filter) chain(ctx context.Context, e entry.Entry, cache map[entry.Key][]entry.Key) ([]entry.Key, error) {
	parent := parentKey(e)
	anc, ok := cache[parent]
	if !ok || parent == (entry.Key{}) {
		var err error
		anc, err = f.tree.Ancestors(ctx, e)
		if err != nil {
			return nil, fmt.Errorf("resolve ancestors of %s: %w", e.Key(), err)
		}
		cache[parent] = anc
	}
	return append([]entry.Key{e.Key()}, anc...), nil
}

func (f *Filter) rightsMany(ctx context.Context, actor Actor, entries []entry.Entry) ([]Rights, error) {
	out := make([]Rights, len(entries))
	if actor.IsAdmin {
		for i := range out {
			out[i] = full()
		}
		return out, nil
	}

	cache := map[entry.Key][]entry.Key{}
	chains := make([][]entry.Key, len(entries))
	var keys []entry.Key
	seen := map[entry.Key]bool{}
	for i, e := range entries {
		if settled(actor, e.Info()) {
			continue
		}
		c, err := f.chain(ctx, e, cache)
		if err != nil {
			return nil, err
		}
		chains[i] = c
		for _, k := range c {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}

	var byKey map[entry.Key][]sharing.Record
	if len(keys) > 0 {
		recs, err := f.grants.ForEntries(ctx, keys...)
		if err != nil {
			return nil, fmt.Errorf("load grants: %w", err)
		}
		byKey = groupByKey(recs)
	}

	for i, e := range entries {
		access, granted := nearest(chains[i], byKey, actor.ID)
		out[i] = Decide(actor, e.Info(), access, granted)
	}
	return out, nil
}

// settled reports whether grants cannot change the outcome for info.
func settled(actor Actor, info *entry.EntryInfo) bool {
	if info.RootFolderType == entry.RootTrash {
		return true
	}
	return isOwner(actor, info)
}

func isOwner(actor Actor, info *entry.EntryInfo) bool {
	if actor.ID == "" {
		return false
	}
	if info.CreatedBy == actor.ID && info.RootFolderType != entry.RootCommon {
		return true
	}
	switch info.RootFolderType {
	case entry.RootUser, entry.RootPrivacy, entry.RootProviderMount:
		return info.RootCreatedBy == actor.ID
	}
	return false
}

func nearest(chain []entry.Key, byKey map[entry.Key][]sharing.Record, subject string) (sharing.Access, bool) {
	for _, k := range chain {
		if a, ok := sharing.Effective(byKey[k], subject); ok {
			return a, true
		}
	}
	return sharing.AccessNone, false
}

// Decide applies the rights rules to one entry given the nearest grant
// reaching the actor.
func Decide(actor Actor, info *entry.EntryInfo, access sharing.Access, granted bool) Rights {
	if actor.IsAdmin {
		return full()
	}
	if info.RootFolderType == entry.RootTrash {
		if info.RootCreatedBy == actor.ID && actor.ID != "" {
			return Rights{Read: true, Delete: true}
		}
		return Rights{}
	}
	if isOwner(actor, info) {
		r := full()
		if actor.IsVisitor {
			r.Delete = false
		}
		return r
	}
	if granted {
		r := fromAccess(access)
		if actor.IsVisitor {
			r.Edit = false
		}
		return r
	}
	if info.RootFolderType == entry.RootCommon {
		return Rights{Read: true}
	}
	return Rights{}
}

func fromAccess(a sharing.Access) Rights {
	switch a {
	case sharing.AccessReadWrite:
		return Rights{Read: true, Edit: true, Review: true, Comment: true, FillForms: true, CustomFilter: true}
	case sharing.AccessRead:
		return Rights{Read: true}
	case sharing.AccessReview:
		return Rights{Read: true, Review: true, Comment: true}
	case sharing.AccessComment:
		return Rights{Read: true, Comment: true}
	case sharing.AccessFillForms:
		return Rights{Read: true, FillForms: true}
	case sharing.AccessCustomFilter:
		return Rights{Read: true, CustomFilter: true}
	}
	return Rights{}
}

func groupByKey(recs []sharing.Record) map[entry.Key][]sharing.Record {
	out := make(map[entry.Key][]sharing.Record)
	for _, r := range recs {
		out[r.Entry] = append(out[r.Entry], r)
	}
	return out
}

func parentKey(e entry.Entry) entry.Key {
	switch v := e.(type) {
	case *entry.Folder[int]:
		return entry.FolderKey(v.ParentID)
	case *entry.Folder[string]:
		return entry.FolderKey(v.ParentID)
	case *entry.File[int]:
		return entry.FolderKey(v.FolderID)
	case *entry.File[string]:
		return entry.FolderKey(v.FolderID)
	}
	return entry.Key{}
}
