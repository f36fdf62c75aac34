// Package sharing stores access records granted on entries and the share
// links that hand out access without an account.
package sharing

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/fruitsalade/docspace/internal/entry"
)

// Access is the share level granted to a subject.
type Access int

const (
	AccessNone      Access = 0
	AccessReadWrite Access = 1
	AccessRead      Access = 2
	AccessRestrict  Access = 3
	// 4 was used for "varies" and is never stored.
	AccessReview       Access = 5
	AccessComment      Access = 6
	AccessFillForms    Access = 7
	AccessCustomFilter Access = 8
)

func (a Access) String() string {
	switch a {
	case AccessNone:
		return "none"
	case AccessReadWrite:
		return "read_write"
	case AccessRead:
		return "read"
	case AccessRestrict:
		return "restrict"
	case AccessReview:
		return "review"
	case AccessComment:
		return "comment"
	case AccessFillForms:
		return "fill_forms"
	case AccessCustomFilter:
		return "custom_filter"
	}
	return "unknown"
}

// CanRead reports whether a grants any read access.
func (a Access) CanRead() bool {
	return a != AccessNone && a != AccessRestrict
}

// SubjectEveryone grants a record to every actor.
const SubjectEveryone = "*"

// Record is one access grant on one entry.
type Record struct {
	Entry     entry.Key
	Subject   string
	Access    Access
	Owner     string
	CreatedAt time.Time
}

// PermissionStore manages access records.
type PermissionStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPermissionStore creates a new permission store.
func NewPermissionStore(db *sql.DB) *PermissionStore {
	return &PermissionStore{db: db, now: time.Now}
}

// Set grants access on an entry, replacing an existing grant for the same
// subject. AccessNone removes the grant.
func (s *PermissionStore) Set(ctx context.Context, r Record) error {
	if r.Access == AccessNone {
		return s.Remove(ctx, r.Entry, r.Subject)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO permissions (entry_key, subject, access, owner, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (entry_key, subject) DO UPDATE SET access = excluded.access, owner = excluded.owner`,
		r.Entry.String(), r.Subject, int(r.Access), r.Owner, s.now().UTC())
	if err != nil {
		return fmt.Errorf("set permission: %w", err)
	}
	return nil
}

// Remove deletes a subject's grant on an entry.
func (s *PermissionStore) Remove(ctx context.Context, key entry.Key, subject string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM permissions WHERE entry_key = $1 AND subject = $2`,
		key.String(), subject)
	if err != nil {
		return fmt.Errorf("remove permission: %w", err)
	}
	return nil
}

// RemoveEntries deletes every grant on keys.
func (s *PermissionStore) RemoveEntries(ctx context.Context, keys ...entry.Key) error {
	if len(keys) == 0 {
		return nil
	}
	args := make([]any, len(keys))
	marks := make([]string, len(keys))
	for i, k := range keys {
		args[i] = k.String()
		marks[i] = fmt.Sprintf("$%d", i+1)
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM permissions WHERE entry_key IN (`+strings.Join(marks, ", ")+`)`, args...)
	if err != nil {
		return fmt.Errorf("remove entry permissions: %w", err)
	}
	return nil
}

// Rekey moves every grant of from onto to.
func (s *PermissionStore) Rekey(ctx context.Context, from, to entry.Key) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE permissions SET entry_key = $1 WHERE entry_key = $2`,
		to.String(), from.String())
	if err != nil {
		return fmt.Errorf("rekey permissions: %w", err)
	}
	return nil
}

// ForEntries returns the grants on keys.
func (s *PermissionStore) ForEntries(ctx context.Context, keys ...entry.Key) ([]Record, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	args := make([]any, len(keys))
	marks := make([]string, len(keys))
	for i, k := range keys {
		args[i] = k.String()
		marks[i] = fmt.Sprintf("$%d", i+1)
	}
	return s.query(ctx,
		`SELECT entry_key, subject, access, owner, created_at FROM permissions
		 WHERE entry_key IN (`+strings.Join(marks, ", ")+`)
		 ORDER BY entry_key, subject`, args...)
}

// SharedWith returns the grants that reach subject, directly or through
// SubjectEveryone, excluding those the subject owns.
func (s *PermissionStore) SharedWith(ctx context.Context, subject string) ([]Record, error) {
	return s.query(ctx,
		`SELECT entry_key, subject, access, owner, created_at FROM permissions
		 WHERE (subject = $1 OR subject = $2) AND owner <> $1
		 ORDER BY created_at DESC, entry_key`, subject, SubjectEveryone)
}

// SharedBy returns the grants an owner has handed out.
func (s *PermissionStore) SharedBy(ctx context.Context, owner string) ([]Record, error) {
	return s.query(ctx,
		`SELECT entry_key, subject, access, owner, created_at FROM permissions
		 WHERE owner = $1 ORDER BY created_at DESC, entry_key`, owner)
}

func (s *PermissionStore) query(ctx context.Context, q string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list permissions: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var key string
		var access int
		if err := rows.Scan(&key, &r.Subject, &access, &r.Owner, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		if r.Entry, err = entry.ParseKey(key); err != nil {
			return nil, err
		}
		r.Access = Access(access)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Effective picks the access subject gets from records on one entry. A
// direct grant wins over an everyone grant.
func Effective(records []Record, subject string) (Access, bool) {
	var everyone *Record
	for i := range records {
		switch records[i].Subject {
		case subject:
			return records[i].Access, true
		case SubjectEveryone:
			everyone = &records[i]
		}
	}
	if everyone != nil {
		return everyone.Access, true
	}
	return AccessNone, false
}
