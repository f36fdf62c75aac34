// Package quota provides per-actor storage quotas.
package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fruitsalade/docspace/internal/entry"
	"github.com/fruitsalade/docspace/internal/metrics"
)

// Quota holds an actor's limits. Zero means unlimited.
type Quota struct {
	Owner           string
	MaxStorageBytes int64
	MaxUploadBytes  int64
}

// Usage reports how many bytes an actor's files occupy.
type Usage interface {
	StorageUsed(ctx context.Context, owner string) (int64, error)
}

// Store manages quotas and checks uploads against them.
type Store struct {
	db    *sql.DB
	usage Usage
	// defaultMax applies to actors without a quota record.
	defaultMax int64
	now        func() time.Time
}

// NewStore creates a quota store.
func NewStore(db *sql.DB, usage Usage, defaultMaxStorage int64) *Store {
	return &Store{db: db, usage: usage, defaultMax: defaultMaxStorage, now: time.Now}
}

// Get returns the quota of owner, falling back to the default storage
// ceiling when none is set.
func (s *Store) Get(ctx context.Context, owner string) (*Quota, error) {
	q := &Quota{Owner: owner}
	err := s.db.QueryRowContext(ctx,
		`SELECT max_storage_bytes, max_upload_size FROM user_quotas WHERE user_id = $1`, owner).
		Scan(&q.MaxStorageBytes, &q.MaxUploadBytes)
	if errors.Is(err, sql.ErrNoRows) {
		q.MaxStorageBytes = s.defaultMax
		return q, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get quota: %w", err)
	}
	return q, nil
}

// Set creates or replaces the quota of q.Owner.
func (s *Store) Set(ctx context.Context, q *Quota) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_quotas (user_id, max_storage_bytes, max_upload_size, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id) DO UPDATE SET
			max_storage_bytes = EXCLUDED.max_storage_bytes,
			max_upload_size = EXCLUDED.max_upload_size,
			updated_at = EXCLUDED.updated_at`,
		q.Owner, q.MaxStorageBytes, q.MaxUploadBytes, s.now().UTC())
	if err != nil {
		return fmt.Errorf("set quota: %w", err)
	}
	return nil
}

// Used returns the bytes owner currently occupies.
func (s *Store) Used(ctx context.Context, owner string) (int64, error) {
	return s.usage.StorageUsed(ctx, owner)
}

// Check fails with entry.ErrQuotaExceeded when owner cannot store
// additional more bytes in one upload of that size.
func (s *Store) Check(ctx context.Context, owner string, additional int64) error {
	q, err := s.Get(ctx, owner)
	if err != nil {
		return err
	}
	if q.MaxUploadBytes > 0 && additional > q.MaxUploadBytes {
		metrics.RecordQuotaExceeded("upload")
		return fmt.Errorf("upload of %d bytes over the %d byte limit: %w", additional, q.MaxUploadBytes, entry.ErrQuotaExceeded)
	}
	if q.MaxStorageBytes == 0 {
		return nil
	}
	used, err := s.Used(ctx, owner)
	if err != nil {
		return err
	}
	if used+additional > q.MaxStorageBytes {
		metrics.RecordQuotaExceeded("storage")
		return fmt.Errorf("%d of %d bytes used, %d more requested: %w", used, q.MaxStorageBytes, additional, entry.ErrQuotaExceeded)
	}
	return nil
}

// UploadLimit returns the actor's upload size limit, or 0 when the global
// limit applies.
func (s *Store) UploadLimit(ctx context.Context, owner string) (int64, error) {
	q, err := s.Get(ctx, owner)
	if err != nil {
		return 0, err
	}
	return q.MaxUploadBytes, nil
}
