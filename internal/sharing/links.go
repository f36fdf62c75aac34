package sharing

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/fruitsalade/docspace/internal/entry"
	"github.com/fruitsalade/docspace/internal/metrics"
)

var (
	ErrLinkNotFound     = errors.New("share link not found")
	ErrLinkRevoked      = errors.New("share link has been revoked")
	ErrLinkExpired      = errors.New("share link has expired")
	ErrLinkExhausted    = errors.New("share link download limit reached")
	ErrPasswordRequired = errors.New("password required")
	ErrInvalidPassword  = errors.New("invalid password")
)

// Link is an entry shared by URL.
type Link struct {
	ID            string
	Entry         entry.Key
	Access        Access
	CreatedBy     string
	ExpiresAt     *time.Time
	PasswordHash  string
	MaxDownloads  int
	DownloadCount int
	IsActive      bool
	CreatedAt     time.Time
}

// HasPassword reports whether the link is password protected.
func (l *Link) HasPassword() bool { return l.PasswordHash != "" }

// LinkOptions are the optional settings of a new link.
type LinkOptions struct {
	Password     string
	ExpiresIn    time.Duration
	MaxDownloads int
}

// LinkStore manages share links.
type LinkStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewLinkStore creates a new share link store.
func NewLinkStore(db *sql.DB) *LinkStore {
	return &LinkStore{db: db, now: time.Now}
}

// Create creates a new share link.
func (s *LinkStore) Create(ctx context.Context, key entry.Key, access Access, createdBy string, opts LinkOptions) (*Link, error) {
	id, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}

	var hash string
	if opts.Password != "" {
		hashed, err := bcrypt.GenerateFromPassword([]byte(opts.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		hash = string(hashed)
	}

	now := s.now().UTC()
	var expiresAt *time.Time
	if opts.ExpiresIn > 0 {
		t := now.Add(opts.ExpiresIn)
		expiresAt = &t
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO share_links (id, entry_key, access, created_by, password_hash, expires_at, max_downloads, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, key.String(), int(access), createdBy, hash, expiresAt, opts.MaxDownloads, now)
	if err != nil {
		return nil, fmt.Errorf("insert share link: %w", err)
	}

	s.updateActiveCount(ctx)
	return &Link{
		ID:           id,
		Entry:        key,
		Access:       access,
		CreatedBy:    createdBy,
		ExpiresAt:    expiresAt,
		PasswordHash: hash,
		MaxDownloads: opts.MaxDownloads,
		IsActive:     true,
		CreatedAt:    now,
	}, nil
}

// Get returns a link without validating it.
func (s *LinkStore) Get(ctx context.Context, id string) (*Link, error) {
	var link Link
	var key string
	var access int
	var expiresAt sql.NullTime

	err := s.db.QueryRowContext(ctx,
		`SELECT id, entry_key, access, created_by, password_hash, expires_at,
		        max_downloads, download_count, is_active, created_at
		 FROM share_links WHERE id = $1`, id).
		Scan(&link.ID, &key, &access, &link.CreatedBy, &link.PasswordHash, &expiresAt,
			&link.MaxDownloads, &link.DownloadCount, &link.IsActive, &link.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLinkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query share link: %w", err)
	}
	if link.Entry, err = entry.ParseKey(key); err != nil {
		return nil, err
	}
	link.Access = Access(access)
	if expiresAt.Valid {
		link.ExpiresAt = &expiresAt.Time
	}
	return &link, nil
}

// Validate checks that a link exists, is active, has not expired, has
// downloads left and that password matches.
func (s *LinkStore) Validate(ctx context.Context, id, password string) (*Link, error) {
	link, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !link.IsActive {
		return nil, ErrLinkRevoked
	}
	if link.ExpiresAt != nil && s.now().After(*link.ExpiresAt) {
		return nil, ErrLinkExpired
	}
	if link.MaxDownloads > 0 && link.DownloadCount >= link.MaxDownloads {
		return nil, ErrLinkExhausted
	}
	if link.HasPassword() {
		if password == "" {
			return nil, ErrPasswordRequired
		}
		if err := bcrypt.CompareHashAndPassword([]byte(link.PasswordHash), []byte(password)); err != nil {
			return nil, ErrInvalidPassword
		}
	}
	metrics.RecordShareLinkUse()
	return link, nil
}

// IncrementDownloads counts one download through the link.
func (s *LinkStore) IncrementDownloads(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE share_links SET download_count = download_count + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("increment downloads: %w", err)
	}
	return nil
}

// Revoke deactivates a share link.
func (s *LinkStore) Revoke(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE share_links SET is_active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("revoke share link: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLinkNotFound
	}
	s.updateActiveCount(ctx)
	return nil
}

// ListByEntry returns the active links of an entry, newest first.
func (s *LinkStore) ListByEntry(ctx context.Context, key entry.Key) ([]*Link, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM share_links
		 WHERE entry_key = $1 AND is_active = TRUE
		 ORDER BY created_at DESC`, key.String())
	if err != nil {
		return nil, fmt.Errorf("list share links: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan share link: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	links := make([]*Link, 0, len(ids))
	for _, id := range ids {
		l, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, nil
}

// RevokeEntries deactivates every link on keys.
func (s *LinkStore) RevokeEntries(ctx context.Context, keys ...entry.Key) error {
	for _, k := range keys {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE share_links SET is_active = FALSE WHERE entry_key = $1`, k.String()); err != nil {
			return fmt.Errorf("revoke share links: %w", err)
		}
	}
	s.updateActiveCount(ctx)
	return nil
}

func (s *LinkStore) updateActiveCount(ctx context.Context) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM share_links WHERE is_active = TRUE`).Scan(&count)
	if err == nil {
		metrics.SetShareLinksActive(count)
	}
}

func generateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
