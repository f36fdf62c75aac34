package thirdparty

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fruitsalade/docspace/internal/entry"
)

// Mount maps to the provider_accounts table.
type Mount struct {
	ID             int                  `json:"id"`
	ProviderKey    string               `json:"provider_key"`
	Title          string               `json:"title"`
	OwnerID        string               `json:"owner_id"`
	RootFolderType entry.RootFolderType `json:"root_folder_type"`
	// FolderID is the local folder the mount root is listed under.
	FolderID    int             `json:"folder_id"`
	BackendType string          `json:"backend_type"`
	Config      json.RawMessage `json:"config"`
	CreatedAt   time.Time       `json:"created_at"`
}

// RootID is the entry id of the mount root.
func (m *Mount) RootID() string { return MakeID(m.ProviderKey, m.ID, "") }

// MountStore provides CRUD operations for provider_accounts.
type MountStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewMountStore creates a new MountStore.
func NewMountStore(db *sql.DB) *MountStore {
	return &MountStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const mountColumns = `id, provider_key, title, owner_id, root_folder_type, folder_id, backend_type, config, created_at`

func scanMount(s interface{ Scan(...any) error }) (*Mount, error) {
	var (
		m        Mount
		rootType int
		config   string
	)
	if err := s.Scan(&m.ID, &m.ProviderKey, &m.Title, &m.OwnerID, &rootType,
		&m.FolderID, &m.BackendType, &config, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.RootFolderType = entry.RootFolderType(rootType)
	m.Config = json.RawMessage(config)
	return &m, nil
}

func (s *MountStore) query(ctx context.Context, where string, args ...any) ([]*Mount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+mountColumns+` FROM provider_accounts `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("list mounts: %w", err)
	}
	defer rows.Close()

	var mounts []*Mount
	for rows.Next() {
		m, err := scanMount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mount: %w", err)
		}
		mounts = append(mounts, m)
	}
	return mounts, rows.Err()
}

// List returns all mounts.
func (s *MountStore) List(ctx context.Context) ([]*Mount, error) {
	return s.query(ctx, `ORDER BY id`)
}

// ListByFolder returns the mounts listed under a local folder.
func (s *MountStore) ListByFolder(ctx context.Context, folderID int) ([]*Mount, error) {
	return s.query(ctx, `WHERE folder_id = $1 ORDER BY title`, folderID)
}

// Get returns a mount by id.
func (s *MountStore) Get(ctx context.Context, id int) (*Mount, error) {
	m, err := scanMount(s.db.QueryRowContext(ctx,
		`SELECT `+mountColumns+` FROM provider_accounts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mount %d: %w", id, entry.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get mount: %w", err)
	}
	return m, nil
}

// Create inserts a mount and returns it with the generated id.
func (s *MountStore) Create(ctx context.Context, m *Mount) (*Mount, error) {
	if !entry.IsProviderKey(m.ProviderKey) {
		return nil, fmt.Errorf("unknown provider key %q", m.ProviderKey)
	}
	if len(m.Config) == 0 {
		m.Config = json.RawMessage("{}")
	}
	m.CreatedAt = s.now()
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO provider_accounts (provider_key, title, owner_id, root_folder_type, folder_id, backend_type, config, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		m.ProviderKey, m.Title, m.OwnerID, int(m.RootFolderType), m.FolderID, m.BackendType, string(m.Config), m.CreatedAt).
		Scan(&m.ID)
	if err != nil {
		return nil, fmt.Errorf("create mount: %w", err)
	}
	return m, nil
}

// Rename changes the title the mount root is listed with.
func (s *MountStore) Rename(ctx context.Context, id int, title string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE provider_accounts SET title = $1 WHERE id = $2`, title, id)
	if err != nil {
		return fmt.Errorf("rename mount: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mount %d: %w", id, entry.ErrNotFound)
	}
	return nil
}

// Move re-lists the mount root under another local folder.
func (s *MountStore) Move(ctx context.Context, id, folderID int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE provider_accounts SET folder_id = $1 WHERE id = $2`, folderID, id)
	if err != nil {
		return fmt.Errorf("move mount: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mount %d: %w", id, entry.ErrNotFound)
	}
	return nil
}

// Delete removes a mount registration.
func (s *MountStore) Delete(ctx context.Context, id int) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM provider_accounts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete mount: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mount %d: %w", id, entry.ErrNotFound)
	}
	return nil
}
