// Package fsclient serves a provider that is mounted on the host, such as a
// WebDav or NextCloud share mounted with davfs2. It delegates object I/O to
// the local content backend rooted at the mount path.
package fsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fruitsalade/docspace/internal/content/local"
	"github.com/fruitsalade/docspace/internal/storage/thirdparty"
)

// Config holds host-mounted provider settings. Server and Username are
// kept for reference; I/O goes through MountPath.
type Config struct {
	Server        string `json:"server"`
	Username      string `json:"username"`
	MountPath     string `json:"mount_path"`
	MaxUploadSize int64  `json:"max_upload_size"`
}

// Client wraps a local backend at the mount point.
type Client struct {
	*local.LocalBackend
	config Config
}

var _ thirdparty.Client = (*Client)(nil)

// New creates a client from cfg.
func New(cfg Config) (*Client, error) {
	if cfg.MountPath == "" {
		return nil, fmt.Errorf("mount_path is required")
	}
	lb, err := local.New(local.Config{RootPath: cfg.MountPath, CreateDirs: true})
	if err != nil {
		return nil, fmt.Errorf("provider mount at %s: %w", cfg.MountPath, err)
	}
	if cfg.MaxUploadSize <= 0 {
		cfg.MaxUploadSize = 1 << 30
	}
	return &Client{LocalBackend: lb, config: cfg}, nil
}

// NewFromJSON creates a client from a mount config.
func NewFromJSON(_ context.Context, raw json.RawMessage) (thirdparty.Client, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse fs config: %w", err)
	}
	return New(cfg)
}

func (c *Client) full(p string) string {
	if p = thirdparty.CleanPath(p); p == "" {
		return c.Root()
	}
	return c.FullPath(p)
}

func object(p string, info os.FileInfo) *thirdparty.Object {
	obj := &thirdparty.Object{Path: p, IsDir: info.IsDir(), ModTime: info.ModTime().UTC()}
	if !obj.IsDir {
		obj.Size = info.Size()
	}
	return obj
}

func (c *Client) Stat(_ context.Context, p string) (*thirdparty.Object, error) {
	p = thirdparty.CleanPath(p)
	info, err := os.Stat(c.full(p))
	if err != nil {
		return nil, err
	}
	return object(p, info), nil
}

func (c *Client) List(_ context.Context, p string) ([]thirdparty.Object, error) {
	p = thirdparty.CleanPath(p)
	entries, err := os.ReadDir(c.full(p))
	if err != nil {
		return nil, err
	}
	out := make([]thirdparty.Object, 0, len(entries))
	for _, e := range entries {
		if e.Name()[0] == '.' {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, *object(thirdparty.JoinPath(p, e.Name()), info))
	}
	return out, nil
}

func (c *Client) Mkdir(_ context.Context, p string) error {
	return os.Mkdir(c.full(p), 0755)
}

func (c *Client) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	rc, _, err := c.GetObject(ctx, thirdparty.CleanPath(p), 0, 0)
	return rc, err
}

func (c *Client) Put(ctx context.Context, p string, body io.Reader, size int64) error {
	if _, err := os.Stat(filepath.Dir(c.full(p))); err != nil {
		return err
	}
	return c.PutObject(ctx, thirdparty.CleanPath(p), body, size)
}

func (c *Client) Move(_ context.Context, from, to string) error {
	if _, err := os.Stat(c.full(to)); err == nil {
		return fmt.Errorf("move %s: %w", to, os.ErrExist)
	}
	return os.Rename(c.full(from), c.full(to))
}

func (c *Client) Copy(ctx context.Context, from, to string) error {
	from, to = thirdparty.CleanPath(from), thirdparty.CleanPath(to)
	info, err := os.Stat(c.full(from))
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return c.CopyObject(ctx, from, to)
	}
	if err := os.Mkdir(c.full(to), 0755); err != nil {
		return err
	}
	children, err := c.List(ctx, from)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := c.Copy(ctx, child.Path, thirdparty.JoinPath(to, child.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) Remove(_ context.Context, p string) error {
	full := c.full(p)
	if _, err := os.Stat(full); err != nil {
		return err
	}
	return os.RemoveAll(full)
}

func (c *Client) MaxUploadSize() int64 { return c.config.MaxUploadSize }
