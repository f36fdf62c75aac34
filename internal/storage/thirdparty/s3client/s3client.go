// Package s3client serves S3-compatible object stores (Yandex Object
// Storage, kDrive S3 and the like) as provider mounts. Directories are
// key prefixes, made explicit with zero-byte "<dir>/" marker objects.
package s3client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"

	"github.com/fruitsalade/docspace/internal/content/s3"
	"github.com/fruitsalade/docspace/internal/storage/thirdparty"
)

// Single PUT ceiling of the S3 API.
const defaultMaxUploadSize = 5 << 30

// Config is the JSON config of an S3 mount.
type Config struct {
	s3.BackendConfig
	// Prefix scopes the mount to part of the bucket.
	Prefix        string `json:"prefix"`
	MaxUploadSize int64  `json:"max_upload_size"`
}

// Client maps provider paths onto keys of one bucket.
type Client struct {
	backend *s3.S3Backend
	prefix  string
	maxSize int64
}

var _ thirdparty.Client = (*Client)(nil)

// New connects to the bucket described by cfg.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	backend, err := s3.NewBackend(ctx, cfg.BackendConfig)
	if err != nil {
		return nil, err
	}
	c := &Client{backend: backend, prefix: thirdparty.CleanPath(cfg.Prefix), maxSize: cfg.MaxUploadSize}
	if c.maxSize <= 0 {
		c.maxSize = defaultMaxUploadSize
	}
	return c, nil
}

// NewFromJSON creates a client from a mount config.
func NewFromJSON(ctx context.Context, raw json.RawMessage) (thirdparty.Client, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse s3 mount config: %w", err)
	}
	return New(ctx, cfg)
}

func (c *Client) key(p string) string {
	p = thirdparty.CleanPath(p)
	if c.prefix == "" {
		return p
	}
	if p == "" {
		return c.prefix
	}
	return c.prefix + "/" + p
}

// dirKey is the listing prefix and marker key of directory p.
func (c *Client) dirKey(p string) string {
	k := c.key(p)
	if k == "" {
		return ""
	}
	return k + "/"
}

func (c *Client) path(key string) string {
	key = strings.TrimSuffix(key, "/")
	if c.prefix != "" {
		key = strings.TrimPrefix(strings.TrimPrefix(key, c.prefix), "/")
	}
	return key
}

func (c *Client) Stat(ctx context.Context, p string) (*thirdparty.Object, error) {
	p = thirdparty.CleanPath(p)
	if p == "" {
		return &thirdparty.Object{IsDir: true}, nil
	}
	info, err := c.backend.HeadObject(ctx, c.key(p))
	if err == nil {
		return &thirdparty.Object{Path: p, Size: info.Size, ModTime: info.LastModified}, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	objects, prefixes, err := c.backend.List(ctx, c.dirKey(p))
	if err != nil {
		return nil, err
	}
	if len(objects) == 0 && len(prefixes) == 0 {
		return nil, fmt.Errorf("stat %s: %w", p, fs.ErrNotExist)
	}
	return &thirdparty.Object{Path: p, IsDir: true}, nil
}

func (c *Client) List(ctx context.Context, p string) ([]thirdparty.Object, error) {
	dir := c.dirKey(p)
	objects, prefixes, err := c.backend.List(ctx, dir)
	if err != nil {
		return nil, err
	}
	out := make([]thirdparty.Object, 0, len(objects)+len(prefixes))
	for _, pre := range prefixes {
		out = append(out, thirdparty.Object{Path: c.path(pre), IsDir: true})
	}
	for _, obj := range objects {
		if obj.Key == dir {
			continue
		}
		out = append(out, thirdparty.Object{Path: c.path(obj.Key), Size: obj.Size, ModTime: obj.LastModified})
	}
	return out, nil
}

func (c *Client) Mkdir(ctx context.Context, p string) error {
	return c.backend.PutObject(ctx, c.dirKey(p), bytes.NewReader(nil), 0)
}

func (c *Client) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	rc, _, err := c.backend.GetObject(ctx, c.key(p), 0, 0)
	return rc, err
}

func (c *Client) Put(ctx context.Context, p string, body io.Reader, size int64) error {
	return c.backend.PutObject(ctx, c.key(p), body, size)
}

func (c *Client) Move(ctx context.Context, from, to string) error {
	if err := c.Copy(ctx, from, to); err != nil {
		return err
	}
	return c.Remove(ctx, from)
}

func (c *Client) Copy(ctx context.Context, from, to string) error {
	obj, err := c.Stat(ctx, from)
	if err != nil {
		return err
	}
	if !obj.IsDir {
		return c.backend.CopyObject(ctx, c.key(from), c.key(to))
	}
	if err := c.Mkdir(ctx, to); err != nil {
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

func (c *Client) Remove(ctx context.Context, p string) error {
	obj, err := c.Stat(ctx, p)
	if err != nil {
		return err
	}
	if !obj.IsDir {
		return c.backend.DeleteObject(ctx, c.key(p))
	}
	children, err := c.List(ctx, p)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := c.Remove(ctx, child.Path); err != nil {
			return err
		}
	}
	return c.backend.DeleteObject(ctx, c.dirKey(p))
}

func (c *Client) MaxUploadSize() int64 { return c.maxSize }

func (c *Client) Close() error { return c.backend.Close() }
