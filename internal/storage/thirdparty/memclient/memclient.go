// Package memclient is an in-memory provider client. It backs the "memory"
// backend type used for demos and tests and can inject failures per path.
package memclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fruitsalade/docspace/internal/storage/thirdparty"
)

type node struct {
	dir     bool
	data    []byte
	modTime time.Time
}

// Client keeps a provider namespace in memory.
type Client struct {
	mu       sync.RWMutex
	nodes    map[string]*node
	failures map[string]error
	down     error
	maxSize  int64
	now      func() time.Time
}

var _ thirdparty.Client = (*Client)(nil)

// New returns an empty client.
func New() *Client {
	return &Client{
		nodes:    map[string]*node{"": {dir: true}},
		failures: map[string]error{},
		maxSize:  1 << 30,
		now:      time.Now,
	}
}

// Config is the JSON config of a memory mount.
type Config struct {
	MaxUploadSize int64 `json:"max_upload_size"`
}

// NewFromJSON creates a client from a mount config.
func NewFromJSON(_ context.Context, raw json.RawMessage) (thirdparty.Client, error) {
	var cfg Config
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse memory config: %w", err)
		}
	}
	c := New()
	if cfg.MaxUploadSize > 0 {
		c.maxSize = cfg.MaxUploadSize
	}
	return c, nil
}

// Shared returns a factory handing out the same client for every mount,
// so tests can seed and inspect it.
func Shared(c *Client) thirdparty.ClientFactory {
	return func(context.Context, json.RawMessage) (thirdparty.Client, error) { return c, nil }
}

// FailPath makes every call touching p fail with err. A nil err clears it.
func (c *Client) FailPath(p string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p = thirdparty.CleanPath(p)
	if err == nil {
		delete(c.failures, p)
		return
	}
	c.failures[p] = err
}

// SetDown makes every call fail with err, simulating an unreachable
// provider. A nil err brings it back.
func (c *Client) SetDown(err error) {
	c.mu.Lock()
	c.down = err
	c.mu.Unlock()
}

// SetMaxUploadSize changes the reported upload ceiling.
func (c *Client) SetMaxUploadSize(n int64) {
	c.mu.Lock()
	c.maxSize = n
	c.mu.Unlock()
}

// WriteFile seeds a file, creating missing parent directories.
func (c *Client) WriteFile(p string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p = thirdparty.CleanPath(p)
	c.mkdirAll(thirdparty.ParentPath(p))
	c.nodes[p] = &node{data: append([]byte(nil), data...), modTime: c.now()}
}

// ReadFile returns the content of a file.
func (c *Client) ReadFile(p string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.nodes[thirdparty.CleanPath(p)]
	if !ok || n.dir {
		return nil, false
	}
	return append([]byte(nil), n.data...), true
}

// Exists reports whether p exists.
func (c *Client) Exists(p string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.nodes[thirdparty.CleanPath(p)]
	return ok
}

func (c *Client) mkdirAll(p string) {
	for cur := p; ; cur = thirdparty.ParentPath(cur) {
		if _, ok := c.nodes[cur]; !ok {
			c.nodes[cur] = &node{dir: true, modTime: c.now()}
		}
		if cur == "" {
			return
		}
	}
}

func (c *Client) check(paths ...string) error {
	if c.down != nil {
		return c.down
	}
	for _, p := range paths {
		if err, ok := c.failures[p]; ok {
			return err
		}
	}
	return nil
}

func notExist(op, p string) error {
	return &fs.PathError{Op: op, Path: p, Err: fs.ErrNotExist}
}

func (c *Client) object(p string, n *node) thirdparty.Object {
	return thirdparty.Object{Path: p, IsDir: n.dir, Size: int64(len(n.data)), ModTime: n.modTime}
}

func (c *Client) Stat(_ context.Context, p string) (*thirdparty.Object, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p = thirdparty.CleanPath(p)
	if err := c.check(p); err != nil {
		return nil, err
	}
	n, ok := c.nodes[p]
	if !ok {
		return nil, notExist("stat", p)
	}
	obj := c.object(p, n)
	return &obj, nil
}

func (c *Client) List(_ context.Context, p string) ([]thirdparty.Object, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p = thirdparty.CleanPath(p)
	if err := c.check(p); err != nil {
		return nil, err
	}
	n, ok := c.nodes[p]
	if !ok || !n.dir {
		return nil, notExist("list", p)
	}
	var out []thirdparty.Object
	for path, child := range c.nodes {
		if path != "" && thirdparty.ParentPath(path) == p {
			out = append(out, c.object(path, child))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (c *Client) Mkdir(_ context.Context, p string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p = thirdparty.CleanPath(p)
	if err := c.check(p); err != nil {
		return err
	}
	parent, ok := c.nodes[thirdparty.ParentPath(p)]
	if !ok || !parent.dir {
		return notExist("mkdir", thirdparty.ParentPath(p))
	}
	if _, exists := c.nodes[p]; exists {
		return &fs.PathError{Op: "mkdir", Path: p, Err: fs.ErrExist}
	}
	c.nodes[p] = &node{dir: true, modTime: c.now()}
	return nil
}

func (c *Client) Open(_ context.Context, p string) (io.ReadCloser, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p = thirdparty.CleanPath(p)
	if err := c.check(p); err != nil {
		return nil, err
	}
	n, ok := c.nodes[p]
	if !ok || n.dir {
		return nil, notExist("open", p)
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), n.data...))), nil
}

func (c *Client) Put(ctx context.Context, p string, body io.Reader, _ int64) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p = thirdparty.CleanPath(p)
	if err := c.check(p); err != nil {
		return err
	}
	if int64(len(data)) > c.maxSize {
		return fmt.Errorf("object of %d bytes exceeds the %d byte limit", len(data), c.maxSize)
	}
	parent, ok := c.nodes[thirdparty.ParentPath(p)]
	if !ok || !parent.dir {
		return notExist("put", thirdparty.ParentPath(p))
	}
	c.nodes[p] = &node{data: data, modTime: c.now()}
	return nil
}

// subtree lists p and every path below it.
func (c *Client) subtree(p string) []string {
	var out []string
	for path := range c.nodes {
		if path == p || (p == "" && path != "") || strings.HasPrefix(path, p+"/") {
			out = append(out, path)
		}
	}
	return out
}

func (c *Client) transfer(from, to string, remove bool) error {
	from, to = thirdparty.CleanPath(from), thirdparty.CleanPath(to)
	if err := c.check(from, to); err != nil {
		return err
	}
	if _, ok := c.nodes[from]; !ok {
		return notExist("move", from)
	}
	parent, ok := c.nodes[thirdparty.ParentPath(to)]
	if !ok || !parent.dir {
		return notExist("move", thirdparty.ParentPath(to))
	}
	moved := map[string]*node{}
	for _, path := range c.subtree(from) {
		n := c.nodes[path]
		cp := *n
		cp.data = append([]byte(nil), n.data...)
		moved[to+strings.TrimPrefix(path, from)] = &cp
		if remove {
			delete(c.nodes, path)
		}
	}
	for path, n := range moved {
		c.nodes[path] = n
	}
	return nil
}

func (c *Client) Move(_ context.Context, from, to string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transfer(from, to, true)
}

func (c *Client) Copy(_ context.Context, from, to string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transfer(from, to, false)
}

func (c *Client) Remove(_ context.Context, p string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p = thirdparty.CleanPath(p)
	if err := c.check(p); err != nil {
		return err
	}
	if _, ok := c.nodes[p]; !ok {
		return notExist("remove", p)
	}
	for _, path := range c.subtree(p) {
		delete(c.nodes, path)
	}
	if p == "" {
		c.nodes[""] = &node{dir: true, modTime: c.now()}
	}
	return nil
}

func (c *Client) MaxUploadSize() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxSize
}

func (c *Client) Close() error { return nil }
