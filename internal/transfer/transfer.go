// Package transfer moves and copies entries between storage adapters whose
// ids have different types. Content is streamed one item at a time; nothing
// is held in memory beyond the copy buffer.
package transfer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/docspace/internal/entry"
	"github.com/fruitsalade/docspace/internal/logging"
	"github.com/fruitsalade/docspace/internal/metrics"
	"github.com/fruitsalade/docspace/internal/storage"
)

// DefaultBufferSize is used when no buffer size is configured.
const DefaultBufferSize = 256 << 10

// ErrTooLarge is returned when a file exceeds the destination's upload limit.
var ErrTooLarge = errors.New("file exceeds the destination upload limit")

// Item is the outcome for one source entry.
type Item struct {
	Source entry.Key
	// Dest is set when the entry was created at the destination.
	Dest entry.Key
	Err  error
}

// Result reports a transfer. Entries created before a failure stay at the
// destination.
type Result[D entry.ID] struct {
	// Root is the destination id of the top entry, zero if it was not
	// created.
	Root    D
	Created []D
	Items   []Item
	// Err is the first error encountered.
	Err error
}

func (r *Result[D]) record(src entry.Key, dest *entry.Key, err error) {
	it := Item{Source: src, Err: err}
	if dest != nil {
		it.Dest = *dest
	}
	r.Items = append(r.Items, it)
	if err != nil && r.Err == nil {
		r.Err = err
	}
}

// Failed reports whether any item failed.
func (r *Result[D]) Failed() bool { return r.Err != nil }

// Coordinator transfers entries from Src to Dst.
type Coordinator[S, D entry.ID] struct {
	Src storage.Adapter[S]
	Dst storage.Adapter[D]
	// BufferSize bounds the bytes in flight per file.
	BufferSize int
	// OnMoved is called for every entry that moved, after its source is
	// gone, so per-entry state keyed by id can follow it.
	OnMoved func(ctx context.Context, from, to entry.Key)
}

// New creates a coordinator.
func New[S, D entry.ID](src storage.Adapter[S], dst storage.Adapter[D], bufferSize int) *Coordinator[S, D] {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Coordinator[S, D]{Src: src, Dst: dst, BufferSize: bufferSize}
}

// CopyFile copies one file into destFolder.
func (c *Coordinator[S, D]) CopyFile(ctx context.Context, id S, destFolder D) *Result[D] {
	res := &Result[D]{}
	if f, err := c.copyFile(ctx, id, destFolder); err != nil {
		res.record(entry.FileKey(id), nil, err)
	} else {
		res.Root = f.ID
		res.Created = append(res.Created, f.ID)
		key := f.Key()
		res.record(entry.FileKey(id), &key, nil)
	}
	return res
}

// MoveFile copies a file, then deletes the source once the copy exists.
func (c *Coordinator[S, D]) MoveFile(ctx context.Context, id S, destFolder D) *Result[D] {
	res := c.CopyFile(ctx, id, destFolder)
	if res.Failed() {
		return res
	}
	if err := c.Src.DeleteFile(ctx, id); err != nil {
		res.Items[0].Err = fmt.Errorf("remove source: %w", err)
		res.Err = res.Items[0].Err
		return res
	}
	c.moved(ctx, entry.FileKey(id), entry.FileKey(res.Root))
	return res
}

// CopyFolder copies a folder and its subtree into destParent. A failed
// folder skips its own subtree; siblings continue.
func (c *Coordinator[S, D]) CopyFolder(ctx context.Context, id S, destParent D) *Result[D] {
	res := &Result[D]{}
	folder, err := c.Src.GetFolder(ctx, id)
	if err != nil {
		res.record(entry.FolderKey(id), nil, err)
		return res
	}
	res.Root, _ = c.copyTree(ctx, folder, destParent, res)
	return res
}

// MoveFolder copies a folder tree and deletes the source subtree only when
// every item arrived.
func (c *Coordinator[S, D]) MoveFolder(ctx context.Context, id S, destParent D) *Result[D] {
	res := c.CopyFolder(ctx, id, destParent)
	if res.Failed() {
		logging.Warn("folder move incomplete, source kept",
			zap.String("folder", entry.FolderKey(id).String()),
			zap.Int("items", len(res.Items)),
			zap.Error(res.Err))
		return res
	}
	if err := c.Src.DeleteFolder(ctx, id); err != nil {
		err = fmt.Errorf("remove source: %w", err)
		res.record(entry.FolderKey(id), nil, err)
		return res
	}
	for _, it := range res.Items {
		c.moved(ctx, it.Source, it.Dest)
	}
	return res
}

func (c *Coordinator[S, D]) moved(ctx context.Context, from, to entry.Key) {
	if c.OnMoved != nil {
		c.OnMoved(ctx, from, to)
	}
}

func (c *Coordinator[S, D]) copyTree(ctx context.Context, folder *entry.Folder[S], destParent D, res *Result[D]) (D, bool) {
	var zero D
	src := folder.Key()
	if err := ctx.Err(); err != nil {
		res.record(src, nil, err)
		return zero, false
	}

	newID, err := c.Dst.CreateFolder(ctx, destParent, folder.Title, folder.CreatedBy)
	if err != nil {
		res.record(src, nil, err)
		metrics.RecordTransferItem("folder", false)
		return zero, false
	}
	dest := entry.FolderKey(newID)
	res.Created = append(res.Created, newID)
	res.record(src, &dest, nil)
	metrics.RecordTransferItem("folder", true)

	files, err := c.Src.ListFiles(ctx, folder.ID, storage.Query{})
	if err != nil {
		res.record(src, nil, err)
		return newID, false
	}
	ok := true
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			res.record(f.Key(), nil, err)
			return newID, false
		}
		created, err := c.copyFile(ctx, f.ID, newID)
		if err != nil {
			res.record(f.Key(), nil, err)
			ok = false
			continue
		}
		key := created.Key()
		res.Created = append(res.Created, created.ID)
		res.record(f.Key(), &key, nil)
	}

	subs, err := c.Src.ListFolders(ctx, folder.ID, storage.Query{})
	if err != nil {
		res.record(src, nil, err)
		return newID, false
	}
	for _, sub := range subs {
		if _, subOK := c.copyTree(ctx, sub, newID, res); !subOK {
			ok = false
		}
	}
	return newID, ok
}

func (c *Coordinator[S, D]) copyFile(ctx context.Context, id S, destFolder D) (*entry.File[D], error) {
	start := time.Now()
	f, err := c.Src.GetFile(ctx, id)
	if err != nil {
		metrics.RecordTransferItem("file", false)
		return nil, err
	}
	limit, err := c.Dst.MaxUploadSize(ctx, destFolder, true)
	if err != nil {
		metrics.RecordTransferItem("file", false)
		return nil, err
	}
	if limit > 0 && f.ContentLength > limit {
		metrics.RecordTransferItem("file", false)
		return nil, fmt.Errorf("%s (%d bytes, limit %d): %w", f.Title, f.ContentLength, limit, ErrTooLarge)
	}

	rc, err := c.Src.OpenFile(ctx, f)
	if err != nil {
		metrics.RecordTransferItem("file", false)
		return nil, err
	}
	defer rc.Close()

	body := &meter{r: bufio.NewReaderSize(rc, c.BufferSize)}
	created, err := c.Dst.SaveFile(ctx, &entry.File[D]{
		EntryInfo: entry.EntryInfo{
			Title:      f.Title,
			CreatedBy:  f.CreatedBy,
			ModifiedBy: f.ModifiedBy,
		},
		FolderID:      destFolder,
		ContentLength: f.ContentLength,
		ConvertedType: f.ConvertedType,
		Encrypted:     f.Encrypted,
		Comment:       f.Comment,
	}, body)
	metrics.RecordTransferBytes(body.n)
	if err != nil {
		metrics.RecordTransferItem("file", false)
		return nil, err
	}
	metrics.RecordTransferItem("file", true)
	logging.Debug("file transferred",
		zap.String("from", entry.FileKey(id).String()),
		zap.String("to", created.Key().String()),
		zap.Int64("bytes", body.n),
		zap.Duration("took", time.Since(start)))
	return created, nil
}

type meter struct {
	r io.Reader
	n int64
}

func (m *meter) Read(p []byte) (int, error) {
	n, err := m.r.Read(p)
	m.n += int64(n)
	return n, err
}
