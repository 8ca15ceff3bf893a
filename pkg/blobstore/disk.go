package blobstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// DiskStore stores blobs as files under a root directory.
//
// Completed blobs live at <root>/<k[0:2]>/<key>; uploads in progress
// live next to them with a ".partial" suffix. Close writes through
// fsync and renames the partial into place, so a blob that exists under
// its final name is always complete.
type DiskStore struct {
	root string
}

// NewDiskStore creates the store rooted at dir, creating it if needed.
func NewDiskStore(dir string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &DiskStore{root: dir}, nil
}

// Close releases nothing for the disk backend.
func (s *DiskStore) Close() error {
	return nil
}

var _ BlobStore = (*DiskStore)(nil)

// blobPath fans keys out over 256 subdirectories to keep directory
// listings bounded.
func (s *DiskStore) blobPath(key string) string {
	shard := "00"
	if len(key) >= 2 {
		shard = key[:2]
	}
	return filepath.Join(s.root, shard, key)
}

func (s *DiskStore) partialPath(key string) string {
	return s.blobPath(key) + ".partial"
}

// OpenPut opens a write sink at key, resuming the partial at offset.
func (s *DiskStore) OpenPut(ctx context.Context, key string, offset uint64) (WriteSink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	partial := s.partialPath(key)
	if err := os.MkdirAll(filepath.Dir(partial), 0o755); err != nil {
		return nil, fmt.Errorf("create blob shard: %w", err)
	}

	f, err := os.OpenFile(partial, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open partial blob: %w", err)
	}

	if offset > 0 {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, err
		}
		if uint64(info.Size()) < offset {
			// The durable partial is shorter than the committed
			// progress claims; the record is stale.
			f.Close()
			return nil, ErrResumeUnsupported
		}
	}
	// Bytes beyond the committed offset were never acknowledged.
	if err := f.Truncate(int64(offset)); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate partial blob: %w", err)
	}
	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}

	return &diskSink{store: s, key: key, file: f}, nil
}

// OpenGet opens a completed blob for reading.
func (s *DiskStore) OpenGet(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.blobPath(key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// OpenPartial opens the partial bytes of an upload in progress.
func (s *DiskStore) OpenPartial(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.partialPath(key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Delete removes the blob and any partial under key.
func (s *DiskStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.blobPath(key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(s.partialPath(key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// diskSink writes an upload into the partial file and promotes it to
// the final name on Close.
type diskSink struct {
	store  *DiskStore
	key    string
	file   *os.File
	closed bool
}

func (w *diskSink) Write(p []byte) (int, error) {
	if w.closed {
		return 0, os.ErrClosed
	}
	return w.file.Write(p)
}

// Close makes the blob durable: fsync the data, rename into place,
// fsync the directory so the rename itself survives a crash.
func (w *diskSink) Close() error {
	if w.closed {
		return os.ErrClosed
	}
	w.closed = true

	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("sync blob: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	final := w.store.blobPath(w.key)
	if err := os.Rename(w.store.partialPath(w.key), final); err != nil {
		return fmt.Errorf("promote blob: %w", err)
	}

	dir, err := os.Open(filepath.Dir(final))
	if err != nil {
		return err
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		return fmt.Errorf("sync blob directory: %w", err)
	}
	return nil
}

// Abort stops the upload. The partial file is kept so a reconnecting
// client can resume from the committed offset.
func (w *diskSink) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}
