package blobstore

import (
	"bytes"
	"context"
	"io"
	"os"
	"sync"
)

// MemoryStore keeps blobs in process memory. Tests and ephemeral
// servers only.
type MemoryStore struct {
	mu       sync.RWMutex
	blobs    map[string][]byte
	partials map[string][]byte
}

// NewMemoryStore creates an empty in-memory blob store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs:    make(map[string][]byte),
		partials: make(map[string][]byte),
	}
}

// Close releases nothing for the memory backend.
func (s *MemoryStore) Close() error {
	return nil
}

var _ BlobStore = (*MemoryStore)(nil)

// OpenPut opens a write sink at key, resuming the partial at offset.
func (s *MemoryStore) OpenPut(ctx context.Context, key string, offset uint64) (WriteSink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var buf []byte
	if offset > 0 {
		partial := s.partials[key]
		if uint64(len(partial)) < offset {
			return nil, ErrResumeUnsupported
		}
		buf = append([]byte(nil), partial[:offset]...)
	}
	return &memorySink{store: s, key: key, buf: buf}, nil
}

// OpenGet opens a completed blob for reading.
func (s *MemoryStore) OpenGet(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	data, ok := s.blobs[key]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// OpenPartial opens the partial bytes of an upload in progress.
func (s *MemoryStore) OpenPartial(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	data, ok := s.partials[key]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete removes the blob and any partial under key.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, key)
	delete(s.partials, key)
	return nil
}

// Len reports the number of completed blobs. Test helper.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

type memorySink struct {
	store  *MemoryStore
	key    string
	buf    []byte
	closed bool
}

func (w *memorySink) Write(p []byte) (int, error) {
	if w.closed {
		return 0, os.ErrClosed
	}
	w.buf = append(w.buf, p...)
	return len(p), nil
}

func (w *memorySink) Close() error {
	if w.closed {
		return os.ErrClosed
	}
	w.closed = true

	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	w.store.blobs[w.key] = w.buf
	delete(w.store.partials, w.key)
	return nil
}

func (w *memorySink) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true

	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	w.store.partials[w.key] = w.buf
	return nil
}
