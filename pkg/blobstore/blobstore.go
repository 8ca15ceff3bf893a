// Package blobstore provides content-addressed blob storage for the
// transfer engine.
//
// Blobs are opaque byte streams keyed by storage keys minted by the
// metadata layer; the store never invents keys and never interprets the
// bytes (they are deflated content, but that is the engine's concern).
//
// Three backends are provided: disk (temp-and-rename with fsync),
// memory (tests and ephemeral servers) and S3 (multipart upload).
package blobstore

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by OpenGet and OpenPartial when no blob or
// partial upload exists under the key.
var ErrNotFound = errors.New("blob not found")

// ErrResumeUnsupported is returned by OpenPut when the backend cannot
// continue a partial upload at the requested offset. The engine reacts
// by restarting the upload from offset zero with fresh progress.
var ErrResumeUnsupported = errors.New("resume at offset not supported")

// WriteSink consumes the bytes of one upload.
//
// Write order is the blob's byte order; the engine serializes writes.
// Close completes the blob and must be durable before returning success.
// Abort discards what was buffered without completing the blob; the
// partial bytes may be kept for resume depending on the backend.
type WriteSink interface {
	io.Writer

	// Close completes the upload durably.
	Close() error

	// Abort stops the upload, keeping resumable state where supported.
	Abort() error
}

// BlobStore is the storage interface consumed by the transfer engine.
//
// Implementations must be safe for concurrent use. Concurrent writers
// never share a key: storage keys are unique per upload.
type BlobStore interface {
	// OpenPut opens a write sink for the blob at key.
	//
	// offset > 0 resumes a previous partial upload: the sink continues
	// at that byte position, discarding any partial bytes beyond it.
	// Backends without resume support return ErrResumeUnsupported.
	OpenPut(ctx context.Context, key string, offset uint64) (WriteSink, error)

	// OpenGet opens a reader over a completed blob.
	OpenGet(ctx context.Context, key string) (io.ReadCloser, error)

	// OpenPartial opens a reader over the partial bytes of an
	// uncompleted upload, used to rebuild hash state on resume.
	OpenPartial(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the blob (or partial upload) at key. Idempotent.
	Delete(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}
