package blobstore

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDiskStore(t *testing.T) *DiskStore {
	t.Helper()
	store, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestDiskStorePutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestDiskStore(t)

	sink, err := store.OpenPut(ctx, "abc123", 0)
	require.NoError(t, err)
	_, err = sink.Write([]byte("hello blob"))
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	r, err := store.OpenGet(ctx, "abc123")
	require.NoError(t, err)
	defer r.Close()

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello blob"), data)
}

func TestDiskStoreGetMissing(t *testing.T) {
	store := newTestDiskStore(t)

	_, err := store.OpenGet(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDiskStorePartialInvisibleUntilClose(t *testing.T) {
	ctx := context.Background()
	store := newTestDiskStore(t)

	sink, err := store.OpenPut(ctx, "inflight", 0)
	require.NoError(t, err)
	_, err = sink.Write([]byte("half"))
	require.NoError(t, err)

	// Not promoted yet: a reader must not see it.
	_, err = store.OpenGet(ctx, "inflight")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, sink.Close())
	r, err := store.OpenGet(ctx, "inflight")
	require.NoError(t, err)
	r.Close()
}

func TestDiskStoreAbortKeepsPartialForResume(t *testing.T) {
	ctx := context.Background()
	store := newTestDiskStore(t)

	sink, err := store.OpenPut(ctx, "resume-me", 0)
	require.NoError(t, err)
	_, err = sink.Write([]byte("0123456789"))
	require.NoError(t, err)
	require.NoError(t, sink.Abort())

	// The partial survives the abort.
	pr, err := store.OpenPartial(ctx, "resume-me")
	require.NoError(t, err)
	partial, err := io.ReadAll(pr)
	pr.Close()
	require.NoError(t, err)
	assert.Equal(t, []byte("0123456789"), partial)

	// Resuming at offset 6 discards the unacknowledged tail.
	sink, err = store.OpenPut(ctx, "resume-me", 6)
	require.NoError(t, err)
	_, err = sink.Write([]byte("6789done"))
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	r, err := store.OpenGet(ctx, "resume-me")
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	r.Close()
	require.NoError(t, err)
	assert.Equal(t, []byte("0123456789done"), data)
}

func TestDiskStoreResumeBeyondPartial(t *testing.T) {
	ctx := context.Background()
	store := newTestDiskStore(t)

	sink, err := store.OpenPut(ctx, "short", 0)
	require.NoError(t, err)
	_, err = sink.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, sink.Abort())

	// The record claims more progress than the durable partial holds.
	_, err = store.OpenPut(ctx, "short", 100)
	assert.ErrorIs(t, err, ErrResumeUnsupported)
}

func TestDiskStoreDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestDiskStore(t)

	sink, err := store.OpenPut(ctx, "gone", 0)
	require.NoError(t, err)
	_, err = sink.Write([]byte("bye"))
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	require.NoError(t, store.Delete(ctx, "gone"))
	_, err = store.OpenGet(ctx, "gone")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting a missing key is not an error.
	assert.NoError(t, store.Delete(ctx, "gone"))
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	sink, err := store.OpenPut(ctx, "k", 0)
	require.NoError(t, err)
	_, err = sink.Write([]byte("in memory"))
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	r, err := store.OpenGet(ctx, "k")
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	r.Close()
	require.NoError(t, err)
	assert.Equal(t, []byte("in memory"), data)
}

func TestMemoryStoreAbortAndResume(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	sink, err := store.OpenPut(ctx, "k", 0)
	require.NoError(t, err)
	_, err = sink.Write([]byte("abcdef"))
	require.NoError(t, err)
	require.NoError(t, sink.Abort())

	pr, err := store.OpenPartial(ctx, "k")
	require.NoError(t, err)
	partial, err := io.ReadAll(pr)
	pr.Close()
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdef"), partial)

	sink, err = store.OpenPut(ctx, "k", 3)
	require.NoError(t, err)
	_, err = sink.Write([]byte("defGHI"))
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	r, err := store.OpenGet(ctx, "k")
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	r.Close()
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdefGHI"), data)
}
