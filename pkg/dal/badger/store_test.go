package badger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filerift/filerift/pkg/dal"
	dalerrors "github.com/filerift/filerift/pkg/dal/errors"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBadgerUserAndNodeRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	info, err := s.CreateUser(ctx, "alice", "alice-token", 1<<20)
	require.NoError(t, err)

	got, err := s.GetUserByToken(ctx, "alice-token")
	require.NoError(t, err)
	assert.Equal(t, info.ID, got.ID)
	assert.Equal(t, info.RootVolumeID, got.RootVolumeID)

	rootID, gen, err := s.GetRoot(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), gen)

	dir, err := s.MakeDir(ctx, info.ID, info.RootVolumeID, rootID, "docs")
	require.NoError(t, err)
	file, err := s.MakeFile(ctx, info.ID, info.RootVolumeID, dir.ID, "note.txt", false)
	require.NoError(t, err)
	assert.Greater(t, file.Generation, dir.Generation)

	node, err := s.GetNode(ctx, info.ID, info.RootVolumeID, file.ID)
	require.NoError(t, err)
	assert.Equal(t, "note.txt", node.Name)
	assert.Equal(t, dir.ID, node.ParentID)

	vol, err := s.GetVolumeID(ctx, info.ID, file.ID)
	require.NoError(t, err)
	assert.Equal(t, info.RootVolumeID, vol)
}

func TestBadgerContentAndDelta(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	info, err := s.CreateUser(ctx, "alice", "tok", 1000)
	require.NoError(t, err)
	rootID, _, err := s.GetRoot(ctx, info.ID)
	require.NoError(t, err)
	node, err := s.MakeFile(ctx, info.ID, info.RootVolumeID, rootID, "a.bin", false)
	require.NoError(t, err)

	gen, err := s.MakeContent(ctx, info.ID, info.RootVolumeID, node.ID, dal.EmptyHash, dal.ContentBlob{
		Hash:         "sha1:feed",
		CRC32:        3,
		Size:         600,
		DeflatedSize: 500,
		StorageKey:   "key-1",
	})
	require.NoError(t, err)
	assert.Equal(t, node.Generation+1, gen)

	free, err := s.GetFreeBytes(ctx, info.ID, info.RootVolumeID)
	require.NoError(t, err)
	assert.Equal(t, uint64(400), free)

	// A conflicting previous hash is refused.
	_, err = s.MakeContent(ctx, info.ID, info.RootVolumeID, node.ID, dal.EmptyHash, dal.ContentBlob{
		Hash: "sha1:beef", StorageKey: "key-2",
	})
	assert.True(t, dalerrors.IsCode(err, dalerrors.ErrConflict))

	delta, err := s.GetDelta(ctx, info.ID, info.RootVolumeID, 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, delta.Nodes)
	last := delta.Nodes[len(delta.Nodes)-1]
	assert.Equal(t, node.ID, last.ID)
	assert.Equal(t, "sha1:feed", last.ContentHash)
	assert.Equal(t, gen, delta.EndGeneration)
}

func TestBadgerMakeFileWithContent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	info, err := s.CreateUser(ctx, "alice", "tok", 1000)
	require.NoError(t, err)
	rootID, _, err := s.GetRoot(ctx, info.ID)
	require.NoError(t, err)

	node, err := s.MakeFileWithContent(ctx, info.ID, info.RootVolumeID, rootID, "seed.bin", false, dal.ContentBlob{
		Hash: "sha1:feed", CRC32: 7, Size: 600, DeflatedSize: 400, StorageKey: "key-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "sha1:feed", node.ContentHash)
	assert.Equal(t, uint64(600), node.Size)

	free, err := s.GetFreeBytes(ctx, info.ID, info.RootVolumeID)
	require.NoError(t, err)
	assert.Equal(t, uint64(400), free)

	got, err := s.GetNode(ctx, info.ID, info.RootVolumeID, node.ID)
	require.NoError(t, err)
	assert.Equal(t, node.Generation, got.Generation)
}

func TestBadgerUploadJobSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)

	info, err := s.CreateUser(ctx, "alice", "tok", 1<<20)
	require.NoError(t, err)
	rootID, _, err := s.GetRoot(ctx, info.ID)
	require.NoError(t, err)
	node, err := s.MakeFile(ctx, info.ID, info.RootVolumeID, rootID, "big.bin", false)
	require.NoError(t, err)

	job, err := s.MakeUploadJob(ctx, info.ID, info.RootVolumeID, node.ID,
		dal.EmptyHash, "sha1:abc", 7, 1<<20)
	require.NoError(t, err)
	require.NoError(t, s.AddPartToUploadJob(ctx, info.ID, job.ID, 64*1024))
	require.NoError(t, s.Close())

	// The resumable record and its progress survive a restart.
	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetUploadJob(ctx, info.ID, info.RootVolumeID, node.ID,
		job.MultipartKey, "sha1:abc", 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(64*1024), got.UploadedBytes)
	assert.Equal(t, job.StorageKey, got.StorageKey)
}
