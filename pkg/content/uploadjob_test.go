package content

import (
	"context"
	"errors"
	"hash/crc32"
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filerift/filerift/pkg/blobstore"
	"github.com/filerift/filerift/pkg/dal"
	dalerrors "github.com/filerift/filerift/pkg/dal/errors"
	"github.com/filerift/filerift/pkg/dal/memory"
)

const testChunkSize = 64 * 1024

type testEnv struct {
	dal     *memory.Store
	store   *blobstore.MemoryStore
	manager *ContentManager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		dal:   memory.NewStore(),
		store: blobstore.NewMemoryStore(),
	}
	env.manager = NewContentManager(env.dal, env.store, Options{
		StorageChunkSize: testChunkSize,
		BytesPayload:     testChunkSize,
	})
	t.Cleanup(func() { env.dal.Close() })
	return env
}

// addUser provisions a user and returns its engine façade plus the id
// of an empty file under the root.
func (env *testEnv) addUser(t *testing.T, name string, quota uint64) (*User, *dal.Node) {
	t.Helper()
	ctx := context.Background()

	info, err := env.dal.CreateUser(ctx, name, name+"-token", quota)
	require.NoError(t, err)

	user, err := env.manager.GetUserById(ctx, info.ID, true)
	require.NoError(t, err)

	rootID, _, err := user.GetRoot(ctx)
	require.NoError(t, err)
	node, err := user.MakeFile(ctx, user.RootVolumeID(), rootID, name+".bin", false)
	require.NoError(t, err)
	return user, node
}

// putParams builds the upload hints for plaintext.
func putParams(t *testing.T, node *dal.Node, previousHash string, plaintext []byte, magic bool) (UploadJobParams, []byte) {
	t.Helper()
	deflated := deflate(t, plaintext)
	params := UploadJobParams{
		VolumeID:     node.VolumeID,
		NodeID:       node.ID,
		PreviousHash: previousHash,
		HashHint:     ComputeContentHash(plaintext),
		CRC32Hint:    crc32.ChecksumIEEE(plaintext),
		InflatedSize: uint64(len(plaintext)),
		DeflatedSize: uint64(len(deflated)),
	}
	if magic {
		params.MagicHashHint = ComputeMagicHash(plaintext)
	}
	return params, deflated
}

// upload drives a complete PUT and returns the new generation.
func upload(t *testing.T, user *User, node *dal.Node, previousHash string, plaintext []byte, magic bool) uint64 {
	t.Helper()
	ctx := context.Background()

	params, deflated := putParams(t, node, previousHash, plaintext, magic)
	job, err := user.GetUploadJob(ctx, params, "")
	require.NoError(t, err)

	offset, err := job.Connect(ctx)
	require.NoError(t, err)

	for rest := deflated[offset:]; len(rest) > 0; {
		n := 1024
		if n > len(rest) {
			n = len(rest)
		}
		require.NoError(t, job.AddData(ctx, rest[:n]))
		rest = rest[n:]
	}

	gen, err := job.Commit(ctx)
	require.NoError(t, err)
	return gen
}

// incompressible returns deterministic random bytes that zlib cannot
// shrink, so the deflated stream spans several storage chunks.
func incompressible(t *testing.T, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := rand.New(rand.NewSource(42)).Read(buf)
	require.NoError(t, err)
	return buf
}

func TestUploadCommitBindsContent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	user, node := env.addUser(t, "alice", 1<<30)

	plaintext := []byte("the quick brown fox jumps over the lazy dog")
	gen := upload(t, user, node, dal.EmptyHash, plaintext, false)
	assert.Equal(t, node.Generation+1, gen)

	got, err := user.GetNode(ctx, node.VolumeID, node.ID)
	require.NoError(t, err)
	assert.Equal(t, ComputeContentHash(plaintext), got.ContentHash)
	assert.Equal(t, crc32.ChecksumIEEE(plaintext), got.CRC32)
	assert.Equal(t, uint64(len(plaintext)), got.Size)
	assert.Equal(t, gen, got.Generation)
	assert.Equal(t, 1, env.store.Len())
}

func TestUploadEmptyFile(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	user, node := env.addUser(t, "alice", 1<<30)

	upload(t, user, node, dal.EmptyHash, nil, false)

	got, err := user.GetNode(ctx, node.VolumeID, node.ID)
	require.NoError(t, err)
	assert.Equal(t, EmptyFileHash, got.ContentHash)
	assert.Equal(t, uint64(0), got.Size)
}

func TestUploadHashMismatchFailsCorrupt(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	user, node := env.addUser(t, "alice", 1<<30)

	params, _ := putParams(t, node, dal.EmptyHash, []byte("claimed content"), false)
	job, err := user.GetUploadJob(ctx, params, "")
	require.NoError(t, err)
	_, err = job.Connect(ctx)
	require.NoError(t, err)

	// Stream different bytes than the hints promised.
	require.NoError(t, job.AddData(ctx, deflate(t, []byte("actual content!"))))

	_, err = job.Commit(ctx)
	require.Error(t, err)
	assert.True(t, dalerrors.IsCode(err, dalerrors.ErrUploadCorrupt))

	// No content update, no leaked blob.
	got, err := user.GetNode(ctx, node.VolumeID, node.ID)
	require.NoError(t, err)
	assert.Equal(t, dal.EmptyHash, got.ContentHash)
	assert.Equal(t, 0, env.store.Len())
}

func TestUploadQuotaExceeded(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	user, node := env.addUser(t, "alice", 10)

	params, _ := putParams(t, node, dal.EmptyHash, []byte("way more than ten bytes of content"), false)
	job, err := user.GetUploadJob(ctx, params, "")
	require.NoError(t, err)

	_, err = job.Connect(ctx)
	require.Error(t, err)

	var te *dalerrors.TransferError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, dalerrors.ErrQuotaExceeded, te.Code)
	assert.Equal(t, uint64(10), te.FreeBytes)
	assert.Equal(t, dal.RootShareID, te.ShareID)
}

func TestUploadConflictOnStaleHash(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	user, node := env.addUser(t, "alice", 1<<30)

	upload(t, user, node, dal.EmptyHash, []byte("version one"), false)

	// A second writer still believes the node is empty.
	params, _ := putParams(t, node, dal.EmptyHash, []byte("version two"), false)
	job, err := user.GetUploadJob(ctx, params, "")
	require.NoError(t, err)

	_, err = job.Connect(ctx)
	require.Error(t, err)
	assert.True(t, dalerrors.IsCode(err, dalerrors.ErrConflict))
}

func TestUploadToDirectoryFailsNoPermission(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	user, _ := env.addUser(t, "alice", 1<<30)

	rootID, _, err := user.GetRoot(ctx)
	require.NoError(t, err)
	dir, err := user.MakeDir(ctx, user.RootVolumeID(), rootID, "photos")
	require.NoError(t, err)

	params, _ := putParams(t, dir, dal.EmptyHash, []byte("content"), false)
	job, err := user.GetUploadJob(ctx, params, "")
	require.NoError(t, err)

	_, err = job.Connect(ctx)
	require.Error(t, err)
	assert.True(t, dalerrors.IsCode(err, dalerrors.ErrNoPermission))
}

func TestUploadDedupSameUser(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	user, node := env.addUser(t, "alice", 1<<30)

	plaintext := []byte("shared across two of alice's files")
	upload(t, user, node, dal.EmptyHash, plaintext, false)
	require.Equal(t, 1, env.store.Len())

	rootID, _, err := user.GetRoot(ctx)
	require.NoError(t, err)
	second, err := user.MakeFile(ctx, user.RootVolumeID(), rootID, "copy.bin", false)
	require.NoError(t, err)

	params, deflated := putParams(t, second, dal.EmptyHash, plaintext, false)
	job, err := user.GetUploadJob(ctx, params, "")
	require.NoError(t, err)

	offset, err := job.Connect(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(deflated)), offset)
	assert.True(t, job.Deduplicated())
	assert.Equal(t, uint64(0), job.ExpectedBytes())

	gen, err := job.Commit(ctx)
	require.NoError(t, err)

	got, err := user.GetNode(ctx, second.VolumeID, second.ID)
	require.NoError(t, err)
	assert.Equal(t, ComputeContentHash(plaintext), got.ContentHash)
	assert.Equal(t, gen, got.Generation)

	// No second blob was written.
	assert.Equal(t, 1, env.store.Len())
}

func TestUploadCrossUserDedupNeedsMagicHash(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	alice, aliceNode := env.addUser(t, "alice", 1<<30)
	bob, bobNode := env.addUser(t, "bob", 1<<30)

	plaintext := []byte("popular file shared by many users")

	// Alice proves plaintext possession, so the blob is magic-tagged.
	upload(t, alice, aliceNode, dal.EmptyHash, plaintext, true)
	require.Equal(t, 1, env.store.Len())

	// Bob without the magic hash gets no shortcut.
	params, _ := putParams(t, bobNode, dal.EmptyHash, plaintext, false)
	job, err := bob.GetUploadJob(ctx, params, "")
	require.NoError(t, err)
	offset, err := job.Connect(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), offset)
	assert.False(t, job.Deduplicated())
	job.Cancel(ctx)

	// With the magic hash, Bob's upload is served by reference.
	params, deflated := putParams(t, bobNode, dal.EmptyHash, plaintext, true)
	job, err = bob.GetUploadJob(ctx, params, "")
	require.NoError(t, err)
	offset, err = job.Connect(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(deflated)), offset)

	_, err = job.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, env.store.Len())

	got, err := bob.GetNode(ctx, bobNode.VolumeID, bobNode.ID)
	require.NoError(t, err)
	assert.Equal(t, ComputeContentHash(plaintext), got.ContentHash)
}

func TestUploadResumeAfterDisconnect(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	user, node := env.addUser(t, "alice", 1<<30)

	plaintext := incompressible(t, 200*1024)
	params, deflated := putParams(t, node, dal.EmptyHash, plaintext, false)
	require.Greater(t, len(deflated), 2*testChunkSize)

	job, err := user.GetUploadJob(ctx, params, "")
	require.NoError(t, err)
	offset, err := job.Connect(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(0), offset)
	require.True(t, job.Record().Resumable())
	uploadID := job.Record().MultipartKey().String()

	// Stream past two chunk boundaries, then the connection dies.
	sent := 2*testChunkSize + 100
	for rest := deflated[:sent]; len(rest) > 0; {
		n := 1024
		if n > len(rest) {
			n = len(rest)
		}
		require.NoError(t, job.AddData(ctx, rest[:n]))
		rest = rest[n:]
	}
	job.Stop()

	// Reconnect with the resume token: begin_content offset equals the
	// committed chunk progress.
	job2, err := user.GetUploadJob(ctx, params, uploadID)
	require.NoError(t, err)
	offset, err = job2.Connect(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2*testChunkSize), offset)

	for rest := deflated[offset:]; len(rest) > 0; {
		n := 1024
		if n > len(rest) {
			n = len(rest)
		}
		require.NoError(t, job2.AddData(ctx, rest[:n]))
		rest = rest[n:]
	}
	_, err = job2.Commit(ctx)
	require.NoError(t, err)

	got, err := user.GetNode(ctx, node.VolumeID, node.ID)
	require.NoError(t, err)
	assert.Equal(t, ComputeContentHash(plaintext), got.ContentHash)
	assert.Equal(t, uint64(len(deflated)), got.DeflatedSize)
}

func TestUploadResumeWithWrongHintsStartsOver(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	user, node := env.addUser(t, "alice", 1<<30)

	plaintext := incompressible(t, 200*1024)
	params, deflated := putParams(t, node, dal.EmptyHash, plaintext, false)

	job, err := user.GetUploadJob(ctx, params, "")
	require.NoError(t, err)
	_, err = job.Connect(ctx)
	require.NoError(t, err)
	require.NoError(t, job.AddData(ctx, deflated[:testChunkSize]))
	uploadID := job.Record().MultipartKey().String()
	job.Stop()

	// Different content under the same resume token: the hints no
	// longer match, so a fresh job starts at offset zero.
	other, _ := putParams(t, node, dal.EmptyHash, incompressible(t, 100*1024), false)
	job2, err := user.GetUploadJob(ctx, other, uploadID)
	require.NoError(t, err)
	offset, err := job2.Connect(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), offset)
	job2.Cancel(ctx)
}

func TestUploadCancelDeletesRecord(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	user, node := env.addUser(t, "alice", 1<<30)

	plaintext := incompressible(t, 200*1024)
	params, deflated := putParams(t, node, dal.EmptyHash, plaintext, false)

	job, err := user.GetUploadJob(ctx, params, "")
	require.NoError(t, err)
	_, err = job.Connect(ctx)
	require.NoError(t, err)
	require.NoError(t, job.AddData(ctx, deflated[:testChunkSize]))

	key := job.Record().MultipartKey()
	job.Cancel(ctx)

	// The record is gone: resuming yields a brand-new job.
	_, err = env.dal.GetUploadJob(ctx, user.ID(), node.VolumeID, node.ID, key,
		params.HashHint, params.CRC32Hint)
	assert.True(t, dalerrors.IsCode(err, dalerrors.ErrDoesNotExist))

	// Node content is unchanged.
	got, err := user.GetNode(ctx, node.VolumeID, node.ID)
	require.NoError(t, err)
	assert.Equal(t, dal.EmptyHash, got.ContentHash)

	// Commit after cancel reports the cancellation.
	_, err = job.Commit(ctx)
	assert.True(t, dalerrors.IsCode(err, dalerrors.ErrRequestCancelled))
}

// faultyStore hands out sinks whose writes always fail, standing in for
// a blob backend that died mid-upload.
type faultyStore struct {
	*blobstore.MemoryStore
}

func (s *faultyStore) OpenPut(ctx context.Context, key string, offset uint64) (blobstore.WriteSink, error) {
	return brokenSink{}, nil
}

type brokenSink struct{}

func (brokenSink) Write(p []byte) (int, error) { return 0, errors.New("backend write fault") }
func (brokenSink) Close() error                { return errors.New("backend write fault") }
func (brokenSink) Abort() error                { return nil }

func TestUploadWriterFaultSurfacesTryAgain(t *testing.T) {
	ctx := context.Background()
	rpc := memory.NewStore()
	t.Cleanup(func() { rpc.Close() })
	manager := NewContentManager(rpc, &faultyStore{MemoryStore: blobstore.NewMemoryStore()}, Options{
		StorageChunkSize: testChunkSize,
		BytesPayload:     testChunkSize,
	})

	info, err := rpc.CreateUser(ctx, "alice", "alice-token", 1<<30)
	require.NoError(t, err)
	user, err := manager.GetUserById(ctx, info.ID, true)
	require.NoError(t, err)
	rootID, _, err := user.GetRoot(ctx)
	require.NoError(t, err)
	node, err := user.MakeFile(ctx, user.RootVolumeID(), rootID, "big.bin", false)
	require.NoError(t, err)

	plaintext := incompressible(t, 200*1024)
	params, deflated := putParams(t, node, dal.EmptyHash, plaintext, false)

	job, err := user.GetUploadJob(ctx, params, "")
	require.NoError(t, err)
	_, err = job.Connect(ctx)
	require.NoError(t, err)
	key := job.Record().MultipartKey()

	var addErr error
	rest := deflated
	for len(rest) > 0 {
		n := 1024
		if n > len(rest) {
			n = len(rest)
		}
		if addErr = job.AddData(ctx, rest[:n]); addErr != nil {
			break
		}
		rest = rest[n:]
	}

	// The fault surfaces during the stream, not at commit time.
	require.Error(t, addErr)
	assert.True(t, dalerrors.IsCode(addErr, dalerrors.ErrTryAgain))
	assert.NotEmpty(t, rest)
	job.Stop()

	// The record survives a transient fault so the client can retry.
	_, err = rpc.GetUploadJob(ctx, user.ID(), node.VolumeID, node.ID, key,
		params.HashHint, params.CRC32Hint)
	assert.NoError(t, err)

	// Node content is unchanged.
	got, err := user.GetNode(ctx, node.VolumeID, node.ID)
	require.NoError(t, err)
	assert.Equal(t, dal.EmptyHash, got.ContentHash)
}

func TestUploadSmallJobSkipsDurableRecord(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	user, node := env.addUser(t, "alice", 1<<30)

	params, _ := putParams(t, node, dal.EmptyHash, []byte("tiny"), false)
	job, err := user.GetUploadJob(ctx, params, "")
	require.NoError(t, err)

	assert.False(t, job.Record().Resumable())
	assert.Equal(t, uuid.Nil, job.Record().MultipartKey())
	job.Cancel(ctx)
}
