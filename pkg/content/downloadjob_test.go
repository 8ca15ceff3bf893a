package content

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filerift/filerift/pkg/dal"
	dalerrors "github.com/filerift/filerift/pkg/dal/errors"
)

// captureSink collects a download stream in memory.
type captureSink struct {
	mu    sync.Mutex
	info  ContentInfo
	began bool
	data  []byte
	eof   bool
}

func (s *captureSink) BeginContent(info ContentInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info = info
	s.began = true
	return nil
}

func (s *captureSink) SendBytes(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append(s.data, payload...)
	return nil
}

func (s *captureSink) EOF() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eof = true
	return nil
}

func (s *captureSink) bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.data...)
}

func TestDownloadRoundTrip(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	user, node := env.addUser(t, "alice", 1<<30)

	plaintext := incompressible(t, 200*1024)
	upload(t, user, node, dal.EmptyHash, plaintext, false)

	job, got, err := user.GetContent(ctx, node.VolumeID, node.ID, "")
	require.NoError(t, err)

	sink := &captureSink{}
	require.NoError(t, job.Start(ctx, got, 0, sink))
	require.NoError(t, job.Wait())

	assert.True(t, sink.began)
	assert.True(t, sink.eof)
	assert.Equal(t, ComputeContentHash(plaintext), sink.info.Hash)
	assert.Equal(t, uint64(len(plaintext)), sink.info.Size)

	// The streamed deflated bytes are byte-identical to the upload.
	assert.Equal(t, deflate(t, plaintext), sink.bytes())
}

func TestDownloadFromOffset(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	user, node := env.addUser(t, "alice", 1<<30)

	plaintext := incompressible(t, 100*1024)
	upload(t, user, node, dal.EmptyHash, plaintext, false)
	deflated := deflate(t, plaintext)

	job, got, err := user.GetContent(ctx, node.VolumeID, node.ID, "")
	require.NoError(t, err)

	sink := &captureSink{}
	require.NoError(t, job.Start(ctx, got, 1000, sink))
	require.NoError(t, job.Wait())
	assert.Equal(t, deflated[1000:], sink.bytes())
}

func TestDownloadMissingContent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	user, node := env.addUser(t, "alice", 1<<30)

	job, got, err := user.GetContent(ctx, node.VolumeID, node.ID, "")
	require.NoError(t, err)

	sink := &captureSink{}
	err = job.Start(ctx, got, 0, sink)
	require.Error(t, err)
	assert.True(t, dalerrors.IsCode(err, dalerrors.ErrDoesNotExist))
	assert.False(t, sink.began)
}

func TestDownloadStaleHashHint(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	user, node := env.addUser(t, "alice", 1<<30)

	upload(t, user, node, dal.EmptyHash, []byte("current version"), false)

	_, _, err := user.GetContent(ctx, node.VolumeID, node.ID, "sha1:0000000000000000000000000000000000000000")
	require.Error(t, err)
	assert.True(t, dalerrors.IsCode(err, dalerrors.ErrDoesNotExist))
}

func TestDownloadCancelBeforeStart(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	user, node := env.addUser(t, "alice", 1<<30)

	upload(t, user, node, dal.EmptyHash, []byte("content"), false)

	job, got, err := user.GetContent(ctx, node.VolumeID, node.ID, "")
	require.NoError(t, err)

	job.Cancel()
	err = job.Start(ctx, got, 0, &captureSink{})
	require.Error(t, err)
	assert.True(t, dalerrors.IsCode(err, dalerrors.ErrRequestCancelled))
}

func TestDownloadCancelAfterCompletionIsClean(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	user, node := env.addUser(t, "alice", 1<<30)

	upload(t, user, node, dal.EmptyHash, []byte("content"), false)

	job, got, err := user.GetContent(ctx, node.VolumeID, node.ID, "")
	require.NoError(t, err)

	sink := &captureSink{}
	require.NoError(t, job.Start(ctx, got, 0, sink))
	require.NoError(t, job.Wait())

	// A cancel arriving after all bytes were pushed must not panic or
	// flip the outcome.
	job.Cancel()
	assert.NoError(t, job.Wait())
	assert.True(t, sink.eof)
}

func TestDownloadPauseResume(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	user, node := env.addUser(t, "alice", 1<<30)

	plaintext := incompressible(t, 300*1024)
	upload(t, user, node, dal.EmptyHash, plaintext, false)

	job, got, err := user.GetContent(ctx, node.VolumeID, node.ID, "")
	require.NoError(t, err)

	job.Pause()
	sink := &captureSink{}
	require.NoError(t, job.Start(ctx, got, 0, sink))
	job.Resume()

	require.NoError(t, job.Wait())
	assert.Equal(t, deflate(t, plaintext), sink.bytes())
}
