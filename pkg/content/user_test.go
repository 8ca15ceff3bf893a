package content

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filerift/filerift/pkg/dal"
	dalerrors "github.com/filerift/filerift/pkg/dal/errors"
)

func TestMakeMoveUnlink(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	user, _ := env.addUser(t, "alice", 1<<30)
	vol := user.RootVolumeID()

	rootID, rootGen, err := user.GetRoot(ctx)
	require.NoError(t, err)

	dir, err := user.MakeDir(ctx, vol, rootID, "photos")
	require.NoError(t, err)
	assert.Equal(t, dal.KindDirectory, dir.Kind)
	assert.Greater(t, dir.Generation, rootGen)

	file, err := user.MakeFile(ctx, vol, dir.ID, "cat.jpg", false)
	require.NoError(t, err)
	assert.Equal(t, dal.KindFile, file.Kind)
	assert.Equal(t, "image/jpeg", file.MimeType)
	assert.Greater(t, file.Generation, dir.Generation)

	// Make is get-or-create: a second make with the same name returns
	// the existing node without burning a generation.
	again, err := user.MakeFile(ctx, vol, dir.ID, "cat.jpg", false)
	require.NoError(t, err)
	assert.Equal(t, file.ID, again.ID)
	assert.Equal(t, file.Generation, again.Generation)

	// Reparent and rename in one move.
	gen, err := user.Move(ctx, vol, file.ID, rootID, "dog.jpg")
	require.NoError(t, err)
	moved, err := user.GetNode(ctx, vol, file.ID)
	require.NoError(t, err)
	assert.Equal(t, rootID, moved.ParentID)
	assert.Equal(t, "dog.jpg", moved.Name)
	assert.Equal(t, gen, moved.Generation)

	// Unlinking the now-empty directory reports its kind and name.
	_, kind, name, err := user.Unlink(ctx, vol, dir.ID)
	require.NoError(t, err)
	assert.Equal(t, dal.KindDirectory, kind)
	assert.Equal(t, "photos", name)

	_, err = user.GetNode(ctx, vol, dir.ID)
	assert.True(t, dalerrors.IsCode(err, dalerrors.ErrDoesNotExist))
}

func TestUnlinkDirectoryRecursive(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	user, _ := env.addUser(t, "alice", 1<<30)
	vol := user.RootVolumeID()

	rootID, _, err := user.GetRoot(ctx)
	require.NoError(t, err)
	dir, err := user.MakeDir(ctx, vol, rootID, "docs")
	require.NoError(t, err)
	inner, err := user.MakeFile(ctx, vol, dir.ID, "notes.txt", false)
	require.NoError(t, err)

	_, _, _, err = user.Unlink(ctx, vol, dir.ID)
	require.NoError(t, err)

	// Children die with their parent.
	_, err = user.GetNode(ctx, vol, inner.ID)
	assert.True(t, dalerrors.IsCode(err, dalerrors.ErrDoesNotExist))
}

func TestUnlinkRootRefused(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	user, _ := env.addUser(t, "alice", 1<<30)

	rootID, _, err := user.GetRoot(ctx)
	require.NoError(t, err)

	_, _, _, err = user.Unlink(ctx, user.RootVolumeID(), rootID)
	assert.True(t, dalerrors.IsCode(err, dalerrors.ErrNoPermission))
}

func TestDeltaReportsMutationsInOrder(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	user, node := env.addUser(t, "alice", 1<<30)
	vol := user.RootVolumeID()

	_, startGen, err := user.GetRoot(ctx)
	require.NoError(t, err)

	rootID, _, err := user.GetRoot(ctx)
	require.NoError(t, err)
	extra, err := user.MakeFile(ctx, vol, rootID, "extra.txt", false)
	require.NoError(t, err)
	upload(t, user, node, dal.EmptyHash, []byte("delta payload"), false)
	_, _, _, err = user.Unlink(ctx, vol, extra.ID)
	require.NoError(t, err)

	delta, err := user.GetDelta(ctx, vol, startGen, 0)
	require.NoError(t, err)

	// Oldest first, strictly ascending generations, closed by the
	// volume's current generation.
	require.NotEmpty(t, delta.Nodes)
	for i := 1; i < len(delta.Nodes); i++ {
		assert.Greater(t, delta.Nodes[i].Generation, delta.Nodes[i-1].Generation)
	}
	last := delta.Nodes[len(delta.Nodes)-1]
	assert.Equal(t, delta.EndGeneration, last.Generation)

	// The unlinked file shows up as a tombstone so clients drop it.
	assert.Equal(t, extra.ID, last.ID)
	assert.False(t, last.IsLive)

	// The uploaded node carries its content metadata.
	var uploaded *dal.Node
	for _, n := range delta.Nodes {
		if n.ID == node.ID {
			uploaded = n
		}
	}
	require.NotNil(t, uploaded)
	assert.Equal(t, ComputeContentHash([]byte("delta payload")), uploaded.ContentHash)
}

func TestDeltaLimitTruncates(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	user, _ := env.addUser(t, "alice", 1<<30)
	vol := user.RootVolumeID()

	rootID, startGen, err := user.GetRoot(ctx)
	require.NoError(t, err)
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		_, err := user.MakeFile(ctx, vol, rootID, name, false)
		require.NoError(t, err)
	}

	delta, err := user.GetDelta(ctx, vol, startGen, 2)
	require.NoError(t, err)
	require.Len(t, delta.Nodes, 2)

	// A truncated delta ends at its last node so the client can page.
	assert.Equal(t, delta.Nodes[1].Generation, delta.EndGeneration)

	rest, err := user.GetDelta(ctx, vol, delta.EndGeneration, 2)
	require.NoError(t, err)
	require.Len(t, rest.Nodes, 1)
	assert.Greater(t, rest.Nodes[0].Generation, delta.EndGeneration)
}

func TestGetFromScratchSkipsTombstones(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	user, node := env.addUser(t, "alice", 1<<30)
	vol := user.RootVolumeID()

	rootID, _, err := user.GetRoot(ctx)
	require.NoError(t, err)
	dead, err := user.MakeFile(ctx, vol, rootID, "dead.txt", false)
	require.NoError(t, err)
	_, _, _, err = user.Unlink(ctx, vol, dead.ID)
	require.NoError(t, err)

	delta, err := user.GetFromScratch(ctx, vol)
	require.NoError(t, err)

	ids := make(map[string]bool)
	for _, n := range delta.Nodes {
		assert.True(t, n.IsLive)
		ids[n.ID.String()] = true
	}
	assert.True(t, ids[node.ID.String()])
	assert.False(t, ids[dead.ID.String()])
}

func TestChangePublicAccess(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	user, node := env.addUser(t, "alice", 1<<30)
	vol := user.RootVolumeID()

	url, gen, err := user.ChangePublicAccess(ctx, vol, node.ID, true)
	require.NoError(t, err)
	assert.NotEmpty(t, url)
	assert.Greater(t, gen, node.Generation)

	public, err := user.ListPublicFiles(ctx)
	require.NoError(t, err)
	require.Len(t, public, 1)
	assert.Equal(t, node.ID, public[0].ID)
	assert.Equal(t, url, public[0].PublicURL)

	// Making it private clears the URL and the listing.
	url, _, err = user.ChangePublicAccess(ctx, vol, node.ID, false)
	require.NoError(t, err)
	assert.Empty(t, url)

	public, err = user.ListPublicFiles(ctx)
	require.NoError(t, err)
	assert.Empty(t, public)
}

func TestGetFreeBytesTracksContent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	user, node := env.addUser(t, "alice", 1000)
	vol := user.RootVolumeID()

	free, err := user.GetFreeBytes(ctx, vol)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), free)

	plaintext := incompressible(t, 600)
	upload(t, user, node, dal.EmptyHash, plaintext, false)

	free, err = user.GetFreeBytes(ctx, vol)
	require.NoError(t, err)
	assert.Equal(t, uint64(400), free)

	// Unlinking the file returns its bytes to the quota.
	_, _, _, err = user.Unlink(ctx, vol, node.ID)
	require.NoError(t, err)
	free, err = user.GetFreeBytes(ctx, vol)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), free)
}
