package content

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filerift/filerift/pkg/blobstore"
	"github.com/filerift/filerift/pkg/dal"
	"github.com/filerift/filerift/pkg/dal/memory"
)

// countingDal counts GetUser round trips and slows them down enough to
// make lookup races observable.
type countingDal struct {
	*memory.Store

	mu           sync.Mutex
	getUserCalls int
}

func (d *countingDal) GetUser(ctx context.Context, userID int64) (*dal.UserInfo, error) {
	d.mu.Lock()
	d.getUserCalls++
	d.mu.Unlock()

	time.Sleep(20 * time.Millisecond)
	return d.Store.GetUser(ctx, userID)
}

func (d *countingDal) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.getUserCalls
}

func TestGetUserByIdSingleFlight(t *testing.T) {
	ctx := context.Background()
	rpc := &countingDal{Store: memory.NewStore()}
	info, err := rpc.CreateUser(ctx, "alice", "tok", 1<<30)
	require.NoError(t, err)

	manager := NewContentManager(rpc, blobstore.NewMemoryStore(), Options{
		StorageChunkSize: testChunkSize,
		BytesPayload:     testChunkSize,
	})

	const callers = 16
	users := make([]*User, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u, err := manager.GetUserById(ctx, info.ID, true)
			assert.NoError(t, err)
			users[i] = u
		}(i)
	}
	wg.Wait()

	// Exactly one RPC, every caller observes the identical instance.
	assert.Equal(t, 1, rpc.calls())
	for i := 1; i < callers; i++ {
		assert.Same(t, users[0], users[i])
	}
}

func TestGetUserByIdCachesAcrossCalls(t *testing.T) {
	ctx := context.Background()
	rpc := &countingDal{Store: memory.NewStore()}
	info, err := rpc.CreateUser(ctx, "alice", "tok", 1<<30)
	require.NoError(t, err)

	manager := NewContentManager(rpc, blobstore.NewMemoryStore(), Options{
		StorageChunkSize: testChunkSize,
		BytesPayload:     testChunkSize,
	})

	first, err := manager.GetUserById(ctx, info.ID, true)
	require.NoError(t, err)
	second, err := manager.GetUserById(ctx, info.ID, true)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, rpc.calls())
}

func TestGetUserByIdMissing(t *testing.T) {
	ctx := context.Background()
	manager := NewContentManager(memory.NewStore(), blobstore.NewMemoryStore(), Options{
		StorageChunkSize: testChunkSize,
		BytesPayload:     testChunkSize,
	})

	// Optional lookup: a miss is nil, not an error.
	u, err := manager.GetUserById(ctx, 404, false)
	require.NoError(t, err)
	assert.Nil(t, u)

	// Required lookup: a miss is NoPermission.
	_, err = manager.GetUserById(ctx, 404, true)
	require.Error(t, err)
}

func TestGetUserByIdOptionalNeverLoads(t *testing.T) {
	ctx := context.Background()
	rpc := &countingDal{Store: memory.NewStore()}
	info, err := rpc.CreateUser(ctx, "alice", "tok", 1<<30)
	require.NoError(t, err)

	manager := NewContentManager(rpc, blobstore.NewMemoryStore(), Options{
		StorageChunkSize: testChunkSize,
		BytesPayload:     testChunkSize,
	})

	// The user exists but is not cached: an optional lookup reports the
	// miss without touching the metadata layer.
	u, err := manager.GetUserById(ctx, info.ID, false)
	require.NoError(t, err)
	assert.Nil(t, u)
	assert.Equal(t, 0, rpc.calls())

	// A required lookup loads and caches.
	loaded, err := manager.GetUserById(ctx, info.ID, true)
	require.NoError(t, err)
	require.NotNil(t, loaded)

	// After which the optional lookup is a cache hit.
	cached, err := manager.GetUserById(ctx, info.ID, false)
	require.NoError(t, err)
	assert.Same(t, loaded, cached)
	assert.Equal(t, 1, rpc.calls())
}

func TestGetUserByToken(t *testing.T) {
	ctx := context.Background()
	rpc := memory.NewStore()
	info, err := rpc.CreateUser(ctx, "alice", "secret-token", 1<<30)
	require.NoError(t, err)

	manager := NewContentManager(rpc, blobstore.NewMemoryStore(), Options{
		StorageChunkSize: testChunkSize,
		BytesPayload:     testChunkSize,
	})

	u, err := manager.GetUserByToken(ctx, "secret-token")
	require.NoError(t, err)
	assert.Equal(t, info.ID, u.ID())

	_, err = manager.GetUserByToken(ctx, "wrong")
	require.Error(t, err)
}
