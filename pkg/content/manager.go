package content

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/filerift/filerift/internal/logger"
	"github.com/filerift/filerift/pkg/blobstore"
	"github.com/filerift/filerift/pkg/dal"
	dalerrors "github.com/filerift/filerift/pkg/dal/errors"
)

// Options sizes the manager's transfer machinery.
type Options struct {
	// StorageChunkSize is the AddPart cadence of resumable uploads.
	StorageChunkSize uint64

	// BytesPayload caps the payload of one outgoing bytes frame.
	BytesPayload uint32
}

// ContentManager owns the process-wide content state: the metadata
// layer, the blob store and the shared User cache.
//
// Every connection resolving the same user id receives the identical
// *User instance, so per-user caches and upload registries are shared
// across connections. Concurrent lookups of a missing user are
// collapsed into one metadata fetch.
type ContentManager struct {
	rpc   dal.RpcDal
	store blobstore.BlobStore

	storageChunkSize uint64
	bytesPayload     uint32

	mu    sync.RWMutex
	users map[int64]*User
	group singleflight.Group
}

// NewContentManager wires the manager over its backends.
func NewContentManager(rpc dal.RpcDal, store blobstore.BlobStore, opts Options) *ContentManager {
	return &ContentManager{
		rpc:              rpc,
		store:            store,
		storageChunkSize: opts.StorageChunkSize,
		bytesPayload:     opts.BytesPayload,
		users:            make(map[int64]*User),
	}
}

// Store exposes the blob store for maintenance tasks.
func (m *ContentManager) Store() blobstore.BlobStore {
	return m.store
}

// Dal exposes the metadata layer for maintenance tasks.
func (m *ContentManager) Dal() dal.RpcDal {
	return m.rpc
}

// GetUserById returns the shared User for id. With required set, a
// cache miss is loaded from the metadata layer and cached; an unknown
// user fails NoPermission. Without it, a miss is reported as a nil
// User and no RPC is issued.
func (m *ContentManager) GetUserById(ctx context.Context, id int64, required bool) (*User, error) {
	m.mu.RLock()
	user, ok := m.users[id]
	m.mu.RUnlock()
	if ok {
		return user, nil
	}
	if !required {
		return nil, nil
	}

	v, err, _ := m.group.Do(strconv.FormatInt(id, 10), func() (interface{}, error) {
		m.mu.RLock()
		cached, ok := m.users[id]
		m.mu.RUnlock()
		if ok {
			return cached, nil
		}

		info, err := m.rpc.GetUser(ctx, id)
		if err != nil {
			return nil, err
		}

		fresh := newUser(m, info)
		m.mu.Lock()
		m.users[id] = fresh
		m.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		if dalerrors.IsCode(err, dalerrors.ErrDoesNotExist) {
			return nil, dalerrors.NewNoPermission("unknown user")
		}
		return nil, err
	}
	return v.(*User), nil
}

// GetUserByToken resolves an auth token to its shared User. Unknown
// tokens fail NoPermission without revealing whether the token ever
// existed.
func (m *ContentManager) GetUserByToken(ctx context.Context, token string) (*User, error) {
	info, err := m.rpc.GetUserByToken(ctx, token)
	if err != nil {
		if dalerrors.IsCode(err, dalerrors.ErrDoesNotExist) {
			return nil, dalerrors.NewNoPermission("invalid token")
		}
		return nil, err
	}
	return m.GetUserById(ctx, info.ID, true)
}

// SweepStaleUploadJobs drops upload records idle since before the
// cutoff. Their partial blobs become unreachable and are reclaimed by
// blob-store maintenance, not here.
func (m *ContentManager) SweepStaleUploadJobs(ctx context.Context, before time.Time) error {
	n, err := m.rpc.DeleteStaleUploadJobs(ctx, before)
	if err != nil {
		return err
	}
	if n > 0 {
		logger.Info("swept stale upload jobs", "count", n)
	}
	return nil
}
