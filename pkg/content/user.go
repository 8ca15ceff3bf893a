package content

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/filerift/filerift/pkg/dal"
	dalerrors "github.com/filerift/filerift/pkg/dal/errors"
)

// User is the per-authenticated-session façade over the metadata layer
// for one storage user. Concurrent requests on the same connection
// share one User; the ContentManager shares Users across connections.
//
// The free-bytes and generation caches are advisory: authoritative
// values always come from the RPC layer, the caches only serve
// monotonicity checks and cheap rechecks.
type User struct {
	manager  *ContentManager
	info     *dal.UserInfo
	registry *UploadJobRegistry

	mu          sync.Mutex
	freeBytes   map[uuid.UUID]uint64
	generations map[uuid.UUID]uint64
}

func newUser(manager *ContentManager, info *dal.UserInfo) *User {
	return &User{
		manager:     manager,
		info:        info,
		registry:    NewUploadJobRegistry(manager.rpc, info.ID),
		freeBytes:   make(map[uuid.UUID]uint64),
		generations: make(map[uuid.UUID]uint64),
	}
}

// ID returns the user's metadata-layer id.
func (u *User) ID() int64 {
	return u.info.ID
}

// Username returns the login name.
func (u *User) Username() string {
	return u.info.Username
}

// RootVolumeID returns the user's root volume.
func (u *User) RootVolumeID() uuid.UUID {
	return u.info.RootVolumeID
}

func (u *User) dal() dal.RpcDal {
	return u.manager.rpc
}

// noteGeneration records an observed per-volume generation; the cache
// never moves backwards.
func (u *User) noteGeneration(volumeID uuid.UUID, generation uint64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if generation > u.generations[volumeID] {
		u.generations[volumeID] = generation
	}
}

// invalidateFreeBytes drops the advisory quota cache after a mutation.
func (u *User) invalidateFreeBytes(volumeID uuid.UUID) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.freeBytes, volumeID)
}

// GetRoot returns the root node id and generation of the root volume.
func (u *User) GetRoot(ctx context.Context) (uuid.UUID, uint64, error) {
	nodeID, gen, err := u.dal().GetRoot(ctx, u.info.ID)
	if err != nil {
		return uuid.Nil, 0, err
	}
	u.noteGeneration(u.info.RootVolumeID, gen)
	return nodeID, gen, nil
}

// GetVolumeID resolves the volume containing the node.
func (u *User) GetVolumeID(ctx context.Context, nodeID uuid.UUID) (uuid.UUID, error) {
	return u.dal().GetVolumeID(ctx, u.info.ID, nodeID)
}

// GetNode fetches a node visible to the user.
func (u *User) GetNode(ctx context.Context, volumeID, nodeID uuid.UUID) (*dal.Node, error) {
	return u.dal().GetNode(ctx, u.info.ID, volumeID, nodeID)
}

// MakeFile creates an empty file under parent.
func (u *User) MakeFile(ctx context.Context, volumeID, parentID uuid.UUID, name string, isPublic bool) (*dal.Node, error) {
	node, err := u.dal().MakeFile(ctx, u.info.ID, volumeID, parentID, name, isPublic)
	if err != nil {
		return nil, err
	}
	u.noteGeneration(volumeID, node.Generation)
	return node, nil
}

// MakeDir creates a directory under parent.
func (u *User) MakeDir(ctx context.Context, volumeID, parentID uuid.UUID, name string) (*dal.Node, error) {
	node, err := u.dal().MakeDir(ctx, u.info.ID, volumeID, parentID, name)
	if err != nil {
		return nil, err
	}
	u.noteGeneration(volumeID, node.Generation)
	return node, nil
}

// Unlink removes a node, recursively for directories.
func (u *User) Unlink(ctx context.Context, volumeID, nodeID uuid.UUID) (uint64, dal.NodeKind, string, error) {
	gen, kind, name, err := u.dal().Unlink(ctx, u.info.ID, volumeID, nodeID)
	if err != nil {
		return 0, 0, "", err
	}
	u.noteGeneration(volumeID, gen)
	u.invalidateFreeBytes(volumeID)
	return gen, kind, name, nil
}

// Move renames and/or reparents a node.
func (u *User) Move(ctx context.Context, volumeID, nodeID, newParentID uuid.UUID, newName string) (uint64, error) {
	gen, err := u.dal().Move(ctx, u.info.ID, volumeID, nodeID, newParentID, newName)
	if err != nil {
		return 0, err
	}
	u.noteGeneration(volumeID, gen)
	return gen, nil
}

// GetUploadJob builds the upload job for a PUT: resumed when uploadID
// names a live record with matching hints, fresh otherwise. Uploads
// that fit in a single storage chunk run on a BogusRecord and never
// touch the durable table.
func (u *User) GetUploadJob(ctx context.Context, params UploadJobParams, uploadID string) (*UploadJob, error) {
	var record Record

	if uploadID != "" {
		if key, parseErr := uuid.Parse(uploadID); parseErr == nil {
			rec, err := u.registry.Get(ctx, params.VolumeID, params.NodeID, key,
				params.HashHint, params.CRC32Hint)
			switch {
			case err == nil:
				record = rec
			case dalerrors.IsCode(err, dalerrors.ErrDoesNotExist):
				// Stale or mismatched token: fall through to a new job.
			default:
				return nil, err
			}
		}
	}

	if record == nil {
		if params.DeflatedSize <= uint64(u.manager.storageChunkSize) {
			key, err := u.dal().ReserveStorageKey(ctx, u.info.ID)
			if err != nil {
				return nil, err
			}
			record = NewBogusRecord(key)
		} else {
			rec, err := u.registry.Make(ctx, params.VolumeID, params.NodeID,
				params.PreviousHash, params.HashHint, params.CRC32Hint, params.InflatedSize)
			if err != nil {
				return nil, err
			}
			record = rec
		}
	}

	return newUploadJob(u, params, record), nil
}

// GetContent resolves the node for a GET and returns the download job
// ready to Start. A non-empty hash must match the node's current
// content.
func (u *User) GetContent(ctx context.Context, volumeID, nodeID uuid.UUID, hash string) (*DownloadJob, *dal.Node, error) {
	node, err := u.GetNode(ctx, volumeID, nodeID)
	if err != nil {
		return nil, nil, err
	}
	if node.Kind != dal.KindFile {
		return nil, nil, dalerrors.NewNoPermission("cannot get content of a directory")
	}
	if hash != "" && hash != node.ContentHash {
		return nil, nil, dalerrors.NewDoesNotExist("content")
	}
	return newDownloadJob(u), node, nil
}

// GetFreeBytes returns the remaining quota on the volume. For a shared
// volume the quota is the share owner's; an inactive owner fails
// DoesNotExist.
func (u *User) GetFreeBytes(ctx context.Context, volumeID uuid.UUID) (uint64, error) {
	free, err := u.dal().GetFreeBytes(ctx, u.info.ID, volumeID)
	if err != nil {
		return 0, err
	}
	u.mu.Lock()
	u.freeBytes[volumeID] = free
	u.mu.Unlock()
	return free, nil
}

// freeBytesForQuota returns the free bytes plus the share identifier
// reported in quota errors: "root" for the user's own root volume, the
// volume id for shared volumes.
func (u *User) freeBytesForQuota(ctx context.Context, volumeID uuid.UUID) (uint64, string, error) {
	free, err := u.GetFreeBytes(ctx, volumeID)
	if err != nil {
		return 0, "", err
	}
	shareID := dal.RootShareID
	if volumeID != u.info.RootVolumeID {
		shareID = volumeID.String()
	}
	return free, shareID, nil
}

// GetDelta returns the node mutations in (fromGeneration, end].
func (u *User) GetDelta(ctx context.Context, volumeID uuid.UUID, fromGeneration uint64, limit int) (*dal.Delta, error) {
	delta, err := u.dal().GetDelta(ctx, u.info.ID, volumeID, fromGeneration, limit)
	if err != nil {
		return nil, err
	}
	u.noteGeneration(volumeID, delta.EndGeneration)
	return delta, nil
}

// GetFromScratch returns all live nodes of the volume.
func (u *User) GetFromScratch(ctx context.Context, volumeID uuid.UUID) (*dal.Delta, error) {
	delta, err := u.dal().GetFromScratch(ctx, u.info.ID, volumeID)
	if err != nil {
		return nil, err
	}
	u.noteGeneration(volumeID, delta.EndGeneration)
	return delta, nil
}

// ChangePublicAccess toggles the public flag on a file and returns its
// public URL (empty when made private).
func (u *User) ChangePublicAccess(ctx context.Context, volumeID, nodeID uuid.UUID, isPublic bool) (string, uint64, error) {
	url, gen, err := u.dal().ChangePublicAccess(ctx, u.info.ID, volumeID, nodeID, isPublic)
	if err != nil {
		return "", 0, err
	}
	u.noteGeneration(volumeID, gen)
	return url, gen, nil
}

// ListPublicFiles returns the user's live public files.
func (u *User) ListPublicFiles(ctx context.Context) ([]*dal.Node, error) {
	return u.dal().ListPublicFiles(ctx, u.info.ID)
}
