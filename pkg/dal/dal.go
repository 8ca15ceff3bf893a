// Package dal defines the metadata data-access contract consumed by the
// content transfer engine, together with its data model and backends.
//
// The transfer engine never talks to metadata storage directly: every
// node, blob and upload-job mutation goes through the RpcDal interface.
// Two backends are provided: an in-memory store (tests, ephemeral
// servers) and a Badger-backed store (single-node persistence).
package dal

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RpcDal is the typed metadata RPC surface.
//
// Every mutating call returns the post-mutation per-volume generation so
// callers can publish it to clients. Implementations must be safe for
// concurrent use and must serialize mutations per node.
type RpcDal interface {
	// ========================================================================
	// Users and authentication
	// ========================================================================

	// GetUser returns the user by id. Inactive users yield DoesNotExist.
	GetUser(ctx context.Context, userID int64) (*UserInfo, error)

	// GetUserByToken resolves an auth token to a user. Unknown or revoked
	// tokens yield DoesNotExist.
	GetUserByToken(ctx context.Context, token string) (*UserInfo, error)

	// CreateUser provisions a user with a root volume and an auth token.
	CreateUser(ctx context.Context, username, token string, maxStorageBytes uint64) (*UserInfo, error)

	// ListUsers returns all users, active and inactive.
	ListUsers(ctx context.Context) ([]*UserInfo, error)

	// ========================================================================
	// Nodes and volumes
	// ========================================================================

	// GetRoot returns the root directory node of the user's root volume
	// and the volume's current generation.
	GetRoot(ctx context.Context, userID int64) (uuid.UUID, uint64, error)

	// GetNode fetches a node the user can see. Nodes in volumes the user
	// neither owns nor has an accepted share for yield DoesNotExist.
	GetNode(ctx context.Context, userID int64, volumeID, nodeID uuid.UUID) (*Node, error)

	// GetVolumeID resolves the volume containing the given node.
	GetVolumeID(ctx context.Context, userID int64, nodeID uuid.UUID) (uuid.UUID, error)

	// MakeFile creates an empty file under parent. Parent must be a
	// directory writable by the user.
	MakeFile(ctx context.Context, userID int64, volumeID, parentID uuid.UUID, name string, isPublic bool) (*Node, error)

	// MakeDir creates a directory under parent.
	MakeDir(ctx context.Context, userID int64, volumeID, parentID uuid.UUID, name string) (*Node, error)

	// Unlink removes a node, recursively for directories. Returns the new
	// generation plus the kind and name of the removed node.
	Unlink(ctx context.Context, userID int64, volumeID, nodeID uuid.UUID) (uint64, NodeKind, string, error)

	// Move renames and/or reparents a node.
	Move(ctx context.Context, userID int64, volumeID, nodeID, newParentID uuid.UUID, newName string) (uint64, error)

	// ChangePublicAccess toggles the public flag on a file and returns
	// its public URL (empty when made private) and the new generation.
	ChangePublicAccess(ctx context.Context, userID int64, volumeID, nodeID uuid.UUID, isPublic bool) (string, uint64, error)

	// ListPublicFiles returns the user's live public files.
	ListPublicFiles(ctx context.Context, userID int64) ([]*Node, error)

	// ========================================================================
	// Content blobs
	// ========================================================================

	// GetReusableBlob returns the blob with the given hash if the user may
	// reuse it: either the user already owns a live node with that hash,
	// or magicHash is non-empty and matches the blob's stored magic hash.
	// Returns (nil, nil) when no reusable blob exists.
	GetReusableBlob(ctx context.Context, userID int64, hash, magicHash string) (*ContentBlob, error)

	// ReserveStorageKey mints a fresh storage key for an upload in
	// progress. Keys are opaque; the blob-store adapter never invents them.
	ReserveStorageKey(ctx context.Context, userID int64) (string, error)

	// MakeContent creates (or completes) the blob row described by blob,
	// binds the node to it and bumps the volume generation. Fails with
	// Conflict if the node's current content hash is not previousHash.
	MakeContent(ctx context.Context, userID int64, volumeID, nodeID uuid.UUID, previousHash string, blob ContentBlob) (uint64, error)

	// MakeContentWithExistingBlob binds the node to an already-stored
	// blob (dedup path). Same conflict semantics as MakeContent.
	MakeContentWithExistingBlob(ctx context.Context, userID int64, volumeID, nodeID uuid.UUID, previousHash, hash string) (uint64, error)

	// MakeFileWithContent creates (or reuses) a file under parent and
	// binds it to blob in one call, for callers that materialize a file
	// from content already validated and stored. Returns the node with
	// its content bound.
	MakeFileWithContent(ctx context.Context, userID int64, volumeID, parentID uuid.UUID, name string, isPublic bool, blob ContentBlob) (*Node, error)

	// ========================================================================
	// Upload jobs
	// ========================================================================

	// MakeUploadJob allocates a durable upload-job row with a fresh
	// multipart key and zeroed progress.
	MakeUploadJob(ctx context.Context, userID int64, volumeID, nodeID uuid.UUID, previousHash, hash string, crc32 uint32, inflatedSize uint64) (*UploadJobRecord, error)

	// GetUploadJob looks up a resumable upload by multipart key. Any
	// mismatch of node, hash or crc32 yields DoesNotExist, forcing the
	// caller to start a new job.
	GetUploadJob(ctx context.Context, userID int64, volumeID, nodeID, multipartKey uuid.UUID, hash string, crc32 uint32) (*UploadJobRecord, error)

	// AddPartToUploadJob accumulates committed bytes onto the record.
	AddPartToUploadJob(ctx context.Context, userID int64, jobID uuid.UUID, chunkSize uint64) error

	// TouchUploadJob refreshes the record's last-active timestamp.
	TouchUploadJob(ctx context.Context, userID int64, jobID uuid.UUID) error

	// DeleteUploadJob releases the record. Idempotent.
	DeleteUploadJob(ctx context.Context, userID int64, jobID uuid.UUID) error

	// DeleteStaleUploadJobs purges records whose last activity predates
	// the cutoff. Used by the out-of-band GC sweeper.
	DeleteStaleUploadJobs(ctx context.Context, before time.Time) (int, error)

	// ========================================================================
	// Quota and deltas
	// ========================================================================

	// GetFreeBytes returns the remaining quota of the volume owner. For a
	// shared volume the quota is the share owner's; an inactive owner
	// yields DoesNotExist.
	GetFreeBytes(ctx context.Context, userID int64, volumeID uuid.UUID) (uint64, error)

	// GetDelta returns the nodes mutated in (fromGeneration, end] on the
	// volume, oldest first, capped at limit when limit > 0.
	GetDelta(ctx context.Context, userID int64, volumeID uuid.UUID, fromGeneration uint64, limit int) (*Delta, error)

	// GetFromScratch returns all live nodes of the volume plus the current
	// generation, for clients with no usable local state.
	GetFromScratch(ctx context.Context, userID int64, volumeID uuid.UUID) (*Delta, error)

	// ========================================================================
	// Lifecycle
	// ========================================================================

	// Close releases backend resources.
	Close() error
}
