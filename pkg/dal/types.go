package dal

import (
	"time"

	"github.com/google/uuid"
)

// EmptyHash is the sentinel content hash of a node that has no content.
const EmptyHash = ""

// RootShareID is the share identifier reported for quota errors on the
// user's own root volume (as opposed to a share granted by another user).
const RootShareID = "root"

// NodeKind discriminates files from directories.
type NodeKind int

const (
	KindFile NodeKind = iota
	KindDirectory
)

// String returns the wire-level name of the kind.
func (k NodeKind) String() string {
	if k == KindDirectory {
		return "directory"
	}
	return "file"
}

// Node is a metadata-layer node. The transfer engine treats it as a value:
// it never mutates a Node in place, all mutations go through the DAL.
type Node struct {
	ID       uuid.UUID
	VolumeID uuid.UUID
	ParentID uuid.UUID
	OwnerID  int64
	Name     string
	Kind     NodeKind

	// ContentHash is the current content hash ("sha1:<hex>"), or
	// EmptyHash when the node has no content yet.
	ContentHash  string
	CRC32        uint32
	Size         uint64
	DeflatedSize uint64

	// StorageKey is the blob-store handle for the current content, empty
	// when the node has no content.
	StorageKey string

	// Generation is the per-volume monotonic counter assigned at the
	// mutation that produced this version of the node.
	Generation uint64

	IsPublic  bool
	PublicURL string

	// IsLive is false for unlinked nodes; deltas report them so clients
	// can drop local copies.
	IsLive bool

	MimeType string
}

// ContentBlob is a row in the content-addressed blob table.
type ContentBlob struct {
	// Hash is the canonical content hash ("sha1:<hex>"), primary key.
	Hash string

	// MagicHash is the salted plaintext hash, empty when the uploader
	// never proved plaintext possession. A blob with MagicHash set may be
	// deduplicated across users; one without it only within the owning
	// user's own nodes.
	MagicHash string

	CRC32        uint32
	Size         uint64
	DeflatedSize uint64

	// StorageKey locates the deflated bytes in the blob store.
	StorageKey string
}

// UploadJobRecord is the durable row backing a resumable upload.
type UploadJobRecord struct {
	ID           uuid.UUID
	MultipartKey uuid.UUID
	UserID       int64
	VolumeID     uuid.UUID
	NodeID       uuid.UUID

	HashHint         string
	CRC32Hint        uint32
	InflatedSizeHint uint64

	// PreviousHash is the hash the client believed the node held when the
	// upload started.
	PreviousHash string

	// StorageKey is the blob-store key the job writes to. Assigned at
	// Make so a resumed job continues the same partial blob.
	StorageKey string

	UploadedBytes  uint64
	ChunkCount     uint32
	WhenStarted    time.Time
	WhenLastActive time.Time
}

// UserInfo is the metadata-layer view of a storage user.
type UserInfo struct {
	ID           int64
	Username     string
	RootVolumeID uuid.UUID

	// MaxStorageBytes is the quota ceiling over the user's live content.
	MaxStorageBytes uint64

	Active bool
}

// Share grants one user access to a subtree of another user's volume.
// Quota on shared volumes is always the owner's.
type Share struct {
	ID        uuid.UUID
	VolumeID  uuid.UUID
	OwnerID   int64
	GranteeID int64
	Name      string
	ReadWrite bool
	Accepted  bool
}

// Delta is the result of a generation-range query: every node mutated in
// the half-open interval (FromGeneration, EndGeneration].
type Delta struct {
	Nodes         []*Node
	EndGeneration uint64
	FreeBytes     uint64
}
