// Package wire defines the FileRift client protocol: length-prefixed
// frames carrying XDR-encoded typed messages.
//
// Frame layout on the wire:
//
//	[length:uint32 BE]  length of the XDR body that follows
//	[type:uint32]       message type discriminator
//	[request_id:uint32] client-chosen id correlating request and response
//	[payload]           XDR encoding of the per-type payload struct
//
// All multi-message exchanges (uploads, downloads, delta streams) reuse
// the request id of the initiating message.
package wire

// MsgType discriminates wire messages.
type MsgType uint32

const (
	// Session
	MsgAuth   MsgType = 1
	MsgAuthOK MsgType = 2
	MsgError  MsgType = 3
	MsgPing   MsgType = 4
	MsgPong   MsgType = 5

	// Metadata operations
	MsgGetRoot            MsgType = 10
	MsgRoot               MsgType = 11
	MsgMakeFile           MsgType = 12
	MsgMakeDir            MsgType = 13
	MsgNewNode            MsgType = 14
	MsgUnlink             MsgType = 15
	MsgUnlinked           MsgType = 16
	MsgMove               MsgType = 17
	MsgOK                 MsgType = 18
	MsgChangePublicAccess MsgType = 19
	MsgPublicURL          MsgType = 20
	MsgListPublicFiles    MsgType = 21
	MsgGetFreeBytes       MsgType = 22
	MsgFreeBytes          MsgType = 23

	// Content transfer
	MsgPutContent    MsgType = 30
	MsgGetContent    MsgType = 31
	MsgBeginContent  MsgType = 32
	MsgBytes         MsgType = 33
	MsgEOF           MsgType = 34
	MsgCancelRequest MsgType = 35

	// Deltas
	MsgGetDelta       MsgType = 40
	MsgGetFromScratch MsgType = 41
	MsgDeltaNode      MsgType = 42
	MsgDeltaEnd       MsgType = 43
)

// String returns the wire-level name of the message type.
func (t MsgType) String() string {
	switch t {
	case MsgAuth:
		return "AUTH_REQUEST"
	case MsgAuthOK:
		return "AUTH_OK"
	case MsgError:
		return "ERROR"
	case MsgPing:
		return "PING"
	case MsgPong:
		return "PONG"
	case MsgGetRoot:
		return "GET_ROOT"
	case MsgRoot:
		return "ROOT"
	case MsgMakeFile:
		return "MAKE_FILE"
	case MsgMakeDir:
		return "MAKE_DIR"
	case MsgNewNode:
		return "NEW_NODE"
	case MsgUnlink:
		return "UNLINK"
	case MsgUnlinked:
		return "UNLINKED"
	case MsgMove:
		return "MOVE"
	case MsgOK:
		return "OK"
	case MsgChangePublicAccess:
		return "CHANGE_PUBLIC_ACCESS"
	case MsgPublicURL:
		return "PUBLIC_URL"
	case MsgListPublicFiles:
		return "LIST_PUBLIC_FILES"
	case MsgGetFreeBytes:
		return "GET_FREE_BYTES"
	case MsgFreeBytes:
		return "FREE_BYTES"
	case MsgPutContent:
		return "PUT_CONTENT"
	case MsgGetContent:
		return "GET_CONTENT"
	case MsgBeginContent:
		return "BEGIN_CONTENT"
	case MsgBytes:
		return "BYTES"
	case MsgEOF:
		return "EOF"
	case MsgCancelRequest:
		return "CANCEL_REQUEST"
	case MsgGetDelta:
		return "GET_DELTA"
	case MsgGetFromScratch:
		return "GET_FROM_SCRATCH"
	case MsgDeltaNode:
		return "DELTA_NODE"
	case MsgDeltaEnd:
		return "DELTA_END"
	default:
		return "UNKNOWN"
	}
}

// Wire error codes. These mirror the engine's error taxonomy.
const (
	CodeDoesNotExist     uint32 = 1
	CodeNoPermission     uint32 = 2
	CodeQuotaExceeded    uint32 = 3
	CodeUploadCorrupt    uint32 = 4
	CodeTryAgain         uint32 = 5
	CodeNotAvailable     uint32 = 6
	CodeConflict         uint32 = 7
	CodeInternalError    uint32 = 8
	CodeRequestCancelled uint32 = 9
)

// CodeName returns the symbolic name of a wire error code.
func CodeName(code uint32) string {
	switch code {
	case CodeDoesNotExist:
		return "DOES_NOT_EXIST"
	case CodeNoPermission:
		return "NO_PERMISSION"
	case CodeQuotaExceeded:
		return "QUOTA_EXCEEDED"
	case CodeUploadCorrupt:
		return "UPLOAD_CORRUPT"
	case CodeTryAgain:
		return "TRY_AGAIN"
	case CodeNotAvailable:
		return "NOT_AVAILABLE"
	case CodeConflict:
		return "CONFLICT"
	case CodeInternalError:
		return "INTERNAL_ERROR"
	case CodeRequestCancelled:
		return "REQUEST_CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// ============================================================================
// Payload structs. Field order is the wire format; never reorder.
// ============================================================================

// Auth carries the client's auth token.
type Auth struct {
	Token string
}

// AuthOK confirms authentication.
type AuthOK struct {
	SessionID string
	UserID    int64
	Username  string
}

// Error reports a failed request. FreeBytes and ShareID are only
// meaningful for QUOTA_EXCEEDED.
type Error struct {
	Code      uint32
	Message   string
	FreeBytes uint64
	ShareID   string
}

// Ping and Pong keep idle connections alive.
type Ping struct{}
type Pong struct{}

// GetRoot asks for the root node of the session user's root volume.
type GetRoot struct{}

// Root answers GetRoot.
type Root struct {
	NodeID     string
	Generation uint64
}

// MakeFile creates an empty file under Parent.
type MakeFile struct {
	VolumeID string
	ParentID string
	Name     string
	IsPublic bool
}

// MakeDir creates a directory under Parent.
type MakeDir struct {
	VolumeID string
	ParentID string
	Name     string
}

// NewNode answers MakeFile / MakeDir.
type NewNode struct {
	NodeID     string
	Generation uint64
	MimeType   string
}

// Unlink removes a node, recursively for directories.
type Unlink struct {
	VolumeID string
	NodeID   string
}

// Unlinked answers Unlink.
type Unlinked struct {
	Generation uint64
	Kind       uint32
	Name       string
}

// Move renames and/or reparents a node.
type Move struct {
	VolumeID    string
	NodeID      string
	NewParentID string
	NewName     string
}

// OK carries the post-mutation generation.
type OK struct {
	Generation uint64
}

// ChangePublicAccess toggles the public flag on a file.
type ChangePublicAccess struct {
	VolumeID string
	NodeID   string
	IsPublic bool
}

// PublicURL answers ChangePublicAccess. URL is empty when made private.
type PublicURL struct {
	URL        string
	Generation uint64
}

// ListPublicFiles asks for the user's public files; the response is a
// DeltaNode stream closed by DeltaEnd.
type ListPublicFiles struct{}

// GetFreeBytes asks for the remaining quota on a volume.
type GetFreeBytes struct {
	VolumeID string
}

// FreeBytes answers GetFreeBytes.
type FreeBytes struct {
	FreeBytes uint64
}

// PutContent begins an upload. UploadID is the multipart key of a
// previous attempt when resuming, empty otherwise. MagicHash is empty
// unless the client proves plaintext possession for cross-user dedup.
type PutContent struct {
	VolumeID     string
	NodeID       string
	PreviousHash string
	Hash         string
	CRC32        uint32
	Size         uint64
	DeflatedSize uint64
	MagicHash    string
	UploadID     string
}

// GetContent begins a download.
type GetContent struct {
	VolumeID string
	NodeID   string
	Hash     string
	Offset   uint64
}

// BeginContent opens the streaming phase of a transfer.
//
// For uploads, Offset tells the client where to resume its deflated
// stream (equal to DeflatedSize on a dedup hit) and UploadID carries the
// resume token. For downloads it describes the content about to flow.
type BeginContent struct {
	Offset       uint64
	UploadID     string
	Size         uint64
	DeflatedSize uint64
	CRC32        uint32
	Hash         string
}

// Bytes is one chunk of deflated content.
type Bytes struct {
	Payload []byte
}

// EOF closes a download stream.
type EOF struct{}

// CancelRequest cancels the in-flight request with id TargetID.
type CancelRequest struct {
	TargetID uint32
}

// GetDelta asks for the nodes mutated in (FromGeneration, now].
type GetDelta struct {
	VolumeID       string
	FromGeneration uint64
	Limit          uint32
}

// GetFromScratch asks for all live nodes of a volume.
type GetFromScratch struct {
	VolumeID string
}

// DeltaNode is one node of a delta stream.
type DeltaNode struct {
	NodeID       string
	ParentID     string
	VolumeID     string
	Name         string
	Kind         uint32
	ContentHash  string
	CRC32        uint32
	Size         uint64
	DeflatedSize uint64
	Generation   uint64
	IsLive       bool
	IsPublic     bool
	PublicURL    string
	MimeType     string
}

// DeltaEnd closes a delta stream.
type DeltaEnd struct {
	EndGeneration uint64
	FreeBytes     uint64
	Count         uint32
}
