package content

import (
	"context"

	"github.com/google/uuid"

	"github.com/filerift/filerift/pkg/dal"
)

// Record is the upload job's view of its durable progress row.
//
// Two implementations exist: dbRecord, backed by an UploadJobRecord row
// through the DAL, and BogusRecord, an in-memory stand-in that keeps
// small uploads off the durable table entirely.
type Record interface {
	// Resumable reports whether the record survives a reconnect.
	Resumable() bool

	// MultipartKey is the client-visible resume token (uuid.Nil for
	// bogus records).
	MultipartKey() uuid.UUID

	// StorageKey is the blob-store key the job writes to.
	StorageKey() string

	// UploadedBytes is the committed progress in bytes.
	UploadedBytes() uint64

	// AddPart commits chunkSize more bytes of progress.
	AddPart(ctx context.Context, chunkSize uint64) error

	// Touch refreshes the record's last-active timestamp.
	Touch(ctx context.Context) error

	// Delete releases the record. Idempotent.
	Delete(ctx context.Context) error
}

// UploadJobRegistry creates and resolves upload-job records for one
// user through the DAL.
type UploadJobRegistry struct {
	dal    dal.RpcDal
	userID int64
}

// NewUploadJobRegistry builds the registry for a user session.
func NewUploadJobRegistry(rpc dal.RpcDal, userID int64) *UploadJobRegistry {
	return &UploadJobRegistry{dal: rpc, userID: userID}
}

// Make allocates a durable record with zeroed progress.
func (r *UploadJobRegistry) Make(ctx context.Context, volumeID, nodeID uuid.UUID, previousHash, hash string, crc32 uint32, inflatedSize uint64) (Record, error) {
	row, err := r.dal.MakeUploadJob(ctx, r.userID, volumeID, nodeID, previousHash, hash, crc32, inflatedSize)
	if err != nil {
		return nil, err
	}
	return &dbRecord{registry: r, row: row}, nil
}

// Get looks up a resumable record by multipart key. Any mismatch of
// hash or crc32 yields DoesNotExist, forcing a fresh job.
func (r *UploadJobRegistry) Get(ctx context.Context, volumeID, nodeID, multipartKey uuid.UUID, hash string, crc32 uint32) (Record, error) {
	row, err := r.dal.GetUploadJob(ctx, r.userID, volumeID, nodeID, multipartKey, hash, crc32)
	if err != nil {
		return nil, err
	}
	return &dbRecord{registry: r, row: row}, nil
}

// dbRecord is a Record backed by a durable UploadJobRecord row.
type dbRecord struct {
	registry *UploadJobRegistry
	row      *dal.UploadJobRecord
}

func (d *dbRecord) Resumable() bool         { return true }
func (d *dbRecord) MultipartKey() uuid.UUID { return d.row.MultipartKey }
func (d *dbRecord) StorageKey() string      { return d.row.StorageKey }
func (d *dbRecord) UploadedBytes() uint64   { return d.row.UploadedBytes }

func (d *dbRecord) AddPart(ctx context.Context, chunkSize uint64) error {
	if err := d.registry.dal.AddPartToUploadJob(ctx, d.registry.userID, d.row.ID, chunkSize); err != nil {
		return err
	}
	d.row.UploadedBytes += chunkSize
	d.row.ChunkCount++
	return nil
}

func (d *dbRecord) Touch(ctx context.Context) error {
	return d.registry.dal.TouchUploadJob(ctx, d.registry.userID, d.row.ID)
}

func (d *dbRecord) Delete(ctx context.Context) error {
	return d.registry.dal.DeleteUploadJob(ctx, d.registry.userID, d.row.ID)
}

// BogusRecord tracks progress in memory only. Uploads small enough to
// fit in one storage chunk gain nothing from a durable row; losing the
// connection loses at most one chunk of transfer.
type BogusRecord struct {
	storageKey string
	uploaded   uint64
}

// NewBogusRecord creates the in-memory record around a reserved
// storage key.
func NewBogusRecord(storageKey string) *BogusRecord {
	return &BogusRecord{storageKey: storageKey}
}

func (b *BogusRecord) Resumable() bool         { return false }
func (b *BogusRecord) MultipartKey() uuid.UUID { return uuid.Nil }
func (b *BogusRecord) StorageKey() string      { return b.storageKey }
func (b *BogusRecord) UploadedBytes() uint64   { return b.uploaded }

func (b *BogusRecord) AddPart(ctx context.Context, chunkSize uint64) error {
	b.uploaded += chunkSize
	return nil
}

func (b *BogusRecord) Touch(ctx context.Context) error { return nil }

func (b *BogusRecord) Delete(ctx context.Context) error { return nil }
