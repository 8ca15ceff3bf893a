package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/filerift/filerift/pkg/dal"
	dalerrors "github.com/filerift/filerift/pkg/dal/errors"
)

// ============================================================================
// Content blobs
// ============================================================================

// GetReusableBlob returns a blob the user is entitled to reuse.
func (s *Store) GetReusableBlob(ctx context.Context, userID int64, hash, magicHash string) (*dal.ContentBlob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	blob, ok := s.blobs[hash]
	if !ok {
		return nil, nil
	}

	// Proving plaintext possession unlocks cross-user reuse.
	if magicHash != "" && blob.MagicHash != "" && magicHash == blob.MagicHash {
		return cloneBlob(blob), nil
	}

	// Otherwise the user must already own a live node carrying this hash.
	for _, n := range s.nodes {
		if n.IsLive && n.OwnerID == userID && n.ContentHash == hash {
			return cloneBlob(blob), nil
		}
	}
	return nil, nil
}

// ReserveStorageKey mints a fresh opaque storage key.
func (s *Store) ReserveStorageKey(ctx context.Context, userID int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return uuid.NewString(), nil
}

// MakeContent records the blob and binds the node to it.
func (s *Store) MakeContent(ctx context.Context, userID int64, volumeID, nodeID uuid.UUID, previousHash string, blob dal.ContentBlob) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.blobs[blob.Hash]
	if !ok {
		cp := blob
		s.blobs[blob.Hash] = &cp
	} else if stored.MagicHash == "" && blob.MagicHash != "" {
		// A later uploader proving plaintext possession upgrades the blob
		// for cross-user dedup.
		stored.MagicHash = blob.MagicHash
	}

	return s.bindContentLocked(userID, volumeID, nodeID, previousHash, s.blobs[blob.Hash])
}

// MakeContentWithExistingBlob binds the node to an already-stored blob.
func (s *Store) MakeContentWithExistingBlob(ctx context.Context, userID int64, volumeID, nodeID uuid.UUID, previousHash, hash string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	blob, ok := s.blobs[hash]
	if !ok {
		return 0, dalerrors.NewDoesNotExist("content blob")
	}
	return s.bindContentLocked(userID, volumeID, nodeID, previousHash, blob)
}

// MakeFileWithContent creates (or reuses) a file under parent and binds
// it to blob. Composed of MakeFile and MakeContent, so each step bumps
// the volume generation on its own.
func (s *Store) MakeFileWithContent(ctx context.Context, userID int64, volumeID, parentID uuid.UUID, name string, isPublic bool, blob dal.ContentBlob) (*dal.Node, error) {
	node, err := s.MakeFile(ctx, userID, volumeID, parentID, name, isPublic)
	if err != nil {
		return nil, err
	}
	if _, err := s.MakeContent(ctx, userID, volumeID, node.ID, node.ContentHash, blob); err != nil {
		return nil, err
	}
	return s.GetNode(ctx, userID, volumeID, node.ID)
}

func (s *Store) bindContentLocked(userID int64, volumeID, nodeID uuid.UUID, previousHash string, blob *dal.ContentBlob) (uint64, error) {
	if !s.canWrite(userID, volumeID) {
		return 0, dalerrors.NewDoesNotExist("volume")
	}
	node, ok := s.nodes[nodeID]
	if !ok || !node.IsLive || node.VolumeID != volumeID {
		return 0, dalerrors.NewDoesNotExist("node")
	}
	if node.Kind != dal.KindFile {
		return 0, dalerrors.NewNoPermission("cannot put content on a directory")
	}
	if node.ContentHash != previousHash {
		return 0, dalerrors.NewConflict("The File changed while uploading.")
	}

	node.ContentHash = blob.Hash
	node.CRC32 = blob.CRC32
	node.Size = blob.Size
	node.DeflatedSize = blob.DeflatedSize
	node.StorageKey = blob.StorageKey
	node.Generation = s.bumpGeneration(volumeID)
	return node.Generation, nil
}

// ============================================================================
// Upload jobs
// ============================================================================

// MakeUploadJob allocates a durable upload-job row.
func (s *Store) MakeUploadJob(ctx context.Context, userID int64, volumeID, nodeID uuid.UUID, previousHash, hash string, crc32 uint32, inflatedSize uint64) (*dal.UploadJobRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.canWrite(userID, volumeID) {
		return nil, dalerrors.NewDoesNotExist("volume")
	}

	now := s.clock()
	job := &dal.UploadJobRecord{
		ID:               uuid.New(),
		MultipartKey:     uuid.New(),
		UserID:           userID,
		VolumeID:         volumeID,
		NodeID:           nodeID,
		HashHint:         hash,
		CRC32Hint:        crc32,
		InflatedSizeHint: inflatedSize,
		PreviousHash:     previousHash,
		StorageKey:       uuid.NewString(),
		WhenStarted:      now,
		WhenLastActive:   now,
	}
	s.jobs[job.MultipartKey] = job
	return cloneJob(job), nil
}

// GetUploadJob looks up a resumable upload with exact hint matching.
func (s *Store) GetUploadJob(ctx context.Context, userID int64, volumeID, nodeID, multipartKey uuid.UUID, hash string, crc32 uint32) (*dal.UploadJobRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[multipartKey]
	if !ok ||
		job.UserID != userID ||
		job.VolumeID != volumeID ||
		job.NodeID != nodeID ||
		job.HashHint != hash ||
		job.CRC32Hint != crc32 {
		return nil, dalerrors.NewDoesNotExist("upload job")
	}
	return cloneJob(job), nil
}

// AddPartToUploadJob accumulates committed bytes onto the record.
func (s *Store) AddPartToUploadJob(ctx context.Context, userID int64, jobID uuid.UUID, chunkSize uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.jobByIDLocked(userID, jobID)
	if err != nil {
		return err
	}
	job.UploadedBytes += chunkSize
	job.ChunkCount++
	job.WhenLastActive = s.clock()
	return nil
}

// TouchUploadJob refreshes the last-active timestamp.
func (s *Store) TouchUploadJob(ctx context.Context, userID int64, jobID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.jobByIDLocked(userID, jobID)
	if err != nil {
		return err
	}
	job.WhenLastActive = s.clock()
	return nil
}

// DeleteUploadJob releases the record. Idempotent.
func (s *Store) DeleteUploadJob(ctx context.Context, userID int64, jobID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, job := range s.jobs {
		if job.ID == jobID && job.UserID == userID {
			delete(s.jobs, key)
			return nil
		}
	}
	return nil
}

// DeleteStaleUploadJobs purges records idle since before the cutoff.
func (s *Store) DeleteStaleUploadJobs(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int
	for key, job := range s.jobs {
		if job.WhenLastActive.Before(before) {
			delete(s.jobs, key)
			purged++
		}
	}
	return purged, nil
}

func (s *Store) jobByIDLocked(userID int64, jobID uuid.UUID) (*dal.UploadJobRecord, error) {
	for _, job := range s.jobs {
		if job.ID == jobID && job.UserID == userID {
			return job, nil
		}
	}
	return nil, dalerrors.NewDoesNotExist("upload job")
}
