package badger

import (
	"context"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/filerift/filerift/pkg/dal"
	dalerrors "github.com/filerift/filerift/pkg/dal/errors"
)

// ============================================================================
// Content blobs
// ============================================================================

// GetReusableBlob returns a blob the user is entitled to reuse.
func (s *Store) GetReusableBlob(ctx context.Context, userID int64, hash, magicHash string) (*dal.ContentBlob, error) {
	var blob *dal.ContentBlob
	err := s.view(ctx, func(txn *badger.Txn) error {
		stored, err := getJSON[dal.ContentBlob](txn, keyBlob(hash))
		if err != nil {
			return err
		}
		if stored == nil {
			return nil
		}

		// Proving plaintext possession unlocks cross-user reuse.
		if magicHash != "" && stored.MagicHash != "" && magicHash == stored.MagicHash {
			blob = stored
			return nil
		}

		// Otherwise the user must already own a live node carrying this hash.
		owns, err := s.ownsHash(txn, userID, hash)
		if err != nil {
			return err
		}
		if owns {
			blob = stored
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blob, nil
}

// ownsHash scans the user's nodes for a live node with the given hash.
func (s *Store) ownsHash(txn *badger.Txn, userID int64, hash string) (bool, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefixNode)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		var owns bool
		err := it.Item().Value(func(val []byte) error {
			node, decErr := decodeJSON[dal.Node](val)
			if decErr != nil {
				return decErr
			}
			if node.IsLive && node.OwnerID == userID && node.ContentHash == hash {
				owns = true
			}
			return nil
		})
		if err != nil {
			return false, err
		}
		if owns {
			return true, nil
		}
	}
	return false, nil
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
	var gen uint64
	err := s.update(ctx, func(txn *badger.Txn) error {
		stored, err := getJSON[dal.ContentBlob](txn, keyBlob(blob.Hash))
		if err != nil {
			return err
		}
		if stored == nil {
			stored = &blob
		} else if stored.MagicHash == "" && blob.MagicHash != "" {
			// A later uploader proving plaintext possession upgrades the
			// blob for cross-user dedup.
			stored.MagicHash = blob.MagicHash
		}
		if err := setJSON(txn, keyBlob(blob.Hash), stored); err != nil {
			return err
		}

		gen, err = s.bindContent(txn, userID, volumeID, nodeID, previousHash, stored)
		return err
	})
	if err != nil {
		return 0, err
	}
	return gen, nil
}

// MakeContentWithExistingBlob binds the node to an already-stored blob.
func (s *Store) MakeContentWithExistingBlob(ctx context.Context, userID int64, volumeID, nodeID uuid.UUID, previousHash, hash string) (uint64, error) {
	var gen uint64
	err := s.update(ctx, func(txn *badger.Txn) error {
		blob, err := getJSON[dal.ContentBlob](txn, keyBlob(hash))
		if err != nil {
			return err
		}
		if blob == nil {
			return dalerrors.NewDoesNotExist("content blob")
		}
		gen, err = s.bindContent(txn, userID, volumeID, nodeID, previousHash, blob)
		return err
	})
	if err != nil {
		return 0, err
	}
	return gen, nil
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

func (s *Store) bindContent(txn *badger.Txn, userID int64, volumeID, nodeID uuid.UUID, previousHash string, blob *dal.ContentBlob) (uint64, error) {
	ok, err := s.canWrite(txn, userID, volumeID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, dalerrors.NewDoesNotExist("volume")
	}
	vol, err := getVolume(txn, volumeID)
	if err != nil {
		return 0, err
	}
	node, err := getNode(txn, nodeID)
	if err != nil {
		return 0, err
	}
	if node == nil || !node.IsLive || node.VolumeID != volumeID {
		return 0, dalerrors.NewDoesNotExist("node")
	}
	if node.Kind != dal.KindFile {
		return 0, dalerrors.NewNoPermission("cannot put content on a directory")
	}
	if node.ContentHash != previousHash {
		return 0, dalerrors.NewConflict("The File changed while uploading.")
	}

	gen, err := bumpGeneration(txn, volumeID, vol)
	if err != nil {
		return 0, err
	}
	node.ContentHash = blob.Hash
	node.CRC32 = blob.CRC32
	node.Size = blob.Size
	node.DeflatedSize = blob.DeflatedSize
	node.StorageKey = blob.StorageKey
	node.Generation = gen
	return gen, s.putNode(txn, node)
}

// ============================================================================
// Upload jobs
// ============================================================================

// MakeUploadJob allocates a durable upload-job row.
func (s *Store) MakeUploadJob(ctx context.Context, userID int64, volumeID, nodeID uuid.UUID, previousHash, hash string, crc32 uint32, inflatedSize uint64) (*dal.UploadJobRecord, error) {
	var job *dal.UploadJobRecord
	err := s.update(ctx, func(txn *badger.Txn) error {
		ok, err := s.canWrite(txn, userID, volumeID)
		if err != nil {
			return err
		}
		if !ok {
			return dalerrors.NewDoesNotExist("volume")
		}

		now := s.clock()
		job = &dal.UploadJobRecord{
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
		return setJSON(txn, keyJob(job.MultipartKey), job)
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// GetUploadJob looks up a resumable upload with exact hint matching.
func (s *Store) GetUploadJob(ctx context.Context, userID int64, volumeID, nodeID, multipartKey uuid.UUID, hash string, crc32 uint32) (*dal.UploadJobRecord, error) {
	var job *dal.UploadJobRecord
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		job, err = getJSON[dal.UploadJobRecord](txn, keyJob(multipartKey))
		return err
	})
	if err != nil {
		return nil, err
	}
	if job == nil ||
		job.UserID != userID ||
		job.VolumeID != volumeID ||
		job.NodeID != nodeID ||
		job.HashHint != hash ||
		job.CRC32Hint != crc32 {
		return nil, dalerrors.NewDoesNotExist("upload job")
	}
	return job, nil
}

// AddPartToUploadJob accumulates committed bytes onto the record.
func (s *Store) AddPartToUploadJob(ctx context.Context, userID int64, jobID uuid.UUID, chunkSize uint64) error {
	return s.mutateJob(ctx, userID, jobID, func(job *dal.UploadJobRecord) {
		job.UploadedBytes += chunkSize
		job.ChunkCount++
		job.WhenLastActive = s.clock()
	})
}

// TouchUploadJob refreshes the last-active timestamp.
func (s *Store) TouchUploadJob(ctx context.Context, userID int64, jobID uuid.UUID) error {
	return s.mutateJob(ctx, userID, jobID, func(job *dal.UploadJobRecord) {
		job.WhenLastActive = s.clock()
	})
}

func (s *Store) mutateJob(ctx context.Context, userID int64, jobID uuid.UUID, mutate func(job *dal.UploadJobRecord)) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		job, err := s.jobByID(txn, userID, jobID)
		if err != nil {
			return err
		}
		mutate(job)
		return setJSON(txn, keyJob(job.MultipartKey), job)
	})
}

// DeleteUploadJob releases the record. Idempotent.
func (s *Store) DeleteUploadJob(ctx context.Context, userID int64, jobID uuid.UUID) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		job, err := s.jobByID(txn, userID, jobID)
		if dalerrors.IsCode(err, dalerrors.ErrDoesNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		return txn.Delete(keyJob(job.MultipartKey))
	})
}

// DeleteStaleUploadJobs purges records idle since before the cutoff.
func (s *Store) DeleteStaleUploadJobs(ctx context.Context, before time.Time) (int, error) {
	var purged int
	err := s.update(ctx, func(txn *badger.Txn) error {
		var stale [][]byte

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixJob)
		it := txn.NewIterator(opts)

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			err := it.Item().Value(func(val []byte) error {
				job, decErr := decodeJSON[dal.UploadJobRecord](val)
				if decErr != nil {
					return decErr
				}
				if job.WhenLastActive.Before(before) {
					stale = append(stale, key)
				}
				return nil
			})
			if err != nil {
				it.Close()
				return err
			}
		}
		it.Close()

		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		purged = len(stale)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return purged, nil
}

// jobByID scans the job table for the row with the given internal id.
// Rows are keyed by multipart key; the internal id is only used by the
// engine once it holds the record, so a scan is acceptable here.
func (s *Store) jobByID(txn *badger.Txn, userID int64, jobID uuid.UUID) (*dal.UploadJobRecord, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefixJob)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		var found *dal.UploadJobRecord
		err := it.Item().Value(func(val []byte) error {
			job, decErr := decodeJSON[dal.UploadJobRecord](val)
			if decErr != nil {
				return decErr
			}
			if job.ID == jobID && job.UserID == userID {
				found = job
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if found != nil {
			return found, nil
		}
	}
	return nil, dalerrors.NewDoesNotExist("upload job")
}
