package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/filerift/filerift/internal/logger"
	"github.com/filerift/filerift/pkg/blobstore"
	"github.com/filerift/filerift/pkg/dal"
	dalerrors "github.com/filerift/filerift/pkg/dal/errors"
)

// writeQueueDepth bounds the bytes buffered between AddData and the
// blob writer: backpressure kicks in after this many pending chunks.
const writeQueueDepth = 16

// UploadJobParams are the client-supplied inputs of one PUT.
type UploadJobParams struct {
	VolumeID uuid.UUID
	NodeID   uuid.UUID

	// PreviousHash is the hash the client believes the node holds.
	PreviousHash string

	// Hints the streamed bytes must match at commit.
	HashHint      string
	CRC32Hint     uint32
	InflatedSize  uint64
	DeflatedSize  uint64
	MagicHashHint string
}

// UploadJob is the per-PUT state machine. It connects the durable
// record, the blob writer and the hash pipeline, decides between the
// dedup shortcut and a real upload, and commits the new content
// version.
//
// The owning controller serializes Connect, AddData and Commit; Cancel
// and Stop may arrive from the connection's dispatch path at any time
// before Commit returns.
type UploadJob struct {
	user   *User
	params UploadJobParams
	record Record

	pipe  *HashPipeline
	store blobstore.BlobStore
	sink  blobstore.WriteSink

	// dedupHash is non-empty when Connect found a reusable blob; the
	// job then never opens a writer and commits by reference.
	dedupHash string

	offset    uint64
	chunkSize uint64

	// enqueued tracks bytes handed to the write queue since the last
	// AddPart boundary, plus the resumed offset.
	enqueued uint64
	lastPart uint64

	queue     chan []byte
	queueOnce sync.Once
	writerWG  sync.WaitGroup

	mu        sync.Mutex
	writeErr  error
	canceling bool
	connected bool
}

// newUploadJob is called through User.GetUploadJob.
func newUploadJob(user *User, params UploadJobParams, record Record) *UploadJob {
	return &UploadJob{
		user:      user,
		params:    params,
		record:    record,
		pipe:      NewHashPipeline(),
		store:     user.manager.store,
		chunkSize: user.manager.storageChunkSize,
	}
}

// Record exposes the job's progress record (resume token, progress).
func (j *UploadJob) Record() Record {
	return j.record
}

// Offset is the begin_content offset published to the client. Valid
// after Connect.
func (j *UploadJob) Offset() uint64 {
	return j.offset
}

// Deduplicated reports whether Connect chose the dedup shortcut.
func (j *UploadJob) Deduplicated() bool {
	return j.dedupHash != ""
}

// ExpectedBytes is how many deflated bytes the client still has to
// stream. Zero on a dedup hit.
func (j *UploadJob) ExpectedBytes() uint64 {
	if j.params.DeflatedSize < j.offset {
		return 0
	}
	return j.params.DeflatedSize - j.offset
}

// Connect validates the target node, enforces quota, and decides
// between the dedup shortcut and a real blob writer. It returns the
// offset to publish in begin_content.
func (j *UploadJob) Connect(ctx context.Context) (uint64, error) {
	node, err := j.user.dal().GetNode(ctx, j.user.ID(), j.params.VolumeID, j.params.NodeID)
	if err != nil {
		return 0, err
	}
	if node.Kind != dal.KindFile {
		return 0, dalerrors.NewNoPermission("cannot put content on a directory")
	}
	if node.ContentHash != j.params.PreviousHash {
		return 0, dalerrors.NewConflict("The File changed while uploading.")
	}

	// Quota gates the whole request: nothing is read from the
	// transport when the content cannot fit.
	free, shareID, err := j.user.freeBytesForQuota(ctx, j.params.VolumeID)
	if err != nil {
		return 0, err
	}
	if j.params.InflatedSize > free {
		return 0, dalerrors.NewQuotaExceeded(free, shareID)
	}

	// Dedup shortcut: reuse an existing blob when the user already owns
	// the content, or proves plaintext possession via the magic hash.
	blob, err := j.user.dal().GetReusableBlob(ctx, j.user.ID(), j.params.HashHint, j.params.MagicHashHint)
	if err != nil {
		return 0, err
	}
	if blob != nil {
		j.dedupHash = blob.Hash
		j.offset = j.params.DeflatedSize
		j.connected = true
		return j.offset, nil
	}

	if err := j.openWriter(ctx); err != nil {
		return 0, err
	}

	j.queue = make(chan []byte, writeQueueDepth)
	j.writerWG.Add(1)
	go j.runWriter()

	j.connected = true
	return j.offset, nil
}

// openWriter opens the blob sink, resuming committed progress when the
// backend can, falling back to a fresh upload when it cannot.
func (j *UploadJob) openWriter(ctx context.Context) error {
	offset := j.record.UploadedBytes()

	sink, err := j.store.OpenPut(ctx, j.record.StorageKey(), offset)
	if errors.Is(err, blobstore.ErrResumeUnsupported) && offset > 0 {
		logger.Debug("upload resume unsupported, restarting",
			"node_id", j.params.NodeID, "offset", offset)
		if err := j.resetRecord(ctx); err != nil {
			return err
		}
		offset = 0
		sink, err = j.store.OpenPut(ctx, j.record.StorageKey(), 0)
		if err != nil {
			return dalerrors.NewTryAgain(err)
		}
	} else if err != nil {
		return dalerrors.NewTryAgain(err)
	}

	if offset > 0 {
		if err := j.rebuildHashState(ctx, offset); err != nil {
			sink.Abort()
			if err := j.resetRecord(ctx); err != nil {
				return err
			}
			offset = 0
			sink, err = j.store.OpenPut(ctx, j.record.StorageKey(), 0)
			if err != nil {
				return dalerrors.NewTryAgain(err)
			}
		}
	}

	j.sink = sink
	j.offset = offset
	j.enqueued = offset
	j.lastPart = offset
	return nil
}

// rebuildHashState replays the committed partial bytes through a fresh
// hash pipeline so the digests cover the whole stream after a resume.
func (j *UploadJob) rebuildHashState(ctx context.Context, offset uint64) error {
	partial, err := j.store.OpenPartial(ctx, j.record.StorageKey())
	if err != nil {
		return err
	}
	defer partial.Close()

	buf := make([]byte, 32*1024)
	var replayed uint64
	r := io.LimitReader(partial, int64(offset))
	for {
		n, err := r.Read(buf)
		if n > 0 {
			replayed += uint64(n)
			if err := j.pipe.AddData(buf[:n]); err != nil {
				return err
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	if replayed != offset {
		return fmt.Errorf("partial blob holds %d bytes, record claims %d", replayed, offset)
	}
	return nil
}

// resetRecord swaps the job's record for a fresh zero-progress one.
// The tainted hash pipeline is replaced along with it.
func (j *UploadJob) resetRecord(ctx context.Context) error {
	if err := j.record.Delete(ctx); err != nil {
		logger.Warn("delete stale upload record failed", "error", err)
	}

	j.pipe.Abort()
	j.pipe = NewHashPipeline()

	if !j.record.Resumable() {
		return nil
	}
	rec, err := j.user.registry.Make(ctx, j.params.VolumeID, j.params.NodeID,
		j.params.PreviousHash, j.params.HashHint, j.params.CRC32Hint, j.params.InflatedSize)
	if err != nil {
		return err
	}
	j.record = rec
	return nil
}

// runWriter applies queued chunks to the sink in arrival order.
func (j *UploadJob) runWriter() {
	defer j.writerWG.Done()

	for chunk := range j.queue {
		j.mu.Lock()
		failed := j.writeErr != nil || j.canceling
		j.mu.Unlock()
		if failed {
			continue // drain
		}
		if _, err := j.sink.Write(chunk); err != nil {
			j.mu.Lock()
			j.writeErr = err
			j.mu.Unlock()
		}
	}
}

// AddData feeds one chunk of the client's deflated stream into the
// hash pipeline and the blob writer. Chunks arriving after Cancel or
// Stop are discarded silently.
func (j *UploadJob) AddData(ctx context.Context, data []byte) error {
	j.mu.Lock()
	if j.canceling {
		j.mu.Unlock()
		return nil
	}
	werr := j.writeErr
	j.mu.Unlock()

	if werr != nil {
		// Terminate promptly, not at end of transfer.
		return dalerrors.NewTryAgain(werr)
	}
	if !j.connected {
		return dalerrors.NewInternal(fmt.Errorf("AddData before Connect"))
	}
	if j.dedupHash != "" {
		return nil
	}

	if err := j.pipe.AddData(data); err != nil {
		return err
	}

	chunk := make([]byte, len(data))
	copy(chunk, data)
	select {
	case j.queue <- chunk:
	case <-ctx.Done():
		return ctx.Err()
	}
	j.enqueued += uint64(len(data))

	// Persist progress every chunkSize bytes so a reconnect resumes
	// byte-exact at a chunk boundary.
	for j.enqueued-j.lastPart >= j.chunkSize {
		if err := j.record.AddPart(ctx, j.chunkSize); err != nil {
			return err
		}
		j.lastPart += j.chunkSize
	}
	return nil
}

// closeQueue stops the writer goroutine exactly once.
func (j *UploadJob) closeQueue() {
	if j.queue == nil {
		return
	}
	j.queueOnce.Do(func() { close(j.queue) })
	j.writerWG.Wait()
}

// Commit validates the streamed bytes against every hint, makes the
// blob durable and binds the node to the new content version. It
// returns the post-mutation generation.
func (j *UploadJob) Commit(ctx context.Context) (uint64, error) {
	j.mu.Lock()
	canceling := j.canceling
	j.mu.Unlock()
	if canceling {
		return 0, dalerrors.NewRequestCancelled()
	}

	if j.dedupHash != "" {
		return j.commitDedup(ctx)
	}

	j.closeQueue()

	j.mu.Lock()
	werr := j.writeErr
	j.mu.Unlock()
	if werr != nil {
		j.sink.Abort()
		return 0, dalerrors.NewTryAgain(werr)
	}

	if err := j.pipe.Finish(); err != nil {
		j.abandon(ctx)
		return 0, err
	}

	snap := j.pipe.Snapshot()
	if err := j.validateHints(snap); err != nil {
		j.abandon(ctx)
		return 0, err
	}

	// Durable close must complete before the metadata commit; a blob
	// the metadata references always exists in full.
	if err := j.sink.Close(); err != nil {
		return 0, dalerrors.NewTryAgain(err)
	}

	blob := dal.ContentBlob{
		Hash:         snap.ContentHash,
		CRC32:        snap.CRC32,
		Size:         snap.InflatedSize,
		DeflatedSize: snap.DeflatedSize,
		StorageKey:   j.record.StorageKey(),
	}
	if j.params.MagicHashHint != "" {
		blob.MagicHash = snap.MagicHash
	}

	gen, err := j.user.dal().MakeContent(ctx, j.user.ID(), j.params.VolumeID, j.params.NodeID,
		j.params.PreviousHash, blob)
	if err != nil {
		j.deleteRecordQuietly(ctx)
		return 0, err
	}

	j.deleteRecordQuietly(ctx)
	j.user.noteGeneration(j.params.VolumeID, gen)
	j.user.invalidateFreeBytes(j.params.VolumeID)
	return gen, nil
}

// commitDedup binds the node to the already-stored blob.
func (j *UploadJob) commitDedup(ctx context.Context) (uint64, error) {
	j.pipe.Abort()

	gen, err := j.user.dal().MakeContentWithExistingBlob(ctx, j.user.ID(), j.params.VolumeID,
		j.params.NodeID, j.params.PreviousHash, j.dedupHash)
	if err != nil {
		j.deleteRecordQuietly(ctx)
		return 0, err
	}

	j.deleteRecordQuietly(ctx)
	j.user.noteGeneration(j.params.VolumeID, gen)
	j.user.invalidateFreeBytes(j.params.VolumeID)
	return gen, nil
}

// validateHints checks every client hint against the streamed bytes.
func (j *UploadJob) validateHints(snap HashSnapshot) error {
	if snap.InflatedSize != j.params.InflatedSize {
		return dalerrors.NewUploadCorrupt("inflated size mismatch")
	}
	if snap.DeflatedSize != j.params.DeflatedSize {
		return dalerrors.NewUploadCorrupt("deflated size mismatch")
	}
	if snap.ContentHash != j.params.HashHint {
		return dalerrors.NewUploadCorrupt("hash mismatch")
	}
	if snap.CRC32 != j.params.CRC32Hint {
		return dalerrors.NewUploadCorrupt("crc32 mismatch")
	}
	if j.params.MagicHashHint != "" && snap.MagicHash != j.params.MagicHashHint {
		return dalerrors.NewUploadCorrupt("magic hash mismatch")
	}
	return nil
}

// abandon discards the partial blob and the record after a validation
// failure; corrupted bytes are never worth resuming.
func (j *UploadJob) abandon(ctx context.Context) {
	if j.sink != nil {
		j.sink.Abort()
	}
	if err := j.store.Delete(ctx, j.record.StorageKey()); err != nil {
		logger.Warn("delete corrupt partial blob failed", "error", err)
	}
	j.deleteRecordQuietly(ctx)
}

// deleteRecordQuietly releases the record; a failed delete is logged
// and subsumed so the caller's result stands.
func (j *UploadJob) deleteRecordQuietly(ctx context.Context) {
	if err := j.record.Delete(ctx); err != nil {
		logger.Warn("delete upload record failed",
			"multipart_key", j.record.MultipartKey(), "error", err)
	}
}

// Cancel stops the writer, drains the queue and deletes the record.
// Bytes arriving afterwards are discarded silently.
func (j *UploadJob) Cancel(ctx context.Context) {
	j.mu.Lock()
	if j.canceling {
		j.mu.Unlock()
		return
	}
	j.canceling = true
	j.mu.Unlock()

	j.closeQueue()
	if j.sink != nil {
		j.sink.Abort()
		// The record dies with the request, so the partial blob can
		// never be resumed; drop it rather than leak it.
		if err := j.store.Delete(ctx, j.record.StorageKey()); err != nil {
			logger.Warn("delete cancelled partial blob failed", "error", err)
		}
	}
	j.pipe.Abort()
	j.deleteRecordQuietly(ctx)
}

// Stop is the graceful variant of Cancel: the record survives for
// resume, future AddData is a no-op.
func (j *UploadJob) Stop() {
	j.mu.Lock()
	if j.canceling {
		j.mu.Unlock()
		return
	}
	j.canceling = true
	j.mu.Unlock()

	j.closeQueue()
	if j.sink != nil {
		j.sink.Abort()
	}
	j.pipe.Abort()
}
