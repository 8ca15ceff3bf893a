package content

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/filerift/filerift/pkg/blobstore"
	"github.com/filerift/filerift/pkg/dal"
	dalerrors "github.com/filerift/filerift/pkg/dal/errors"
)

// ContentInfo describes the content about to flow on a download.
type ContentInfo struct {
	Size         uint64
	DeflatedSize uint64
	CRC32        uint32
	Hash         string
}

// DownloadSink is the transport side of a download: the controller
// implements it over the wire protocol, tests over buffers.
//
// BeginContent is called exactly once, before any SendBytes. EOF is
// called once after the last chunk of a successful download.
type DownloadSink interface {
	BeginContent(info ContentInfo) error
	SendBytes(payload []byte) error
	EOF() error
}

// DownloadJob streams one node's blob to a sink in bounded frames.
//
// The producer runs on its own goroutine; Pause, Resume and Cancel
// give the transport flow control over it. Wait blocks until the
// producer finishes and reports the terminal error, if any.
type DownloadJob struct {
	user         *User
	store        blobstore.BlobStore
	bytesPayload uint32

	mu      sync.Mutex
	cond    *sync.Cond
	paused  bool
	stopped bool
	started bool

	done     chan struct{}
	doneOnce sync.Once
	err      error
}

// finish records the terminal outcome exactly once.
func (j *DownloadJob) finish(err error) {
	j.doneOnce.Do(func() {
		j.err = err
		close(j.done)
	})
}

// newDownloadJob is called through User.GetContent.
func newDownloadJob(user *User) *DownloadJob {
	j := &DownloadJob{
		user:         user,
		store:        user.manager.store,
		bytesPayload: user.manager.bytesPayload,
		done:         make(chan struct{}),
	}
	j.cond = sync.NewCond(&j.mu)
	return j
}

// Start verifies the node has content, opens the blob reader and
// begins producing into sink. It returns once the producer is
// running; the stream outcome is reported by Wait.
func (j *DownloadJob) Start(ctx context.Context, node *dal.Node, offset uint64, sink DownloadSink) error {
	if node.ContentHash == dal.EmptyHash || node.StorageKey == "" {
		return dalerrors.NewDoesNotExist("content")
	}

	reader, err := j.store.OpenGet(ctx, node.StorageKey)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return dalerrors.NewNotAvailable(err)
		}
		return dalerrors.NewNotAvailable(err)
	}

	if offset > 0 {
		if _, err := io.CopyN(io.Discard, reader, int64(offset)); err != nil {
			reader.Close()
			return dalerrors.NewNotAvailable(err)
		}
	}

	info := ContentInfo{
		Size:         node.Size,
		DeflatedSize: node.DeflatedSize,
		CRC32:        node.CRC32,
		Hash:         node.ContentHash,
	}

	// begin_content precedes any bytes frame.
	if err := sink.BeginContent(info); err != nil {
		reader.Close()
		return err
	}

	j.mu.Lock()
	if j.stopped {
		j.mu.Unlock()
		reader.Close()
		return dalerrors.NewRequestCancelled()
	}
	j.started = true
	j.mu.Unlock()

	go j.produce(reader, sink)
	return nil
}

// produce pushes frames until EOF, a read failure or a stop.
func (j *DownloadJob) produce(reader io.ReadCloser, sink DownloadSink) {
	defer reader.Close()

	buf := make([]byte, j.bytesPayload)
	for {
		j.mu.Lock()
		for j.paused && !j.stopped {
			j.cond.Wait()
		}
		stopped := j.stopped
		j.mu.Unlock()
		if stopped {
			j.finish(dalerrors.NewRequestCancelled())
			return
		}

		n, err := reader.Read(buf)
		if n > 0 {
			if serr := sink.SendBytes(buf[:n]); serr != nil {
				j.finish(serr)
				return
			}
		}
		if err == io.EOF {
			j.finish(sink.EOF())
			return
		}
		if err != nil {
			// Blob read failure mid-stream.
			j.finish(dalerrors.NewNotAvailable(err))
			return
		}
	}
}

// Pause suspends the producer until Resume. No-op when stopped.
func (j *DownloadJob) Pause() {
	j.mu.Lock()
	j.paused = true
	j.mu.Unlock()
}

// Resume releases a paused producer.
func (j *DownloadJob) Resume() {
	j.mu.Lock()
	j.paused = false
	j.mu.Unlock()
	j.cond.Broadcast()
}

// Cancel stops the producer. Idempotent; a download cancelled after
// all bytes were pushed still terminates exactly once.
func (j *DownloadJob) Cancel() {
	j.mu.Lock()
	if j.stopped {
		j.mu.Unlock()
		return
	}
	j.stopped = true
	started := j.started
	j.mu.Unlock()
	j.cond.Broadcast()

	if !started {
		j.finish(dalerrors.NewRequestCancelled())
	}
}

// Wait blocks until the producer finishes and returns its outcome.
// A cancelled download reports RequestCancelled unless the stream had
// already completed.
func (j *DownloadJob) Wait() error {
	<-j.done
	return j.err
}
