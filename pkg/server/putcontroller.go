package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/filerift/filerift/internal/logger"
	"github.com/filerift/filerift/pkg/content"
	dalerrors "github.com/filerift/filerift/pkg/dal/errors"
	"github.com/filerift/filerift/pkg/metrics"
	"github.com/filerift/filerift/pkg/wire"
)

// touchInterval is how often a long-running upload refreshes its
// record's last-active timestamp.
const touchInterval = 30 * time.Second

// putController drives one PUT_CONTENT request: prelude under the
// admission token, then BYTES frames routed in on the dispatch
// goroutine, then commit.
type putController struct {
	conn      *conn
	requestID uint32
	job       *content.UploadJob
	jobLabel  string

	expected  uint64
	received  uint64
	lastTouch time.Time

	mu   sync.Mutex
	done bool
}

// startPut runs the PUT prelude. The caller has acquired the admission
// token; the prelude releases it only after the upload job has been
// assigned to the request table, so a CANCEL_REQUEST parsed next always
// finds its target.
func (c *conn) startPut(ctx context.Context, f *wire.Frame) error {
	var req wire.PutContent
	if err := wire.DecodeAs(f, wire.MsgPutContent, &req); err != nil {
		c.release()
		return err
	}

	ctl := &putController{conn: c, requestID: f.RequestID, jobLabel: metrics.JobUpload}

	if err := ctl.begin(ctx, &req); err != nil {
		c.release()
		ctl.recordError(err)
		return c.sendError(f.RequestID, err)
	}
	return nil
}

// begin validates the request, connects the upload job, assigns the
// controller and releases admission, then publishes begin_content. On
// error the admission token is still held by the caller.
func (p *putController) begin(ctx context.Context, req *wire.PutContent) error {
	volumeID, err := parseID(req.VolumeID)
	if err != nil {
		return err
	}
	nodeID, err := parseID(req.NodeID)
	if err != nil {
		return err
	}

	params := content.UploadJobParams{
		VolumeID:      volumeID,
		NodeID:        nodeID,
		PreviousHash:  req.PreviousHash,
		HashHint:      req.Hash,
		CRC32Hint:     req.CRC32,
		InflatedSize:  req.Size,
		DeflatedSize:  req.DeflatedSize,
		MagicHashHint: req.MagicHash,
	}

	job, err := p.conn.user.GetUploadJob(ctx, params, req.UploadID)
	if err != nil {
		return err
	}

	offset, err := job.Connect(ctx)
	if err != nil {
		return err
	}

	p.job = job
	p.expected = job.ExpectedBytes()
	p.lastTouch = p.conn.clock.Now()
	if job.Deduplicated() {
		p.jobLabel = metrics.JobMagicUpload
	}

	// Slot assignment precedes admission release: a CANCEL_REQUEST
	// dispatched right after this prelude must observe the controller.
	p.conn.addRequest(p.requestID, p)
	p.conn.release()

	logger.Debug(fmt.Sprintf("UploadJob begin content from offset %d", offset),
		"node_id", nodeID, "dedup", job.Deduplicated())
	p.conn.metrics.RecordBegin(p.jobLabel, offset)

	uploadID := ""
	if key := job.Record().MultipartKey(); key != uuid.Nil {
		uploadID = key.String()
	}
	if err := p.conn.tr.Send(wire.MsgBeginContent, p.requestID, &wire.BeginContent{
		Offset:   offset,
		UploadID: uploadID,
	}); err != nil {
		p.job.Stop()
		p.finish()
		return nil
	}

	// Dedup hits and fully-resumed uploads have nothing left to stream.
	if p.expected == 0 {
		p.commit(ctx)
	}
	return nil
}

// deliver applies one BYTES frame and commits when the last expected
// byte has arrived.
func (p *putController) deliver(ctx context.Context, f *wire.Frame) error {
	var b wire.Bytes
	if err := wire.DecodeAs(f, wire.MsgBytes, &b); err != nil {
		return err
	}

	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done {
		return nil
	}

	if err := p.job.AddData(ctx, b.Payload); err != nil {
		p.fail(ctx, err)
		return nil
	}
	p.received += uint64(len(b.Payload))
	p.conn.metrics.RecordBytes(p.jobLabel, len(b.Payload))

	if now := p.conn.clock.Now(); now.Sub(p.lastTouch) >= touchInterval {
		p.lastTouch = now
		if err := p.job.Record().Touch(ctx); err != nil {
			logger.Warn("touch upload record failed", "error", err)
		}
	}

	if p.received >= p.expected {
		p.commit(ctx)
	}
	return nil
}

// commit finalizes the upload and answers OK with the new generation.
func (p *putController) commit(ctx context.Context) {
	gen, err := p.job.Commit(ctx)
	if err != nil {
		p.fail(ctx, err)
		return
	}
	p.finish()
	if err := p.conn.tr.Send(wire.MsgOK, p.requestID, &wire.OK{Generation: gen}); err != nil {
		logger.Debug("send OK failed", "request_id", p.requestID, "error", err)
	}
}

// fail terminates the request with an error response. A transient
// fault keeps the job's record and partial blob so the client can
// retry with the upload id it was given; anything else cancels the
// job outright.
func (p *putController) fail(ctx context.Context, err error) {
	p.finish()
	p.recordError(err)
	if serr := p.conn.sendError(p.requestID, err); serr != nil {
		logger.Debug("send error failed", "request_id", p.requestID, "error", serr)
	}
	if dalerrors.IsCode(err, dalerrors.ErrTryAgain) {
		p.job.Stop()
		return
	}
	p.job.Cancel(ctx)
}

func (p *putController) cancel(ctx context.Context) {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.job.Cancel(ctx)
	p.finish()
	err := dalerrors.NewRequestCancelled()
	p.recordError(err)
	if serr := p.conn.sendError(p.requestID, err); serr != nil {
		logger.Debug("send error failed", "request_id", p.requestID, "error", serr)
	}
}

// shutdown stops the upload without deleting its record, so the client
// can resume after reconnecting.
func (p *putController) shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}
	p.done = true
	p.mu.Unlock()
	p.job.Stop()
}

// finish marks the request terminal and drops it from the table.
func (p *putController) finish() {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}
	p.done = true
	p.mu.Unlock()
	p.conn.removeRequest(p.requestID)
}

func (p *putController) recordError(err error) {
	p.conn.metrics.RecordError(p.jobLabel, wire.CodeName(wireCode(dalerrors.CodeOf(err))))
}
