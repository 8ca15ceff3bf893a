package server

import (
	"context"
	"sync"

	"github.com/filerift/filerift/internal/logger"
	"github.com/filerift/filerift/pkg/content"
	dalerrors "github.com/filerift/filerift/pkg/dal/errors"
	"github.com/filerift/filerift/pkg/metrics"
	"github.com/filerift/filerift/pkg/wire"
)

// getController drives one GET_CONTENT request. The download job's
// producer goroutine pushes frames through the controller's sink; the
// controller reports the terminal outcome once the producer finishes.
type getController struct {
	conn      *conn
	requestID uint32
	job       *content.DownloadJob

	mu   sync.Mutex
	done bool
}

// startGet runs the GET prelude. Admission is released only after the
// producer has been attached to the request table.
func (c *conn) startGet(ctx context.Context, f *wire.Frame) error {
	var req wire.GetContent
	if err := wire.DecodeAs(f, wire.MsgGetContent, &req); err != nil {
		c.release()
		return err
	}

	ctl := &getController{conn: c, requestID: f.RequestID}

	if err := ctl.begin(ctx, &req); err != nil {
		c.release()
		c.metrics.RecordError(metrics.JobDownload, wire.CodeName(wireError(err).Code))
		return c.sendError(f.RequestID, err)
	}
	return nil
}

func (g *getController) begin(ctx context.Context, req *wire.GetContent) error {
	volumeID, err := parseID(req.VolumeID)
	if err != nil {
		return err
	}
	nodeID, err := parseID(req.NodeID)
	if err != nil {
		return err
	}

	job, node, err := g.conn.user.GetContent(ctx, volumeID, nodeID, req.Hash)
	if err != nil {
		return err
	}
	g.job = job

	// Producer attachment precedes admission release, same contract as
	// the upload side.
	g.conn.addRequest(g.requestID, g)

	if err := job.Start(ctx, node, req.Offset, g); err != nil {
		g.conn.removeRequest(g.requestID)
		return err
	}
	g.conn.release()

	g.conn.metrics.RecordBegin(metrics.JobDownload, req.Offset)
	go g.await()
	return nil
}

// await reports the producer's terminal outcome to the client.
func (g *getController) await() {
	err := g.job.Wait()

	g.mu.Lock()
	if g.done {
		g.mu.Unlock()
		return
	}
	g.done = true
	g.mu.Unlock()
	g.conn.removeRequest(g.requestID)

	if err == nil {
		return
	}
	g.conn.metrics.RecordError(metrics.JobDownload, wire.CodeName(wireError(err).Code))
	if serr := g.conn.sendError(g.requestID, err); serr != nil {
		logger.Debug("send error failed", "request_id", g.requestID, "error", serr)
	}
}

// BeginContent, SendBytes and EOF implement content.DownloadSink over
// the wire.

func (g *getController) BeginContent(info content.ContentInfo) error {
	return g.conn.tr.Send(wire.MsgBeginContent, g.requestID, &wire.BeginContent{
		Size:         info.Size,
		DeflatedSize: info.DeflatedSize,
		CRC32:        info.CRC32,
		Hash:         info.Hash,
	})
}

func (g *getController) SendBytes(payload []byte) error {
	g.conn.metrics.RecordBytes(metrics.JobDownload, len(payload))
	return g.conn.tr.Send(wire.MsgBytes, g.requestID, &wire.Bytes{Payload: payload})
}

func (g *getController) EOF() error {
	return g.conn.tr.Send(wire.MsgEOF, g.requestID, &wire.EOF{})
}

// deliver rejects client frames: a download has no inbound body.
func (g *getController) deliver(ctx context.Context, f *wire.Frame) error {
	return &dalerrors.TransferError{
		Code:    dalerrors.ErrInternal,
		Message: "unexpected " + f.Type.String() + " frame on a download",
	}
}

// cancel stops the producer; await reports RequestCancelled.
func (g *getController) cancel(ctx context.Context) {
	g.job.Cancel()
}

func (g *getController) shutdown(ctx context.Context) {
	g.mu.Lock()
	g.done = true
	g.mu.Unlock()
	g.job.Cancel()
}
