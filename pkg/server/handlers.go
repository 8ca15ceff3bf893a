package server

import (
	"context"
	"fmt"

	"github.com/filerift/filerift/pkg/dal"
	"github.com/filerift/filerift/pkg/wire"
)

// handleSingle serves the one-shot metadata requests. The caller holds
// the admission token for the whole exchange.
func (c *conn) handleSingle(ctx context.Context, f *wire.Frame) error {
	switch f.Type {
	case wire.MsgGetRoot:
		return c.handleGetRoot(ctx, f)
	case wire.MsgMakeFile:
		return c.handleMakeFile(ctx, f)
	case wire.MsgMakeDir:
		return c.handleMakeDir(ctx, f)
	case wire.MsgUnlink:
		return c.handleUnlink(ctx, f)
	case wire.MsgMove:
		return c.handleMove(ctx, f)
	case wire.MsgChangePublicAccess:
		return c.handleChangePublicAccess(ctx, f)
	case wire.MsgListPublicFiles:
		return c.handleListPublicFiles(ctx, f)
	case wire.MsgGetFreeBytes:
		return c.handleGetFreeBytes(ctx, f)
	case wire.MsgGetDelta:
		return c.handleGetDelta(ctx, f)
	case wire.MsgGetFromScratch:
		return c.handleGetFromScratch(ctx, f)
	default:
		return fmt.Errorf("unexpected %s frame", f.Type)
	}
}

func (c *conn) handleGetRoot(ctx context.Context, f *wire.Frame) error {
	nodeID, gen, err := c.user.GetRoot(ctx)
	if err != nil {
		return c.sendError(f.RequestID, err)
	}
	return c.tr.Send(wire.MsgRoot, f.RequestID, &wire.Root{
		NodeID:     nodeID.String(),
		Generation: gen,
	})
}

func (c *conn) handleMakeFile(ctx context.Context, f *wire.Frame) error {
	var req wire.MakeFile
	if err := wire.DecodeAs(f, wire.MsgMakeFile, &req); err != nil {
		return err
	}
	volumeID, err := parseID(req.VolumeID)
	if err != nil {
		return c.sendError(f.RequestID, err)
	}
	parentID, err := parseID(req.ParentID)
	if err != nil {
		return c.sendError(f.RequestID, err)
	}

	node, err := c.user.MakeFile(ctx, volumeID, parentID, req.Name, req.IsPublic)
	if err != nil {
		return c.sendError(f.RequestID, err)
	}
	return c.tr.Send(wire.MsgNewNode, f.RequestID, &wire.NewNode{
		NodeID:     node.ID.String(),
		Generation: node.Generation,
		MimeType:   node.MimeType,
	})
}

func (c *conn) handleMakeDir(ctx context.Context, f *wire.Frame) error {
	var req wire.MakeDir
	if err := wire.DecodeAs(f, wire.MsgMakeDir, &req); err != nil {
		return err
	}
	volumeID, err := parseID(req.VolumeID)
	if err != nil {
		return c.sendError(f.RequestID, err)
	}
	parentID, err := parseID(req.ParentID)
	if err != nil {
		return c.sendError(f.RequestID, err)
	}

	node, err := c.user.MakeDir(ctx, volumeID, parentID, req.Name)
	if err != nil {
		return c.sendError(f.RequestID, err)
	}
	return c.tr.Send(wire.MsgNewNode, f.RequestID, &wire.NewNode{
		NodeID:     node.ID.String(),
		Generation: node.Generation,
	})
}

func (c *conn) handleUnlink(ctx context.Context, f *wire.Frame) error {
	var req wire.Unlink
	if err := wire.DecodeAs(f, wire.MsgUnlink, &req); err != nil {
		return err
	}
	volumeID, err := parseID(req.VolumeID)
	if err != nil {
		return c.sendError(f.RequestID, err)
	}
	nodeID, err := parseID(req.NodeID)
	if err != nil {
		return c.sendError(f.RequestID, err)
	}

	gen, kind, name, err := c.user.Unlink(ctx, volumeID, nodeID)
	if err != nil {
		return c.sendError(f.RequestID, err)
	}
	return c.tr.Send(wire.MsgUnlinked, f.RequestID, &wire.Unlinked{
		Generation: gen,
		Kind:       uint32(kind),
		Name:       name,
	})
}

func (c *conn) handleMove(ctx context.Context, f *wire.Frame) error {
	var req wire.Move
	if err := wire.DecodeAs(f, wire.MsgMove, &req); err != nil {
		return err
	}
	volumeID, err := parseID(req.VolumeID)
	if err != nil {
		return c.sendError(f.RequestID, err)
	}
	nodeID, err := parseID(req.NodeID)
	if err != nil {
		return c.sendError(f.RequestID, err)
	}
	newParentID, err := parseID(req.NewParentID)
	if err != nil {
		return c.sendError(f.RequestID, err)
	}

	gen, err := c.user.Move(ctx, volumeID, nodeID, newParentID, req.NewName)
	if err != nil {
		return c.sendError(f.RequestID, err)
	}
	return c.tr.Send(wire.MsgOK, f.RequestID, &wire.OK{Generation: gen})
}

func (c *conn) handleChangePublicAccess(ctx context.Context, f *wire.Frame) error {
	var req wire.ChangePublicAccess
	if err := wire.DecodeAs(f, wire.MsgChangePublicAccess, &req); err != nil {
		return err
	}
	volumeID, err := parseID(req.VolumeID)
	if err != nil {
		return c.sendError(f.RequestID, err)
	}
	nodeID, err := parseID(req.NodeID)
	if err != nil {
		return c.sendError(f.RequestID, err)
	}

	url, gen, err := c.user.ChangePublicAccess(ctx, volumeID, nodeID, req.IsPublic)
	if err != nil {
		return c.sendError(f.RequestID, err)
	}
	return c.tr.Send(wire.MsgPublicURL, f.RequestID, &wire.PublicURL{
		URL:        url,
		Generation: gen,
	})
}

func (c *conn) handleListPublicFiles(ctx context.Context, f *wire.Frame) error {
	nodes, err := c.user.ListPublicFiles(ctx)
	if err != nil {
		return c.sendError(f.RequestID, err)
	}
	for _, node := range nodes {
		if err := c.tr.Send(wire.MsgDeltaNode, f.RequestID, deltaNode(node)); err != nil {
			return err
		}
	}
	return c.tr.Send(wire.MsgDeltaEnd, f.RequestID, &wire.DeltaEnd{
		Count: uint32(len(nodes)),
	})
}

func (c *conn) handleGetFreeBytes(ctx context.Context, f *wire.Frame) error {
	var req wire.GetFreeBytes
	if err := wire.DecodeAs(f, wire.MsgGetFreeBytes, &req); err != nil {
		return err
	}
	volumeID, err := parseID(req.VolumeID)
	if err != nil {
		return c.sendError(f.RequestID, err)
	}

	free, err := c.user.GetFreeBytes(ctx, volumeID)
	if err != nil {
		return c.sendError(f.RequestID, err)
	}
	return c.tr.Send(wire.MsgFreeBytes, f.RequestID, &wire.FreeBytes{FreeBytes: free})
}

func (c *conn) handleGetDelta(ctx context.Context, f *wire.Frame) error {
	var req wire.GetDelta
	if err := wire.DecodeAs(f, wire.MsgGetDelta, &req); err != nil {
		return err
	}
	volumeID, err := parseID(req.VolumeID)
	if err != nil {
		return c.sendError(f.RequestID, err)
	}

	delta, err := c.user.GetDelta(ctx, volumeID, req.FromGeneration, int(req.Limit))
	if err != nil {
		return c.sendError(f.RequestID, err)
	}
	return c.sendDelta(f.RequestID, delta)
}

func (c *conn) handleGetFromScratch(ctx context.Context, f *wire.Frame) error {
	var req wire.GetFromScratch
	if err := wire.DecodeAs(f, wire.MsgGetFromScratch, &req); err != nil {
		return err
	}
	volumeID, err := parseID(req.VolumeID)
	if err != nil {
		return c.sendError(f.RequestID, err)
	}

	delta, err := c.user.GetFromScratch(ctx, volumeID)
	if err != nil {
		return c.sendError(f.RequestID, err)
	}
	return c.sendDelta(f.RequestID, delta)
}

// sendDelta streams a delta as DELTA_NODE frames closed by DELTA_END.
func (c *conn) sendDelta(requestID uint32, delta *dal.Delta) error {
	for _, node := range delta.Nodes {
		if err := c.tr.Send(wire.MsgDeltaNode, requestID, deltaNode(node)); err != nil {
			return err
		}
	}
	return c.tr.Send(wire.MsgDeltaEnd, requestID, &wire.DeltaEnd{
		EndGeneration: delta.EndGeneration,
		FreeBytes:     delta.FreeBytes,
		Count:         uint32(len(delta.Nodes)),
	})
}

func deltaNode(n *dal.Node) *wire.DeltaNode {
	return &wire.DeltaNode{
		NodeID:       n.ID.String(),
		ParentID:     n.ParentID.String(),
		VolumeID:     n.VolumeID.String(),
		Name:         n.Name,
		Kind:         uint32(n.Kind),
		ContentHash:  n.ContentHash,
		CRC32:        n.CRC32,
		Size:         n.Size,
		DeflatedSize: n.DeflatedSize,
		Generation:   n.Generation,
		IsLive:       n.IsLive,
		IsPublic:     n.IsPublic,
		PublicURL:    n.PublicURL,
		MimeType:     n.MimeType,
	}
}
