package memory

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/filerift/filerift/pkg/dal"
	dalerrors "github.com/filerift/filerift/pkg/dal/errors"
)

// GetRoot returns the root node of the user's root volume.
func (s *Store) GetRoot(ctx context.Context, userID int64) (uuid.UUID, uint64, error) {
	if err := ctx.Err(); err != nil {
		return uuid.Nil, 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[userID]
	if !ok || !user.Active {
		return uuid.Nil, 0, dalerrors.NewDoesNotExist("user")
	}
	rootID, ok := s.roots[user.RootVolumeID]
	if !ok {
		return uuid.Nil, 0, dalerrors.NewDoesNotExist("root volume")
	}
	return rootID, s.generations[user.RootVolumeID], nil
}

// GetNode fetches a node visible to the user.
func (s *Store) GetNode(ctx context.Context, userID int64, volumeID, nodeID uuid.UUID) (*dal.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getNodeLocked(userID, volumeID, nodeID)
}

func (s *Store) getNodeLocked(userID int64, volumeID, nodeID uuid.UUID) (*dal.Node, error) {
	if !s.canSee(userID, volumeID) {
		return nil, dalerrors.NewDoesNotExist("node")
	}
	node, ok := s.nodes[nodeID]
	if !ok || !node.IsLive || node.VolumeID != volumeID {
		return nil, dalerrors.NewDoesNotExist("node")
	}
	return cloneNode(node), nil
}

// GetVolumeID resolves the volume holding the node.
func (s *Store) GetVolumeID(ctx context.Context, userID int64, nodeID uuid.UUID) (uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return uuid.Nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	node, ok := s.nodes[nodeID]
	if !ok || !node.IsLive || !s.canSee(userID, node.VolumeID) {
		return uuid.Nil, dalerrors.NewDoesNotExist("node")
	}
	return node.VolumeID, nil
}

// MakeFile creates an empty file under parent.
func (s *Store) MakeFile(ctx context.Context, userID int64, volumeID, parentID uuid.UUID, name string, isPublic bool) (*dal.Node, error) {
	return s.makeNode(ctx, userID, volumeID, parentID, name, dal.KindFile, isPublic)
}

// MakeDir creates a directory under parent.
func (s *Store) MakeDir(ctx context.Context, userID int64, volumeID, parentID uuid.UUID, name string) (*dal.Node, error) {
	return s.makeNode(ctx, userID, volumeID, parentID, name, dal.KindDirectory, false)
}

func (s *Store) makeNode(ctx context.Context, userID int64, volumeID, parentID uuid.UUID, name string, kind dal.NodeKind, isPublic bool) (*dal.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, dalerrors.NewNoPermission("node name must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.canWrite(userID, volumeID) {
		return nil, dalerrors.NewDoesNotExist("volume")
	}
	parent, ok := s.nodes[parentID]
	if !ok || !parent.IsLive || parent.VolumeID != volumeID {
		return nil, dalerrors.NewDoesNotExist("parent")
	}
	if parent.Kind != dal.KindDirectory {
		return nil, dalerrors.NewNoPermission("parent is not a directory")
	}

	// Existing live sibling with the same name is returned as-is; the
	// original server treats make as get-or-create.
	for _, n := range s.nodes {
		if n.IsLive && n.ParentID == parentID && n.Name == name && n.Kind == kind {
			return cloneNode(n), nil
		}
	}

	ownerID := s.volumes[volumeID]
	node := &dal.Node{
		ID:         uuid.New(),
		VolumeID:   volumeID,
		ParentID:   parentID,
		OwnerID:    ownerID,
		Name:       name,
		Kind:       kind,
		Generation: s.bumpGeneration(volumeID),
		IsPublic:   isPublic,
		IsLive:     true,
	}
	if kind == dal.KindFile {
		node.MimeType = mime.TypeByExtension(filepath.Ext(name))
	}
	if isPublic {
		node.PublicURL = publicURLFor(node.ID)
	}
	s.nodes[node.ID] = node

	return cloneNode(node), nil
}

// Unlink removes a node, recursively for directories.
func (s *Store) Unlink(ctx context.Context, userID int64, volumeID, nodeID uuid.UUID) (uint64, dal.NodeKind, string, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.canWrite(userID, volumeID) {
		return 0, 0, "", dalerrors.NewDoesNotExist("volume")
	}
	node, ok := s.nodes[nodeID]
	if !ok || !node.IsLive || node.VolumeID != volumeID {
		return 0, 0, "", dalerrors.NewDoesNotExist("node")
	}
	if s.roots[volumeID] == nodeID {
		return 0, 0, "", dalerrors.NewNoPermission("cannot unlink the volume root")
	}

	gen := s.unlinkRecursive(node, volumeID)
	return gen, node.Kind, node.Name, nil
}

func (s *Store) unlinkRecursive(node *dal.Node, volumeID uuid.UUID) uint64 {
	if node.Kind == dal.KindDirectory {
		for _, child := range s.nodes {
			if child.IsLive && child.ParentID == node.ID {
				s.unlinkRecursive(child, volumeID)
			}
		}
	}
	node.IsLive = false
	node.Generation = s.bumpGeneration(volumeID)
	return node.Generation
}

// Move renames and/or reparents a node.
func (s *Store) Move(ctx context.Context, userID int64, volumeID, nodeID, newParentID uuid.UUID, newName string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if newName == "" {
		return 0, dalerrors.NewNoPermission("node name must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.canWrite(userID, volumeID) {
		return 0, dalerrors.NewDoesNotExist("volume")
	}
	node, ok := s.nodes[nodeID]
	if !ok || !node.IsLive || node.VolumeID != volumeID {
		return 0, dalerrors.NewDoesNotExist("node")
	}
	parent, ok := s.nodes[newParentID]
	if !ok || !parent.IsLive || parent.VolumeID != volumeID || parent.Kind != dal.KindDirectory {
		return 0, dalerrors.NewDoesNotExist("new parent")
	}

	// A live sibling with the target name is replaced, matching the
	// overwrite-on-move behavior clients rely on.
	for _, n := range s.nodes {
		if n.IsLive && n.ParentID == newParentID && n.Name == newName && n.ID != nodeID {
			s.unlinkRecursive(n, volumeID)
		}
	}

	node.ParentID = newParentID
	node.Name = newName
	node.Generation = s.bumpGeneration(volumeID)
	return node.Generation, nil
}

// ChangePublicAccess toggles the public flag on a file.
func (s *Store) ChangePublicAccess(ctx context.Context, userID int64, volumeID, nodeID uuid.UUID, isPublic bool) (string, uint64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.canWrite(userID, volumeID) {
		return "", 0, dalerrors.NewDoesNotExist("volume")
	}
	node, ok := s.nodes[nodeID]
	if !ok || !node.IsLive || node.VolumeID != volumeID {
		return "", 0, dalerrors.NewDoesNotExist("node")
	}
	if node.Kind != dal.KindFile {
		return "", 0, dalerrors.NewNoPermission("only files can be public")
	}

	node.IsPublic = isPublic
	if isPublic {
		node.PublicURL = publicURLFor(node.ID)
	} else {
		node.PublicURL = ""
	}
	node.Generation = s.bumpGeneration(volumeID)
	return node.PublicURL, node.Generation, nil
}

// ListPublicFiles returns the user's live public files.
func (s *Store) ListPublicFiles(ctx context.Context, userID int64) ([]*dal.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*dal.Node
	for _, n := range s.nodes {
		if n.IsLive && n.IsPublic && n.OwnerID == userID && n.Kind == dal.KindFile {
			out = append(out, cloneNode(n))
		}
	}
	return out, nil
}

func publicURLFor(nodeID uuid.UUID) string {
	return fmt.Sprintf("https://files.example.net/p/%s", nodeID)
}
