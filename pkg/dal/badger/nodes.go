package badger

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/filerift/filerift/pkg/dal"
	dalerrors "github.com/filerift/filerift/pkg/dal/errors"
)

// putNode stores the node record plus its volume index entry.
func (s *Store) putNode(txn *badger.Txn, node *dal.Node) error {
	if err := setJSON(txn, keyNode(node.ID), node); err != nil {
		return err
	}
	return txn.Set(keyNodeVol(node.VolumeID, node.ID), nil)
}

// getNode loads a node record, or (nil, nil) when absent.
func getNode(txn *badger.Txn, nodeID uuid.UUID) (*dal.Node, error) {
	return getJSON[dal.Node](txn, keyNode(nodeID))
}

// forEachVolumeNode iterates the nodes of a volume via the nv: index.
func (s *Store) forEachVolumeNode(txn *badger.Txn, volumeID uuid.UUID, fn func(node *dal.Node) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = keyNodeVolPrefix(volumeID)
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	prefixLen := len(keyNodeVolPrefix(volumeID))
	for it.Rewind(); it.Valid(); it.Next() {
		key := it.Item().Key()
		nodeID, err := uuid.Parse(string(key[prefixLen:]))
		if err != nil {
			return fmt.Errorf("corrupt node index key %q: %w", key, err)
		}
		node, err := getNode(txn, nodeID)
		if err != nil {
			return err
		}
		if node == nil {
			continue
		}
		if err := fn(node); err != nil {
			return err
		}
	}
	return nil
}

// bumpGeneration increments and persists the volume generation counter.
func bumpGeneration(txn *badger.Txn, volumeID uuid.UUID, vol *volumeRecord) (uint64, error) {
	vol.Generation++
	if err := setJSON(txn, keyVolume(volumeID), vol); err != nil {
		return 0, err
	}
	return vol.Generation, nil
}

// GetRoot returns the root node of the user's root volume.
func (s *Store) GetRoot(ctx context.Context, userID int64) (uuid.UUID, uint64, error) {
	var rootID uuid.UUID
	var generation uint64

	err := s.view(ctx, func(txn *badger.Txn) error {
		user, err := getJSON[dal.UserInfo](txn, keyUser(userID))
		if err != nil {
			return err
		}
		if user == nil || !user.Active {
			return dalerrors.NewDoesNotExist("user")
		}
		vol, err := getVolume(txn, user.RootVolumeID)
		if err != nil {
			return err
		}
		rootID = vol.RootID
		generation = vol.Generation
		return nil
	})
	if err != nil {
		return uuid.Nil, 0, err
	}
	return rootID, generation, nil
}

// GetNode fetches a node visible to the user.
func (s *Store) GetNode(ctx context.Context, userID int64, volumeID, nodeID uuid.UUID) (*dal.Node, error) {
	var node *dal.Node
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		node, err = s.getVisibleNode(txn, userID, volumeID, nodeID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

func (s *Store) getVisibleNode(txn *badger.Txn, userID int64, volumeID, nodeID uuid.UUID) (*dal.Node, error) {
	ok, err := s.canSee(txn, userID, volumeID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, dalerrors.NewDoesNotExist("node")
	}
	node, err := getNode(txn, nodeID)
	if err != nil {
		return nil, err
	}
	if node == nil || !node.IsLive || node.VolumeID != volumeID {
		return nil, dalerrors.NewDoesNotExist("node")
	}
	return node, nil
}

// GetVolumeID resolves the volume holding the node.
func (s *Store) GetVolumeID(ctx context.Context, userID int64, nodeID uuid.UUID) (uuid.UUID, error) {
	var volumeID uuid.UUID
	err := s.view(ctx, func(txn *badger.Txn) error {
		node, err := getNode(txn, nodeID)
		if err != nil {
			return err
		}
		if node == nil || !node.IsLive {
			return dalerrors.NewDoesNotExist("node")
		}
		ok, err := s.canSee(txn, userID, node.VolumeID)
		if err != nil {
			return err
		}
		if !ok {
			return dalerrors.NewDoesNotExist("node")
		}
		volumeID = node.VolumeID
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	return volumeID, nil
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
	if name == "" {
		return nil, dalerrors.NewNoPermission("node name must not be empty")
	}

	var made *dal.Node
	err := s.update(ctx, func(txn *badger.Txn) error {
		ok, err := s.canWrite(txn, userID, volumeID)
		if err != nil {
			return err
		}
		if !ok {
			return dalerrors.NewDoesNotExist("volume")
		}
		vol, err := getVolume(txn, volumeID)
		if err != nil {
			return err
		}
		parent, err := getNode(txn, parentID)
		if err != nil {
			return err
		}
		if parent == nil || !parent.IsLive || parent.VolumeID != volumeID {
			return dalerrors.NewDoesNotExist("parent")
		}
		if parent.Kind != dal.KindDirectory {
			return dalerrors.NewNoPermission("parent is not a directory")
		}

		// Make is get-or-create: a live sibling with the same name and
		// kind is returned as-is.
		var existing *dal.Node
		err = s.forEachVolumeNode(txn, volumeID, func(n *dal.Node) error {
			if n.IsLive && n.ParentID == parentID && n.Name == name && n.Kind == kind {
				existing = n
			}
			return nil
		})
		if err != nil {
			return err
		}
		if existing != nil {
			made = existing
			return nil
		}

		gen, err := bumpGeneration(txn, volumeID, vol)
		if err != nil {
			return err
		}
		made = &dal.Node{
			ID:         uuid.New(),
			VolumeID:   volumeID,
			ParentID:   parentID,
			OwnerID:    vol.OwnerID,
			Name:       name,
			Kind:       kind,
			Generation: gen,
			IsPublic:   isPublic,
			IsLive:     true,
		}
		if kind == dal.KindFile {
			made.MimeType = mime.TypeByExtension(filepath.Ext(name))
		}
		if isPublic {
			made.PublicURL = publicURLFor(made.ID)
		}
		return s.putNode(txn, made)
	})
	if err != nil {
		return nil, err
	}
	return made, nil
}

// Unlink removes a node, recursively for directories.
func (s *Store) Unlink(ctx context.Context, userID int64, volumeID, nodeID uuid.UUID) (uint64, dal.NodeKind, string, error) {
	var (
		gen  uint64
		kind dal.NodeKind
		name string
	)
	err := s.update(ctx, func(txn *badger.Txn) error {
		ok, err := s.canWrite(txn, userID, volumeID)
		if err != nil {
			return err
		}
		if !ok {
			return dalerrors.NewDoesNotExist("volume")
		}
		vol, err := getVolume(txn, volumeID)
		if err != nil {
			return err
		}
		node, err := getNode(txn, nodeID)
		if err != nil {
			return err
		}
		if node == nil || !node.IsLive || node.VolumeID != volumeID {
			return dalerrors.NewDoesNotExist("node")
		}
		if vol.RootID == nodeID {
			return dalerrors.NewNoPermission("cannot unlink the volume root")
		}

		kind = node.Kind
		name = node.Name
		gen, err = s.unlinkRecursive(txn, vol, volumeID, node)
		return err
	})
	if err != nil {
		return 0, 0, "", err
	}
	return gen, kind, name, nil
}

func (s *Store) unlinkRecursive(txn *badger.Txn, vol *volumeRecord, volumeID uuid.UUID, node *dal.Node) (uint64, error) {
	if node.Kind == dal.KindDirectory {
		var children []*dal.Node
		err := s.forEachVolumeNode(txn, volumeID, func(n *dal.Node) error {
			if n.IsLive && n.ParentID == node.ID {
				children = append(children, n)
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
		for _, child := range children {
			if _, err := s.unlinkRecursive(txn, vol, volumeID, child); err != nil {
				return 0, err
			}
		}
	}

	gen, err := bumpGeneration(txn, volumeID, vol)
	if err != nil {
		return 0, err
	}
	node.IsLive = false
	node.Generation = gen
	return gen, s.putNode(txn, node)
}

// Move renames and/or reparents a node.
func (s *Store) Move(ctx context.Context, userID int64, volumeID, nodeID, newParentID uuid.UUID, newName string) (uint64, error) {
	if newName == "" {
		return 0, dalerrors.NewNoPermission("node name must not be empty")
	}

	var gen uint64
	err := s.update(ctx, func(txn *badger.Txn) error {
		ok, err := s.canWrite(txn, userID, volumeID)
		if err != nil {
			return err
		}
		if !ok {
			return dalerrors.NewDoesNotExist("volume")
		}
		vol, err := getVolume(txn, volumeID)
		if err != nil {
			return err
		}
		node, err := getNode(txn, nodeID)
		if err != nil {
			return err
		}
		if node == nil || !node.IsLive || node.VolumeID != volumeID {
			return dalerrors.NewDoesNotExist("node")
		}
		parent, err := getNode(txn, newParentID)
		if err != nil {
			return err
		}
		if parent == nil || !parent.IsLive || parent.VolumeID != volumeID || parent.Kind != dal.KindDirectory {
			return dalerrors.NewDoesNotExist("new parent")
		}

		// A live sibling with the target name is replaced, matching the
		// overwrite-on-move behavior clients rely on.
		var displaced []*dal.Node
		err = s.forEachVolumeNode(txn, volumeID, func(n *dal.Node) error {
			if n.IsLive && n.ParentID == newParentID && n.Name == newName && n.ID != nodeID {
				displaced = append(displaced, n)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, n := range displaced {
			if _, err := s.unlinkRecursive(txn, vol, volumeID, n); err != nil {
				return err
			}
		}

		gen, err = bumpGeneration(txn, volumeID, vol)
		if err != nil {
			return err
		}
		node.ParentID = newParentID
		node.Name = newName
		node.Generation = gen
		return s.putNode(txn, node)
	})
	if err != nil {
		return 0, err
	}
	return gen, nil
}

// ChangePublicAccess toggles the public flag on a file.
func (s *Store) ChangePublicAccess(ctx context.Context, userID int64, volumeID, nodeID uuid.UUID, isPublic bool) (string, uint64, error) {
	var (
		url string
		gen uint64
	)
	err := s.update(ctx, func(txn *badger.Txn) error {
		ok, err := s.canWrite(txn, userID, volumeID)
		if err != nil {
			return err
		}
		if !ok {
			return dalerrors.NewDoesNotExist("volume")
		}
		vol, err := getVolume(txn, volumeID)
		if err != nil {
			return err
		}
		node, err := getNode(txn, nodeID)
		if err != nil {
			return err
		}
		if node == nil || !node.IsLive || node.VolumeID != volumeID {
			return dalerrors.NewDoesNotExist("node")
		}
		if node.Kind != dal.KindFile {
			return dalerrors.NewNoPermission("only files can be public")
		}

		gen, err = bumpGeneration(txn, volumeID, vol)
		if err != nil {
			return err
		}
		node.IsPublic = isPublic
		if isPublic {
			node.PublicURL = publicURLFor(node.ID)
		} else {
			node.PublicURL = ""
		}
		node.Generation = gen
		url = node.PublicURL
		return s.putNode(txn, node)
	})
	if err != nil {
		return "", 0, err
	}
	return url, gen, nil
}

// ListPublicFiles returns the user's live public files.
func (s *Store) ListPublicFiles(ctx context.Context, userID int64) ([]*dal.Node, error) {
	var out []*dal.Node
	err := s.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixNode)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				node, decErr := decodeJSON[dal.Node](val)
				if decErr != nil {
					return decErr
				}
				if node.IsLive && node.IsPublic && node.OwnerID == userID && node.Kind == dal.KindFile {
					out = append(out, node)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func publicURLFor(nodeID uuid.UUID) string {
	return fmt.Sprintf("https://files.example.net/p/%s", nodeID)
}
