package badger

import (
	"context"
	"sort"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/filerift/filerift/pkg/dal"
	dalerrors "github.com/filerift/filerift/pkg/dal/errors"
)

// GetFreeBytes returns the volume owner's remaining quota.
func (s *Store) GetFreeBytes(ctx context.Context, userID int64, volumeID uuid.UUID) (uint64, error) {
	var free uint64
	err := s.view(ctx, func(txn *badger.Txn) error {
		ok, err := s.canSee(txn, userID, volumeID)
		if err != nil {
			return err
		}
		if !ok {
			return dalerrors.NewDoesNotExist("volume")
		}
		free, err = s.freeBytes(txn, volumeID)
		return err
	})
	if err != nil {
		return 0, err
	}
	return free, nil
}

// freeBytes computes the volume owner's remaining quota by summing the
// owner's live file sizes across all their volumes.
func (s *Store) freeBytes(txn *badger.Txn, volumeID uuid.UUID) (uint64, error) {
	vol, err := getVolume(txn, volumeID)
	if err != nil {
		return 0, err
	}
	owner, err := getJSON[dal.UserInfo](txn, keyUser(vol.OwnerID))
	if err != nil {
		return 0, err
	}
	if owner == nil || !owner.Active {
		return 0, dalerrors.NewDoesNotExist("volume owner")
	}

	var used uint64
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
			if node.IsLive && node.Kind == dal.KindFile && node.OwnerID == vol.OwnerID {
				used += node.Size
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
	}

	if used >= owner.MaxStorageBytes {
		return 0, nil
	}
	return owner.MaxStorageBytes - used, nil
}

// GetDelta returns the nodes mutated in (fromGeneration, end], oldest first.
func (s *Store) GetDelta(ctx context.Context, userID int64, volumeID uuid.UUID, fromGeneration uint64, limit int) (*dal.Delta, error) {
	return s.collectDelta(ctx, userID, volumeID, func(n *dal.Node) bool {
		return n.Generation > fromGeneration
	}, limit)
}

// GetFromScratch returns all live nodes of the volume.
func (s *Store) GetFromScratch(ctx context.Context, userID int64, volumeID uuid.UUID) (*dal.Delta, error) {
	return s.collectDelta(ctx, userID, volumeID, func(n *dal.Node) bool {
		return n.IsLive
	}, 0)
}

func (s *Store) collectDelta(ctx context.Context, userID int64, volumeID uuid.UUID, keep func(*dal.Node) bool, limit int) (*dal.Delta, error) {
	var delta *dal.Delta
	err := s.view(ctx, func(txn *badger.Txn) error {
		ok, err := s.canSee(txn, userID, volumeID)
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

		var nodes []*dal.Node
		err = s.forEachVolumeNode(txn, volumeID, func(n *dal.Node) error {
			if keep(n) {
				nodes = append(nodes, n)
			}
			return nil
		})
		if err != nil {
			return err
		}
		sort.Slice(nodes, func(i, j int) bool {
			return nodes[i].Generation < nodes[j].Generation
		})

		endGen := vol.Generation
		if limit > 0 && len(nodes) > limit {
			nodes = nodes[:limit]
			endGen = nodes[len(nodes)-1].Generation
		}

		free, err := s.freeBytes(txn, volumeID)
		if err != nil {
			return err
		}
		delta = &dal.Delta{
			Nodes:         nodes,
			EndGeneration: endGen,
			FreeBytes:     free,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return delta, nil
}
