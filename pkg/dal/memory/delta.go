package memory

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/filerift/filerift/pkg/dal"
	dalerrors "github.com/filerift/filerift/pkg/dal/errors"
)

// GetFreeBytes returns the volume owner's remaining quota.
func (s *Store) GetFreeBytes(ctx context.Context, userID int64, volumeID uuid.UUID) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.canSee(userID, volumeID) {
		return 0, dalerrors.NewDoesNotExist("volume")
	}
	return s.freeBytesLocked(volumeID)
}

// GetDelta returns the nodes mutated in (fromGeneration, end], oldest first.
func (s *Store) GetDelta(ctx context.Context, userID int64, volumeID uuid.UUID, fromGeneration uint64, limit int) (*dal.Delta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.canSee(userID, volumeID) {
		return nil, dalerrors.NewDoesNotExist("volume")
	}

	var nodes []*dal.Node
	for _, n := range s.nodes {
		if n.VolumeID == volumeID && n.Generation > fromGeneration {
			nodes = append(nodes, cloneNode(n))
		}
	}
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].Generation < nodes[j].Generation
	})

	endGen := s.generations[volumeID]
	if limit > 0 && len(nodes) > limit {
		nodes = nodes[:limit]
		endGen = nodes[len(nodes)-1].Generation
	}

	free, err := s.freeBytesLocked(volumeID)
	if err != nil {
		return nil, err
	}
	return &dal.Delta{
		Nodes:         nodes,
		EndGeneration: endGen,
		FreeBytes:     free,
	}, nil
}

// GetFromScratch returns all live nodes of the volume.
func (s *Store) GetFromScratch(ctx context.Context, userID int64, volumeID uuid.UUID) (*dal.Delta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.canSee(userID, volumeID) {
		return nil, dalerrors.NewDoesNotExist("volume")
	}

	var nodes []*dal.Node
	for _, n := range s.nodes {
		if n.VolumeID == volumeID && n.IsLive {
			nodes = append(nodes, cloneNode(n))
		}
	}
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].Generation < nodes[j].Generation
	})

	free, err := s.freeBytesLocked(volumeID)
	if err != nil {
		return nil, err
	}
	return &dal.Delta{
		Nodes:         nodes,
		EndGeneration: s.generations[volumeID],
		FreeBytes:     free,
	}, nil
}
