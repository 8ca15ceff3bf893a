// Package memory implements the RpcDal contract with in-memory maps.
//
// This backend is suitable for tests and ephemeral deployments. All
// operations are protected by a read-write mutex; returned records are
// clones so callers can never mutate store state in place.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/filerift/filerift/pkg/dal"
	dalerrors "github.com/filerift/filerift/pkg/dal/errors"
)

// Store is an in-memory RpcDal implementation.
type Store struct {
	mu sync.RWMutex

	nextUserID int64

	users  map[int64]*dal.UserInfo
	tokens map[string]int64 // auth token -> user id

	// volumes maps volume id -> owner user id.
	volumes map[uuid.UUID]int64

	// generations maps volume id -> current generation counter.
	generations map[uuid.UUID]uint64

	// roots maps volume id -> root directory node id.
	roots map[uuid.UUID]uuid.UUID

	nodes map[uuid.UUID]*dal.Node
	blobs map[string]*dal.ContentBlob // content hash -> blob

	// jobs maps multipart key -> upload job record. The multipart key is
	// the client-visible resume token and doubles as the row identity.
	jobs map[uuid.UUID]*dal.UploadJobRecord

	shares map[uuid.UUID]*dal.Share

	clock func() time.Time
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		nextUserID:  1,
		users:       make(map[int64]*dal.UserInfo),
		tokens:      make(map[string]int64),
		volumes:     make(map[uuid.UUID]int64),
		generations: make(map[uuid.UUID]uint64),
		roots:       make(map[uuid.UUID]uuid.UUID),
		nodes:       make(map[uuid.UUID]*dal.Node),
		blobs:       make(map[string]*dal.ContentBlob),
		jobs:        make(map[uuid.UUID]*dal.UploadJobRecord),
		shares:      make(map[uuid.UUID]*dal.Share),
		clock:       time.Now,
	}
}

// SetClock replaces the time source. Tests use this to age upload jobs.
func (s *Store) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

// Close releases nothing for the memory backend.
func (s *Store) Close() error {
	return nil
}

var _ dal.RpcDal = (*Store)(nil)

// ============================================================================
// Users
// ============================================================================

// CreateUser provisions a user with a root volume and auth token.
func (s *Store) CreateUser(ctx context.Context, username, token string, maxStorageBytes uint64) (*dal.UserInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.Username == username {
			return nil, fmt.Errorf("user %q already exists", username)
		}
	}

	id := s.nextUserID
	s.nextUserID++

	volumeID := uuid.New()
	rootID := uuid.New()

	user := &dal.UserInfo{
		ID:              id,
		Username:        username,
		RootVolumeID:    volumeID,
		MaxStorageBytes: maxStorageBytes,
		Active:          true,
	}

	s.users[id] = user
	if token != "" {
		s.tokens[token] = id
	}
	s.volumes[volumeID] = id
	s.generations[volumeID] = 0
	s.roots[volumeID] = rootID
	s.nodes[rootID] = &dal.Node{
		ID:       rootID,
		VolumeID: volumeID,
		OwnerID:  id,
		Name:     "",
		Kind:     dal.KindDirectory,
		IsLive:   true,
	}

	return cloneUser(user), nil
}

// GetUser returns the user by id.
func (s *Store) GetUser(ctx context.Context, userID int64) (*dal.UserInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[userID]
	if !ok || !user.Active {
		return nil, dalerrors.NewDoesNotExist("user")
	}
	return cloneUser(user), nil
}

// GetUserByToken resolves an auth token.
func (s *Store) GetUserByToken(ctx context.Context, token string) (*dal.UserInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.tokens[token]
	if !ok {
		return nil, dalerrors.NewDoesNotExist("token")
	}
	user, ok := s.users[id]
	if !ok || !user.Active {
		return nil, dalerrors.NewDoesNotExist("user")
	}
	return cloneUser(user), nil
}

// ListUsers returns all users.
func (s *Store) ListUsers(ctx context.Context) ([]*dal.UserInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*dal.UserInfo, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, cloneUser(u))
	}
	return out, nil
}

// DeactivateUser marks a user inactive. Used by tests to exercise the
// inactive-share-owner quota path.
func (s *Store) DeactivateUser(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		u.Active = false
	}
}

// AddShare registers a share grant. Tests and provisioning only; the
// transfer engine consumes shares, it never creates them.
func (s *Store) AddShare(share *dal.Share) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *share
	s.shares[share.ID] = &cp
}

// ============================================================================
// Helpers (callers must hold s.mu)
// ============================================================================

// canSee reports whether the user owns the volume or holds an accepted
// share on it.
func (s *Store) canSee(userID int64, volumeID uuid.UUID) bool {
	if owner, ok := s.volumes[volumeID]; ok && owner == userID {
		return true
	}
	for _, sh := range s.shares {
		if sh.VolumeID == volumeID && sh.GranteeID == userID && sh.Accepted {
			return true
		}
	}
	return false
}

// canWrite reports whether the user may mutate nodes in the volume.
func (s *Store) canWrite(userID int64, volumeID uuid.UUID) bool {
	if owner, ok := s.volumes[volumeID]; ok && owner == userID {
		return true
	}
	for _, sh := range s.shares {
		if sh.VolumeID == volumeID && sh.GranteeID == userID && sh.Accepted && sh.ReadWrite {
			return true
		}
	}
	return false
}

// bumpGeneration increments and returns the volume generation.
func (s *Store) bumpGeneration(volumeID uuid.UUID) uint64 {
	s.generations[volumeID]++
	return s.generations[volumeID]
}

// usedBytes sums the live file sizes across all volumes owned by userID.
func (s *Store) usedBytes(userID int64) uint64 {
	var used uint64
	for _, n := range s.nodes {
		if n.IsLive && n.Kind == dal.KindFile && n.OwnerID == userID {
			used += n.Size
		}
	}
	return used
}

// freeBytesLocked computes the volume owner's remaining quota.
func (s *Store) freeBytesLocked(volumeID uuid.UUID) (uint64, error) {
	ownerID, ok := s.volumes[volumeID]
	if !ok {
		return 0, dalerrors.NewDoesNotExist("volume")
	}
	owner, ok := s.users[ownerID]
	if !ok || !owner.Active {
		return 0, dalerrors.NewDoesNotExist("volume owner")
	}
	used := s.usedBytes(ownerID)
	if used >= owner.MaxStorageBytes {
		return 0, nil
	}
	return owner.MaxStorageBytes - used, nil
}

func cloneUser(u *dal.UserInfo) *dal.UserInfo {
	cp := *u
	return &cp
}

func cloneNode(n *dal.Node) *dal.Node {
	cp := *n
	return &cp
}

func cloneBlob(b *dal.ContentBlob) *dal.ContentBlob {
	cp := *b
	return &cp
}

func cloneJob(j *dal.UploadJobRecord) *dal.UploadJobRecord {
	cp := *j
	return &cp
}
