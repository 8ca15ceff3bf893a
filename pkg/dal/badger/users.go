package badger

import (
	"context"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/filerift/filerift/pkg/dal"
	dalerrors "github.com/filerift/filerift/pkg/dal/errors"
)

// CreateUser provisions a user with a root volume and auth token.
func (s *Store) CreateUser(ctx context.Context, username, token string, maxStorageBytes uint64) (*dal.UserInfo, error) {
	var user *dal.UserInfo

	err := s.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(keyUsername(username)); err == nil {
			return fmt.Errorf("user %q already exists", username)
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		// Allocate the next user id.
		var nextID int64 = 1
		item, err := txn.Get([]byte(keyUserSeq))
		if err == nil {
			err = item.Value(func(val []byte) error {
				id, decErr := decodeInt64(val)
				nextID = id
				return decErr
			})
			if err != nil {
				return err
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		if err := txn.Set([]byte(keyUserSeq), encodeInt64(nextID+1)); err != nil {
			return err
		}

		volumeID := uuid.New()
		rootID := uuid.New()

		user = &dal.UserInfo{
			ID:              nextID,
			Username:        username,
			RootVolumeID:    volumeID,
			MaxStorageBytes: maxStorageBytes,
			Active:          true,
		}

		if err := setJSON(txn, keyUser(nextID), user); err != nil {
			return err
		}
		if err := txn.Set(keyUsername(username), encodeInt64(nextID)); err != nil {
			return err
		}
		if token != "" {
			if err := txn.Set(keyToken(token), encodeInt64(nextID)); err != nil {
				return err
			}
		}

		vol := &volumeRecord{OwnerID: nextID, RootID: rootID}
		if err := setJSON(txn, keyVolume(volumeID), vol); err != nil {
			return err
		}

		root := &dal.Node{
			ID:       rootID,
			VolumeID: volumeID,
			OwnerID:  nextID,
			Kind:     dal.KindDirectory,
			IsLive:   true,
		}
		return s.putNode(txn, root)
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// GetUser returns the user by id.
func (s *Store) GetUser(ctx context.Context, userID int64) (*dal.UserInfo, error) {
	var user *dal.UserInfo
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		user, err = getJSON[dal.UserInfo](txn, keyUser(userID))
		return err
	})
	if err != nil {
		return nil, err
	}
	if user == nil || !user.Active {
		return nil, dalerrors.NewDoesNotExist("user")
	}
	return user, nil
}

// GetUserByToken resolves an auth token.
func (s *Store) GetUserByToken(ctx context.Context, token string) (*dal.UserInfo, error) {
	var user *dal.UserInfo
	err := s.view(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(keyToken(token))
		if err == badger.ErrKeyNotFound {
			return dalerrors.NewDoesNotExist("token")
		}
		if err != nil {
			return err
		}
		var userID int64
		err = item.Value(func(val []byte) error {
			var decErr error
			userID, decErr = decodeInt64(val)
			return decErr
		})
		if err != nil {
			return err
		}
		user, err = getJSON[dal.UserInfo](txn, keyUser(userID))
		return err
	})
	if err != nil {
		return nil, err
	}
	if user == nil || !user.Active {
		return nil, dalerrors.NewDoesNotExist("user")
	}
	return user, nil
}

// ListUsers returns all users.
func (s *Store) ListUsers(ctx context.Context) ([]*dal.UserInfo, error) {
	var users []*dal.UserInfo
	err := s.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixUser)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				user, decErr := decodeJSON[dal.UserInfo](val)
				if decErr != nil {
					return decErr
				}
				users = append(users, user)
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
	return users, nil
}

// getVolume loads the volume record, or a DoesNotExist error.
func getVolume(txn *badger.Txn, volumeID uuid.UUID) (*volumeRecord, error) {
	vol, err := getJSON[volumeRecord](txn, keyVolume(volumeID))
	if err != nil {
		return nil, err
	}
	if vol == nil {
		return nil, dalerrors.NewDoesNotExist("volume")
	}
	return vol, nil
}

// canSee reports whether the user owns the volume or holds an accepted share.
func (s *Store) canSee(txn *badger.Txn, userID int64, volumeID uuid.UUID) (bool, error) {
	vol, err := getJSON[volumeRecord](txn, keyVolume(volumeID))
	if err != nil {
		return false, err
	}
	if vol == nil {
		return false, nil
	}
	if vol.OwnerID == userID {
		return true, nil
	}
	return s.hasShare(txn, userID, volumeID, false)
}

// canWrite reports whether the user may mutate nodes in the volume.
func (s *Store) canWrite(txn *badger.Txn, userID int64, volumeID uuid.UUID) (bool, error) {
	vol, err := getJSON[volumeRecord](txn, keyVolume(volumeID))
	if err != nil {
		return false, err
	}
	if vol == nil {
		return false, nil
	}
	if vol.OwnerID == userID {
		return true, nil
	}
	return s.hasShare(txn, userID, volumeID, true)
}

func (s *Store) hasShare(txn *badger.Txn, userID int64, volumeID uuid.UUID, needWrite bool) (bool, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = keySharePrefix()
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		var found bool
		err := it.Item().Value(func(val []byte) error {
			sh, decErr := decodeJSON[dal.Share](val)
			if decErr != nil {
				return decErr
			}
			if sh.VolumeID == volumeID && sh.GranteeID == userID && sh.Accepted && (!needWrite || sh.ReadWrite) {
				found = true
			}
			return nil
		})
		if err != nil {
			return false, err
		}
		if found {
			return true, nil
		}
	}
	return false, nil
}

// AddShare registers a share grant.
func (s *Store) AddShare(ctx context.Context, share *dal.Share) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, []byte(prefixShare+share.ID.String()), share)
	})
}
