// Package badger implements the RpcDal contract on BadgerDB.
//
// This backend gives a single-node server durable metadata: users,
// nodes, content blobs and upload-job rows all survive restarts, which
// is what makes cross-reconnect upload resume work in practice.
//
// Key namespace:
//
//	Data Type      Prefix    Key Format                Value
//	=========================================================
//	User           "u:"      u:<id>                    UserInfo (JSON)
//	Username index "uname:"  uname:<username>          user id (8-byte BE)
//	Auth token     "tok:"    tok:<token>               user id (8-byte BE)
//	Volume         "v:"      v:<uuid>                  volumeRecord (JSON)
//	Node           "n:"      n:<uuid>                  Node (JSON)
//	Volume index   "nv:"     nv:<volumeUUID>:<uuid>    (empty)
//	Content blob   "b:"      b:<hash>                  ContentBlob (JSON)
//	Upload job     "j:"      j:<multipartKey>          UploadJobRecord (JSON)
//	Share          "sh:"     sh:<uuid>                 Share (JSON)
//	Sequence       "seq:"    seq:user                  next user id (8-byte BE)
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/filerift/filerift/pkg/dal"
)

const (
	prefixUser     = "u:"
	prefixUsername = "uname:"
	prefixToken    = "tok:"
	prefixVolume   = "v:"
	prefixNode     = "n:"
	prefixNodeVol  = "nv:"
	prefixBlob     = "b:"
	prefixJob      = "j:"
	prefixShare    = "sh:"
	keyUserSeq     = "seq:user"
)

// volumeRecord is the stored per-volume state.
type volumeRecord struct {
	OwnerID    int64     `json:"owner_id"`
	RootID     uuid.UUID `json:"root_id"`
	Generation uint64    `json:"generation"`
}

// Store is a Badger-backed RpcDal implementation.
//
// Writes are serialized by a mutex rather than relying on Badger's
// optimistic transaction retries: the metadata contract requires
// per-node serialization anyway, and the write volume here is tiny
// compared to the content path.
type Store struct {
	db *badger.DB

	writeMu sync.Mutex

	clock func() time.Time
}

// Open opens (or creates) the metadata database at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open metadata database: %w", err)
	}
	return &Store{db: db, clock: time.Now}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

var _ dal.RpcDal = (*Store)(nil)

// ============================================================================
// Key helpers
// ============================================================================

func keyUser(id int64) []byte {
	return []byte(fmt.Sprintf("%s%d", prefixUser, id))
}

func keyUsername(name string) []byte {
	return []byte(prefixUsername + name)
}

func keyToken(token string) []byte {
	return []byte(prefixToken + token)
}

func keyVolume(id uuid.UUID) []byte {
	return []byte(prefixVolume + id.String())
}

func keyNode(id uuid.UUID) []byte {
	return []byte(prefixNode + id.String())
}

func keyNodeVol(volumeID, nodeID uuid.UUID) []byte {
	return []byte(prefixNodeVol + volumeID.String() + ":" + nodeID.String())
}

func keyNodeVolPrefix(volumeID uuid.UUID) []byte {
	return []byte(prefixNodeVol + volumeID.String() + ":")
}

func keyBlob(hash string) []byte {
	return []byte(prefixBlob + hash)
}

func keyJob(multipartKey uuid.UUID) []byte {
	return []byte(prefixJob + multipartKey.String())
}

func keySharePrefix() []byte {
	return []byte(prefixShare)
}

// ============================================================================
// Encoding helpers
// ============================================================================

func encodeJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

func decodeJSON[T any](val []byte) (*T, error) {
	out := new(T)
	if err := json.Unmarshal(val, out); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return out, nil
}

func encodeInt64(v int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	return buf[:]
}

func decodeInt64(val []byte) (int64, error) {
	if len(val) != 8 {
		return 0, fmt.Errorf("decode int64: bad length %d", len(val))
	}
	return int64(binary.BigEndian.Uint64(val)), nil
}

// getJSON fetches and decodes a single JSON record inside txn.
// Returns (nil, nil) when the key is absent.
func getJSON[T any](txn *badger.Txn, key []byte) (*T, error) {
	item, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out *T
	err = item.Value(func(val []byte) error {
		var decErr error
		out, decErr = decodeJSON[T](val)
		return decErr
	})
	return out, err
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := encodeJSON(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// update runs fn inside a write transaction, serialized by writeMu.
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.db.Update(fn)
}

// view runs fn inside a read-only transaction.
func (s *Store) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}
