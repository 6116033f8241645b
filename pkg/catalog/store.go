package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/sherpa-labs/sherpa/pkg/util"
)

var (
	bucketUsers  = []byte("users")
	bucketLabs   = []byte("labs")
	bucketNodes  = []byte("nodes")
	bucketLinks  = []byte("links")
	bucketImages = []byte("images")
)

// Store is the bbolt-backed catalog. All methods are safe for concurrent
// use; bbolt serializes writers and gives readers snapshot isolation.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the catalog database at <dataDir>/sherpa.db.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("catalog: create data dir: %w", err)
	}
	db, err := bolt.Open(filepath.Join(dataDir, "sherpa.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog: open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketUsers, bucketLabs, bucketNodes, bucketLinks, bucketImages} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: init buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// put marshals v into bucket[key]. Caller holds the write tx.
func put(tx *bolt.Tx, bucket []byte, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("catalog: marshal %s: %w", key, err)
	}
	return tx.Bucket(bucket).Put([]byte(key), data)
}

// get unmarshals bucket[key] into v, returning a typed not-found error on miss.
func get(tx *bolt.Tx, bucket []byte, kind, key string, v interface{}) error {
	data := tx.Bucket(bucket).Get([]byte(key))
	if data == nil {
		return util.NewNotFoundError(kind, key)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("catalog: unmarshal %s %s: %w", kind, key, err)
	}
	return nil
}

// exists reports whether bucket[key] is present.
func exists(tx *bolt.Tx, bucket []byte, key string) bool {
	return tx.Bucket(bucket).Get([]byte(key)) != nil
}

// forEach decodes every value in bucket into fresh T values.
func forEach[T any](tx *bolt.Tx, bucket []byte, fn func(*T) error) error {
	return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
		var item T
		if err := json.Unmarshal(v, &item); err != nil {
			return fmt.Errorf("catalog: unmarshal %s: %w", k, err)
		}
		return fn(&item)
	})
}

// jsonUnmarshal exists so generic helpers in other files avoid re-importing
// encoding/json everywhere.
func jsonUnmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// nodeKey builds the composite key for the nodes bucket.
func nodeKey(labID, name string) string {
	return labID + "/" + name
}

// linkKey builds the composite key for the links bucket. Zero-padding keeps
// bbolt's byte ordering aligned with link index order.
func linkKey(labID string, index uint16) string {
	return fmt.Sprintf("%s/%05d", labID, index)
}

// labPrefix is the key prefix shared by a lab's nodes and links.
func labPrefix(labID string) []byte {
	return []byte(labID + "/")
}
