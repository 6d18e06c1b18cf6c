package kv

import (
	"bytes"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var bucketDocs = []byte("documents")

// BoltStore is the real cluster filesystem backend: a single BoltDB file
// holding every HA document as a flat key/value pair in one bucket. It is
// adapted from the bucket-per-entity pattern the teacher repo uses for
// its node/service/container documents, collapsed to one bucket since
// the HA core's documents are already namespaced by key prefix
// ("manager_status", "lrm_status/<node>", "priv/lock/<name>", ...).
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) the cluster KV database
// under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "ha.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open cluster kv store: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDocs)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create documents bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Get(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketDocs).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		out = append(out, v...)
		return nil
	})
	return out, err
}

func (s *BoltStore) Put(key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDocs).Put([]byte(key), value)
	})
}

func (s *BoltStore) Delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDocs).Delete([]byte(key))
	})
}

func (s *BoltStore) List(prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	pfx := []byte(prefix)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDocs).Cursor()
		for k, v := c.Seek(pfx); k != nil && bytes.HasPrefix(k, pfx); k, v = c.Next() {
			val := make([]byte, len(v))
			copy(val, v)
			out[string(k)] = val
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) CompareAndSwap(key string, want, next []byte) (bool, error) {
	swapped := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDocs)
		cur := b.Get([]byte(key))
		if !bytes.Equal(cur, want) {
			return nil
		}
		swapped = true
		if next == nil {
			return b.Delete([]byte(key))
		}
		return b.Put([]byte(key), next)
	})
	return swapped, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
