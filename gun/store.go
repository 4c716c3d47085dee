package gun

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/oipwg/oipd/common"
)

const (
	nodesBucket = "nodes"
	// indexBucket remembers souls whose records reached the projection, so
	// sync passes can skip them without a lookup per soul per cycle.
	indexBucket = "index"
)

// Store is the local graph replica. Every node seen from a peer or written
// locally is merged here; gets are answered from it when the mesh is quiet.
type Store struct {
	db *bolt.DB
}

// OpenStore opens or creates the graph database at path.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open gun store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{nodesBucket, indexBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get loads a node. Absence is a NotFound failure, distinct from transient
// store trouble.
func (s *Store) Get(soul string) (*Node, error) {
	var node *Node
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(nodesBucket)).Get([]byte(soul))
		if data == nil {
			return common.Failf(common.FailureNotFound, "no node %s", soul)
		}
		node = &Node{}
		if err := json.Unmarshal(data, node); err != nil {
			return common.Failf(common.FailureDecode, "decode node %s: %w", soul, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// Merge folds incoming node state into the stored node under HAM rules,
// creating it when new. Returns the merged node and whether anything moved.
func (s *Store) Merge(incoming *Node) (*Node, bool, error) {
	var merged *Node
	var changed bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(nodesBucket))
		key := []byte(incoming.Soul())

		data := bucket.Get(key)
		if data == nil {
			merged = incoming
			changed = true
		} else {
			current := &Node{}
			if err := json.Unmarshal(data, current); err != nil {
				return common.Failf(common.FailureDecode, "decode node %s: %w", incoming.Soul(), err)
			}
			changed = current.Merge(incoming)
			merged = current
			if !changed {
				return nil
			}
		}
		encoded, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("encode node %s: %w", incoming.Soul(), err)
		}
		return bucket.Put(key, encoded)
	})
	if err != nil {
		return nil, false, err
	}
	return merged, changed, nil
}

// Delete removes a node from the replica along with its indexed mark.
// Missing nodes are fine.
func (s *Store) Delete(soul string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(indexBucket)).Delete([]byte(soul)); err != nil {
			return err
		}
		return tx.Bucket([]byte(nodesBucket)).Delete([]byte(soul))
	})
}

// MarkIndexed remembers that a soul's record is in the projection. The mark
// is a cache; the projection stays authoritative and an unmarked soul just
// costs one lookup.
func (s *Store) MarkIndexed(soul string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(indexBucket)).Put([]byte(soul), []byte{1})
	})
}

// Indexed reports whether a soul carries the indexed mark.
func (s *Store) Indexed(soul string) (bool, error) {
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket([]byte(indexBucket)).Get([]byte(soul)) != nil
		return nil
	})
	return ok, err
}

// EachPrefix visits stored nodes whose soul starts with prefix, in key
// order. The deletion registry walks its souls this way at startup.
func (s *Store) EachPrefix(prefix string, fn func(node *Node) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket([]byte(nodesBucket)).Cursor()
		p := []byte(prefix)
		for k, v := cursor.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = cursor.Next() {
			node := &Node{}
			if err := json.Unmarshal(v, node); err != nil {
				return common.Failf(common.FailureDecode, "decode node %s: %w", string(k), err)
			}
			if err := fn(node); err != nil {
				return err
			}
		}
		return nil
	})
}

// Count reports stored node totals for the health surface.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(nodesBucket)).Stats().KeyN
		return nil
	})
	return n, err
}
