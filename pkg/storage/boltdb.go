package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/cuemby/anvil/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names. Each holds one nested bucket per controller id, keyed
	// by the CR ref string.
	bucketScheduled = []byte("scheduled")
	bucketOngoing   = []byte("ongoing")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store in dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "controllers.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketScheduled, bucketOngoing} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// OpenReadOnly opens an existing store without taking the write lock
func OpenReadOnly(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "controllers.db")
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func putRecord(tx *bolt.Tx, top []byte, controllerID string, rec *Record) error {
	b, err := tx.Bucket(top).CreateBucketIfNotExists([]byte(controllerID))
	if err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put([]byte(rec.Key.String()), data)
}

func deleteRecord(tx *bolt.Tx, top []byte, controllerID string, key types.ObjectRef) error {
	b := tx.Bucket(top).Bucket([]byte(controllerID))
	if b == nil {
		return nil
	}
	return b.Delete([]byte(key.String()))
}

func (s *BoltStore) list(top []byte, controllerID string) ([]*Record, error) {
	var records []*Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(top).Bucket([]byte(controllerID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, &rec)
			return nil
		})
	})
	return records, err
}

// Scheduled operations
func (s *BoltStore) PutScheduled(controllerID string, rec *Record) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putRecord(tx, bucketScheduled, controllerID, rec)
	})
}

func (s *BoltStore) DeleteScheduled(controllerID string, key types.ObjectRef) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return deleteRecord(tx, bucketScheduled, controllerID, key)
	})
}

func (s *BoltStore) ListScheduled(controllerID string) ([]*Record, error) {
	return s.list(bucketScheduled, controllerID)
}

// Ongoing operations
func (s *BoltStore) PutOngoing(controllerID string, rec *Record) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putRecord(tx, bucketOngoing, controllerID, rec)
	})
}

func (s *BoltStore) GetOngoing(controllerID string, key types.ObjectRef) (*Record, error) {
	var rec Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOngoing).Bucket([]byte(controllerID))
		if b == nil {
			return fmt.Errorf("ongoing %s/%s: %w", controllerID, key, ErrNotFound)
		}
		data := b.Get([]byte(key.String()))
		if data == nil {
			return fmt.Errorf("ongoing %s/%s: %w", controllerID, key, ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) DeleteOngoing(controllerID string, key types.ObjectRef) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return deleteRecord(tx, bucketOngoing, controllerID, key)
	})
}

func (s *BoltStore) ListOngoing(controllerID string) ([]*Record, error) {
	return s.list(bucketOngoing, controllerID)
}

// Transitions
func (s *BoltStore) StartReconcile(controllerID string, rec *Record) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := deleteRecord(tx, bucketScheduled, controllerID, rec.Key); err != nil {
			return err
		}
		return putRecord(tx, bucketOngoing, controllerID, rec)
	})
}

func (s *BoltStore) FinishReconcile(controllerID string, rec *Record, requeue bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := deleteRecord(tx, bucketOngoing, controllerID, rec.Key); err != nil {
			return err
		}
		if !requeue {
			return nil
		}
		return putRecord(tx, bucketScheduled, controllerID, rec)
	})
}

func (s *BoltStore) Controllers() ([]string, error) {
	seen := make(map[string]bool)
	err := s.db.View(func(tx *bolt.Tx) error {
		for _, top := range [][]byte{bucketScheduled, bucketOngoing} {
			err := tx.Bucket(top).ForEachBucket(func(k []byte) error {
				seen[string(k)] = true
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, err
}
