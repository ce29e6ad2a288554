package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/integrity/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketStates          = []byte("states")
	bucketForwardProgress = []byte("forward_progress")
	bucketResources       = []byte("resources")
)

// DefaultOpenTimeout bounds how long Open waits for the file lock held by
// another process
const DefaultOpenTimeout = 5 * time.Second

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store in dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	return OpenBoltStore(filepath.Join(dataDir, "integrity.db"))
}

// OpenBoltStore opens (or creates) the database file at path
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: DefaultOpenTimeout})
	if err != nil {
		return nil, &types.StoreError{Op: "open", Err: fmt.Errorf("failed to open database %s: %w", path, err)}
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketStates, bucketForwardProgress, bucketResources} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, &types.StoreError{Op: "open", Err: err}
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Ping runs an empty read transaction to prove the database is usable
func (s *BoltStore) Ping() error {
	err := s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketStates) == nil {
			return fmt.Errorf("bucket %s missing", bucketStates)
		}
		return nil
	})
	if err != nil {
		return &types.StoreError{Op: "ping", Err: err}
	}
	return nil
}

// State operations
func (s *BoltStore) GetState(resource string) (*types.StateRecord, error) {
	var rec types.StateRecord
	if err := s.get(bucketStates, "get state", resource, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) UpdateState(resource string, fn StateUpdateFunc) (*types.StateRecord, error) {
	var rec types.StateRecord
	err := s.update(bucketStates, "update state", resource, &rec, func(exists bool) error {
		if !exists {
			rec = types.StateRecord{Resource: resource}
		}
		return fn(&rec, exists)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) ListStates() ([]*types.StateRecord, error) {
	var records []*types.StateRecord
	err := s.list(bucketStates, "list states", func(v []byte) error {
		var rec types.StateRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		records = append(records, &rec)
		return nil
	})
	return records, err
}

func (s *BoltStore) DeleteState(resource string) error {
	return s.delete(bucketStates, "delete state", resource)
}

// Forward progress operations
func (s *BoltStore) GetForwardProgress(resource string) (*types.ForwardProgress, error) {
	var fp types.ForwardProgress
	if err := s.get(bucketForwardProgress, "get forward progress", resource, &fp); err != nil {
		return nil, err
	}
	return &fp, nil
}

func (s *BoltStore) UpdateForwardProgress(resource string, fn ProgressUpdateFunc) (*types.ForwardProgress, error) {
	var fp types.ForwardProgress
	err := s.update(bucketForwardProgress, "update forward progress", resource, &fp, func(exists bool) error {
		if !exists {
			fp = types.ForwardProgress{Resource: resource}
		}
		return fn(&fp, exists)
	})
	if err != nil {
		return nil, err
	}
	return &fp, nil
}

func (s *BoltStore) ListForwardProgress() ([]*types.ForwardProgress, error) {
	var records []*types.ForwardProgress
	err := s.list(bucketForwardProgress, "list forward progress", func(v []byte) error {
		var fp types.ForwardProgress
		if err := json.Unmarshal(v, &fp); err != nil {
			return err
		}
		records = append(records, &fp)
		return nil
	})
	return records, err
}

func (s *BoltStore) DeleteForwardProgress(resource string) error {
	return s.delete(bucketForwardProgress, "delete forward progress", resource)
}

// Resource operations
func (s *BoltStore) RegisterResource(res *types.Resource) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResources)
		if existing := b.Get([]byte(res.Name)); existing != nil {
			var prev types.Resource
			if err := json.Unmarshal(existing, &prev); err == nil && res.CreatedAt.IsZero() {
				res.CreatedAt = prev.CreatedAt
			}
		}
		data, err := json.Marshal(res)
		if err != nil {
			return err
		}
		return b.Put([]byte(res.Name), data)
	})
	if err != nil {
		return &types.StoreError{Op: "register resource", Resource: res.Name, Err: err}
	}
	return nil
}

func (s *BoltStore) GetResource(name string) (*types.Resource, error) {
	var res types.Resource
	if err := s.get(bucketResources, "get resource", name, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *BoltStore) ListResources() ([]*types.Resource, error) {
	var resources []*types.Resource
	err := s.list(bucketResources, "list resources", func(v []byte) error {
		var res types.Resource
		if err := json.Unmarshal(v, &res); err != nil {
			return err
		}
		resources = append(resources, &res)
		return nil
	})
	return resources, err
}

func (s *BoltStore) DeleteResource(name string) error {
	return s.delete(bucketResources, "delete resource", name)
}

func (s *BoltStore) get(bucket []byte, op, key string, v any) error {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, v)
	})
	if err != nil {
		return &types.StoreError{Op: op, Resource: key, Err: err}
	}
	if !found {
		return fmt.Errorf("%s %s: %w", bucket, key, types.ErrNotFound)
	}
	return nil
}

// update loads key into v (when present), calls mutate and writes v back,
// all inside one write transaction
func (s *BoltStore) update(bucket []byte, op, key string, v any, mutate func(exists bool) error) error {
	var mutateErr error
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		data := b.Get([]byte(key))
		exists := data != nil
		if exists {
			if err := json.Unmarshal(data, v); err != nil {
				return err
			}
		}
		if mutateErr = mutate(exists); mutateErr != nil {
			return mutateErr
		}
		out, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), out)
	})
	if mutateErr != nil {
		return mutateErr
	}
	if err != nil {
		return &types.StoreError{Op: op, Resource: key, Err: err}
	}
	return nil
}

func (s *BoltStore) list(bucket []byte, op string, decode func(v []byte) error) error {
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			return decode(v)
		})
	})
	if err != nil {
		return &types.StoreError{Op: op, Err: err}
	}
	return nil
}

func (s *BoltStore) delete(bucket []byte, op, key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
	if err != nil {
		return &types.StoreError{Op: op, Resource: key, Err: err}
	}
	return nil
}
