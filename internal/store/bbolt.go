package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/picosn/picosn-client/internal/registry"
)

var (
	// Bucket names
	registryBucket = []byte("registry")
	assemblyBucket = []byte("assembly")
)

// registryKey is the single key under which the whole registry snapshot
// is stored, since the registry itself is small (capacity-bounded) and
// always rewritten as a unit on save.
var registryKey = []byte("snapshot")

// BboltStore implements Store using an embedded bbolt database.
type BboltStore struct {
	db *bbolt.DB
}

// NewBboltStore opens (creating if necessary) a bbolt-backed store at path.
func NewBboltStore(path string) (*BboltStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{registryBucket, assemblyBucket}
		for _, bucket := range buckets {
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

	return &BboltStore{db: db}, nil
}

// SaveRegistry overwrites the persisted registry snapshot.
func (s *BboltStore) SaveRegistry(entries []registry.Entry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to marshal registry: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(registryBucket)
		return bucket.Put(registryKey, data)
	})
}

// LoadRegistry returns the persisted registry snapshot, or an empty slice
// if nothing was ever saved.
func (s *BboltStore) LoadRegistry() ([]registry.Entry, error) {
	var entries []registry.Entry

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(registryBucket)
		data := bucket.Get(registryKey)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &entries)
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// SaveAssemblyProgress checkpoints an in-progress block transfer, keyed
// by block id.
func (s *BboltStore) SaveAssemblyProgress(p AssemblyProgress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal assembly progress: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(assemblyBucket)
		return bucket.Put(assemblyKey(p.BlockID), data)
	})
}

// LoadAssemblyProgress retrieves a checkpoint for blockID, if any.
func (s *BboltStore) LoadAssemblyProgress(blockID uint16) (AssemblyProgress, bool, error) {
	var p AssemblyProgress
	found := false

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(assemblyBucket)
		data := bucket.Get(assemblyKey(blockID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return AssemblyProgress{}, false, err
	}
	return p, found, nil
}

// LoadLatestAssemblyProgress scans the assembly bucket for the checkpoint
// with the highest LastUpdateMs. The bucket holds at most one entry in
// practice (one active assembly at a time) but this tolerates stale
// leftovers from a prior run that was killed before clearing its own.
func (s *BboltStore) LoadLatestAssemblyProgress() (AssemblyProgress, bool, error) {
	var latest AssemblyProgress
	found := false

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(assemblyBucket)
		return bucket.ForEach(func(k, v []byte) error {
			var p AssemblyProgress
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if !found || p.LastUpdateMs > latest.LastUpdateMs {
				latest = p
				found = true
			}
			return nil
		})
	})
	if err != nil {
		return AssemblyProgress{}, false, err
	}
	return latest, found, nil
}

// ClearAssemblyProgress removes a checkpoint for blockID.
func (s *BboltStore) ClearAssemblyProgress(blockID uint16) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(assemblyBucket)
		return bucket.Delete(assemblyKey(blockID))
	})
}

func assemblyKey(blockID uint16) []byte {
	key := make([]byte, 2)
	binary.BigEndian.PutUint16(key, blockID)
	return key
}

// Close closes the database.
func (s *BboltStore) Close() error {
	return s.db.Close()
}
