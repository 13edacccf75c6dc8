package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"hubctl/internal/hub"
)

var (
	bucketHubs    = []byte("hubs")
	bucketConfigs = []byte("configs")
	keyHubList    = []byte("list")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, hub.NewError(hub.CategoryStorage, "open bolt db", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketHubs, bucketConfigs} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, hub.NewError(hub.CategoryStorage, "create buckets", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveHubs(cache *HubCache) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHubs)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketHubs)
		}
		data, err := json.Marshal(cache)
		if err != nil {
			return err
		}
		return b.Put(keyHubList, data)
	})
}

func (s *BoltStore) GetHubs() (*HubCache, error) {
	var cache HubCache
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHubs)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketHubs)
		}
		data := b.Get(keyHubList)
		if data == nil {
			return fmt.Errorf("hub cache: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &cache)
	})
	if err != nil {
		return nil, err
	}
	return &cache, nil
}

func (s *BoltStore) DeleteHubs() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHubs)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketHubs)
		}
		return b.Delete(keyHubList)
	})
}

func (s *BoltStore) SaveConfig(hubID string, cfg *hub.CachedConfig) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConfigs)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketConfigs)
		}
		data, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		return b.Put([]byte(hubID), data)
	})
}

func (s *BoltStore) GetConfig(hubID string) (*hub.CachedConfig, error) {
	var cfg hub.CachedConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConfigs)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketConfigs)
		}
		data := b.Get([]byte(hubID))
		if data == nil {
			return fmt.Errorf("config %s: %w", hubID, ErrNotFound)
		}
		return json.Unmarshal(data, &cfg)
	})
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *BoltStore) DeleteConfig(hubID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConfigs)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketConfigs)
		}
		return b.Delete([]byte(hubID))
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
