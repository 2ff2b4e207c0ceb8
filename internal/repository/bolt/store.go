// Package bolt provides the durable key-value store for a local
// installation, backed by a single bbolt file.
package bolt

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/dtroode/didkeeper/internal/model"
)

var _ model.KeyValueStore = (*Store)(nil)

var bucketName = []byte("didkeeper")

// Store keeps every key in one bucket. Each Set is its own transaction, so a
// failed write leaves the previous value in place.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the database file at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get([]byte(key))
		if v == nil {
			return model.ErrNotFound
		}
		// bolt values are only valid inside the transaction.
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		if err == model.ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("failed to read %q: %w", key, err)
	}
	return out, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("failed to write %q: %w", key, err)
	}
	return nil
}

func (s *Store) Remove(_ context.Context, key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return nil
}

// Close closes the database file.
func (s *Store) Close() error {
	return s.db.Close()
}
