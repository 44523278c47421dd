package state

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	bolt "go.etcd.io/bbolt"
)

var sessionBucketKey = []byte("session")

// BoltStore keeps the session in a bbolt database file.
type BoltStore struct {
	db *bolt.DB
}

func OpenBoltStore(path string) (*BoltStore, error) {
	if path == "" {
		return nil, trace.BadParameter("missing session database path")
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: time.Second,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Get(_ context.Context, key string) (string, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(sessionBucketKey)
		if bucket == nil {
			return nil
		}
		if v := bucket.Get([]byte(key)); v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return "", trace.Wrap(err)
	}
	if value == nil {
		return "", trace.NotFound("session key %q is not set", key)
	}
	return string(value), nil
}

func (s *BoltStore) Set(_ context.Context, key, value string) error {
	if err := checkKey(key); err != nil {
		return trace.Wrap(err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(sessionBucketKey)
		if err != nil {
			return trace.Wrap(err)
		}
		return trace.Wrap(bucket.Put([]byte(key), []byte(value)))
	})
}

func (s *BoltStore) Clear(_ context.Context) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(sessionBucketKey) == nil {
			return nil
		}
		return trace.Wrap(tx.DeleteBucket(sessionBucketKey))
	})
}

// Close releases the database file lock.
func (s *BoltStore) Close() error {
	return trace.Wrap(s.db.Close())
}
