// Package boltstore is a durable, single-node lockstore.Store backed by a
// BoltDB file. Every Update runs inside one bolt read-write transaction, which
// bolt serializes, so read-modify-write of a record is atomic.
package boltstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
	"github.com/sushant-115/gojolock/core/lockstore"
	"go.uber.org/zap"
)

var locksBucket = []byte("resource_locks")

// Config configures the bolt backend.
type Config struct {
	// Path of the database file. Parent directories are created.
	Path string `yaml:"path"`
	// OpenTimeout bounds how long Open waits for the file lock held by
	// another process. Defaults to 1s.
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// Store implements lockstore.Store on top of BoltDB.
type Store struct {
	db     *bolt.DB
	logger *zap.Logger
}

// Open opens (or creates) the database at cfg.Path.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Path == "" {
		return nil, errors.New("boltstore: path is required")
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = time.Second
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create bolt directory for %s: %w", cfg.Path, err)
	}
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: cfg.OpenTimeout})
	if err != nil {
		return nil, lockstore.Unavailable("open "+cfg.Path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(locksBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket %s: %w", locksBucket, err)
	}
	logger.Info("Bolt lock store opened", zap.String("path", cfg.Path))
	return &Store{db: db, logger: logger}, nil
}

// wrap classifies bolt errors. Closed-database errors are connectivity
// failures from the caller's point of view.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, bolt.ErrDatabaseNotOpen) || errors.Is(err, bolt.ErrTimeout) {
		return lockstore.Unavailable(op, err)
	}
	return err
}

// Get implements lockstore.Store.
func (s *Store) Get(ctx context.Context, resourceID string) (*lockstore.ResourceLock, error) {
	var out *lockstore.ResourceLock
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(locksBucket).Get([]byte(resourceID))
		if data == nil {
			return lockstore.ErrNotFound
		}
		l, err := lockstore.Decode(data)
		if err != nil {
			return err
		}
		out = l
		return nil
	})
	if err != nil {
		return nil, wrap("get", err)
	}
	return out, nil
}

// Set implements lockstore.Store.
func (s *Store) Set(ctx context.Context, resourceID string, lock *lockstore.ResourceLock) error {
	c := lock.Clone()
	c.ResourceID = resourceID
	data, err := lockstore.Encode(c)
	if err != nil {
		return err
	}
	return wrap("set", s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(locksBucket).Put([]byte(resourceID), data)
	}))
}

// Remove implements lockstore.Store.
func (s *Store) Remove(ctx context.Context, resourceID string) error {
	return wrap("remove", s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(locksBucket).Delete([]byte(resourceID))
	}))
}

// List implements lockstore.Store. The snapshot is taken inside one read
// transaction and is therefore consistent. Undecodable records are returned
// as lockstore.CorruptRecord placeholders so the detector can repair them.
func (s *Store) List(ctx context.Context) ([]*lockstore.ResourceLock, error) {
	var out []*lockstore.ResourceLock
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(locksBucket).ForEach(func(k, v []byte) error {
			l, err := lockstore.Decode(v)
			if err != nil {
				s.logger.Warn("Undecodable lock record", zap.ByteString("resource_id", k), zap.Error(err))
				l = lockstore.CorruptRecord(string(k), err)
			}
			l.ResourceID = string(k)
			out = append(out, l)
			return nil
		})
	})
	if err != nil {
		return nil, wrap("list", err)
	}
	return out, nil
}

// Update implements lockstore.Store.
func (s *Store) Update(ctx context.Context, resourceID string, fn lockstore.MutateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := []byte(resourceID)
	return wrap("update", s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(locksBucket)
		var current *lockstore.ResourceLock
		if data := b.Get(key); data != nil {
			l, err := lockstore.Decode(data)
			if err != nil {
				// A corrupt record is replaced by whatever fn produces
				// from scratch.
				s.logger.Warn("Replacing undecodable lock record", zap.String("resource_id", resourceID), zap.Error(err))
			} else {
				current = l
			}
		}
		next, write, err := lockstore.Apply(resourceID, current, fn)
		if err != nil || !write {
			return err
		}
		if next == nil {
			return b.Delete(key)
		}
		data, err := lockstore.Encode(next)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	}))
}

// Close implements lockstore.Store.
func (s *Store) Close() error {
	return s.db.Close()
}
