// Package redisstore is a lockstore.Store shared by every process that can
// reach the same Redis server. Each lock is a JSON string value under its own
// key and a set indexes the live resource ids. Updates use optimistic
// WATCH/MULTI/EXEC transactions and retry when another client wins the race.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
	"github.com/sushant-115/gojolock/core/lockstore"
	"go.uber.org/zap"
)

const defaultMaxRetries = 64

// Config configures the Redis backend.
type Config struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// KeyPrefix namespaces every key written by the store, e.g. "gojolock:".
	KeyPrefix string `yaml:"key_prefix"`
	// MaxRetries bounds optimistic transaction retries per Update.
	MaxRetries int `yaml:"max_retries"`
}

// Store implements lockstore.Store on Redis.
type Store struct {
	client     *redis.Client
	prefix     string
	maxRetries int
	logger     *zap.Logger
}

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, lockstore.Unavailable("ping "+cfg.Addr, err)
	}
	return NewWithClient(client, cfg, logger), nil
}

// NewWithClient wraps an existing client. The store owns the client and
// closes it on Close.
func NewWithClient(client *redis.Client, cfg Config, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	return &Store{
		client:     client,
		prefix:     cfg.KeyPrefix,
		maxRetries: cfg.MaxRetries,
		logger:     logger,
	}
}

func (s *Store) lockKey(resourceID string) string { return s.prefix + "lock:" + resourceID }

func (s *Store) indexKey() string { return s.prefix + "locks" }

// Get implements lockstore.Store.
func (s *Store) Get(ctx context.Context, resourceID string) (*lockstore.ResourceLock, error) {
	data, err := s.client.Get(ctx, s.lockKey(resourceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, lockstore.ErrNotFound
	}
	if err != nil {
		return nil, lockstore.Unavailable("get", err)
	}
	return lockstore.Decode(data)
}

// Set implements lockstore.Store.
func (s *Store) Set(ctx context.Context, resourceID string, lock *lockstore.ResourceLock) error {
	c := lock.Clone()
	c.ResourceID = resourceID
	data, err := lockstore.Encode(c)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.lockKey(resourceID), data, 0)
		pipe.SAdd(ctx, s.indexKey(), resourceID)
		return nil
	})
	if err != nil {
		return lockstore.Unavailable("set", err)
	}
	return nil
}

// Remove implements lockstore.Store.
func (s *Store) Remove(ctx context.Context, resourceID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.lockKey(resourceID))
		pipe.SRem(ctx, s.indexKey(), resourceID)
		return nil
	})
	if err != nil {
		return lockstore.Unavailable("remove", err)
	}
	return nil
}

// List implements lockstore.Store. The index and the values are read with
// two commands, so the snapshot is point-in-time per record only. Index
// entries whose value has vanished are pruned. Undecodable values are
// returned as lockstore.CorruptRecord placeholders so the detector can
// repair them.
func (s *Store) List(ctx context.Context) ([]*lockstore.ResourceLock, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, lockstore.Unavailable("list index", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.lockKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, lockstore.Unavailable("list values", err)
	}

	out := make([]*lockstore.ResourceLock, 0, len(ids))
	var stale []string
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		l, err := lockstore.Decode([]byte(raw))
		if err != nil {
			s.logger.Warn("Undecodable lock record", zap.String("resource_id", ids[i]), zap.Error(err))
			l = lockstore.CorruptRecord(ids[i], err)
		}
		l.ResourceID = ids[i]
		out = append(out, l)
	}
	if len(stale) > 0 {
		if _, err := s.prune(ctx, stale); err != nil {
			s.logger.Warn("Failed to prune lock index", zap.Int("stale", len(stale)), zap.Error(err))
		}
	}
	return out, nil
}

// pruneScript drops index entries whose lock key is still absent. KEYS[1] is
// the index, KEYS[2:] the lock keys matching the ids in ARGV.
var pruneScript = redis.NewScript(`
local removed = 0
for i = 2, #KEYS do
	if redis.call('EXISTS', KEYS[i]) == 0 then
		removed = removed + redis.call('SREM', KEYS[1], ARGV[i - 1])
	end
end
return removed
`)

// prune removes ids from the index whose lock key does not exist. A key
// recreated since List read its value keeps its index entry.
func (s *Store) prune(ctx context.Context, ids []string) (int64, error) {
	keys := make([]string, 0, len(ids)+1)
	args := make([]interface{}, 0, len(ids))
	keys = append(keys, s.indexKey())
	for _, id := range ids {
		keys = append(keys, s.lockKey(id))
		args = append(args, id)
	}
	removed, err := pruneScript.Run(ctx, s.client, keys, args...).Int64()
	if err != nil {
		return 0, lockstore.Unavailable("prune index", err)
	}
	if removed > 0 {
		s.logger.Debug("Pruned stale lock index entries", zap.Int64("removed", removed))
	}
	return removed, nil
}

// callerError marks errors returned by the caller's MutateFunc inside a
// WATCH callback, so they can be told apart from errors raised by Redis.
type callerError struct{ err error }

func (e callerError) Error() string { return e.err.Error() }
func (e callerError) Unwrap() error { return e.err }

// Update implements lockstore.Store.
func (s *Store) Update(ctx context.Context, resourceID string, fn lockstore.MutateFunc) error {
	key := s.lockKey(resourceID)
	txf := func(tx *redis.Tx) error {
		var current *lockstore.ResourceLock
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			l, derr := lockstore.Decode(data)
			if derr != nil {
				s.logger.Warn("Replacing undecodable lock record", zap.String("resource_id", resourceID), zap.Error(derr))
			} else {
				current = l
			}
		}

		next, write, err := lockstore.Apply(resourceID, current, fn)
		if err != nil {
			return callerError{err}
		}
		if !write {
			return nil
		}
		var payload []byte
		if next != nil {
			if payload, err = lockstore.Encode(next); err != nil {
				return callerError{err}
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, key)
				pipe.SRem(ctx, s.indexKey(), resourceID)
				return nil
			}
			pipe.Set(ctx, key, payload, 0)
			pipe.SAdd(ctx, s.indexKey(), resourceID)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			s.logger.Debug("Optimistic lock update lost a race, retrying",
				zap.String("resource_id", resourceID), zap.Int("attempt", attempt+1))
			continue
		}
		var ce callerError
		if errors.As(err, &ce) {
			return ce.err
		}
		return lockstore.Unavailable("update", err)
	}
	return fmt.Errorf("%w: resource %q after %d attempts", lockstore.ErrConflict, resourceID, s.maxRetries)
}

// Client exposes the underlying client, e.g. to share it with the event
// publisher.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Close implements lockstore.Store.
func (s *Store) Close() error {
	return s.client.Close()
}
