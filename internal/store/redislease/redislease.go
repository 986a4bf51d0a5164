// Package redislease keeps the execution lease in a Redis key. Updates use
// WATCH/MULTI so concurrent acquirers on different hosts serialize on the key.
package redislease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/refliv-monitor/internal/domain"
	"github.com/SteelMorgan/refliv-monitor/internal/retry"
	"github.com/SteelMorgan/refliv-monitor/internal/store"
)

// DefaultKey is the Redis key holding the lease record
const DefaultKey = "refliv:monitor:lease"

// Options configures the Redis connection
type Options struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// Store implements store.LeaseStore on Redis
type Store struct {
	client   *redis.Client
	key      string
	retryCfg retry.Config
}

var _ store.LeaseStore = (*Store)(nil)

// Open connects to Redis and verifies the connection
func Open(ctx context.Context, opts Options, retryCfg retry.Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Info().Str("addr", opts.Addr).Msg("Connected to Redis")
	return New(client, opts.Key, retryCfg), nil
}

// New wraps an existing client
func New(client *redis.Client, key string, retryCfg retry.Config) *Store {
	if key == "" {
		key = DefaultKey
	}
	return &Store{client: client, key: key, retryCfg: retryCfg}
}

// Close closes the Redis client
func (s *Store) Close() error {
	return s.client.Close()
}

// UpdateLease reads, mutates and writes the lease under WATCH. A concurrent
// writer aborts the transaction and the whole read-modify-write is retried.
func (s *Store) UpdateLease(ctx context.Context, fn store.LeaseMutation) (*domain.LeaseRecord, error) {
	return retry.DoWithResult(ctx, s.retryCfg, func() (*domain.LeaseRecord, error) {
		var result *domain.LeaseRecord

		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			rec, err := s.load(ctx, tx)
			if errors.Is(err, store.ErrNotFound) {
				rec = &domain.LeaseRecord{ID: domain.LeaseID}
			} else if err != nil {
				return err
			}

			if err := fn(rec); err != nil {
				return err
			}

			val, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("failed to encode lease: %w", err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, s.key, val, 0)
				return nil
			})
			if err == nil {
				result = rec
			}
			return err
		}, s.key)

		return result, err
	})
}

// GetLease reads the lease without watching
func (s *Store) GetLease(ctx context.Context) (*domain.LeaseRecord, error) {
	return s.load(ctx, s.client)
}

func (s *Store) load(ctx context.Context, c redis.Cmdable) (*domain.LeaseRecord, error) {
	val, err := c.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lease: %w", err)
	}

	var rec domain.LeaseRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode lease: %w", err)
	}
	return &rec, nil
}
