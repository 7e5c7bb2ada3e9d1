package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"trustcore/internal/identity/models"
	id "trustcore/pkg/domain"
	"trustcore/pkg/platform/sentinel"
)

const (
	identityKeyPrefix = "identity:"

	// defaultMaxRetries bounds optimistic retries when a WATCHed key changes
	// between read and EXEC.
	defaultMaxRetries = 8
)

// RedisStore keeps each identity as one JSON document. Execute uses
// WATCH/MULTI so a concurrent writer aborts the transaction instead of
// silently overwriting it.
type RedisStore struct {
	client     *redis.Client
	maxRetries int
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithMaxRetries overrides how many times Execute retries after contention.
func WithMaxRetries(n int) RedisOption {
	return func(s *RedisStore) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

func NewRedis(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, maxRetries: defaultMaxRetries}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func identityKey(identityID id.IdentityID) string {
	return identityKeyPrefix + identityID.String()
}

func (s *RedisStore) Create(ctx context.Context, identity *models.Identity) error {
	payload, err := json.Marshal(identity)
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	created, err := s.client.SetNX(ctx, identityKey(identity.ID), payload, 0).Result()
	if err != nil {
		return fmt.Errorf("store identity: %w", err)
	}
	if !created {
		return sentinel.ErrConflict
	}
	return nil
}

func (s *RedisStore) FindByID(ctx context.Context, identityID id.IdentityID) (*models.Identity, error) {
	return s.get(ctx, s.client, identityID)
}

// Exists reports whether an identity is stored.
func (s *RedisStore) Exists(ctx context.Context, identityID id.IdentityID) (bool, error) {
	n, err := s.client.Exists(ctx, identityKey(identityID)).Result()
	if err != nil {
		return false, fmt.Errorf("check identity: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Execute(ctx context.Context, identityID id.IdentityID, validate func(*models.Identity) error, mutate func(*models.Identity)) (*models.Identity, error) {
	key := identityKey(identityID)
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		var result *models.Identity
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := s.get(ctx, tx, identityID)
			if err != nil {
				return err
			}
			if validate != nil {
				if err := validate(current); err != nil {
					return err
				}
			}
			if mutate != nil {
				mutate(current)
			}
			payload, err := json.Marshal(current)
			if err != nil {
				return fmt.Errorf("encode identity: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, 0)
				return nil
			})
			if err != nil {
				return err
			}
			result = current
			return nil
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, fmt.Errorf("%w: identity %s changed concurrently", sentinel.ErrConflict, identityID)
}

// getter is the read side shared by *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) get(ctx context.Context, c getter, identityID id.IdentityID) (*models.Identity, error) {
	data, err := c.Get(ctx, identityKey(identityID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	var identity models.Identity
	if err := json.Unmarshal(data, &identity); err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	return &identity, nil
}
