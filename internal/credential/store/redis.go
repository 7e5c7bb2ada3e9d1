package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"

	"trustcore/internal/credential/models"
	id "trustcore/pkg/domain"
	"trustcore/pkg/platform/sentinel"
)

const defaultMaxRetries = 8

// RedisStore keeps each credential as a JSON document under
// credential:<prefix>, an owner index set under credential:owner:<id> and a
// pointer to the owner's active prefix under credential:active:<id>. Rotation
// and revocation watch the pointer so they commit as one MULTI batch.
type RedisStore struct {
	client     *redis.Client
	maxRetries int
}

type RedisOption func(*RedisStore)

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

func credentialKey(prefix string) string { return "credential:" + prefix }

func ownerKey(owner id.IdentityID) string { return "credential:owner:" + owner.String() }

func activeKey(owner id.IdentityID) string { return "credential:active:" + owner.String() }

// record is the stored document; unlike the model it carries the hash.
type record struct {
	ID              id.CredentialID `json:"id"`
	OwnerIdentityID id.IdentityID   `json:"ownerIdentityId"`
	KeyPrefix       string          `json:"keyPrefix"`
	SecretHash      string          `json:"secretHash"`
	Active          bool            `json:"active"`
	IssuedAt        time.Time       `json:"issuedAt"`
	RevokedAt       *time.Time      `json:"revokedAt,omitempty"`
}

func toRecord(c *models.Credential) record {
	return record{
		ID:              c.ID,
		OwnerIdentityID: c.OwnerIdentityID,
		KeyPrefix:       c.KeyPrefix,
		SecretHash:      c.SecretHash,
		Active:          c.Active,
		IssuedAt:        c.IssuedAt,
		RevokedAt:       c.RevokedAt,
	}
}

func (r record) model() *models.Credential {
	return &models.Credential{
		ID:              r.ID,
		OwnerIdentityID: r.OwnerIdentityID,
		KeyPrefix:       r.KeyPrefix,
		SecretHash:      r.SecretHash,
		Active:          r.Active,
		IssuedAt:        r.IssuedAt,
		RevokedAt:       r.RevokedAt,
	}
}

func encode(c *models.Credential) ([]byte, error) {
	b, err := json.Marshal(toRecord(c))
	if err != nil {
		return nil, fmt.Errorf("encode credential: %w", err)
	}
	return b, nil
}

func decode(data []byte) (*models.Credential, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode credential: %w", err)
	}
	return r.model(), nil
}

type reader interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) get(ctx context.Context, c reader, prefix string) (*models.Credential, error) {
	data, err := c.Get(ctx, credentialKey(prefix)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	return decode(data)
}

// Rotate retries on WATCH failures and reports ErrConflict once retries
// are exhausted.
func (s *RedisStore) Rotate(ctx context.Context, next *models.Credential, now time.Time, guard func(issued int) error) (int, error) {
	pointer := activeKey(next.OwnerIdentityID)
	newKey := credentialKey(next.KeyPrefix)
	owned := ownerKey(next.OwnerIdentityID)

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		deactivated := 0
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			deactivated = 0
			exists, err := tx.Exists(ctx, newKey).Result()
			if err != nil {
				return fmt.Errorf("check credential: %w", err)
			}
			if exists > 0 {
				return fmt.Errorf("%w: key prefix already issued", sentinel.ErrConflict)
			}
			if guard != nil {
				issued, err := tx.SCard(ctx, owned).Result()
				if err != nil {
					return fmt.Errorf("count credentials: %w", err)
				}
				if err := guard(int(issued)); err != nil {
					return err
				}
			}

			var previous *models.Credential
			activePrefix, err := tx.Get(ctx, pointer).Result()
			switch {
			case errors.Is(err, redis.Nil):
			case err != nil:
				return fmt.Errorf("load active pointer: %w", err)
			default:
				if err := tx.Watch(ctx, credentialKey(activePrefix)).Err(); err != nil {
					return fmt.Errorf("watch active credential: %w", err)
				}
				previous, err = s.get(ctx, tx, activePrefix)
				if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
					return err
				}
			}

			var previousPayload []byte
			if previous != nil && previous.Active {
				previous.Deactivate(now)
				if previousPayload, err = encode(previous); err != nil {
					return err
				}
				deactivated = 1
			}
			payload, err := encode(next)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if previousPayload != nil {
					pipe.Set(ctx, credentialKey(previous.KeyPrefix), previousPayload, 0)
				}
				pipe.Set(ctx, newKey, payload, 0)
				pipe.SAdd(ctx, owned, next.KeyPrefix)
				pipe.Set(ctx, pointer, next.KeyPrefix, 0)
				return nil
			})
			return err
		}, pointer, newKey, owned)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return 0, err
		}
		return deactivated, nil
	}
	return 0, fmt.Errorf("%w: credentials for %s rotated concurrently", sentinel.ErrConflict, next.OwnerIdentityID)
}

func (s *RedisStore) FindByPrefix(ctx context.Context, prefix string) (*models.Credential, error) {
	return s.get(ctx, s.client, prefix)
}

// Execute clears the owner's active pointer when mutate deactivates the
// credential it points at.
func (s *RedisStore) Execute(ctx context.Context, prefix string, validate func(*models.Credential) error, mutate func(*models.Credential)) (*models.Credential, error) {
	key := credentialKey(prefix)
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		var result *models.Credential
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := s.get(ctx, tx, prefix)
			if err != nil {
				return err
			}
			pointer := activeKey(current.OwnerIdentityID)
			if err := tx.Watch(ctx, pointer).Err(); err != nil {
				return fmt.Errorf("watch active pointer: %w", err)
			}
			activePrefix, err := tx.Get(ctx, pointer).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return fmt.Errorf("load active pointer: %w", err)
			}

			wasActive := current.Active
			if validate != nil {
				if err := validate(current); err != nil {
					return err
				}
			}
			if mutate != nil {
				mutate(current)
			}
			if current.Active && !wasActive {
				return fmt.Errorf("%w: credentials cannot be reactivated", sentinel.ErrInvalidState)
			}
			payload, err := encode(current)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, 0)
				if !current.Active && activePrefix == prefix {
					pipe.Del(ctx, pointer)
				}
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
	return nil, fmt.Errorf("%w: credential %s changed concurrently", sentinel.ErrConflict, prefix)
}

func (s *RedisStore) ListByOwner(ctx context.Context, owner id.IdentityID) ([]*models.Credential, error) {
	prefixes, err := s.client.SMembers(ctx, ownerKey(owner)).Result()
	if err != nil {
		return nil, fmt.Errorf("list credential prefixes: %w", err)
	}
	if len(prefixes) == 0 {
		return []*models.Credential{}, nil
	}
	keys := make([]string, len(prefixes))
	for i, p := range prefixes {
		keys[i] = credentialKey(p)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	out := make([]*models.Credential, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		c, err := decode([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	slices.SortStableFunc(out, func(a, b *models.Credential) int {
		return a.IssuedAt.Compare(b.IssuedAt)
	})
	return out, nil
}
