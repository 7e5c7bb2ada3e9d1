//go:build integration

package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"trustcore/internal/credential/store"
	"trustcore/pkg/testutil/containers"
)

type RedisStoreSuite struct {
	storeContract
	redis *containers.RedisContainer
}

func TestRedisStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisStoreSuite))
}

func (s *RedisStoreSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
	s.store = store.NewRedis(s.redis.Client, store.WithMaxRetries(64))
}

func (s *RedisStoreSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}
