package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memorySetNX struct {
	keys map[string]time.Duration
	err  error
}

func (m *memorySetNX) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	if m.err != nil {
		return redis.NewBoolResult(false, m.err)
	}
	if _, ok := m.keys[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	m.keys[key] = expiration
	return redis.NewBoolResult(true, nil)
}

func TestRedisDeduper_FirstSeen(t *testing.T) {
	store := &memorySetNX{keys: map[string]time.Duration{}}
	d := &RedisDeduper{client: store, ttl: time.Hour}
	ctx := context.Background()

	first, err := d.FirstSeen(ctx, "SM123")
	require.NoError(t, err)
	assert.True(t, first)

	again, err := d.FirstSeen(ctx, "SM123")
	require.NoError(t, err)
	assert.False(t, again)

	assert.Equal(t, time.Hour, store.keys["sms:inbound:SM123"])

	empty, err := d.FirstSeen(ctx, "")
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestRedisDeduper_Error(t *testing.T) {
	d := &RedisDeduper{client: &memorySetNX{err: errors.New("connection refused")}, ttl: time.Hour}
	_, err := d.FirstSeen(context.Background(), "SM1")
	assert.ErrorContains(t, err, "connection refused")
}
