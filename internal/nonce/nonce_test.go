package nonce

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_FirstUseOnly(t *testing.T) {
	m := NewMemory(DefaultTTL)

	fresh, err := m.CheckAndAdd(context.Background(), "nonce-1")
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = m.CheckAndAdd(context.Background(), "nonce-1")
	require.NoError(t, err)
	assert.False(t, fresh, "identical nonce must be rejected inside the TTL")

	fresh, err = m.CheckAndAdd(context.Background(), "nonce-2")
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestMemory_ExpiredNonceIsFreshAgain(t *testing.T) {
	now := time.Unix(1700000000, 0)
	m := NewMemory(5 * time.Minute)
	m.now = func() time.Time { return now }

	fresh, _ := m.CheckAndAdd(context.Background(), "nonce-1")
	assert.True(t, fresh)

	now = now.Add(5*time.Minute + time.Second)
	fresh, _ = m.CheckAndAdd(context.Background(), "nonce-1")
	assert.True(t, fresh)
}

func TestMemory_SweepDropsExpired(t *testing.T) {
	now := time.Unix(1700000000, 0)
	m := NewMemory(5 * time.Minute)
	m.now = func() time.Time { return now }

	m.CheckAndAdd(context.Background(), "old")
	now = now.Add(6 * time.Minute)
	m.CheckAndAdd(context.Background(), "new")

	m.sweep()
	assert.Equal(t, 1, m.size())
}

func TestMemory_ConcurrentSameNonce(t *testing.T) {
	m := NewMemory(DefaultTTL)

	wins := make(chan bool, 32)
	for i := 0; i < 32; i++ {
		go func() {
			fresh, _ := m.CheckAndAdd(context.Background(), "contested")
			wins <- fresh
		}()
	}

	fresh := 0
	for i := 0; i < 32; i++ {
		if <-wins {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh, "exactly one caller may win a contested nonce")
}

func TestRedis_FirstUseOnly(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewRedis(client, 5*time.Minute)

	fresh, err := s.CheckAndAdd(context.Background(), "nonce-1")
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = s.CheckAndAdd(context.Background(), "nonce-1")
	require.NoError(t, err)
	assert.False(t, fresh)

	mr.FastForward(5*time.Minute + time.Second)

	fresh, err = s.CheckAndAdd(context.Background(), "nonce-1")
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestRedis_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mr.Close()

	_, err := NewRedis(client, 0).CheckAndAdd(context.Background(), "nonce-1")
	assert.ErrorIs(t, err, ErrUnavailable)
}
