package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transfer-engine/pkg/logging"
)

func setupTestLocker(t *testing.T) *Locker {
	addr := os.Getenv("TRANSFER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TRANSFER_TEST_REDIS_ADDR not set")
	}

	config := DefaultConfig()
	config.Addr = addr
	config.KeyPrefix = "test:lock:" + uuid.NewString() + ":"
	config.LockTTL = 2 * time.Second
	config.PollInterval = 5 * time.Millisecond

	l, err := NewLocker(config, logging.NewNoOpLogger())
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "localhost:6379", config.Addr)
	assert.Equal(t, "transfer:lock:", config.KeyPrefix)
	assert.Greater(t, config.LockTTL, 5*time.Second)
}

func TestNewLocker_NoAddress(t *testing.T) {
	_, err := NewLocker(Config{}, nil)
	assert.Error(t, err)
}

func TestLocker_Serializes(t *testing.T) {
	l := setupTestLocker(t)
	ctx := context.Background()

	release, err := l.Lock(ctx, "loan-42")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = l.Lock(waitCtx, "loan-42")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()

	release, err = l.Lock(ctx, "loan-42")
	require.NoError(t, err)
	release()
}

func TestLocker_ExpiredLockIsNotStolenBack(t *testing.T) {
	l := setupTestLocker(t)
	l.config.LockTTL = 50 * time.Millisecond
	ctx := context.Background()

	stale, err := l.Lock(ctx, "loan-43")
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)
	fresh, err := l.Lock(ctx, "loan-43")
	require.NoError(t, err)

	// The stale holder's release must not delete the new holder's key.
	stale()

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(waitCtx, "loan-43")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	fresh()
}
