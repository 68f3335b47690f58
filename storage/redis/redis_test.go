package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyokole/photo-tool-pro-sub000/pkg/ledger"
	"github.com/kyokole/photo-tool-pro-sub000/storage/storagetest"
)

// setupTestRedis creates a Redis client for testing
// Requires Redis running on localhost:6379
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use DB 15 for testing
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test database: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	return client
}

func TestNew(t *testing.T) {
	tests := []struct {
		name       string
		client     redis.UniversalClient
		config     Config
		wantErr    bool
		wantPrefix string
	}{
		{name: "nil client", client: nil, config: DefaultConfig(), wantErr: true},
		{
			name:       "default config",
			client:     redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			config:     DefaultConfig(),
			wantPrefix: "photocredit:",
		},
		{
			name:       "empty prefix gets default",
			client:     redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			config:     Config{},
			wantPrefix: "photocredit:",
		},
		{
			name:       "custom prefix",
			client:     redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			config:     Config{KeyPrefix: "test:"},
			wantPrefix: "test:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.client, tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPrefix, s.config.KeyPrefix)
			assert.Len(t, s.scripts, 4)
		})
	}
}

func TestStorage_Contract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) ledger.Storage {
		s, err := New(setupTestRedis(t), DefaultConfig())
		require.NoError(t, err)
		return s
	})
}

func TestStorage_Now(t *testing.T) {
	s, err := New(setupTestRedis(t), DefaultConfig())
	require.NoError(t, err)

	serverTime, err := s.Now(context.Background())
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), serverTime, 5*time.Second)
	assert.Equal(t, time.UTC, serverTime.Location())
}

func TestParseScriptResult(t *testing.T) {
	status, acct, err := parseScriptResult([]interface{}{
		"ok",
		"id", "user-1",
		"short_code", "AB12",
		"balance", "42",
		"expiry_ms", "0",
		"role", "standard",
		"created_ms", "1700000000000",
		"updated_ms", "1700000000000",
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", status)
	assert.Equal(t, "user-1", acct.ID)
	assert.Equal(t, int64(42), acct.Balance)
	assert.True(t, acct.EntitlementExpiry.IsZero())
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), acct.CreatedAt)

	status, acct, err = parseScriptResult([]interface{}{"duplicate"})
	require.NoError(t, err)
	assert.Equal(t, "duplicate", status)
	assert.Nil(t, acct)

	_, _, err = parseScriptResult("nope")
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	err := classify(context.DeadlineExceeded)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, ledger.IsRetryable(err))

	err = classify(assert.AnError)
	assert.ErrorIs(t, err, ledger.ErrStorageUnavailable)
}
