package bus_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"stock-ledger/internal/bus"
	"stock-ledger/internal/core"
)

func setupRedis(t *testing.T) (*redis.Client, context.Context) {
	t.Helper()
	_ = godotenv.Load("../../.env")

	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	client, err := bus.NewRedisClient(ctx, url)
	if err != nil {
		t.Fatalf("Failed to connect to test redis: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client, ctx
}

func TestRedisStream_RedeliveryAppliedOnce(t *testing.T) {
	client, ctx := setupRedis(t)
	stream := "test-stock-" + uuid.NewString()
	t.Cleanup(func() { client.Del(context.Background(), stream) })

	pub := bus.NewRedisStreamPublisher(client, stream, 1000)
	first := event("evt-"+uuid.NewString(), "mov-"+uuid.NewString(), 4)
	require.NoError(t, pub.Publish(ctx, first))
	require.NoError(t, pub.Publish(ctx, first))
	require.NoError(t, pub.Publish(ctx, event("evt-"+uuid.NewString(), "", 4)))

	var mu sync.Mutex
	var seen []string
	dedupe := bus.NewRedisDeduplicator(client, "test-dedupe:"+stream+":", time.Minute)
	consumer := bus.NewConsumer(dedupe, func(_ context.Context, e core.StockLevelChanged) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.DedupeKey())
		return nil
	}, zaptest.NewLogger(t))

	runCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	reader := bus.NewRedisStreamReader(client, stream, "ledger-test", "c1", consumer, zaptest.NewLogger(t))
	require.NoError(t, reader.Run(runCtx))

	applied, skipped := consumer.Stats()
	assert.Equal(t, int64(2), applied)
	assert.Equal(t, int64(1), skipped)
	mu.Lock()
	assert.Equal(t, first.Payload.DedupeKey(), seen[0])
	mu.Unlock()
}
