package bus_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"stock-ledger/internal/bus"
	"stock-ledger/internal/core"
)

func newMiniRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisDeduplicator_ConcurrentClaims(t *testing.T) {
	client := newMiniRedis(t)
	ctx := context.Background()
	dedupe := bus.NewRedisDeduplicator(client, "test:", time.Hour)

	var applied atomic.Int32
	c := bus.NewConsumer(dedupe, func(context.Context, core.StockLevelChanged) error {
		applied.Add(1)
		time.Sleep(50 * time.Millisecond)
		return nil
	}, zaptest.NewLogger(t))

	evt := event("evt-1", "m1", 3).Payload
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Handle(ctx, evt)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), applied.Load())

	res, err := dedupe.Claim(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, bus.AlreadyDone, res)
}

func TestRedisDeduplicator_AbandonReleasesClaim(t *testing.T) {
	client := newMiniRedis(t)
	ctx := context.Background()
	dedupe := bus.NewRedisDeduplicator(client, "test:", time.Hour)

	res, err := dedupe.Claim(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, bus.Claimed, res)
	res, err = dedupe.Claim(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, bus.InFlight, res)

	require.NoError(t, dedupe.Abandon(ctx, "m1"))
	res, err = dedupe.Claim(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, bus.Claimed, res)

	require.NoError(t, dedupe.Done(ctx, "m1"))
	require.NoError(t, dedupe.Abandon(ctx, "m1"), "a finished key is not released")
	res, err = dedupe.Claim(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, bus.AlreadyDone, res)
}

func TestRedisStreamReader_FailedHandlerIsRedelivered(t *testing.T) {
	client := newMiniRedis(t)
	ctx := context.Background()
	const stream = "stock.level_changed"

	require.NoError(t, bus.NewRedisStreamPublisher(client, stream, 0).Publish(ctx, event("evt-1", "mov-1", 4)))

	var calls atomic.Int32
	consumer := bus.NewConsumer(bus.NewRedisDeduplicator(client, "test:", time.Hour), func(context.Context, core.StockLevelChanged) error {
		if calls.Add(1) == 1 {
			return errors.New("projection unavailable")
		}
		return nil
	}, zaptest.NewLogger(t))

	runCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	reader := bus.NewRedisStreamReader(client, stream, "ledger", "c1", consumer, zaptest.NewLogger(t)).
		WithBlock(100 * time.Millisecond)
	require.NoError(t, reader.Run(runCtx))

	applied, _ := consumer.Stats()
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int64(1), applied)

	pending, err := client.XPending(ctx, stream, "ledger").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestRedisStreamReader_ClaimsStaleEntriesOfOtherConsumers(t *testing.T) {
	client := newMiniRedis(t)
	ctx := context.Background()
	const stream = "stock.level_changed"

	require.NoError(t, bus.NewRedisStreamPublisher(client, stream, 0).Publish(ctx, event("evt-1", "mov-1", 4)))

	// c1 reads the entry and dies before acking it.
	require.NoError(t, client.XGroupCreateMkStream(ctx, stream, "ledger", "0").Err())
	_, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group: "ledger", Consumer: "c1", Streams: []string{stream, ">"}, Count: 10, Block: -1,
	}).Result()
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	consumer := bus.NewConsumer(bus.NewMemoryDeduplicator(0), func(context.Context, core.StockLevelChanged) error { return nil }, nil)
	runCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	reader := bus.NewRedisStreamReader(client, stream, "ledger", "c2", consumer, zaptest.NewLogger(t)).
		WithBlock(100*time.Millisecond).
		WithClaimIdle(10*time.Millisecond, 50*time.Millisecond)
	require.NoError(t, reader.Run(runCtx))

	applied, _ := consumer.Stats()
	assert.Equal(t, int64(1), applied)
	pending, err := client.XPending(ctx, stream, "ledger").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}
