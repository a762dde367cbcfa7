package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"stock-ledger/internal/core"
)

// NewRedisClient parses url and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// RedisStreamPublisher appends each event to a Redis stream.
type RedisStreamPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewRedisStreamPublisher(client *redis.Client, stream string, maxLen int64) *RedisStreamPublisher {
	return &RedisStreamPublisher{client: client, stream: stream, maxLen: maxLen}
}

func (p *RedisStreamPublisher) Publish(ctx context.Context, evt core.OutboxEvent) error {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", evt.ID, err)
	}
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"event_id":   evt.ID,
			"topic":      evt.Topic,
			"dedupe_key": evt.Payload.DedupeKey(),
			"payload":    string(payload),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}

// RedisDeduplicator claims dedupe keys with SET NX, so several consumer
// processes in one group share the same memory. A claim holds "processing"
// for claimTTL; a finished key holds "done" for ttl.
type RedisDeduplicator struct {
	client   *redis.Client
	prefix   string
	ttl      time.Duration
	claimTTL time.Duration
}

const (
	dedupeProcessing = "processing"
	dedupeDone       = "done"
)

// Deletes the key only while it still holds this consumer's processing claim.
var abandonScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func NewRedisDeduplicator(client *redis.Client, prefix string, ttl time.Duration) *RedisDeduplicator {
	if prefix == "" {
		prefix = "stock-ledger:dedupe:"
	}
	return &RedisDeduplicator{client: client, prefix: prefix, ttl: ttl, claimTTL: DefaultClaimTTL}
}

func (d *RedisDeduplicator) Claim(ctx context.Context, key string) (ClaimResult, error) {
	k := d.prefix + key
	// The second pass covers a claim that expired between SETNX and GET.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := d.client.SetNX(ctx, k, dedupeProcessing, d.claimTTL).Result()
		if err != nil {
			return InFlight, err
		}
		if ok {
			return Claimed, nil
		}
		state, err := d.client.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return InFlight, err
		}
		if state == dedupeDone {
			return AlreadyDone, nil
		}
		return InFlight, nil
	}
	return InFlight, nil
}

func (d *RedisDeduplicator) Done(ctx context.Context, key string) error {
	return d.client.Set(ctx, d.prefix+key, dedupeDone, d.ttl).Err()
}

func (d *RedisDeduplicator) Abandon(ctx context.Context, key string) error {
	return abandonScript.Run(ctx, d.client, []string{d.prefix + key}, dedupeProcessing).Err()
}

// RedisStreamReader reads a stream through a consumer group and hands each
// decoded event to a Consumer. Messages are acked after handling, including
// duplicates. A message whose handler fails stays pending: the reader retries
// its own pending entries before every blocking read, and periodically claims
// entries other consumers left idle for longer than minIdle.
type RedisStreamReader struct {
	client     *redis.Client
	stream     string
	group      string
	name       string
	consumer   *Consumer
	block      time.Duration
	minIdle    time.Duration
	claimEvery time.Duration
	log        *zap.Logger
}

func NewRedisStreamReader(client *redis.Client, stream, group, name string, consumer *Consumer, logger *zap.Logger) *RedisStreamReader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStreamReader{
		client:     client,
		stream:     stream,
		group:      group,
		name:       name,
		consumer:   consumer,
		block:      2 * time.Second,
		minIdle:    time.Minute,
		claimEvery: 30 * time.Second,
		log:        logger.Named("stream-reader"),
	}
}

// WithBlock sets how long each read for new messages waits.
func (r *RedisStreamReader) WithBlock(d time.Duration) *RedisStreamReader {
	r.block = d
	return r
}

// WithClaimIdle sets how long another consumer's entry must sit idle before
// this reader takes it over, and how often it looks for such entries.
func (r *RedisStreamReader) WithClaimIdle(minIdle, every time.Duration) *RedisStreamReader {
	r.minIdle = minIdle
	r.claimEvery = every
	return r
}

// Run creates the group if needed and reads until ctx is cancelled.
func (r *RedisStreamReader) Run(ctx context.Context) error {
	err := r.client.XGroupCreateMkStream(ctx, r.stream, r.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	var lastClaim time.Time
	for {
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(lastClaim) >= r.claimEvery {
			if err := r.claimStale(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			lastClaim = time.Now()
		}
		if err := r.retryPending(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.group,
			Consumer: r.name,
			Streams:  []string{r.stream, ">"},
			Count:    50,
			Block:    r.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("xreadgroup %s: %w", r.stream, err)
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				r.handle(ctx, msg)
			}
		}
	}
}

// retryPending walks this consumer's pending list once, oldest first.
func (r *RedisStreamReader) retryPending(ctx context.Context) error {
	cursor := "0"
	for {
		streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.group,
			Consumer: r.name,
			Streams:  []string{r.stream, cursor},
			Count:    50,
			Block:    -1,
		}).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("xreadgroup pending %s: %w", r.stream, err)
		}
		n := 0
		for _, s := range streams {
			for _, msg := range s.Messages {
				n++
				cursor = msg.ID
				if msg.Values == nil {
					// Trimmed from the stream while pending; nothing left to apply.
					_ = r.client.XAck(ctx, r.stream, r.group, msg.ID).Err()
					continue
				}
				r.handle(ctx, msg)
			}
		}
		if n == 0 {
			return nil
		}
	}
}

// claimStale takes over entries that other consumers left unacked for minIdle.
func (r *RedisStreamReader) claimStale(ctx context.Context) error {
	start := "0-0"
	for {
		msgs, next, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   r.stream,
			Group:    r.group,
			Consumer: r.name,
			MinIdle:  r.minIdle,
			Start:    start,
			Count:    50,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("xautoclaim %s: %w", r.stream, err)
		}
		if len(msgs) > 0 {
			r.log.Info("claimed stale messages", zap.Int("count", len(msgs)))
		}
		// Claimed entries are now in this consumer's pending list; retryPending applies them.
		if next == "" || next == "0-0" {
			return nil
		}
		start = next
	}
}

func (r *RedisStreamReader) handle(ctx context.Context, msg redis.XMessage) {
	evt, err := decodeStreamMessage(msg)
	if err != nil {
		// Undecodable messages will never succeed; ack them so they do not wedge the group.
		r.log.Error("dropping malformed message", zap.String("message_id", msg.ID), zap.Error(err))
		_ = r.client.XAck(ctx, r.stream, r.group, msg.ID).Err()
		return
	}
	if _, err := r.consumer.Handle(ctx, evt); err != nil {
		if errors.Is(err, ErrInFlight) {
			r.log.Debug("message in flight elsewhere, left pending", zap.String("message_id", msg.ID))
			return
		}
		r.log.Warn("handler failed, message left pending", zap.String("message_id", msg.ID), zap.Error(err))
		return
	}
	if err := r.client.XAck(ctx, r.stream, r.group, msg.ID).Err(); err != nil {
		r.log.Warn("xack failed", zap.String("message_id", msg.ID), zap.Error(err))
	}
}

func decodeStreamMessage(msg redis.XMessage) (core.StockLevelChanged, error) {
	var evt core.StockLevelChanged
	raw, ok := msg.Values["payload"].(string)
	if !ok {
		return evt, fmt.Errorf("message %s has no payload", msg.ID)
	}
	if err := json.Unmarshal([]byte(raw), &evt); err != nil {
		return evt, fmt.Errorf("message %s: %w", msg.ID, err)
	}
	return evt, nil
}
