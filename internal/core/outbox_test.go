package core_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stock-ledger/internal/core"
)

type recordingPublisher struct {
	mu        sync.Mutex
	failures  int
	published []core.OutboxEvent
}

func (p *recordingPublisher) Publish(_ context.Context, evt core.OutboxEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("bus unavailable")
	}
	p.published = append(p.published, evt)
	return nil
}

func TestOutbox_DispatchDeliversInOrder(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "X", "loc1", "10", "1")
	f.issue(t, "X", "loc1", "4")

	pub := &recordingPublisher{}
	d := core.NewDispatcher(f.store, pub, core.DispatcherConfig{Clock: f.clock, BatchSize: 10})

	n, err := d.DispatchOnce(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, pub.published, 2)
	assertDec(t, "10", pub.published[0].Payload.NewQty)
	assertDec(t, "6", pub.published[1].Payload.NewQty)

	stats, err := f.store.OutboxStats(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, core.OutboxStats{Delivered: 2}, stats)

	n, err = d.DispatchOnce(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "delivered events are not claimed again")
}

func TestOutbox_FailedPublishIsRetriedLater(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "X", "loc1", "10", "1")

	pub := &recordingPublisher{failures: 1}
	d := core.NewDispatcher(f.store, pub, core.DispatcherConfig{Clock: f.clock, RetryBase: time.Minute})

	_, err := d.DispatchOnce(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, pub.published)

	stats, err := f.store.OutboxStats(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, core.OutboxStats{Pending: 1, Failing: 1}, stats)

	// Not due yet.
	n, err := d.DispatchOnce(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(2 * time.Minute)
	n, err = d.DispatchOnce(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, pub.published, 1)
	assert.Equal(t, 1, pub.published[0].Attempts)
}

func TestOutbox_LeaseHidesClaimedEvents(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "X", "loc1", "10", "1")

	now := f.clock.Now()
	claimed, err := f.store.ClaimPending(f.ctx, now, now.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	again, err := f.store.ClaimPending(f.ctx, now, now.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	// A crashed dispatcher's lease runs out and the event is handed out again.
	later := now.Add(2 * time.Minute)
	again, err = f.store.ClaimPending(f.ctx, later, later.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, again, 1)
}

func TestOutbox_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.receive(t, "X", "loc1", "10", "1")

	pub := &recordingPublisher{}
	d := core.NewDispatcher(f.store, pub, core.DispatcherConfig{Clock: f.clock, PollInterval: time.Millisecond})

	ctx, cancel := context.WithCancel(f.ctx)
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		return len(pub.published) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
