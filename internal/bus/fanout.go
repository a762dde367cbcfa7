package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"stock-ledger/internal/core"
)

// Fanout broadcasts events to in-process subscribers such as the SSE stream.
// A subscriber whose buffer is full misses the event rather than stalling the
// dispatcher; it can catch up from the movement ledger.
type Fanout struct {
	mu     sync.RWMutex
	subs   map[string]chan core.StockLevelChanged
	buffer int
	closed bool
	log    *zap.Logger
}

func NewFanout(buffer int, logger *zap.Logger) *Fanout {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fanout{
		subs:   map[string]chan core.StockLevelChanged{},
		buffer: buffer,
		log:    logger.Named("fanout"),
	}
}

// Subscribe registers name and returns its channel. The channel is closed by
// Unsubscribe or Close.
func (f *Fanout) Subscribe(name string) <-chan core.StockLevelChanged {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan core.StockLevelChanged, f.buffer)
	if f.closed {
		close(ch)
		return ch
	}
	if old, ok := f.subs[name]; ok {
		close(old)
	}
	f.subs[name] = ch
	return ch
}

func (f *Fanout) Unsubscribe(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.subs[name]; ok {
		close(ch)
		delete(f.subs, name)
	}
}

func (f *Fanout) Publish(_ context.Context, evt core.OutboxEvent) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for name, ch := range f.subs {
		select {
		case ch <- evt.Payload:
		default:
			f.log.Warn("subscriber lagging, event dropped", zap.String("subscriber", name), zap.String("event_id", evt.ID))
		}
	}
	return nil
}

// Close shuts every subscriber channel. Later publishes are no-ops.
func (f *Fanout) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for name, ch := range f.subs {
		close(ch)
		delete(f.subs, name)
	}
}

// Subscribers reports how many subscribers are attached.
func (f *Fanout) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}
