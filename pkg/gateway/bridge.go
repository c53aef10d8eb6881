package gateway

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/mkent/workbench/pkg/plugin"
)

// DefaultEventQueueSize bounds each subscriber's buffer.
const DefaultEventQueueSize = 256

// Bridge is the one-way fan-out channel carrying plugin- and
// host-originated events to the UI transport, independent of the
// request/response cycle. Publishing never blocks: when a subscriber's
// bounded queue is full, the oldest event is dropped, since losing an old
// heartbeat beats stalling plugin execution.
type Bridge struct {
	mu        sync.RWMutex
	subs      map[string]chan EventFrame
	queueSize int
	seq       atomic.Int64
	dropped   atomic.Int64
	logger    zerolog.Logger
}

// NewBridge creates an event bridge with the given per-subscriber bound.
func NewBridge(queueSize int, logger zerolog.Logger) *Bridge {
	if queueSize <= 0 {
		queueSize = DefaultEventQueueSize
	}
	return &Bridge{
		subs:      make(map[string]chan EventFrame),
		queueSize: queueSize,
		logger:    logger.With().Str("component", "event-bridge").Logger(),
	}
}

// Publish fans one event out to every subscriber. Implements
// plugin.EventSink.
func (b *Bridge) Publish(event plugin.Event) {
	frame := EventFrame{
		Kind:      EventFrameKind,
		Event:     event.Type,
		PluginID:  event.PluginID,
		Payload:   event.Payload,
		Metadata:  event.Metadata,
		Timestamp: event.Timestamp.UnixMilli(),
		Seq:       b.seq.Add(1),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		for {
			select {
			case ch <- frame:
			default:
				// Full: drop the oldest frame and try again.
				select {
				case <-ch:
					b.dropped.Add(1)
					b.logger.Debug().Str("subscriber", id).Str("event", frame.Event).Msg("Dropped oldest event for slow subscriber")
					continue
				default:
				}
			}
			break
		}
	}
}

// Subscribe registers a subscriber and returns its event channel.
func (b *Bridge) Subscribe(id string) <-chan EventFrame {
	ch := make(chan EventFrame, b.queueSize)

	b.mu.Lock()
	if old, ok := b.subs[id]; ok {
		close(old)
	}
	b.subs[id] = ch
	b.mu.Unlock()

	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bridge) Unsubscribe(id string) {
	b.mu.Lock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}

// SubscriberCount returns the number of attached subscribers.
func (b *Bridge) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns the total number of events dropped to slow subscribers.
func (b *Bridge) Dropped() int64 {
	return b.dropped.Load()
}
