// Package eventbus fans out persisted process events to live subscribers.
package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/conductor/internal/model"
	"github.com/ashita-ai/conductor/internal/telemetry"
)

// subscriberBuffer bounds how far a slow subscriber may fall behind before
// events are dropped for it.
const subscriberBuffer = 64

// Subscription receives events for one branch. Events arrive in publish
// order; a subscriber that falls behind misses events rather than blocking
// the publisher, and can recover them from the event log by sequence.
type Subscription struct {
	C        <-chan model.ProcessEvent
	ch       chan model.ProcessEvent
	branchID uuid.UUID
	once     sync.Once
}

// Bus is an in-process publish/subscribe hub keyed by branch.
type Bus struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[uuid.UUID]map[*Subscription]struct{}

	dropped metric.Int64Counter
}

// New creates an empty Bus.
func New(logger *slog.Logger) *Bus {
	dropped, _ := telemetry.Meter("conductor/eventbus").Int64Counter("conductor.eventbus.dropped",
		metric.WithDescription("Events not delivered to a full subscriber buffer"),
	)
	return &Bus{
		logger:  logger,
		subs:    make(map[uuid.UUID]map[*Subscription]struct{}),
		dropped: dropped,
	}
}

// Subscribe registers a subscriber for branchID. The caller must call
// Unsubscribe when done.
func (b *Bus) Subscribe(branchID uuid.UUID) *Subscription {
	ch := make(chan model.ProcessEvent, subscriberBuffer)
	s := &Subscription{C: ch, ch: ch, branchID: branchID}
	b.mu.Lock()
	if b.subs[branchID] == nil {
		b.subs[branchID] = make(map[*Subscription]struct{})
	}
	b.subs[branchID][s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes s and closes its channel. It is safe to call twice.
func (b *Bus) Unsubscribe(s *Subscription) {
	s.once.Do(func() {
		b.mu.Lock()
		if set := b.subs[s.branchID]; set != nil {
			delete(set, s)
			if len(set) == 0 {
				delete(b.subs, s.branchID)
			}
		}
		b.mu.Unlock()
		close(s.ch)
	})
}

// Publish delivers e to every subscriber of its branch without blocking.
func (b *Bus) Publish(ctx context.Context, e model.ProcessEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for s := range b.subs[e.BranchID] {
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(ctx, 1)
			b.logger.Debug("eventbus: subscriber full, event dropped",
				"branch_id", e.BranchID, "seq", e.Sequence)
		}
	}
}

// Subscribers returns the number of live subscribers for branchID.
func (b *Bus) Subscribers(branchID uuid.UUID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[branchID])
}

// Total returns the number of live subscribers across all branches.
func (b *Bus) Total() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, set := range b.subs {
		n += len(set)
	}
	return n
}

// FormatSSE renders e as a Server-Sent Events frame. The event id is the
// sequence number so clients can resume with Last-Event-ID.
func FormatSSE(e model.ProcessEvent) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(data)+64)
	buf = append(buf, "id: "...)
	buf = strconv.AppendInt(buf, e.Sequence, 10)
	buf = append(buf, "\nevent: "...)
	buf = append(buf, string(e.Payload.Event)...)
	buf = append(buf, "\ndata: "...)
	buf = append(buf, data...)
	buf = append(buf, "\n\n"...)
	return buf, nil
}
