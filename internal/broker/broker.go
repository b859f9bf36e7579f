// Package broker provides an in-memory pub/sub mechanism scoped by performance ID.
// It tracks which realtime connections are subscribed to which performance and
// fans published events out to them.
package broker

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/heartbridge/backend/internal/metrics"
)

var (
	// ErrSubscriberClosed is returned by a Subscriber whose connection has gone away.
	ErrSubscriberClosed = errors.New("subscriber closed")
	// ErrSubscriberSlow is returned by a Subscriber that cannot accept more messages.
	ErrSubscriberSlow = errors.New("subscriber send buffer full")
)

// Subscriber is a connection that can receive broadcast messages.
// Send must not block; any error marks the subscriber as gone.
type Subscriber interface {
	ID() string
	Send(msg []byte) error
}

// Broker is a performance-scoped pub/sub hub. Each subscriber is bound to at
// most one performance at a time; subscribing again rebinds it.
type Broker struct {
	mu       sync.Mutex
	subs     map[string]map[Subscriber]struct{}
	bindings map[Subscriber]string
	metrics  *metrics.Metrics
}

// New creates a ready-to-use Broker.
func New(m *metrics.Metrics) *Broker {
	return &Broker{
		subs:     make(map[string]map[Subscriber]struct{}),
		bindings: make(map[Subscriber]string),
		metrics:  m,
	}
}

// Subscribe binds sub to the given performance and returns the new subscriber
// count. If sub was bound to a different performance, that ID is returned as
// previous so callers can notify the remaining subscribers there.
func (b *Broker) Subscribe(performanceID string, sub Subscriber) (count int, previous string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if current, ok := b.bindings[sub]; ok {
		if current == performanceID {
			return len(b.subs[performanceID]), ""
		}
		b.unbindLocked(current, sub)
		previous = current
	}

	if b.subs[performanceID] == nil {
		b.subs[performanceID] = make(map[Subscriber]struct{})
	}
	b.subs[performanceID][sub] = struct{}{}
	b.bindings[sub] = performanceID
	b.metrics.ActiveSubscriptions.Set(float64(len(b.bindings)))

	return len(b.subs[performanceID]), previous
}

// Unsubscribe removes sub from whichever performance it is bound to.
// It reports the performance it left and how many subscribers remain there.
func (b *Broker) Unsubscribe(sub Subscriber) (performanceID string, remaining int, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	performanceID, ok = b.bindings[sub]
	if !ok {
		return "", 0, false
	}
	b.unbindLocked(performanceID, sub)
	b.metrics.ActiveSubscriptions.Set(float64(len(b.bindings)))
	return performanceID, len(b.subs[performanceID]), true
}

// Drop removes every subscriber of a performance. Connections stay open; they
// simply stop receiving events until they subscribe elsewhere.
func (b *Broker) Drop(performanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs[performanceID] {
		delete(b.bindings, sub)
	}
	delete(b.subs, performanceID)
	b.metrics.ActiveSubscriptions.Set(float64(len(b.bindings)))
}

// Count returns the number of subscribers bound to a performance.
func (b *Broker) Count(performanceID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[performanceID])
}

// Broadcast marshals msg once and sends it to every subscriber of the
// performance. The subscriber set is snapshotted so the lock is not held during
// sends. Subscribers whose Send fails are removed afterwards; the failure is
// not reported to the caller. Returns the number of successful deliveries.
func (b *Broker) Broadcast(performanceID string, msg any) int {
	payload, err := json.Marshal(msg)
	if err != nil {
		slog.Error("failed to encode broadcast message",
			slog.String("performance_id", performanceID),
			slog.Any("error", err))
		return 0
	}

	b.mu.Lock()
	snapshot := make([]Subscriber, 0, len(b.subs[performanceID]))
	for sub := range b.subs[performanceID] {
		snapshot = append(snapshot, sub)
	}
	b.mu.Unlock()

	delivered := 0
	var failed []Subscriber
	for _, sub := range snapshot {
		if err := sub.Send(payload); err != nil {
			failed = append(failed, sub)
			continue
		}
		delivered++
	}

	b.metrics.MessagesDelivered.Add(float64(delivered))
	if len(failed) > 0 {
		b.removeFailed(performanceID, failed)
	}
	return delivered
}

// SendTo delivers msg to a single subscriber, applying the same removal policy
// as Broadcast when the send fails.
func (b *Broker) SendTo(sub Subscriber, msg any) bool {
	payload, err := json.Marshal(msg)
	if err != nil {
		slog.Error("failed to encode message", slog.String("subscriber_id", sub.ID()), slog.Any("error", err))
		return false
	}
	if err := sub.Send(payload); err != nil {
		b.mu.Lock()
		performanceID, ok := b.bindings[sub]
		b.mu.Unlock()
		if ok {
			b.removeFailed(performanceID, []Subscriber{sub})
		}
		return false
	}
	b.metrics.MessagesDelivered.Inc()
	return true
}

// removeFailed unbinds subscribers that are still bound to performanceID.
// A subscriber that rebound elsewhere between snapshot and removal is left alone.
func (b *Broker) removeFailed(performanceID string, failed []Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range failed {
		if b.bindings[sub] != performanceID {
			continue
		}
		b.unbindLocked(performanceID, sub)
		b.metrics.SubscribersDropped.Inc()
		slog.Debug("dropped subscriber after failed send",
			slog.String("performance_id", performanceID),
			slog.String("subscriber_id", sub.ID()))
	}
	b.metrics.ActiveSubscriptions.Set(float64(len(b.bindings)))
}

// unbindLocked removes sub from the performance set. If the performance has no
// remaining subscribers, the entry is cleaned up. Caller holds b.mu.
func (b *Broker) unbindLocked(performanceID string, sub Subscriber) {
	delete(b.bindings, sub)
	if subs, ok := b.subs[performanceID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.subs, performanceID)
		}
	}
}
