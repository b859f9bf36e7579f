package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/heartbridge/backend/internal/broker"
	"github.com/heartbridge/backend/internal/metrics"
	"github.com/heartbridge/backend/internal/services"
)

const sseBufferSize = 16

// sseSubscriber adapts a Server-Sent Events stream to broker.Subscriber.
// A send that finds the buffer full closes dropped, which ends the stream.
type sseSubscriber struct {
	id      string
	events  chan []byte
	done    chan struct{}
	dropped chan struct{}
	once    sync.Once
}

func newSSESubscriber(bufferSize int) *sseSubscriber {
	return &sseSubscriber{
		id:      uuid.NewString(),
		events:  make(chan []byte, bufferSize),
		done:    make(chan struct{}),
		dropped: make(chan struct{}),
	}
}

func (s *sseSubscriber) ID() string { return s.id }

func (s *sseSubscriber) Send(msg []byte) error {
	select {
	case <-s.done:
		return broker.ErrSubscriberClosed
	case <-s.dropped:
		return broker.ErrSubscriberSlow
	default:
	}

	select {
	case s.events <- msg:
		return nil
	default:
		s.once.Do(func() { close(s.dropped) })
		return broker.ErrSubscriberSlow
	}
}

// SSEHandler serves Server-Sent Events streams of a performance's pushes, for
// listeners that cannot open a WebSocket.
type SSEHandler struct {
	store   *services.PerformanceStore
	metrics *metrics.Metrics
}

// NewSSEHandler creates an SSEHandler backed by the given store.
func NewSSEHandler(store *services.PerformanceStore, m *metrics.Metrics) *SSEHandler {
	return &SSEHandler{store: store, metrics: m}
}

// Stream subscribes the caller to a performance and relays every push as an
// SSE "message" event carrying the same JSON the WebSocket channel sends. A
// heartbeat comment is sent every 30 seconds to keep the connection alive
// through proxies. A stream that falls behind is flushed of what it already
// queued and then closed, so the client reconnects.
func (h *SSEHandler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sub := newSSESubscriber(sseBufferSize)
	defer close(sub.done)

	if _, err := h.store.Subscribe(chi.URLParam(r, "id"), sub); err != nil {
		writeServiceError(r.Context(), w, h.metrics, err)
		return
	}
	defer h.store.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Send initial connected event
	fmt.Fprintf(w, "event: connected\ndata: ok\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-sub.events:
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		case <-sub.dropped:
			for {
				select {
				case msg := <-sub.events:
					fmt.Fprintf(w, "data: %s\n\n", msg)
				default:
					flusher.Flush()
					slog.Warn("closing slow sse stream", slog.String("subscriber_id", sub.id))
					return
				}
			}
		case <-heartbeat.C:
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}
