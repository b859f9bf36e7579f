package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/heartbridge/backend/internal/config"
	"github.com/heartbridge/backend/internal/logging"
	"github.com/heartbridge/backend/internal/metrics"
	"github.com/heartbridge/backend/internal/models"
	"github.com/heartbridge/backend/internal/services"
)

type actionFunc func(ctx context.Context, c *wsConn, payload []byte)

// Limiter throttles registrations per client IP.
type Limiter interface {
	Allow(ctx context.Context, ip string) bool
}

// RealtimeHandler serves the WebSocket channel. Each connection can register
// and edit performances, publish heart rates and subscribe to one performance
// at a time.
type RealtimeHandler struct {
	store      *services.PerformanceStore
	metrics    *metrics.Metrics
	limiter    Limiter
	upgrader   websocket.Upgrader
	publishAck bool
	sendBuffer int
	maxMessage int64
	actions    map[string]actionFunc
}

// NewRealtimeHandler creates a RealtimeHandler. Browser origins are checked
// against cfg.WSAllowedOrigins; an empty list allows any origin. The register
// action shares limiter with POST /register.
func NewRealtimeHandler(store *services.PerformanceStore, m *metrics.Metrics, limiter Limiter, cfg *config.Config) *RealtimeHandler {
	h := &RealtimeHandler{
		store:      store,
		metrics:    m,
		limiter:    limiter,
		publishAck: cfg.PublishAck,
		sendBuffer: cfg.SendBufferSize,
		maxMessage: cfg.MaxMessageBytes,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin(cfg.WSAllowedOrigins),
	}
	h.actions = map[string]actionFunc{
		models.ActionSubscribe:   h.subscribe,
		models.ActionUnsubscribe: h.unsubscribe,
		models.ActionRegister:    h.register,
		models.ActionUpdate:      h.update,
		models.ActionPublish:     h.publish,
	}
	return h
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	allowedMap := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		allowedMap[origin] = true
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowedMap) == 0 || allowedMap[origin] {
			return true
		}
		logging.LogSecurityEvent(r.Context(), logging.SecurityEventOriginRejected, "websocket origin not allowed")
		return false
	}
}

// Serve upgrades the request and runs the read loop until the client goes away.
// The connection is unbound from its performance before the handler returns.
func (h *RealtimeHandler) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", slog.Any("error", err))
		return
	}

	id := r.Header.Get("Sec-WebSocket-Key")
	if id == "" {
		id = uuid.NewString()
	}
	ctx := logging.WithConnectionID(r.Context(), id)

	c := newWSConn(id, conn, h.sendBuffer)
	c.clientIP = logging.ExtractClientIP(r)
	conn.SetReadLimit(h.maxMessage)
	h.metrics.ActiveConnections.Inc()
	slog.DebugContext(ctx, "realtime connection opened", logging.RequestFields(ctx)...)

	defer func() {
		h.store.Unsubscribe(c)
		c.stop()
		h.metrics.ActiveConnections.Dec()
		slog.DebugContext(ctx, "realtime connection closed", logging.RequestFields(ctx)...)
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.DebugContext(ctx, "realtime connection dropped", append(logging.RequestFields(ctx), slog.Any("error", err))...)
			}
			return
		}
		c.extendReadDeadline()

		if msgType != websocket.TextMessage {
			c.reply(models.ErrorResponse{Error: "invalid message"})
			continue
		}
		h.dispatch(ctx, c, data)
	}
}

func (h *RealtimeHandler) dispatch(ctx context.Context, c *wsConn, data []byte) {
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.reply(models.ErrorResponse{Error: "invalid message"})
		return
	}

	action, ok := h.actions[env.Action]
	if !ok {
		c.reply(models.ErrorResponse{Error: "unknown action"})
		return
	}
	action(ctx, c, data)
}

func (h *RealtimeHandler) subscribe(ctx context.Context, c *wsConn, payload []byte) {
	var req models.SubscribeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.reply(models.ErrorResponse{Error: "invalid message"})
		return
	}
	if req.PerformanceID == "" {
		c.reply(models.ErrorResponse{Error: "performance_id is required"})
		return
	}

	if _, err := h.store.Subscribe(req.PerformanceID, c); err != nil {
		h.replyError(logging.WithPerformanceID(ctx, req.PerformanceID), c, err)
	}
}

func (h *RealtimeHandler) unsubscribe(_ context.Context, c *wsConn, _ []byte) {
	h.store.Unsubscribe(c)
	c.reply(models.SuccessResponse{Action: models.ActionUnsubscribe, Status: "success"})
}

func (h *RealtimeHandler) register(ctx context.Context, c *wsConn, payload []byte) {
	var req models.RegisterRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.reply(models.ErrorResponse{Error: "invalid message"})
		return
	}

	if !h.limiter.Allow(ctx, c.clientIP) {
		c.reply(models.ErrorResponse{Error: "rate limit exceeded"})
		return
	}

	p, err := h.store.Register(registerParams(req))
	if err != nil {
		h.replyError(ctx, c, err)
		return
	}
	c.reply(performanceResponse(p, models.ActionRegister, true))
}

func (h *RealtimeHandler) update(ctx context.Context, c *wsConn, payload []byte) {
	var req models.UpdateRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.reply(models.ErrorResponse{Error: "invalid message"})
		return
	}

	p, err := h.store.Update(req.Token, updateParams(req))
	if err != nil {
		h.replyError(ctx, c, err)
		return
	}
	c.reply(performanceResponse(p, models.ActionUpdate, true))
}

func (h *RealtimeHandler) publish(ctx context.Context, c *wsConn, payload []byte) {
	var req models.PublishRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.reply(models.ErrorResponse{Error: "invalid message"})
		return
	}
	if req.Heartrate == nil {
		c.reply(models.ErrorResponse{Error: "heartrate is required"})
		return
	}

	delivered, err := h.store.Publish(req.Token, *req.Heartrate)
	if err != nil {
		h.replyError(ctx, c, err)
		return
	}
	if h.publishAck {
		c.reply(models.PublishAck{Action: models.ActionPublish, Status: "success", Subscribers: delivered})
	}
}

// replyError sends a store failure back to the connection that caused it.
func (h *RealtimeHandler) replyError(ctx context.Context, c *wsConn, err error) {
	if services.KindOf(err) == "" {
		logging.LogErrorWithStatus(ctx, http.StatusInternalServerError, "realtime action failed", logging.WrapError(err, "realtime action failed"))
		c.reply(models.ErrorResponse{Error: "internal error"})
		return
	}
	recordRejection(ctx, h.metrics, err)
	c.reply(models.ErrorResponse{Error: err.Error()})
}
