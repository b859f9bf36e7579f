package router

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heartbridge/backend/internal/broker"
	"github.com/heartbridge/backend/internal/config"
	"github.com/heartbridge/backend/internal/metrics"
	"github.com/heartbridge/backend/internal/middleware"
	"github.com/heartbridge/backend/internal/services"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:               "0",
		TokenIssuer:        "heartbridge",
		MaxFieldLength:     64,
		PastTolerance:      5 * time.Minute,
		FutureLimit:        366 * 24 * time.Hour,
		DefaultDuration:    time.Hour,
		MaxDuration:        24 * time.Hour,
		SweepInterval:      time.Minute,
		RateLimitPerMinute: 1000,
		PublishAck:         true,
		SendBufferSize:     64,
		MaxMessageBytes:    4096,
		CORSAllowedOrigins: []string{"http://localhost:5173"},
	}
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	return newTestServerWithConfig(t, testConfig())
}

func newTestServerWithConfig(t *testing.T, cfg *config.Config) *httptest.Server {
	t.Helper()
	clock := clockwork.NewRealClock()
	registry := metrics.NewRegistry()
	m := metrics.New(registry)

	tokens := services.NewTokenService([]byte("router-test-secret"), cfg.TokenIssuer, 0, clock)
	limits := services.DefaultLimits()
	store := services.NewPerformanceStore(tokens, services.NewIDGenerator(), broker.New(m), clock, limits, m)

	srv := httptest.NewServer(New(cfg, Deps{
		Store:    store,
		Limiter:  middleware.NewRateLimiter(cfg.RateLimitPerMinute, clock, m),
		Metrics:  m,
		Registry: registry,
	}))
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func registerPerformance(t *testing.T, srv *httptest.Server, artist string) (id, token string) {
	t.Helper()
	status, body := doJSON(t, http.MethodPost, srv.URL+"/register", map[string]any{
		"artist": artist,
		"title":  "Live Set",
	})
	require.Equal(t, http.StatusCreated, status, body)
	return body["performance_id"].(string), body["token"].(string)
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

// readAction reads frames until one with the given action (or an error
// payload when action is "error") arrives.
func readAction(t *testing.T, conn *websocket.Conn, action string) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))
		if action == "error" {
			if _, ok := msg["error"]; ok {
				return msg
			}
			continue
		}
		if msg["action"] == action {
			return msg
		}
	}
}

// readHeartrates reads frames until n heart-rate pushes have arrived and
// returns their values in arrival order.
func readHeartrates(t *testing.T, conn *websocket.Conn, n int) []int {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	rates := make([]int, 0, n)
	for len(rates) < n {
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))
		if msg["action"] == "heartrate_update" {
			rates = append(rates, int(msg["heartrate"].(float64)))
		}
	}
	return rates
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t)
	registerPerformance(t, srv, "Caribou")

	status, body := doJSON(t, http.MethodGet, srv.URL+"/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["performances"])

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "heartbridge_performances_registered_total 1")
}

func TestREST_Lifecycle(t *testing.T) {
	srv := newTestServer(t)
	id, token := registerPerformance(t, srv, "Bonobo")
	assert.Len(t, id, services.PerformanceIDLength)

	status, body := doJSON(t, http.MethodGet, srv.URL+"/events/"+strings.ToLower(id), nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Bonobo", body["artist"])
	assert.Equal(t, float64(60), body["duration"])
	assert.NotContains(t, body, "token")

	status, body = doJSON(t, http.MethodGet, srv.URL+"/events/", nil)
	assert.Equal(t, http.StatusOK, status)
	require.Len(t, body["performances"], 1)

	status, body = doJSON(t, http.MethodGet, srv.URL+"/events/"+id+"/status", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(0), body["status"])

	status, body = doJSON(t, http.MethodPost, srv.URL+"/events/"+id+"/status", map[string]any{"token": token, "status": 2})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "success", body["status"])
	newToken := body["token"].(string)
	assert.NotEqual(t, token, newToken)

	status, body = doJSON(t, http.MethodPost, srv.URL+"/update", map[string]any{"token": token, "title": "Stale"})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "token has been superseded", body["error"])

	status, body = doJSON(t, http.MethodPost, srv.URL+"/update", map[string]any{"token": newToken, "title": "Kerala"})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "Kerala", body["title"])
	assert.Equal(t, float64(2), body["status"])
	latest := body["token"].(string)

	status, _ = doJSON(t, http.MethodPost, srv.URL+"/delete", map[string]any{"token": latest})
	assert.Equal(t, http.StatusOK, status)

	status, _ = doJSON(t, http.MethodPost, srv.URL+"/delete", map[string]any{"token": latest})
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = doJSON(t, http.MethodGet, srv.URL+"/events/"+id, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestREST_Rejections(t *testing.T) {
	srv := newTestServer(t)
	_, token := registerPerformance(t, srv, "Kiasmos")

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"artist too long", http.MethodPost, "/register", map[string]any{"artist": strings.Repeat("a", 65), "title": "t"}, http.StatusBadRequest},
		{"epoch zero date", http.MethodPost, "/register", map[string]any{"artist": "a", "title": "t", "performance_date": 0}, http.StatusBadRequest},
		{"bogus token update", http.MethodPost, "/update", map[string]any{"token": "bogus_token", "title": "x"}, http.StatusUnauthorized},
		{"bogus token delete", http.MethodPost, "/delete", map[string]any{"token": "bogus_token"}, http.StatusUnauthorized},
		{"update invalid date", http.MethodPost, "/update", map[string]any{"token": token, "performance_date": 0}, http.StatusBadRequest},
		{"unknown performance", http.MethodGet, "/events/ZZZZZZ", nil, http.StatusNotFound},
		{"status without value", http.MethodPost, "/events/ZZZZZZ/status", map[string]any{"token": token}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := doJSON(t, tt.method, srv.URL+tt.path, tt.body)
			assert.Equal(t, tt.want, status)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestREST_AcceptsISODate(t *testing.T) {
	srv := newTestServer(t)
	start := time.Now().UTC().Add(time.Hour).Truncate(time.Second)

	status, body := doJSON(t, http.MethodPost, srv.URL+"/register", map[string]any{
		"artist":           "Jon Hopkins",
		"title":            "Singularity",
		"performance_date": start.Format("2006-01-02T15:04:05.000000"),
		"duration":         45,
	})
	require.Equal(t, http.StatusCreated, status, body)
	assert.Equal(t, float64(start.Unix()), body["performance_date"])
	assert.Equal(t, float64(45), body["duration"])
}

func TestWebSocket_SubscribeAndPublish(t *testing.T) {
	srv := newTestServer(t)

	artist := dial(t, srv, "/")
	send(t, artist, map[string]any{"action": "register", "artist": "Nils Frahm", "title": "Says"})
	registered := readAction(t, artist, "register")
	id := registered["performance_id"].(string)
	token := registered["token"].(string)

	listener := dial(t, srv, "/ws")
	send(t, listener, map[string]any{"action": "subscribe", "performance_id": id})
	count := readAction(t, listener, "subscriber_count_update")
	assert.Equal(t, float64(1), count["active_subscriptions"])
	statusPush := readAction(t, listener, "performance_status_update")
	assert.Equal(t, float64(0), statusPush["status"])

	send(t, artist, map[string]any{"action": "publish", "token": token, "heartrate": 112})
	ack := readAction(t, artist, "publish")
	assert.Equal(t, "success", ack["status"])
	assert.Equal(t, float64(1), ack["subscribers"])

	rate := readAction(t, listener, "heartrate_update")
	assert.Equal(t, float64(112), rate["heartrate"])
	assert.Equal(t, id, rate["performance_id"])

	send(t, artist, map[string]any{"action": "update", "token": token, "title": "Says (Live)"})
	updated := readAction(t, artist, "update")
	assert.Equal(t, "Says (Live)", updated["title"])
	assert.NotEqual(t, token, updated["token"])

	status, _ := doJSON(t, http.MethodPost, srv.URL+"/events/"+id+"/status", map[string]any{"token": updated["token"], "status": 1})
	require.Equal(t, http.StatusOK, status)
	statusPush = readAction(t, listener, "performance_status_update")
	assert.Equal(t, float64(1), statusPush["status"])
}

func TestWebSocket_Errors(t *testing.T) {
	srv := newTestServer(t)
	conn := dial(t, srv, "/")

	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{"invalid json", `{not json`, "invalid message"},
		{"unknown action", `{"action":"dance"}`, "unknown action"},
		{"missing action", `{"performance_id":"K7QX2M"}`, "unknown action"},
		{"subscribe unknown", `{"action":"subscribe","performance_id":"ZZZZZZ"}`, "performance not found"},
		{"publish bogus token", `{"action":"publish","token":"bogus_token","heartrate":80}`, "invalid token"},
		{"register invalid", `{"action":"register","artist":"","title":"t"}`, "artist is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(tt.payload)))
			msg := readAction(t, conn, "error")
			assert.Equal(t, tt.want, msg["error"])
		})
	}
}

func TestWebSocket_DisconnectUpdatesCount(t *testing.T) {
	srv := newTestServer(t)
	id, _ := registerPerformance(t, srv, "Burial")

	stayer := dial(t, srv, "/")
	send(t, stayer, map[string]any{"action": "subscribe", "performance_id": id})
	readAction(t, stayer, "performance_status_update")

	leaver := dial(t, srv, "/")
	send(t, leaver, map[string]any{"action": "subscribe", "performance_id": id})
	count := readAction(t, stayer, "subscriber_count_update")
	require.Equal(t, float64(2), count["active_subscriptions"])

	require.NoError(t, leaver.Close())

	count = readAction(t, stayer, "subscriber_count_update")
	assert.Equal(t, float64(1), count["active_subscriptions"])
}

func TestWebSocket_ListenerLeavesMidStream(t *testing.T) {
	const listeners, samples, leaveAfter = 3, 6, 2
	srv := newTestServer(t)
	id, token := registerPerformance(t, srv, "Kelly Lee Owens")

	conns := make([]*websocket.Conn, listeners)
	for i := range conns {
		conns[i] = dial(t, srv, "/")
		send(t, conns[i], map[string]any{"action": "subscribe", "performance_id": id})
		readAction(t, conns[i], "performance_status_update")
	}

	publisher := dial(t, srv, "/")
	publish := func(heartrate int) float64 {
		send(t, publisher, map[string]any{"action": "publish", "token": token, "heartrate": heartrate})
		ack := readAction(t, publisher, "publish")
		require.Equal(t, "success", ack["status"], ack)
		return ack["subscribers"].(float64)
	}

	var sent []int
	for k := 0; k < leaveAfter; k++ {
		assert.Equal(t, float64(listeners), publish(60+k))
		sent = append(sent, 60+k)
	}
	for _, conn := range conns {
		assert.Equal(t, sent, readHeartrates(t, conn, leaveAfter))
	}

	require.NoError(t, conns[0].Close())
	survivors := conns[1:]
	for _, conn := range survivors {
		count := readAction(t, conn, "subscriber_count_update")
		require.Equal(t, float64(listeners-1), count["active_subscriptions"])
	}

	for k := leaveAfter; k < samples; k++ {
		assert.Equal(t, float64(listeners-1), publish(60+k))
		sent = append(sent, 60+k)
	}

	total := 0
	for _, conn := range survivors {
		got := readHeartrates(t, conn, samples-leaveAfter)
		assert.Equal(t, sent[leaveAfter:], got)
		total += leaveAfter + len(got)

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
		_, extra, err := conn.ReadMessage()
		assert.Error(t, err, "unexpected frame %s", extra)
	}
	assert.Equal(t, (listeners-1)*samples, total)
}

func TestWebSocket_RegisterSharesRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitPerMinute = 2
	srv := newTestServerWithConfig(t, cfg)
	conn := dial(t, srv, "/")

	for i := 0; i < 2; i++ {
		send(t, conn, map[string]any{"action": "register", "artist": "Ólafur Arnalds", "title": "re:member"})
		readAction(t, conn, "register")
	}

	send(t, conn, map[string]any{"action": "register", "artist": "Ólafur Arnalds", "title": "re:member"})
	msg := readAction(t, conn, "error")
	assert.Equal(t, "rate limit exceeded", msg["error"])

	status, body := doJSON(t, http.MethodPost, srv.URL+"/register", map[string]any{"artist": "a", "title": "t"})
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "rate limit exceeded", body["error"])
}

func TestWebSocket_FanOutIsolation(t *testing.T) {
	const performances, listenersEach = 2, 3
	srv := newTestServer(t)

	type group struct {
		id, token string
		listeners []*websocket.Conn
	}
	groups := make([]group, performances)
	for i := range groups {
		groups[i].id, groups[i].token = registerPerformance(t, srv, fmt.Sprintf("artist-%d", i))
		for j := 0; j < listenersEach; j++ {
			conn := dial(t, srv, "/")
			send(t, conn, map[string]any{"action": "subscribe", "performance_id": groups[i].id})
			readAction(t, conn, "performance_status_update")
			groups[i].listeners = append(groups[i].listeners, conn)
		}
	}

	publisher := dial(t, srv, "/")
	for i, g := range groups {
		send(t, publisher, map[string]any{"action": "publish", "token": g.token, "heartrate": 70 + i})
		ack := readAction(t, publisher, "publish")
		assert.Equal(t, float64(listenersEach), ack["subscribers"])
	}

	for i, g := range groups {
		for _, conn := range g.listeners {
			rate := readAction(t, conn, "heartrate_update")
			assert.Equal(t, g.id, rate["performance_id"])
			assert.Equal(t, float64(70+i), rate["heartrate"])
		}
	}
}

func TestSSE_StreamsPushes(t *testing.T) {
	srv := newTestServer(t)
	id, _ := registerPerformance(t, srv, "Four Tet")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events/"+id+"/stream", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: {") && strings.Contains(line, "performance_status_update") {
			return
		}
	}
	t.Fatal("stream ended before a status push arrived")
}

func TestSSE_UnknownPerformance(t *testing.T) {
	srv := newTestServer(t)

	status, body := doJSON(t, http.MethodGet, srv.URL+"/events/ZZZZZZ/stream", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "performance not found", body["error"])
}
