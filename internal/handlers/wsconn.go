package handlers

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/heartbridge/backend/internal/broker"
)

const (
	writeWait    = 5 * time.Second
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
)

// wsConn owns the write side of a realtime connection. Every outgoing frame,
// replies and broadcasts alike, goes through sendCh to a single writer
// goroutine. It implements broker.Subscriber.
type wsConn struct {
	id       string
	clientIP string
	conn     *websocket.Conn
	sendCh   chan []byte
	done     chan struct{}

	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newWSConn(id string, conn *websocket.Conn, bufferSize int) *wsConn {
	c := &wsConn{
		id:     id,
		conn:   conn,
		sendCh: make(chan []byte, bufferSize),
		done:   make(chan struct{}),
	}
	c.extendReadDeadline()
	conn.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})

	c.wg.Add(1)
	go c.run()
	return c
}

func (c *wsConn) ID() string { return c.id }

// Send queues msg without blocking. A connection that cannot keep up is
// closed rather than allowed to stall the broadcaster.
func (c *wsConn) Send(msg []byte) error {
	select {
	case <-c.done:
		return broker.ErrSubscriberClosed
	default:
	}

	select {
	case c.sendCh <- msg:
		return nil
	default:
		slog.Warn("closing slow realtime connection", slog.String("connection_id", c.id))
		c.shutdown()
		return broker.ErrSubscriberSlow
	}
}

// reply encodes v and queues it for this connection only.
func (c *wsConn) reply(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode reply", slog.String("connection_id", c.id), slog.Any("error", err))
		return
	}
	_ = c.Send(payload)
}

func (c *wsConn) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.sendCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.shutdown()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) extendReadDeadline() {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
}

// shutdown signals the writer to exit and closes the socket without waiting.
func (c *wsConn) shutdown() {
	c.stopOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// stop shuts the connection down and waits for the writer to exit.
func (c *wsConn) stop() {
	c.shutdown()
	c.wg.Wait()
}
