package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"collabtext/realtime/internal/metrics"
)

const (
	writeWait    = 10 * time.Second
	maxFrameSize = 16 << 20
)

// wsConn is the part of *websocket.Conn a connection uses.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// connection is one upgraded client. Frames are queued on send and written
// by writePump; a full queue terminates the connection.
type connection struct {
	id      string
	ws      wsConn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	alive   atomic.Bool
	log     *zap.Logger
	metrics *metrics.Metrics
}

func newConnection(id string, ws wsConn, buffer int, logger *zap.Logger, m *metrics.Metrics) *connection {
	c := &connection{
		id:      id,
		ws:      ws,
		send:    make(chan []byte, buffer),
		done:    make(chan struct{}),
		log:     logger,
		metrics: m,
	}
	c.alive.Store(true)
	ws.SetReadLimit(maxFrameSize)
	ws.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})
	return c
}

// Send queues frame without blocking.
func (c *connection) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		c.log.Warn("send queue full, closing slow connection")
		c.terminate("send_queue_full")
		return false
	}
}

// terminate closes the transport. The reader then fails and detaches.
func (c *connection) terminate(reason string) {
	c.once.Do(func() {
		if reason != "" {
			c.metrics.Terminated.WithLabelValues(reason).Inc()
		}
		close(c.done)
		_ = c.ws.Close()
	})
}

// closeWith sends a close frame with code and reason, then terminates.
func (c *connection) closeWith(code int, text, reason string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.terminate(reason)
}

func (c *connection) ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *connection) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *connection) writePump() {
	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				c.terminate("write_error")
				return
			}
		case <-c.done:
			return
		}
	}
}
