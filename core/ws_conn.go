package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one live websocket session bound to a verified identity for its
// whole lifetime.
type Conn struct {
	ID       int
	Identity Identity

	conn    *websocket.Conn
	manager *ConnManager
	logger  *slog.Logger

	// mu guards send and closed. send is closed exactly once.
	mu     sync.Mutex
	send   chan *Event
	closed bool

	// rooms is the set of rooms joined through this connection.
	// It is guarded by the manager's lock.
	rooms map[string]struct{}
}

// Send queues e for delivery without blocking. A connection that cannot keep
// up is closed and Send reports false.
func (c *Conn) Send(e *Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- e:
		return true
	default:
		c.logger.Warn("send buffer full, closing connection")
		c.closed = true
		close(c.send)
		return false
	}
}

// close stops the write loop, which sends a close frame to the peer.
func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Conn) readLoop(ctx context.Context, maxMessageSize int64) {
	c.logger.Debug("read loop started")
	defer func() {
		c.manager.Disconnect(c)
		c.conn.Close()
		c.logger.Debug("read loop stopped")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		format, r, err := c.conn.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info(fmt.Sprintf("expected close: %v", err))
				return
			}
			if websocket.IsUnexpectedCloseError(err) {
				c.logger.Error(fmt.Sprintf("unexpected close: %v", err))
				return
			}
			c.logger.Debug(fmt.Sprintf("NextReader: %v", err))
			return
		}

		if format != websocket.TextMessage {
			c.logger.Error(fmt.Sprintf("unexpected message format: %v", format))
			continue
		}

		var event Event
		if err := DecodeEvent(r, &event); err != nil {
			c.logger.Debug(err.Error())
			c.Send(NewErrorEvent(ErrInvalidPayload.Withf("malformed event: %v", err), ""))
			continue
		}

		c.logger.Debug(event.String())

		// events of one connection are handled in the order they arrive
		c.manager.onEvent(ctx, c, &event)
	}
}

func (c *Conn) writeLoop(ctx context.Context) {
	c.logger.Debug("write loop started")
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.logger.Debug("write loop stopped")
	}()

	for {
		select {
		case e, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				c.logger.Debug("sending close message")
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.logger.Error(fmt.Sprintf("getting next writer: %v", err))
				return
			}
			if err := EncodeEvent(w, e); err != nil {
				c.logger.Error(err.Error())
			}
			if err := w.Close(); err != nil {
				c.logger.Error(fmt.Sprintf("flushing writer: %v", err))
				return
			}
		case <-ctx.Done():
			c.logger.Debug("context done")
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Error(fmt.Sprintf("writing ping: %v", err))
				return
			}
		}
	}
}
