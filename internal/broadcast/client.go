package broadcast

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10

	// inbound frames per second a client may send
	inboundRate  = 10
	inboundBurst = 20
)

// client is one attached overlay socket
type client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	limiter   *rate.Limiter
	connected time.Time
}

func newClient(h *Hub, conn *websocket.Conn) *client {
	return &client{
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, h.buffer),
		limiter:   rate.NewLimiter(inboundRate, inboundBurst),
		connected: time.Now(),
	}
}

// readPump reads until the socket closes, then detaches the client. It is
// the only place a client is removed.
func (c *client) readPump(ctx context.Context) {
	defer func() {
		c.hub.detach(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if kind != websocket.TextMessage {
			continue
		}
		if !c.limiter.Allow() {
			c.hub.log.Debug("Client over inbound rate, dropping frame")
			continue
		}
		if c.hub.inbound != nil {
			c.hub.inbound(ctx, data)
		}
	}
}

// writePump drains the send queue onto the socket and keeps it alive with
// pings. It exits when the hub closes the queue or a write fails.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
