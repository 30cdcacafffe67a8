package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/user/playhost/internal/broadcast"
	"github.com/user/playhost/internal/log"
)

const (
	sendBufferSize = 32
	readLimit      = 32768
	pingInterval   = 30 * time.Second
)

type Client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	sub    *broadcast.Subscriber
	cancel context.CancelFunc

	sendMu   sync.Mutex
	released bool
}

func newClient(conn *websocket.Conn, hub *Hub, sub *broadcast.Subscriber, cancel context.CancelFunc) *Client {
	return &Client{
		id:     sub.ID(),
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		hub:    hub,
		sub:    sub,
		cancel: cancel,
	}
}

// release drops the subscription and closes the send queue. It is safe to
// call more than once.
func (c *Client) release() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.released {
		return
	}
	c.released = true
	c.cancel()
	close(c.send)
}

// sendFrame queues a reply to one client request. Replies are not stream
// events and do not count against the subscriber budget.
func (c *Client) sendFrame(f Frame) {
	data, err := encodeFrame(f)
	if err != nil {
		c.hub.logger.Warn().Err(err).Str(log.FieldEvent, f.Name).Msg("encode frame failed")
		return
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.released {
		return
	}
	select {
	case c.send <- data:
	default:
		c.hub.logger.Warn().Str(log.FieldSubscriberID, c.id).Msg("client send buffer full, dropping frame")
	}
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregisterClient(c)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	c.conn.SetReadLimit(readLimit)

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				c.hub.logger.Debug().Err(err).Str(log.FieldSubscriberID, c.id).Msg("client read ended")
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.hub.SendError(c, "INVALID_MESSAGE", "invalid message format")
			continue
		}

		switch msg.Type {
		case "action":
			c.hub.handleAction(c, msg)
		case "ping":
			if !c.sub.Ping() {
				c.hub.logger.Debug().Str(log.FieldSubscriberID, c.id).Msg("ping reply dropped, budget spent")
			}
		default:
			c.hub.SendError(c, "INVALID_MESSAGE", "unknown message type: "+msg.Type)
		}
	}
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	events := c.sub.Events()
	for {
		select {
		case <-ctx.Done():
			c.conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case <-ticker.C:
			if err := c.conn.Ping(ctx); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				data, _ := encodeFrame(Frame{Name: EventEnd, Data: map[string]any{}})
				_ = c.conn.Write(ctx, websocket.MessageText, data)
				c.conn.Close(websocket.StatusNormalClosure, "session ended")
				return
			}
			data, err := encodeFrame(ev)
			if err != nil {
				continue
			}
			if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		}
	}
}
