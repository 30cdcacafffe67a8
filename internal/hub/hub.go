// Package hub serves the session stream over websockets. Each connection
// holds one broadcaster subscription and may submit actions.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/user/playhost/internal/broadcast"
	"github.com/user/playhost/internal/gameplay"
	"github.com/user/playhost/internal/log"
)

// Stream hands out broadcaster subscriptions. *broadcast.Broadcaster
// satisfies it.
type Stream interface {
	Subscribe(ctx context.Context) *broadcast.Subscriber
}

// ActionFunc performs an operator action against the running session.
type ActionFunc func(action string, payload any) (any, error)

type Hub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	stream     Stream
	onAction   ActionFunc
	token      string
	mu         sync.RWMutex
	ctxWrap    *ctxWrapper
	running    atomic.Bool
	logger     zerolog.Logger
}

type ctxWrapper struct {
	ctx context.Context
}

// New returns a hub streaming from stream. An empty token disables the
// token check.
func New(stream Stream, token string, onAction ActionFunc) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		stream:     stream,
		onAction:   onAction,
		token:      token,
		ctxWrap:    &ctxWrapper{ctx: context.Background()},
		logger:     log.WithComponent("hub"),
	}
}

func (h *Hub) getContext() context.Context {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.ctxWrap != nil {
		return h.ctxWrap.ctx
	}
	return context.Background()
}

func (h *Hub) Run(ctx context.Context) {
	h.mu.Lock()
	h.ctxWrap = &ctxWrapper{ctx: ctx}
	h.mu.Unlock()
	h.running.Store(true)
	defer h.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, c := range h.clients {
				c.release()
			}
			h.clients = make(map[string]*Client)
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			h.mu.Unlock()
			go c.writePump(h.getContext())
			go c.readPump(h.getContext())
			h.logger.Info().Str(log.FieldSubscriberID, c.id).Int("clients", h.ClientCount()).Msg("stream client connected")

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				c.release()
			}
			h.mu.Unlock()
			h.logger.Info().Str(log.FieldSubscriberID, c.id).Int("clients", h.ClientCount()).Msg("stream client disconnected")
		}
	}
}

// HandleWebSocket upgrades the request and subscribes the connection to the
// stream. Callers check that a session is running first.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.token != "" && r.URL.Query().Get("token") != h.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket accept failed")
		return
	}

	subCtx, cancel := context.WithCancel(context.Background())
	client := newClient(conn, h, h.stream.Subscribe(subCtx), cancel)

	select {
	case h.register <- client:
	default:
		h.logger.Warn().Msg("hub not accepting connections")
		client.release()
		conn.Close(websocket.StatusTryAgainLater, "server busy")
	}
}

func (h *Hub) handleAction(c *Client, msg ClientMessage) {
	res := ActionResultMessage{ID: msg.ID}
	if h.onAction == nil {
		res.Error = &ErrorBody{Code: gameplay.CodeActionNotSupported, Message: "actions are not accepted on this stream"}
		c.sendFrame(Frame{Name: EventActionResult, Data: res})
		return
	}
	result, err := h.onAction(msg.Action, msg.Payload)
	if err != nil {
		code := gameplay.CodeOf(err)
		if code == "" {
			code = gameplay.CodeActionFailed
		}
		res.Error = &ErrorBody{Code: code, Message: err.Error()}
	} else {
		res.OK = true
		res.Result = result
	}
	c.sendFrame(Frame{Name: EventActionResult, Data: res})
}

func (h *Hub) SendError(c *Client, code, message string) {
	c.sendFrame(Frame{Name: EventError, Data: ErrorBody{Code: code, Message: message}})
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) isRunning() bool {
	return h.running.Load()
}

func (h *Hub) unregisterClient(c *Client) {
	if !h.isRunning() {
		c.release()
		c.conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	select {
	case h.unregister <- c:
	default:
		h.logger.Warn().Str(log.FieldSubscriberID, c.id).Msg("unregister channel full, forcing close")
		c.release()
		c.conn.Close(websocket.StatusNormalClosure, "")
	}
}

func encodeFrame(f Frame) ([]byte, error) {
	return json.Marshal(f)
}
