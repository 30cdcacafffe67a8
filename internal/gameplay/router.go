package gameplay

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/user/playhost/internal/bus"
	"github.com/user/playhost/internal/device"
	"github.com/user/playhost/internal/log"
	"github.com/user/playhost/internal/metrics"
)

// MessageFeed delivers inbound bus messages. bus.Client satisfies it.
type MessageFeed interface {
	OnMessage(h bus.Handler)
}

// ChangeFeed delivers device property changes. *device.Service satisfies it.
type ChangeFeed interface {
	OnDataChange(h func(device.DataChange))
}

// Router demultiplexes bus messages and property changes to the listeners of
// the active session. It holds no session state of its own: every dispatch
// asks the scheduler for the current session.
type Router struct {
	sessions func() *Session
	topics   bus.Topics
	once     sync.Once
	logger   zerolog.Logger
}

func newRouter(sessions func() *Session, topics bus.Topics) *Router {
	return &Router{
		sessions: sessions,
		topics:   topics,
		logger:   log.WithComponent("router"),
	}
}

// Register subscribes the router to both feeds. Only the first call has any
// effect; later calls are ignored.
func (r *Router) Register(messages MessageFeed, changes ChangeFeed) {
	r.once.Do(func() {
		if messages != nil {
			messages.OnMessage(r.HandleMessage)
		}
		if changes != nil {
			changes.OnDataChange(r.HandleChange)
		}
		r.logger.Info().Bool("messages", messages != nil).Bool("changes", changes != nil).Msg("event router registered")
	})
}

// HandleMessage routes one bus message to message listeners.
func (r *Router) HandleMessage(msg bus.Message) {
	const kind = "message"
	sess := r.sessions()
	if sess == nil {
		metrics.IncRouterEvent(kind, "no_session")
		return
	}
	deviceID, ok := r.topics.DeviceFromReport(msg.Topic)
	if !ok {
		metrics.IncRouterEvent(kind, "foreign_topic")
		return
	}
	logicalIDs := sess.binding.LogicalIDs(deviceID)
	if len(logicalIDs) == 0 {
		metrics.IncRouterEvent(kind, "unmapped")
		return
	}
	payload, ok := bus.DecodeObject(msg.Payload)
	if !ok {
		metrics.IncRouterEvent(kind, "malformed")
		return
	}
	if _, ok := payload["method"]; !ok {
		metrics.IncRouterEvent(kind, "malformed")
		return
	}

	delivered := sess.dispatch(func() {
		for _, logicalID := range logicalIDs {
			mctx := MessageContext{LogicalID: logicalID, DeviceID: deviceID, Topic: msg.Topic}
			for _, fn := range sess.listeners.Messages(logicalID) {
				if err := guard(func() error { return fn(payload, mctx) }); err != nil {
					metrics.ListenerErrorsTotal.WithLabelValues(kind).Inc()
					sess.log.write("warn", "device message listener failed", map[string]any{"logicalId": logicalID, "error": err.Error()})
				}
			}
		}
	})
	if !delivered {
		metrics.IncRouterEvent(kind, "session_closed")
		return
	}
	metrics.IncRouterEvent(kind, "delivered")
}

// HandleChange routes each changed property to its property listeners.
func (r *Router) HandleChange(change device.DataChange) {
	const kind = "property"
	sess := r.sessions()
	if sess == nil {
		metrics.IncRouterEvent(kind, "no_session")
		return
	}
	logicalIDs := sess.binding.LogicalIDs(change.DeviceID)
	if len(logicalIDs) == 0 {
		metrics.IncRouterEvent(kind, "unmapped")
		return
	}

	delivered := sess.dispatch(func() {
		for _, logicalID := range logicalIDs {
			for property, c := range change.Changes {
				pctx := PropertyContext{LogicalID: logicalID, DeviceID: change.DeviceID, Property: property}
				for _, fn := range sess.listeners.Properties(logicalID, property) {
					if err := guard(func() error { return fn(c.New, c.Old, pctx) }); err != nil {
						metrics.ListenerErrorsTotal.WithLabelValues(kind).Inc()
						sess.log.write("warn", "device property listener failed", map[string]any{"logicalId": logicalID, "property": property, "error": err.Error()})
					}
				}
			}
		}
	})
	if !delivered {
		metrics.IncRouterEvent(kind, "session_closed")
		return
	}
	metrics.IncRouterEvent(kind, "delivered")
}

// guard runs one listener, turning a panic into an error so the remaining
// listeners still run.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panicked: %v", r)
		}
	}()
	return fn()
}
