// Package broadcast fans session output out to stream subscribers.
//
// Every subscriber gets its own pending buffers and its own event budget.
// State and UI deltas are merged while they wait and are never dropped; log
// and ping events are dropped when the budget is spent.
package broadcast

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/user/playhost/internal/log"
	"github.com/user/playhost/internal/metrics"
)

const (
	DefaultBudget        = 10
	DefaultWindow        = time.Second
	DefaultFlushInterval = 100 * time.Millisecond
	DefaultPingInterval  = 10 * time.Second
	defaultBufferSize    = 64
)

// Event names.
const (
	EventHello = "hello"
	EventState = "state"
	EventUI    = "ui"
	EventLog   = "log"
	EventPing  = "ping"
)

// Event is one stream message.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

type Config struct {
	// Budget caps events per subscriber per Window.
	Budget        int
	Window        time.Duration
	FlushInterval time.Duration
	PingInterval  time.Duration
	BufferSize    int
	// Snapshot returns the session part of the hello payload.
	Snapshot func() map[string]any
	Now      func() time.Time
}

// Broadcaster implements the session output sink and owns all subscribers.
type Broadcaster struct {
	budget        int
	window        time.Duration
	flushInterval time.Duration
	pingInterval  time.Duration
	bufferSize    int
	snapshot      func() map[string]any
	now           func() time.Time
	logger        zerolog.Logger

	mu    sync.Mutex
	subs  map[string]*Subscriber
	state map[string]any
	ui    map[string]any
}

func New(cfg Config) *Broadcaster {
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultBudget
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Broadcaster{
		budget:        cfg.Budget,
		window:        cfg.Window,
		flushInterval: cfg.FlushInterval,
		pingInterval:  cfg.PingInterval,
		bufferSize:    cfg.BufferSize,
		snapshot:      cfg.Snapshot,
		now:           cfg.Now,
		logger:        log.WithComponent("broadcast"),
		subs:          make(map[string]*Subscriber),
		state:         make(map[string]any),
		ui:            newUI(),
	}
}

// SetSnapshot replaces the session snapshot source. It is meant for wiring
// before the first Subscribe.
func (b *Broadcaster) SetSnapshot(fn func() map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = fn
}

// Subscriber is one stream consumer. Events is closed when the subscriber
// is released, either by ctx ending or by the session ending.
type Subscriber struct {
	id     string
	b      *Broadcaster
	events chan Event
	quit   chan struct{}
	done   chan struct{}

	// guarded by b.mu
	pendingState map[string]any
	pendingUI    map[string]any
	windowStart  time.Time
	sent         int
	closed       bool
}

func (s *Subscriber) ID() string { return s.id }

func (s *Subscriber) Events() <-chan Event { return s.events }

// Done is closed once the subscriber's timers have stopped.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Subscribe registers a subscriber and queues its hello event. The
// subscriber is released when ctx ends.
func (b *Broadcaster) Subscribe(ctx context.Context) *Subscriber {
	b.mu.Lock()
	snapFn := b.snapshot
	b.mu.Unlock()
	var session map[string]any
	if snapFn != nil {
		session = snapFn()
	}

	s := &Subscriber{
		id:           uuid.NewString(),
		b:            b,
		events:       make(chan Event, b.bufferSize),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
		pendingState: make(map[string]any),
		pendingUI:    make(map[string]any),
	}

	b.mu.Lock()
	b.subs[s.id] = s
	snapshot := make(map[string]any, len(session)+2)
	maps.Copy(snapshot, session)
	snapshot["state"] = maps.Clone(b.state)
	snapshot["ui"] = cloneUI(b.ui)
	b.send(s, Event{Name: EventHello, Data: map[string]any{"snapshot": snapshot}})
	count := len(b.subs)
	b.mu.Unlock()

	metrics.StreamSubscribers.Inc()
	b.logger.Debug().Str(log.FieldSubscriberID, s.id).Int("subscribers", count).Msg("subscriber added")
	go s.pump(ctx)
	return s
}

func (s *Subscriber) pump(ctx context.Context) {
	defer close(s.done)
	flush := time.NewTicker(s.b.flushInterval)
	defer flush.Stop()
	ping := time.NewTicker(s.b.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			s.b.release(s)
			return
		case <-s.quit:
			return
		case <-flush.C:
			s.b.flush(s)
		case <-ping.C:
			s.b.ping(s)
		}
	}
}

// send queues ev if the subscriber has budget and buffer room. b.mu must be
// held.
func (b *Broadcaster) send(s *Subscriber, ev Event) bool {
	if s.closed {
		return false
	}
	now := b.now()
	if s.windowStart.IsZero() || now.Sub(s.windowStart) >= b.window {
		s.windowStart = now
		s.sent = 0
	}
	if s.sent >= b.budget {
		return false
	}
	select {
	case s.events <- ev:
		s.sent++
		metrics.StreamEventsTotal.WithLabelValues(ev.Name).Inc()
		return true
	default:
		metrics.IncStreamDrop(ev.Name, "buffer_full")
		return false
	}
}

func (b *Broadcaster) flush(s *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked(s)
}

// flushLocked emits at most one state and one ui event, state first.
func (b *Broadcaster) flushLocked(s *Subscriber) {
	if len(s.pendingState) > 0 && b.send(s, Event{Name: EventState, Data: s.pendingState}) {
		s.pendingState = make(map[string]any)
	}
	if len(s.pendingUI) > 0 && b.send(s, Event{Name: EventUI, Data: s.pendingUI}) {
		s.pendingUI = make(map[string]any)
	}
}

// FlushAll runs one flush for every subscriber.
func (b *Broadcaster) FlushAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		b.flushLocked(s)
	}
}

func (b *Broadcaster) ping(s *Subscriber) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.send(s, Event{Name: EventPing, Data: map[string]any{"ts": b.now().UnixMilli()}}) {
		metrics.IncStreamDrop(EventPing, "budget")
		return false
	}
	return true
}

// Ping answers a client ping with a ping event charged to the subscriber's
// budget. It reports false when the reply was dropped.
func (s *Subscriber) Ping() bool {
	return s.b.ping(s)
}

// EmitState merges delta into the accumulated state and every subscriber's
// pending state.
func (b *Broadcaster) EmitState(delta map[string]any) {
	if len(delta) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	maps.Copy(b.state, delta)
	for _, s := range b.subs {
		maps.Copy(s.pendingState, delta)
	}
}

// EmitUI merges a UI delta. A "fields" object is merged field by field;
// other keys replace.
func (b *Broadcaster) EmitUI(delta map[string]any) {
	if len(delta) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	mergeUI(b.ui, delta)
	for _, s := range b.subs {
		mergeUI(s.pendingUI, delta)
	}
}

// EmitLog sends a log event now, or drops it when a subscriber is out of
// budget.
func (b *Broadcaster) EmitLog(level, message string, extra map[string]any) {
	if extra == nil {
		extra = map[string]any{}
	}
	ev := Event{Name: EventLog, Data: map[string]any{
		"ts":      b.now().UnixMilli(),
		"level":   level,
		"message": message,
		"extra":   extra,
	}}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		if !b.send(s, ev) {
			metrics.IncStreamDrop(EventLog, "budget")
		}
	}
}

// EndSession releases every subscriber and resets the accumulated
// snapshot.
func (b *Broadcaster) EndSession() {
	n := b.CloseAll()
	b.mu.Lock()
	b.state = make(map[string]any)
	b.ui = newUI()
	b.mu.Unlock()
	b.logger.Info().Int("subscribers", n).Msg("session ended, stream closed")
}

// CloseAll releases every subscriber and returns how many there were.
func (b *Broadcaster) CloseAll() int {
	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		b.release(s)
	}
	return len(subs)
}

// Count returns the number of live subscribers.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broadcaster) release(s *Subscriber) {
	b.mu.Lock()
	if s.closed {
		b.mu.Unlock()
		return
	}
	s.closed = true
	delete(b.subs, s.id)
	close(s.events)
	close(s.quit)
	s.pendingState = nil
	s.pendingUI = nil
	b.mu.Unlock()

	metrics.StreamSubscribers.Dec()
	b.logger.Debug().Str(log.FieldSubscriberID, s.id).Msg("subscriber released")
}

func newUI() map[string]any {
	return map[string]any{"fields": map[string]any{}}
}

func mergeUI(dst, delta map[string]any) {
	for k, v := range delta {
		fields, ok := v.(map[string]any)
		if k != "fields" || !ok {
			dst[k] = v
			continue
		}
		cur, _ := dst["fields"].(map[string]any)
		merged := make(map[string]any, len(cur)+len(fields))
		maps.Copy(merged, cur)
		maps.Copy(merged, fields)
		dst["fields"] = merged
	}
}

func cloneUI(ui map[string]any) map[string]any {
	out := maps.Clone(ui)
	if fields, ok := ui["fields"].(map[string]any); ok {
		out["fields"] = maps.Clone(fields)
	}
	return out
}
