package gameplay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/user/playhost/internal/bus"
	"github.com/user/playhost/internal/devicetype"
	"github.com/user/playhost/internal/log"
	"github.com/user/playhost/internal/metrics"
)

const (
	DefaultTickInterval = time.Second
	DefaultSlowTick     = 800 * time.Millisecond
	DefaultStopGrace    = 5 * time.Second

	recordTimeout = 5 * time.Second
)

// ModuleLoader produces validated modules. *Loader satisfies it.
type ModuleLoader interface {
	Load(ctx context.Context, path string) (Module, error)
}

// RunRecord summarizes a finished session.
type RunRecord struct {
	SessionID string
	GameID    string
	Title     string
	StartedAt time.Time
	EndedAt   time.Time
	Duration  time.Duration
	Reason    string
}

// RunRecorder persists finished sessions.
type RunRecorder interface {
	RecordRun(ctx context.Context, rec RunRecord) error
}

// DeviceSource is a device registry that also publishes property changes.
type DeviceSource interface {
	DeviceRegistry
	ChangeFeed
}

type SchedulerConfig struct {
	Loader       ModuleLoader
	Devices      DeviceSource
	Capabilities Capabilities
	Bus          bus.Client
	Topics       bus.Topics
	Broadcaster  Broadcaster
	Sink         log.Sink
	Runs         RunRecorder
	TickInterval time.Duration
	SlowTick     time.Duration
	// StopGrace is how long Stop waits for a running tick before
	// interrupting module code.
	StopGrace time.Duration
	Now       func() time.Time
}

// StartRequest asks the scheduler to run the module at Source.
type StartRequest struct {
	GameID     string
	Source     string
	Mapping    map[string]any
	Parameters map[string]any
}

type StartResult struct {
	SessionID string    `json:"sessionId"`
	Title     string    `json:"title"`
	StartTime time.Time `json:"startTime"`
}

type StopResult struct {
	Stopped  bool          `json:"stopped"`
	Duration time.Duration `json:"-"`
}

// Scheduler owns the single active session and its tick loop.
type Scheduler struct {
	loader    ModuleLoader
	devices   DeviceSource
	caps      Capabilities
	bus       bus.Client
	topics    bus.Topics
	out       Broadcaster
	sink      log.Sink
	runs      RunRecorder
	tick      time.Duration
	slowTick  time.Duration
	stopGrace time.Duration
	now       func() time.Time
	router    *Router
	logger    zerolog.Logger

	mu       sync.Mutex
	current  *Session
	starting bool
}

func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Capabilities == nil {
		cfg.Capabilities = devicetype.Default()
	}
	if cfg.Topics.ReportPrefix == "" || cfg.Topics.CommandPrefix == "" {
		cfg.Topics = bus.DefaultTopics()
	}
	if cfg.Sink == nil {
		cfg.Sink = log.NopSink{}
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.SlowTick <= 0 {
		cfg.SlowTick = DefaultSlowTick
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Scheduler{
		loader:    cfg.Loader,
		devices:   cfg.Devices,
		caps:      cfg.Capabilities,
		bus:       cfg.Bus,
		topics:    cfg.Topics,
		out:       cfg.Broadcaster,
		sink:      cfg.Sink,
		runs:      cfg.Runs,
		tick:      cfg.TickInterval,
		slowTick:  cfg.SlowTick,
		stopGrace: cfg.StopGrace,
		now:       cfg.Now,
		logger:    log.WithComponent("scheduler"),
	}
	s.router = newRouter(s.active, cfg.Topics)
	return s
}

// Router returns the process-wide event router bound to this scheduler.
func (s *Scheduler) Router() *Router { return s.router }

// EnsureRouter registers the router with the bus and device feeds once.
func (s *Scheduler) EnsureRouter() {
	var messages MessageFeed
	if s.bus != nil {
		messages = s.bus
	}
	var changes ChangeFeed
	if s.devices != nil {
		changes = s.devices
	}
	s.router.Register(messages, changes)
}

// active returns the session that events may be routed to, or nil.
func (s *Scheduler) active() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	switch s.current.state {
	case StateRunning, StatePaused:
		return s.current
	default:
		return nil
	}
}

// Start loads the module, binds and validates devices and runs the module's
// start hook. On success the tick loop is running when Start returns.
func (s *Scheduler) Start(ctx context.Context, req StartRequest) (StartResult, error) {
	s.mu.Lock()
	if s.current != nil || s.starting {
		s.mu.Unlock()
		s.sink.Write("error", logScope, "a game is already running")
		metrics.SessionsTotal.WithLabelValues(CodeAlreadyRunning).Inc()
		return StartResult{}, newError(CodeAlreadyRunning, "a game is already running", nil)
	}
	s.starting = true
	s.mu.Unlock()

	published := false
	defer func() {
		if !published {
			s.mu.Lock()
			s.starting = false
			s.mu.Unlock()
		}
	}()

	sess, err := s.prepare(ctx, req)
	if err != nil {
		code := CodeOf(err)
		if code == "" {
			code = "error"
		}
		metrics.SessionsTotal.WithLabelValues(code).Inc()
		s.logger.Warn().Err(err).Str(log.FieldPath, req.Source).Msg("game start rejected")
		s.sink.Write("error", logScope, "game start rejected: "+err.Error())
		return StartResult{}, err
	}

	s.EnsureRouter()

	// Events, actions and parameter updates can reach the session as soon as
	// it is published; they queue on dispatchMu until start has returned.
	sess.dispatchMu.Lock()
	s.mu.Lock()
	sess.state = StateRunning
	s.current = sess
	s.starting = false
	published = true
	params := deepCopy(sess.params)
	s.mu.Unlock()

	sess.log.write("info", "game started", map[string]any{"title": sess.meta.Title, "description": sess.meta.Description})
	startErr := sess.module.Start(sess.proxy, params)
	sess.dispatchMu.Unlock()

	if startErr != nil {
		msg, _ := exceptionInfo(startErr)
		sess.log.write("error", "module start failed", map[string]any{"error": msg})
		close(sess.loopDone)
		if s.beginEnd(sess) {
			s.teardown(sess, EndStartFailed)
		} else {
			<-sess.done
		}
		metrics.SessionsTotal.WithLabelValues(CodeStartFailed).Inc()
		return StartResult{}, newError(CodeStartFailed, msg, startErr)
	}

	result := StartResult{SessionID: sess.id, Title: sess.meta.Title, StartTime: sess.startTime}
	if sess.ctx.Err() != nil {
		// Stopped while start was running; Stop owns teardown.
		close(sess.loopDone)
		return result, nil
	}
	go s.run(sess)
	metrics.SessionsTotal.WithLabelValues("started").Inc()
	s.logger.Info().Str(log.FieldSessionID, sess.id).Str(log.FieldGameID, sess.gameID).Str("title", sess.meta.Title).Strs("devices", sess.binding.PhysicalIDs()).Dur("tick", sess.tick).Msg("session running")
	return result, nil
}

func (s *Scheduler) prepare(ctx context.Context, req StartRequest) (*Session, error) {
	if s.loader == nil {
		return nil, errors.New("scheduler has no module loader")
	}
	mod, err := s.loader.Load(ctx, req.Source)
	if err != nil {
		return nil, err
	}

	binding, ignored := NewBinding(req.Mapping)
	listeners := NewListeners()
	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &Session{
		id:        uuid.NewString(),
		gameID:    req.GameID,
		source:    req.Source,
		module:    mod,
		meta:      mod.Meta(),
		binding:   binding,
		listeners: listeners,
		startTime: s.now(),
		tick:      s.tick,
		state:     StateStarting,
		params:    deepCopy(req.Parameters),
		ctx:       sessCtx,
		cancel:    cancel,
		loopDone:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	sess.log = sessionLog{
		logger: s.logger.With().Str(log.FieldSessionID, sess.id).Str(log.FieldGameID, req.GameID).Logger(),
		sink:   s.sink,
		out:    s.out,
	}
	sess.proxy = newProxy(proxyConfig{
		Binding:   binding,
		Listeners: listeners,
		Devices:   s.devices,
		Bus:       s.bus,
		Topics:    s.topics,
		Out:       s.out,
		Log:       sess.log,
	})

	for _, logicalID := range ignored {
		sess.log.write("warn", "device mapping entry ignored", map[string]any{"logicalId": logicalID})
	}
	sess.log.write("info", "device mapping applied", map[string]any{"count": binding.Len()})

	if err := s.validateBinding(sess); err != nil {
		cancel()
		mod.Close()
		return nil, err
	}
	return sess, nil
}

// validateBinding checks every declared device once: required ids must be
// mapped, and every mapped device must be connected and advertise the
// declared interface.
func (s *Scheduler) validateBinding(sess *Session) error {
	for _, rd := range sess.meta.RequiredDevices {
		ids := sess.binding.Devices(rd.LogicalID)
		if rd.Required && len(ids) == 0 {
			sess.log.write("error", "required device not mapped", map[string]any{"logicalId": rd.LogicalID})
			return newError(CodeMappingMissing, fmt.Sprintf("required device %s is not mapped", rd.LogicalID), nil)
		}
		for _, id := range ids {
			var (
				typ       string
				connected bool
			)
			if s.devices != nil {
				if dev, ok := s.devices.Get(id); ok {
					typ, connected = dev.Type, dev.Connected
				}
			}
			if !connected {
				sess.log.write("error", "mapped device offline or unknown", map[string]any{"logicalId": rd.LogicalID, "deviceId": id})
				return newError(CodeDeviceOffline, fmt.Sprintf("device %s for %s is offline or unknown", id, rd.LogicalID), nil)
			}
			if rd.Interface != "" && typ != "" && !s.caps.HasInterface(typ, rd.Interface) {
				sess.log.write("error", "device interface mismatch", map[string]any{"logicalId": rd.LogicalID, "deviceId": id, "interface": rd.Interface, "type": typ})
				return newError(CodeInterfaceMismatch, fmt.Sprintf("device %s (%s) does not provide interface %s", id, typ, rd.Interface), nil)
			}
			if rd.Type != "" && typ != rd.Type {
				sess.log.write("warn", "device type differs from declared type", map[string]any{"logicalId": rd.LogicalID, "deviceId": id, "declared": rd.Type, "type": typ})
			}
		}
	}
	return nil
}

func (s *Scheduler) run(sess *Session) {
	defer close(sess.loopDone)
	ticker := time.NewTicker(sess.tick)
	defer ticker.Stop()
	sess.log.write("debug", "game loop started", map[string]any{"intervalMs": sess.tick.Milliseconds()})

	for {
		select {
		case <-sess.ctx.Done():
			return
		case <-ticker.C:
			reason, ended := s.runTick(sess)
			if !ended {
				continue
			}
			if s.beginEnd(sess) {
				s.teardown(sess, reason)
			}
			return
		}
	}
}

// runTick invokes loop once. ended reports that the module asked to finish
// or failed.
func (s *Scheduler) runTick(sess *Session) (reason string, ended bool) {
	s.mu.Lock()
	state := sess.state
	s.mu.Unlock()
	if state != StateRunning {
		return "", false
	}

	var (
		cont bool
		err  error
		ran  bool
	)
	started := s.now()
	sess.dispatch(func() {
		if sess.ctx.Err() != nil {
			return
		}
		ran = true
		cont, err = sess.module.Loop(sess.proxy)
	})
	if !ran {
		return "", false
	}
	elapsed := s.now().Sub(started)
	metrics.TickDuration.Observe(elapsed.Seconds())
	if elapsed > s.slowTick {
		metrics.SlowTicksTotal.Inc()
		sess.log.write("warn", "game loop tick was slow", map[string]any{"elapsedMs": elapsed.Milliseconds()})
	}
	if sess.ctx.Err() != nil {
		return "", false
	}
	if err != nil {
		msg, _ := exceptionInfo(err)
		sess.log.write("error", "game loop failed, ending", map[string]any{"error": msg})
		return EndLoopError, true
	}
	if !cont {
		sess.log.write("info", "game loop returned false, ending", nil)
		return EndCompleted, true
	}
	return "", false
}

// beginEnd moves sess to Ending. Only the first caller gets true and owns
// teardown.
func (s *Scheduler) beginEnd(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != sess || sess.state == StateEnding {
		return false
	}
	sess.state = StateEnding
	sess.cancel()
	return true
}

func (s *Scheduler) teardown(sess *Session, reason string) {
	sess.dispatchMu.Lock()
	if err := sess.module.End(sess.proxy); err != nil {
		msg, _ := exceptionInfo(err)
		sess.log.write("warn", "module end failed", map[string]any{"error": msg})
	}
	sess.proxy.close()
	listeners := sess.listeners.Len()
	sess.listeners.Clear()
	sess.module.Close()
	sess.dispatchMu.Unlock()

	if s.out != nil {
		s.out.EndSession()
	}

	ended := s.now()
	s.mu.Lock()
	sess.duration = ended.Sub(sess.startTime)
	sess.reason = reason
	sess.state = StateIdle
	if s.current == sess {
		s.current = nil
	}
	s.mu.Unlock()
	close(sess.done)

	metrics.SessionEndsTotal.WithLabelValues(reason).Inc()
	sess.log.logger.Info().Str("reason", reason).Dur("duration", sess.duration).Int("listeners", listeners).Msg("game ended")
	s.sink.Write("info", logScope, fmt.Sprintf("game ended (%s) after %s", reason, sess.duration.Round(time.Millisecond)))

	if s.runs != nil {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		err := s.runs.RecordRun(ctx, RunRecord{
			SessionID: sess.id,
			GameID:    sess.gameID,
			Title:     sess.meta.Title,
			StartedAt: sess.startTime,
			EndedAt:   ended,
			Duration:  sess.duration,
			Reason:    reason,
		})
		if err != nil {
			s.logger.Warn().Err(err).Str(log.FieldSessionID, sess.id).Msg("record run failed")
		}
	}
}

// Stop ends the current session and waits for teardown. Stopping when
// nothing runs is a no-op.
func (s *Scheduler) Stop(ctx context.Context) (StopResult, error) {
	s.mu.Lock()
	sess := s.current
	s.mu.Unlock()
	if sess == nil {
		return StopResult{}, nil
	}
	if !s.beginEnd(sess) {
		select {
		case <-sess.done:
			return StopResult{Stopped: true, Duration: sess.duration}, nil
		case <-ctx.Done():
			return StopResult{}, ctx.Err()
		}
	}

	s.awaitLoop(ctx, sess)
	s.teardown(sess, EndStopped)
	return StopResult{Stopped: true, Duration: sess.duration}, nil
}

// awaitLoop waits for the tick goroutine, interrupting module code that
// overruns the grace period.
func (s *Scheduler) awaitLoop(ctx context.Context, sess *Session) {
	timer := time.NewTimer(s.stopGrace)
	defer timer.Stop()
	select {
	case <-sess.loopDone:
		return
	case <-timer.C:
	case <-ctx.Done():
	}
	s.logger.Warn().Str(log.FieldSessionID, sess.id).Msg("tick still running at stop, interrupting module")
	sess.module.Interrupt("session stopping")
	<-sess.loopDone
}

// UpdateParameters replaces the session parameters and forwards them to the
// module. Module errors are logged, not returned.
func (s *Scheduler) UpdateParameters(params map[string]any) error {
	sess := s.active()
	if sess == nil {
		return ErrNoGameRunning
	}
	s.mu.Lock()
	sess.params = deepCopy(params)
	s.mu.Unlock()

	var err error
	if !sess.dispatch(func() { err = sess.module.UpdateParameters(params) }) {
		return ErrNoGameRunning
	}
	if err != nil {
		msg, _ := exceptionInfo(err)
		sess.log.write("warn", "module updateParameters failed", map[string]any{"error": msg})
	}
	return nil
}

// PerformAction forwards an operator action to the module.
func (s *Scheduler) PerformAction(action string, payload any) (any, error) {
	sess := s.active()
	if sess == nil {
		return nil, ErrNoGameRunning
	}
	if action == "" {
		return nil, newError(CodeActionNotSupported, "action name is required", nil)
	}
	var (
		result any
		err    error
	)
	if !sess.dispatch(func() { result, err = sess.module.OnAction(action, payload, sess.proxy) }) {
		return nil, ErrNoGameRunning
	}
	if err != nil {
		if CodeOf(err) == "" {
			err = newError(CodeActionFailed, err.Error(), err)
		}
		sess.log.write("warn", "action failed", map[string]any{"action": action, "code": CodeOf(err)})
		return nil, err
	}
	return result, nil
}

// HTML returns the module's page.
func (s *Scheduler) HTML() (string, error) {
	sess := s.active()
	if sess == nil {
		return "", ErrNoGameRunning
	}
	var (
		html string
		err  error
	)
	if !sess.dispatch(func() { html, err = sess.module.HTML() }) {
		return "", ErrNoGameRunning
	}
	if err != nil && CodeOf(err) == "" {
		err = newError(CodeHTMLNotAvailable, err.Error(), err)
	}
	return html, err
}

// Pause stops loop invocations; events keep routing.
func (s *Scheduler) Pause() error {
	return s.transition(StateRunning, StatePaused)
}

func (s *Scheduler) Resume() error {
	return s.transition(StatePaused, StateRunning)
}

func (s *Scheduler) transition(from, to State) error {
	s.mu.Lock()
	sess := s.current
	if sess == nil || (sess.state != StateRunning && sess.state != StatePaused) {
		s.mu.Unlock()
		return ErrNoGameRunning
	}
	if sess.state != from {
		s.mu.Unlock()
		return nil
	}
	sess.state = to
	s.mu.Unlock()

	s.logger.Info().Str(log.FieldSessionID, sess.id).Str(log.FieldOldState, string(from)).Str(log.FieldNewState, string(to)).Msg("session state changed")
	sess.log.write("info", "game "+string(to), nil)
	return nil
}

// Snapshot returns the current session view. With no session it reports
// Idle.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		State:          StateIdle,
		TickIntervalMS: s.tick.Milliseconds(),
		Parameters:     map[string]any{},
		DeviceMapping:  map[string][]string{},
	}
	if s.starting {
		snap.State = StateStarting
	}
	sess := s.current
	if sess == nil {
		return snap
	}
	start := sess.startTime
	snap.Running = sess.state == StateRunning || sess.state == StatePaused
	snap.State = sess.state
	snap.SessionID = sess.id
	snap.GameID = sess.gameID
	snap.Title = sess.meta.Title
	snap.StartTime = &start
	snap.TickIntervalMS = sess.tick.Milliseconds()
	snap.SourcePath = sess.source
	snap.Parameters = deepCopy(sess.params)
	snap.DeviceMapping = sess.binding.Mapping()
	return snap
}

// Current returns the game id and source path of the running session.
func (s *Scheduler) Current() (gameID, source string, ok bool) {
	sess := s.active()
	if sess == nil {
		return "", "", false
	}
	return sess.gameID, sess.source, true
}
