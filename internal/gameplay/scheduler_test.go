package gameplay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/playhost/internal/bus"
	"github.com/user/playhost/internal/device"
)

const lampModule = `
module.exports = {
  title: "Lamp",
  description: "",
  requiredDevices: [{ logicalId: "lamp", type: "TD01", interface: "strength", required: true }],
  ticks: 0,
  start(p, params) {
    this.limit = params.limit || 0;
    p.listenDeviceMessages("lamp", (msg, ctx) => {
      p.setDeviceProperty("lamp", { power: msg.button0 });
      p.emitState({ from: ctx.deviceId });
    });
    p.listenDeviceProperty("lamp", "distance", (n, o) => {
      p.emitState({ distance: n, hadOld: o !== undefined });
    });
  },
  loop(p) {
    this.ticks++;
    p.emitState({ ticks: this.ticks });
    if (this.limit && this.ticks >= this.limit) return false;
  },
  end(p) { p.emitState({ ended: true }); },
  updateParameters(params) { this.limit = params.limit; },
};
`

type harness struct {
	sched   *Scheduler
	devices *fakeDevices
	bus     *fakeBus
	out     *fakeOutput
	runs    *fakeRuns
}

func newHarness(t *testing.T, sources map[string]string, devs ...device.Device) *harness {
	t.Helper()
	return newHarnessWith(t, sources, nil, devs...)
}

// newHarnessWith lets a test adjust the scheduler config before it is built.
func newHarnessWith(t *testing.T, sources map[string]string, adjust func(*SchedulerConfig), devs ...device.Device) *harness {
	t.Helper()
	h := &harness{
		devices: newFakeDevices(devs...),
		bus:     &fakeBus{},
		out:     &fakeOutput{},
		runs:    &fakeRuns{},
	}
	cfg := SchedulerConfig{
		Loader:       newSourceLoader(sources),
		Devices:      h.devices,
		Bus:          h.bus,
		Broadcaster:  h.out,
		Runs:         h.runs,
		TickInterval: 10 * time.Millisecond,
		StopGrace:    200 * time.Millisecond,
	}
	if adjust != nil {
		adjust(&cfg)
	}
	h.sched = NewScheduler(cfg)
	t.Cleanup(func() {
		_, _ = h.sched.Stop(context.Background())
	})
	return h
}

func lamp(id string, connected bool) device.Device {
	return device.Device{ID: id, Type: "TD01", Connected: connected, Data: map[string]any{}}
}

func (h *harness) start(t *testing.T, mapping map[string]any, params map[string]any) StartResult {
	t.Helper()
	res, err := h.sched.Start(context.Background(), StartRequest{
		GameID:     "game_1",
		Source:     "lamp.js",
		Mapping:    mapping,
		Parameters: params,
	})
	require.NoError(t, err)
	return res
}

func countState(states []map[string]any, key string) int {
	n := 0
	for _, s := range states {
		if _, ok := s[key]; ok {
			n++
		}
	}
	return n
}

func TestStartRejectsMissingMapping(t *testing.T) {
	h := newHarness(t, map[string]string{"lamp.js": lampModule}, lamp("d1", true))

	_, err := h.sched.Start(context.Background(), StartRequest{Source: "lamp.js", Mapping: map[string]any{}})
	require.Error(t, err)
	assert.Equal(t, CodeMappingMissing, CodeOf(err))

	snap := h.sched.Snapshot()
	assert.False(t, snap.Running)
	assert.Equal(t, StateIdle, snap.State)
	assert.Zero(t, h.out.Ends())
	assert.Empty(t, h.runs.Records())
}

func TestStartValidatesDevices(t *testing.T) {
	pressure := device.Device{ID: "p1", Type: "QIYA", Connected: true}
	h := newHarness(t, map[string]string{"lamp.js": lampModule}, lamp("off", false), pressure)

	tests := []struct {
		name    string
		mapping map[string]any
		code    string
	}{
		{name: "offline", mapping: map[string]any{"lamp": "off"}, code: CodeDeviceOffline},
		{name: "unknown", mapping: map[string]any{"lamp": []any{"ghost"}}, code: CodeDeviceOffline},
		{name: "interface", mapping: map[string]any{"lamp": "p1"}, code: CodeInterfaceMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.sched.Start(context.Background(), StartRequest{Source: "lamp.js", Mapping: tt.mapping})
			assert.Equal(t, tt.code, CodeOf(err))
			assert.False(t, h.sched.Snapshot().Running)
		})
	}
}

func TestStartLoadErrors(t *testing.T) {
	h := newHarness(t, map[string]string{"bad.js": "module.exports = {"})

	_, err := h.sched.Start(context.Background(), StartRequest{Source: "missing.js"})
	assert.Equal(t, CodeFileNotFound, CodeOf(err))

	_, err = h.sched.Start(context.Background(), StartRequest{Source: "bad.js"})
	assert.Equal(t, CodeLoadFailed, CodeOf(err))
}

func TestStartFailedTearsDown(t *testing.T) {
	src := `module.exports = { title: "t", description: "", requiredDevices: [],
  start() { throw new Error("no power"); }, loop() {} };`
	h := newHarness(t, map[string]string{"fail.js": src})

	_, err := h.sched.Start(context.Background(), StartRequest{Source: "fail.js"})
	require.Error(t, err)
	assert.Equal(t, CodeStartFailed, CodeOf(err))
	assert.Contains(t, err.Error(), "no power")
	assert.Equal(t, StateIdle, h.sched.Snapshot().State)
	assert.Equal(t, 1, h.out.Ends())

	records := h.runs.Records()
	require.Len(t, records, 1)
	assert.Equal(t, EndStartFailed, records[0].Reason)
}

func TestLoopFalseEndsOnce(t *testing.T) {
	h := newHarness(t, map[string]string{"lamp.js": lampModule}, lamp("d1", true))
	h.start(t, map[string]any{"lamp": "d1"}, map[string]any{"limit": 3})

	require.Eventually(t, func() bool { return !h.sched.Snapshot().Running }, 2*time.Second, 5*time.Millisecond)

	states := h.out.States()
	assert.Equal(t, 3, countState(states, "ticks"))
	assert.Equal(t, 1, countState(states, "ended"))
	assert.Equal(t, 1, h.out.Ends())

	records := h.runs.Records()
	require.Len(t, records, 1)
	assert.Equal(t, EndCompleted, records[0].Reason)
	assert.Equal(t, "game_1", records[0].GameID)

	res, err := h.sched.Stop(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Stopped)
}

func TestLoopErrorEndsSession(t *testing.T) {
	src := `module.exports = { title: "t", description: "", requiredDevices: [],
  start() {}, loop() { throw new Error("tick failed"); } };`
	h := newHarness(t, map[string]string{"err.js": src})
	_, err := h.sched.Start(context.Background(), StartRequest{Source: "err.js"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(h.runs.Records()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, EndLoopError, h.runs.Records()[0].Reason)
	assert.True(t, h.out.HasLog("game loop failed, ending"))
}

func TestSingleActiveSession(t *testing.T) {
	h := newHarness(t, map[string]string{"lamp.js": lampModule}, lamp("d1", true))
	first := h.start(t, map[string]any{"lamp": "d1"}, nil)
	assert.NotEmpty(t, first.SessionID)
	assert.Equal(t, "Lamp", first.Title)

	_, err := h.sched.Start(context.Background(), StartRequest{Source: "lamp.js", Mapping: map[string]any{"lamp": "d1"}})
	assert.Equal(t, CodeAlreadyRunning, CodeOf(err))
	assert.Equal(t, first.SessionID, h.sched.Snapshot().SessionID)
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, map[string]string{"lamp.js": lampModule}, lamp("d1", true))

	res, err := h.sched.Stop(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Stopped)

	h.start(t, map[string]any{"lamp": "d1"}, nil)
	res, err = h.sched.Stop(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Stopped)

	res, err = h.sched.Stop(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Stopped)

	assert.Equal(t, 1, h.out.Ends())
	require.Len(t, h.runs.Records(), 1)
	assert.Equal(t, EndStopped, h.runs.Records()[0].Reason)
	assert.Equal(t, 1, countState(h.out.States(), "ended"))
}

func TestStopInterruptsRunawayLoop(t *testing.T) {
	src := `module.exports = { title: "t", description: "", requiredDevices: [],
  start() {}, loop() { while (true) {} } };`
	h := newHarness(t, map[string]string{"spin.js": src})
	_, err := h.sched.Start(context.Background(), StartRequest{Source: "spin.js"})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	res, err := h.sched.Stop(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Stopped)
	assert.Equal(t, StateIdle, h.sched.Snapshot().State)
}

func TestPauseAndResume(t *testing.T) {
	h := newHarness(t, map[string]string{"lamp.js": lampModule}, lamp("d1", true))
	h.start(t, map[string]any{"lamp": "d1"}, nil)
	require.Eventually(t, func() bool { return countState(h.out.States(), "ticks") > 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.sched.Pause())
	assert.Equal(t, StatePaused, h.sched.Snapshot().State)
	assert.True(t, h.sched.Snapshot().Running)
	time.Sleep(30 * time.Millisecond)
	paused := countState(h.out.States(), "ticks")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, paused, countState(h.out.States(), "ticks"))

	require.NoError(t, h.sched.Resume())
	require.Eventually(t, func() bool { return countState(h.out.States(), "ticks") > paused }, time.Second, 5*time.Millisecond)

	_, err := h.sched.Stop(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, h.sched.Pause(), ErrNoGameRunning)
}

func TestActionsRequireSession(t *testing.T) {
	h := newHarness(t, map[string]string{"lamp.js": lampModule}, lamp("d1", true))

	_, err := h.sched.PerformAction("go", nil)
	assert.True(t, errors.Is(err, ErrNoGameRunning))
	_, err = h.sched.HTML()
	assert.Equal(t, CodeNoGameRunning, CodeOf(err))
	assert.Equal(t, CodeNoGameRunning, CodeOf(h.sched.UpdateParameters(nil)))
}

func TestUnknownActionKeepsRunning(t *testing.T) {
	h := newHarness(t, map[string]string{"lamp.js": lampModule}, lamp("d1", true))
	h.start(t, map[string]any{"lamp": "d1"}, nil)

	_, err := h.sched.PerformAction("jump", map[string]any{})
	assert.Equal(t, CodeActionNotSupported, CodeOf(err))
	_, err = h.sched.PerformAction("", nil)
	assert.Equal(t, CodeActionNotSupported, CodeOf(err))
	assert.True(t, h.sched.Snapshot().Running)
}

func TestUpdateParametersReachModule(t *testing.T) {
	h := newHarness(t, map[string]string{"lamp.js": lampModule}, lamp("d1", true))
	h.start(t, map[string]any{"lamp": "d1"}, nil)

	require.NoError(t, h.sched.Pause())
	require.NoError(t, h.sched.UpdateParameters(map[string]any{"limit": 1}))
	assert.Equal(t, map[string]any{"limit": 1}, h.sched.Snapshot().Parameters)
	require.NoError(t, h.sched.Resume())
	require.Eventually(t, func() bool { return !h.sched.Snapshot().Running }, 2*time.Second, 5*time.Millisecond)
}

func TestSnapshot(t *testing.T) {
	h := newHarness(t, map[string]string{"lamp.js": lampModule}, lamp("d1", true))
	idle := h.sched.Snapshot()
	assert.Equal(t, int64(10), idle.TickIntervalMS)
	assert.Empty(t, idle.DeviceMapping)

	res := h.start(t, map[string]any{"lamp": "d1", "unused": ""}, map[string]any{"mode": "easy"})
	snap := h.sched.Snapshot()
	assert.True(t, snap.Running)
	assert.Equal(t, res.SessionID, snap.SessionID)
	assert.Equal(t, "lamp.js", snap.SourcePath)
	assert.Equal(t, map[string][]string{"lamp": {"d1"}}, snap.DeviceMapping)
	assert.Equal(t, map[string]any{"mode": "easy"}, snap.Parameters)
	require.NotNil(t, snap.StartTime)

	gameID, source, ok := h.sched.Current()
	assert.True(t, ok)
	assert.Equal(t, "game_1", gameID)
	assert.Equal(t, "lamp.js", source)
}

func TestRouterDeliversToActiveSession(t *testing.T) {
	h := newHarness(t, map[string]string{"lamp.js": lampModule}, lamp("d1", true), lamp("d2", true))
	router := h.sched.Router()

	// nothing running yet
	router.HandleMessage(bus.Message{Topic: "/dpub/d1", Payload: []byte(`{"method":"report","button0":1}`)})
	assert.Empty(t, h.devices.Updates())

	h.start(t, map[string]any{"lamp": "d1"}, nil)
	require.Len(t, h.bus.handlers, 1)

	router.HandleMessage(bus.Message{Topic: "/dpub/d2", Payload: []byte(`{"method":"report","button0":1}`)})
	router.HandleMessage(bus.Message{Topic: "/other/d1", Payload: []byte(`{"method":"report","button0":1}`)})
	router.HandleMessage(bus.Message{Topic: "/dpub/d1", Payload: []byte(`{"button0":1}`)})
	router.HandleMessage(bus.Message{Topic: "/dpub/d1", Payload: []byte(`not json`)})
	assert.Empty(t, h.devices.Updates())

	router.HandleMessage(bus.Message{Topic: "/dpub/d1", Payload: []byte(`{"method":"report","button0":1}`)})
	updates := h.devices.Updates()
	require.Len(t, updates, 1)
	assert.Equal(t, "d1", updates[0].ID)
	assert.EqualValues(t, 1, updates[0].Props["power"])

	router.HandleChange(device.DataChange{DeviceID: "d1", Changes: map[string]device.Change{"distance": {Old: nil, New: 5.0}}})
	router.HandleChange(device.DataChange{DeviceID: "d2", Changes: map[string]device.Change{"distance": {Old: nil, New: 9.0}}})
	var distances []any
	for _, s := range h.out.States() {
		if v, ok := s["distance"]; ok {
			distances = append(distances, v)
			assert.Equal(t, false, s["hadOld"])
		}
	}
	require.Len(t, distances, 1)
	assert.EqualValues(t, 5, distances[0])

	_, err := h.sched.Stop(context.Background())
	require.NoError(t, err)
	router.HandleMessage(bus.Message{Topic: "/dpub/d1", Payload: []byte(`{"method":"report","button0":1}`)})
	assert.Len(t, h.devices.Updates(), 1)
}

func TestListenerFailuresAreIsolated(t *testing.T) {
	src := `module.exports = { title: "t", description: "", requiredDevices: [],
  start(p) {
    p.listenDeviceMessages("a", () => { throw new Error("first"); });
    p.listenDeviceMessages("a", (msg) => { p.emitState({ got: msg.method }); });
  },
  loop() {} };`
	h := newHarness(t, map[string]string{"iso.js": src}, lamp("d1", true))
	_, err := h.sched.Start(context.Background(), StartRequest{Source: "iso.js", Mapping: map[string]any{"a": "d1"}})
	require.NoError(t, err)

	h.sched.Router().HandleMessage(bus.Message{Topic: "/dpub/d1", Payload: []byte(`{"method":"report"}`)})
	assert.Equal(t, 1, countState(h.out.States(), "got"))
	assert.True(t, h.out.HasLog("device message listener failed"))
}

func TestProxySendsDeviceMessages(t *testing.T) {
	src := `module.exports = { title: "t", description: "", requiredDevices: [],
  start(p) {
    p.sendDeviceMessage("a", { method: "update", power: 3 });
    p.sendBusMessage("/custom/topic", { hello: 1 });
    p.sendDeviceMessage("nobody", { x: 1 });
  },
  loop() {} };`
	h := newHarness(t, map[string]string{"send.js": src}, lamp("d1", true), lamp("d2", true))
	_, err := h.sched.Start(context.Background(), StartRequest{Source: "send.js", Mapping: map[string]any{"a": []any{"d1", "d2"}}})
	require.NoError(t, err)

	msgs := h.bus.Published()
	require.Len(t, msgs, 3)
	assert.Equal(t, "/drecv/d1", msgs[0].Topic)
	assert.Equal(t, "/drecv/d2", msgs[1].Topic)
	assert.JSONEq(t, `{"method":"update","power":3}`, string(msgs[0].Payload))
	assert.Equal(t, "/custom/topic", msgs[2].Topic)
	assert.True(t, h.out.HasLog("device not mapped, message ignored"))
}

func TestSlowTicksWarnAndNeverOverlap(t *testing.T) {
	src := `module.exports = { title: "t", description: "", requiredDevices: [],
  ticks: 0, overlaps: 0, busy: false,
  start() {},
  loop() {
    if (this.busy) this.overlaps++;
    this.busy = true;
    const until = Date.now() + 20;
    while (Date.now() < until) {}
    this.ticks++;
    this.busy = false;
  },
  onAction(action) { return { ticks: this.ticks, overlaps: this.overlaps }; } };`
	h := newHarnessWith(t, map[string]string{"slow.js": src}, func(cfg *SchedulerConfig) {
		cfg.TickInterval = 5 * time.Millisecond
		cfg.SlowTick = 5 * time.Millisecond
	})
	_, err := h.sched.Start(context.Background(), StartRequest{Source: "slow.js"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.out.HasLog("game loop tick was slow") }, 2*time.Second, 5*time.Millisecond)

	var counts map[string]any
	require.Eventually(t, func() bool {
		res, err := h.sched.PerformAction("count", nil)
		if err != nil {
			return false
		}
		counts, _ = res.(map[string]any)
		ticks, _ := counts["ticks"].(int64)
		return ticks >= 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 0, counts["overlaps"])
}

func TestActionsWaitForStart(t *testing.T) {
	src := `module.exports = { title: "t", description: "", requiredDevices: [],
  started: false,
  start() {
    const until = Date.now() + 100;
    while (Date.now() < until) {}
    this.started = true;
  },
  loop() {},
  onAction() { return { started: this.started }; },
  updateParameters() { if (!this.started) throw new Error("before start"); } };`
	h := newHarness(t, map[string]string{"wait.js": src})

	done := make(chan error, 1)
	go func() {
		_, err := h.sched.Start(context.Background(), StartRequest{Source: "wait.js"})
		done <- err
	}()

	require.Eventually(t, func() bool { return h.sched.Snapshot().Running }, 2*time.Second, time.Millisecond)
	res, err := h.sched.PerformAction("status", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"started": true}, res)
	require.NoError(t, h.sched.UpdateParameters(map[string]any{"x": 1}))
	assert.False(t, h.out.HasLog("module updateParameters failed"))

	require.NoError(t, <-done)
}

func TestStartAfterLoadTimeout(t *testing.T) {
	sources := map[string]string{
		"spin.js": "module.exports = class G { constructor() { while (true) {} } };",
		"ok.js":   `module.exports = { title: "t", description: "", requiredDevices: [], start() {}, loop() {} };`,
	}
	h := newHarness(t, sources)
	h.sched.loader = &sourceLoader{loader: NewLoader(LoaderConfig{Timeout: 50 * time.Millisecond}), sources: sources}

	_, err := h.sched.Start(context.Background(), StartRequest{Source: "spin.js"})
	assert.Equal(t, CodeLoadFailed, CodeOf(err))
	assert.Equal(t, StateIdle, h.sched.Snapshot().State)

	_, err = h.sched.Start(context.Background(), StartRequest{Source: "ok.js"})
	require.NoError(t, err)
}
