package gameplay

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"

	"github.com/user/playhost/internal/log"
)

const minIntervalDelay = 10 * time.Millisecond

var errModuleClosed = errors.New("module closed")

// scriptModule is a Module backed by a goja runtime. mu guards the runtime:
// module hooks, listener callbacks and timer callbacks all take it.
type scriptModule struct {
	mu     sync.Mutex
	rt     *goja.Runtime
	obj    *goja.Object
	meta   Meta
	name   string
	sink   log.Sink
	logger zerolog.Logger

	jsProxy  *goja.Object
	proxyFor *Proxy

	timers    map[int64]*jsTimer
	nextTimer int64
	armed     bool
	closed    bool
}

type jsTimer struct {
	id     int64
	fn     goja.Callable
	args   []goja.Value
	delay  time.Duration
	repeat bool
	t      *time.Timer
}

func newScriptModule(name string, sink log.Sink, logger zerolog.Logger) *scriptModule {
	m := &scriptModule{
		rt:     goja.New(),
		name:   name,
		sink:   sink,
		logger: logger.With().Str(log.FieldPath, name).Logger(),
		timers: make(map[int64]*jsTimer),
	}
	m.installGlobals()
	return m
}

func (m *scriptModule) installGlobals() {
	rt := m.rt
	module := rt.NewObject()
	exports := rt.NewObject()
	_ = module.Set("exports", exports)
	_ = rt.Set("module", module)
	_ = rt.Set("exports", exports)

	console := rt.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		level := level
		_ = console.Set(level, func(call goja.FunctionCall) goja.Value {
			m.console(level, call.Arguments)
			return goja.Undefined()
		})
	}
	_ = rt.Set("console", console)

	_ = rt.Set("setTimeout", func(call goja.FunctionCall) goja.Value { return m.addTimer(call, false) })
	_ = rt.Set("setInterval", func(call goja.FunctionCall) goja.Value { return m.addTimer(call, true) })
	_ = rt.Set("clearTimeout", func(call goja.FunctionCall) goja.Value { m.clearTimer(call.Argument(0)); return goja.Undefined() })
	_ = rt.Set("clearInterval", func(call goja.FunctionCall) goja.Value { m.clearTimer(call.Argument(0)); return goja.Undefined() })
}

func (m *scriptModule) console(level string, args []goja.Value) {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		parts = append(parts, displayValue(a))
	}
	msg := strings.Join(parts, " ")
	if level == "log" {
		level = "info"
	}
	m.logger.WithLevel(zerologLevel(level)).Str(log.FieldScope, "console").Msg(msg)
	m.sink.Write(level, logScope, msg)
}

func displayValue(v goja.Value) string {
	if obj, ok := v.(*goja.Object); ok {
		if _, isFn := goja.AssertFunction(obj); !isFn {
			if data, err := json.Marshal(obj.Export()); err == nil {
				return string(data)
			}
		}
	}
	if v == nil {
		return "undefined"
	}
	return v.String()
}

// addTimer runs inside script execution, so mu is already held.
func (m *scriptModule) addTimer(call goja.FunctionCall, repeat bool) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok || m.closed {
		return goja.Undefined()
	}
	ms := call.Argument(1).ToFloat()
	if math.IsNaN(ms) || ms < 0 {
		ms = 0
	}
	delay := time.Duration(ms * float64(time.Millisecond))
	if repeat && delay < minIntervalDelay {
		delay = minIntervalDelay
	}
	var args []goja.Value
	if len(call.Arguments) > 2 {
		args = append(args, call.Arguments[2:]...)
	}
	m.nextTimer++
	tm := &jsTimer{id: m.nextTimer, fn: fn, args: args, delay: delay, repeat: repeat}
	m.timers[tm.id] = tm
	if m.armed {
		m.schedule(tm)
	}
	return m.rt.ToValue(tm.id)
}

func (m *scriptModule) clearTimer(v goja.Value) {
	if isNullish(v) {
		return
	}
	id := v.ToInteger()
	if tm, ok := m.timers[id]; ok {
		if tm.t != nil {
			tm.t.Stop()
		}
		delete(m.timers, id)
	}
}

func (m *scriptModule) schedule(tm *jsTimer) {
	id := tm.id
	tm.t = time.AfterFunc(tm.delay, func() { m.fire(id) })
}

func (m *scriptModule) fire(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	tm, ok := m.timers[id]
	if !ok {
		return
	}
	if !tm.repeat {
		delete(m.timers, id)
	}
	if _, err := tm.fn(goja.Undefined(), tm.args...); err != nil {
		msg, _ := exceptionInfo(err)
		m.logger.Warn().Err(err).Int64("timer", id).Msg("timer callback failed")
		m.sink.Write("warn", logScope, "timer callback failed: "+msg)
	}
	if tm.repeat && !m.closed {
		if _, still := m.timers[id]; still {
			m.schedule(tm)
		}
	}
}

func (m *scriptModule) Meta() Meta { return m.meta }

func (m *scriptModule) Start(p *Proxy, params map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errModuleClosed
	}
	if _, err := m.call("start", m.proxyValue(p), m.rt.ToValue(deepCopy(params))); err != nil {
		return err
	}
	m.armed = true
	for _, tm := range m.timers {
		if tm.t == nil {
			m.schedule(tm)
		}
	}
	return nil
}

func (m *scriptModule) Loop(p *Proxy) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, errModuleClosed
	}
	ret, err := m.call("loop", m.proxyValue(p))
	if err != nil {
		return false, err
	}
	if b, ok := ret.Export().(bool); ok && !b {
		return false, nil
	}
	return true, nil
}

func (m *scriptModule) End(p *Proxy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.rt.ClearInterrupt()
	if !m.has("end") {
		return nil
	}
	_, err := m.call("end", m.proxyValue(p))
	return err
}

func (m *scriptModule) UpdateParameters(params map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || !m.has("updateParameters") {
		return nil
	}
	_, err := m.call("updateParameters", m.rt.ToValue(deepCopy(params)))
	return err
}

func (m *scriptModule) OnAction(action string, payload any, p *Proxy) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errModuleClosed
	}
	if !m.has("onAction") {
		return nil, newError(CodeActionNotSupported, "module does not handle actions", nil)
	}
	ret, err := m.call("onAction", m.rt.ToValue(action), m.rt.ToValue(payload), m.proxyValue(p))
	if err != nil {
		msg, code := exceptionInfo(err)
		if code == CodeActionNotSupported {
			return nil, newError(CodeActionNotSupported, msg, err)
		}
		return nil, newError(CodeActionFailed, msg, err)
	}
	if isNullish(ret) {
		return nil, nil
	}
	return ret.Export(), nil
}

func (m *scriptModule) HTML() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", errModuleClosed
	}
	if m.has("getHtml") {
		ret, err := m.call("getHtml")
		if err != nil {
			msg, _ := exceptionInfo(err)
			return "", newError(CodeHTMLNotAvailable, msg, err)
		}
		if !isNullish(ret) {
			if s, ok := ret.Export().(string); ok && s != "" {
				return s, nil
			}
		}
	}
	if v := m.obj.Get("html"); !isNullish(v) {
		if s, ok := v.Export().(string); ok && s != "" {
			return s, nil
		}
	}
	return "", newError(CodeHTMLNotAvailable, "module provides no html", nil)
}

// Interrupt is safe to call from any goroutine without holding mu.
func (m *scriptModule) Interrupt(reason string) {
	m.rt.Interrupt(reason)
}

func (m *scriptModule) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for id, tm := range m.timers {
		if tm.t != nil {
			tm.t.Stop()
		}
		delete(m.timers, id)
	}
	m.jsProxy = nil
	m.proxyFor = nil
}

// has reports whether the module object exposes a callable name.
func (m *scriptModule) has(name string) bool {
	if m.obj == nil {
		return false
	}
	_, ok := goja.AssertFunction(m.obj.Get(name))
	return ok
}

func (m *scriptModule) call(name string, args ...goja.Value) (goja.Value, error) {
	fn, ok := goja.AssertFunction(m.obj.Get(name))
	if !ok {
		return nil, fmt.Errorf("module method %s is not callable", name)
	}
	return fn(m.obj, args...)
}

// invoke runs a script callback registered through the proxy. It is called
// from router goroutines, never from inside script execution.
func (m *scriptModule) invoke(fn goja.Callable, args ...any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	vals := make([]goja.Value, len(args))
	for i, a := range args {
		if a == nil {
			vals[i] = goja.Undefined()
			continue
		}
		vals[i] = m.rt.ToValue(a)
	}
	_, err := fn(goja.Undefined(), vals...)
	if err != nil {
		msg, _ := exceptionInfo(err)
		return errors.New(msg)
	}
	return nil
}

// proxyValue returns the script-side view of p, building it on first use.
func (m *scriptModule) proxyValue(p *Proxy) goja.Value {
	if p == nil {
		return goja.Undefined()
	}
	if m.jsProxy != nil && m.proxyFor == p {
		return m.jsProxy
	}
	rt := m.rt
	o := rt.NewObject()
	set := func(name string, fn func(goja.FunctionCall) goja.Value) {
		_ = o.Set(name, fn)
	}

	set("setDeviceProperty", func(c goja.FunctionCall) goja.Value {
		p.SetDeviceProperty(argString(c, 0), exportMap(c.Argument(1)))
		return goja.Undefined()
	})
	set("getDeviceProperty", func(c goja.FunctionCall) goja.Value {
		v, ok := p.GetDeviceProperty(argString(c, 0), argString(c, 1))
		if !ok {
			return goja.Undefined()
		}
		return rt.ToValue(v)
	})
	sendDevice := func(c goja.FunctionCall) goja.Value {
		p.SendDeviceMessage(argString(c, 0), exportAny(c.Argument(1)))
		return goja.Undefined()
	}
	set("sendDeviceMessage", sendDevice)
	set("sendDeviceMqttMessage", sendDevice)
	sendBus := func(c goja.FunctionCall) goja.Value {
		p.SendBusMessage(argString(c, 0), exportAny(c.Argument(1)))
		return goja.Undefined()
	}
	set("sendBusMessage", sendBus)
	set("sendMqttMessage", sendBus)
	set("listenDeviceMessages", func(c goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(c.Argument(1))
		if !ok {
			return goja.Undefined()
		}
		p.ListenDeviceMessages(argString(c, 0), func(payload map[string]any, mctx MessageContext) error {
			return m.invoke(fn, payload, map[string]any{
				"logicalId": mctx.LogicalID,
				"deviceId":  mctx.DeviceID,
				"topic":     mctx.Topic,
			})
		})
		return goja.Undefined()
	})
	set("listenDeviceProperty", func(c goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(c.Argument(2))
		if !ok {
			return goja.Undefined()
		}
		p.ListenDeviceProperty(argString(c, 0), argString(c, 1), func(newValue, oldValue any, pctx PropertyContext) error {
			return m.invoke(fn, newValue, oldValue, map[string]any{
				"logicalId": pctx.LogicalID,
				"deviceId":  pctx.DeviceID,
				"property":  pctx.Property,
			})
		})
		return goja.Undefined()
	})
	set("log", func(c goja.FunctionCall) goja.Value {
		p.Log(argString(c, 0), argString(c, 1), exportMap(c.Argument(2)))
		return goja.Undefined()
	})
	emitUI := func(c goja.FunctionCall) goja.Value {
		p.EmitUI(exportMap(c.Argument(0)))
		return goja.Undefined()
	}
	set("emitState", func(c goja.FunctionCall) goja.Value {
		p.EmitState(exportMap(c.Argument(0)))
		return goja.Undefined()
	})
	set("emitUi", emitUI)
	set("emitUI", emitUI)

	mapping := make(map[string]any)
	for k, v := range p.Mapping() {
		ids := make([]any, len(v))
		for i, id := range v {
			ids[i] = id
		}
		mapping[k] = ids
	}
	_ = o.Set("deviceMap", mapping)

	m.jsProxy = o
	m.proxyFor = p
	return o
}

func argString(c goja.FunctionCall, i int) string {
	v := c.Argument(i)
	if isNullish(v) {
		return ""
	}
	return v.String()
}

func exportAny(v goja.Value) any {
	if isNullish(v) {
		return nil
	}
	return v.Export()
}

func exportMap(v goja.Value) map[string]any {
	if isNullish(v) {
		return nil
	}
	m, _ := v.Export().(map[string]any)
	return m
}

// deepCopy copies a JSON-shaped map so script code cannot mutate the
// caller's value. A nil map becomes an empty one.
func deepCopy(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopy(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	default:
		return val
	}
}
