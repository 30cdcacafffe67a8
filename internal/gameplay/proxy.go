package gameplay

import (
	"encoding/json"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/user/playhost/internal/bus"
	"github.com/user/playhost/internal/device"
	"github.com/user/playhost/internal/log"
)

// DeviceRegistry is the part of the device registry a session needs.
// *device.Service satisfies it.
type DeviceRegistry interface {
	Get(id string) (device.Device, bool)
	Property(id, name string) (any, bool)
	PublishUpdate(id string, props map[string]any) error
}

// Capabilities answers whether a device type advertises an interface.
// *devicetype.Catalog satisfies it.
type Capabilities interface {
	HasInterface(typ, iface string) bool
}

// Broadcaster receives module output. *broadcast.Broadcaster satisfies it.
type Broadcaster interface {
	EmitState(delta map[string]any)
	EmitUI(delta map[string]any)
	EmitLog(level, message string, extra map[string]any)
	EndSession()
}

// sessionLog fans one log record out to the process log, the durable sink
// and the broadcaster's log channel.
type sessionLog struct {
	logger zerolog.Logger
	sink   log.Sink
	out    Broadcaster
}

const logScope = "GamePlay"

func (l sessionLog) write(level, message string, extra map[string]any) {
	level = normalizeLevel(level)
	ev := l.logger.WithLevel(zerologLevel(level))
	if len(extra) > 0 {
		ev = ev.Interface("extra", extra)
	}
	ev.Msg(message)

	if l.sink != nil {
		line := message
		if len(extra) > 0 {
			if data, err := json.Marshal(extra); err == nil {
				line += " " + string(data)
			}
		}
		l.sink.Write(level, logScope, line)
	}
	if l.out != nil {
		l.out.EmitLog(level, message, extra)
	}
}

func normalizeLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return "debug"
	case "warn", "warning":
		return "warn"
	case "error":
		return "error"
	default:
		return "info"
	}
}

func zerologLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Proxy is the device facade handed to a module for one session. Every
// method is a no-op once the session has been torn down.
type Proxy struct {
	binding   Binding
	listeners *Listeners
	devices   DeviceRegistry
	bus       bus.Client
	topics    bus.Topics
	out       Broadcaster
	log       sessionLog
	closed    atomic.Bool
}

type proxyConfig struct {
	Binding   Binding
	Listeners *Listeners
	Devices   DeviceRegistry
	Bus       bus.Client
	Topics    bus.Topics
	Out       Broadcaster
	Log       sessionLog
}

func newProxy(cfg proxyConfig) *Proxy {
	return &Proxy{
		binding:   cfg.Binding,
		listeners: cfg.Listeners,
		devices:   cfg.Devices,
		bus:       cfg.Bus,
		topics:    cfg.Topics,
		out:       cfg.Out,
		log:       cfg.Log,
	}
}

func (p *Proxy) close() { p.closed.Store(true) }

// Closed reports whether the owning session has ended.
func (p *Proxy) Closed() bool { return p.closed.Load() }

// Mapping returns the session's logical to physical binding.
func (p *Proxy) Mapping() map[string][]string { return p.binding.Mapping() }

// SetDeviceProperty sends a property update to every device bound to
// logicalID.
func (p *Proxy) SetDeviceProperty(logicalID string, props map[string]any) {
	if p.Closed() {
		return
	}
	ids := p.binding.Devices(logicalID)
	if len(ids) == 0 {
		p.log.write("warn", "device not mapped, property update ignored", map[string]any{"logicalId": logicalID})
		return
	}
	if props == nil {
		props = map[string]any{}
	}
	for _, id := range ids {
		if err := p.devices.PublishUpdate(id, props); err != nil {
			p.log.write("error", "device property update failed", map[string]any{"logicalId": logicalID, "deviceId": id, "error": err.Error()})
		}
	}
}

// GetDeviceProperty returns the last known value from the first device bound
// to logicalID.
func (p *Proxy) GetDeviceProperty(logicalID, property string) (any, bool) {
	if p.Closed() {
		return nil, false
	}
	ids := p.binding.Devices(logicalID)
	if len(ids) == 0 {
		return nil, false
	}
	return p.devices.Property(ids[0], property)
}

// SendDeviceMessage publishes msg to the command topic of every device bound
// to logicalID.
func (p *Proxy) SendDeviceMessage(logicalID string, msg any) {
	if p.Closed() {
		return
	}
	ids := p.binding.Devices(logicalID)
	if len(ids) == 0 {
		p.log.write("warn", "device not mapped, message ignored", map[string]any{"logicalId": logicalID})
		return
	}
	for _, id := range ids {
		if err := p.publish(p.topics.CommandTopic(id), msg); err != nil {
			p.log.write("error", "device message publish failed", map[string]any{"logicalId": logicalID, "deviceId": id, "error": err.Error()})
			continue
		}
		p.log.write("debug", "device message sent", map[string]any{"logicalId": logicalID, "deviceId": id})
	}
}

// SendBusMessage publishes msg to an arbitrary topic.
func (p *Proxy) SendBusMessage(topic string, msg any) {
	if p.Closed() {
		return
	}
	if err := p.publish(topic, msg); err != nil {
		p.log.write("error", "bus message publish failed", map[string]any{"topic": topic, "error": err.Error()})
		return
	}
	p.log.write("debug", "bus message sent", map[string]any{"topic": topic})
}

func (p *Proxy) publish(topic string, msg any) error {
	if p.bus == nil {
		return bus.ErrNotConnected
	}
	if msg == nil {
		msg = map[string]any{}
	}
	return p.bus.Publish(topic, msg)
}

func (p *Proxy) ListenDeviceMessages(logicalID string, fn MessageListener) {
	if p.Closed() {
		return
	}
	if n := p.listeners.AddMessage(logicalID, fn); n > 0 {
		p.log.write("info", "device message listener registered", map[string]any{"logicalId": logicalID, "count": n})
	}
}

func (p *Proxy) ListenDeviceProperty(logicalID, property string, fn PropertyListener) {
	if p.Closed() {
		return
	}
	if n := p.listeners.AddProperty(logicalID, property, fn); n > 0 {
		p.log.write("info", "device property listener registered", map[string]any{"logicalId": logicalID, "property": property, "count": n})
	}
}

func (p *Proxy) Log(level, message string, extra map[string]any) {
	if p.Closed() {
		return
	}
	p.log.write(level, message, extra)
}

func (p *Proxy) EmitState(delta map[string]any) {
	if p.Closed() || len(delta) == 0 || p.out == nil {
		return
	}
	p.out.EmitState(delta)
}

func (p *Proxy) EmitUI(delta map[string]any) {
	if p.Closed() || len(delta) == 0 || p.out == nil {
		return
	}
	p.out.EmitUI(delta)
}
