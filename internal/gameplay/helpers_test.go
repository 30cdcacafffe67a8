package gameplay

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/user/playhost/internal/bus"
	"github.com/user/playhost/internal/device"
	"github.com/user/playhost/internal/log"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeDevices struct {
	mu       sync.Mutex
	devices  map[string]device.Device
	updates  []published
	handlers []func(device.DataChange)
}

type published struct {
	ID    string
	Props map[string]any
}

func newFakeDevices(devs ...device.Device) *fakeDevices {
	f := &fakeDevices{devices: make(map[string]device.Device)}
	for _, d := range devs {
		f.devices[d.ID] = d
	}
	return f
}

func (f *fakeDevices) Get(id string) (device.Device, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[id]
	return d, ok
}

func (f *fakeDevices) Property(id, name string) (any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[id]
	if !ok {
		return nil, false
	}
	v, ok := d.Data[name]
	return v, ok
}

func (f *fakeDevices) PublishUpdate(id string, props map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, published{ID: id, Props: props})
	return nil
}

func (f *fakeDevices) OnDataChange(h func(device.DataChange)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, h)
}

func (f *fakeDevices) Updates() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.updates...)
}

type fakeBus struct {
	mu        sync.Mutex
	published []bus.Message
	handlers  []bus.Handler
}

func (b *fakeBus) Publish(topic string, payload any) error {
	data, err := bus.Encode(payload)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, bus.Message{Topic: topic, Payload: data})
	return nil
}

func (b *fakeBus) OnMessage(h bus.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

func (b *fakeBus) Published() []bus.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]bus.Message(nil), b.published...)
}

type logEntry struct {
	Level   string
	Message string
	Extra   map[string]any
}

type fakeOutput struct {
	mu     sync.Mutex
	states []map[string]any
	uis    []map[string]any
	logs   []logEntry
	ends   int
}

func (o *fakeOutput) EmitState(delta map[string]any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, delta)
}

func (o *fakeOutput) EmitUI(delta map[string]any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.uis = append(o.uis, delta)
}

func (o *fakeOutput) EmitLog(level, message string, extra map[string]any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.logs = append(o.logs, logEntry{Level: level, Message: message, Extra: extra})
}

func (o *fakeOutput) EndSession() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ends++
}

func (o *fakeOutput) States() []map[string]any {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]map[string]any(nil), o.states...)
}

func (o *fakeOutput) Ends() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ends
}

func (o *fakeOutput) HasLog(substr string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, l := range o.logs {
		if l.Message == substr {
			return true
		}
	}
	return false
}

type fakeRuns struct {
	mu      sync.Mutex
	records []RunRecord
}

func (r *fakeRuns) RecordRun(_ context.Context, rec RunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *fakeRuns) Records() []RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RunRecord(nil), r.records...)
}

// sourceLoader serves modules from in-memory sources keyed by path.
type sourceLoader struct {
	loader  *Loader
	sources map[string]string
}

func newSourceLoader(sources map[string]string) *sourceLoader {
	return &sourceLoader{loader: NewLoader(LoaderConfig{}), sources: sources}
}

func (l *sourceLoader) Load(ctx context.Context, path string) (Module, error) {
	src, ok := l.sources[path]
	if !ok {
		return nil, newError(CodeFileNotFound, "module file "+path+" not found", nil)
	}
	return l.loader.LoadSource(ctx, path, src)
}

func mustLoad(t *testing.T, src string) Module {
	t.Helper()
	m, err := NewLoader(LoaderConfig{}).LoadSource(context.Background(), "test.js", src)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func testLogger() zerolog.Logger {
	return log.WithComponent("test")
}
