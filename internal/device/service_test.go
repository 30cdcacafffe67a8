package device

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/playhost/internal/bus"
	"github.com/user/playhost/internal/db"
)

type published struct {
	topic   string
	payload any
}

type recordingBus struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (b *recordingBus) Publish(topic string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.msgs = append(b.msgs, published{topic: topic, payload: payload})
	return nil
}

func (b *recordingBus) OnMessage(bus.Handler) {}

func (b *recordingBus) last() published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.msgs[len(b.msgs)-1]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T) (*Service, *recordingBus, *fakeClock, *db.DB) {
	t.Helper()
	database, err := db.Open(context.Background(), t.TempDir()+"/devices.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	b := &recordingBus{}
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc := NewService(Config{
		Store:          database.Devices(),
		Bus:            b,
		OfflineTimeout: time.Minute,
		Now:            clock.Now,
	})
	return svc, b, clock, database
}

func report(id, body string) bus.Message {
	return bus.Message{Topic: "/dpub/" + id, Payload: []byte(body)}
}

func TestReportAutoRegistersDevice(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	svc.HandleMessage(report("AABBCCDD1234", `{"method":"report","device_type":"TD01","power":10}`))

	dev, ok := svc.Get("AABBCCDD1234")
	require.True(t, ok)
	assert.Equal(t, "TD01", dev.Type)
	assert.Equal(t, "Eccentric motor controller-1234", dev.Name)
	assert.True(t, dev.Connected)
	assert.Equal(t, map[string]any{"device_type": "TD01", "power": float64(10)}, dev.Data)
	require.NotNil(t, dev.LastReport)
}

func TestNonReportFromUnknownDeviceIgnored(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	svc.HandleMessage(report("X1", `{"method":"update","key":"power","value":3}`))
	svc.HandleMessage(bus.Message{Topic: "/drecv/X1", Payload: []byte(`{"method":"report"}`)})
	svc.HandleMessage(report("X1", `not json`))

	assert.Empty(t, svc.List())
}

func TestUpdateKeyValueAndChangeDetection(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	svc.HandleMessage(report("D1", `{"method":"report","power":1,"mode":{"a":1}}`))

	var got []DataChange
	svc.OnDataChange(func(c DataChange) { got = append(got, c) })

	svc.HandleMessage(report("D1", `{"method":"update","key":"power","value":5}`))
	svc.HandleMessage(report("D1", `{"method":"report","power":5,"mode":{"a":1}}`))
	svc.HandleMessage(report("D1", `{"method":"update","mode":{"a":2},"extra":null}`))

	require.Len(t, got, 2)
	assert.Equal(t, map[string]Change{"power": {Old: float64(1), New: float64(5)}}, got[0].Changes)
	assert.Equal(t, Change{Old: map[string]any{"a": float64(1)}, New: map[string]any{"a": float64(2)}}, got[1].Changes["mode"])
	extra, ok := got[1].Changes["extra"]
	require.True(t, ok, "a property reported for the first time is a change even when null")
	assert.Nil(t, extra.Old)
	assert.Nil(t, extra.New)
}

func TestHandlerPanicDoesNotStopOthers(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	_, err := svc.Add("D1", "dev", "QTZ")
	require.NoError(t, err)

	called := false
	svc.OnDataChange(func(DataChange) { panic("boom") })
	svc.OnDataChange(func(DataChange) { called = true })

	assert.True(t, svc.UpdateData("D1", map[string]any{"distance": 10}))
	assert.True(t, called)
	assert.False(t, svc.UpdateData("missing", map[string]any{"distance": 10}))
}

func TestSweepOfflineAndReload(t *testing.T) {
	svc, b, clock, database := newTestService(t)
	svc.HandleMessage(report("D1", `{"method":"report","distance":3}`))
	require.True(t, svc.IsConnected("D1"))

	clock.Advance(30 * time.Second)
	svc.SweepOffline()
	assert.True(t, svc.IsConnected("D1"))

	clock.Advance(31 * time.Second)
	svc.SweepOffline()
	assert.False(t, svc.IsConnected("D1"))

	reloaded := NewService(Config{Store: database.Devices(), Bus: b, Now: clock.Now})
	require.NoError(t, reloaded.Load(context.Background()))
	dev, ok := reloaded.Get("D1")
	require.True(t, ok)
	assert.False(t, dev.Connected)
	assert.Equal(t, float64(3), dev.Data["distance"])
}

func TestRunStopsOnCancel(t *testing.T) {
	svc := NewService(Config{CheckInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestPublishUpdateAndExecuteOperation(t *testing.T) {
	svc, b, _, _ := newTestService(t)
	_, err := svc.Add("M1", "motor", "TD01")
	require.NoError(t, err)

	require.NoError(t, svc.PublishUpdate("M1", map[string]any{"power": 20, "method": "ignored"}))
	assert.Equal(t, published{topic: "/drecv/M1", payload: map[string]any{"method": "update", "power": 20}}, b.last())

	require.NoError(t, svc.ExecuteOperation("M1", "start", map[string]any{"power": 100}))
	assert.Equal(t, map[string]any{"method": "update", "power": 100}, b.last().payload)

	err = svc.ExecuteOperation("nope", "start", nil)
	assert.Equal(t, CodeDeviceNotFound, CodeOf(err))
	err = svc.ExecuteOperation("M1", "fly", nil)
	assert.Equal(t, CodeOperationNotFound, CodeOf(err))

	b.err = bus.ErrNotConnected
	err = svc.ExecuteOperation("M1", "stop", nil)
	assert.Equal(t, CodePublishFailed, CodeOf(err))
	assert.ErrorIs(t, err, bus.ErrNotConnected)
}

func TestMonitorRenameRemoveClear(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	svc.HandleMessage(report("Q1", `{"method":"report","device_type":"QIYA","pressure":101,"noise":1}`))

	mon, ok := svc.Monitor("Q1")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"pressure": float64(101)}, mon.Data)

	dev, ok := svc.Rename("Q1", "bench sensor")
	require.True(t, ok)
	assert.Equal(t, "bench sensor", dev.Name)

	_, err := svc.Add("", "x", "")
	assert.Equal(t, CodeInvalidDeviceInput, CodeOf(err))
	_, err = svc.Add("O1", "", "")
	require.NoError(t, err)
	assert.Len(t, svc.List(), 2)
	assert.Equal(t, []string{"Q1"}, svc.Connected())

	assert.True(t, svc.Remove("Q1"))
	assert.False(t, svc.Remove("Q1"))
	svc.Clear()
	assert.Empty(t, svc.List())
}
