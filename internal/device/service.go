package device

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/user/playhost/internal/bus"
	"github.com/user/playhost/internal/db"
	"github.com/user/playhost/internal/devicetype"
	"github.com/user/playhost/internal/log"
	"github.com/user/playhost/internal/metrics"
)

const (
	DefaultOfflineTimeout = 60 * time.Second
	DefaultCheckInterval  = 3 * time.Second

	persistTimeout = 5 * time.Second
)

type Config struct {
	Store          Store
	Bus            bus.Client
	Topics         bus.Topics
	Catalog        *devicetype.Catalog
	OfflineTimeout time.Duration
	CheckInterval  time.Duration
	Now            func() time.Time
}

// Service is the in-memory device registry backed by a Store.
type Service struct {
	store          Store
	bus            bus.Client
	topics         bus.Topics
	catalog        *devicetype.Catalog
	offlineTimeout time.Duration
	checkInterval  time.Duration
	now            func() time.Time
	logger         zerolog.Logger

	mu      sync.RWMutex
	devices map[string]*record
	order   []string

	handlersMu sync.RWMutex
	handlers   []func(DataChange)
}

func NewService(cfg Config) *Service {
	if cfg.Topics.ReportPrefix == "" || cfg.Topics.CommandPrefix == "" {
		cfg.Topics = bus.DefaultTopics()
	}
	if cfg.Catalog == nil {
		cfg.Catalog = devicetype.Default()
	}
	if cfg.OfflineTimeout <= 0 {
		cfg.OfflineTimeout = DefaultOfflineTimeout
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		store:          cfg.Store,
		bus:            cfg.Bus,
		topics:         cfg.Topics,
		catalog:        cfg.Catalog,
		offlineTimeout: cfg.OfflineTimeout,
		checkInterval:  cfg.CheckInterval,
		now:            cfg.Now,
		logger:         log.WithComponent("device"),
		devices:        make(map[string]*record),
	}
}

// Load replaces the in-memory registry with the persisted devices and marks
// stale ones offline.
func (s *Service) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	rows, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("load devices: %w", err)
	}

	s.mu.Lock()
	s.devices = make(map[string]*record, len(rows))
	s.order = s.order[:0]
	for _, row := range rows {
		s.devices[row.ID] = &record{
			id:         row.ID,
			name:       row.Name,
			typ:        row.Type,
			connected:  row.Connected,
			lastReport: row.LastReport,
			data:       cloneData(row.Data),
			createdAt:  row.CreatedAt,
		}
		s.order = append(s.order, row.ID)
	}
	s.mu.Unlock()

	s.logger.Info().Int("count", len(rows)).Msg("devices loaded")
	s.SweepOffline()
	return nil
}

// Run sweeps for offline devices until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()
	s.logger.Info().Dur("interval", s.checkInterval).Dur("timeout", s.offlineTimeout).Msg("offline sweep started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("offline sweep stopped")
			return
		case <-ticker.C:
			s.SweepOffline()
		}
	}
}

// SweepOffline marks connected devices whose last report is older than the
// offline timeout as disconnected.
func (s *Service) SweepOffline() {
	now := s.now()
	s.mu.RLock()
	var stale []string
	for _, id := range s.order {
		r := s.devices[id]
		if r.connected && !r.lastReport.IsZero() && now.Sub(r.lastReport) > s.offlineTimeout {
			stale = append(stale, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range stale {
		s.MarkOffline(id)
	}
}

func (s *Service) MarkOffline(id string) {
	s.mu.Lock()
	r, ok := s.devices[id]
	if !ok || !r.connected {
		s.mu.Unlock()
		return
	}
	r.connected = false
	row := r.row()
	s.updateGaugeLocked()
	s.mu.Unlock()

	s.logger.Info().Str(log.FieldDeviceID, id).Dur("timeout", s.offlineTimeout).Msg("device marked offline")
	s.persist(row)
}

func (s *Service) Get(id string) (Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.devices[id]
	if !ok {
		return Device{}, false
	}
	return r.snapshot(), true
}

// List returns devices in registration order.
func (s *Service) List() []Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Device, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.devices[id].snapshot())
	}
	return out
}

// Connected returns the ids of connected devices, sorted.
func (s *Service) Connected() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, r := range s.devices {
		if r.connected {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (s *Service) IsConnected(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.devices[id]
	return ok && r.connected
}

// Property returns the last known value of one property.
func (s *Service) Property(id, name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.devices[id]
	if !ok {
		return nil, false
	}
	v, ok := r.data[name]
	return v, ok
}

// Add registers a device that has not reported yet. Adding an existing id is
// a no-op.
func (s *Service) Add(id, name, typ string) (Device, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Device{}, &Error{Code: CodeInvalidDeviceInput, Message: "device id is required"}
	}
	if typ == "" {
		typ = devicetype.Other
	}
	if name == "" {
		name = s.defaultName(id, typ)
	}

	s.mu.Lock()
	if r, ok := s.devices[id]; ok {
		snap := r.snapshot()
		s.mu.Unlock()
		return snap, nil
	}
	r := &record{id: id, name: name, typ: typ, data: map[string]any{}, createdAt: s.now().UTC()}
	s.devices[id] = r
	s.order = append(s.order, id)
	snap, row := r.snapshot(), r.row()
	s.mu.Unlock()

	s.logger.Info().Str(log.FieldDeviceID, id).Str("type", typ).Str("name", name).Msg("device added")
	s.persist(row)
	return snap, nil
}

func (s *Service) Remove(id string) bool {
	s.mu.Lock()
	_, ok := s.devices[id]
	if ok {
		delete(s.devices, id)
		s.order = removeID(s.order, id)
		s.updateGaugeLocked()
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	if s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if _, err := s.store.Delete(ctx, id); err != nil {
			s.logger.Warn().Err(err).Str(log.FieldDeviceID, id).Msg("delete device failed")
		}
	}
	s.logger.Info().Str(log.FieldDeviceID, id).Msg("device removed")
	return true
}

func (s *Service) Clear() {
	s.mu.Lock()
	s.devices = make(map[string]*record)
	s.order = nil
	s.updateGaugeLocked()
	s.mu.Unlock()

	if s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if _, err := s.store.DeleteAll(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("clear devices failed")
		}
	}
	s.logger.Info().Msg("all devices cleared")
}

// Rename changes the display name. It counts as activity for the device.
func (s *Service) Rename(id, name string) (Device, bool) {
	s.mu.Lock()
	r, ok := s.devices[id]
	if !ok {
		s.mu.Unlock()
		return Device{}, false
	}
	if name != "" {
		r.name = name
	}
	r.lastReport = s.now().UTC()
	snap, row := r.snapshot(), r.row()
	s.mu.Unlock()

	s.persist(row)
	return snap, true
}

// OnDataChange registers h to be called after every update that changes at
// least one property. Handlers run on the caller's goroutine.
func (s *Service) OnDataChange(h func(DataChange)) {
	if h == nil {
		return
	}
	s.handlersMu.Lock()
	s.handlers = append(s.handlers, h)
	s.handlersMu.Unlock()
	s.logger.Debug().Msg("data change handler registered")
}

// UpdateData merges data into the device, marks it connected and notifies
// change handlers with the properties whose value differs.
func (s *Service) UpdateData(id string, data map[string]any) bool {
	s.mu.Lock()
	r, ok := s.devices[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	prev := cloneData(r.data)
	changes := make(map[string]Change)
	for key, next := range data {
		old, had := prev[key]
		if !had || !reflect.DeepEqual(old, next) {
			changes[key] = Change{Old: old, New: next}
		}
	}
	maps.Copy(r.data, data)
	r.lastReport = s.now().UTC()
	wasConnected := r.connected
	r.connected = true
	if !wasConnected {
		s.updateGaugeLocked()
	}
	next := cloneData(r.data)
	row := r.row()
	s.mu.Unlock()

	if !wasConnected {
		s.logger.Info().Str(log.FieldDeviceID, id).Msg("device connected")
	}
	s.persist(row)

	if len(changes) > 0 {
		s.emit(DataChange{DeviceID: id, Changes: changes, Prev: prev, Next: next})
	}
	return true
}

// HandleMessage ingests one bus message. Reports from unknown devices
// register them; other traffic from unknown devices is ignored.
func (s *Service) HandleMessage(msg bus.Message) {
	id, ok := s.topics.DeviceFromReport(msg.Topic)
	if !ok {
		return
	}
	payload, ok := bus.DecodeObject(msg.Payload)
	if !ok {
		s.logger.Warn().Str(log.FieldTopic, msg.Topic).Int("bytes", len(msg.Payload)).Msg("device message is not a json object")
		return
	}
	method, _ := payload["method"].(string)

	if _, known := s.Get(id); !known {
		if method != "report" {
			return
		}
		typ, _ := payload["device_type"].(string)
		if typ == "" {
			typ = devicetype.Other
		}
		if _, err := s.Add(id, "", typ); err != nil {
			s.logger.Warn().Err(err).Str(log.FieldDeviceID, id).Msg("auto-register device failed")
			return
		}
	}

	switch method {
	case "report":
		s.UpdateData(id, withoutMethod(payload))
	case "update":
		if key, ok := payload["key"].(string); ok && key != "" {
			s.UpdateData(id, map[string]any{key: payload["value"]})
		} else {
			s.UpdateData(id, withoutMethod(payload))
		}
	default:
		s.touch(id)
	}
}

// PublishUpdate sends {method:"update", ...props} to the device's command topic.
func (s *Service) PublishUpdate(id string, props map[string]any) error {
	payload := make(map[string]any, len(props)+1)
	maps.Copy(payload, props)
	payload["method"] = "update"
	return s.publish(id, payload)
}

// ExecuteOperation sends a canned operation of the device's type, with params
// overriding the operation payload.
func (s *Service) ExecuteOperation(id, key string, params map[string]any) error {
	dev, ok := s.Get(id)
	if !ok {
		return &Error{Code: CodeDeviceNotFound, Message: fmt.Sprintf("device %s not found", id)}
	}
	op, ok := s.catalog.Operation(dev.Type, key)
	if !ok {
		return &Error{Code: CodeOperationNotFound, Message: fmt.Sprintf("operation %s not found for type %s", key, dev.Type)}
	}
	payload := make(map[string]any, len(op.Payload)+len(params))
	maps.Copy(payload, op.Payload)
	maps.Copy(payload, params)
	if err := s.publish(id, payload); err != nil {
		return &Error{Code: CodePublishFailed, Message: "operation publish failed", Err: err}
	}
	s.logger.Info().Str(log.FieldDeviceID, id).Str("operation", key).Msg("device operation executed")
	return nil
}

// Monitor returns the monitor fields of the device's type that have data.
func (s *Service) Monitor(id string) (Monitor, bool) {
	dev, ok := s.Get(id)
	if !ok {
		return Monitor{}, false
	}
	out := Monitor{DeviceID: dev.ID, Type: dev.Type, Data: map[string]any{}, Timestamp: dev.LastReport}
	for _, field := range s.catalog.MonitorData(dev.Type) {
		if v, ok := dev.Data[field.Key]; ok {
			out.Data[field.Key] = v
		}
	}
	return out, true
}

func (s *Service) publish(id string, payload map[string]any) error {
	if s.bus == nil {
		return bus.ErrNotConnected
	}
	topic := s.topics.CommandTopic(id)
	if err := s.bus.Publish(topic, payload); err != nil {
		if !errors.Is(err, bus.ErrThrottled) {
			s.logger.Warn().Err(err).Str(log.FieldTopic, topic).Msg("device publish failed")
		}
		return err
	}
	return nil
}

func (s *Service) touch(id string) {
	s.mu.Lock()
	r, ok := s.devices[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	r.lastReport = s.now().UTC()
	if !r.connected {
		r.connected = true
		s.updateGaugeLocked()
	}
	row := r.row()
	s.mu.Unlock()
	s.persist(row)
}

func (s *Service) emit(change DataChange) {
	s.handlersMu.RLock()
	handlers := slices.Clone(s.handlers)
	s.handlersMu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Warn().Interface("panic", r).Str(log.FieldDeviceID, change.DeviceID).Msg("data change handler panicked")
				}
			}()
			h(change)
		}()
	}
}

func (s *Service) persist(row *db.Device) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.store.Upsert(ctx, row); err != nil {
		s.logger.Warn().Err(err).Str(log.FieldDeviceID, row.ID).Msg("persist device failed")
	}
}

func (s *Service) defaultName(id, typ string) string {
	suffix := id
	if len(suffix) > 4 {
		suffix = suffix[len(suffix)-4:]
	}
	return s.catalog.Name(typ) + "-" + suffix
}

func (s *Service) updateGaugeLocked() {
	n := 0
	for _, r := range s.devices {
		if r.connected {
			n++
		}
	}
	metrics.DevicesConnected.Set(float64(n))
}

func withoutMethod(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if k == "method" {
			continue
		}
		out[k] = v
	}
	return out
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
