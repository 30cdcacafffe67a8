// Package device keeps the registry of physical devices seen on the bus: their
// last known data, connection state and type. It persists through a Store and
// notifies subscribers when reported properties change.
package device

import (
	"context"
	"maps"
	"time"

	"github.com/user/playhost/internal/db"
)

// Device is a snapshot of one registered device. Data is a private copy.
type Device struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Connected  bool           `json:"connected"`
	LastReport *time.Time     `json:"lastReport"`
	Data       map[string]any `json:"data"`
}

// Change is the before/after value of one property. Old is nil when the
// property had never been reported.
type Change struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// DataChange describes the properties that changed in one update.
type DataChange struct {
	DeviceID string
	Changes  map[string]Change
	Prev     map[string]any
	Next     map[string]any
}

// Monitor is the subset of device data declared as monitor fields for its type.
type Monitor struct {
	DeviceID  string         `json:"deviceId"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp *time.Time     `json:"timestamp"`
}

// Store persists devices. *db.DeviceRepo satisfies it.
type Store interface {
	List(ctx context.Context) ([]*db.Device, error)
	Upsert(ctx context.Context, d *db.Device) error
	Delete(ctx context.Context, id string) (bool, error)
	DeleteAll(ctx context.Context) (int64, error)
}

type record struct {
	id         string
	name       string
	typ        string
	connected  bool
	lastReport time.Time
	data       map[string]any
	createdAt  time.Time
}

func (r *record) snapshot() Device {
	d := Device{
		ID:        r.id,
		Name:      r.name,
		Type:      r.typ,
		Connected: r.connected,
		Data:      cloneData(r.data),
	}
	if !r.lastReport.IsZero() {
		ts := r.lastReport
		d.LastReport = &ts
	}
	return d
}

func (r *record) row() *db.Device {
	return &db.Device{
		ID:         r.id,
		Name:       r.name,
		Type:       r.typ,
		Connected:  r.connected,
		LastReport: r.lastReport,
		Data:       cloneData(r.data),
		CreatedAt:  r.createdAt,
	}
}

func cloneData(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	return maps.Clone(in)
}
