package db

import (
	"context"
	"database/sql"
	"fmt"
)

type DeviceRepo struct {
	db *sql.DB
}

func NewDeviceRepo(db *sql.DB) *DeviceRepo {
	return &DeviceRepo{db: db}
}

const deviceColumns = `id, name, type, connected, last_report, data, created_at, updated_at`

func (r *DeviceRepo) Get(ctx context.Context, id string) (*Device, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id)
	item, err := scanDevice(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get device: %w", err)
	}
	return item, nil
}

func (r *DeviceRepo) List(ctx context.Context) ([]*Device, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	items := make([]*Device, 0)
	for rows.Next() {
		item, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}
	return items, nil
}

// Upsert inserts or fully replaces a device row. CreatedAt is kept from the
// existing row when present.
func (r *DeviceRepo) Upsert(ctx context.Context, d *Device) error {
	if d == nil || d.ID == "" {
		return fmt.Errorf("device id is required")
	}
	data, err := encodeObject(d.Data)
	if err != nil {
		return err
	}
	now := nowUTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	_, err = r.db.ExecContext(ctx, `
INSERT INTO devices (`+deviceColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	name = excluded.name,
	type = excluded.type,
	connected = excluded.connected,
	last_report = excluded.last_report,
	data = excluded.data,
	updated_at = excluded.updated_at
`, d.ID, d.Name, d.Type, boolToInt(d.Connected), formatTimestampOrEmpty(d.LastReport), data, formatTimestamp(d.CreatedAt), formatTimestamp(d.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	return nil
}

// Delete removes one device. It reports whether a row existed.
func (r *DeviceRepo) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete device: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete device rows affected: %w", err)
	}
	return rows > 0, nil
}

func (r *DeviceRepo) DeleteAll(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM devices`)
	if err != nil {
		return 0, fmt.Errorf("clear devices: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear devices rows affected: %w", err)
	}
	return rows, nil
}

// MarkAllOffline resets the connected flag, used at startup since no device
// can be considered connected before it reports again.
func (r *DeviceRepo) MarkAllOffline(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE devices SET connected = 0, updated_at = ? WHERE connected = 1`, formatTimestamp(nowUTC())); err != nil {
		return fmt.Errorf("mark devices offline: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var item Device
	var connected int
	var lastReportRaw, dataRaw, createdAtRaw, updatedAtRaw string
	if err := row.Scan(&item.ID, &item.Name, &item.Type, &connected, &lastReportRaw, &dataRaw, &createdAtRaw, &updatedAtRaw); err != nil {
		return nil, err
	}
	item.Connected = connected == 1
	var err error
	if item.LastReport, err = parseOptionalTimestamp(lastReportRaw); err != nil {
		return nil, err
	}
	if item.Data, err = decodeObject(dataRaw); err != nil {
		return nil, err
	}
	if item.CreatedAt, err = parseTimestamp(createdAtRaw); err != nil {
		return nil, err
	}
	if item.UpdatedAt, err = parseTimestamp(updatedAtRaw); err != nil {
		return nil, err
	}
	return &item, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
