package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	possync "github.com/muntu/possync/internal/sync"
)

// UpsertDevice records a heartbeat observation for a device, creating the
// record on first sight. Devices are never hard-deleted; the table is a
// soft history of every device that has touched the system.
func (s *SQLiteStore) UpsertDevice(ctx context.Context, deviceID, deviceName string, heartbeat time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (device_id, device_name, last_heartbeat, first_seen_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			device_name = excluded.device_name,
			last_heartbeat = excluded.last_heartbeat
	`, deviceID, deviceName, formatTime(heartbeat), formatTime(heartbeat))
	if err != nil {
		return fmt.Errorf("upsert device %s: %w", deviceID, err)
	}
	return nil
}

// TouchDeviceSync stamps the device's last successful sync cycle.
func (s *SQLiteStore) TouchDeviceSync(ctx context.Context, deviceID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE devices SET last_sync_at = ? WHERE device_id = ?
	`, formatTime(at), deviceID)
	if err != nil {
		return fmt.Errorf("touch device sync %s: %w", deviceID, err)
	}
	return nil
}

// ListDevices returns every known device, most recently seen first.
func (s *SQLiteStore) ListDevices(ctx context.Context) ([]possync.DeviceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, device_name, last_heartbeat, last_sync_at, first_seen_at
		FROM devices
		ORDER BY last_heartbeat DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	devices := make([]possync.DeviceRecord, 0)
	for rows.Next() {
		var (
			d                      possync.DeviceRecord
			heartbeat, firstSeen   string
			lastSync               sql.NullString
		)
		if err := rows.Scan(&d.DeviceID, &d.DeviceName, &heartbeat, &lastSync, &firstSeen); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		if d.LastHeartbeat, err = parseTime(heartbeat); err != nil {
			return nil, fmt.Errorf("parse last_heartbeat for %s: %w", d.DeviceID, err)
		}
		if d.FirstSeenAt, err = parseTime(firstSeen); err != nil {
			return nil, fmt.Errorf("parse first_seen_at for %s: %w", d.DeviceID, err)
		}
		if d.LastSyncAt, err = parseNullTime(lastSync); err != nil {
			return nil, fmt.Errorf("parse last_sync_at for %s: %w", d.DeviceID, err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}
