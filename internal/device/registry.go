// Package device derives fleet liveness from heartbeat age and keeps a
// local mirror of the cloud device registry for the dashboard.
package device

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/muntu/possync/internal/remote"
	possync "github.com/muntu/possync/internal/sync"
)

// Thresholds define the heartbeat-age boundaries for the derived
// connection status.
type Thresholds struct {
	Online time.Duration
	Away   time.Duration
}

// DefaultThresholds matches the dashboard contract: online under a
// minute, away under five, offline beyond that.
var DefaultThresholds = Thresholds{
	Online: 60 * time.Second,
	Away:   300 * time.Second,
}

// Status derives a device's connection status from its last heartbeat.
// The status is never stored; it is recomputed on every read so a device
// that simply stops heartbeating decays to offline without any writes.
func Status(lastHeartbeat, now time.Time, t Thresholds) possync.ConnectionStatus {
	age := now.Sub(lastHeartbeat)
	switch {
	case age < t.Online:
		return possync.StatusOnline
	case age < t.Away:
		return possync.StatusAway
	default:
		return possync.StatusOffline
	}
}

// View is a device record with its derived status attached.
type View struct {
	possync.DeviceRecord
	Status possync.ConnectionStatus `json:"status"`
}

// Store is the local surface the registry needs.
type Store interface {
	UpsertDevice(ctx context.Context, deviceID, deviceName string, heartbeat time.Time) error
	TouchDeviceSync(ctx context.Context, deviceID string, at time.Time) error
	ListDevices(ctx context.Context) ([]possync.DeviceRecord, error)
}

// Remote is the cloud surface the registry needs.
type Remote interface {
	Heartbeat(ctx context.Context, deviceID, deviceName string) error
	ListDevices(ctx context.Context) ([]remote.RemoteDevice, error)
}

// Registry announces this device's liveness to the cloud and mirrors the
// fleet registry locally so the dashboard works offline.
type Registry struct {
	store      Store
	remote     Remote
	deviceID   string
	deviceName string
	thresholds Thresholds
}

// NewRegistry creates a Registry for this device's identity.
func NewRegistry(store Store, rem Remote, deviceID, deviceName string, thresholds Thresholds) *Registry {
	return &Registry{
		store:      store,
		remote:     rem,
		deviceID:   deviceID,
		deviceName: deviceName,
		thresholds: thresholds,
	}
}

// DeviceID returns this device's stable identifier.
func (r *Registry) DeviceID() string { return r.deviceID }

// Heartbeat announces liveness to the cloud and records the beat locally.
// The local record is written even when the cloud call fails so this
// device always appears in its own dashboard.
func (r *Registry) Heartbeat(ctx context.Context, now time.Time) error {
	if err := r.store.UpsertDevice(ctx, r.deviceID, r.deviceName, now); err != nil {
		return err
	}
	if err := r.remote.Heartbeat(ctx, r.deviceID, r.deviceName); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// TouchSync stamps this device's last successful sync cycle.
func (r *Registry) TouchSync(ctx context.Context, at time.Time) error {
	return r.store.TouchDeviceSync(ctx, r.deviceID, at)
}

// Refresh mirrors the cloud registry into the local store. Unreachable
// cloud is not an error for the caller; the dashboard just serves the
// last mirrored state.
func (r *Registry) Refresh(ctx context.Context) {
	devices, err := r.remote.ListDevices(ctx)
	if err != nil {
		slog.Debug("device registry refresh skipped",
			"component", "device",
			"error", err,
		)
		return
	}
	for _, d := range devices {
		if err := r.store.UpsertDevice(ctx, d.DeviceID, d.DeviceName, d.LastHeartbeat); err != nil {
			slog.Warn("device mirror write failed",
				"component", "device",
				"device_id", d.DeviceID,
				"error", err,
			)
		}
	}
}

// List returns every known device with its status derived at now.
func (r *Registry) List(ctx context.Context, now time.Time) ([]View, error) {
	records, err := r.store.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]View, 0, len(records))
	for _, rec := range records {
		views = append(views, View{
			DeviceRecord: rec,
			Status:       Status(rec.LastHeartbeat, now, r.thresholds),
		})
	}
	return views, nil
}
