// Package rollback snapshots device configuration before a change is
// applied and restores it when the change fails.
//
// Restoring a snapshot twice is a no-op: the snapshot records that it
// was restored, and the second call returns without touching the
// device.
package rollback

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/preacher1045/pdsno/internal/clock"
	"github.com/preacher1045/pdsno/internal/coord"
	"github.com/preacher1045/pdsno/internal/ids"
	"github.com/preacher1045/pdsno/internal/ir"
	"github.com/preacher1045/pdsno/internal/model"
	"github.com/preacher1045/pdsno/internal/store"
)

// Restorer pushes a configuration back onto a device. Implementations
// must be idempotent: the manager may call Restore again for a snapshot
// whose earlier restore failed.
type Restorer interface {
	Restore(ctx context.Context, deviceID string, config ir.Object) error
}

// RestorerFunc adapts a function to Restorer.
type RestorerFunc func(ctx context.Context, deviceID string, config ir.Object) error

// Restore calls f.
func (f RestorerFunc) Restore(ctx context.Context, deviceID string, config ir.Object) error {
	return f(ctx, deviceID, config)
}

// Result describes a finished rollback.
type Result struct {
	Snapshot model.Snapshot

	// Noop is set when the snapshot had already been restored.
	Noop bool
}

// Manager takes and restores snapshots.
type Manager struct {
	coord    *coord.Coordinator
	restorer Restorer
	clock    clock.Clock
	ids      ids.Generator
	logger   *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for snapshot timestamps.
func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithIDs sets the snapshot id generator.
func WithIDs(g ids.Generator) Option { return func(m *Manager) { m.ids = g } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// New creates a Manager. A nil restorer only rewrites the stored device
// record, for deployments where the executor reconciles devices from it.
func New(c *coord.Coordinator, r Restorer, opts ...Option) *Manager {
	m := &Manager{
		coord:    c,
		restorer: r,
		clock:    clock.Real(),
		ids:      ids.UUIDv7{},
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Snapshot records the current configuration of a device ahead of the
// change configID.
func (m *Manager) Snapshot(ctx context.Context, deviceID, configID string) (model.Snapshot, error) {
	dev, err := coord.Get[model.Device](ctx, m.coord, store.Devices, deviceID)
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("snapshot %s: %w", deviceID, err)
	}

	config := dev.Config.Clone()
	if config == nil {
		config = ir.Object{}
	}
	hash, err := configHash(config)
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("snapshot %s: %w", deviceID, err)
	}

	snap := &model.Snapshot{
		Entity:       model.Entity{ID: m.ids.Generate(), DataTier: model.DataDurable},
		DeviceID:     deviceID,
		ConfigID:     configID,
		Payload:      config,
		ConfigHash:   hash,
		LastChangeID: dev.LastChangeID,
		Status:       model.SnapshotPending,
		TakenAt:      m.clock.Now().UTC(),
	}
	if err := m.coord.Create(ctx, store.Snapshots, snap); err != nil {
		return model.Snapshot{}, fmt.Errorf("snapshot %s: %w", deviceID, err)
	}
	m.logger.Debug("snapshot taken", "snapshot_id", snap.ID, "device_id", deviceID, "config_id", configID)
	return *snap, nil
}

// Get returns a snapshot.
func (m *Manager) Get(ctx context.Context, snapshotID string) (model.Snapshot, error) {
	snap, err := coord.Get[model.Snapshot](ctx, m.coord, store.Snapshots, snapshotID)
	if err != nil {
		return model.Snapshot{}, err
	}
	return *snap, nil
}

// Rollback restores the device to the snapshot. A snapshot already
// restored returns a Noop result. A restorer failure marks the snapshot
// failed and returns a RollbackFailureError.
func (m *Manager) Rollback(ctx context.Context, snapshotID string) (Result, error) {
	snap, err := m.Get(ctx, snapshotID)
	if err != nil {
		return Result{}, fmt.Errorf("rollback %s: %w", snapshotID, err)
	}
	if snap.Status == model.SnapshotRestored {
		m.logger.Debug("snapshot already restored", "snapshot_id", snapshotID)
		return Result{Snapshot: snap, Noop: true}, nil
	}

	if m.restorer != nil {
		if err := m.restorer.Restore(ctx, snap.DeviceID, snap.Payload.Clone()); err != nil {
			if _, markErr := m.mark(ctx, snapshotID, model.SnapshotFailed); markErr != nil {
				m.logger.Error("mark snapshot failed", "snapshot_id", snapshotID, "error", markErr)
			}
			return Result{Snapshot: snap}, &RollbackFailureError{SnapshotID: snapshotID, DeviceID: snap.DeviceID, Err: err}
		}
	}

	if _, err := coord.Update[model.Device](ctx, m.coord, store.Devices, snap.DeviceID, func(d *model.Device) error {
		d.Config = snap.Payload.Clone()
		d.ConfigHash = snap.ConfigHash
		d.LastChangeID = snap.LastChangeID
		return nil
	}); err != nil {
		return Result{Snapshot: snap}, &RollbackFailureError{SnapshotID: snapshotID, DeviceID: snap.DeviceID, Err: err}
	}

	restored, err := m.mark(ctx, snapshotID, model.SnapshotRestored)
	if err != nil {
		return Result{Snapshot: snap}, err
	}
	if restored == nil {
		// Another caller finished the same restore first.
		return Result{Snapshot: snap, Noop: true}, nil
	}
	m.logger.Info("snapshot restored", "snapshot_id", snapshotID, "device_id", snap.DeviceID)
	return Result{Snapshot: *restored}, nil
}

// mark sets the snapshot status. It returns nil when the snapshot was
// already restored, which no later mark may undo.
func (m *Manager) mark(ctx context.Context, snapshotID string, status model.SnapshotStatus) (*model.Snapshot, error) {
	var already bool
	snap, err := coord.Update[model.Snapshot](ctx, m.coord, store.Snapshots, snapshotID, func(s *model.Snapshot) error {
		if s.Status == model.SnapshotRestored {
			already = true
			return coord.ErrNoChange
		}
		s.Status = status
		if status == model.SnapshotRestored {
			s.RestoredAt = m.clock.Now().UTC()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if already {
		return nil, nil
	}
	return snap, nil
}

func configHash(config ir.Object) (string, error) {
	canonical, err := ir.MarshalCanonical(config)
	if err != nil {
		return "", err
	}
	return ir.HashWithDomain(ir.DomainSnapshot, canonical), nil
}
