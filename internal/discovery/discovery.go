// Package discovery applies device observations reported by discovery
// agents.
//
// Observations arrive as upsert deltas and go through the write
// coordinator like any other write. Devices are keyed by an id derived
// from the MAC address, so two agents reporting the same new device at
// once converge on one record. A device is marked inactive only after
// it has been missing from several consecutive discovery cycles.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/preacher1045/pdsno/internal/audit"
	"github.com/preacher1045/pdsno/internal/clock"
	"github.com/preacher1045/pdsno/internal/coord"
	"github.com/preacher1045/pdsno/internal/ir"
	"github.com/preacher1045/pdsno/internal/metrics"
	"github.com/preacher1045/pdsno/internal/model"
	"github.com/preacher1045/pdsno/internal/store"
)

// DefaultThreshold is the number of consecutive missed cycles after
// which a device is marked inactive.
const DefaultThreshold = 3

// ErrInvalidDelta is returned for observations that cannot be applied.
var ErrInvalidDelta = errors.New("invalid device delta")

// Delta is one observation of a device.
type Delta struct {
	MAC        string             `json:"mac" yaml:"mac"`
	IP         string             `json:"ip" yaml:"ip"`
	Status     model.DeviceStatus `json:"status,omitempty" yaml:"status,omitempty"`
	ObservedAt time.Time          `json:"observed_at" yaml:"observed_at"`
}

// Outcome says what applying a delta did.
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeUpdated Outcome = "updated"
	OutcomeStale   Outcome = "stale"
)

// Ingestor applies deltas and tracks missed cycles.
type Ingestor struct {
	coord     *coord.Coordinator
	audit     *audit.Log
	threshold int
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *metrics.Recorder
}

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithThreshold sets the missed-cycle threshold. Values below one are
// ignored.
func WithThreshold(n int) Option {
	return func(i *Ingestor) {
		if n >= 1 {
			i.threshold = n
		}
	}
}

// WithClock sets the clock that stamps last_seen, and observed_at when
// a delta carries none.
func WithClock(c clock.Clock) Option { return func(i *Ingestor) { i.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(i *Ingestor) { i.logger = l } }

// WithMetrics sets the metrics recorder.
func WithMetrics(r *metrics.Recorder) Option { return func(i *Ingestor) { i.metrics = r } }

// New creates an Ingestor. Inactivity is audited through log.
func New(c *coord.Coordinator, log *audit.Log, opts ...Option) *Ingestor {
	i := &Ingestor{
		coord:     c,
		audit:     log,
		threshold: DefaultThreshold,
		clock:     clock.Real(),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Apply records one observation by agentID. A delta older than the last
// one applied to the device is ignored. A re-observation resets the
// missed-cycle counter; a quarantined device stays quarantined.
func (i *Ingestor) Apply(ctx context.Context, agentID string, d Delta) (*model.Device, Outcome, error) {
	if agentID == "" {
		return nil, "", fmt.Errorf("%w: agent id is required", ErrInvalidDelta)
	}
	mac, err := ir.NormalizeMAC(d.MAC)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidDelta, err)
	}
	id, err := ir.DeviceID(mac)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidDelta, err)
	}
	now := i.clock.Now().UTC()
	observed := d.ObservedAt.UTC()
	if d.ObservedAt.IsZero() {
		observed = now
	}
	status := d.Status
	if !status.Valid() {
		status = model.DeviceActive
	}

	outcome := OutcomeUpdated
	dev, err := coord.Upsert[model.Device](ctx, i.coord, store.Devices, id,
		func() (*model.Device, error) {
			outcome = OutcomeCreated
			return &model.Device{
				Entity:         model.Entity{DataTier: model.DataDurable},
				MAC:            mac,
				IP:             d.IP,
				Status:         status,
				OwnerAgent:     agentID,
				FirstSeen:      observed,
				LastSeen:       now,
				LastObservedAt: observed,
			}, nil
		},
		func(dev *model.Device) error {
			outcome = OutcomeUpdated
			if observed.Before(dev.LastObservedAt) {
				outcome = OutcomeStale
				return coord.ErrNoChange
			}
			dev.IP = d.IP
			dev.OwnerAgent = agentID
			dev.LastSeen = now
			dev.LastObservedAt = observed
			dev.MissedCycles = 0
			if dev.Status != model.DeviceQuarantined {
				dev.Status = status
			}
			return nil
		})
	if err != nil {
		return nil, "", fmt.Errorf("apply %s: %w", mac, err)
	}
	i.metrics.ObserveDevice(string(outcome))
	i.logger.Debug("device observed",
		"device_id", id,
		"mac", mac,
		"agent_id", agentID,
		"outcome", outcome,
		"status", dev.Status,
	)
	return dev, outcome, nil
}

// CycleResult summarises the end of a discovery cycle.
type CycleResult struct {
	Missed      []string
	Inactivated []string
}

// EndCycle closes a discovery cycle of agentID. Every device the agent
// owns whose MAC is not in seen has its missed-cycle counter raised;
// active or unreachable devices reaching the threshold become inactive.
func (i *Ingestor) EndCycle(ctx context.Context, agentID string, seen []string) (CycleResult, error) {
	seenSet := make(map[string]bool, len(seen))
	for _, mac := range seen {
		if n, err := ir.NormalizeMAC(mac); err == nil {
			seenSet[n] = true
		}
	}
	devices, err := coord.List[model.Device](ctx, i.coord, store.Devices)
	if err != nil {
		return CycleResult{}, err
	}

	var res CycleResult
	for _, dev := range devices {
		if dev.OwnerAgent != agentID || seenSet[dev.MAC] {
			continue
		}
		var inactivated bool
		updated, err := coord.Update[model.Device](ctx, i.coord, store.Devices, dev.ID, func(d *model.Device) error {
			inactivated = false
			if d.OwnerAgent != agentID {
				return coord.ErrNoChange
			}
			d.MissedCycles++
			if d.MissedCycles >= i.threshold && (d.Status == model.DeviceActive || d.Status == model.DeviceUnreachable) {
				d.Status = model.DeviceInactive
				inactivated = true
			}
			return nil
		})
		if err != nil {
			return res, fmt.Errorf("end cycle for %s: %w", dev.ID, err)
		}
		res.Missed = append(res.Missed, dev.ID)
		if !inactivated {
			continue
		}
		res.Inactivated = append(res.Inactivated, dev.ID)
		i.metrics.ObserveDevice("inactivated")
		i.logger.Info("device inactive", "device_id", dev.ID, "mac", dev.MAC, "missed_cycles", updated.MissedCycles)
		if _, err := i.audit.Append(ctx, audit.Entry{
			Type:     model.EventDeviceInactive,
			Actor:    agentID,
			Subject:  dev.ID,
			Action:   fmt.Sprintf("missed %d consecutive cycles", updated.MissedCycles),
			Decision: model.DecisionNA,
			Payload: ir.Object{
				"mac":           ir.String(dev.MAC),
				"missed_cycles": ir.Int(int64(updated.MissedCycles)),
			},
		}); err != nil {
			return res, err
		}
	}
	slices.Sort(res.Missed)
	slices.Sort(res.Inactivated)
	return res, nil
}
