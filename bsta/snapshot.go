// Snapshot slot rotation and report selection.
//
// Each unit has 3 report slots, active, backup and current, plus the threshold
// slot. A capture reads the hardware into current, after which the slots are
// rotated: current -> active -> backup -> current, i.e. the previous active
// becomes backup and the old backup is recycled as the next capture target.
// The slots are never reallocated after startup.
//
// Rotation and the consumption of the slots by the encoder happen under the
// unit lock; responses only borrow the slots for the duration of the
// encode + send span.

package bsta

import (
	"time"

	"github.com/eparparita/bst-telemetry-agent/asic"
	"github.com/pkg/errors"
)

type Snapshot struct {
	// Zero for never captured:
	Timestamp time.Time
	Sample    *asic.Sample
}

func NewSnapshot(caps *asic.Capabilities) *Snapshot {
	return &Snapshot{
		Sample: asic.NewSample(caps),
	}
}

func (snap *Snapshot) Empty() bool {
	return snap == nil || snap.Timestamp.IsZero()
}

func (snap *Snapshot) Reset() {
	snap.Timestamp = time.Time{}
	snap.Sample.Reset()
}

// Copy for use beyond the lock span, mostly for testing:
func (snap *Snapshot) Clone() *Snapshot {
	if snap == nil {
		return nil
	}
	return &Snapshot{
		Timestamp: snap.Timestamp,
		Sample:    snap.Sample.Clone(),
	}
}

// Overridable for testing:
var snapshotTimeNowFn = time.Now

// Read the hardware and rotate the slots; the unit lock is acquired.
func (agent *Agent) CaptureAndRotate(unit int) error {
	uc, err := agent.unitContext(unit)
	if err != nil {
		return err
	}
	uc.mu.Lock()
	defer uc.mu.Unlock()
	return agent.captureAndRotateNoLock(uc)
}

// Must be called w/ the unit lock held. On capture failure no rotation takes
// place and the current slot content is undefined.
func (agent *Agent) captureAndRotateNoLock(uc *UnitContext) error {
	current := uc.current
	if current == nil {
		return errors.Wrapf(STATUS_FAILURE, "unit %d: slots released", uc.unit)
	}
	err := agent.driver.ReadCounters(uc.unit, &uc.track.Realms, current.Sample)
	if err != nil {
		agent.stats.Inc(AGENT_STATS_CAPTURE_ERROR_COUNT)
		return errors.Wrapf(STATUS_FAILURE, "unit %d: read counters: %v", uc.unit, err)
	}
	current.Timestamp = snapshotTimeNowFn()
	uc.current, uc.active, uc.backup = uc.backup, current, uc.active
	agent.stats.Inc(AGENT_STATS_ROTATION_COUNT)
	return nil
}

// Read the thresholds into the threshold slot, must be called w/ the unit lock
// held.
func (agent *Agent) captureThresholdsNoLock(uc *UnitContext) error {
	threshold := uc.threshold
	if threshold == nil {
		return errors.Wrapf(STATUS_FAILURE, "unit %d: slots released", uc.unit)
	}
	if err := agent.driver.ReadThresholds(uc.unit, threshold.Sample); err != nil {
		return errors.Wrapf(STATUS_FAILURE, "unit %d: read thresholds: %v", uc.unit, err)
	}
	threshold.Timestamp = snapshotTimeNowFn()
	return nil
}

// Select the slots exposed by a report, must be called w/ the unit lock held.
// Periodic reports expose the backup as well, for differential reporting,
// every other kind gets a nil backup which stands for a full report.
// Threshold reports expose the threshold slot.
func selectForReport(uc *UnitContext, kind ReportKind, threshold bool) (*Snapshot, *Snapshot) {
	if threshold {
		return uc.threshold, nil
	}
	if kind == REPORT_KIND_PERIODIC {
		return uc.active, uc.backup
	}
	return uc.active, nil
}

// Reset the report slots after a clear stats, must be called w/ the unit lock
// held.
func resetSnapshotsNoLock(uc *UnitContext) {
	for _, snap := range []*Snapshot{uc.active, uc.backup, uc.current} {
		if snap != nil {
			snap.Reset()
		}
	}
}
