// Command handlers, invoked by the worker only.

package bsta

import (
	"github.com/eparparita/bst-telemetry-agent/asic"
	"github.com/pkg/errors"
)

func checkFeatureConfig(feature *FeatureConfig) error {
	if feature.SendAsyncReports && feature.CollectionInterval <= 0 {
		return errors.Wrapf(
			STATUS_INVALID_PARAMETER,
			"collection interval %s: must be > 0 for async reports",
			feature.CollectionInterval,
		)
	}
	if feature.TriggerRateLimit && feature.TriggerRateLimitInterval <= 0 {
		return errors.Wrapf(
			STATUS_INVALID_PARAMETER,
			"trigger rate limit interval %s: must be > 0",
			feature.TriggerRateLimitInterval,
		)
	}
	return nil
}

// The config is copied by the response builder, under lock:
func (agent *Agent) handleGetFeature(req *Request) error {
	return nil
}

func (agent *Agent) handleGetTrack(req *Request) error {
	return nil
}

func (agent *Agent) handleSetFeature(req *Request) error {
	if req.Feature == nil {
		return errors.Wrapf(STATUS_INVALID_PARAMETER, "unit %d: missing feature params", req.Unit)
	}
	if err := checkFeatureConfig(req.Feature); err != nil {
		return errors.Wrapf(err, "unit %d", req.Unit)
	}
	uc := agent.units[req.Unit]

	// The settings are committed only once the ASIC accepted the mode:
	uc.mu.Lock()
	defer uc.mu.Unlock()
	if err := agent.driver.ApplyMode(req.Unit, modeFor(req.Feature, &uc.track)); err != nil {
		return errors.Wrapf(STATUS_FAILURE, "unit %d: apply mode: %v", req.Unit, err)
	}
	uc.feature = *req.Feature
	agent.updateTimerNoLock(uc)
	agent.updateTriggerGating(uc, req.Feature)
	return nil
}

func (agent *Agent) handleSetTrack(req *Request) error {
	if req.Track == nil {
		return errors.Wrapf(STATUS_INVALID_PARAMETER, "unit %d: missing tracking params", req.Unit)
	}
	uc := agent.units[req.Unit]

	uc.mu.Lock()
	defer uc.mu.Unlock()
	if err := agent.driver.ApplyMode(req.Unit, modeFor(&uc.feature, req.Track)); err != nil {
		return errors.Wrapf(STATUS_FAILURE, "unit %d: apply mode: %v", req.Unit, err)
	}
	uc.track = *req.Track
	return nil
}

func (agent *Agent) handleSetThreshold(req *Request) error {
	if len(req.Thresholds) == 0 {
		return errors.Wrapf(STATUS_INVALID_PARAMETER, "unit %d: missing thresholds", req.Unit)
	}
	uc := agent.units[req.Unit]
	// Validate all before applying any:
	for _, setting := range req.Thresholds {
		if setting == nil {
			return errors.Wrapf(STATUS_INVALID_PARAMETER, "unit %d: nil threshold", req.Unit)
		}
		if err := uc.caps.CheckRealmIndex(setting.Realm, setting.Index); err != nil {
			return errors.Wrapf(STATUS_INVALID_PARAMETER, "unit %d: %v", req.Unit, err)
		}
	}
	for _, setting := range req.Thresholds {
		err := agent.driver.SetThreshold(req.Unit, setting.Realm, setting.Index, setting.Value)
		if err != nil {
			return errors.Wrapf(
				STATUS_FAILURE, "unit %d: set threshold %s[%d]: %v",
				req.Unit, asic.RealmNameMap[setting.Realm], setting.Index, err,
			)
		}
	}
	return nil
}

func (agent *Agent) handleClearThreshold(req *Request) error {
	if err := agent.driver.ClearThresholds(req.Unit); err != nil {
		return errors.Wrapf(STATUS_FAILURE, "unit %d: clear thresholds: %v", req.Unit, err)
	}
	return nil
}

func (agent *Agent) handleClearStats(req *Request) error {
	if err := agent.driver.ClearStats(req.Unit); err != nil {
		return errors.Wrapf(STATUS_FAILURE, "unit %d: clear stats: %v", req.Unit, err)
	}
	uc := agent.units[req.Unit]
	uc.mu.Lock()
	resetSnapshotsNoLock(uc)
	uc.mu.Unlock()
	return nil
}

// Shared by get report, trigger report and get threshold; the capture and
// rotation for reports are performed by the response builder, under the same
// lock span as the encoding.
func (agent *Agent) handleGetReport(req *Request) error {
	uc := agent.units[req.Unit]
	uc.mu.Lock()
	defer uc.mu.Unlock()

	if !uc.feature.BstEnable {
		return errors.Wrapf(STATUS_FAILURE, "unit %d: bst disabled", req.Unit)
	}
	if req.Command == COMMAND_GET_THRESHOLD {
		return agent.captureThresholdsNoLock(uc)
	}
	return nil
}

// Arm, re-arm or disarm the periodic timer based on the current feature
// settings, must be called w/ the unit lock held.
func (agent *Agent) updateTimerNoLock(uc *UnitContext) {
	if agent.timers == nil {
		return
	}
	unit, feature := uc.unit, &uc.feature
	if feature.BstEnable && feature.SendAsyncReports {
		if uc.timerArmed && uc.timerInterval == feature.CollectionInterval {
			return
		}
		agent.timers.ArmPeriodic(unit, feature.CollectionInterval, agent.periodicReportCallback)
		uc.timerArmed, uc.timerInterval = true, feature.CollectionInterval
		agentLog.Infof("unit %d: periodic report timer armed, interval=%s", unit, uc.timerInterval)
	} else if uc.timerArmed {
		agent.timers.Disarm(unit)
		uc.timerArmed, uc.timerInterval = false, 0
		agentLog.Infof("unit %d: periodic report timer disarmed", unit)
	}
}

func (agent *Agent) updateTriggerGating(uc *UnitContext, feature *FeatureConfig) {
	uc.triggerEnabled.Store(feature.BstEnable && feature.SendSnapshotOnTrigger)
	var limiter *Credit
	if feature.TriggerRateLimit {
		limiter = NewCredit(1, 1, feature.TriggerRateLimitInterval)
	}
	if prev := uc.triggerLimiter.Swap(limiter); prev != nil {
		prev.StopReplenish()
	}
}
