// Request producers: the API entry point, the periodic timer callback and the
// hardware trigger callback. None of them block, nor wait for a reply.

package bsta

import (
	"strconv"

	"github.com/eparparita/bst-telemetry-agent/asic"
	"github.com/pkg/errors"
)

var producerLog = NewCompLogger("producer")

func AsicIdForUnit(unit int) string {
	return strconv.Itoa(unit)
}

func UnitForAsicId(asicId string) (int, error) {
	unit, err := strconv.Atoi(asicId)
	if err != nil {
		return -1, errors.Wrapf(STATUS_INVALID_PARAMETER, "asic-id %q", asicId)
	}
	return unit, nil
}

// Hand the request to the worker. Failures are reported back, the request is
// never retried.
func (agent *Agent) SubmitRequest(req *Request) error {
	if req == nil {
		return errors.Wrap(STATUS_INVALID_PARAMETER, "nil request")
	}
	agent.stats.Inc(AGENT_STATS_REQUEST_COUNT)
	if err := agent.queue.Send(req); err != nil {
		agent.stats.Inc(AGENT_STATS_SUBMIT_ERROR_COUNT)
		requestLogger(producerLog, req.Unit, req.Command).Warnf("%s: %v", req.ReportKind, err)
		return errors.Wrapf(err, "unit %d: %s", req.Unit, req.Command)
	}
	return nil
}

func (agent *Agent) periodicReportCallback(unit int) {
	agent.SubmitRequest(&Request{
		Unit:       unit,
		Command:    COMMAND_GET_REPORT,
		ReportKind: REPORT_KIND_PERIODIC,
		AsicId:     AsicIdForUnit(unit),
		Cookie:     NO_COOKIE,
	})
}

// Invoked from the driver context, it should not block.
func (agent *Agent) triggerCallback(unit int, trigger *asic.Trigger) {
	uc, err := agent.unitContext(unit)
	if err != nil {
		producerLog.Warnf("trigger: %v", err)
		return
	}
	if !uc.triggerEnabled.Load() {
		agent.stats.Inc(AGENT_STATS_TRIGGER_DROPPED_COUNT)
		return
	}
	if limiter := uc.triggerLimiter.Load(); limiter != nil && !limiter.TryGetCredit(1) {
		agent.stats.Inc(AGENT_STATS_TRIGGER_DROPPED_COUNT)
		producerLog.Debugf("unit %d: trigger rate limited", unit)
		return
	}
	agent.SubmitRequest(&Request{
		Unit:       unit,
		Command:    COMMAND_TRIGGER_REPORT,
		ReportKind: REPORT_KIND_TRIGGER,
		AsicId:     AsicIdForUnit(unit),
		Cookie:     NO_COOKIE,
		Trigger:    trigger,
	})
}
