// Response builder and sender.

package bsta

import (
	"bytes"
)

type Encoder interface {
	// Encode the response into buf; the snapshots referenced by the response
	// are valid only for the duration of the call:
	Encode(resp *Response, buf *bytes.Buffer) error
}

// Implementations must not retain data past the call, the buffer is recycled
// once Send returns. NO_COOKIE designates the async (collector) destination.
type Transport interface {
	Send(cookie Cookie, data []byte) error
	SendError(cookie Cookie, status Status, asicId string) error
	SendOk(cookie Cookie) error
}

var responseLog = NewCompLogger("response")

// Internally generated reports are not owed to any caller:
func responseCookie(req *Request) Cookie {
	if req.ReportKind == REPORT_KIND_PERIODIC || req.ReportKind == REPORT_KIND_TRIGGER {
		return NO_COOKIE
	}
	return req.Cookie
}

// Which realms make it into the report, must be called w/ the unit lock held:
func includeRealmsNoLock(uc *UnitContext, req *Request) Options {
	opts := Options{
		StatUnitsInCells: uc.feature.StatUnitsInCells,
	}
	for realm := range opts.Include {
		collect := req.Collect == nil || req.Collect[realm]
		if req.Command == COMMAND_GET_THRESHOLD {
			opts.Include[realm] = collect
		} else {
			opts.Include[realm] = collect && uc.track.Realms[realm]
		}
	}
	return opts
}

// Build and deliver the response for a dispatched request; at most one of
// Send, SendError or SendOk is invoked.
func (agent *Agent) sendResponse(req *Request, result Status) {
	resp := &Response{
		Unit:       req.Unit,
		Command:    req.Command,
		ReportKind: req.ReportKind,
		AsicId:     req.AsicId,
		Cookie:     responseCookie(req),
		Result:     result,
	}

	if result != STATUS_SUCCESS {
		agent.sendError(resp)
		return
	}

	if req.Command.IsMutation() {
		if err := agent.transport.SendOk(resp.Cookie); err != nil {
			agent.stats.Inc(AGENT_STATS_SEND_ERROR_COUNT)
			requestLogger(responseLog, req.Unit, req.Command).Warnf("send ok: %v", err)
		} else {
			agent.stats.Inc(AGENT_STATS_SEND_COUNT)
		}
		return
	}

	uc := agent.units[req.Unit]
	resp.Capabilities = uc.caps

	// The lock is held from rotation through the transport hand-off:
	uc.mu.Lock()
	defer uc.mu.Unlock()

	resp.Options = includeRealmsNoLock(uc, req)
	switch req.Command {
	case COMMAND_GET_FEATURE:
		feature := uc.feature
		resp.Feature = &feature
	case COMMAND_GET_TRACK:
		track := uc.track
		resp.Track = &track
	case COMMAND_GET_THRESHOLD:
		resp.Options.ReportThreshold = true
		active, _ := selectForReport(uc, req.ReportKind, true)
		resp.Report = &Report{Active: active}
	case COMMAND_GET_REPORT, COMMAND_TRIGGER_REPORT:
		if err := agent.captureAndRotateNoLock(uc); err != nil {
			responseLog.Warn(err)
			resp.Result = StatusOf(err)
			agent.sendError(resp)
			return
		}
		if req.ReportKind == REPORT_KIND_TRIGGER {
			resp.Options.ReportTrigger = true
			resp.Options.ReportThreshold = false
		}
		active, backup := selectForReport(uc, req.ReportKind, false)
		resp.Report = &Report{
			Active:  active,
			Backup:  backup,
			Trigger: req.Trigger,
		}
	}

	buf := agent.bufPool.GetBuf()
	defer agent.bufPool.ReturnBuf(buf)

	if err := agent.encoder.Encode(resp, buf); err != nil {
		agent.stats.Inc(AGENT_STATS_ENCODE_ERROR_COUNT)
		requestLogger(responseLog, req.Unit, req.Command).Warnf("encode: %v", err)
		return
	}
	if err := agent.transport.Send(resp.Cookie, buf.Bytes()); err != nil {
		agent.stats.Inc(AGENT_STATS_SEND_ERROR_COUNT)
		requestLogger(responseLog, req.Unit, req.Command).Warnf("send: %v", err)
		return
	}
	agent.stats.Inc(AGENT_STATS_SEND_COUNT)
}

func (agent *Agent) sendError(resp *Response) {
	if err := agent.transport.SendError(resp.Cookie, resp.Result, resp.AsicId); err != nil {
		agent.stats.Inc(AGENT_STATS_SEND_ERROR_COUNT)
		requestLogger(responseLog, resp.Unit, resp.Command).Warnf("send error: %v", err)
		return
	}
	agent.stats.Inc(AGENT_STATS_SEND_COUNT)
}
