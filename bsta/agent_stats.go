// Agent stats, exposed via the REST server.

package bsta

import (
	"sync"
)

const (
	AGENT_STATS_REQUEST_COUNT = iota
	AGENT_STATS_SUBMIT_ERROR_COUNT
	AGENT_STATS_INVALID_UNIT_COUNT
	AGENT_STATS_UNKNOWN_COMMAND_COUNT
	AGENT_STATS_HANDLER_ERROR_COUNT
	AGENT_STATS_ROTATION_COUNT
	AGENT_STATS_CAPTURE_ERROR_COUNT
	AGENT_STATS_PERIODIC_REPORT_COUNT
	AGENT_STATS_TRIGGER_REPORT_COUNT
	AGENT_STATS_TRIGGER_DROPPED_COUNT
	AGENT_STATS_ENCODE_ERROR_COUNT
	AGENT_STATS_SEND_COUNT
	AGENT_STATS_SEND_ERROR_COUNT
	AGENT_STATS_RECEIVE_ERROR_COUNT
	AGENT_STATS_WORKER_RESTART_COUNT
	// Must be last:
	AGENT_STATS_UINT64_LEN
)

var AgentStatsNameMap = map[int]string{
	AGENT_STATS_REQUEST_COUNT:         "request_count",
	AGENT_STATS_SUBMIT_ERROR_COUNT:    "submit_error_count",
	AGENT_STATS_INVALID_UNIT_COUNT:    "invalid_unit_count",
	AGENT_STATS_UNKNOWN_COMMAND_COUNT: "unknown_command_count",
	AGENT_STATS_HANDLER_ERROR_COUNT:   "handler_error_count",
	AGENT_STATS_ROTATION_COUNT:        "rotation_count",
	AGENT_STATS_CAPTURE_ERROR_COUNT:   "capture_error_count",
	AGENT_STATS_PERIODIC_REPORT_COUNT: "periodic_report_count",
	AGENT_STATS_TRIGGER_REPORT_COUNT:  "trigger_report_count",
	AGENT_STATS_TRIGGER_DROPPED_COUNT: "trigger_dropped_count",
	AGENT_STATS_ENCODE_ERROR_COUNT:    "encode_error_count",
	AGENT_STATS_SEND_COUNT:            "send_count",
	AGENT_STATS_SEND_ERROR_COUNT:      "send_error_count",
	AGENT_STATS_RECEIVE_ERROR_COUNT:   "receive_error_count",
	AGENT_STATS_WORKER_RESTART_COUNT:  "worker_restart_count",
}

type AgentStats struct {
	uint64Stats []uint64
	mu          *sync.Mutex
}

func NewAgentStats() *AgentStats {
	return &AgentStats{
		uint64Stats: make([]uint64, AGENT_STATS_UINT64_LEN),
		mu:          &sync.Mutex{},
	}
}

func (stats *AgentStats) Inc(indx int) {
	stats.mu.Lock()
	stats.uint64Stats[indx] += 1
	stats.mu.Unlock()
}

func (stats *AgentStats) Get(indx int) uint64 {
	stats.mu.Lock()
	defer stats.mu.Unlock()
	return stats.uint64Stats[indx]
}

func (stats *AgentStats) Snap(to []uint64) []uint64 {
	if to == nil {
		to = make([]uint64, AGENT_STATS_UINT64_LEN)
	}
	stats.mu.Lock()
	copy(to, stats.uint64Stats)
	stats.mu.Unlock()
	return to
}

// Name -> value, for reporting:
func StatsToMap(vals []uint64, nameMap map[int]string) map[string]uint64 {
	m := make(map[string]uint64, len(vals))
	for indx, val := range vals {
		if name, ok := nameMap[indx]; ok {
			m[name] = val
		}
	}
	return m
}

func (stats *AgentStats) SnapMap() map[string]uint64 {
	return StatsToMap(stats.Snap(nil), AgentStatsNameMap)
}
