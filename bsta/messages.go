// Request and response messages exchanged between producers, the worker and
// the transport.

package bsta

import (
	"fmt"
	"time"

	"github.com/eparparita/bst-telemetry-agent/asic"
)

type Command int

const (
	COMMAND_GET_FEATURE Command = iota
	COMMAND_SET_FEATURE
	COMMAND_GET_TRACK
	COMMAND_SET_TRACK
	COMMAND_GET_THRESHOLD
	COMMAND_SET_THRESHOLD
	COMMAND_CLEAR_THRESHOLD
	COMMAND_CLEAR_STATS
	COMMAND_GET_REPORT
	COMMAND_TRIGGER_REPORT
	// Must be last:
	COMMAND_COUNT
)

var commandNameMap = map[Command]string{
	COMMAND_GET_FEATURE:     "get-bst-feature",
	COMMAND_SET_FEATURE:     "configure-bst-feature",
	COMMAND_GET_TRACK:       "get-bst-tracking",
	COMMAND_SET_TRACK:       "configure-bst-tracking",
	COMMAND_GET_THRESHOLD:   "get-bst-thresholds",
	COMMAND_SET_THRESHOLD:   "configure-bst-thresholds",
	COMMAND_CLEAR_THRESHOLD: "clear-bst-thresholds",
	COMMAND_CLEAR_STATS:     "clear-bst-statistics",
	COMMAND_GET_REPORT:      "get-bst-report",
	COMMAND_TRIGGER_REPORT:  "trigger-report",
}

func (cmd Command) String() string {
	if name, ok := commandNameMap[cmd]; ok {
		return name
	}
	return fmt.Sprintf("command(%d)", int(cmd))
}

func CommandByName(name string) (Command, bool) {
	for cmd, cmdName := range commandNameMap {
		if cmdName == name {
			return cmd, true
		}
	}
	return COMMAND_COUNT, false
}

// Commands whose successful outcome is a bare acknowledgment:
func (cmd Command) IsMutation() bool {
	switch cmd {
	case COMMAND_SET_FEATURE, COMMAND_SET_TRACK, COMMAND_SET_THRESHOLD,
		COMMAND_CLEAR_THRESHOLD, COMMAND_CLEAR_STATS:
		return true
	}
	return false
}

type ReportKind int

const (
	REPORT_KIND_ON_DEMAND ReportKind = iota
	REPORT_KIND_PERIODIC
	REPORT_KIND_TRIGGER
)

var reportKindNameMap = map[ReportKind]string{
	REPORT_KIND_ON_DEMAND: "on-demand",
	REPORT_KIND_PERIODIC:  "periodic",
	REPORT_KIND_TRIGGER:   "trigger",
}

func (kind ReportKind) String() string {
	if name, ok := reportKindNameMap[kind]; ok {
		return name
	}
	return fmt.Sprintf("report-kind(%d)", int(kind))
}

// Caller correlation token:
type Cookie string

// No reply is owed to any caller:
const NO_COOKIE Cookie = ""

type FeatureConfig struct {
	BstEnable        bool
	SendAsyncReports bool
	// Periodic report interval, relevant only if SendAsyncReports:
	CollectionInterval time.Duration
	StatUnitsInCells   bool
	// Whether a threshold crossing should produce a trigger report:
	SendSnapshotOnTrigger bool
	// Limit trigger reports to one per interval:
	TriggerRateLimit         bool
	TriggerRateLimitInterval time.Duration
}

type TrackConfig struct {
	// Which realms are read from the hardware:
	Realms         asic.RealmMask
	TrackPeakStats bool
}

type ThresholdSetting struct {
	Realm int
	Index int
	Value uint64
}

type Request struct {
	Unit       int
	Command    Command
	ReportKind ReportKind
	AsicId     string
	Cookie     Cookie
	// Command specific params:
	Feature    *FeatureConfig
	Track      *TrackConfig
	Thresholds []*ThresholdSetting
	// Which realms to include in reports, nil stands for all:
	Collect *asic.RealmMask
	// The crossing info, for trigger reports:
	Trigger *asic.Trigger
}

// Encoding hints:
type Options struct {
	StatUnitsInCells bool
	ReportThreshold  bool
	ReportTrigger    bool
	Include          asic.RealmMask
}

type Report struct {
	Active *Snapshot
	// Set only for periodic reports:
	Backup  *Snapshot
	Trigger *asic.Trigger
}

type Response struct {
	Unit         int
	Command      Command
	ReportKind   ReportKind
	AsicId       string
	Cookie       Cookie
	Result       Status
	Options      Options
	Capabilities *asic.Capabilities
	// Payload, at most one of:
	Feature *FeatureConfig
	Track   *TrackConfig
	Report  *Report
}
