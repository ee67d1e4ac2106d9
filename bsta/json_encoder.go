// JSON encoding of responses, BroadView style.
//
// Reports list the realms selected by the include options; 2D realms are
// grouped by port. Periodic reports w/ a non-empty backup are differential,
// i.e. they list only the entries whose value changed since the backup.

package bsta

import (
	"bytes"
	"fmt"
	"time"

	"github.com/eparparita/bst-telemetry-agent/asic"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

const (
	JSON_RPC_VERSION      = "2.0"
	BST_REPORT_VERSION    = "1"
	JSON_TIMESTAMP_FORMAT = time.RFC3339
	REPORT_TYPE_THRESHOLD = "threshold"
	REPORT_TYPE_PERIODIC  = "periodic"
	REPORT_TYPE_TRIGGER   = "trigger"
	REPORT_TYPE_ON_DEMAND = "on-demand"
	METHOD_GET_BST_REPORT = "get-bst-report"
	METHOD_GET_THRESHOLDS = "get-bst-thresholds"
	METHOD_TRIGGER_REPORT = "trigger-report"
)

var ErrNoPayload = errors.New("response w/o payload")

type JsonEncoder struct {
	api jsoniter.API
}

func NewJsonEncoder() *JsonEncoder {
	return &JsonEncoder{
		api: jsoniter.ConfigCompatibleWithStandardLibrary,
	}
}

type realmEntry struct {
	index int
	value uint64
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Select the entries to report: all for full reports, only the changed ones for
// differential reports. Disabled thresholds are skipped.
func selectEntries(active, backup []uint64, thresholds bool, scale uint64) []realmEntry {
	entries := make([]realmEntry, 0)
	for i, value := range active {
		if thresholds && value == asic.THRESHOLD_DISABLED {
			continue
		}
		if backup != nil && i < len(backup) && backup[i] == value {
			continue
		}
		entries = append(entries, realmEntry{i, value * scale})
	}
	return entries
}

func writeEntries(stream *jsoniter.Stream, entries []realmEntry) {
	stream.WriteArrayStart()
	for i, entry := range entries {
		if i > 0 {
			stream.WriteMore()
		}
		stream.WriteArrayStart()
		stream.WriteInt(entry.index)
		stream.WriteMore()
		stream.WriteUint64(entry.value)
		stream.WriteArrayEnd()
	}
	stream.WriteArrayEnd()
}

// Write the realm, if it has anything to report, and return true if it did.
func writeRealm(
	stream *jsoniter.Stream,
	realm int,
	caps *asic.Capabilities,
	active, backup []uint64,
	thresholds bool,
	scale uint64,
	needsMore bool,
) bool {
	rows, cols := caps.RealmDims(realm)
	if rows*cols == 0 || len(active) < rows*cols {
		return false
	}
	if backup != nil && len(backup) < rows*cols {
		backup = nil
	}

	if cols == 1 || realm == asic.REALM_DEVICE {
		entries := selectEntries(active, backup, thresholds, scale)
		if len(entries) == 0 {
			return false
		}
		if needsMore {
			stream.WriteMore()
		}
		stream.WriteObjectStart()
		stream.WriteObjectField("realm")
		stream.WriteString(asic.RealmNameMap[realm])
		stream.WriteMore()
		stream.WriteObjectField("data")
		if realm == asic.REALM_DEVICE {
			stream.WriteUint64(entries[0].value)
		} else {
			writeEntries(stream, entries)
		}
		stream.WriteObjectEnd()
		return true
	}

	wroteRealm := false
	for port := 0; port < rows; port++ {
		var portBackup []uint64
		if backup != nil {
			portBackup = backup[port*cols : (port+1)*cols]
		}
		entries := selectEntries(active[port*cols:(port+1)*cols], portBackup, thresholds, scale)
		if len(entries) == 0 {
			continue
		}
		if !wroteRealm {
			if needsMore {
				stream.WriteMore()
			}
			stream.WriteObjectStart()
			stream.WriteObjectField("realm")
			stream.WriteString(asic.RealmNameMap[realm])
			stream.WriteMore()
			stream.WriteObjectField("data")
			stream.WriteArrayStart()
			wroteRealm = true
		} else {
			stream.WriteMore()
		}
		stream.WriteObjectStart()
		stream.WriteObjectField("port")
		stream.WriteInt(port)
		stream.WriteMore()
		stream.WriteObjectField("data")
		writeEntries(stream, entries)
		stream.WriteObjectEnd()
	}
	if wroteRealm {
		stream.WriteArrayEnd()
		stream.WriteObjectEnd()
	}
	return wroteRealm
}

func reportType(resp *Response) string {
	switch {
	case resp.Options.ReportThreshold:
		return REPORT_TYPE_THRESHOLD
	case resp.Options.ReportTrigger:
		return REPORT_TYPE_TRIGGER
	case resp.ReportKind == REPORT_KIND_PERIODIC:
		return REPORT_TYPE_PERIODIC
	}
	return REPORT_TYPE_ON_DEMAND
}

func (enc *JsonEncoder) writeHeader(stream *jsoniter.Stream, method, asicId string) {
	stream.WriteObjectField("jsonrpc")
	stream.WriteString(JSON_RPC_VERSION)
	stream.WriteMore()
	stream.WriteObjectField("method")
	stream.WriteString(method)
	stream.WriteMore()
	stream.WriteObjectField("asic-id")
	stream.WriteString(asicId)
	stream.WriteMore()
	stream.WriteObjectField("version")
	stream.WriteString(BST_REPORT_VERSION)
}

func (enc *JsonEncoder) writeFeature(stream *jsoniter.Stream, feature *FeatureConfig) {
	stream.WriteObjectStart()
	stream.WriteObjectField("bst-enable")
	stream.WriteInt(boolToInt(feature.BstEnable))
	stream.WriteMore()
	stream.WriteObjectField("send-async-reports")
	stream.WriteInt(boolToInt(feature.SendAsyncReports))
	stream.WriteMore()
	stream.WriteObjectField("collection-interval")
	stream.WriteInt64(int64(feature.CollectionInterval / time.Second))
	stream.WriteMore()
	stream.WriteObjectField("stat-units-in-cells")
	stream.WriteInt(boolToInt(feature.StatUnitsInCells))
	stream.WriteMore()
	stream.WriteObjectField("send-snapshot-on-trigger")
	stream.WriteInt(boolToInt(feature.SendSnapshotOnTrigger))
	stream.WriteMore()
	stream.WriteObjectField("trigger-rate-limit")
	stream.WriteInt(boolToInt(feature.TriggerRateLimit))
	stream.WriteMore()
	stream.WriteObjectField("trigger-rate-limit-interval")
	stream.WriteInt64(int64(feature.TriggerRateLimitInterval / time.Second))
	stream.WriteObjectEnd()
}

func (enc *JsonEncoder) writeTrack(stream *jsoniter.Stream, track *TrackConfig) {
	stream.WriteObjectStart()
	stream.WriteObjectField("track-peak-stats")
	stream.WriteInt(boolToInt(track.TrackPeakStats))
	for realm := 0; realm < asic.REALM_COUNT; realm++ {
		stream.WriteMore()
		stream.WriteObjectField("track-" + asic.RealmNameMap[realm])
		stream.WriteInt(boolToInt(track.Realms[realm]))
	}
	stream.WriteObjectEnd()
}

func (enc *JsonEncoder) writeReport(stream *jsoniter.Stream, resp *Response) error {
	report := resp.Report
	if report.Active == nil || report.Active.Sample == nil {
		return fmt.Errorf("report w/o active snapshot")
	}
	caps := resp.Capabilities
	if caps == nil {
		return fmt.Errorf("report w/o capabilities")
	}
	scale := uint64(1)
	if !resp.Options.StatUnitsInCells && caps.CellSize > 0 {
		scale = uint64(caps.CellSize)
	}
	var backup *asic.Sample
	if report.Backup != nil && !report.Backup.Empty() {
		backup = report.Backup.Sample
	}

	stream.WriteMore()
	stream.WriteObjectField("time-stamp")
	stream.WriteString(report.Active.Timestamp.Format(JSON_TIMESTAMP_FORMAT))
	stream.WriteMore()
	stream.WriteObjectField("report-type")
	stream.WriteString(reportType(resp))
	if report.Trigger != nil {
		stream.WriteMore()
		stream.WriteObjectField("trigger")
		stream.WriteObjectStart()
		stream.WriteObjectField("realm")
		stream.WriteString(asic.RealmNameMap[report.Trigger.Realm])
		stream.WriteMore()
		stream.WriteObjectField("index")
		stream.WriteInt(report.Trigger.Index)
		stream.WriteMore()
		stream.WriteObjectField("value")
		stream.WriteUint64(report.Trigger.Value)
		stream.WriteObjectEnd()
	}
	stream.WriteMore()
	stream.WriteObjectField("report")
	stream.WriteArrayStart()
	needsMore := false
	for realm := 0; realm < asic.REALM_COUNT; realm++ {
		if !resp.Options.Include[realm] {
			continue
		}
		var backupValues []uint64
		if backup != nil {
			backupValues = backup.Values[realm]
		}
		if writeRealm(
			stream, realm, caps,
			report.Active.Sample.Values[realm], backupValues,
			resp.Options.ReportThreshold, scale,
			needsMore,
		) {
			needsMore = true
		}
	}
	stream.WriteArrayEnd()
	return nil
}

func (enc *JsonEncoder) Encode(resp *Response, buf *bytes.Buffer) error {
	stream := enc.api.BorrowStream(buf)
	defer enc.api.ReturnStream(stream)

	method := resp.Command.String()
	if resp.Report != nil {
		switch {
		case resp.Options.ReportThreshold:
			method = METHOD_GET_THRESHOLDS
		case resp.Options.ReportTrigger:
			method = METHOD_TRIGGER_REPORT
		default:
			method = METHOD_GET_BST_REPORT
		}
	}

	stream.WriteObjectStart()
	enc.writeHeader(stream, method, resp.AsicId)
	switch {
	case resp.Feature != nil:
		stream.WriteMore()
		stream.WriteObjectField("result")
		enc.writeFeature(stream, resp.Feature)
	case resp.Track != nil:
		stream.WriteMore()
		stream.WriteObjectField("result")
		enc.writeTrack(stream, resp.Track)
	case resp.Report != nil:
		if err := enc.writeReport(stream, resp); err != nil {
			return err
		}
	default:
		return ErrNoPayload
	}
	stream.WriteObjectEnd()
	if stream.Error != nil {
		return stream.Error
	}
	return stream.Flush()
}

// Encode an error or ok status, for transports delivering them as documents:
func (enc *JsonEncoder) EncodeStatus(status Status, asicId string, buf *bytes.Buffer) error {
	stream := enc.api.BorrowStream(buf)
	defer enc.api.ReturnStream(stream)

	stream.WriteObjectStart()
	stream.WriteObjectField("jsonrpc")
	stream.WriteString(JSON_RPC_VERSION)
	if asicId != "" {
		stream.WriteMore()
		stream.WriteObjectField("asic-id")
		stream.WriteString(asicId)
	}
	stream.WriteMore()
	if status == STATUS_SUCCESS {
		stream.WriteObjectField("result")
		stream.WriteString(status.String())
	} else {
		stream.WriteObjectField("error")
		stream.WriteObjectStart()
		stream.WriteObjectField("code")
		stream.WriteInt(-int(status))
		stream.WriteMore()
		stream.WriteObjectField("message")
		stream.WriteString(status.String())
		stream.WriteObjectEnd()
	}
	stream.WriteObjectEnd()
	if stream.Error != nil {
		return stream.Error
	}
	return stream.Flush()
}
