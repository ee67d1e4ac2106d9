// Hardware abstraction for switch ASIC buffer statistics.
//
// The buffer resources of an ASIC are grouped into realms; a realm is a flat
// list of occupancy values, indexed as described by the realm dimensions. 2D
// realms (per port x per priority group/service pool) are port major, i.e. the
// value for (port, x) is at index port*cols + x.
//
// All values are instantaneous occupancy figures in cells, rather than
// cumulative counters.

package asic

import (
	"math"

	"github.com/pkg/errors"
)

const (
	REALM_DEVICE = iota
	REALM_INGRESS_PORT_PG
	REALM_INGRESS_PORT_SP
	REALM_INGRESS_SP
	REALM_EGRESS_PORT_SP
	REALM_EGRESS_SP
	REALM_EGRESS_UC_QUEUE
	REALM_EGRESS_UC_QUEUE_GROUP
	REALM_EGRESS_MC_QUEUE
	REALM_EGRESS_CPU_QUEUE
	REALM_EGRESS_RQE_QUEUE
	// Must be last:
	REALM_COUNT
)

var RealmNameMap = map[int]string{
	REALM_DEVICE:                "device",
	REALM_INGRESS_PORT_PG:       "ingress-port-priority-group",
	REALM_INGRESS_PORT_SP:       "ingress-port-service-pool",
	REALM_INGRESS_SP:            "ingress-service-pool",
	REALM_EGRESS_PORT_SP:        "egress-port-service-pool",
	REALM_EGRESS_SP:             "egress-service-pool",
	REALM_EGRESS_UC_QUEUE:       "egress-uc-queue",
	REALM_EGRESS_UC_QUEUE_GROUP: "egress-uc-queue-group",
	REALM_EGRESS_MC_QUEUE:       "egress-mc-queue",
	REALM_EGRESS_CPU_QUEUE:      "egress-cpu-queue",
	REALM_EGRESS_RQE_QUEUE:      "egress-rqe-queue",
}

// Threshold value meaning "no threshold configured":
const THRESHOLD_DISABLED = uint64(math.MaxUint64)

var (
	ErrInvalidUnit  = errors.New("invalid unit")
	ErrInvalidRealm = errors.New("invalid realm")
	ErrInvalidIndex = errors.New("invalid realm index")
)

// Physical resource counts, fetched once at startup:
type Capabilities struct {
	NumPorts              int `yaml:"num_ports"`
	NumUnicastQueues      int `yaml:"num_unicast_queues"`
	NumUnicastQueueGroups int `yaml:"num_unicast_queue_groups"`
	NumMulticastQueues    int `yaml:"num_multicast_queues"`
	NumServicePools       int `yaml:"num_service_pools"`
	NumCommonPools        int `yaml:"num_common_pools"`
	NumCpuQueues          int `yaml:"num_cpu_queues"`
	NumRqeQueues          int `yaml:"num_rqe_queues"`
	NumRqeQueuePools      int `yaml:"num_rqe_queue_pools"`
	NumPriorityGroups     int `yaml:"num_priority_groups"`
	// Bytes per cell, used for converting the stats to bytes:
	CellSize int `yaml:"cell_size"`
}

// Return the (rows, cols) dimensions of the realm; 1D realms have cols == 1.
func (caps *Capabilities) RealmDims(realm int) (int, int) {
	switch realm {
	case REALM_DEVICE:
		return 1, 1
	case REALM_INGRESS_PORT_PG:
		return caps.NumPorts, caps.NumPriorityGroups
	case REALM_INGRESS_PORT_SP, REALM_EGRESS_PORT_SP:
		return caps.NumPorts, caps.NumServicePools
	case REALM_INGRESS_SP, REALM_EGRESS_SP:
		return caps.NumServicePools, 1
	case REALM_EGRESS_UC_QUEUE:
		return caps.NumUnicastQueues, 1
	case REALM_EGRESS_UC_QUEUE_GROUP:
		return caps.NumUnicastQueueGroups, 1
	case REALM_EGRESS_MC_QUEUE:
		return caps.NumMulticastQueues, 1
	case REALM_EGRESS_CPU_QUEUE:
		return caps.NumCpuQueues, 1
	case REALM_EGRESS_RQE_QUEUE:
		return caps.NumRqeQueues, 1
	}
	return 0, 0
}

func (caps *Capabilities) RealmSize(realm int) int {
	rows, cols := caps.RealmDims(realm)
	return rows * cols
}

func (caps *Capabilities) CheckRealmIndex(realm, index int) error {
	if realm < 0 || realm >= REALM_COUNT {
		return errors.Wrapf(ErrInvalidRealm, "realm=%d", realm)
	}
	if index < 0 || index >= caps.RealmSize(realm) {
		return errors.Wrapf(
			ErrInvalidIndex, "realm=%s, index=%d, size=%d",
			RealmNameMap[realm], index, caps.RealmSize(realm),
		)
	}
	return nil
}

// Which realms to read/report:
type RealmMask [REALM_COUNT]bool

func AllRealms() *RealmMask {
	mask := &RealmMask{}
	for realm := 0; realm < REALM_COUNT; realm++ {
		mask[realm] = true
	}
	return mask
}

// Occupancy values, indexed by realm:
type Sample struct {
	Values [REALM_COUNT][]uint64
}

func NewSample(caps *Capabilities) *Sample {
	sample := &Sample{}
	for realm := 0; realm < REALM_COUNT; realm++ {
		sample.Values[realm] = make([]uint64, caps.RealmSize(realm))
	}
	return sample
}

func (sample *Sample) Reset() {
	for _, values := range sample.Values {
		for i := range values {
			values[i] = 0
		}
	}
}

func (sample *Sample) Fill(val uint64) {
	for _, values := range sample.Values {
		for i := range values {
			values[i] = val
		}
	}
}

func (sample *Sample) CopyFrom(other *Sample) {
	for realm, values := range other.Values {
		if len(sample.Values[realm]) != len(values) {
			sample.Values[realm] = make([]uint64, len(values))
		}
		copy(sample.Values[realm], values)
	}
}

func (sample *Sample) Clone() *Sample {
	newSample := &Sample{}
	newSample.CopyFrom(sample)
	return newSample
}

// Stats monitoring mode pushed to the ASIC:
type Mode struct {
	EnableStatsMonitoring        bool
	EnableDeviceStatsMonitoring  bool
	EnableIngressStatsMonitoring bool
	EnableEgressStatsMonitoring  bool
	// Track peak rather than current values:
	TrackPeakStats bool
}

// Threshold crossing info passed to the trigger callback:
type Trigger struct {
	Realm int
	Index int
	Value uint64
}

// Invoked from the driver context when a configured threshold is crossed:
type TriggerCallback func(unit int, trigger *Trigger)

type Driver interface {
	NumUnits() (int, error)
	Capabilities(unit int) (*Capabilities, error)
	RegisterTrigger(unit int, cb TriggerCallback) error
	// Read the current values for the selected realms into sample; the
	// unselected realms are zeroed:
	ReadCounters(unit int, realms *RealmMask, sample *Sample) error
	ReadThresholds(unit int, sample *Sample) error
	SetThreshold(unit int, realm int, index int, value uint64) error
	ClearThresholds(unit int) error
	ClearStats(unit int) error
	ApplyMode(unit int, mode *Mode) error
	Close() error
}
