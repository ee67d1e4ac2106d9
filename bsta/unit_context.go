// Per unit state: configuration, tracking, capabilities and snapshot slots.

package bsta

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eparparita/bst-telemetry-agent/asic"
)

const (
	UNIT_CONFIG_BST_ENABLE_DEFAULT                  = true
	UNIT_CONFIG_SEND_ASYNC_REPORTS_DEFAULT          = false
	UNIT_CONFIG_COLLECTION_INTERVAL_DEFAULT         = "60s"
	UNIT_CONFIG_STAT_UNITS_IN_CELLS_DEFAULT         = false
	UNIT_CONFIG_SEND_SNAPSHOT_ON_TRIGGER_DEFAULT    = true
	UNIT_CONFIG_TRIGGER_RATE_LIMIT_DEFAULT          = false
	UNIT_CONFIG_TRIGGER_RATE_LIMIT_INTERVAL_DEFAULT = "1s"
	UNIT_CONFIG_TRACK_PEAK_STATS_DEFAULT            = false
)

// The startup settings applied to every unit:
type UnitConfig struct {
	BstEnable        bool `yaml:"bst_enable"`
	SendAsyncReports bool `yaml:"send_async_reports"`
	// The value should be compatible with time.ParseDuration():
	CollectionInterval    string `yaml:"collection_interval"`
	StatUnitsInCells      bool   `yaml:"stat_units_in_cells"`
	SendSnapshotOnTrigger bool   `yaml:"send_snapshot_on_trigger"`
	TriggerRateLimit      bool   `yaml:"trigger_rate_limit"`
	// The value should be compatible with time.ParseDuration():
	TriggerRateLimitInterval string `yaml:"trigger_rate_limit_interval"`
	// Realm names to leave untracked, by default all are tracked:
	UntrackedRealms []string `yaml:"untracked_realms"`
	TrackPeakStats  bool     `yaml:"track_peak_stats"`
}

func DefaultUnitConfig() *UnitConfig {
	return &UnitConfig{
		BstEnable:                UNIT_CONFIG_BST_ENABLE_DEFAULT,
		SendAsyncReports:         UNIT_CONFIG_SEND_ASYNC_REPORTS_DEFAULT,
		CollectionInterval:       UNIT_CONFIG_COLLECTION_INTERVAL_DEFAULT,
		StatUnitsInCells:         UNIT_CONFIG_STAT_UNITS_IN_CELLS_DEFAULT,
		SendSnapshotOnTrigger:    UNIT_CONFIG_SEND_SNAPSHOT_ON_TRIGGER_DEFAULT,
		TriggerRateLimit:         UNIT_CONFIG_TRIGGER_RATE_LIMIT_DEFAULT,
		TriggerRateLimitInterval: UNIT_CONFIG_TRIGGER_RATE_LIMIT_INTERVAL_DEFAULT,
		TrackPeakStats:           UNIT_CONFIG_TRACK_PEAK_STATS_DEFAULT,
	}
}

func RealmByName(name string) (int, bool) {
	for realm, realmName := range asic.RealmNameMap {
		if realmName == name {
			return realm, true
		}
	}
	return -1, false
}

// Convert to the feature and tracking settings:
func (cfg *UnitConfig) Settings() (*FeatureConfig, *TrackConfig, error) {
	collectionInterval, err := time.ParseDuration(cfg.CollectionInterval)
	if err != nil {
		return nil, nil, fmt.Errorf(
			"invalid collection_interval %q: %v", cfg.CollectionInterval, err,
		)
	}
	triggerRateLimitInterval, err := time.ParseDuration(cfg.TriggerRateLimitInterval)
	if err != nil {
		return nil, nil, fmt.Errorf(
			"invalid trigger_rate_limit_interval %q: %v", cfg.TriggerRateLimitInterval, err,
		)
	}
	feature := &FeatureConfig{
		BstEnable:                cfg.BstEnable,
		SendAsyncReports:         cfg.SendAsyncReports,
		CollectionInterval:       collectionInterval,
		StatUnitsInCells:         cfg.StatUnitsInCells,
		SendSnapshotOnTrigger:    cfg.SendSnapshotOnTrigger,
		TriggerRateLimit:         cfg.TriggerRateLimit,
		TriggerRateLimitInterval: triggerRateLimitInterval,
	}
	if err = checkFeatureConfig(feature); err != nil {
		return nil, nil, err
	}

	track := &TrackConfig{
		Realms:         *asic.AllRealms(),
		TrackPeakStats: cfg.TrackPeakStats,
	}
	for _, name := range cfg.UntrackedRealms {
		realm, ok := RealmByName(name)
		if !ok {
			return nil, nil, fmt.Errorf("invalid untracked realm %q", name)
		}
		track.Realms[realm] = false
	}
	return feature, track, nil
}

type UnitContext struct {
	unit    int
	feature FeatureConfig
	track   TrackConfig
	// Immutable after startup:
	caps *asic.Capabilities
	// Guards all of the above, except caps, and the snapshot slots:
	mu *sync.Mutex
	// Snapshot slots:
	active, backup, current, threshold *Snapshot
	// Periodic timer state:
	timerArmed    bool
	timerInterval time.Duration
	// Trigger gating, read from the hardware event context w/o the lock:
	triggerEnabled atomic.Bool
	triggerLimiter atomic.Pointer[Credit]
}

func NewUnitContext(unit int, caps *asic.Capabilities, feature *FeatureConfig, track *TrackConfig) *UnitContext {
	uc := &UnitContext{
		unit:      unit,
		feature:   *feature,
		track:     *track,
		caps:      caps,
		mu:        &sync.Mutex{},
		active:    NewSnapshot(caps),
		backup:    NewSnapshot(caps),
		current:   NewSnapshot(caps),
		threshold: NewSnapshot(caps),
	}
	return uc
}

func (uc *UnitContext) Unit() int {
	return uc.unit
}

func (uc *UnitContext) Capabilities() *asic.Capabilities {
	return uc.caps
}

// Snapshot of the settings, under lock:
func (uc *UnitContext) Settings() (*FeatureConfig, *TrackConfig) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	feature, track := uc.feature, uc.track
	return &feature, &track
}

// The ASIC mode derived from the tracking, must be called w/ the lock held.
func (uc *UnitContext) modeNoLock() *asic.Mode {
	return modeFor(&uc.feature, &uc.track)
}

func modeFor(feature *FeatureConfig, track *TrackConfig) *asic.Mode {
	realms := &track.Realms
	ingress := realms[asic.REALM_INGRESS_PORT_PG] ||
		realms[asic.REALM_INGRESS_PORT_SP] ||
		realms[asic.REALM_INGRESS_SP]
	egress := realms[asic.REALM_EGRESS_PORT_SP] ||
		realms[asic.REALM_EGRESS_SP] ||
		realms[asic.REALM_EGRESS_UC_QUEUE] ||
		realms[asic.REALM_EGRESS_UC_QUEUE_GROUP] ||
		realms[asic.REALM_EGRESS_MC_QUEUE] ||
		realms[asic.REALM_EGRESS_CPU_QUEUE] ||
		realms[asic.REALM_EGRESS_RQE_QUEUE]
	return &asic.Mode{
		EnableStatsMonitoring:        feature.BstEnable,
		EnableDeviceStatsMonitoring:  realms[asic.REALM_DEVICE],
		EnableIngressStatsMonitoring: ingress,
		EnableEgressStatsMonitoring:  egress,
		TrackPeakStats:               track.TrackPeakStats,
	}
}

func (uc *UnitContext) release() {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	uc.active, uc.backup, uc.current, uc.threshold = nil, nil, nil, nil
	if limiter := uc.triggerLimiter.Swap(nil); limiter != nil {
		limiter.StopReplenishWait()
	}
}
