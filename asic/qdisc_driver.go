// ASIC driver backed by the Linux qdisc backlog of the host interfaces, for
// hosts acting as software switches.
//
// Each interface is mapped to a port with a single unicast queue and a single
// service pool; the root qdisc backlog, converted to cells, provides the
// occupancy. Thresholds are evaluated in software by a poll loop which invokes
// the trigger callback on the low -> high crossing.

package asic

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/eparparita/bst-telemetry-agent/internal/utils"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	QDISC_DRIVER_CONFIG_CELL_SIZE_DEFAULT     = 208
	QDISC_DRIVER_CONFIG_POLL_INTERVAL_DEFAULT = "1s"
)

type QdiscDriverConfig struct {
	// Bytes per cell used for converting the backlog:
	CellSize int `yaml:"cell_size"`
	// How often to evaluate the thresholds, use 0 to disable triggers. The
	// value should be compatible with time.ParseDuration().
	PollInterval string `yaml:"poll_interval"`
}

func DefaultQdiscDriverConfig() *QdiscDriverConfig {
	return &QdiscDriverConfig{
		CellSize:     QDISC_DRIVER_CONFIG_CELL_SIZE_DEFAULT,
		PollInterval: QDISC_DRIVER_CONFIG_POLL_INTERVAL_DEFAULT,
	}
}

type QdiscDriver struct {
	caps         *Capabilities
	ifNames      []string
	qdiscInfo    *utils.QdiscInfo
	thresholds   *Sample
	above        *Sample
	mode         Mode
	triggerCb    TriggerCallback
	pollInterval time.Duration
	mu           *sync.Mutex
	log          *logrus.Entry
	ctx          context.Context
	cancelFn     context.CancelFunc
	wg           *sync.WaitGroup
	// Overridable for testing:
	getQdiscInfoFn func(*utils.QdiscInfo) error
}

func getQdiscInfo(qdiscInfo *utils.QdiscInfo) error {
	return qdiscInfo.Get()
}

func NewQdiscDriver(cfg *QdiscDriverConfig, log *logrus.Entry) (*QdiscDriver, error) {
	return newQdiscDriver(cfg, log, getQdiscInfo)
}

func newQdiscDriver(
	cfg *QdiscDriverConfig,
	log *logrus.Entry,
	getQdiscInfoFn func(*utils.QdiscInfo) error,
) (*QdiscDriver, error) {
	if cfg == nil {
		cfg = DefaultQdiscDriverConfig()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.CellSize <= 0 {
		return nil, fmt.Errorf("NewQdiscDriver: invalid cell_size %d", cfg.CellSize)
	}
	pollInterval, err := time.ParseDuration(cfg.PollInterval)
	if err != nil {
		return nil, fmt.Errorf(
			"NewQdiscDriver: invalid poll_interval %q: %v", cfg.PollInterval, err,
		)
	}

	qdiscInfo := utils.NewQdiscInfo()
	if err = getQdiscInfoFn(qdiscInfo); err != nil {
		return nil, fmt.Errorf("NewQdiscDriver: %v", err)
	}
	ifNames := qdiscInfo.IfNames()
	if len(ifNames) == 0 {
		return nil, fmt.Errorf("NewQdiscDriver: no root qdisc found")
	}

	caps := &Capabilities{
		NumPorts:          len(ifNames),
		NumUnicastQueues:  len(ifNames),
		NumServicePools:   1,
		NumCommonPools:    1,
		NumPriorityGroups: 1,
		CellSize:          cfg.CellSize,
	}
	thresholds := NewSample(caps)
	thresholds.Fill(THRESHOLD_DISABLED)

	ctx, cancelFn := context.WithCancel(context.Background())
	driver := &QdiscDriver{
		caps:           caps,
		ifNames:        ifNames,
		qdiscInfo:      qdiscInfo,
		thresholds:     thresholds,
		above:          NewSample(caps),
		pollInterval:   pollInterval,
		mu:             &sync.Mutex{},
		log:            log,
		ctx:            ctx,
		cancelFn:       cancelFn,
		wg:             &sync.WaitGroup{},
		getQdiscInfoFn: getQdiscInfoFn,
	}

	log.Infof("qdisc driver: ports=%v", ifNames)
	log.Infof("qdisc driver: cell_size=%d", cfg.CellSize)
	log.Infof("qdisc driver: poll_interval=%s", pollInterval)

	if pollInterval > 0 {
		driver.wg.Add(1)
		go driver.pollLoop()
	}
	return driver, nil
}

func (driver *QdiscDriver) checkUnit(unit int) error {
	if unit != 0 {
		return errors.Wrapf(ErrInvalidUnit, "unit=%d", unit)
	}
	return nil
}

func (driver *QdiscDriver) NumUnits() (int, error) {
	return 1, nil
}

func (driver *QdiscDriver) Capabilities(unit int) (*Capabilities, error) {
	if err := driver.checkUnit(unit); err != nil {
		return nil, err
	}
	caps := *driver.caps
	return &caps, nil
}

func (driver *QdiscDriver) RegisterTrigger(unit int, cb TriggerCallback) error {
	if err := driver.checkUnit(unit); err != nil {
		return err
	}
	driver.mu.Lock()
	driver.triggerCb = cb
	driver.mu.Unlock()
	return nil
}

// Must be called w/ the lock held.
func (driver *QdiscDriver) readNoLock(realms *RealmMask, sample *Sample) error {
	if err := driver.getQdiscInfoFn(driver.qdiscInfo); err != nil {
		return err
	}
	for realm := 0; realm < REALM_COUNT; realm++ {
		size := driver.caps.RealmSize(realm)
		if len(sample.Values[realm]) != size {
			sample.Values[realm] = make([]uint64, size)
		}
		values := sample.Values[realm]
		for i := range values {
			values[i] = 0
		}
	}
	cellSize := uint64(driver.caps.CellSize)
	total := uint64(0)
	for port, ifName := range driver.ifNames {
		qdiscIfInfo := driver.qdiscInfo.Info[ifName]
		if qdiscIfInfo == nil {
			// Interface gone since startup.
			continue
		}
		cells := (uint64(qdiscIfInfo.Uint32[utils.QDISC_BACKLOG]) + cellSize - 1) / cellSize
		sample.Values[REALM_EGRESS_UC_QUEUE][port] = cells
		sample.Values[REALM_EGRESS_PORT_SP][port] = cells
		total += cells
	}
	sample.Values[REALM_EGRESS_SP][0] = total
	sample.Values[REALM_DEVICE][0] = total
	if realms != nil {
		for realm := 0; realm < REALM_COUNT; realm++ {
			if !realms[realm] {
				values := sample.Values[realm]
				for i := range values {
					values[i] = 0
				}
			}
		}
	}
	return nil
}

func (driver *QdiscDriver) ReadCounters(unit int, realms *RealmMask, sample *Sample) error {
	if err := driver.checkUnit(unit); err != nil {
		return err
	}
	driver.mu.Lock()
	defer driver.mu.Unlock()
	return driver.readNoLock(realms, sample)
}

func (driver *QdiscDriver) ReadThresholds(unit int, sample *Sample) error {
	if err := driver.checkUnit(unit); err != nil {
		return err
	}
	driver.mu.Lock()
	defer driver.mu.Unlock()
	sample.CopyFrom(driver.thresholds)
	return nil
}

func (driver *QdiscDriver) SetThreshold(unit int, realm int, index int, value uint64) error {
	if err := driver.checkUnit(unit); err != nil {
		return err
	}
	if err := driver.caps.CheckRealmIndex(realm, index); err != nil {
		return err
	}
	driver.mu.Lock()
	defer driver.mu.Unlock()
	driver.thresholds.Values[realm][index] = value
	driver.above.Values[realm][index] = 0
	return nil
}

func (driver *QdiscDriver) ClearThresholds(unit int) error {
	if err := driver.checkUnit(unit); err != nil {
		return err
	}
	driver.mu.Lock()
	defer driver.mu.Unlock()
	driver.thresholds.Fill(THRESHOLD_DISABLED)
	driver.above.Reset()
	return nil
}

// The backlog is not resettable, clearing affects only the crossing state.
func (driver *QdiscDriver) ClearStats(unit int) error {
	if err := driver.checkUnit(unit); err != nil {
		return err
	}
	driver.mu.Lock()
	defer driver.mu.Unlock()
	driver.above.Reset()
	return nil
}

func (driver *QdiscDriver) ApplyMode(unit int, mode *Mode) error {
	if err := driver.checkUnit(unit); err != nil {
		return err
	}
	driver.mu.Lock()
	defer driver.mu.Unlock()
	driver.mode = *mode
	return nil
}

func (driver *QdiscDriver) Close() error {
	driver.cancelFn()
	driver.wg.Wait()
	return nil
}

// Evaluate the thresholds and return the list of new crossings.
func (driver *QdiscDriver) checkThresholds() ([]*Trigger, TriggerCallback, error) {
	driver.mu.Lock()
	defer driver.mu.Unlock()

	if driver.triggerCb == nil || !driver.mode.EnableStatsMonitoring {
		return nil, nil, nil
	}
	sample := NewSample(driver.caps)
	if err := driver.readNoLock(nil, sample); err != nil {
		return nil, nil, err
	}
	var triggers []*Trigger
	for realm := 0; realm < REALM_COUNT; realm++ {
		thresholds, above := driver.thresholds.Values[realm], driver.above.Values[realm]
		for i, value := range sample.Values[realm] {
			threshold := thresholds[i]
			if threshold == THRESHOLD_DISABLED || value < threshold {
				above[i] = 0
				continue
			}
			if above[i] == 0 {
				above[i] = 1
				triggers = append(triggers, &Trigger{Realm: realm, Index: i, Value: value})
			}
		}
	}
	return triggers, driver.triggerCb, nil
}

func (driver *QdiscDriver) pollLoop() {
	defer driver.wg.Done()

	ticker := time.NewTicker(driver.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-driver.ctx.Done():
			driver.log.Info("qdisc driver poll loop stopped")
			return
		case <-ticker.C:
		}
		triggers, cb, err := driver.checkThresholds()
		if err != nil {
			driver.log.Warnf("qdisc driver: %v", err)
			continue
		}
		for _, trigger := range triggers {
			cb(0, trigger)
		}
	}
}
