// Simulated ASIC driver, producing deterministic occupancy values.

package asic

import (
	"sync"

	"github.com/pkg/errors"
)

const (
	SIM_DRIVER_CONFIG_NUM_UNITS_DEFAULT = 1
)

var SimDriverCapabilitiesDefault = Capabilities{
	NumPorts:              8,
	NumUnicastQueues:      64,
	NumUnicastQueueGroups: 8,
	NumMulticastQueues:    32,
	NumServicePools:       4,
	NumCommonPools:        1,
	NumCpuQueues:          8,
	NumRqeQueues:          11,
	NumRqeQueuePools:      4,
	NumPriorityGroups:     8,
	CellSize:              208,
}

type SimDriverConfig struct {
	NumUnits     int           `yaml:"num_units"`
	Capabilities *Capabilities `yaml:"capabilities"`
}

func DefaultSimDriverConfig() *SimDriverConfig {
	caps := SimDriverCapabilitiesDefault
	return &SimDriverConfig{
		NumUnits:     SIM_DRIVER_CONFIG_NUM_UNITS_DEFAULT,
		Capabilities: &caps,
	}
}

type simUnit struct {
	caps       *Capabilities
	thresholds *Sample
	lastRead   *Sample
	readCount  uint64
	mode       Mode
	triggerCb  TriggerCallback
	readErr    error
}

type SimDriver struct {
	units []*simUnit
	mu    *sync.Mutex
}

func NewSimDriver(cfg *SimDriverConfig) *SimDriver {
	if cfg == nil {
		cfg = DefaultSimDriverConfig()
	}
	caps := cfg.Capabilities
	if caps == nil {
		caps = &SimDriverCapabilitiesDefault
	}
	driver := &SimDriver{
		units: make([]*simUnit, cfg.NumUnits),
		mu:    &sync.Mutex{},
	}
	for unit := range driver.units {
		unitCaps := *caps
		thresholds := NewSample(&unitCaps)
		thresholds.Fill(THRESHOLD_DISABLED)
		driver.units[unit] = &simUnit{
			caps:       &unitCaps,
			thresholds: thresholds,
			lastRead:   NewSample(&unitCaps),
		}
	}
	return driver
}

// The value produced for a given entry at the n'th read since the last clear:
func SimValue(unit, realm, index int, readNum uint64) uint64 {
	return uint64(unit+1)*100_000 + uint64(realm)*1_000 + uint64(index) + readNum*7
}

func (driver *SimDriver) getUnit(unit int) (*simUnit, error) {
	if unit < 0 || unit >= len(driver.units) {
		return nil, errors.Wrapf(ErrInvalidUnit, "unit=%d", unit)
	}
	return driver.units[unit], nil
}

func (driver *SimDriver) NumUnits() (int, error) {
	return len(driver.units), nil
}

func (driver *SimDriver) Capabilities(unit int) (*Capabilities, error) {
	driver.mu.Lock()
	defer driver.mu.Unlock()
	u, err := driver.getUnit(unit)
	if err != nil {
		return nil, err
	}
	caps := *u.caps
	return &caps, nil
}

func (driver *SimDriver) RegisterTrigger(unit int, cb TriggerCallback) error {
	driver.mu.Lock()
	defer driver.mu.Unlock()
	u, err := driver.getUnit(unit)
	if err != nil {
		return err
	}
	u.triggerCb = cb
	return nil
}

func (driver *SimDriver) ReadCounters(unit int, realms *RealmMask, sample *Sample) error {
	driver.mu.Lock()
	defer driver.mu.Unlock()
	u, err := driver.getUnit(unit)
	if err != nil {
		return err
	}
	if u.readErr != nil {
		return u.readErr
	}
	u.readCount++
	for realm := 0; realm < REALM_COUNT; realm++ {
		size := u.caps.RealmSize(realm)
		if len(sample.Values[realm]) != size {
			sample.Values[realm] = make([]uint64, size)
		}
		values := sample.Values[realm]
		if realms != nil && !realms[realm] {
			for i := range values {
				values[i] = 0
			}
			continue
		}
		for i := range values {
			values[i] = SimValue(unit, realm, i, u.readCount)
		}
	}
	u.lastRead.CopyFrom(sample)
	return nil
}

func (driver *SimDriver) ReadThresholds(unit int, sample *Sample) error {
	driver.mu.Lock()
	defer driver.mu.Unlock()
	u, err := driver.getUnit(unit)
	if err != nil {
		return err
	}
	sample.CopyFrom(u.thresholds)
	return nil
}

func (driver *SimDriver) SetThreshold(unit int, realm int, index int, value uint64) error {
	driver.mu.Lock()
	defer driver.mu.Unlock()
	u, err := driver.getUnit(unit)
	if err != nil {
		return err
	}
	if err = u.caps.CheckRealmIndex(realm, index); err != nil {
		return err
	}
	u.thresholds.Values[realm][index] = value
	return nil
}

func (driver *SimDriver) ClearThresholds(unit int) error {
	driver.mu.Lock()
	defer driver.mu.Unlock()
	u, err := driver.getUnit(unit)
	if err != nil {
		return err
	}
	u.thresholds.Fill(THRESHOLD_DISABLED)
	return nil
}

func (driver *SimDriver) ClearStats(unit int) error {
	driver.mu.Lock()
	defer driver.mu.Unlock()
	u, err := driver.getUnit(unit)
	if err != nil {
		return err
	}
	u.readCount = 0
	u.lastRead.Reset()
	return nil
}

func (driver *SimDriver) ApplyMode(unit int, mode *Mode) error {
	driver.mu.Lock()
	defer driver.mu.Unlock()
	u, err := driver.getUnit(unit)
	if err != nil {
		return err
	}
	u.mode = *mode
	return nil
}

func (driver *SimDriver) Close() error {
	return nil
}

// Test and simulation hooks.

// Simulate a threshold crossing; the callback is invoked in the caller's
// goroutine, which stands for the hardware event context.
func (driver *SimDriver) FireTrigger(unit int, realm int, index int) error {
	driver.mu.Lock()
	u, err := driver.getUnit(unit)
	if err != nil {
		driver.mu.Unlock()
		return err
	}
	if err = u.caps.CheckRealmIndex(realm, index); err != nil {
		driver.mu.Unlock()
		return err
	}
	cb := u.triggerCb
	trigger := &Trigger{
		Realm: realm,
		Index: index,
		Value: u.thresholds.Values[realm][index],
	}
	driver.mu.Unlock()
	if cb == nil {
		return nil
	}
	cb(unit, trigger)
	return nil
}

// Make subsequent reads fail with err, nil restores normal operation.
func (driver *SimDriver) SetReadError(unit int, err error) {
	driver.mu.Lock()
	defer driver.mu.Unlock()
	if u, _ := driver.getUnit(unit); u != nil {
		u.readErr = err
	}
}

// A copy of the values returned by the most recent read:
func (driver *SimDriver) LastRead(unit int) *Sample {
	driver.mu.Lock()
	defer driver.mu.Unlock()
	if u, _ := driver.getUnit(unit); u != nil {
		return u.lastRead.Clone()
	}
	return nil
}

func (driver *SimDriver) ReadCount(unit int) uint64 {
	driver.mu.Lock()
	defer driver.mu.Unlock()
	if u, _ := driver.getUnit(unit); u != nil {
		return u.readCount
	}
	return 0
}

func (driver *SimDriver) Mode(unit int) *Mode {
	driver.mu.Lock()
	defer driver.mu.Unlock()
	if u, _ := driver.getUnit(unit); u != nil {
		mode := u.mode
		return &mode
	}
	return nil
}
