// Configuration for the BST agent

package bsta

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/go-yaml/yaml"

	"github.com/eparparita/bst-telemetry-agent/asic"
)

// The configuration is stored in one object to make it easy to load it from a
// file. Most of the configuration parameters are based on the file settings and
// a few can be overridden by command line arguments.
//
// The decreasing order of precedence for parameter values:
//   - command line arg (if applicable)
//   - config file
//   - built-in default
//
// Each component has its specific configuration, defined in the file providing
// the implementation.

const (
	DRIVER_SIM   = "sim"
	DRIVER_QDISC = "qdisc"

	BSTA_CONFIG_DRIVER_DEFAULT = DRIVER_SIM
)

type BstaConfig struct {
	// The hardware back end, one of DRIVER_...:
	Driver                 string                  `yaml:"driver"`
	SimDriverConfig        *asic.SimDriverConfig   `yaml:"sim_driver_config"`
	QdiscDriverConfig      *asic.QdiscDriverConfig `yaml:"qdisc_driver_config"`
	AgentConfig            *AgentConfig            `yaml:"agent_config"`
	SchedulerConfig        *SchedulerConfig        `yaml:"scheduler_config"`
	CollectorPoolConfig    *CollectorPoolConfig    `yaml:"collector_pool_config"`
	HttpEndpointPoolConfig *HttpEndpointPoolConfig `yaml:"http_endpoint_pool_config"`
	RestServerConfig       *RestServerConfig       `yaml:"rest_server_config"`
	LoggerConfig           *LoggerConfig           `yaml:"log_config"`
}

var bstaConfigFile = flag.String(
	"config",
	"",
	`Config file to load, built-in defaults are used if not specified`,
)

var driverArg = NewStringFlagCheckUsed(
	"driver",
	BSTA_CONFIG_DRIVER_DEFAULT,
	fmt.Sprintf(`Override the hardware back end, one of %q or %q`, DRIVER_SIM, DRIVER_QDISC),
)

var restAddressArg = NewStringFlagCheckUsed(
	"rest-address",
	REST_SERVER_ADDRESS_DEFAULT,
	`Override the REST server listen address`,
)

var collectionIntervalArg = NewDurationFlagCheckUsed(
	"collection-interval",
	UNIT_CONFIG_COLLECTION_INTERVAL_DEFAULT,
	`Override the periodic report interval for all units`,
)

var sendAsyncReportsArg = NewBoolFlagCheckUsed(
	"send-async-reports",
	`Override the periodic reports enable setting for all units`,
)

var simNumUnitsArg = NewIntFlagCheckUsed(
	"sim-num-units",
	asic.SIM_DRIVER_CONFIG_NUM_UNITS_DEFAULT,
	fmt.Sprintf(`Override the number of units for the %q driver`, DRIVER_SIM),
)

var ErrConfigInvalidDriver = errors.New("invalid driver")

func DefaultBstaConfig() *BstaConfig {
	return &BstaConfig{
		Driver:                 BSTA_CONFIG_DRIVER_DEFAULT,
		SimDriverConfig:        asic.DefaultSimDriverConfig(),
		QdiscDriverConfig:      asic.DefaultQdiscDriverConfig(),
		AgentConfig:            DefaultAgentConfig(),
		SchedulerConfig:        DefaultSchedulerConfig(),
		CollectorPoolConfig:    DefaultCollectorPoolConfig(),
		HttpEndpointPoolConfig: DefaultHttpEndpointPoolConfig(),
		RestServerConfig:       DefaultRestServerConfig(),
		LoggerConfig:           DefaultLoggerConfig(),
	}
}

func (cfg *BstaConfig) check() error {
	switch cfg.Driver {
	case DRIVER_SIM, DRIVER_QDISC:
	default:
		return fmt.Errorf("%w %q", ErrConfigInvalidDriver, cfg.Driver)
	}
	if cfg.AgentConfig == nil {
		cfg.AgentConfig = DefaultAgentConfig()
	}
	if cfg.AgentConfig.UnitConfig == nil {
		cfg.AgentConfig.UnitConfig = DefaultUnitConfig()
	}
	if cfg.AgentConfig.WorkerConfig == nil {
		cfg.AgentConfig.WorkerConfig = DefaultWorkerConfig()
	}
	_, _, err := cfg.AgentConfig.UnitConfig.Settings()
	return err
}

func LoadBstaConfig(cfgFile string) (*BstaConfig, error) {
	f, err := os.Open(cfgFile)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	cfg := DefaultBstaConfig()
	err = decoder.Decode(cfg)
	if err != nil {
		return nil, fmt.Errorf("file: %q: %v", cfgFile, err)
	}
	if err = cfg.check(); err != nil {
		return nil, fmt.Errorf("file: %q: %w", cfgFile, err)
	}
	return cfg, nil
}

// Apply the command line args, if they were used:
func (cfg *BstaConfig) applyArgs() error {
	driverArg.Override(&cfg.Driver)
	if cfg.RestServerConfig == nil {
		cfg.RestServerConfig = DefaultRestServerConfig()
	}
	restAddressArg.Override(&cfg.RestServerConfig.Address)
	if cfg.SimDriverConfig == nil {
		cfg.SimDriverConfig = asic.DefaultSimDriverConfig()
	}
	simNumUnitsArg.Override(&cfg.SimDriverConfig.NumUnits)
	collectionIntervalArg.Override(&cfg.AgentConfig.UnitConfig.CollectionInterval)
	sendAsyncReportsArg.Override(&cfg.AgentConfig.UnitConfig.SendAsyncReports)
	return cfg.check()
}

func LoadBstaConfigFromArgs() (*BstaConfig, error) {
	var (
		cfg *BstaConfig
		err error
	)
	if *bstaConfigFile != "" {
		cfg, err = LoadBstaConfig(*bstaConfigFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = DefaultBstaConfig()
	}
	if err = cfg.applyArgs(); err != nil {
		return nil, err
	}
	return cfg, nil
}
