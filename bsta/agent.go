// The BST agent: the owner of the unit contexts and of the request processing
// apparatus.

package bsta

import (
	"fmt"
	"sync"

	"github.com/eparparita/bst-telemetry-agent/asic"
	"github.com/eparparita/bst-telemetry-agent/internal/utils"
	"github.com/pkg/errors"
)

const (
	AGENT_CONFIG_BUFFER_POOL_MAX_SIZE_DEFAULT = 16
)

const (
	AGENT_STATE_CREATED = iota
	AGENT_STATE_RUNNING
	AGENT_STATE_STOPPED
)

var agentStateMap = map[int]string{
	AGENT_STATE_CREATED: "Created",
	AGENT_STATE_RUNNING: "Running",
	AGENT_STATE_STOPPED: "Stopped",
}

var agentLog = NewCompLogger("agent")

type AgentConfig struct {
	UnitConfig   *UnitConfig   `yaml:"unit_config"`
	WorkerConfig *WorkerConfig `yaml:"worker_config"`
	// Max number of idle encoding buffers kept around:
	BufferPoolMaxSize int `yaml:"buffer_pool_max_size"`
}

func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		UnitConfig:        DefaultUnitConfig(),
		WorkerConfig:      DefaultWorkerConfig(),
		BufferPoolMaxSize: AGENT_CONFIG_BUFFER_POOL_MAX_SIZE_DEFAULT,
	}
}

// The collaborators:
type AgentDeps struct {
	Driver    asic.Driver
	Encoder   Encoder
	Transport Transport
	// Optional, periodic reports are disabled w/o it:
	Timers TimerService
	// Optional, a channel based one is created if nil:
	Queue RequestQueue
}

type Agent struct {
	units     []*UnitContext
	driver    asic.Driver
	encoder   Encoder
	transport Transport
	timers    TimerService
	queue     RequestQueue
	worker    *Worker
	bufPool   *utils.BufPool
	stats     *AgentStats
	// Config:
	unitCfg   *UnitConfig
	workerCfg *WorkerConfig
	// State:
	state   int
	stateMu *sync.Mutex
}

func NewAgent(cfg any, deps *AgentDeps) (*Agent, error) {
	var agentCfg *AgentConfig
	switch cfg := cfg.(type) {
	case *BstaConfig:
		agentCfg = cfg.AgentConfig
	case *AgentConfig:
		agentCfg = cfg
	case nil:
		agentCfg = DefaultAgentConfig()
	default:
		return nil, fmt.Errorf("NewAgent: %T invalid config type", cfg)
	}
	if deps == nil || deps.Driver == nil || deps.Encoder == nil || deps.Transport == nil {
		return nil, fmt.Errorf("NewAgent: driver, encoder and transport are required")
	}

	unitCfg := agentCfg.UnitConfig
	if unitCfg == nil {
		unitCfg = DefaultUnitConfig()
	}
	workerCfg := agentCfg.WorkerConfig
	if workerCfg == nil {
		workerCfg = DefaultWorkerConfig()
	}

	agent := &Agent{
		driver:    deps.Driver,
		encoder:   deps.Encoder,
		transport: deps.Transport,
		timers:    deps.Timers,
		queue:     deps.Queue,
		bufPool:   utils.NewBufPool(agentCfg.BufferPoolMaxSize),
		stats:     NewAgentStats(),
		unitCfg:   unitCfg,
		workerCfg: workerCfg,
		state:     AGENT_STATE_CREATED,
		stateMu:   &sync.Mutex{},
	}
	if agent.queue == nil {
		agent.queue = NewChanRequestQueue(workerCfg.RequestQueueSize)
	}

	agentLog.Infof("buffer_pool_max_size=%d", agentCfg.BufferPoolMaxSize)
	agentLog.Infof("request_queue_size=%d", workerCfg.RequestQueueSize)

	return agent, nil
}

// Allocate the unit contexts, push the defaults to the hardware, register the
// triggers, arm the timers and start the worker. On failure everything
// acquired thus far is released.
func (agent *Agent) Initialize() error {
	agent.stateMu.Lock()
	defer agent.stateMu.Unlock()

	if agent.state != AGENT_STATE_CREATED {
		return errors.Wrapf(
			STATUS_FAILURE, "agent can only be initialized from state '%s', not from '%s'",
			agentStateMap[AGENT_STATE_CREATED], agentStateMap[agent.state],
		)
	}

	err := agent.initialize()
	if err != nil {
		agentLog.Errorf("initialize: %v", err)
		agent.teardown()
		agent.state = AGENT_STATE_STOPPED
		return err
	}
	agent.state = AGENT_STATE_RUNNING
	agentLog.Infof("agent initialized, %d unit(s)", len(agent.units))
	return nil
}

func (agent *Agent) initialize() error {
	numUnits, err := agent.driver.NumUnits()
	if err != nil {
		return errors.Wrapf(STATUS_INIT_FAILED, "num units: %v", err)
	}
	if numUnits <= 0 {
		return errors.Wrapf(STATUS_INIT_FAILED, "num units: %d", numUnits)
	}

	feature, track, err := agent.unitCfg.Settings()
	if err != nil {
		return errors.Wrapf(STATUS_INIT_FAILED, "unit config: %v", err)
	}

	agent.worker, err = NewWorker(agent.workerCfg, agent.queue, agent)
	if err != nil {
		return errors.Wrapf(STATUS_RESOURCE_UNAVAILABLE, "%v", err)
	}
	agent.worker.SetStats(agent.stats)

	agent.units = make([]*UnitContext, numUnits)
	for unit := 0; unit < numUnits; unit++ {
		caps, err := agent.driver.Capabilities(unit)
		if err != nil {
			return errors.Wrapf(STATUS_INIT_FAILED, "unit %d: capabilities: %v", unit, err)
		}
		agent.units[unit] = NewUnitContext(unit, caps, feature, track)
	}

	for _, uc := range agent.units {
		unit := uc.unit
		if err := agent.driver.ClearThresholds(unit); err != nil {
			agentLog.Warnf("unit %d: clear thresholds: %v", unit, err)
		}
		uc.mu.Lock()
		mode := uc.modeNoLock()
		uc.mu.Unlock()
		if err := agent.driver.ApplyMode(unit, mode); err != nil {
			return errors.Wrapf(STATUS_INIT_FAILED, "unit %d: apply mode: %v", unit, err)
		}
		agent.updateTriggerGating(uc, feature)
		if err := agent.driver.RegisterTrigger(unit, agent.triggerCallback); err != nil {
			return errors.Wrapf(STATUS_INIT_FAILED, "unit %d: register trigger: %v", unit, err)
		}
	}

	agent.worker.Start()

	for _, uc := range agent.units {
		uc.mu.Lock()
		agent.updateTimerNoLock(uc)
		uc.mu.Unlock()
	}
	return nil
}

func (agent *Agent) Teardown() {
	agent.stateMu.Lock()
	defer agent.stateMu.Unlock()

	if agent.state == AGENT_STATE_STOPPED {
		agentLog.Warnf("agent already in state '%s'", agentStateMap[AGENT_STATE_STOPPED])
		return
	}
	agent.teardown()
	agent.state = AGENT_STATE_STOPPED
}

// Must be called w/ the state lock held.
func (agent *Agent) teardown() {
	agentLog.Info("teardown")

	for _, uc := range agent.units {
		if uc == nil {
			continue
		}
		uc.mu.Lock()
		if uc.timerArmed && agent.timers != nil {
			agent.timers.Disarm(uc.unit)
			uc.timerArmed = false
		}
		uc.mu.Unlock()
		uc.triggerEnabled.Store(false)
		if err := agent.driver.RegisterTrigger(uc.unit, nil); err != nil {
			agentLog.Warnf("unit %d: unregister trigger: %v", uc.unit, err)
		}
	}
	if agent.worker != nil {
		agent.worker.Shutdown()
	}
	agent.queue.Close()
	for _, uc := range agent.units {
		if uc != nil {
			uc.release()
		}
	}
	agentLog.Info("teardown complete")
}

// Invoked by the worker:
func (agent *Agent) ProcessRequest(req *Request) {
	if req.Unit < 0 || req.Unit >= len(agent.units) {
		agent.stats.Inc(AGENT_STATS_INVALID_UNIT_COUNT)
		agentLog.Warnf("%s: invalid unit %d", req.Command, req.Unit)
		agent.sendResponse(req, STATUS_INVALID_PARAMETER)
		return
	}

	handler, err := LookupHandler(req.Command)
	if err != nil {
		agent.stats.Inc(AGENT_STATS_UNKNOWN_COMMAND_COUNT)
		agentLog.Warnf("unit %d: %v, request dropped", req.Unit, err)
		return
	}

	switch req.ReportKind {
	case REPORT_KIND_PERIODIC:
		agent.stats.Inc(AGENT_STATS_PERIODIC_REPORT_COUNT)
	case REPORT_KIND_TRIGGER:
		agent.stats.Inc(AGENT_STATS_TRIGGER_REPORT_COUNT)
	}

	err = handler(agent, req)
	if err != nil {
		agent.stats.Inc(AGENT_STATS_HANDLER_ERROR_COUNT)
		agentLog.Warnf("%s: %v", req.Command, err)
	}
	agent.sendResponse(req, StatusOf(err))
}

func (agent *Agent) unitContext(unit int) (*UnitContext, error) {
	if unit < 0 || unit >= len(agent.units) {
		return nil, errors.Wrapf(STATUS_INVALID_PARAMETER, "unit %d", unit)
	}
	return agent.units[unit], nil
}

func (agent *Agent) NumUnits() int {
	return len(agent.units)
}

func (agent *Agent) UnitSettings(unit int) (*FeatureConfig, *TrackConfig, error) {
	uc, err := agent.unitContext(unit)
	if err != nil {
		return nil, nil, err
	}
	feature, track := uc.Settings()
	return feature, track, nil
}

func (agent *Agent) Capabilities(unit int) (*asic.Capabilities, error) {
	uc, err := agent.unitContext(unit)
	if err != nil {
		return nil, err
	}
	return uc.caps, nil
}

func (agent *Agent) Stats() *AgentStats {
	return agent.stats
}

func (agent *Agent) Worker() *Worker {
	return agent.worker
}
