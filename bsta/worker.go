// The worker: the single consumer of the request queue and the only goroutine
// running command handlers.
//
// Receive failures are counted and the worker terminates after more than
// max_receive_failures consecutive ones, on the assumption that the queue is
// beyond repair. Termination is observable via Done() and Err(); optionally
// the worker may be restarted after a pause, up to max_restarts times.

package bsta

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	WORKER_CONFIG_MAX_RECEIVE_FAILURES_DEFAULT = 10
	WORKER_CONFIG_RESTART_ON_TERMINATE_DEFAULT = false
	WORKER_CONFIG_RESTART_PAUSE_DEFAULT        = "1s"
	WORKER_CONFIG_MAX_RESTARTS_DEFAULT         = 0
)

const (
	WORKER_STATE_CREATED = iota
	WORKER_STATE_RUNNING
	WORKER_STATE_TERMINATED
	WORKER_STATE_STOPPED
)

var workerStateMap = map[int]string{
	WORKER_STATE_CREATED:    "Created",
	WORKER_STATE_RUNNING:    "Running",
	WORKER_STATE_TERMINATED: "Terminated",
	WORKER_STATE_STOPPED:    "Stopped",
}

var ErrWorkerTerminated = errors.New("worker terminated")

var workerLog = NewCompLogger("worker")

type WorkerConfig struct {
	RequestQueueSize int `yaml:"request_queue_size"`
	// Terminate after more than this many consecutive receive failures:
	MaxReceiveFailures int `yaml:"max_receive_failures"`
	// Supervisor policy, restart the worker after termination:
	RestartOnTerminate bool `yaml:"restart_on_terminate"`
	// The value should be compatible with time.ParseDuration():
	RestartPause string `yaml:"restart_pause"`
	// Use 0 for unlimited:
	MaxRestarts int `yaml:"max_restarts"`
}

func DefaultWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		RequestQueueSize:   REQUEST_QUEUE_SIZE_DEFAULT,
		MaxReceiveFailures: WORKER_CONFIG_MAX_RECEIVE_FAILURES_DEFAULT,
		RestartOnTerminate: WORKER_CONFIG_RESTART_ON_TERMINATE_DEFAULT,
		RestartPause:       WORKER_CONFIG_RESTART_PAUSE_DEFAULT,
		MaxRestarts:        WORKER_CONFIG_MAX_RESTARTS_DEFAULT,
	}
}

type RequestProcessor interface {
	ProcessRequest(req *Request)
}

type Worker struct {
	queue              RequestQueue
	processor          RequestProcessor
	maxReceiveFailures int
	restartOnTerminate bool
	restartPause       time.Duration
	maxRestarts        int
	// Optional stats:
	stats *AgentStats
	// State:
	state   int
	err     error
	stateMu *sync.Mutex
	// Closed when the loop exits, for whatever reason:
	done chan struct{}
	// The apparatus needed for clean shutdown:
	ctx      context.Context
	cancelFn context.CancelFunc
	wg       *sync.WaitGroup
}

func NewWorker(cfg any, queue RequestQueue, processor RequestProcessor) (*Worker, error) {
	var workerCfg *WorkerConfig
	switch cfg := cfg.(type) {
	case *BstaConfig:
		workerCfg = cfg.AgentConfig.WorkerConfig
	case *WorkerConfig:
		workerCfg = cfg
	case nil:
		workerCfg = DefaultWorkerConfig()
	default:
		return nil, fmt.Errorf("NewWorker: %T invalid config type", cfg)
	}

	restartPause, err := time.ParseDuration(workerCfg.RestartPause)
	if err != nil {
		return nil, fmt.Errorf(
			"NewWorker: invalid restart_pause %q: %v", workerCfg.RestartPause, err,
		)
	}
	maxReceiveFailures := workerCfg.MaxReceiveFailures
	if maxReceiveFailures < 0 {
		maxReceiveFailures = 0
	}

	ctx, cancelFn := context.WithCancel(context.Background())
	worker := &Worker{
		queue:              queue,
		processor:          processor,
		maxReceiveFailures: maxReceiveFailures,
		restartOnTerminate: workerCfg.RestartOnTerminate,
		restartPause:       restartPause,
		maxRestarts:        workerCfg.MaxRestarts,
		state:              WORKER_STATE_CREATED,
		stateMu:            &sync.Mutex{},
		done:               make(chan struct{}),
		ctx:                ctx,
		cancelFn:           cancelFn,
		wg:                 &sync.WaitGroup{},
	}

	workerLog.Infof("max_receive_failures=%d", worker.maxReceiveFailures)
	workerLog.Infof("restart_on_terminate=%v", worker.restartOnTerminate)
	workerLog.Infof("restart_pause=%s", worker.restartPause)
	workerLog.Infof("max_restarts=%d", worker.maxRestarts)

	return worker, nil
}

func (worker *Worker) SetStats(stats *AgentStats) {
	worker.stats = stats
}

func (worker *Worker) incStats(indx int) {
	if worker.stats != nil {
		worker.stats.Inc(indx)
	}
}

func (worker *Worker) Start() {
	worker.stateMu.Lock()
	defer worker.stateMu.Unlock()

	if worker.state != WORKER_STATE_CREATED {
		workerLog.Warnf(
			"worker can only be started from state %d '%s', not from %d '%s'",
			WORKER_STATE_CREATED, workerStateMap[WORKER_STATE_CREATED],
			worker.state, workerStateMap[worker.state],
		)
		return
	}

	worker.wg.Add(1)
	go worker.loop()
	worker.state = WORKER_STATE_RUNNING
	workerLog.Info("worker started")
}

func (worker *Worker) Shutdown() {
	worker.stateMu.Lock()
	if worker.state == WORKER_STATE_STOPPED {
		worker.stateMu.Unlock()
		workerLog.Warnf(
			"worker already in state %d '%s'",
			WORKER_STATE_STOPPED, workerStateMap[WORKER_STATE_STOPPED],
		)
		return
	}
	neverStarted := worker.state == WORKER_STATE_CREATED
	worker.stateMu.Unlock()

	workerLog.Info("stop worker")
	worker.cancelFn()
	worker.wg.Wait()
	if neverStarted {
		close(worker.done)
	}

	worker.stateMu.Lock()
	worker.state = WORKER_STATE_STOPPED
	worker.stateMu.Unlock()
	workerLog.Info("worker stopped")
}

func (worker *Worker) State() int {
	worker.stateMu.Lock()
	defer worker.stateMu.Unlock()
	return worker.state
}

func (worker *Worker) Done() <-chan struct{} {
	return worker.done
}

// The termination cause, nil if the worker is running or it was stopped:
func (worker *Worker) Err() error {
	worker.stateMu.Lock()
	defer worker.stateMu.Unlock()
	return worker.err
}

func (worker *Worker) loop() {
	defer func() {
		close(worker.done)
		worker.wg.Done()
	}()

	for restartCount := 0; ; restartCount++ {
		err := worker.run()
		if err == nil {
			return
		}
		workerLog.Error(err)
		if !worker.restartOnTerminate ||
			(worker.maxRestarts > 0 && restartCount >= worker.maxRestarts) {
			worker.stateMu.Lock()
			worker.state = WORKER_STATE_TERMINATED
			worker.err = err
			worker.stateMu.Unlock()
			return
		}
		workerLog.Warnf("restart worker in %s", worker.restartPause)
		select {
		case <-worker.ctx.Done():
			return
		case <-time.After(worker.restartPause):
		}
		worker.incStats(AGENT_STATS_WORKER_RESTART_COUNT)
	}
}

// Receive and dispatch until the context is cancelled, when nil is returned,
// or until too many consecutive receive failures.
func (worker *Worker) run() error {
	receiveFailures := 0
	for {
		req, err := worker.queue.Receive(worker.ctx)
		if err != nil {
			if worker.ctx.Err() != nil {
				return nil
			}
			receiveFailures++
			worker.incStats(AGENT_STATS_RECEIVE_ERROR_COUNT)
			workerLog.Warnf("receive failure# %d: %v", receiveFailures, err)
			if receiveFailures > worker.maxReceiveFailures {
				return errors.Wrapf(
					ErrWorkerTerminated,
					"%d consecutive receive failures, last: %v", receiveFailures, err,
				)
			}
			continue
		}
		receiveFailures = 0
		worker.processor.ProcessRequest(req)
	}
}
