// Scheduler for periodic tasks, such as the periodic report timers.

package bsta

//  Task Definition
//  ===============
//
// For the purpose of scheduling, each periodic activity is a task, with the
// following attributes relevant for scheduling:
//  - the interval by which it is to be repeated
//  - the next deadline
//
//  Scheduler Architecture
//  ======================
//
//             +----------------+
//             | Next Task Heap |
//             +----------------+
//                     ^
//                     | task
//                     v
//             +----------------+
//             |   Dispatcher   |
//             +----------------+
//               ^            | task
//               | task       v
//         +----------+  +----------+
//         | Task Que |  | TODO Que |
//         +----------+  +----------+
//            ^  ^            |
//   new task |  |            |
//   ---------+  |  +---------+---- ... ----+
//              /   | task    | task        | task
//          +--+    v         v             v
//          |  +--------+ +--------+   +--------+
//          |  | Worker | | Worker |...| Worker |
//          |  +--------+ +--------+   +--------+
//          |       |         |             |
//          +-------+---------+----- ... ---+
//
//  Principles Of Operation
//  =======================
//
// The order of execution is set by the Next Task Heap, which is a min heap
// sorted by the task's deadline (i.e. the nearest deadline is at the top).
//
// The Dispatcher monitors the top of the Next Task Heap, waiting for the
// deadline. When the latter arrives, it pulls the task from heap and it adds it
// to the TODO Queue.
//
// A Worker will pull the next task from the TODO Queue, it will execute it and
// it will add it back to the Task Queue, for the next deadline.
//
// The Dispatcher pulls from the Task Queue a new/re added task and it inserts
// it into the heap. If the top of the latter changes (i.e. it added a task with
// a nearer deadline) then the Dispatcher reevaluates the wait for the next
// deadline.
//
// Removed tasks are marked as such and they are discarded the next time they
// surface, either at the top of the heap or after execution.

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const (
	SCHEDULER_CONFIG_NUM_WORKERS_DEFAULT  = 1
	SCHEDULER_CONFIG_QUEUE_LENGTH_DEFAULT = 64
)

type SchedulerConfig struct {
	// The number of workers, i.e. the max number of concurrently executing
	// tasks:
	NumWorkers int `yaml:"num_workers"`
	// The length of the task and TODO queues:
	QueueLength int `yaml:"queue_length"`
}

func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		NumWorkers:  SCHEDULER_CONFIG_NUM_WORKERS_DEFAULT,
		QueueLength: SCHEDULER_CONFIG_QUEUE_LENGTH_DEFAULT,
	}
}

type TaskJob interface {
	Execute()
}

// Task stats:
const (
	// How many times the task was scheduled:
	TASK_STATS_SCHEDULED_COUNT = iota
	// How many times it started later than a whole interval past its deadline:
	TASK_STATS_DELAYED_COUNT
	// Must be last:
	TASK_STATS_UINT64_LEN
)

var TaskStatsNameMap = map[int]string{
	TASK_STATS_SCHEDULED_COUNT: "scheduled_count",
	TASK_STATS_DELAYED_COUNT:   "delayed_count",
}

type TaskStats struct {
	Uint64Stats []uint64
}

type Task struct {
	// Id, used for stats:
	id string
	// Deadline:
	deadline time.Time
	// Interval:
	interval time.Duration
	// Job:
	job TaskJob
	// Set by RemoveTask:
	removed atomic.Bool
}

type NextTaskHeap struct {
	tasks []*Task
}

type SchedulerStats map[string]*TaskStats

type Scheduler struct {
	// Next Task Heap:
	heap *NextTaskHeap
	// The task and TODO queues:
	taskQ, todoQ chan *Task
	// The number of workers:
	numWorkers int
	// The state of the scheduler, whether it is running or not:
	state   int
	stateMu *sync.Mutex
	// The apparatus needed for clean shutdown:
	ctx      context.Context
	cancelFn context.CancelFunc
	wg       *sync.WaitGroup
	// Stats, by task id:
	stats   SchedulerStats
	statsMu *sync.Mutex
}

var schedulerDummyDeadline = time.Now()

const (
	SCHEDULER_STATE_CREATED = iota
	SCHEDULER_STATE_RUNNING
	SCHEDULER_STATE_STOPPED
)

var schedulerStateMap = map[int]string{
	SCHEDULER_STATE_CREATED: "Created",
	SCHEDULER_STATE_RUNNING: "Running",
	SCHEDULER_STATE_STOPPED: "Stopped",
}

// Make time functions mockable for test purposes:
var schedulerTimeNowFn = time.Now

var schedulerLog = NewCompLogger("scheduler")

func NewTask(id string, interval time.Duration, job TaskJob) *Task {
	return &Task{
		id:       id,
		interval: interval,
		job:      job,
	}
}

func (task *Task) Id() string {
	return task.id
}

func NewNextTaskHeap() *NextTaskHeap {
	return &NextTaskHeap{
		tasks: make([]*Task, 0),
	}
}

// sort.Interface:
func (h *NextTaskHeap) Len() int {
	return len(h.tasks)
}

func (h *NextTaskHeap) Less(i, j int) bool {
	return h.tasks[i].deadline.Before(h.tasks[j].deadline)
}

func (h *NextTaskHeap) Swap(i, j int) {
	h.tasks[i], h.tasks[j] = h.tasks[j], h.tasks[i]
}

// heap.Interface:
func (h *NextTaskHeap) Push(x any) {
	if task, ok := x.(*Task); ok {
		h.tasks = append(h.tasks, task)
	}
}

func (h *NextTaskHeap) Pop() any {
	newLen := len(h.tasks) - 1
	task := h.tasks[newLen]
	h.tasks[newLen] = nil
	h.tasks = h.tasks[:newLen]
	return task
}

// Add a task to the heap. Return true if heap top was changed.
func (h *NextTaskHeap) AddTask(task *Task) bool {
	// The deadline is the nearest future multiple of task interval:
	task.deadline = schedulerTimeNowFn().Truncate(task.interval).Add(task.interval)

	// The top of heap changes if either the heap was empty or the new deadline
	// is more recent:
	hasChanged := len(h.tasks) == 0 ||
		task.deadline.Before(h.tasks[0].deadline)
	heap.Push(h, task)
	return hasChanged
}

// Return (deadline, valid) pair:
func (h *NextTaskHeap) PeekNextDeadline() (time.Time, bool) {
	if len(h.tasks) > 0 {
		return h.tasks[0].deadline, true
	}
	return schedulerDummyDeadline, false
}

func (h *NextTaskHeap) PopNextTask() *Task {
	if len(h.tasks) > 0 {
		return heap.Pop(h).(*Task)
	}
	return nil
}

func NewScheduler(cfg any) (*Scheduler, error) {
	var schedulerCfg *SchedulerConfig
	switch cfg := cfg.(type) {
	case *BstaConfig:
		schedulerCfg = cfg.SchedulerConfig
	case *SchedulerConfig:
		schedulerCfg = cfg
	case nil:
		schedulerCfg = DefaultSchedulerConfig()
	default:
		return nil, fmt.Errorf("NewScheduler: %T invalid config type", cfg)
	}

	numWorkers := schedulerCfg.NumWorkers
	if numWorkers <= 0 {
		numWorkers = 1
	}
	queueLength := schedulerCfg.QueueLength
	if queueLength <= 0 {
		queueLength = SCHEDULER_CONFIG_QUEUE_LENGTH_DEFAULT
	}

	schedulerLog.Infof("num_workers=%d", numWorkers)
	schedulerLog.Infof("queue_length=%d", queueLength)

	ctx, cancelFn := context.WithCancel(context.Background())
	return &Scheduler{
		heap:       NewNextTaskHeap(),
		taskQ:      make(chan *Task, queueLength),
		todoQ:      make(chan *Task, queueLength),
		numWorkers: numWorkers,
		state:      SCHEDULER_STATE_CREATED,
		stateMu:    &sync.Mutex{},
		ctx:        ctx,
		cancelFn:   cancelFn,
		wg:         &sync.WaitGroup{},
		stats:      make(SchedulerStats),
		statsMu:    &sync.Mutex{},
	}, nil
}

func (scheduler *Scheduler) dispatcherLoop() {
	schedulerLog.Info("start dispatcher loop")

	defer scheduler.wg.Done()

	timer := time.NewTimer(1 * time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	activeTimer := false

	defer func() {
		schedulerLog.Info("stop dispatcher loop")
		if activeTimer && !timer.Stop() {
			<-timer.C
		}
		schedulerLog.Info("dispatcher stopped")
	}()

	for {
		if !activeTimer {
			deadline, valid := scheduler.heap.PeekNextDeadline()
			if valid {
				timer.Reset(time.Until(deadline))
				activeTimer = true
			}
		}

		select {
		case <-scheduler.ctx.Done():
			return
		case task := <-scheduler.taskQ:
			if task.removed.Load() {
				continue
			}
			heapChanged := scheduler.heap.AddTask(task)
			if heapChanged && activeTimer {
				if !timer.Stop() {
					<-timer.C
				}
				activeTimer = false
			}
		case <-timer.C:
			activeTimer = false
			task := scheduler.heap.PopNextTask()
			if task == nil || task.removed.Load() {
				continue
			}
			scheduler.updateStats(task)
			select {
			case <-scheduler.ctx.Done():
				return
			case scheduler.todoQ <- task:
			}
		}
	}
}

func (scheduler *Scheduler) updateStats(task *Task) {
	scheduler.statsMu.Lock()
	defer scheduler.statsMu.Unlock()
	taskStats := scheduler.stats[task.id]
	if taskStats == nil {
		taskStats = &TaskStats{Uint64Stats: make([]uint64, TASK_STATS_UINT64_LEN)}
		scheduler.stats[task.id] = taskStats
	}
	taskStats.Uint64Stats[TASK_STATS_SCHEDULED_COUNT] += 1
	if schedulerTimeNowFn().Sub(task.deadline) > task.interval {
		taskStats.Uint64Stats[TASK_STATS_DELAYED_COUNT] += 1
	}
}

func (scheduler *Scheduler) workerLoop(workerId int) {
	schedulerLog.Infof("start worker# %d", workerId)

	defer func() {
		schedulerLog.Infof("stop worker# %d", workerId)
		scheduler.wg.Done()
	}()

	var task *Task
	for {
		select {
		case <-scheduler.ctx.Done():
			return
		case task = <-scheduler.todoQ:
		}
		if task.removed.Load() {
			continue
		}
		if task.job != nil {
			task.job.Execute()
		}
		select {
		case <-scheduler.ctx.Done():
			return
		case scheduler.taskQ <- task:
		}
	}
}

func (scheduler *Scheduler) Start() {
	scheduler.stateMu.Lock()
	defer scheduler.stateMu.Unlock()

	if scheduler.state != SCHEDULER_STATE_CREATED {
		schedulerLog.Warnf(
			"scheduler can only be started from state %d '%s', not from %d '%s'",
			SCHEDULER_STATE_CREATED, schedulerStateMap[SCHEDULER_STATE_CREATED],
			scheduler.state, schedulerStateMap[scheduler.state],
		)
		return
	}

	schedulerLog.Info("start scheduler")

	scheduler.wg.Add(1)
	go scheduler.dispatcherLoop()

	for workerId := 0; workerId < scheduler.numWorkers; workerId++ {
		scheduler.wg.Add(1)
		go scheduler.workerLoop(workerId)
	}

	scheduler.state = SCHEDULER_STATE_RUNNING
	schedulerLog.Info("scheduler started")
}

func (scheduler *Scheduler) Shutdown() {
	scheduler.stateMu.Lock()
	defer scheduler.stateMu.Unlock()

	if scheduler.state == SCHEDULER_STATE_STOPPED {
		schedulerLog.Warnf(
			"scheduler already in state %d '%s'",
			SCHEDULER_STATE_STOPPED, schedulerStateMap[SCHEDULER_STATE_STOPPED],
		)
		return
	}

	schedulerLog.Info("stop scheduler")

	scheduler.cancelFn()
	scheduler.wg.Wait()

	scheduler.state = SCHEDULER_STATE_STOPPED
	schedulerLog.Info("scheduler stopped")
}

func (scheduler *Scheduler) AddTask(task *Task) {
	select {
	case <-scheduler.ctx.Done():
	case scheduler.taskQ <- task:
	}
}

// Mark the task as removed; an execution already handed to a worker may still
// complete.
func (scheduler *Scheduler) RemoveTask(task *Task) {
	task.removed.Store(true)
}

func (scheduler *Scheduler) SnapStats(to SchedulerStats) SchedulerStats {
	if to == nil {
		to = make(SchedulerStats)
	}
	scheduler.statsMu.Lock()
	defer scheduler.statsMu.Unlock()
	for id, taskStats := range scheduler.stats {
		toTaskStats := to[id]
		if toTaskStats == nil {
			toTaskStats = &TaskStats{Uint64Stats: make([]uint64, TASK_STATS_UINT64_LEN)}
			to[id] = toTaskStats
		}
		copy(toTaskStats.Uint64Stats, taskStats.Uint64Stats)
	}
	return to
}
