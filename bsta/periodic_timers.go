// Per unit periodic timers, backed by the scheduler.

package bsta

import (
	"fmt"
	"sync"
	"time"
)

// The timer service as used by the agent:
type TimerService interface {
	// Arm, or re-arm w/ a new interval, the timer for the unit:
	ArmPeriodic(unit int, interval time.Duration, cb func(unit int))
	Disarm(unit int)
}

type periodicTimerJob struct {
	unit int
	cb   func(unit int)
}

func (job *periodicTimerJob) Execute() {
	job.cb(job.unit)
}

type PeriodicTimers struct {
	scheduler *Scheduler
	tasks     map[int]*Task
	mu        *sync.Mutex
}

func NewPeriodicTimers(scheduler *Scheduler) *PeriodicTimers {
	return &PeriodicTimers{
		scheduler: scheduler,
		tasks:     make(map[int]*Task),
		mu:        &sync.Mutex{},
	}
}

func PeriodicTimerTaskId(unit int) string {
	return fmt.Sprintf("unit-%d-periodic-report", unit)
}

func (timers *PeriodicTimers) ArmPeriodic(unit int, interval time.Duration, cb func(unit int)) {
	timers.mu.Lock()
	defer timers.mu.Unlock()
	if task := timers.tasks[unit]; task != nil {
		timers.scheduler.RemoveTask(task)
	}
	task := NewTask(PeriodicTimerTaskId(unit), interval, &periodicTimerJob{unit, cb})
	timers.tasks[unit] = task
	timers.scheduler.AddTask(task)
}

func (timers *PeriodicTimers) Disarm(unit int) {
	timers.mu.Lock()
	defer timers.mu.Unlock()
	if task := timers.tasks[unit]; task != nil {
		timers.scheduler.RemoveTask(task)
		delete(timers.tasks, unit)
	}
}

func (timers *PeriodicTimers) DisarmAll() {
	timers.mu.Lock()
	defer timers.mu.Unlock()
	for unit, task := range timers.tasks {
		timers.scheduler.RemoveTask(task)
		delete(timers.tasks, unit)
	}
}

func (timers *PeriodicTimers) Armed(unit int) bool {
	timers.mu.Lock()
	defer timers.mu.Unlock()
	return timers.tasks[unit] != nil
}
