// Package debounce runs the most recent of a burst of triggers once the
// burst has been quiet for a fixed delay.
package debounce

import (
	"context"
	"sync"
	"time"
)

// Timer is the subset of *time.Timer the debouncer needs.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. It matches time.AfterFunc and can be
// replaced in tests.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Debouncer owns at most one task at a time. A new trigger supersedes the
// previous task: a pending one never runs, a running one has its context
// cancelled.
type Debouncer struct {
	delay     time.Duration
	afterFunc AfterFunc

	mu      sync.Mutex
	current *Task
}

// Task is a single scheduled run.
type Task struct {
	d          *Debouncer
	timer      Timer
	cancel     context.CancelFunc
	superseded func()
	started    bool
	done       bool
}

// New creates a debouncer with the given quiet period.
func New(delay time.Duration) *Debouncer {
	return &Debouncer{delay: delay, afterFunc: realAfterFunc}
}

// NewWithClock creates a debouncer that schedules through afterFunc.
func NewWithClock(delay time.Duration, afterFunc AfterFunc) *Debouncer {
	return &Debouncer{delay: delay, afterFunc: afterFunc}
}

func (d *Debouncer) Delay() time.Duration { return d.delay }

// Trigger schedules fn to run after the quiet period with a context derived
// from parent. onSuperseded, if set, is called when the task is dropped
// before it starts.
func (d *Debouncer) Trigger(parent context.Context, fn func(ctx context.Context), onSuperseded func()) *Task {
	ctx, cancel := context.WithCancel(parent)
	task := &Task{d: d, cancel: cancel, superseded: onSuperseded}

	d.mu.Lock()
	previous := d.current
	d.current = task
	task.timer = d.afterFunc(d.delay, func() { d.run(task, ctx, fn) })
	d.mu.Unlock()

	if previous != nil {
		previous.Cancel()
	}
	return task
}

func (d *Debouncer) run(task *Task, ctx context.Context, fn func(ctx context.Context)) {
	d.mu.Lock()
	if task.done || d.current != task {
		d.mu.Unlock()
		return
	}
	task.started = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		task.done = true
		if d.current == task {
			d.current = nil
		}
		d.mu.Unlock()
		task.cancel()
	}()
	fn(ctx)
}

// Stop cancels whatever task is pending or running.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	task := d.current
	d.mu.Unlock()
	if task != nil {
		task.Cancel()
	}
}

// Pending reports whether a task is scheduled or running.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current != nil
}

// Cancel drops the task. A task that has not started yet never runs and its
// superseded callback fires; a running task sees its context cancelled.
func (t *Task) Cancel() {
	d := t.d
	d.mu.Lock()
	if t.done {
		d.mu.Unlock()
		return
	}
	t.done = true
	notStarted := !t.started
	if d.current == t {
		d.current = nil
	}
	d.mu.Unlock()

	if notStarted && t.timer != nil {
		t.timer.Stop()
	}
	t.cancel()
	if notStarted && t.superseded != nil {
		t.superseded()
	}
}
