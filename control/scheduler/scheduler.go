// Package scheduler runs short tasks cooperatively from a single polling loop.
//
// Tasks live in a fixed-size arena and are addressed by generation-checked handles, so a handle
// that outlives its task can never reach a newer task that reused the slot.  A scan first
// snapshots the due tasks in insertion order and then invokes them one by one; a task removed
// while the scan is in progress (by itself or by another task) is simply not invoked, and every
// other due task runs exactly once.
//
// Nothing here is safe for concurrent use.  The owner of the Scheduler is expected to call Tick
// from one goroutine and to keep every callback short.
package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrFull is returned by Register when every slot is in use.
var ErrFull = errors.New("scheduler full")

var (
	taskRunsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_task_runs",
		Help: "count of task invocations, by task tag",
	}, []string{"tag"})

	taskLatenessMetric = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scheduler_task_lateness",
		Help:    "time between a task's due time and its invocation, in nanoseconds",
		Buckets: prometheus.ExponentialBuckets(1000, 10, 10),
	})

	cancelledTasksCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_tasks_cancelled",
		Help: "count of tasks that deregistered themselves by returning Cancel",
	})
)

// Result is what a task returns after running: either the uptime at which it wants to run
// again, or a request to be removed.
type Result struct {
	at     time.Duration
	cancel bool
}

// Reschedule asks for the task to run again once uptime reaches at.
func Reschedule(at time.Duration) Result { return Result{at: at} }

// After asks for the task to run again d after now.
func After(now, d time.Duration) Result { return Result{at: now + d} }

// Cancel removes the task from the scheduler.
func Cancel() Result { return Result{cancel: true} }

// Cancelled reports whether the result removes the task.
func (r Result) Cancelled() bool { return r.cancel }

// At returns the requested due time.  It is meaningless for a cancelled result.
func (r Result) At() time.Duration { return r.at }

func (r Result) String() string {
	if r.cancel {
		return "cancel"
	}
	return fmt.Sprintf("reschedule at %v", r.at)
}

// TaskFunc is the body of a task.  now is the uptime the current scan was started with.
type TaskFunc func(now time.Duration) Result

// Handle identifies a registered task.  The zero Handle never refers to a task.
type Handle struct {
	index int
	gen   uint32
}

// Valid reports whether h was ever returned by Register.
func (h Handle) Valid() bool { return h.gen != 0 }

type slot struct {
	tag  string
	due  time.Duration
	fn   TaskFunc
	gen  uint32
	live bool
	runs uint64
}

// TaskInfo is a diagnostic snapshot of one task.
type TaskInfo struct {
	Tag  string
	Due  time.Duration
	Runs uint64
}

// Scheduler is a fixed-capacity cooperative task list.
type Scheduler struct {
	slots []slot
	order []int // live slot indices, in registration order
	free  []int

	scan []Handle // reused between ticks
}

// New returns a Scheduler that can hold at most capacity tasks at once.
func New(capacity int) *Scheduler {
	s := &Scheduler{
		slots: make([]slot, capacity),
		order: make([]int, 0, capacity),
		free:  make([]int, 0, capacity),
		scan:  make([]Handle, 0, capacity),
	}
	for i := capacity - 1; i >= 0; i-- {
		s.free = append(s.free, i)
	}
	return s
}

// Register adds a task that first runs once uptime reaches due.  A task registered from inside
// a callback is not considered until the next Tick.
func (s *Scheduler) Register(tag string, due time.Duration, fn TaskFunc) (Handle, error) {
	if fn == nil {
		return Handle{}, fmt.Errorf("register %q: nil task", tag)
	}
	if len(s.free) == 0 {
		return Handle{}, fmt.Errorf("register %q: %w (capacity %d)", tag, ErrFull, len(s.slots))
	}
	i := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]

	sl := &s.slots[i]
	gen := sl.gen + 1
	if gen == 0 {
		gen = 1
	}
	*sl = slot{tag: tag, due: due, fn: fn, gen: gen, live: true}
	s.order = append(s.order, i)
	return Handle{index: i, gen: gen}, nil
}

// MustRegister is like Register, but panics when the scheduler is full.  The set of tasks is
// fixed when the program is written, so running out of slots is a programming error.
func (s *Scheduler) MustRegister(tag string, due time.Duration, fn TaskFunc) Handle {
	h, err := s.Register(tag, due, fn)
	if err != nil {
		panic(err)
	}
	return h
}

func (s *Scheduler) lookup(h Handle) *slot {
	if h.gen == 0 || h.index < 0 || h.index >= len(s.slots) {
		return nil
	}
	sl := &s.slots[h.index]
	if !sl.live || sl.gen != h.gen {
		return nil
	}
	return sl
}

// Deregister removes the task.  It may be called at any time, including from inside any task's
// callback during a scan.  It returns false if the handle no longer refers to a task.
func (s *Scheduler) Deregister(h Handle) bool {
	sl := s.lookup(h)
	if sl == nil {
		return false
	}
	sl.live = false
	sl.fn = nil
	for j, i := range s.order {
		if i == h.index {
			s.order = append(s.order[:j], s.order[j+1:]...)
			break
		}
	}
	s.free = append(s.free, h.index)
	return true
}

// Tick runs every task whose due time is at or before now, in registration order, and returns
// the number of callbacks invoked.
func (s *Scheduler) Tick(now time.Duration) int {
	s.scan = s.scan[:0]
	for _, i := range s.order {
		if sl := &s.slots[i]; sl.due <= now {
			s.scan = append(s.scan, Handle{index: i, gen: sl.gen})
		}
	}

	var ran int
	for _, h := range s.scan {
		sl := s.lookup(h)
		if sl == nil {
			// Removed by an earlier callback in this scan.
			continue
		}
		taskLatenessMetric.Observe(float64((now - sl.due).Nanoseconds()))
		taskRunsCounter.WithLabelValues(sl.tag).Inc()
		sl.runs++
		ran++

		r := sl.fn(now)

		// The callback may have deregistered itself, in which case the slot could even
		// belong to a task it registered.  Only touch the slot if it is still ours.
		sl = s.lookup(h)
		if sl == nil {
			continue
		}
		if r.cancel {
			cancelledTasksCounter.Inc()
			s.Deregister(h)
			continue
		}
		if r.at > sl.due {
			sl.due = r.at
		}
	}
	return ran
}

// Len returns the number of registered tasks.
func (s *Scheduler) Len() int { return len(s.order) }

// Cap returns the maximum number of tasks.
func (s *Scheduler) Cap() int { return len(s.slots) }

// Due returns the next due time of the task, and false if the handle is stale.
func (s *Scheduler) Due(h Handle) (time.Duration, bool) {
	sl := s.lookup(h)
	if sl == nil {
		return 0, false
	}
	return sl.due, true
}

// Next returns the earliest due time of any task, and false if there are no tasks.
func (s *Scheduler) Next() (time.Duration, bool) {
	var next time.Duration
	var found bool
	for _, i := range s.order {
		if d := s.slots[i].due; !found || d < next {
			next, found = d, true
		}
	}
	return next, found
}

// Tasks returns a snapshot of all tasks in registration order.
func (s *Scheduler) Tasks() []TaskInfo {
	result := make([]TaskInfo, 0, len(s.order))
	for _, i := range s.order {
		sl := &s.slots[i]
		result = append(result, TaskInfo{Tag: sl.tag, Due: sl.due, Runs: sl.runs})
	}
	return result
}
