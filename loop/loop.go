// Package loop implements a cooperative, single-threaded task scheduler
// with a FIFO microtask queue and a deadline-ordered macrotask queue.
//
// The loop runs on a virtual clock: macrotask deadlines are instants on
// that clock, and the clock only advances when no microtask is queued
// and no macrotask is currently due. All pending microtasks drain before
// the next macrotask executes. A single Loop instance must only be
// driven from one goroutine; independent loops are independent.
package loop

import (
	"container/heap"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// TaskRecord describes one executed task. It is delivered to the
// observer hook after the task finishes, panicked or not.
type TaskRecord struct {
	LoopID   string
	Err      string
	FiredAt  time.Time // virtual time of execution
	Deadline time.Time // zero for microtasks
	Seq      uint64
	Kind     Kind
	Panicked bool
}

// Option configures a Loop during construction.
type Option func(*Loop)

// WithErrorSink replaces the default zerolog error sink.
func WithErrorSink(sink ErrorSink) Option {
	return func(l *Loop) { l.sink = sink }
}

// WithObserver installs a hook invoked once per executed task.
func WithObserver(obs func(TaskRecord)) Option {
	return func(l *Loop) { l.observer = obs }
}

// WithStartTime sets the initial virtual clock instant.
// Defaults to the wall clock at construction.
func WithStartTime(t time.Time) Option {
	return func(l *Loop) { l.setNow(t) }
}

// Loop owns the queue pair and is the single authority over execution
// order. The zero value is not usable; construct with New.
type Loop struct {
	id       string
	sink     ErrorSink
	observer func(TaskRecord)

	micro     []*task
	microHead int
	macro     taskHeap
	seq       uint64

	// Read by Stats from other goroutines (e.g. the inspector);
	// everything above is touched only on the loop goroutine.
	nowNanos      atomic.Int64
	shutdown      atomic.Bool
	pendingMicro  atomic.Int64
	pendingMacro  atomic.Int64
	executedMicro atomic.Uint64
	executedMacro atomic.Uint64
	panics        atomic.Uint64
	unhandled     atomic.Uint64
}

// New constructs a Loop with its virtual clock set to the wall clock.
func New(opts ...Option) *Loop {
	l := &Loop{id: "loop_" + uuid.NewString()}
	l.setNow(time.Now())
	for _, opt := range opts {
		opt(l)
	}
	if l.sink == nil {
		l.sink = defaultSink
	}
	return l
}

func defaultSink(e TaskError) {
	log.Error().
		Str("loop_id", e.LoopID).
		Stringer("kind", e.Kind).
		Time("virtual_at", e.At).
		Err(e.Err).
		Msg("task error")
}

// ID returns the loop's unique identifier.
func (l *Loop) ID() string { return l.id }

// Now returns the current virtual clock instant.
func (l *Loop) Now() time.Time {
	return time.Unix(0, l.nowNanos.Load())
}

func (l *Loop) setNow(t time.Time) {
	l.nowNanos.Store(t.UnixNano())
}

// QueueMicrotask appends a callback to the microtask FIFO.
func (l *Loop) QueueMicrotask(fn func()) (Handle, error) {
	if fn == nil {
		return Handle{}, ErrNilCallback
	}
	if l.shutdown.Load() {
		return Handle{}, ErrShutdown
	}
	l.seq++
	t := &task{fn: fn, kind: Microtask, seq: l.seq}
	l.micro = append(l.micro, t)
	l.pendingMicro.Add(1)
	return Handle{t: t}, nil
}

// QueueMacrotask schedules a callback to fire once the virtual clock
// reaches now+delay. Ties on the deadline break by insertion order.
func (l *Loop) QueueMacrotask(fn func(), delay time.Duration) (Handle, error) {
	if fn == nil {
		return Handle{}, ErrNilCallback
	}
	if l.shutdown.Load() {
		return Handle{}, ErrShutdown
	}
	if delay < 0 {
		delay = 0
	}
	l.seq++
	t := &task{fn: fn, kind: Macrotask, seq: l.seq, deadline: l.Now().Add(delay)}
	heap.Push(&l.macro, t)
	l.pendingMacro.Add(1)
	return Handle{t: t}, nil
}

// Cancel marks the task as cancelled. The task is skipped when popped;
// no queue mutation happens here. Idempotent, and a no-op for tasks
// that already ran or for the zero Handle. A task that is currently
// executing is never interrupted.
func (l *Loop) Cancel(h Handle) {
	if h.t != nil {
		h.t.cancelled = true
	}
}

// Shutdown rejects all further enqueues. Tasks already queued still run
// if RunUntilIdle is called again; shutdown only closes the ingress.
func (l *Loop) Shutdown() {
	l.shutdown.Store(true)
}

// ReportUnhandledRejection delivers an unhandled-rejection event to the
// error sink. Intended for deferred-value implementations layered on
// top of the loop.
func (l *Loop) ReportUnhandledRejection(reason error) {
	l.unhandled.Add(1)
	l.sink(TaskError{Err: reason, Kind: UnhandledRejection, LoopID: l.id, At: l.Now()})
}

// RunUntilIdle executes queued work until both queues are empty:
// drain every pending microtask (including ones enqueued during the
// drain), then pop and execute exactly one due macrotask, then repeat.
// The virtual clock advances to the earliest macrotask deadline only
// when the microtask queue is empty and nothing is currently due.
func (l *Loop) RunUntilIdle() {
	runID := "run_" + uuid.NewString()
	log.Debug().Str("loop_id", l.id).Str("run_id", runID).Msg("run starting")
	for {
		l.drainMicrotasks()
		t := l.nextDueMacrotask()
		if t == nil {
			break
		}
		l.execute(t)
	}
	log.Debug().
		Str("loop_id", l.id).
		Str("run_id", runID).
		Time("virtual_now", l.Now()).
		Msg("run idle")
}

// drainMicrotasks runs every queued microtask in FIFO order, including
// microtasks enqueued by the ones it runs.
func (l *Loop) drainMicrotasks() {
	for l.microHead < len(l.micro) {
		t := l.micro[l.microHead]
		l.micro[l.microHead] = nil
		l.microHead++
		if l.microHead == len(l.micro) {
			l.micro = l.micro[:0]
			l.microHead = 0
		}
		l.pendingMicro.Add(-1)
		if t.cancelled {
			continue
		}
		l.execute(t)
	}
}

// nextDueMacrotask pops the earliest live macrotask, advancing the
// virtual clock to its deadline if nothing is due yet. Must only be
// called with the microtask queue empty.
func (l *Loop) nextDueMacrotask() *task {
	for l.macro.Len() > 0 {
		t := l.macro[0]
		if t.cancelled {
			heap.Pop(&l.macro)
			l.pendingMacro.Add(-1)
			continue
		}
		if t.deadline.After(l.Now()) {
			l.setNow(t.deadline)
		}
		heap.Pop(&l.macro)
		l.pendingMacro.Add(-1)
		return t
	}
	return nil
}

// execute runs one task to completion. A panic is caught here, reported
// to the sink, and never stops the loop.
func (l *Loop) execute(t *task) {
	rec := TaskRecord{
		LoopID:   l.id,
		Kind:     t.kind,
		Seq:      t.seq,
		FiredAt:  l.Now(),
		Deadline: t.deadline,
	}
	defer func() {
		if r := recover(); r != nil {
			err := &PanicError{Value: r}
			rec.Panicked = true
			rec.Err = err.Error()
			l.panics.Add(1)
			l.sink(TaskError{Err: err, Kind: TaskPanic, LoopID: l.id, At: l.Now()})
		}
		if t.kind == Microtask {
			l.executedMicro.Add(1)
		} else {
			l.executedMacro.Add(1)
		}
		if l.observer != nil {
			l.observer(rec)
		}
	}()
	t.fn()
}

// Stats is a point-in-time snapshot of loop counters. Safe to request
// from any goroutine.
type Stats struct {
	LoopID              string    `json:"loop_id"`
	VirtualNow          time.Time `json:"virtual_now"`
	PendingMicrotasks   int64     `json:"pending_microtasks"`
	PendingMacrotasks   int64     `json:"pending_macrotasks"`
	ExecutedMicrotasks  uint64    `json:"executed_microtasks"`
	ExecutedMacrotasks  uint64    `json:"executed_macrotasks"`
	TaskPanics          uint64    `json:"task_panics"`
	UnhandledRejections uint64    `json:"unhandled_rejections"`
	ShuttingDown        bool      `json:"shutting_down"`
}

// Stats returns a snapshot of the loop's counters.
func (l *Loop) Stats() Stats {
	return Stats{
		LoopID:              l.id,
		VirtualNow:          l.Now(),
		PendingMicrotasks:   l.pendingMicro.Load(),
		PendingMacrotasks:   l.pendingMacro.Load(),
		ExecutedMicrotasks:  l.executedMicro.Load(),
		ExecutedMacrotasks:  l.executedMacro.Load(),
		TaskPanics:          l.panics.Load(),
		UnhandledRejections: l.unhandled.Load(),
		ShuttingDown:        l.shutdown.Load(),
	}
}
