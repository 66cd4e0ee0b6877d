// Package timer schedules deadline-based macrotasks on a loop: one-shot
// delays, self-rearming tickers, and cron-expression schedules evaluated
// against the loop's virtual clock.
package timer

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"runloop/loop"
	"runloop/promise"
)

// Timers schedules deadline-based work on a single loop.
type Timers struct {
	lp *loop.Loop
}

// New returns a timer facility bound to lp.
func New(lp *loop.Loop) *Timers {
	return &Timers{lp: lp}
}

// After schedules fn to fire once the loop's virtual clock reaches
// now+delay. The returned handle cancels it.
func (t *Timers) After(delay time.Duration, fn func()) (loop.Handle, error) {
	return t.lp.QueueMacrotask(fn, delay)
}

// Cancel drops a pending timer. Idempotent: cancelling an already-fired
// or already-cancelled handle is a no-op.
func (t *Timers) Cancel(h loop.Handle) {
	t.lp.Cancel(h)
}

// Sleep returns a Deferred fulfilled with nil once the virtual clock
// reaches now+delay.
func (t *Timers) Sleep(delay time.Duration) *promise.Deferred {
	d, res := promise.New(t.lp)
	if _, err := t.lp.QueueMacrotask(func() { res.Resolve(nil) }, delay); err != nil {
		res.Reject(err)
	}
	return d
}

// Ticker repeats a callback. The next repetition is scheduled only
// after the current one returns, so at most one is pending at a time
// and firings never stack behind a slow callback.
type Ticker struct {
	lp      *loop.Loop
	fn      func()
	next    func() time.Duration
	current loop.Handle
	stopped bool
}

// Every schedules fn to repeat with a fixed delay between firings.
func (t *Timers) Every(interval time.Duration, fn func()) (*Ticker, error) {
	if fn == nil {
		return nil, loop.ErrNilCallback
	}
	if interval < 0 {
		interval = 0
	}
	tk := &Ticker{lp: t.lp, fn: fn, next: func() time.Duration { return interval }}
	if err := tk.arm(); err != nil {
		return nil, err
	}
	return tk, nil
}

// Cron schedules fn per a cron expression evaluated against the loop's
// virtual clock. Accepts the standard 5-field syntax and descriptors
// like @hourly and @every, per the robfig parser.
func (t *Timers) Cron(expr string, fn func()) (*Ticker, error) {
	if fn == nil {
		return nil, loop.ErrNilCallback
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("timer: invalid cron expression %q: %w", expr, err)
	}
	lp := t.lp
	tk := &Ticker{lp: lp, fn: fn, next: func() time.Duration {
		now := lp.Now()
		return sched.Next(now).Sub(now)
	}}
	if err := tk.arm(); err != nil {
		return nil, err
	}
	return tk, nil
}

func (tk *Ticker) arm() error {
	h, err := tk.lp.QueueMacrotask(tk.fire, tk.next())
	if err != nil {
		return err
	}
	tk.current = h
	return nil
}

func (tk *Ticker) fire() {
	if tk.stopped {
		return
	}
	tk.fn()
	if tk.stopped {
		// fn stopped its own ticker.
		return
	}
	// The only arm failure is loop teardown; the ticker simply ends.
	_ = tk.arm()
}

// Stop cancels the pending repetition. Idempotent, and safe to call
// from inside the ticker's own callback.
func (tk *Ticker) Stop() {
	if tk.stopped {
		return
	}
	tk.stopped = true
	tk.lp.Cancel(tk.current)
}
