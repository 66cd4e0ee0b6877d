package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"runloop/loop"
	"runloop/promise"
)

func newTestLoop(t *testing.T) *loop.Loop {
	t.Helper()
	return loop.New(loop.WithErrorSink(func(loop.TaskError) {}))
}

func TestAfterFiresAtDeadline(t *testing.T) {
	lp := newTestLoop(t)
	tm := New(lp)
	start := lp.Now()

	var firedAt time.Time
	_, err := tm.After(25*time.Millisecond, func() { firedAt = lp.Now() })
	require.NoError(t, err)

	lp.RunUntilIdle()
	assert.True(t, firedAt.Equal(start.Add(25*time.Millisecond)))
}

func TestCancelBeforeFiring(t *testing.T) {
	lp := newTestLoop(t)
	tm := New(lp)

	ran := false
	h, err := tm.After(time.Millisecond, func() { ran = true })
	require.NoError(t, err)

	tm.Cancel(h)
	tm.Cancel(h) // idempotent
	lp.RunUntilIdle()
	assert.False(t, ran)
	tm.Cancel(h) // no-op after the run
}

func TestSleepFulfillsAtDeadline(t *testing.T) {
	lp := newTestLoop(t)
	tm := New(lp)
	start := lp.Now()

	var observedAt time.Time
	tm.Sleep(40 * time.Millisecond).Then(func(any) (any, error) {
		observedAt = lp.Now()
		return nil, nil
	}, nil)

	lp.RunUntilIdle()
	assert.True(t, observedAt.Equal(start.Add(40*time.Millisecond)))
}

func TestEveryReArmsUntilStopped(t *testing.T) {
	lp := newTestLoop(t)
	tm := New(lp)

	ticks := 0
	tick, err := tm.Every(30*time.Millisecond, func() { ticks++ })
	require.NoError(t, err)

	// Firings land at 30, 60, and 90ms; the stopper runs at 100ms.
	_, err = tm.After(100*time.Millisecond, func() { tick.Stop() })
	require.NoError(t, err)

	lp.RunUntilIdle()
	assert.Equal(t, 3, ticks)
}

func TestEverySchedulesOneRepetitionAtATime(t *testing.T) {
	lp := newTestLoop(t)
	tm := New(lp)

	fired := 0
	var pendingDuringTick []int64
	tick, err := tm.Every(10*time.Millisecond, func() {
		fired++
		pendingDuringTick = append(pendingDuringTick, lp.Stats().PendingMacrotasks)
	})
	require.NoError(t, err)

	_, err = tm.After(35*time.Millisecond, func() { tick.Stop() })
	require.NoError(t, err)

	lp.RunUntilIdle()
	require.Equal(t, 3, fired)
	// While a tick runs, only the stopper is pending; the next
	// repetition is armed after the callback returns.
	for _, pending := range pendingDuringTick {
		assert.LessOrEqual(t, pending, int64(1))
	}
}

func TestEveryStopFromInsideCallback(t *testing.T) {
	lp := newTestLoop(t)
	tm := New(lp)

	ticks := 0
	var tick *Ticker
	tick, err := tm.Every(10*time.Millisecond, func() {
		ticks++
		if ticks == 2 {
			tick.Stop()
		}
	})
	require.NoError(t, err)

	lp.RunUntilIdle()
	assert.Equal(t, 2, ticks)
}

func TestEveryStopIsIdempotent(t *testing.T) {
	lp := newTestLoop(t)
	tm := New(lp)

	tick, err := tm.Every(10*time.Millisecond, func() {})
	require.NoError(t, err)
	tick.Stop()
	tick.Stop()

	lp.RunUntilIdle()
	assert.Equal(t, uint64(0), lp.Stats().ExecutedMacrotasks)
}

func TestEveryNilCallback(t *testing.T) {
	lp := newTestLoop(t)
	tm := New(lp)

	_, err := tm.Every(time.Millisecond, nil)
	assert.ErrorIs(t, err, loop.ErrNilCallback)
}

func TestCronFiresOnVirtualClock(t *testing.T) {
	// A whole-second start keeps @every arithmetic exact: the robfig
	// parser truncates sub-second offsets.
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	lp := loop.New(loop.WithErrorSink(func(loop.TaskError) {}), loop.WithStartTime(start))
	tm := New(lp)

	runs := 0
	var job *Ticker
	job, err := tm.Cron("@every 1m", func() {
		runs++
		if runs == 2 {
			job.Stop()
		}
	})
	require.NoError(t, err)

	lp.RunUntilIdle()
	assert.Equal(t, 2, runs)
	assert.True(t, lp.Now().Equal(start.Add(2*time.Minute)),
		"virtual clock advanced to %v, want %v", lp.Now(), start.Add(2*time.Minute))
}

func TestCronInvalidExpression(t *testing.T) {
	lp := newTestLoop(t)
	tm := New(lp)

	_, err := tm.Cron("not a cron expr", func() {})
	assert.Error(t, err)
}

func TestSleepIntoRace(t *testing.T) {
	lp := newTestLoop(t)
	tm := New(lp)

	never, _ := promise.New(lp)
	var got any
	promise.Race(lp, []*promise.Deferred{
		never,
		tm.Sleep(10 * time.Millisecond).Then(func(any) (any, error) { return "X", nil }, nil),
	}).Then(func(v any) (any, error) {
		got = v
		return nil, nil
	}, nil)

	lp.RunUntilIdle()
	assert.Equal(t, "X", got)
}
