package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"runloop/internal/inspect"
	"runloop/internal/journal"
	"runloop/loop"
	"runloop/promise"
	"runloop/timer"
)

func main() {
	var (
		addr   = flag.String("addr", "", "HTTP bind address for the inspector (empty disables)")
		dbPath = flag.String("db", "", "SQLite journal path (empty disables)")
		debug  = flag.Bool("debug", false, "enable pprof routes on the inspector")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	var rec *journal.Recorder
	if *dbPath != "" {
		dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", *dbPath)
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			log.Fatal().Err(err).Msg("open db")
		}
		defer db.Close()
		db.SetMaxOpenConns(1) // SQLite single writer

		if err := journal.EnsureSchema(db); err != nil {
			log.Fatal().Err(err).Msg("ensure schema")
		}
		rec = journal.NewRecorder(db)
	}

	var opts []loop.Option
	if rec != nil {
		opts = append(opts,
			loop.WithObserver(func(r loop.TaskRecord) {
				if err := rec.RecordTask(context.Background(), r); err != nil {
					log.Error().Err(err).Msg("record task")
				}
			}),
			loop.WithErrorSink(func(e loop.TaskError) {
				log.Error().Str("loop_id", e.LoopID).Stringer("kind", e.Kind).Err(e.Err).Msg("task error")
				if e.Kind != loop.UnhandledRejection {
					return
				}
				if err := rec.RecordRejection(context.Background(), e.LoopID, e.At, e.Err.Error()); err != nil {
					log.Error().Err(err).Msg("record rejection")
				}
			}),
		)
	}
	lp := loop.New(opts...)

	runDemo(lp)
	lp.RunUntilIdle()

	st := lp.Stats()
	log.Info().
		Uint64("microtasks", st.ExecutedMicrotasks).
		Uint64("macrotasks", st.ExecutedMacrotasks).
		Uint64("unhandled_rejections", st.UnhandledRejections).
		Time("virtual_now", st.VirtualNow).
		Msg("workload drained")

	if *addr == "" {
		return
	}

	srv := &http.Server{Addr: *addr, Handler: inspect.NewServerWithDebug(lp, rec, *debug)}
	go func() {
		log.Info().Str("addr", *addr).Msg("inspector starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("inspector")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	lp.Shutdown()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}

// runDemo queues a small workload exercising timers, chains, and
// combinators on the virtual clock.
func runDemo(lp *loop.Loop) {
	tm := timer.New(lp)

	// Chained work off a one-shot delay.
	tm.Sleep(50 * time.Millisecond).
		Then(func(any) (any, error) { return "ready", nil }, nil).
		Then(func(v any) (any, error) {
			log.Info().Interface("value", v).Msg("sleep chain fulfilled")
			return nil, nil
		}, nil)

	// Gather three staggered results; values come back in input order.
	inputs := []*promise.Deferred{
		tm.Sleep(30 * time.Millisecond).Then(func(any) (any, error) { return 1, nil }, nil),
		tm.Sleep(10 * time.Millisecond).Then(func(any) (any, error) { return 2, nil }, nil),
		promise.Resolve(lp, 3),
	}
	promise.All(lp, inputs).Then(func(v any) (any, error) {
		log.Info().Interface("values", v).Msg("all fulfilled")
		return nil, nil
	}, nil)

	// First of several sources wins.
	promise.Race(lp, []*promise.Deferred{
		tm.Sleep(20 * time.Millisecond).Then(func(any) (any, error) { return "fast", nil }, nil),
		tm.Sleep(200 * time.Millisecond).Then(func(any) (any, error) { return "slow", nil }, nil),
	}).Then(func(v any) (any, error) {
		log.Info().Interface("winner", v).Msg("race settled")
		return nil, nil
	}, nil)

	// A repeating tick that gets stopped from a later timer.
	ticks := 0
	tick, err := tm.Every(30*time.Millisecond, func() { ticks++ })
	if err != nil {
		log.Fatal().Err(err).Msg("every")
	}
	if _, err := tm.After(100*time.Millisecond, func() {
		tick.Stop()
		log.Info().Int("ticks", ticks).Msg("ticker stopped")
	}); err != nil {
		log.Fatal().Err(err).Msg("after")
	}

	// A cron schedule on the virtual clock, stopping itself.
	cronRuns := 0
	var job *timer.Ticker
	job, err = tm.Cron("@every 1m", func() {
		cronRuns++
		if cronRuns == 2 {
			job.Stop()
			log.Info().Int("runs", cronRuns).Time("virtual_now", lp.Now()).Msg("cron stopped")
		}
	})
	if err != nil {
		log.Fatal().Err(err).Msg("cron")
	}

	// Deliberately unobserved failure, surfaced through the error sink.
	promise.Reject(lp, errors.New("demo: nobody caught this"))
}
