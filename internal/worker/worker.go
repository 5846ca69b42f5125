// Package worker implements the single-threaded agent loop that leases
// tasks from the workflow queue, runs them in the execution sandbox,
// reports results, and decides when an idle machine should stop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/convoy-sh/convoy/internal/model"
	"github.com/convoy-sh/convoy/internal/queue"
	"github.com/convoy-sh/convoy/internal/retry"
	"github.com/convoy-sh/convoy/internal/telemetry"
)

// Phase is a worker lifecycle state.
type Phase string

const (
	PhaseInit      Phase = "INIT"
	PhaseConnected Phase = "CONNECTED"
	PhaseIdle      Phase = "IDLE_OR_CLAIM"
	PhaseRunning   Phase = "RUNNING"
	PhaseReporting Phase = "REPORTING"
	PhaseShutdown  Phase = "SHUTTING_DOWN"
)

// QuitFlags are operator stop requests carried in instance metadata.
type QuitFlags struct {
	// Soon stops the worker while idling and between tasks. A running
	// task still finishes and reports first.
	Soon bool

	// WhenIdle stops the worker only while idling; back-to-back claims
	// continue as long as work keeps arriving.
	WhenIdle bool
}

// Any reports whether either flag is raised.
func (q QuitFlags) Any() bool { return q.Soon || q.WhenIdle }

// ParseQuitFlags reads the two quit attributes from metadata values.
// Unparseable values count as unset.
func ParseQuitFlags(md map[string]string) QuitFlags {
	parse := func(key string) bool {
		v, err := strconv.ParseBool(strings.TrimSpace(md[key]))
		return err == nil && v
	}
	return QuitFlags{Soon: parse(MetaQuitSoon), WhenIdle: parse(MetaQuitWhenIdle)}
}

// Executor runs one leased task to completion.
type Executor interface {
	Execute(ctx context.Context, task model.Task) model.TaskResult
}

// Recorder persists finished runs to the local journal.
type Recorder interface {
	Record(ctx context.Context, task model.Task, res model.TaskResult) error
}

// FlagSource reports the current quit flags. Called every loop
// iteration, so implementations should be cheap.
type FlagSource interface {
	QuitFlags(ctx context.Context) QuitFlags
}

// FlagFunc adapts a function to FlagSource.
type FlagFunc func(ctx context.Context) QuitFlags

func (f FlagFunc) QuitFlags(ctx context.Context) QuitFlags { return f(ctx) }

// Worker drives the agent state machine: one task at a time, no claim
// while a task is running.
type Worker struct {
	Name     string
	Queue    queue.Queue
	Executor Executor
	Journal  Recorder   // optional
	Flags    FlagSource // optional
	Log      zerolog.Logger

	TaskIdle     time.Duration
	WaiterIdle   time.Duration
	PollInterval time.Duration
	ConnectRetry retry.Policy
	ReportRetry  retry.Policy

	phase    atomic.Value
	quitSoon atomic.Bool
}

// New builds a worker from config and wired dependencies.
func New(cfg Config, q queue.Queue, ex Executor, rec Recorder, flags FlagSource, log zerolog.Logger) *Worker {
	w := &Worker{
		Name:         cfg.Name,
		Queue:        q,
		Executor:     ex,
		Journal:      rec,
		Flags:        flags,
		Log:          log.With().Str("worker", cfg.Name).Logger(),
		TaskIdle:     cfg.TaskIdle(),
		WaiterIdle:   cfg.WaiterIdle(),
		PollInterval: cfg.PollInterval.Std(),
		ConnectRetry: retry.DefaultPolicy(),
		ReportRetry:  retry.DefaultPolicy(),
	}
	w.phase.Store(PhaseInit)
	return w
}

// RequestQuit asks the worker to stop once the current task, if any,
// has finished and been reported. Safe to call from a signal handler.
func (w *Worker) RequestQuit() { w.quitSoon.Store(true) }

// Phase reports the current lifecycle state. Safe for concurrent use.
func (w *Worker) Phase() Phase {
	p, _ := w.phase.Load().(Phase)
	return p
}

func (w *Worker) setPhase(p Phase) {
	w.phase.Store(p)
	w.Log.Debug().Str("phase", string(p)).Msg("worker phase")
}

// Run executes the worker loop until a quit flag, an idle threshold, or
// ctx cancellation stops it. A nil return is a graceful stop; a context
// error means the worker was interrupted.
func (w *Worker) Run(ctx context.Context) error {
	w.setPhase(PhaseConnected)
	err := w.ConnectRetry.Do(ctx, w.Log, "queue ping", w.Queue.Ping, nil)
	if err != nil {
		return fmt.Errorf("connect to queue: %w", err)
	}
	w.Log.Info().Msg("connected to queue")

	var taskIdle, waiterIdle time.Duration
	w.setPhase(PhaseIdle)
	for {
		if err := ctx.Err(); err != nil {
			w.setPhase(PhaseShutdown)
			return err
		}
		flags := w.readFlags(ctx)
		if flags.Any() {
			w.setPhase(PhaseShutdown)
			w.Log.Info().
				Bool("quit_soon", flags.Soon).
				Bool("quit_when_idle", flags.WhenIdle).
				Msg("quit requested while idle, stopping")
			return nil
		}

		task, err := w.Queue.Lease(ctx, w.Name)
		switch {
		case err != nil:
			telemetry.LeaseAttempts.WithLabelValues(telemetry.OutcomeError).Inc()
			w.Log.Warn().Err(err).Msg("lease attempt failed")
		case task != nil:
			telemetry.LeaseAttempts.WithLabelValues(telemetry.OutcomeClaimed).Inc()
			taskIdle, waiterIdle = 0, 0
			w.resetIdleGauges()

			res := w.runTask(ctx, *task)
			w.report(ctx, *task, res)

			// Between tasks only quit_soon stops the worker;
			// quit_when_idle lets back-to-back claims continue.
			if w.readFlags(ctx).Soon {
				w.setPhase(PhaseShutdown)
				w.Log.Info().Msg("quit requested between tasks, stopping")
				return nil
			}
			w.setPhase(PhaseIdle)
			continue
		default:
			telemetry.LeaseAttempts.WithLabelValues(telemetry.OutcomeEmpty).Inc()
		}

		// Nothing claimed: advance the idle clock matching the queue
		// state and stop once a threshold is crossed.
		if w.hasBlocked(ctx) {
			waiterIdle += w.PollInterval
			telemetry.IdleSeconds.WithLabelValues(telemetry.IdleDependencies).Set(waiterIdle.Seconds())
			if waiterIdle >= w.WaiterIdle {
				w.setPhase(PhaseShutdown)
				w.Log.Info().Dur("idle", waiterIdle).Msg("only blocked work left, idle threshold reached, stopping")
				return nil
			}
		} else {
			taskIdle += w.PollInterval
			telemetry.IdleSeconds.WithLabelValues(telemetry.IdleTasks).Set(taskIdle.Seconds())
			if taskIdle >= w.TaskIdle {
				w.setPhase(PhaseShutdown)
				w.Log.Info().Dur("idle", taskIdle).Msg("no claimable work, idle threshold reached, stopping")
				return nil
			}
		}

		if !sleepCtx(ctx, w.PollInterval) {
			w.setPhase(PhaseShutdown)
			return ctx.Err()
		}
	}
}

// runTask executes one task, converting panics into a FAILURE result so
// a bad task never kills the worker.
func (w *Worker) runTask(ctx context.Context, task model.Task) (res model.TaskResult) {
	w.setPhase(PhaseRunning)
	started := time.Now().UTC()
	defer func() {
		if r := recover(); r != nil {
			w.Log.Error().Interface("panic", r).Str("task", task.ID).Msg("task execution panicked")
			res = model.TaskResult{
				Status:     model.StatusFailure,
				ExitCode:   -1,
				Error:      fmt.Sprintf("panic: %v", r),
				Worker:     w.Name,
				StartedAt:  started,
				FinishedAt: time.Now().UTC(),
			}
		}
		telemetry.TasksTotal.WithLabelValues(string(res.Status)).Inc()
		telemetry.TaskDuration.Observe(res.Elapsed().Seconds())
	}()
	return w.Executor.Execute(ctx, task)
}

// report persists the result locally, then reports it to the queue with
// bounded retries. A lost report is logged, never fatal.
func (w *Worker) report(ctx context.Context, task model.Task, res model.TaskResult) {
	w.setPhase(PhaseReporting)
	if w.Journal != nil {
		if err := w.Journal.Record(ctx, task, res); err != nil {
			w.Log.Warn().Err(err).Str("task", task.ID).Msg("journal write failed")
		}
	}
	err := w.ReportRetry.Do(ctx, w.Log, "report result",
		func(ctx context.Context) error { return w.Queue.Report(ctx, task.ID, res) },
		func(err error) bool { return !errors.Is(err, queue.ErrNotFound) })
	if err != nil {
		w.Log.Error().Err(err).Str("task", task.ID).Str("status", string(res.Status)).Msg("result report lost")
		return
	}
	w.Log.Info().
		Str("task", task.ID).
		Str("status", string(res.Status)).
		Dur("elapsed", res.Elapsed()).
		Msg("task reported")
}

// readFlags merges the external quit flags with a local RequestQuit.
func (w *Worker) readFlags(ctx context.Context) QuitFlags {
	var flags QuitFlags
	if w.Flags != nil {
		flags = w.Flags.QuitFlags(ctx)
	}
	if w.quitSoon.Load() {
		flags.Soon = true
	}
	return flags
}

func (w *Worker) hasBlocked(ctx context.Context) bool {
	blocked, err := w.Queue.HasBlocked(ctx)
	if err != nil {
		w.Log.Warn().Err(err).Msg("blocked-work probe failed")
		return false
	}
	return blocked
}

func (w *Worker) resetIdleGauges() {
	telemetry.IdleSeconds.WithLabelValues(telemetry.IdleTasks).Set(0)
	telemetry.IdleSeconds.WithLabelValues(telemetry.IdleDependencies).Set(0)
}

// sleepCtx waits d or until ctx ends, reporting whether the full wait
// elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
