package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/convoy-sh/convoy/internal/compute"
	"github.com/convoy-sh/convoy/internal/containers"
	"github.com/convoy-sh/convoy/internal/journal"
	"github.com/convoy-sh/convoy/internal/logging"
	"github.com/convoy-sh/convoy/internal/queue"
	"github.com/convoy-sh/convoy/internal/sandbox"
	"github.com/convoy-sh/convoy/internal/telemetry"
	"github.com/convoy-sh/convoy/internal/worker"
)

var version = "1.1.0"

// Exit codes mirror the service contract: systemd restarts on 1,
// operators get their VM back on 2.
const (
	exitOK        = 0
	exitError     = 1
	exitInterrupt = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "config file (default "+worker.DefaultConfigPath()+")")
	local := flag.Bool("local", false, "ignore cloud instance metadata even when available")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("convoy-worker %s\n", version)
		return exitOK
	}

	cfg, err := worker.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitError
	}
	logger := logging.Setup(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mc := compute.NewMetadataClient(logger)
	onCloud := !*local && mc.OnMetadataServer(ctx)

	code := serve(ctx, cancel, cfg, mc, onCloud, logger)

	// A worker someone interrupted by hand keeps its VM; everything
	// else cleans up after itself per delete_on_exit.
	if code == exitInterrupt || !deleteOnExit(cfg, onCloud) {
		return code
	}
	if code == exitError {
		linger(cfg.ErrorLinger.Std(), logger)
	}
	deleteSelf(mc, logger)
	return code
}

// serve boots the worker and blocks until it stops or a second signal
// aborts it.
func serve(ctx context.Context, cancel context.CancelFunc, cfg worker.Config, mc *compute.MetadataClient, onCloud bool, logger zerolog.Logger) int {
	if onCloud {
		md, err := cloudOverrides(ctx, mc)
		if err != nil {
			logger.Error().Err(err).Msg("read instance metadata")
			return exitError
		}
		if cfg, err = cfg.Overlay(md); err != nil {
			logger.Error().Err(err).Msg("instance metadata rejected")
			return exitError
		}
		if name, err := mc.InstanceName(ctx); err == nil {
			cfg.Name = name
		}
	}
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return exitError
	}

	logger.Info().
		Str("worker", cfg.Name).
		Str("queue", cfg.Queue.Redacted()).
		Str("version", version).
		Bool("cloud", onCloud).
		Msg("convoy-worker starting")

	if err := resetScratch(cfg.ScratchRoot); err != nil {
		logger.Error().Err(err).Msg("prepare scratch root")
		return exitError
	}

	q, err := queue.Dial(ctx, cfg.Queue, logger)
	if err != nil {
		logger.Error().Err(err).Msg("connect to queue")
		return exitError
	}
	defer func() { _ = q.Close(context.Background()) }()

	// The run journal is best effort: a worker without local history
	// still processes tasks.
	var j *journal.Journal
	if cfg.JournalPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.JournalPath), 0o755); err != nil {
			logger.Warn().Err(err).Msg("journal directory unavailable")
		} else if j, err = journal.Open(cfg.JournalPath); err != nil {
			logger.Warn().Err(err).Str("path", cfg.JournalPath).Msg("run journal disabled")
			j = nil
		} else {
			defer j.Close()
		}
	}
	var rec worker.Recorder
	if j != nil {
		rec = j
	}

	rt := containers.NewDocker(logger)
	sb := sandbox.New(rt, cfg.ScratchRoot, cfg.Name, logger)

	var flags worker.FlagSource
	if onCloud {
		flags = worker.FlagFunc(func(ctx context.Context) worker.QuitFlags {
			return worker.ParseQuitFlags(map[string]string{
				worker.MetaQuitSoon:     mc.AttributeOr(ctx, worker.MetaQuitSoon, ""),
				worker.MetaQuitWhenIdle: mc.AttributeOr(ctx, worker.MetaQuitWhenIdle, ""),
			})
		})
	}

	w := worker.New(cfg, q, sb, rec, flags, logger)

	if cfg.ListenAddr != "" {
		srv := telemetry.NewServer(cfg.ListenAddr, cfg.Name, version, j, logger)
		srv.Phase = func() string { return string(w.Phase()) }
		go func() {
			if err := srv.ListenAndServe(); err != nil {
				logger.Error().Err(err).Msg("telemetry server failed")
			}
		}()
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	sigc := make(chan os.Signal, 2)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigc)

	interrupted := false
	for {
		select {
		case sig := <-sigc:
			if !interrupted {
				interrupted = true
				logger.Warn().Str("signal", sig.String()).Msg("finishing current task; signal again to abort")
				w.RequestQuit()
				continue
			}
			logger.Warn().Msg("aborting current task")
			cancel()
			<-done
			return exitInterrupt
		case err := <-done:
			switch {
			case err == nil && interrupted:
				logger.Info().Msg("stopped on request")
				return exitInterrupt
			case err == nil:
				logger.Info().Msg("convoy-worker done")
				return exitOK
			case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
				return exitInterrupt
			default:
				logger.Error().Err(err).Msg("worker failed")
				return exitError
			}
		}
	}
}

// cloudOverrides reads the queue and idle settings published on the
// instance; absent keys keep their file values.
func cloudOverrides(ctx context.Context, mc *compute.MetadataClient) (map[string]string, error) {
	keys := []string{
		worker.MetaHost,
		worker.MetaPort,
		worker.MetaDatabase,
		worker.MetaUsername,
		worker.MetaPassword,
		worker.MetaIdleForTasks,
		worker.MetaIdleForWaiters,
	}
	md := map[string]string{}
	for _, k := range keys {
		v, err := mc.Attribute(ctx, k)
		if errors.Is(err, compute.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("metadata %s: %w", k, err)
		}
		md[k] = v
	}
	return md, nil
}

// resetScratch recreates the scratch root empty so stale run
// directories from a previous boot never leak into new tasks.
func resetScratch(root string) error {
	if err := os.RemoveAll(root); err != nil {
		return fmt.Errorf("clear scratch root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create scratch root: %w", err)
	}
	return nil
}

func deleteOnExit(cfg worker.Config, onCloud bool) bool {
	switch cfg.DeleteOnExit {
	case worker.DeleteAlways:
		return true
	case worker.DeleteAuto:
		return onCloud
	default:
		return false
	}
}

// linger keeps a failed VM around so its logs can be inspected before
// it deletes itself. Interrupting the process during the wait keeps
// the VM.
func linger(d time.Duration, log zerolog.Logger) {
	if d <= 0 {
		return
	}
	log.Warn().Dur("linger", d).Msg("holding VM for inspection before delete")
	time.Sleep(d)
}

// deleteSelf removes the VM this worker runs on, identified through
// the metadata server.
func deleteSelf(mc *compute.MetadataClient, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	name, err := mc.InstanceName(ctx)
	if err != nil {
		log.Error().Err(err).Msg("self delete: resolve instance name")
		return
	}
	zone, err := mc.Zone(ctx)
	if err != nil {
		log.Error().Err(err).Msg("self delete: resolve zone")
		return
	}
	project, err := mc.ProjectID(ctx)
	if err != nil {
		log.Error().Err(err).Msg("self delete: resolve project")
		return
	}

	log.Info().Str("instance", name).Str("zone", zone).Msg("deleting own VM")
	gc := compute.NewGCloud(project, log)
	if err := gc.Delete(ctx, name, zone); err != nil && !compute.IsNotFound(err) {
		log.Error().Err(err).Msg("self delete failed")
	}
}
