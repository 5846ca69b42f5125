// Package sandbox stages a task's declared inputs from the object
// store into a scratch tree, runs the task command in a container under
// a hard wall-clock deadline, and destages declared outputs back to the
// store, writing placeholder blobs for every directory level so prefix
// listings stay browsable.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/convoy-sh/convoy/internal/blob"
	"github.com/convoy-sh/convoy/internal/containers"
	"github.com/convoy-sh/convoy/internal/model"
	"github.com/convoy-sh/convoy/internal/telemetry"
)

// StageError marks a failure to materialize declared inputs; the
// container was never started.
type StageError struct{ Err error }

func (e *StageError) Error() string { return "staging: " + e.Err.Error() }
func (e *StageError) Unwrap() error { return e.Err }

// DestageError marks a failure to store declared outputs; the task
// counts as FAILURE even when the container exited zero.
type DestageError struct{ Err error }

func (e *DestageError) Error() string { return "destaging: " + e.Err.Error() }
func (e *DestageError) Unwrap() error { return e.Err }

// Sandbox executes one task at a time inside a per-run scratch
// directory. The scratch subtree and the container are removed when the
// run ends, whatever the outcome.
type Sandbox struct {
	Runtime containers.Runtime
	// ScratchRoot holds one subdirectory per run.
	ScratchRoot string
	// User is the uid:gid the container runs as.
	User string
	// Worker names this agent in reported results.
	Worker string
	Log    zerolog.Logger

	open  func(ctx context.Context, root string) (blob.Store, error)
	clock func() time.Time
}

// New returns a sandbox running containers as the current user.
func New(rt containers.Runtime, scratchRoot, worker string, log zerolog.Logger) *Sandbox {
	return &Sandbox{
		Runtime:     rt,
		ScratchRoot: scratchRoot,
		User:        fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
		Worker:      worker,
		Log:         log,
		open:        blob.Open,
		clock:       time.Now,
	}
}

// Execute runs the task through stage, run, and destage. Every failure
// mode ends up in the returned result; nothing escapes as an error.
func (s *Sandbox) Execute(ctx context.Context, task model.Task) model.TaskResult {
	started := s.clock()
	log := s.Log.With().Str("task", task.DisplayName()).Logger()
	res := model.TaskResult{
		Status:    model.StatusFailure,
		Worker:    s.Worker,
		StartedAt: started,
	}
	fail := func(err error) model.TaskResult {
		res.Error = err.Error()
		if res.FinishedAt.IsZero() {
			res.FinishedAt = s.clock()
		}
		log.Error().Err(err).Msg("Task failed")
		return res
	}

	if err := task.Validate(); err != nil {
		return fail(err)
	}

	runID := model.NewRunID()
	runDir := filepath.Join(s.ScratchRoot, runID)
	defer os.RemoveAll(runDir)

	maps, err := buildMappings(task, filepath.Join(runDir, "fs"), started)
	if err != nil {
		return fail(err)
	}

	store, err := s.open(ctx, task.StorePrefix)
	if err != nil {
		return fail(&StageError{Err: fmt.Errorf("open store %s: %w", task.StorePrefix, err)})
	}
	defer store.Close()

	log.Info().Int("inputs", len(maps.inputs)).Str("store", task.StorePrefix).Msg("Staging inputs")
	if err := s.stage(ctx, store, maps.inputs); err != nil {
		return fail(&StageError{Err: err})
	}

	if err := s.Runtime.Pull(ctx, task.Image); err != nil {
		return fail(fmt.Errorf("pull image %s: %w", task.Image, err))
	}

	capFile, err := os.Create(filepath.Join(runDir, "console.log"))
	if err != nil {
		return fail(err)
	}
	var console bytes.Buffer
	lw := &lineWriter{log: log}

	name := "convoy-" + runID
	timeout := task.EffectiveTimeout()
	log.Info().Str("image", task.Image).Str("command", task.Command).Dur("timeout", timeout).Msg("Running task")

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	rr, runErr := s.Runtime.Run(runCtx, containers.RunSpec{
		Name:    name,
		Image:   task.Image,
		Command: []string{"/bin/sh", "-c", task.Command},
		Mounts:  maps.mounts,
		User:    s.User,
		Output:  io.MultiWriter(capFile, &console, lw),
	})
	cancel()
	lw.flush()
	capFile.Close()
	s.removeContainer(name, log)

	if runErr != nil {
		return fail(fmt.Errorf("run container: %w", runErr))
	}

	res.ExitCode = rr.ExitCode
	res.FinishedAt = s.clock()

	var problems []string
	switch {
	case rr.TimedOut:
		res.Status = model.StatusTimeout
		problems = append(problems, fmt.Sprintf("wall-clock timeout after %s", timeout))
	case rr.ExitCode != 0:
		note := ""
		if rr.ExitCode == 137 {
			note = " (SIGKILL)"
		}
		problems = append(problems, fmt.Sprintf("exit code %d%s", rr.ExitCode, note))
	}
	if rr.OOMKilled {
		problems = append(problems, "container ran out of memory (OOMKilled)")
	}
	succeeded := len(problems) == 0

	// The run report is written before destaging, so a destage failure
	// shows up in the worker log but not in the uploaded report.
	s.writeCaptures(maps.outputs, console.Bytes(),
		s.reportHeader(task, started),
		s.reportFooter(task, res, timeout, succeeded, problems), log)

	toPush := maps.outputs
	if !succeeded {
		toPush = maps.reportCaptures()
	}
	if len(toPush) > 0 {
		log.Info().Int("outputs", len(toPush)).Msg("Destaging outputs")
	}
	if err := s.destage(ctx, store, toPush); err != nil {
		derr := &DestageError{Err: err}
		problems = append(problems, derr.Error())
		succeeded = false
	}
	if caps := maps.reportCaptures(); len(caps) > 0 {
		res.LogKey = strings.TrimSuffix(task.StorePrefix, "/") + "/" + caps[0].key
	}

	if succeeded {
		res.Status = model.StatusSuccess
		log.Info().Int("exit", rr.ExitCode).Dur("elapsed", res.Elapsed()).Msg("Task succeeded")
		return res
	}
	res.Error = strings.Join(problems, "; ")
	log.Warn().Str("status", string(res.Status)).Str("error", res.Error).Msg("Task did not succeed")
	return res
}

// stage pulls every declared input into the scratch tree. Placeholder
// keys mark directory levels, not data, and produce no local entry.
func (s *Sandbox) stage(ctx context.Context, store blob.Store, ins []mapping) error {
	for _, m := range ins {
		if !m.dir {
			if err := fetchBlob(ctx, store, m.key, m.local); err != nil {
				return fmt.Errorf("input %s: %w", m.decl, err)
			}
			continue
		}
		keys, err := store.List(ctx, m.key)
		if err != nil {
			return fmt.Errorf("input %s: list: %w", m.decl, err)
		}
		data := 0
		for _, k := range keys {
			if blob.IsDirKey(k) {
				continue
			}
			rel := strings.TrimPrefix(k, m.key)
			if err := fetchBlob(ctx, store, k, filepath.Join(m.local, filepath.FromSlash(rel))); err != nil {
				return fmt.Errorf("input %s: %w", m.decl, err)
			}
			data++
		}
		if data == 0 {
			return fmt.Errorf("input %s: no data blobs under prefix", m.decl)
		}
	}
	return nil
}

func fetchBlob(ctx context.Context, store blob.Store, key, local string) error {
	rc, err := store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	defer rc.Close()
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return err
	}
	f, err := os.Create(local)
	if err != nil {
		return err
	}
	n, err := io.Copy(f, rc)
	if err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", local, err)
	}
	telemetry.StagedBytes.Add(float64(n))
	return f.Close()
}

// destage uploads the selected outputs, continuing past individual
// failures so one bad output does not hide the rest.
func (s *Sandbox) destage(ctx context.Context, store blob.Store, outs []mapping) error {
	dirs := blob.NewDirWriter(store)
	var errs []error
	for _, m := range outs {
		if err := s.pushTree(ctx, store, dirs, m); err != nil {
			s.Log.Warn().Err(err).Str("output", m.decl).Msg("Error destaging output")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// pushTree uploads one output mapping: a single file, or a walked
// directory subtree with a placeholder blob per level, empty
// directories included.
func (s *Sandbox) pushTree(ctx context.Context, store blob.Store, dirs *blob.DirWriter, m mapping) error {
	if !m.dir {
		return putFile(ctx, store, dirs, m.local, m.key)
	}
	return filepath.WalkDir(m.local, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("output %s: %w", m.decl, err)
		}
		rel, err := filepath.Rel(m.local, p)
		if err != nil {
			return err
		}
		if rel == "." {
			if m.key == "" {
				return nil
			}
			return dirs.EnsureAll(ctx, m.key)
		}
		key := m.key + filepath.ToSlash(rel)
		if d.IsDir() {
			return dirs.EnsureAll(ctx, key+"/")
		}
		return putFile(ctx, store, dirs, p, key)
	})
}

func putFile(ctx context.Context, store blob.Store, dirs *blob.DirWriter, local, key string) error {
	if err := dirs.EnsureAll(ctx, key); err != nil {
		return err
	}
	f, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("output %s: %w", key, err)
	}
	defer f.Close()
	if err := store.Put(ctx, key, f); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	if fi, err := f.Stat(); err == nil {
		telemetry.DestagedBytes.Add(float64(fi.Size()))
	}
	return nil
}

// writeCaptures materializes capture declarations from the console
// buffer: ">" holds the raw stdout+stderr, ">>" wraps it in a run
// report.
func (s *Sandbox) writeCaptures(outs []mapping, console []byte, header, footer string, log zerolog.Logger) {
	for _, m := range outs {
		if m.capture == captureNone {
			continue
		}
		var buf bytes.Buffer
		if m.capture == captureReport {
			hr := strings.Repeat("-", 80)
			fmt.Fprintf(&buf, "%s\n\n%s\n", header, hr)
			buf.Write(console)
			fmt.Fprintf(&buf, "%s\n\n%s\n", hr, footer)
		} else {
			buf.Write(console)
		}
		if err := os.WriteFile(m.local, buf.Bytes(), 0o644); err != nil {
			log.Error().Err(err).Str("path", m.local).Msg("Error writing capture file")
		}
	}
}

func (s *Sandbox) reportHeader(task model.Task, started time.Time) string {
	return fmt.Sprintf("%s convoy task %s\nimage:   %s\ncommand: %s\nstore:   %s",
		started.UTC().Format(time.RFC3339), task.DisplayName(),
		task.Image, task.Command, task.StorePrefix)
}

func (s *Sandbox) reportFooter(task model.Task, res model.TaskResult, timeout time.Duration, succeeded bool, problems []string) string {
	verdict := "SUCCESSFUL"
	detail := ""
	if !succeeded {
		verdict = "FAILED"
		detail = " [" + strings.Join(problems, "; ") + "]"
	}
	return fmt.Sprintf("%s task %s: exit code %d, elapsed %s of timeout %s%s",
		verdict, task.DisplayName(), res.ExitCode,
		res.Elapsed().Round(time.Millisecond), timeout, detail)
}

// removeContainer runs on a fresh context so cleanup still happens when
// the task context is spent.
func (s *Sandbox) removeContainer(name string, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := s.Runtime.Remove(ctx, name); err != nil {
		log.Warn().Err(err).Str("container", name).Msg("Error removing container")
	}
}

// lineWriter forwards complete console lines to the log sink as they
// stream in.
type lineWriter struct {
	log zerolog.Logger
	buf []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.log.Info().Msg(string(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if len(w.buf) > 0 {
		w.log.Info().Msg(string(w.buf))
		w.buf = nil
	}
}
