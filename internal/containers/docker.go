package containers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Docker drives containers through the docker CLI.
type Docker struct {
	// Bin is the docker binary to invoke.
	Bin string
	Log zerolog.Logger

	runner func(ctx context.Context, bin string, args []string, stdout, stderr io.Writer) error
}

var _ Runtime = (*Docker)(nil)

// NewDocker returns a CLI-backed runtime.
func NewDocker(log zerolog.Logger) *Docker {
	return &Docker{
		Bin:    "docker",
		Log:    log,
		runner: runCommand,
	}
}

// runCommand executes a binary and streams its output to the given writers.
func runCommand(ctx context.Context, bin string, args []string, stdout, stderr io.Writer) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return cmd.Run()
}

func (d *Docker) run(ctx context.Context, stdout, stderr io.Writer, args ...string) error {
	d.Log.Debug().Str("cmd", d.Bin+" "+strings.Join(args, " ")).Msg("Running docker command")
	return d.runner(ctx, d.Bin, args, stdout, stderr)
}

// Pull fetches the image, pinning untagged references to :latest so a
// republished image is picked up on the next run.
func (d *Docker) Pull(ctx context.Context, image string) error {
	ref := NormalizeImage(image)
	d.Log.Info().Str("image", ref).Msg("Pulling image")
	var errBuf bytes.Buffer
	if err := d.run(ctx, io.Discard, &errBuf, "pull", ref); err != nil {
		return fmt.Errorf("pull %s: %s: %w", ref, tail(errBuf.Bytes()), err)
	}
	return nil
}

// Run starts the container and blocks until it exits or ctx expires.
func (d *Docker) Run(ctx context.Context, spec RunSpec) (RunResult, error) {
	args := []string{"run", "--name", spec.Name}
	if spec.User != "" {
		args = append(args, "--user", spec.User)
	}
	for _, m := range spec.Mounts {
		v := m.Source + ":" + m.Target
		if m.ReadOnly {
			v += ":ro"
		}
		args = append(args, "-v", v)
	}
	args = append(args, NormalizeImage(spec.Image))
	args = append(args, spec.Command...)

	out := spec.Output
	if out == nil {
		out = io.Discard
	}

	d.Log.Info().Str("container", spec.Name).Str("image", spec.Image).Msg("Starting container")
	err := d.run(ctx, out, out, args...)

	var res RunResult
	switch {
	case err == nil:
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		// The CLI client is dead but the container keeps running; kill it
		// by name. 137 is the SIGKILL exit status the container would
		// report if we could still wait on it.
		res.TimedOut = true
		res.ExitCode = 137
		d.kill(spec.Name)
	case ctx.Err() != nil:
		d.kill(spec.Name)
		return res, ctx.Err()
	default:
		var code interface{ ExitCode() int }
		if !errors.As(err, &code) {
			return res, fmt.Errorf("run container %s: %w", spec.Name, err)
		}
		res.ExitCode = code.ExitCode()
	}
	res.OOMKilled = d.oomKilled(spec.Name)
	return res, nil
}

// Remove force-removes the named container. A container that is already
// gone counts as removed.
func (d *Docker) Remove(ctx context.Context, name string) error {
	var errBuf bytes.Buffer
	if err := d.run(ctx, io.Discard, &errBuf, "rm", "-f", name); err != nil {
		if strings.Contains(strings.ToLower(errBuf.String()), "no such container") {
			return nil
		}
		return fmt.Errorf("remove container %s: %s: %w", name, tail(errBuf.Bytes()), err)
	}
	return nil
}

// kill stops a container whose client process is already gone. Runs on a
// fresh context because the caller's one is spent.
func (d *Docker) kill(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var errBuf bytes.Buffer
	if err := d.run(ctx, io.Discard, &errBuf, "kill", name); err != nil {
		d.Log.Debug().Err(err).Str("container", name).Msg("Kill after deadline failed")
	}
}

// oomKilled checks whether the kernel OOM killer ended the container.
func (d *Docker) oomKilled(name string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	var out bytes.Buffer
	if err := d.run(ctx, &out, io.Discard, "inspect", "-f", "{{.State.OOMKilled}}", name); err != nil {
		return false
	}
	return strings.TrimSpace(out.String()) == "true"
}

// tail trims command output to a loggable size.
func tail(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 400 {
		s = "..." + s[len(s)-400:]
	}
	return s
}
