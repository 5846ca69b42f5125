// Package containers runs task payloads in disposable containers.
//
// The Runtime interface covers the narrow slice of a container engine
// the sandbox needs: pull an image, run a command with bind mounts
// under a caller-supplied deadline, and force-remove the container
// afterwards. The docker CLI adapter is the production implementation;
// tests substitute fakes.
package containers

import (
	"context"
	"io"
	"strings"
)

// Mount binds a host path into the container filesystem.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// RunSpec describes a single container run.
type RunSpec struct {
	// Name addresses the container for kill/inspect/remove. Callers pick
	// a unique name per run so a stuck container can always be found.
	Name    string
	Image   string
	Command []string
	Mounts  []Mount
	// User is a uid:gid pair so files written to mounts belong to the
	// invoking user rather than root. Empty keeps the image default.
	User string
	// Output receives the interleaved stdout+stderr of the container.
	Output io.Writer
}

// RunResult reports how a container run ended.
type RunResult struct {
	ExitCode  int
	TimedOut  bool
	OOMKilled bool
}

// Runtime is the container engine surface used by the sandbox.
type Runtime interface {
	// Pull fetches the image. Untagged references are pinned to :latest
	// so a repeated pull picks up a republished image.
	Pull(ctx context.Context, image string) error

	// Run executes the spec and blocks until the container exits or ctx
	// expires. A nonzero container exit is reported in the result, not
	// as an error; errors mean the engine itself failed. When ctx hits
	// its deadline the container is killed and TimedOut is set.
	Run(ctx context.Context, spec RunSpec) (RunResult, error)

	// Remove force-removes the named container. Removing a container
	// that does not exist is not an error.
	Remove(ctx context.Context, name string) error
}

// NormalizeImage appends :latest to an image reference that names no
// tag or digest.
func NormalizeImage(image string) string {
	base := image
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[i+1:]
	}
	if strings.ContainsAny(base, ":@") {
		return image
	}
	return image + ":latest"
}
