package sandbox

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/convoy-sh/convoy/internal/containers"
	"github.com/convoy-sh/convoy/internal/model"
)

// Capture sigils on output declarations. ">" uploads the raw console
// capture on success; ">>" wraps it in a run report and uploads it even
// when the task fails, with a timestamp in the key so retries never
// collide.
const (
	captureNone   = ""
	captureStdout = ">"
	captureReport = ">>"
)

// stampLayout names capture reports so they sort by run time.
const stampLayout = "20060102.150405"

// mapping ties one declared path to its three renderings: the
// container-internal path, the local scratch path, and the store key.
type mapping struct {
	decl    string
	capture string
	dir     bool

	// target is the cleaned container-internal path.
	target string
	// local is the absolute scratch path outside the container.
	local string
	// key is the store key relative to the task's store prefix. A
	// directory mapping keeps its trailing separator.
	key string
}

// mappings groups a task's declarations with the deduplicated bind
// mounts that expose them to the container.
type mappings struct {
	inputs  []mapping
	outputs []mapping
	mounts  []containers.Mount
}

// newMapping rebases one declaration from the internal prefix onto the
// local scratch root and the store key space. Paths that escape the
// prefix are rejected here, before anything touches the store.
func newMapping(decl, internalPrefix, localRoot string, stamp time.Time, allowCapture bool) (mapping, error) {
	m := mapping{decl: decl}

	rest := decl
	switch {
	case strings.HasPrefix(rest, captureReport):
		m.capture = captureReport
		rest = rest[2:]
	case strings.HasPrefix(rest, captureStdout):
		m.capture = captureStdout
		rest = rest[1:]
	}
	if m.capture != captureNone && !allowCapture {
		return m, fmt.Errorf("input %q: capture sigils only apply to outputs", decl)
	}

	m.dir = strings.HasSuffix(rest, "/")
	if m.capture != captureNone {
		if m.dir {
			return m, fmt.Errorf("capture path %q must name a file, not a directory", decl)
		}
		if m.capture == captureReport {
			dir, file := path.Split(rest)
			rest = dir + stamp.UTC().Format(stampLayout) + "_" + file
		}
	}

	if !path.IsAbs(rest) {
		return m, fmt.Errorf("path %q must be absolute inside the container", decl)
	}
	m.target = path.Clean(rest)

	prefix := path.Clean(internalPrefix)
	switch {
	case m.target == prefix:
		m.key = ""
	case strings.HasPrefix(m.target, prefix+"/"):
		m.key = m.target[len(prefix)+1:]
	default:
		return m, fmt.Errorf("path %q escapes internal prefix %q", decl, internalPrefix)
	}
	// The internal prefix itself maps to the empty key, which lists the
	// whole store prefix.
	if m.dir && m.key != "" {
		m.key += "/"
	}

	m.local = filepath.Join(localRoot, filepath.FromSlash(m.key))
	return m, nil
}

// buildMappings maps every declaration of the task, creates the local
// directories the mounts need, and assembles the mount list. File
// declarations mount their parent directory so the container can
// replace the file in place; capture declarations are not mounted at
// all.
func buildMappings(task model.Task, localRoot string, stamp time.Time) (*mappings, error) {
	ms := &mappings{}

	for _, decl := range task.Inputs {
		m, err := newMapping(decl, task.InternalPrefix, localRoot, stamp, false)
		if err != nil {
			return nil, err
		}
		ms.inputs = append(ms.inputs, m)
	}
	for _, decl := range task.Outputs {
		m, err := newMapping(decl, task.InternalPrefix, localRoot, stamp, true)
		if err != nil {
			return nil, err
		}
		ms.outputs = append(ms.outputs, m)
	}

	seen := map[string]bool{}
	for _, m := range append(append([]mapping{}, ms.inputs...), ms.outputs...) {
		src, dst := m.local, m.target
		if !m.dir {
			src, dst = filepath.Dir(src), path.Dir(dst)
		}
		if err := os.MkdirAll(src, 0o755); err != nil {
			return nil, fmt.Errorf("scratch dir for %q: %w", m.decl, err)
		}
		if m.capture != captureNone || seen[dst] {
			continue
		}
		seen[dst] = true
		ms.mounts = append(ms.mounts, containers.Mount{Source: src, Target: dst})
	}
	return ms, nil
}

// reportCaptures returns the ">>" output mappings, the only ones
// uploaded for a failed task.
func (ms *mappings) reportCaptures() []mapping {
	var out []mapping
	for _, m := range ms.outputs {
		if m.capture == captureReport {
			out = append(out, m)
		}
	}
	return out
}
