package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/convoy-sh/convoy/internal/blob"
	"github.com/convoy-sh/convoy/internal/containers"
	"github.com/convoy-sh/convoy/internal/model"
)

type fakeRuntime struct {
	pulled  []string
	runs    []containers.RunSpec
	removed []string
	onRun   func(ctx context.Context, spec containers.RunSpec) (containers.RunResult, error)
}

func (f *fakeRuntime) Pull(ctx context.Context, image string) error {
	f.pulled = append(f.pulled, image)
	return nil
}

func (f *fakeRuntime) Run(ctx context.Context, spec containers.RunSpec) (containers.RunResult, error) {
	f.runs = append(f.runs, spec)
	if f.onRun != nil {
		return f.onRun(ctx, spec)
	}
	return containers.RunResult{}, nil
}

func (f *fakeRuntime) Remove(ctx context.Context, name string) error {
	f.removed = append(f.removed, name)
	return nil
}

func newTestSandbox(t *testing.T) (*Sandbox, *fakeRuntime, blob.Store) {
	t.Helper()
	rt := &fakeRuntime{}
	sb := New(rt, t.TempDir(), "w-test", zerolog.Nop())
	store := blob.NewMemory()
	sb.open = func(ctx context.Context, root string) (blob.Store, error) { return store, nil }
	return sb, rt, store
}

func baseTask() model.Task {
	return model.Task{
		ID:             "t-1",
		Name:           "demo",
		Image:          "alpine",
		Command:        "echo hi > /internal/out.txt",
		InternalPrefix: "/internal",
		StorePrefix:    "mem://test/ws",
		Timeout:        time.Minute,
	}
}

func putBlob(t *testing.T, store blob.Store, key, content string) {
	t.Helper()
	if err := store.Put(context.Background(), key, strings.NewReader(content)); err != nil {
		t.Fatalf("put %s: %v", key, err)
	}
}

func getBlob(t *testing.T, store blob.Store, key string) string {
	t.Helper()
	rc, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get %s: %v", key, err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read %s: %v", key, err)
	}
	return string(b)
}

func listAll(t *testing.T, store blob.Store) []string {
	t.Helper()
	keys, err := store.List(context.Background(), "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	return keys
}

func mountSource(t *testing.T, spec containers.RunSpec, target string) string {
	t.Helper()
	for _, m := range spec.Mounts {
		if m.Target == target {
			return m.Source
		}
	}
	t.Fatalf("no mount for %s in %+v", target, spec.Mounts)
	return ""
}

// snapshotTree records every file (path -> content) and directory
// (path/ -> "") under root.
func snapshotTree(t *testing.T, root string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			out[filepath.ToSlash(rel)+"/"] = ""
			return nil
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = string(b)
		return nil
	})
	if err != nil {
		t.Fatalf("walk %s: %v", root, err)
	}
	return out
}

func TestExecuteSuccessUploadsOutput(t *testing.T) {
	sb, rt, store := newTestSandbox(t)
	task := baseTask()
	task.Outputs = []string{"/internal/out.txt"}
	rt.onRun = func(ctx context.Context, spec containers.RunSpec) (containers.RunResult, error) {
		dir := mountSource(t, spec, "/internal")
		if err := os.WriteFile(filepath.Join(dir, "out.txt"), []byte("hi\n"), 0o644); err != nil {
			return containers.RunResult{}, err
		}
		return containers.RunResult{}, nil
	}

	res := sb.Execute(context.Background(), task)
	if res.Status != model.StatusSuccess || res.ExitCode != 0 || res.Error != "" {
		t.Fatalf("result = %+v", res)
	}
	if got := getBlob(t, store, "out.txt"); got != "hi\n" {
		t.Fatalf("out.txt = %q", got)
	}
	if res.Worker != "w-test" || res.FinishedAt.Before(res.StartedAt) {
		t.Fatalf("result metadata = %+v", res)
	}

	spec := rt.runs[0]
	if !strings.HasPrefix(spec.Name, "convoy-") {
		t.Fatalf("container name = %q", spec.Name)
	}
	if strings.Join(spec.Command, " ") != "/bin/sh -c "+task.Command {
		t.Fatalf("command = %v", spec.Command)
	}
	if spec.User != sb.User {
		t.Fatalf("user = %q, want %q", spec.User, sb.User)
	}
	if len(rt.pulled) != 1 || rt.pulled[0] != "alpine" {
		t.Fatalf("pulled = %v", rt.pulled)
	}
	if len(rt.removed) != 1 || rt.removed[0] != spec.Name {
		t.Fatalf("removed = %v", rt.removed)
	}

	entries, err := os.ReadDir(sb.ScratchRoot)
	if err != nil {
		t.Fatalf("read scratch: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("scratch not cleaned: %v", entries)
	}
}

func TestStageDirectorySkipsPlaceholders(t *testing.T) {
	sb, rt, store := newTestSandbox(t)
	putBlob(t, store, "data/a.txt", "A")
	putBlob(t, store, "data/b.txt", "B")
	putBlob(t, store, "data/", "")

	task := baseTask()
	task.Inputs = []string{"/internal/data/"}

	var staged map[string]string
	rt.onRun = func(ctx context.Context, spec containers.RunSpec) (containers.RunResult, error) {
		staged = snapshotTree(t, mountSource(t, spec, "/internal/data"))
		return containers.RunResult{}, nil
	}

	res := sb.Execute(context.Background(), task)
	if res.Status != model.StatusSuccess {
		t.Fatalf("result = %+v", res)
	}
	want := map[string]string{"a.txt": "A", "b.txt": "B"}
	if !maps.Equal(staged, want) {
		t.Fatalf("staged = %v, want %v", staged, want)
	}
}

func TestStagingIsIdempotent(t *testing.T) {
	sb, rt, store := newTestSandbox(t)
	putBlob(t, store, "data/a.txt", "A")
	putBlob(t, store, "data/sub/b.txt", "B")
	putBlob(t, store, "data/sub/", "")

	task := baseTask()
	task.Inputs = []string{"/internal/data/"}

	var staged map[string]string
	rt.onRun = func(ctx context.Context, spec containers.RunSpec) (containers.RunResult, error) {
		staged = snapshotTree(t, mountSource(t, spec, "/internal/data"))
		return containers.RunResult{}, nil
	}

	sb.Execute(context.Background(), task)
	first := staged
	sb.Execute(context.Background(), task)
	if !maps.Equal(first, staged) {
		t.Fatalf("re-staged tree differs: %v vs %v", first, staged)
	}
	want := map[string]string{"a.txt": "A", "sub/": "", "sub/b.txt": "B"}
	if !maps.Equal(staged, want) {
		t.Fatalf("staged = %v, want %v", staged, want)
	}
}

func TestDestageWritesPlaceholdersPerLevel(t *testing.T) {
	sb, rt, store := newTestSandbox(t)
	task := baseTask()
	task.Outputs = []string{"/internal/out/"}
	rt.onRun = func(ctx context.Context, spec containers.RunSpec) (containers.RunResult, error) {
		dir := mountSource(t, spec, "/internal/out")
		if err := os.MkdirAll(filepath.Join(dir, "sub", "deep"), 0o755); err != nil {
			return containers.RunResult{}, err
		}
		if err := os.MkdirAll(filepath.Join(dir, "empty"), 0o755); err != nil {
			return containers.RunResult{}, err
		}
		if err := os.WriteFile(filepath.Join(dir, "x.txt"), []byte("1"), 0o644); err != nil {
			return containers.RunResult{}, err
		}
		if err := os.WriteFile(filepath.Join(dir, "sub", "deep", "y.txt"), []byte("2"), 0o644); err != nil {
			return containers.RunResult{}, err
		}
		return containers.RunResult{}, nil
	}

	res := sb.Execute(context.Background(), task)
	if res.Status != model.StatusSuccess {
		t.Fatalf("result = %+v", res)
	}
	got := strings.Join(listAll(t, store), " ")
	want := "out/ out/empty/ out/sub/ out/sub/deep/ out/sub/deep/y.txt out/x.txt"
	if got != want {
		t.Fatalf("store keys:\n got %s\nwant %s", got, want)
	}
}

func TestTimeoutStopsContainer(t *testing.T) {
	sb, rt, store := newTestSandbox(t)
	task := baseTask()
	task.Timeout = 50 * time.Millisecond
	task.Outputs = []string{"/internal/out.txt"}
	rt.onRun = func(ctx context.Context, spec containers.RunSpec) (containers.RunResult, error) {
		<-ctx.Done()
		return containers.RunResult{ExitCode: 137, TimedOut: true}, nil
	}

	res := sb.Execute(context.Background(), task)
	if res.Status != model.StatusTimeout || res.ExitCode != 137 {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(res.Error, "timeout") {
		t.Fatalf("error = %q", res.Error)
	}
	if len(rt.removed) != 1 {
		t.Fatalf("removed = %v", rt.removed)
	}
	if keys := listAll(t, store); len(keys) != 0 {
		t.Fatalf("destaged despite timeout: %v", keys)
	}
}

func TestNonZeroExitSkipsDestaging(t *testing.T) {
	sb, rt, store := newTestSandbox(t)
	task := baseTask()
	task.Outputs = []string{"/internal/out.txt"}
	rt.onRun = func(ctx context.Context, spec containers.RunSpec) (containers.RunResult, error) {
		dir := mountSource(t, spec, "/internal")
		if err := os.WriteFile(filepath.Join(dir, "out.txt"), []byte("junk"), 0o644); err != nil {
			return containers.RunResult{}, err
		}
		return containers.RunResult{ExitCode: 2}, nil
	}

	res := sb.Execute(context.Background(), task)
	if res.Status != model.StatusFailure || res.ExitCode != 2 {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(res.Error, "exit code 2") {
		t.Fatalf("error = %q", res.Error)
	}
	if keys := listAll(t, store); len(keys) != 0 {
		t.Fatalf("a failed task's outputs were stored: %v", keys)
	}
}

func TestRunReportUploadedOnFailure(t *testing.T) {
	sb, rt, store := newTestSandbox(t)
	fixed := time.Date(2026, 8, 21, 10, 0, 0, 0, time.UTC)
	sb.clock = func() time.Time { return fixed }

	task := baseTask()
	task.Outputs = []string{">>/internal/logs/run.log", ">/internal/console.txt", "/internal/out.txt"}
	rt.onRun = func(ctx context.Context, spec containers.RunSpec) (containers.RunResult, error) {
		fmt.Fprint(spec.Output, "boom\n")
		return containers.RunResult{ExitCode: 1}, nil
	}

	res := sb.Execute(context.Background(), task)
	if res.Status != model.StatusFailure {
		t.Fatalf("result = %+v", res)
	}

	got := strings.Join(listAll(t, store), " ")
	want := "logs/ logs/20260821.100000_run.log"
	if got != want {
		t.Fatalf("store keys:\n got %s\nwant %s", got, want)
	}
	report := getBlob(t, store, "logs/20260821.100000_run.log")
	for _, frag := range []string{"convoy task demo", "boom", "FAILED task demo", "exit code 1"} {
		if !strings.Contains(report, frag) {
			t.Fatalf("report missing %q:\n%s", frag, report)
		}
	}
	if want := "mem://test/ws/logs/20260821.100000_run.log"; res.LogKey != want {
		t.Fatalf("log key = %q, want %q", res.LogKey, want)
	}
}

func TestStdoutCaptureUploadedOnSuccess(t *testing.T) {
	sb, rt, store := newTestSandbox(t)
	task := baseTask()
	task.Outputs = []string{">/internal/console.txt"}
	rt.onRun = func(ctx context.Context, spec containers.RunSpec) (containers.RunResult, error) {
		fmt.Fprint(spec.Output, "hello\nworld\n")
		return containers.RunResult{}, nil
	}

	res := sb.Execute(context.Background(), task)
	if res.Status != model.StatusSuccess {
		t.Fatalf("result = %+v", res)
	}
	if got := getBlob(t, store, "console.txt"); got != "hello\nworld\n" {
		t.Fatalf("console.txt = %q", got)
	}
}

func TestPathEscapeNeverStartsContainer(t *testing.T) {
	sb, rt, _ := newTestSandbox(t)
	task := baseTask()
	task.Inputs = []string{"/internal/../etc/passwd"}

	res := sb.Execute(context.Background(), task)
	if res.Status != model.StatusFailure || !strings.Contains(res.Error, "escapes") {
		t.Fatalf("result = %+v", res)
	}
	if len(rt.pulled) != 0 || len(rt.runs) != 0 {
		t.Fatalf("container activity: pulled=%v runs=%d", rt.pulled, len(rt.runs))
	}
}

func TestEmptyDirInputFailsStaging(t *testing.T) {
	sb, rt, store := newTestSandbox(t)
	putBlob(t, store, "data/", "")

	task := baseTask()
	task.Inputs = []string{"/internal/data/"}

	res := sb.Execute(context.Background(), task)
	if res.Status != model.StatusFailure || !strings.Contains(res.Error, "no data blobs") {
		t.Fatalf("result = %+v", res)
	}
	if len(rt.runs) != 0 {
		t.Fatal("container started despite staging failure")
	}
}

func TestMissingInputFailsStaging(t *testing.T) {
	sb, rt, _ := newTestSandbox(t)
	task := baseTask()
	task.Inputs = []string{"/internal/missing.txt"}

	res := sb.Execute(context.Background(), task)
	if res.Status != model.StatusFailure || !strings.Contains(res.Error, "staging") {
		t.Fatalf("result = %+v", res)
	}
	if len(rt.runs) != 0 {
		t.Fatal("container started despite staging failure")
	}
}

type failPuts struct{ blob.Store }

func (f failPuts) Put(ctx context.Context, key string, r io.Reader) error {
	return errors.New("store rejected write")
}

func TestDestageFailureFailsTask(t *testing.T) {
	sb, rt, store := newTestSandbox(t)
	sb.open = func(ctx context.Context, root string) (blob.Store, error) {
		return failPuts{store}, nil
	}
	task := baseTask()
	task.Outputs = []string{"/internal/out.txt"}
	rt.onRun = func(ctx context.Context, spec containers.RunSpec) (containers.RunResult, error) {
		dir := mountSource(t, spec, "/internal")
		err := os.WriteFile(filepath.Join(dir, "out.txt"), []byte("hi\n"), 0o644)
		return containers.RunResult{}, err
	}

	res := sb.Execute(context.Background(), task)
	if res.Status != model.StatusFailure || res.ExitCode != 0 {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(res.Error, "destaging") {
		t.Fatalf("error = %q", res.Error)
	}
}
