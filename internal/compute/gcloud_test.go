package compute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

// fakeRunner records invocations and plays back canned results.
type fakeRunner struct {
	calls  [][]string
	stdout []byte
	stderr []byte
	err    error
}

func (f *fakeRunner) run(ctx context.Context, bin string, args []string) ([]byte, []byte, error) {
	f.calls = append(f.calls, append([]string{bin}, args...))
	return f.stdout, f.stderr, f.err
}

func newTestGCloud(r *fakeRunner) *GCloud {
	g := NewGCloud("proj-1", zerolog.Nop())
	g.runner = r.run
	return g
}

func TestCreateBuildsExpectedCommand(t *testing.T) {
	r := &fakeRunner{}
	g := newTestGCloud(r)
	spec := InstanceSpec{
		Name:         "sisyphus-0",
		Zone:         "us-east1-b",
		MachineType:  "n1-standard-1",
		ImageFamily:  "convoy-worker",
		ImageProject: "proj-1",
		Metadata:     map[string]string{"db": "crick", "quit_soon": "false"},
		Options:      DefaultOptions(),
	}
	if err := g.Create(context.Background(), spec); err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(r.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(r.calls))
	}
	got := strings.Join(r.calls[0], " ")
	for _, want := range []string{
		"gcloud compute instances create sisyphus-0",
		"--zone=us-east1-b",
		"--machine-type=n1-standard-1",
		"--image-family=convoy-worker",
		"--image-project=proj-1",
		"--subnet=default",
		"--network-tier=PREMIUM",
		"--maintenance-policy=MIGRATE",
		"--boot-disk-size=200GB",
		"--boot-disk-type=pd-standard",
		"--scopes=storage-rw,logging-write,monitoring-write,service-control,service-management,trace",
		"--metadata=db=crick,quit_soon=false",
		"--project=proj-1",
		"--quiet",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("command missing %q:\n%s", want, got)
		}
	}
}

func TestCreatePreemptibleDropsMaintenancePolicy(t *testing.T) {
	r := &fakeRunner{}
	g := newTestGCloud(r)
	opt := DefaultOptions()
	opt.Preemptible = true
	err := g.Create(context.Background(), InstanceSpec{Name: "w-0", Zone: "z", Options: opt})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got := strings.Join(r.calls[0], " ")
	if !strings.Contains(got, "--preemptible") {
		t.Fatalf("missing --preemptible:\n%s", got)
	}
	if strings.Contains(got, "--maintenance-policy") {
		t.Fatalf("preemptible instances cannot set a maintenance policy:\n%s", got)
	}
}

func TestCreateClassifiesNameCollision(t *testing.T) {
	r := &fakeRunner{err: errors.New("exit status 1"), stderr: []byte("ERROR: 'projects/p/zones/z/instances/w-0' already exists")}
	g := newTestGCloud(r)
	err := g.Create(context.Background(), InstanceSpec{Name: "w-0", Zone: "z"})
	if !IsAlreadyExists(err) {
		t.Fatalf("err = %v, want already-exists", err)
	}
}

func TestDeleteClassifiesNotFound(t *testing.T) {
	r := &fakeRunner{err: errors.New("exit status 1"), stderr: []byte("ERROR: The resource 'w-9' was not found")}
	g := newTestGCloud(r)
	err := g.Delete(context.Background(), "w-9", "z")
	if !IsNotFound(err) {
		t.Fatalf("err = %v, want not-found", err)
	}
}

func TestSetMetadataSanitizesPairs(t *testing.T) {
	r := &fakeRunner{}
	g := newTestGCloud(r)
	err := g.SetMetadata(context.Background(), "w-0", "z", map[string]string{"k=ey": "v,alue"})
	if err != nil {
		t.Fatalf("set metadata: %v", err)
	}
	got := strings.Join(r.calls[0], " ")
	if !strings.Contains(got, "--metadata=key=value") {
		t.Fatalf("metadata not sanitized:\n%s", got)
	}
}

func TestListParsesInstances(t *testing.T) {
	r := &fakeRunner{stdout: []byte(`[
  {"name":"sisyphus-0","status":"RUNNING",
   "zone":"https://www.googleapis.com/compute/v1/projects/p/zones/us-east1-b",
   "machineType":"https://www.googleapis.com/compute/v1/projects/p/zones/us-east1-b/machineTypes/n1-standard-1",
   "metadata":{"items":[{"key":"db","value":"crick"},{"key":"empty","value":null}]}},
  {"name":"sisyphus-1","status":"PROVISIONING",
   "zone":"zones/us-east1-b","machineType":"machineTypes/n1-standard-1","metadata":{}}
]`)}
	g := newTestGCloud(r)
	specs, next, err := g.List(context.Background(), Filter{NamePrefix: "sisyphus"}, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if next != "" {
		t.Fatalf("next = %q, want empty", next)
	}
	if len(specs) != 2 {
		t.Fatalf("len = %d, want 2", len(specs))
	}
	if specs[0].Zone != "us-east1-b" || specs[0].MachineType != "n1-standard-1" {
		t.Fatalf("URL fields not shortened: %+v", specs[0])
	}
	if specs[0].Metadata["db"] != "crick" {
		t.Fatalf("metadata not parsed: %+v", specs[0].Metadata)
	}
	got := strings.Join(r.calls[0], " ")
	if !strings.Contains(got, "--filter=name~^sisyphus") {
		t.Fatalf("missing name filter:\n%s", got)
	}
}

func TestDryRunSkipsExecution(t *testing.T) {
	r := &fakeRunner{}
	g := newTestGCloud(r)
	g.DryRun = true
	if err := g.Delete(context.Background(), "w-0", "z"); err != nil {
		t.Fatalf("dry run delete: %v", err)
	}
	if len(r.calls) != 0 {
		t.Fatalf("dry run executed %d commands", len(r.calls))
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{fmt.Errorf("rateLimitExceeded: too fast"), true},
		{fmt.Errorf("Quota exceeded for cpus"), true},
		{fmt.Errorf("request timed out"), true},
		{fmt.Errorf("%w: gone", ErrNotFound), false},
		{fmt.Errorf("%w: dup", ErrAlreadyExists), false},
		{fmt.Errorf("invalid machine type"), false},
		{context.DeadlineExceeded, true},
	}
	for _, c := range cases {
		if got := IsTransient(c.err); got != c.want {
			t.Fatalf("IsTransient(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}
