package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// GCloud implements API by shelling out to the gcloud CLI, which owns
// credential refresh and API plumbing. Commands never prompt (--quiet)
// and run under the caller's context deadline.
type GCloud struct {
	Project string
	Bin     string
	// DryRun logs each command instead of executing it.
	DryRun bool
	Log    zerolog.Logger

	runner func(ctx context.Context, bin string, args []string) (stdout, stderr []byte, err error)
}

var _ API = (*GCloud)(nil)

func NewGCloud(project string, log zerolog.Logger) *GCloud {
	return &GCloud{
		Project: project,
		Bin:     "gcloud",
		Log:     log.With().Str("component", "gcloud").Logger(),
		runner:  runCommand,
	}
}

func runCommand(ctx context.Context, bin string, args []string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// run executes one gcloud invocation and classifies failures from the
// CLI's stderr.
func (g *GCloud) run(ctx context.Context, args []string) ([]byte, error) {
	if g.Project != "" {
		args = append(args, "--project="+g.Project)
	}
	args = append(args, "--quiet")
	if g.DryRun {
		g.Log.Info().Str("bin", g.Bin).Strs("args", args).Msg("dry run")
		return nil, nil
	}
	g.Log.Debug().Strs("args", args).Msg("exec")
	stdout, stderr, err := g.runner(ctx, g.Bin, args)
	if err != nil {
		return nil, classify(fmt.Errorf("%s %s: %w: %s", g.Bin, args[0], err, tail(stderr)))
	}
	return stdout, nil
}

// classify wraps errors whose stderr names a well-known condition with
// the matching sentinel, so callers can use errors.Is.
func classify(err error) error {
	text := strings.ToLower(err.Error())
	switch {
	case strings.Contains(text, "already exists"):
		return fmt.Errorf("%w: %s", ErrAlreadyExists, err)
	case strings.Contains(text, "was not found"), strings.Contains(text, "not found"):
		return fmt.Errorf("%w: %s", ErrNotFound, err)
	}
	return err
}

// tail keeps error output readable in logs and wrapped errors.
func tail(b []byte) string {
	s := strings.TrimSpace(string(b))
	const max = 400
	if len(s) > max {
		s = "..." + s[len(s)-max:]
	}
	return s
}

func (g *GCloud) Create(ctx context.Context, spec InstanceSpec) error {
	args := []string{
		"compute", "instances", "create", spec.Name,
		"--zone=" + spec.Zone,
	}
	if spec.MachineType != "" {
		args = append(args, "--machine-type="+spec.MachineType)
	}
	if spec.ImageFamily != "" {
		args = append(args, "--image-family="+spec.ImageFamily)
	}
	if spec.ImageProject != "" {
		args = append(args, "--image-project="+spec.ImageProject)
	}
	opt := spec.Options
	if opt.Subnet != "" {
		args = append(args, "--subnet="+opt.Subnet)
	}
	if opt.NetworkTier != "" {
		args = append(args, "--network-tier="+opt.NetworkTier)
	}
	if opt.MaintenancePolicy != "" && !opt.Preemptible {
		args = append(args, "--maintenance-policy="+opt.MaintenancePolicy)
	}
	if opt.Preemptible {
		args = append(args, "--preemptible")
	}
	if opt.BootDiskSizeGB > 0 {
		args = append(args, fmt.Sprintf("--boot-disk-size=%dGB", opt.BootDiskSizeGB))
	}
	if opt.BootDiskType != "" {
		args = append(args, "--boot-disk-type="+opt.BootDiskType)
	}
	if len(opt.Scopes) > 0 {
		args = append(args, "--scopes="+strings.Join(opt.Scopes, ","))
	}
	if len(spec.Metadata) > 0 {
		args = append(args, "--metadata="+metadataFlag(spec.Metadata))
	}
	if opt.StartupScript != "" {
		f, err := os.CreateTemp("", "convoy-startup-*.sh")
		if err != nil {
			return fmt.Errorf("startup script: %w", err)
		}
		defer os.Remove(f.Name())
		if _, err := f.WriteString(opt.StartupScript); err != nil {
			f.Close()
			return fmt.Errorf("startup script: %w", err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("startup script: %w", err)
		}
		args = append(args, "--metadata-from-file=startup-script="+f.Name())
	}
	_, err := g.run(ctx, args)
	return err
}

func (g *GCloud) Delete(ctx context.Context, name, zone string) error {
	_, err := g.run(ctx, []string{
		"compute", "instances", "delete", name,
		"--zone=" + zone,
	})
	return err
}

func (g *GCloud) SetMetadata(ctx context.Context, name, zone string, md map[string]string) error {
	if len(md) == 0 {
		return nil
	}
	_, err := g.run(ctx, []string{
		"compute", "instances", "add-metadata", name,
		"--zone=" + zone,
		"--metadata=" + metadataFlag(md),
	})
	return err
}

// gcloudInstance mirrors the fields we read from
// `gcloud compute instances list --format=json`.
type gcloudInstance struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	Zone        string `json:"zone"`
	MachineType string `json:"machineType"`
	Metadata    struct {
		Items []struct {
			Key   string  `json:"key"`
			Value *string `json:"value"`
		} `json:"items"`
	} `json:"metadata"`
}

func (g *GCloud) List(ctx context.Context, f Filter, pageToken string) ([]InstanceSpec, string, error) {
	// The CLI paginates internally, so every call yields one page.
	if pageToken != "" {
		return nil, "", nil
	}
	args := []string{"compute", "instances", "list", "--format=json"}
	if f.NamePrefix != "" {
		args = append(args, "--filter=name~^"+f.NamePrefix)
	}
	if f.Zone != "" {
		args = append(args, "--zones="+f.Zone)
	}
	stdout, err := g.run(ctx, args)
	if err != nil {
		return nil, "", err
	}
	if len(stdout) == 0 {
		return nil, "", nil
	}
	var raw []gcloudInstance
	if err := json.Unmarshal(stdout, &raw); err != nil {
		return nil, "", fmt.Errorf("parse instances list: %w", err)
	}
	specs := make([]InstanceSpec, 0, len(raw))
	for _, r := range raw {
		spec := InstanceSpec{
			Name:        r.Name,
			Status:      r.Status,
			Zone:        lastPathSegment(r.Zone),
			MachineType: lastPathSegment(r.MachineType),
			Metadata:    map[string]string{},
		}
		for _, item := range r.Metadata.Items {
			if item.Value != nil {
				spec.Metadata[item.Key] = *item.Value
			}
		}
		specs = append(specs, spec)
	}
	return specs, "", nil
}

// metadataFlag renders key=value pairs in deterministic order.
func metadataFlag(md map[string]string) string {
	md = SanitizeMetadata(md)
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+md[k])
	}
	return strings.Join(pairs, ",")
}

func lastPathSegment(s string) string {
	if i := strings.LastIndex(s, "/"); i >= 0 {
		return s[i+1:]
	}
	return s
}
