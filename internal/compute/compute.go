// Package compute adapts the cloud VM control plane. The API interface
// covers create/delete/tag/list with per-target outcomes; the shipped
// implementation shells out to the gcloud CLI, and the instance
// metadata server client lives here too since workers read their own
// configuration from it.
package compute

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

// Sentinel errors for per-target outcome classification.
var (
	ErrNotFound      = errors.New("instance not found")
	ErrAlreadyExists = errors.New("instance already exists")
)

// InstanceSpec describes one worker VM: identity, placement, image, and
// the metadata the worker reads at startup. Options are consulted on
// create and left zero on list results.
type InstanceSpec struct {
	Name         string
	Zone         string
	MachineType  string
	ImageFamily  string
	ImageProject string
	Status       string
	Metadata     map[string]string
	Options      InstanceOptions
}

// InstanceOptions carry the create-time knobs that rarely change
// between batches.
type InstanceOptions struct {
	Subnet            string
	NetworkTier       string
	MaintenancePolicy string
	BootDiskSizeGB    int
	BootDiskType      string
	Scopes            []string
	Preemptible       bool
	// StartupScript is installed as startup-script metadata.
	StartupScript string
}

// DefaultOptions is the baseline worker VM shape: a modest machine with
// a large standard boot disk and the API scopes batch work needs.
func DefaultOptions() InstanceOptions {
	return InstanceOptions{
		Subnet:            "default",
		NetworkTier:       "PREMIUM",
		MaintenancePolicy: "MIGRATE",
		BootDiskSizeGB:    200,
		BootDiskType:      "pd-standard",
		Scopes: []string{
			"storage-rw",
			"logging-write",
			"monitoring-write",
			"service-control",
			"service-management",
			"trace",
		},
	}
}

// Filter selects instances for list calls.
type Filter struct {
	NamePrefix string
	Zone       string
}

// API is the VM control surface. Every call reports the outcome for its
// single target; batch semantics live above in the fleet controller.
type API interface {
	Create(ctx context.Context, spec InstanceSpec) error
	Delete(ctx context.Context, name, zone string) error
	SetMetadata(ctx context.Context, name, zone string, md map[string]string) error
	// List returns one page of instances and the token for the next
	// page, empty when exhausted.
	List(ctx context.Context, f Filter, pageToken string) ([]InstanceSpec, string, error)
}

// IsNotFound reports whether err means the target instance does not
// exist.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsAlreadyExists reports a create-time name collision.
func IsAlreadyExists(err error) bool { return errors.Is(err, ErrAlreadyExists) }

var transientMarkers = []string{
	"rate limit",
	"ratelimitexceeded",
	"quota exceeded",
	"timed out",
	"timeout",
	"temporarily unavailable",
	"internal error",
	"backenderror",
	"connection reset",
	"502",
	"503",
}

// IsTransient reports whether err looks like a retryable control-plane
// hiccup rather than a permanent refusal.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if IsNotFound(err) || IsAlreadyExists(err) {
		return false
	}
	text := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

var metadataStrip = regexp.MustCompile(`[=,]+`)

// SanitizeMetadata strips the characters the CLI uses as pair
// separators from metadata keys and values.
func SanitizeMetadata(md map[string]string) map[string]string {
	if md == nil {
		return nil
	}
	out := make(map[string]string, len(md))
	for k, v := range md {
		out[metadataStrip.ReplaceAllString(k, "")] = metadataStrip.ReplaceAllString(v, "")
	}
	return out
}
