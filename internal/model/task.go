package model

import (
	"fmt"
	"strings"
	"time"
)

// Status is the terminal disposition of one task execution.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
	StatusTimeout Status = "TIMEOUT"
)

// Task is the declarative unit of work leased from the workflow queue:
// which image to run, what to run in it, which store paths to stage in
// and out, and how long it may take. The queue owns it; everything here
// is read-only to the executor.
type Task struct {
	ID      string `json:"id" bson:"_id"`
	Name    string `json:"name" bson:"name"`
	Image   string `json:"image" bson:"image"`
	Command string `json:"command" bson:"command"`

	// InternalPrefix is the container path all declared inputs and
	// outputs live under. Declarations are container-absolute; a
	// trailing separator marks a directory subtree.
	InternalPrefix string   `json:"internal_prefix" bson:"internal_prefix"`
	Inputs         []string `json:"inputs" bson:"inputs"`
	Outputs        []string `json:"outputs" bson:"outputs"`

	// StorePrefix is the object-store root for this task, e.g.
	// gs://bucket/workspace/. Store keys mirror the declared paths
	// relative to InternalPrefix.
	StorePrefix string `json:"store_prefix" bson:"store_prefix"`

	Timeout time.Duration `json:"timeout" bson:"timeout"`
}

// DefaultTimeout applies when a task declares none.
const DefaultTimeout = time.Hour

// EffectiveTimeout returns the task timeout, or DefaultTimeout if unset.
func (t Task) EffectiveTimeout() time.Duration {
	if t.Timeout <= 0 {
		return DefaultTimeout
	}
	return t.Timeout
}

// Validate checks the fields the executor depends on.
func (t Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task: missing id")
	}
	if t.Image == "" {
		return fmt.Errorf("task %s: missing image", t.ID)
	}
	if t.Command == "" {
		return fmt.Errorf("task %s: missing command", t.ID)
	}
	if t.InternalPrefix == "" || !strings.HasPrefix(t.InternalPrefix, "/") {
		return fmt.Errorf("task %s: internal prefix must be absolute, got %q", t.ID, t.InternalPrefix)
	}
	if t.StorePrefix == "" {
		return fmt.Errorf("task %s: missing store prefix", t.ID)
	}
	return nil
}

// DisplayName is the task name, falling back to the id.
func (t Task) DisplayName() string {
	if t.Name != "" {
		return t.Name
	}
	return t.ID
}

// TaskResult records one execution attempt. Immutable once reported.
type TaskResult struct {
	Status   Status `json:"status" bson:"status"`
	ExitCode int    `json:"exit_code" bson:"exit_code"`

	// LogKey is the store key the captured container log was uploaded
	// to, when the task declared a capture output. Empty otherwise.
	LogKey string `json:"log_key,omitempty" bson:"log_key,omitempty"`

	Error string `json:"error,omitempty" bson:"error,omitempty"`

	Worker     string    `json:"worker" bson:"worker"`
	StartedAt  time.Time `json:"started_at" bson:"started_at"`
	FinishedAt time.Time `json:"finished_at" bson:"finished_at"`
}

// Elapsed is the wall-clock execution time.
func (r TaskResult) Elapsed() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
