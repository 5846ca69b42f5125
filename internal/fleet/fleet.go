// Package fleet creates, retags, and deletes groups of worker VMs with
// bounded parallelism, reporting one outcome per instance so a single
// failed machine never aborts a batch.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/convoy-sh/convoy/internal/compute"
	"github.com/convoy-sh/convoy/internal/retry"
)

// MaxInstances caps one batch. Oversized requests fail before any API
// call is made.
const MaxInstances = 100

// DefaultParallelism bounds concurrent control-plane calls per batch.
const DefaultParallelism = 8

// Outcome is the result for one named instance in a batch.
type Outcome struct {
	Name string
	Err  error
}

// OK reports whether the operation succeeded for this instance.
func (o Outcome) OK() bool { return o.Err == nil }

// BatchResult collects per-instance outcomes in request order.
type BatchResult struct {
	Outcomes []Outcome
}

// Succeeded counts instances whose operation completed.
func (r BatchResult) Succeeded() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.OK() {
			n++
		}
	}
	return n
}

// Failed counts instances whose operation failed after retries.
func (r BatchResult) Failed() int { return len(r.Outcomes) - r.Succeeded() }

// Err aggregates the failed outcomes, nil when every instance
// succeeded.
func (r BatchResult) Err() error {
	var errs []error
	for _, o := range r.Outcomes {
		if o.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", o.Name, o.Err))
		}
	}
	return errors.Join(errs...)
}

// CreateRequest describes one batch of identical worker VMs.
type CreateRequest struct {
	NamePrefix string
	BaseIndex  int
	Count      int

	Zone         string
	MachineType  string
	ImageFamily  string
	ImageProject string
	Metadata     map[string]string
	Options      compute.InstanceOptions
}

// Controller drives batch VM operations over the compute API.
type Controller struct {
	API compute.API

	// Zone is the default placement for batch operations.
	Zone string

	Parallelism int
	Retry       retry.Policy
	Log         zerolog.Logger
}

// NewController wires a controller with default parallelism and retry
// policy.
func NewController(api compute.API, zone string, log zerolog.Logger) *Controller {
	return &Controller{
		API:         api,
		Zone:        zone,
		Parallelism: DefaultParallelism,
		Retry:       retry.DefaultPolicy(),
		Log:         log.With().Str("component", "fleet").Logger(),
	}
}

// Create launches req.Count instances named <sanitized-prefix>-<index>.
// Every instance gets its own outcome; a name collision or quota
// refusal on one never aborts the others.
func (c *Controller) Create(ctx context.Context, req CreateRequest) (BatchResult, error) {
	if req.Count < 0 || req.Count > MaxInstances {
		return BatchResult{}, fmt.Errorf("instance count %d out of range [0 .. %d]", req.Count, MaxInstances)
	}
	names := MakeNames(req.NamePrefix, req.BaseIndex, req.Count)
	zone := req.Zone
	if zone == "" {
		zone = c.Zone
	}
	c.Log.Info().Int("count", req.Count).Str("zone", zone).Strs("names", names).Msg("creating instances")
	res := c.forEach(ctx, "create", names, func(ctx context.Context, name string) error {
		return c.API.Create(ctx, compute.InstanceSpec{
			Name:         name,
			Zone:         zone,
			MachineType:  req.MachineType,
			ImageFamily:  req.ImageFamily,
			ImageProject: req.ImageProject,
			Metadata:     req.Metadata,
			Options:      req.Options,
		})
	})
	return res, nil
}

// Delete removes the named instances. An instance that is already gone
// counts as success.
func (c *Controller) Delete(ctx context.Context, names []string) (BatchResult, error) {
	if len(names) > MaxInstances {
		return BatchResult{}, fmt.Errorf("instance count %d out of range [0 .. %d]", len(names), MaxInstances)
	}
	res := c.forEach(ctx, "delete", names, func(ctx context.Context, name string) error {
		err := c.API.Delete(ctx, name, c.Zone)
		if compute.IsNotFound(err) {
			return nil
		}
		return err
	})
	return res, nil
}

// SetMetadata updates metadata on the named instances without a
// restart; workers observe the change on their next poll.
func (c *Controller) SetMetadata(ctx context.Context, names []string, md map[string]string) (BatchResult, error) {
	if len(names) > MaxInstances {
		return BatchResult{}, fmt.Errorf("instance count %d out of range [0 .. %d]", len(names), MaxInstances)
	}
	res := c.forEach(ctx, "set-metadata", names, func(ctx context.Context, name string) error {
		return c.API.SetMetadata(ctx, name, c.Zone, md)
	})
	return res, nil
}

// List returns a lazy page-at-a-time iterator over instances matching
// f. The context is bound for the whole iteration.
func (c *Controller) List(ctx context.Context, f compute.Filter) *InstanceIterator {
	if f.Zone == "" {
		f.Zone = c.Zone
	}
	return &InstanceIterator{ctx: ctx, api: c.API, filter: f}
}

// forEach applies op to every name with bounded parallelism, retrying
// transient control-plane errors per instance. Outcomes land at the
// index of their name.
func (c *Controller) forEach(ctx context.Context, what string, names []string, op func(ctx context.Context, name string) error) BatchResult {
	res := BatchResult{Outcomes: make([]Outcome, len(names))}

	parallel := c.Parallelism
	if parallel < 1 {
		parallel = 1
	}
	sem := make(chan struct{}, parallel)
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			err := c.Retry.Do(ctx, c.Log, what+" "+name,
				func(ctx context.Context) error { return op(ctx, name) },
				compute.IsTransient)
			if err != nil {
				c.Log.Error().Err(err).Str("instance", name).Str("op", what).Msg("instance operation failed")
			}
			res.Outcomes[i] = Outcome{Name: name, Err: err}
		}(i, name)
	}
	wg.Wait()
	return res
}

// InstanceIterator pulls instances page by page.
type InstanceIterator struct {
	ctx    context.Context
	api    compute.API
	filter compute.Filter

	page  []compute.InstanceSpec
	token string
	done  bool
	err   error
}

// Next returns the next instance. ok is false once the listing is
// exhausted or an error occurred; check Err afterwards.
func (it *InstanceIterator) Next() (compute.InstanceSpec, bool) {
	for len(it.page) == 0 {
		if it.done || it.err != nil {
			return compute.InstanceSpec{}, false
		}
		page, token, err := it.api.List(it.ctx, it.filter, it.token)
		if err != nil {
			it.err = err
			return compute.InstanceSpec{}, false
		}
		it.page, it.token = page, token
		it.done = token == ""
	}
	inst := it.page[0]
	it.page = it.page[1:]
	return inst, true
}

// Err reports the error that stopped iteration, if any.
func (it *InstanceIterator) Err() error { return it.err }

// Reset rewinds the iterator to the first page.
func (it *InstanceIterator) Reset() {
	it.page, it.token, it.done, it.err = nil, "", false, nil
}

// All drains the iterator.
func (it *InstanceIterator) All() ([]compute.InstanceSpec, error) {
	var out []compute.InstanceSpec
	for {
		inst, ok := it.Next()
		if !ok {
			break
		}
		out = append(out, inst)
	}
	return out, it.Err()
}
