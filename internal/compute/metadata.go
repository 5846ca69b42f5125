package compute

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/convoy-sh/convoy/internal/retry"
)

// DefaultMetadataURL is the instance metadata server every worker VM
// can reach without credentials.
const DefaultMetadataURL = "http://metadata.google.internal"

// MetadataClient reads this instance's identity and custom attributes
// from the metadata server. The fleet controller writes attributes at
// create time and mutates them later to steer running workers.
type MetadataClient struct {
	BaseURL string
	Client  *http.Client
	Retry   retry.Policy
	Log     zerolog.Logger
}

func NewMetadataClient(log zerolog.Logger) *MetadataClient {
	return &MetadataClient{
		BaseURL: DefaultMetadataURL,
		Client:  &http.Client{Timeout: 5 * time.Second},
		Retry: retry.Policy{
			Attempts:      3,
			InitialDelay:  500 * time.Millisecond,
			MaxDelay:      5 * time.Second,
			BackoffFactor: 2,
		},
		Log: log.With().Str("component", "metadata").Logger(),
	}
}

// get fetches one metadata path, retrying connection-level failures.
// A 404 is ErrNotFound and is not retried.
func (m *MetadataClient) get(ctx context.Context, path string) (string, error) {
	var body string
	op := func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.BaseURL+"/computeMetadata/v1/"+path, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Metadata-Flavor", "Google")
		resp, err := m.Client.Do(req)
		if err != nil {
			return fmt.Errorf("metadata %s: %w", path, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("metadata %s: %w", path, ErrNotFound)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("metadata %s: status %d", path, resp.StatusCode)
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("metadata %s: %w", path, err)
		}
		body = string(data)
		return nil
	}
	err := m.Retry.Do(ctx, m.Log, "metadata get", op, func(err error) bool {
		return !IsNotFound(err)
	})
	return body, err
}

// Attribute returns a custom metadata attribute; ErrNotFound when the
// attribute is not set on this instance.
func (m *MetadataClient) Attribute(ctx context.Context, key string) (string, error) {
	return m.get(ctx, "instance/attributes/"+key)
}

// AttributeOr returns a custom attribute or def when unset or
// unreachable.
func (m *MetadataClient) AttributeOr(ctx context.Context, key, def string) string {
	v, err := m.Attribute(ctx, key)
	if err != nil || v == "" {
		return def
	}
	return v
}

// InstanceName returns this VM's short name.
func (m *MetadataClient) InstanceName(ctx context.Context) (string, error) {
	return m.get(ctx, "instance/name")
}

// Zone returns this VM's zone, e.g. us-east1-b.
func (m *MetadataClient) Zone(ctx context.Context) (string, error) {
	v, err := m.get(ctx, "instance/zone")
	if err != nil {
		return "", err
	}
	return lastPathSegment(strings.TrimSpace(v)), nil
}

// ProjectID returns the project this VM runs in.
func (m *MetadataClient) ProjectID(ctx context.Context) (string, error) {
	return m.get(ctx, "project/project-id")
}

// OnMetadataServer reports whether the metadata server answers, i.e.
// whether this process runs on a managed instance rather than a dev
// machine.
func (m *MetadataClient) OnMetadataServer(ctx context.Context) bool {
	probe := *m
	probe.Retry = retry.Policy{Attempts: 1}
	_, err := probe.InstanceName(ctx)
	return err == nil
}
