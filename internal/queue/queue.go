// Package queue adapts the shared workflow queue the agents lease tasks
// from. Dependency tracking and readiness promotion belong to the
// workflow engine that feeds the queue; this side only leases, reports,
// and asks whether blocked work exists.
package queue

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/convoy-sh/convoy/internal/model"
)

// ErrNotFound reports a task id the queue does not know.
var ErrNotFound = errors.New("queue: task not found")

// Queue is the lease/report protocol. At-least-once delivery of ready
// tasks is the queue service's promise, not enforced here.
type Queue interface {
	// Lease atomically claims the next ready task for the named worker.
	// Returns (nil, nil) when nothing is claimable right now.
	Lease(ctx context.Context, worker string) (*model.Task, error)
	// Report records the result of a leased task. ErrNotFound if the
	// task id is unknown.
	Report(ctx context.Context, taskID string, res model.TaskResult) error
	// HasBlocked reports whether tasks exist that are waiting on unmet
	// dependencies. Drives the longer of the two idle timeouts.
	HasBlocked(ctx context.Context) (bool, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Config is the queue connection settings a worker receives through its
// config file and instance metadata.
type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"name"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// DefaultConfig matches a local unauthenticated MongoDB.
func DefaultConfig() Config {
	return Config{Host: "localhost", Port: 27017, Database: "convoy"}
}

func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("queue: missing host")
	}
	if c.Port <= 0 {
		return fmt.Errorf("queue: invalid port %d", c.Port)
	}
	if c.Database == "" {
		return fmt.Errorf("queue: missing database name")
	}
	return nil
}

// URI renders the connection string. Credentials are URL-escaped; the
// database doubles as the auth source.
func (c Config) URI() string {
	u := url.URL{
		Scheme: "mongodb",
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + c.Database,
	}
	if c.Username != "" {
		u.User = url.UserPassword(c.Username, c.Password)
	}
	return u.String()
}

// Redacted is the loggable form of URI.
func (c Config) Redacted() string {
	masked := c
	if masked.Password != "" {
		masked.Password = "*****"
	}
	return masked.URI()
}
