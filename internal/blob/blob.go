// Package blob adapts object stores behind a small get/put/list surface.
// Keys are slash-separated paths relative to a store root. A zero-length
// object whose key ends in the separator is a placeholder marking a
// directory level, so prefix listings stay browsable without recursive
// existence probing. Backends register by URL scheme; a store root like
// gs://bucket/workspace/ selects the backend and the key namespace.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
)

// ErrNotFound reports a key with no object behind it.
var ErrNotFound = errors.New("blob: not found")

// Store is the object-store protocol: no atomic rename, no
// compare-and-swap, silent overwrite on put, last completed write wins.
type Store interface {
	// Get opens the object at key. The caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Put writes the object at key, overwriting silently. A key ending
	// in the separator stores a placeholder; content is ignored.
	Put(ctx context.Context, key string, r io.Reader) error
	// List returns all keys starting with prefix, sorted, including
	// placeholder keys.
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete removes the object at key; ErrNotFound if absent.
	Delete(ctx context.Context, key string) error
	Close() error
}

// OpenFunc opens a Store rooted at the given URL.
type OpenFunc func(ctx context.Context, u *url.URL) (Store, error)

var openers = map[string]OpenFunc{}

// Register makes a backend available to Open under a URL scheme.
func Register(scheme string, fn OpenFunc) {
	openers[scheme] = fn
}

// Open parses a store root URL and opens the backend registered for its
// scheme.
func Open(ctx context.Context, root string) (Store, error) {
	u, err := url.Parse(root)
	if err != nil {
		return nil, fmt.Errorf("parse store root %q: %w", root, err)
	}
	fn, ok := openers[u.Scheme]
	if !ok {
		known := make([]string, 0, len(openers))
		for s := range openers {
			known = append(known, s)
		}
		sort.Strings(known)
		return nil, fmt.Errorf("unknown store scheme %q (have %s)", u.Scheme, strings.Join(known, ", "))
	}
	return fn(ctx, u)
}

// IsDirKey reports whether key names a directory level rather than an
// object.
func IsDirKey(key string) bool {
	return strings.HasSuffix(key, "/")
}

// joinKey joins a base path and a key, preserving the key's trailing
// separator. An empty base returns the key unchanged.
func joinKey(base, key string) string {
	if base == "" {
		return key
	}
	joined := base + "/" + strings.TrimPrefix(key, "/")
	if IsDirKey(key) && !IsDirKey(joined) {
		joined += "/"
	}
	return joined
}

// DirWriter writes placeholder blobs for directory levels, remembering
// which levels it already wrote so repeated uploads under one tree cost
// one put per level.
type DirWriter struct {
	store Store
	seen  map[string]struct{}
}

func NewDirWriter(s Store) *DirWriter {
	return &DirWriter{store: s, seen: map[string]struct{}{}}
}

// EnsureAll writes a placeholder for every directory level leading to
// key. A directory key includes its own level; a file key covers its
// parents only.
func (d *DirWriter) EnsureAll(ctx context.Context, key string) error {
	parts := strings.Split(strings.TrimSuffix(key, "/"), "/")
	if !IsDirKey(key) {
		parts = parts[:len(parts)-1]
	}
	level := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		level += p + "/"
		if _, ok := d.seen[level]; ok {
			continue
		}
		if err := d.store.Put(ctx, level, strings.NewReader("")); err != nil {
			return fmt.Errorf("placeholder %s: %w", level, err)
		}
		d.seen[level] = struct{}{}
	}
	return nil
}
