package blob

import (
	"context"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
)

func put(t *testing.T, s Store, key, content string) {
	t.Helper()
	if err := s.Put(context.Background(), key, strings.NewReader(content)); err != nil {
		t.Fatalf("put %s: %v", key, err)
	}
}

func get(t *testing.T, s Store, key string) string {
	t.Helper()
	r, err := s.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get %s: %v", key, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read %s: %v", key, err)
	}
	return string(data)
}

func TestMemoryRoundTrip(t *testing.T) {
	s := NewMemory()
	put(t, s, "data/a.txt", "alpha")
	put(t, s, "data/b.txt", "beta")
	if got := get(t, s, "data/a.txt"); got != "alpha" {
		t.Fatalf("got %q, want alpha", got)
	}
	// Overwrite is silent, last writer wins.
	put(t, s, "data/a.txt", "alpha2")
	if got := get(t, s, "data/a.txt"); got != "alpha2" {
		t.Fatalf("got %q, want alpha2", got)
	}
}

func TestMemoryGetNotFound(t *testing.T) {
	s := NewMemory()
	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMemoryListIncludesPlaceholders(t *testing.T) {
	s := NewMemory()
	put(t, s, "data/", "")
	put(t, s, "data/a.txt", "alpha")
	put(t, s, "data/b.txt", "beta")
	put(t, s, "other/c.txt", "gamma")
	keys, err := s.List(context.Background(), "data/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"data/", "data/a.txt", "data/b.txt"}
	if !reflect.DeepEqual(keys, want) {
		t.Fatalf("keys = %v, want %v", keys, want)
	}
}

func TestMemoryDelete(t *testing.T) {
	s := NewMemory()
	put(t, s, "x", "1")
	if err := s.Delete(context.Background(), "x"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(context.Background(), "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestSharedMemoryRootsSeeEachOther(t *testing.T) {
	ctx := context.Background()
	a, err := Open(ctx, "mem://shared-roots/ws")
	if err != nil {
		t.Fatalf("open a: %v", err)
	}
	b, err := Open(ctx, "mem://shared-roots/ws")
	if err != nil {
		t.Fatalf("open b: %v", err)
	}
	put(t, a, "k", "v")
	if got := get(t, b, "k"); got != "v" {
		t.Fatalf("got %q through second root, want v", got)
	}
}

func TestOpenUnknownScheme(t *testing.T) {
	if _, err := Open(context.Background(), "ftp://nope/x"); err == nil {
		t.Fatalf("expected error for unknown scheme")
	}
}

func TestIsDirKey(t *testing.T) {
	if !IsDirKey("data/") || IsDirKey("data/a.txt") || IsDirKey("data") {
		t.Fatalf("IsDirKey misclassified")
	}
}

func TestJoinKeyPreservesTrailingSeparator(t *testing.T) {
	cases := []struct{ base, key, want string }{
		{"", "data/a.txt", "data/a.txt"},
		{"ws", "data/a.txt", "ws/data/a.txt"},
		{"ws", "data/", "ws/data/"},
		{"ws", "/data/", "ws/data/"},
	}
	for _, c := range cases {
		if got := joinKey(c.base, c.key); got != c.want {
			t.Fatalf("joinKey(%q, %q) = %q, want %q", c.base, c.key, got, c.want)
		}
	}
}

func TestDirWriterCoversEveryLevelOnce(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	dw := NewDirWriter(s)
	if err := dw.EnsureAll(ctx, "a/b/c.txt"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := dw.EnsureAll(ctx, "a/b/d/"); err != nil {
		t.Fatalf("ensure dir: %v", err)
	}
	keys, err := s.List(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"a/", "a/b/", "a/b/d/"}
	if !reflect.DeepEqual(keys, want) {
		t.Fatalf("keys = %v, want %v", keys, want)
	}
	// Levels already written are not re-put.
	if err := s.Delete(ctx, "a/"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := dw.EnsureAll(ctx, "a/b/e.txt"); err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if _, err := s.Get(ctx, "a/"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("a/ rewritten despite cache")
	}
}
