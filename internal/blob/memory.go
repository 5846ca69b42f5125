package blob

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
)

func init() {
	Register("mem", openMemory)
}

// memStore is a process-local object store. URLs of the form
// mem://name/base share one backing store per name, so separately
// opened roots see each other's writes the way bucket roots would.
type memStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

var (
	memMu     sync.Mutex
	memStores = map[string]*memStore{}
)

func openMemory(ctx context.Context, u *url.URL) (Store, error) {
	memMu.Lock()
	defer memMu.Unlock()
	s, ok := memStores[u.Host]
	if !ok {
		s = &memStore{objects: map[string][]byte{}}
		memStores[u.Host] = s
	}
	return &memView{store: s, base: strings.Trim(u.Path, "/")}, nil
}

// NewMemory returns a fresh unshared in-memory store.
func NewMemory() Store {
	return &memView{store: &memStore{objects: map[string][]byte{}}}
}

// memView is a base-rooted view over a memStore.
type memView struct {
	store *memStore
	base  string
}

func (v *memView) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()
	data, ok := v.store.objects[joinKey(v.base, key)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return io.NopCloser(bytes.NewReader(cp)), nil
}

func (v *memView) Put(ctx context.Context, key string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if IsDirKey(key) {
		data = nil
	}
	v.store.mu.Lock()
	defer v.store.mu.Unlock()
	v.store.objects[joinKey(v.base, key)] = data
	return nil
}

func (v *memView) List(ctx context.Context, prefix string) ([]string, error) {
	full := joinKey(v.base, prefix)
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()
	var keys []string
	for k := range v.store.objects {
		if !strings.HasPrefix(k, full) {
			continue
		}
		if v.base != "" {
			k = strings.TrimPrefix(k, v.base+"/")
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (v *memView) Delete(ctx context.Context, key string) error {
	full := joinKey(v.base, key)
	v.store.mu.Lock()
	defer v.store.mu.Unlock()
	if _, ok := v.store.objects[full]; !ok {
		return ErrNotFound
	}
	delete(v.store.objects, full)
	return nil
}

func (v *memView) Close() error { return nil }
