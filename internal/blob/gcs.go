package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

func init() {
	Register("gs", openGCS)
}

// gcsStore serves a bucket subtree, e.g. gs://sisyphus/workspace/.
// Credentials come from the environment (application default
// credentials on a worker VM's service account).
type gcsStore struct {
	client *storage.Client
	bucket *storage.BucketHandle
	base   string
}

func openGCS(ctx context.Context, u *url.URL) (Store, error) {
	if u.Host == "" {
		return nil, fmt.Errorf("gs: missing bucket in %q", u.String())
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gs: client: %w", err)
	}
	return &gcsStore{
		client: client,
		bucket: client.Bucket(u.Host),
		base:   strings.Trim(u.Path, "/"),
	}, nil
}

func (s *gcsStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := s.bucket.Object(joinKey(s.base, key)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return r, nil
}

func (s *gcsStore) Put(ctx context.Context, key string, r io.Reader) error {
	if IsDirKey(key) {
		r = strings.NewReader("")
	}
	w := s.bucket.Object(joinKey(s.base, key)).NewWriter(ctx)
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("put %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *gcsStore) List(ctx context.Context, prefix string) ([]string, error) {
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: joinKey(s.base, prefix)})
	var keys []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		name := attrs.Name
		if s.base != "" {
			name = strings.TrimPrefix(name, s.base+"/")
		}
		keys = append(keys, name)
	}
	return keys, nil
}

func (s *gcsStore) Delete(ctx context.Context, key string) error {
	err := s.bucket.Object(joinKey(s.base, key)).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *gcsStore) Close() error { return s.client.Close() }
