package blob

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"

	"github.com/convoy-sh/convoy/internal/sshconn"
)

func init() {
	Register("sftp", openSFTP)
}

// sftpStore serves a directory tree on a remote host as an object store,
// for development and on-prem deployments without a cloud bucket.
// Directory entries double as placeholder blobs: putting a key ending in
// the separator creates the directory, and listings emit directories
// with a trailing separator.
//
// Root URLs look like
// sftp://worker@build-host:22/srv/convoy?key=/etc/convoy/id_ed25519
// with optional known_hosts and insecure=1 query parameters.
type sftpStore struct {
	ssh  *xssh.Client
	sftp *sftp.Client
	base string
}

func openSFTP(ctx context.Context, u *url.URL) (Store, error) {
	if u.User == nil || u.User.Username() == "" {
		return nil, fmt.Errorf("sftp: missing user in %q", u.Redacted())
	}
	addr := u.Host
	if u.Port() == "" {
		addr += ":22"
	}
	q := u.Query()
	keyPath := q.Get("key")
	if keyPath == "" {
		keyPath = os.Getenv("CONVOY_SSH_KEY")
	}
	knownHosts := q.Get("known_hosts")
	if knownHosts == "" {
		home, _ := os.UserHomeDir()
		knownHosts = path.Join(home, ".ssh", "known_hosts")
	}
	cli, err := sshconn.Dial(ctx, sshconn.Options{
		Addr:                  addr,
		User:                  u.User.Username(),
		KeyPath:               keyPath,
		KnownHostsPath:        knownHosts,
		InsecureIgnoreHostKey: q.Get("insecure") == "1",
		Timeout:               30 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	sf, err := sftp.NewClient(cli)
	if err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("sftp client: %w", err)
	}
	base := path.Clean(u.Path)
	if base == "." {
		base = "/"
	}
	return &sftpStore{ssh: cli, sftp: sf, base: base}, nil
}

func (s *sftpStore) abs(key string) string {
	p := path.Join(s.base, key)
	if IsDirKey(key) && !strings.HasSuffix(p, "/") {
		return p + "/"
	}
	return p
}

func (s *sftpStore) rel(remote string) string {
	if s.base == "/" {
		return strings.TrimPrefix(remote, "/")
	}
	return strings.TrimPrefix(remote, s.base+"/")
}

func (s *sftpStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if IsDirKey(key) {
		info, err := s.sftp.Stat(strings.TrimSuffix(s.abs(key), "/"))
		if err != nil || !info.IsDir() {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return io.NopCloser(strings.NewReader("")), nil
	}
	f, err := s.sftp.Open(s.abs(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return f, nil
}

func (s *sftpStore) Put(ctx context.Context, key string, r io.Reader) error {
	remote := s.abs(key)
	if IsDirKey(key) {
		if err := s.sftp.MkdirAll(strings.TrimSuffix(remote, "/")); err != nil {
			return fmt.Errorf("mkdir %s: %w", key, err)
		}
		return nil
	}
	if err := s.sftp.MkdirAll(path.Dir(remote)); err != nil {
		return fmt.Errorf("mkdir parent of %s: %w", key, err)
	}
	f, err := s.sftp.Create(remote)
	if err != nil {
		return fmt.Errorf("create %s: %w", key, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", key, err)
	}
	return nil
}

func (s *sftpStore) List(ctx context.Context, prefix string) ([]string, error) {
	// Walk only the deepest directory named by the prefix.
	dirPart := ""
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		dirPart = prefix[:i+1]
	}
	start := path.Join(s.base, dirPart)
	if _, err := s.sftp.Stat(start); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	var keys []string
	walker := s.sftp.Walk(start)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		remote := walker.Path()
		if remote == s.base {
			continue
		}
		key := s.rel(remote)
		if walker.Stat().IsDir() {
			key += "/"
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *sftpStore) Delete(ctx context.Context, key string) error {
	remote := strings.TrimSuffix(s.abs(key), "/")
	var err error
	if IsDirKey(key) {
		err = s.sftp.RemoveDirectory(remote)
	} else {
		err = s.sftp.Remove(remote)
	}
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *sftpStore) Close() error {
	err := s.sftp.Close()
	if cerr := s.ssh.Close(); err == nil {
		err = cerr
	}
	return err
}
