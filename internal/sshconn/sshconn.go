// Package sshconn dials SSH connections for the SFTP store backend:
// key-based auth, known_hosts verification, context-aware dialing.
package sshconn

import (
	"context"
	"errors"
	"fmt"
	"time"

	xssh "golang.org/x/crypto/ssh"
)

// Options describe one SSH endpoint.
type Options struct {
	Addr           string // host:port
	User           string
	KeyPath        string
	KnownHostsPath string
	// InsecureIgnoreHostKey skips host key verification. Only for
	// throwaway test hosts.
	InsecureIgnoreHostKey bool
	Timeout               time.Duration
}

func (o Options) clientConfig() (*xssh.ClientConfig, error) {
	if o.User == "" {
		return nil, errors.New("sshconn: user required")
	}
	signer, err := LoadSigner(o.KeyPath)
	if err != nil {
		return nil, err
	}
	hostKeys := xssh.InsecureIgnoreHostKey()
	if !o.InsecureIgnoreHostKey {
		hostKeys, err = KnownHostsCallback(o.KnownHostsPath)
		if err != nil {
			return nil, err
		}
	}
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &xssh.ClientConfig{
		User:            o.User,
		Auth:            []xssh.AuthMethod{xssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys,
		Timeout:         timeout,
	}, nil
}

// Dial connects to the endpoint, honoring ctx cancellation. The caller
// closes the returned client.
func Dial(ctx context.Context, o Options) (*xssh.Client, error) {
	cfg, err := o.clientConfig()
	if err != nil {
		return nil, err
	}
	type res struct {
		cli *xssh.Client
		err error
	}
	ch := make(chan res, 1)
	go func() {
		cli, err := xssh.Dial("tcp", o.Addr, cfg)
		ch <- res{cli: cli, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("ssh dial %s: %w", o.Addr, r.err)
		}
		return r.cli, nil
	}
}
