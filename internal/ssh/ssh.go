// Package ssh publishes finished run artifacts to a remote host over
// SSH/SFTP with strict host key checking.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"
)

type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

type Client struct {
	Addr       string
	User       string
	Signer     xssh.Signer
	KnownHosts xssh.HostKeyCallback
	Timeout    time.Duration
	Retries    int
	Backoff    time.Duration
	Dialer     Dialer
}

func (c *Client) makeConfig() (*xssh.ClientConfig, error) {
	if c.Signer == nil {
		return nil, errors.New("ssh: signer required")
	}
	if c.KnownHosts == nil {
		return nil, errors.New("ssh: known hosts callback required")
	}
	return &xssh.ClientConfig{
		User:            c.User,
		Auth:            []xssh.AuthMethod{xssh.PublicKeys(c.Signer)},
		HostKeyCallback: c.KnownHosts,
		Timeout:         c.Timeout,
	}, nil
}

// Dial establishes an SSH connection, retrying with linear backoff.
// The caller is responsible for closing the returned client.
func (c *Client) Dial(ctx context.Context) (*xssh.Client, error) {
	cfg, err := c.makeConfig()
	if err != nil {
		return nil, err
	}
	dialer := c.Dialer
	if dialer == nil {
		dialer = &net.Dialer{Timeout: c.Timeout}
	}
	retries := c.Retries
	if retries < 0 {
		retries = 0
	}
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		cli, err := c.dialOnce(ctx, dialer, cfg)
		if err == nil {
			return cli, nil
		}
		lastErr = err
		log.Debug().Err(err).Str("addr", c.Addr).Int("attempt", attempt+1).Msg("ssh dial failed")
		if attempt < retries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff * time.Duration(attempt+1)):
			}
		}
	}
	return nil, fmt.Errorf("ssh dial %s: %w", c.Addr, lastErr)
}

func (c *Client) dialOnce(ctx context.Context, dialer Dialer, cfg *xssh.ClientConfig) (*xssh.Client, error) {
	conn, err := dialer.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	sc, chans, reqs, err := xssh.NewClientConn(conn, c.Addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return xssh.NewClient(sc, chans, reqs), nil
}
