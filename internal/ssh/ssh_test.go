package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xssh "golang.org/x/crypto/ssh"
)

type failingDialer struct{ attempts int }

func (d *failingDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d.attempts++
	return nil, errors.New("connection refused")
}

func testSigner(t *testing.T) xssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	s, err := xssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return s
}

func TestDialRetries(t *testing.T) {
	d := &failingDialer{}
	c := &Client{
		Addr:       "example.com:22",
		User:       "prover",
		Signer:     testSigner(t),
		KnownHosts: xssh.InsecureIgnoreHostKey(),
		Retries:    2,
		Backoff:    time.Millisecond,
		Dialer:     d,
	}
	_, err := c.Dial(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 3, d.attempts)
}

func TestDialStopsOnCancel(t *testing.T) {
	d := &failingDialer{}
	c := &Client{
		Addr:       "example.com:22",
		Signer:     testSigner(t),
		KnownHosts: xssh.InsecureIgnoreHostKey(),
		Retries:    5,
		Backoff:    time.Hour,
		Dialer:     d,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Dial(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, d.attempts)
}
