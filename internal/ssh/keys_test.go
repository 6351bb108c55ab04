package ssh

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xssh "golang.org/x/crypto/ssh"
)

func TestGenerateEd25519Keypair(t *testing.T) {
	dir := t.TempDir()
	priv := filepath.Join(dir, "keys", "id_ed25519")
	pub, err := GenerateEd25519Keypair(priv)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(pub, "ssh-ed25519 "))

	info, err := os.Stat(priv)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	_, err = os.Stat(priv + ".pub")
	assert.NoError(t, err)
}

func TestLoadPrivateKeySignerRoundTrip(t *testing.T) {
	priv := filepath.Join(t.TempDir(), "id_ed25519")
	pub, err := GenerateEd25519Keypair(priv)
	require.NoError(t, err)

	signer, err := LoadPrivateKeySigner(priv)
	require.NoError(t, err)
	assert.Equal(t, "ssh-ed25519", signer.PublicKey().Type())
	assert.Equal(t, pub, string(xssh.MarshalAuthorizedKey(signer.PublicKey())))
}

func TestLoadPrivateKeySignerMissing(t *testing.T) {
	_, err := LoadPrivateKeySigner(filepath.Join(t.TempDir(), "none"))
	assert.Error(t, err)
}
