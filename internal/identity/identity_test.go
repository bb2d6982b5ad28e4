package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyPair_SignVerify(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)
	require.NotZero(t, kp.ID())

	ring := NewKeyring()
	id, err := ring.Learn(kp.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, kp.ID(), id)

	sig := kp.Sign([]byte("payload"))
	assert.True(t, ring.Verify(sig, []byte("payload"), kp.ID()))
	assert.False(t, ring.Verify(sig, []byte("tampered"), kp.ID()))
	assert.True(t, VerifyWithKey(kp.PublicKey(), sig, []byte("payload"), kp.ID()))
}

func TestKeyring_UnknownNodeFailsVerification(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)

	ring := NewKeyring()
	assert.False(t, ring.Verify(kp.Sign([]byte("x")), []byte("x"), kp.ID()))
	assert.False(t, ring.Known(kp.ID()))
}

func TestVerifyWithKey_RejectsKeyForOtherNode(t *testing.T) {
	a, err := Generate()
	require.NoError(t, err)
	b, err := Generate()
	require.NoError(t, err)

	sig := a.Sign([]byte("x"))
	assert.False(t, VerifyWithKey(a.PublicKey(), sig, []byte("x"), b.ID()))
}

func TestLoadOrCreate_PersistsSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "node.key")

	first, err := LoadOrCreate(path)
	require.NoError(t, err)

	_, err = os.Stat(path)
	require.NoError(t, err)

	second, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.Equal(t, first.ID(), second.ID())
	assert.Equal(t, first.PublicKey(), second.PublicKey())
}

func TestFromSeed_RejectsShortSeed(t *testing.T) {
	_, err := FromSeed([]byte("short"))
	require.Error(t, err)
}
