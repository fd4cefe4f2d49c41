package wire

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKeyPair(t *testing.T) (Ed25519Signer, PeerVerifier, NodeId) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	signer := NewEd25519Signer(priv)
	verifier := NewPeerVerifier(map[NodeId]ed25519.PublicKey{1: pub})
	return signer, verifier, 1
}

func TestWireMessageValidRoundTrip(t *testing.T) {
	signer, verifier, from := newTestKeyPair(t)
	payload := []byte("hello replica")

	m := NewWireMessage(from, 2, payload, 1, true, signer)
	assert.True(t, m.IsValid(verifier))
}

func TestWireMessageRejectsTamperedPayload(t *testing.T) {
	signer, verifier, from := newTestKeyPair(t)
	m := NewWireMessage(from, 2, []byte("hello replica"), 1, true, signer)

	m.Payload = []byte("hello replica!")
	m.Header.Length = uint64(len(m.Payload))
	assert.False(t, m.IsValid(verifier))
}

func TestWireMessageRejectsUnknownSender(t *testing.T) {
	signer, _, from := newTestKeyPair(t)
	m := NewWireMessage(from, 2, []byte("x"), 1, true, signer)

	emptyVerifier := NewPeerVerifier(map[NodeId]ed25519.PublicKey{})
	assert.False(t, m.IsValid(emptyVerifier))
}

func TestWireMessageNilVerifierOnlyChecksStructure(t *testing.T) {
	m := NewWireMessage(1, 2, []byte("x"), 1, false, nil)
	assert.True(t, m.IsValid(nil))

	m.Header.Length = 99
	assert.False(t, m.IsValid(nil))
}

func TestDigestEntropyVariesByNonce(t *testing.T) {
	d := HashPayload([]byte("same"))
	a := d.Entropy(1)
	b := d.Entropy(2)
	assert.NotEqual(t, a, b)
}
