package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderMarshalRoundTrip(t *testing.T) {
	h := Header{
		Version: CurrentVersion,
		From:    NodeId(1),
		To:      NodeId(2),
		Nonce:   42,
		Length:  7,
		Digest:  HashPayload([]byte("payload")),
	}
	h.Signature[0] = 0xAB

	buf := h.Marshal()
	require.Len(t, buf, HeaderLength)

	got, ok := UnmarshalHeader(buf)
	require.True(t, ok)
	assert.Equal(t, h, got)
}

func TestUnmarshalHeaderRejectsWrongLength(t *testing.T) {
	_, ok := UnmarshalHeader(make([]byte, HeaderLength-1))
	assert.False(t, ok)
}

func TestHashPayloadIsDeterministic(t *testing.T) {
	a := HashPayload([]byte("same"))
	b := HashPayload([]byte("same"))
	c := HashPayload([]byte("different"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
