package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPeerIdUnique(t *testing.T) {
	a, err := NewPeerId()
	require.NoError(t, err)
	b, err := NewPeerId()
	require.NoError(t, err)

	assert.False(t, a.IsZero())
	assert.False(t, a.Equal(b))
}

func TestPeerIdRoundTrip(t *testing.T) {
	a, err := NewPeerId()
	require.NoError(t, err)

	parsed, err := PeerIdFromString(a.String())
	require.NoError(t, err)
	assert.True(t, a.Equal(parsed))
}

func TestPeerIdFromStringRejectsBadLength(t *testing.T) {
	_, err := PeerIdFromString("abcd")
	assert.Error(t, err)
}

func TestNetworkIdFromBytesPreservesShortForms(t *testing.T) {
	raw20 := make([]byte, 20)
	for i := range raw20 {
		raw20[i] = byte(i + 1)
	}
	id := NetworkIdFromBytes(raw20)
	for i := 0; i < 20; i++ {
		assert.Equal(t, raw20[i], id[i])
	}
	for i := 20; i < NetworkIdSize; i++ {
		assert.Equal(t, byte(0), id[i])
	}

	raw32 := make([]byte, 32)
	for i := range raw32 {
		raw32[i] = byte(i)
	}
	id32 := NetworkIdFromBytes(raw32)
	var want NetworkId
	copy(want[:], raw32)
	assert.Equal(t, want, id32)
}

func TestDeriveNodeIdDeterministic(t *testing.T) {
	a := DeriveNodeId([]byte("192.0.2.1:33445"))
	b := DeriveNodeId([]byte("192.0.2.1:33445"))
	c := DeriveNodeId([]byte("192.0.2.2:33445"))
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}
