package transport

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIPEndpointNormalizesIPv4MappedIPv6(t *testing.T) {
	mapped := net.ParseIP("::ffff:192.0.2.10")
	plain := net.ParseIP("192.0.2.10")

	a, err := NewIPEndpoint(mapped, 33445)
	require.NoError(t, err)
	b, err := NewIPEndpoint(plain, 33445)
	require.NoError(t, err)

	assert.Equal(t, a, b, "mapped and plain IPv4 representations must be identical Endpoints")
	assert.Equal(t, FamilyIPv4, a.Family())
}

func TestEndpointRoundTripsThroughString(t *testing.T) {
	ep, err := NewIPEndpoint(net.ParseIP("2001:db8::1"), 443)
	require.NoError(t, err)
	assert.Equal(t, FamilyIPv6, ep.Family())
	assert.Contains(t, ep.String(), "443")
}

func TestDomainEndpointIsNeverIPv4OrIPv6(t *testing.T) {
	ep := NewDomainEndpoint("abc123xyz.onion", 33445)
	assert.Equal(t, FamilyUnspecified, ep.Family())
	assert.Nil(t, ep.IP())
	assert.Equal(t, "abc123xyz.onion", ep.Domain())
	assert.False(t, ep.IsPrivate())
}

func TestIsPrivateDetectsRFC1918(t *testing.T) {
	priv, err := NewIPEndpoint(net.ParseIP("192.168.1.5"), 1)
	require.NoError(t, err)
	assert.True(t, priv.IsPrivate())

	pub, err := NewIPEndpoint(net.ParseIP("8.8.8.8"), 1)
	require.NoError(t, err)
	assert.False(t, pub.IsPrivate())
}

func TestWithPortReplacesOnlyThePort(t *testing.T) {
	ep, err := NewIPEndpoint(net.ParseIP("10.0.0.1"), 1)
	require.NoError(t, err)
	rewritten := ep.WithPort(9999)
	assert.Equal(t, uint16(9999), rewritten.Port())
	assert.Equal(t, ep.IP(), rewritten.IP())
}
