package localdht

import (
	"net"
	"testing"

	"github.com/opd-ai/meshconnect/dht"
	"github.com/opd-ai/meshconnect/identity"
	"github.com/opd-ai/meshconnect/transport"
	"github.com/stretchr/testify/require"
)

func TestFindAndAnnounceRoundTrip(t *testing.T) {
	bind, err := transport.NewIPEndpoint(net.ParseIP("127.0.0.1"), 0)
	require.NoError(t, err)

	m := &Manager{
		localIP: net.ParseIP("127.0.0.1"),
		handle:  dht.NewHandle(transport.KindLocalNetwork, bind),
	}

	networkID := identity.NetworkIdFromBytes([]byte("test-network"))
	peer, err := transport.NewIPEndpoint(net.ParseIP("203.0.113.5"), 33445)
	require.NoError(t, err)

	m.Announce(networkID, peer)

	found := m.Find(networkID, 5)
	require.Len(t, found, 1)
	require.Equal(t, peer.String(), found[0].String())
}
