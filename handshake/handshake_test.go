package handshake

import (
	"net"
	"testing"

	"github.com/opd-ai/meshconnect/identity"
	"github.com/opd-ai/meshconnect/registry"
	"github.com/opd-ai/meshconnect/transport"
	"github.com/stretchr/testify/require"
)

func newPeerID(t *testing.T) identity.PeerId {
	t.Helper()
	id, err := identity.NewPeerId()
	require.NoError(t, err)
	return id
}

// TestHandshakeAcceptInitiateRoundTrip drives a real accept against a real
// initiate over a net.Pipe, checking that the initiator's record carries the
// acceptor's PeerId and that the accept side completes without error.
func TestHandshakeAcceptInitiateRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	clientPeer := newPeerID(t)
	serverPeer := newPeerID(t)

	remoteEndpointForServer, err := transport.NewIPEndpoint(net.ParseIP("198.51.100.7"), 40000)
	require.NoError(t, err)
	remoteEndpointForClient, err := transport.NewIPEndpoint(net.ParseIP("198.51.100.9"), 33446)
	require.NoError(t, err)

	clientHandler := &Handler{LocalPeer: clientPeer, LocalPort: 33445, Registry: registry.New(clientPeer)}
	serverHandler := &Handler{LocalPeer: serverPeer, LocalPort: 33446, Registry: registry.New(serverPeer)}

	errCh := make(chan error, 1)
	go func() {
		errCh <- serverHandler.Accept(serverConn, remoteEndpointForServer)
	}()

	rec, err := clientHandler.Initiate(clientConn, remoteEndpointForClient)
	require.NoError(t, err)
	require.Equal(t, serverPeer, rec.PeerId)

	require.NoError(t, <-errCh)
}

func TestHandshakeRejectsBadVersion(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	serverPeer := newPeerID(t)
	serverHandler := &Handler{LocalPeer: serverPeer, Registry: registry.New(serverPeer)}

	go clientConn.Write([]byte{9})

	ep, _ := transport.NewIPEndpoint(net.ParseIP("198.51.100.7"), 1)
	err := serverHandler.Accept(serverConn, ep)
	require.Error(t, err)
}
