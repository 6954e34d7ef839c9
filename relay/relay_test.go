package relay

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opd-ai/meshconnect/dht"
	"github.com/opd-ai/meshconnect/identity"
	"github.com/opd-ai/meshconnect/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDialer struct {
	calls int32
}

func (d *fakeDialer) Connect(dest transport.Endpoint) (net.Conn, error) {
	atomic.AddInt32(&d.calls, 1)
	client, server := net.Pipe()
	go server.Close() // nobody reads; avoid leaking a goroutine
	return client, nil
}

func newTestID(t *testing.T) identity.PeerId {
	t.Helper()
	id, err := identity.NewPeerId()
	require.NoError(t, err)
	return id
}

func TestClientPoolAdmitsUpToCapacity(t *testing.T) {
	self := newTestID(t)
	table := dht.NewRoutingTable(self, 8)
	for i := 0; i < 5; i++ {
		ep, err := transport.NewIPEndpoint(net.ParseIP("203.0.113.1"), uint16(30000+i))
		require.NoError(t, err)
		table.AddNode(dht.NewNode(newTestID(t), ep))
	}

	pool := NewClientPool(table, &fakeDialer{})
	for i := 0; i < ClientCapacity+2; i++ {
		pool.fillOnce()
	}

	require.Eventually(t, func() bool { return pool.Size() == ClientCapacity }, time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, pool.Size(), ClientCapacity)
}

func TestServerRegistryDedupesAndPrunes(t *testing.T) {
	reg := NewServerRegistry()
	networkID := identity.NetworkIdFromBytes([]byte("net-a"))

	var firstCount int32
	reg.OnFirstRegistration(func(identity.NetworkId) { atomic.AddInt32(&firstCount, 1) })

	client, _ := net.Pipe()
	defer client.Close()

	reg.Register(networkID, client)
	reg.Register(networkID, client) // duplicate registration, same conn

	assert.Equal(t, int32(1), atomic.LoadInt32(&firstCount))
	assert.Equal(t, 1, reg.NetworkCount())

	reg.Dispose(client)
	assert.Equal(t, 0, reg.NetworkCount())
}
