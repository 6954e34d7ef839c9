package dht

import (
	"net"
	"testing"

	"github.com/opd-ai/meshconnect/identity"
	"github.com/opd-ai/meshconnect/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newID(t *testing.T) identity.PeerId {
	t.Helper()
	id, err := identity.NewPeerId()
	require.NoError(t, err)
	return id
}

func newEp(t *testing.T) transport.Endpoint {
	t.Helper()
	ep, err := transport.NewIPEndpoint(net.ParseIP("203.0.113.1"), 33445)
	require.NoError(t, err)
	return ep
}

func TestRoutingTableRejectsSelf(t *testing.T) {
	self := newID(t)
	rt := NewRoutingTable(self, 8)
	assert.False(t, rt.AddNode(NewNode(self, newEp(t))))
}

func TestRoutingTableFindClosestOrdersByDistance(t *testing.T) {
	self := newID(t)
	rt := NewRoutingTable(self, 8)

	for i := 0; i < 20; i++ {
		rt.AddNode(NewNode(newID(t), newEp(t)))
	}

	target := newID(t)
	closest := rt.FindClosestNodes(target, 5)
	require.Len(t, closest, 5)

	for i := 1; i < len(closest); i++ {
		a := closest[i-1].Distance(&Node{ID: target})
		b := closest[i].Distance(&Node{ID: target})
		assert.False(t, lessDistance(b, a), "results must be non-decreasing in distance")
	}
}

func TestKBucketEvictsBadNodeWhenFull(t *testing.T) {
	kb := NewKBucket(2)
	bad := NewNode(newID(t), newEp(t))
	bad.Status = StatusBad
	good := NewNode(newID(t), newEp(t))

	require.True(t, kb.AddNode(bad))
	require.True(t, kb.AddNode(good))

	fresh := NewNode(newID(t), newEp(t))
	assert.True(t, kb.AddNode(fresh), "a bad node should be evicted to make room")
	assert.Len(t, kb.GetNodes(), 2)
}

func TestRoutingTableCountTracksBackoffThreshold(t *testing.T) {
	self := newID(t)
	rt := NewRoutingTable(self, 8)
	assert.Equal(t, 0, rt.Count())
	rt.AddNode(NewNode(newID(t), newEp(t)))
	assert.Equal(t, 1, rt.Count())
}
