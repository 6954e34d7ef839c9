package registry

import (
	"errors"
	"net"
	"testing"

	"github.com/opd-ai/meshconnect/errs"
	"github.com/opd-ai/meshconnect/identity"
	"github.com/opd-ai/meshconnect/metrics"
	"github.com/opd-ai/meshconnect/transport"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopCloser struct{ closed bool }

func (n *nopCloser) Close() error { n.closed = true; return nil }

func mustEndpoint(t *testing.T, ip string, port uint16) transport.Endpoint {
	t.Helper()
	ep, err := transport.NewIPEndpoint(net.ParseIP(ip), port)
	require.NoError(t, err)
	return ep
}

func newPeer(t *testing.T) identity.PeerId {
	t.Helper()
	p, err := identity.NewPeerId()
	require.NoError(t, err)
	return p
}

func TestInsertRejectsSelfConnection(t *testing.T) {
	self := newPeer(t)
	reg := New(self)

	rec := &Record{PeerId: self, RemoteEndpoint: mustEndpoint(t, "203.0.113.1", 1), Stream: &nopCloser{}}
	_, err := reg.Insert(rec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrSelfConnection))
	assert.Equal(t, 0, reg.Size())
}

func TestInsertRejectsDuplicateRealAtSameEndpoint(t *testing.T) {
	reg := New(newPeer(t))
	ep := mustEndpoint(t, "203.0.113.5", 1)

	peerA := newPeer(t)
	first := &Record{PeerId: peerA, RemoteEndpoint: ep, Stream: &nopCloser{}}
	inserted, err := reg.Insert(first)
	require.NoError(t, err)
	assert.Same(t, first, inserted)

	peerB := newPeer(t)
	second := &Record{PeerId: peerB, RemoteEndpoint: ep, Stream: &nopCloser{}}
	_, err = reg.Insert(second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrDuplicateReal))
}

func TestRealConnectionDisplacesVirtual(t *testing.T) {
	reg := New(newPeer(t))
	peer := newPeer(t)

	virtualStream := &nopCloser{}
	virtual := &Record{PeerId: peer, RemoteEndpoint: mustEndpoint(t, "203.0.113.9", 1), IsVirtual: true, Stream: virtualStream}
	_, err := reg.Insert(virtual)
	require.NoError(t, err)

	real := &Record{PeerId: peer, RemoteEndpoint: mustEndpoint(t, "198.51.100.2", 2), IsVirtual: false, Stream: &nopCloser{}}
	inserted, err := reg.Insert(real)
	require.NoError(t, err)
	assert.Same(t, real, inserted)

	current := reg.Lookup(nil, &peer)
	assert.Same(t, real, current)
}

func TestInsertRejectsDuplicateVirtualWhenRealExists(t *testing.T) {
	reg := New(newPeer(t))
	peer := newPeer(t)

	real := &Record{PeerId: peer, RemoteEndpoint: mustEndpoint(t, "203.0.113.9", 1), Stream: &nopCloser{}}
	_, err := reg.Insert(real)
	require.NoError(t, err)

	virtual := &Record{PeerId: peer, RemoteEndpoint: mustEndpoint(t, "198.51.100.2", 2), IsVirtual: true, Stream: &nopCloser{}}
	_, err = reg.Insert(virtual)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrDuplicateVirtual))
}

func TestAllowNewConnectionPrefersPublicOverPrivate(t *testing.T) {
	reg := New(newPeer(t))
	peer := newPeer(t)

	private := &Record{PeerId: peer, RemoteEndpoint: mustEndpoint(t, "192.168.1.2", 1), Stream: &nopCloser{}}
	_, err := reg.Insert(private)
	require.NoError(t, err)

	public := &Record{PeerId: peer, RemoteEndpoint: mustEndpoint(t, "203.0.113.77", 2), Stream: &nopCloser{}}
	inserted, err := reg.Insert(public)
	require.NoError(t, err)
	assert.Same(t, public, inserted)
}

func TestAllowNewConnectionRejectsWhenExistingAlreadyPublic(t *testing.T) {
	reg := New(newPeer(t))
	peer := newPeer(t)

	public := &Record{PeerId: peer, RemoteEndpoint: mustEndpoint(t, "203.0.113.77", 2), Stream: &nopCloser{}}
	_, err := reg.Insert(public)
	require.NoError(t, err)

	other := &Record{PeerId: peer, RemoteEndpoint: mustEndpoint(t, "198.51.100.9", 3), Stream: &nopCloser{}}
	_, err = reg.Insert(other)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrDuplicateReal))
}

func TestDisposeRemovesFromBothMapsAndClosesStream(t *testing.T) {
	reg := New(newPeer(t))
	peer := newPeer(t)
	stream := &nopCloser{}
	rec := &Record{PeerId: peer, RemoteEndpoint: mustEndpoint(t, "203.0.113.1", 1), Stream: stream}

	_, err := reg.Insert(rec)
	require.NoError(t, err)

	var disposedCalls int
	reg.OnDispose(func(r *Record) { disposedCalls++ })

	reg.Dispose(rec)
	assert.Nil(t, reg.Lookup(nil, &peer))
	assert.True(t, stream.closed)
	assert.Equal(t, 1, disposedCalls)
	assert.Equal(t, 0, reg.Size())
}

func TestDisposeIsNoOpForSupersededRecord(t *testing.T) {
	reg := New(newPeer(t))
	peer := newPeer(t)

	first := &Record{PeerId: peer, RemoteEndpoint: mustEndpoint(t, "203.0.113.1", 1), IsVirtual: true, Stream: &nopCloser{}}
	_, err := reg.Insert(first)
	require.NoError(t, err)

	second := &Record{PeerId: peer, RemoteEndpoint: mustEndpoint(t, "198.51.100.1", 1), Stream: &nopCloser{}}
	_, err = reg.Insert(second)
	require.NoError(t, err)

	// first was already displaced by Insert; disposing it again must not
	// disturb the now-current second record.
	reg.Dispose(first)
	assert.Same(t, second, reg.Lookup(nil, &peer))
}

func TestMetricsTrackConnectionCountAndDuplicates(t *testing.T) {
	reg := New(newPeer(t))
	m := metrics.New("test", "go1.99")
	reg.SetMetrics(m)

	peer := newPeer(t)
	ep := mustEndpoint(t, "203.0.113.1", 1)
	rec := &Record{PeerId: peer, RemoteEndpoint: ep, Stream: &nopCloser{}}
	_, err := reg.Insert(rec)
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ConnectionCount))

	dup := &Record{PeerId: newPeer(t), RemoteEndpoint: ep, Stream: &nopCloser{}}
	_, err = reg.Insert(dup)
	require.Error(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DuplicateConnTotal.WithLabelValues("real_rejected")))

	reg.Dispose(rec)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ConnectionCount))
}
