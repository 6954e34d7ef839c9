// Package relay implements C8: the client-side relay pool that keeps up to
// three outgoing relay connections filled from the IPv4 DHT, and the
// server-side registry of connections that want to be relayed-through for a
// given network.
package relay

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/meshconnect/dht"
	"github.com/opd-ai/meshconnect/identity"
	"github.com/opd-ai/meshconnect/transport"
	"github.com/sirupsen/logrus"
)

// ClientCapacity is the maximum number of simultaneous relay-client
// connections this node maintains, per §4.8.
const ClientCapacity = 3

// fillInterval is how often the client pool checks whether it is under
// capacity and samples new candidates.
const fillInterval = 30 * time.Second

// Dialer is the subset of transport.Dialer the relay client pool needs;
// defined as an interface here so tests can substitute a fake.
type Dialer interface {
	Connect(dest transport.Endpoint) (net.Conn, error)
}

// ClientPool maintains up to ClientCapacity relay-client connections,
// sampled from the IPv4 DHT's routing table.
type ClientPool struct {
	mu      sync.Mutex
	conns   map[transport.Endpoint]net.Conn
	table   *dht.RoutingTable
	dialer  Dialer
	onEnterRelayMode func(net.Conn, transport.Endpoint)
}

// NewClientPool creates an empty pool backed by table (the IPv4 DHT's
// routing table) and dialer.
func NewClientPool(table *dht.RoutingTable, dialer Dialer) *ClientPool {
	return &ClientPool{
		conns:  make(map[transport.Endpoint]net.Conn),
		table:  table,
		dialer: dialer,
	}
}

// OnEnterRelayMode registers the callback invoked when a freshly dialed
// connection is accepted into the pool, signaling the peer side to treat
// it as a relayer.
func (p *ClientPool) OnEnterRelayMode(fn func(net.Conn, transport.Endpoint)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onEnterRelayMode = fn
}

// Run starts the 30s fill timer. It returns immediately; the timer keeps
// running until ctx is canceled.
func (p *ClientPool) Run(ctx context.Context) {
	ticker := time.NewTicker(fillInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.fillOnce()
			}
		}
	}()
}

func (p *ClientPool) fillOnce() {
	logger := logrus.WithFields(logrus.Fields{"component": "relay", "op": "client-fill"})

	if p.size() >= ClientCapacity {
		return
	}

	candidate := p.table.RandomNode()
	if candidate == nil {
		return
	}

	go func() {
		conn, err := p.dialer.Connect(candidate.Endpoint)
		if err != nil {
			logger.WithError(err).WithField("candidate", candidate.Endpoint.String()).Debug("relay dial failed")
			return
		}

		if !p.tryAdmit(candidate.Endpoint, conn) {
			conn.Close() // lost the capacity race, discard per §4.8
			return
		}

		p.mu.Lock()
		onEnter := p.onEnterRelayMode
		p.mu.Unlock()
		if onEnter != nil {
			onEnter(conn, candidate.Endpoint)
		}
	}()
}

// tryAdmit atomically inserts conn if the pool is still under capacity.
func (p *ClientPool) tryAdmit(ep transport.Endpoint, conn net.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.conns) >= ClientCapacity {
		return false
	}
	if _, exists := p.conns[ep]; exists {
		return false
	}
	p.conns[ep] = conn
	return true
}

func (p *ClientPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Remove drops ep from the pool, e.g. when its connection is disposed.
func (p *ClientPool) Remove(ep transport.Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.conns, ep)
}

// Size returns the current relay-client pool occupancy, for metrics.
func (p *ClientPool) Size() int {
	return p.size()
}

// ServerRegistry tracks, per NetworkId, the set of connections that have
// registered as wanting relay service from this node.
type ServerRegistry struct {
	mu       sync.Mutex
	byNetwork map[identity.NetworkId]map[net.Conn]struct{}
	onFirstRegistration func(identity.NetworkId)
}

// NewServerRegistry creates an empty server-side relay registry.
func NewServerRegistry() *ServerRegistry {
	return &ServerRegistry{byNetwork: make(map[identity.NetworkId]map[net.Conn]struct{})}
}

// OnFirstRegistration registers a callback fired the first time a network
// gains a relay registrant, used to trigger beginAnnounce per §4.8 step 2.
func (s *ServerRegistry) OnFirstRegistration(fn func(identity.NetworkId)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFirstRegistration = fn
}

// Register adds conn to networkID's relay set, deduping on connection
// identity.
func (s *ServerRegistry) Register(networkID identity.NetworkId, conn net.Conn) {
	s.mu.Lock()
	set, ok := s.byNetwork[networkID]
	if !ok {
		set = make(map[net.Conn]struct{})
		s.byNetwork[networkID] = set
	}
	_, already := set[conn]
	set[conn] = struct{}{}
	first := !already && len(set) == 1
	callback := s.onFirstRegistration
	s.mu.Unlock()

	if first && callback != nil {
		callback(networkID)
	}
}

// Dispose removes conn from every network's relay set, pruning any network
// left with zero registrants.
func (s *ServerRegistry) Dispose(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for networkID, set := range s.byNetwork {
		delete(set, conn)
		if len(set) == 0 {
			delete(s.byNetwork, networkID)
		}
	}
}

// NetworkCount returns the number of networks currently relayed, for
// metrics.
func (s *ServerRegistry) NetworkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byNetwork)
}
