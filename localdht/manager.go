// Package localdht implements the local-network DHT manager (C3): one
// instance per live non-loopback interface, pairing a beacon socket with a
// small DHT node scoped to that segment.
package localdht

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/meshconnect/beacon"
	"github.com/opd-ai/meshconnect/dht"
	"github.com/opd-ai/meshconnect/identity"
	"github.com/opd-ai/meshconnect/metrics"
	"github.com/opd-ai/meshconnect/transport"
	"github.com/sirupsen/logrus"
)

const (
	announceBurstCount    = 3
	announceBurstSpacing  = 2 * time.Second
	announceRearmInterval = 60 * time.Second
	// announceRearmMinPeers backs off re-announcing once this segment's DHT
	// handle holds at least this many nodes.
	announceRearmMinPeers = 2
)

// Manager owns one interface's beacon socket, TCP listener, and scoped DHT
// handle. Its TCP accept loop hands raw sockets straight to the handshake
// layer with no HTTP decoy framing, since local-segment traffic never needs
// to disguise itself as web traffic.
type Manager struct {
	iface      *net.Interface
	localIP    net.IP
	v4sock     *beacon.Socket
	v6sock     *beacon.Socket
	listener   *transport.Listener
	handle     *dht.Handle
	acceptFunc func(net.Conn)

	mu      sync.Mutex
	cancel  context.CancelFunc
	metrics *metrics.Metrics
}

// SetMetrics wires m into this manager's beacon sockets. Call before Start.
func (m *Manager) SetMetrics(mm *metrics.Metrics) {
	m.metrics = mm
}

// New creates a local-network DHT manager for iface, listening for TCP
// peer connections on tcpBind. The TCP listener and DHT handle are
// constructed here; the UDP beacon socket is opened by Start, which also
// begins the receive/announce loops.
func New(iface *net.Interface, localIP net.IP, tcpBind transport.Endpoint) (*Manager, error) {
	listener, err := transport.Listen(tcpBind)
	if err != nil {
		return nil, err
	}

	handle := dht.NewHandle(transport.KindLocalNetwork, tcpBind)

	m := &Manager{
		iface:   iface,
		localIP: localIP,
		listener: listener,
		handle:   handle,
	}
	return m, nil
}

// InterfaceLocalIP satisfies dht.LocalManager.
func (m *Manager) InterfaceLocalIP() net.IP { return m.localIP }

// Find satisfies dht.LocalManager: it looks up peers hosting networkID in
// this segment's own DHT handle.
func (m *Manager) Find(networkID identity.NetworkId, count int) []transport.Endpoint {
	nodes := m.handle.FindClosest(identity.PeerId(networkID), count)
	peers := make([]transport.Endpoint, len(nodes))
	for i, n := range nodes {
		peers[i] = n.Endpoint
	}
	return peers
}

// Announce satisfies dht.LocalManager: it records self in this segment's
// DHT handle. The actual beacon burst that advertises self to the rest of
// the segment is driven independently by the announce timer in Start.
func (m *Manager) Announce(networkID identity.NetworkId, self transport.Endpoint) {
	id := identity.DeriveNodeId([]byte(self.String()))
	m.handle.Insert(id, self)
}

// OnTCPConnection registers the handler invoked for each accepted local TCP
// connection. These connections carry no HTTP decoy framing, per §4.3.
func (m *Manager) OnTCPConnection(fn func(net.Conn)) {
	m.acceptFunc = fn
}

// Start begins the UDP beacon send/receive loops, the TCP accept loop, and
// the announce timer. It returns immediately; all loops run in background
// goroutines until ctx is canceled or Stop is called.
func (m *Manager) Start(ctx context.Context, dhtPort uint16) error {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	logger := logrus.WithFields(logrus.Fields{
		"component": "localdht",
		"iface":     m.iface.Name,
		"local_ip":  m.localIP.String(),
	})

	if v4 := m.localIP.To4(); v4 != nil {
		sock, err := beacon.OpenIPv4(m.iface)
		if err != nil {
			cancel()
			return err
		}
		sock.Metrics = m.metrics
		m.v4sock = sock
		go m.receiveLoop(ctx, sock)
	} else {
		sock, err := beacon.OpenIPv6(m.iface)
		if err != nil {
			cancel()
			return err
		}
		sock.Metrics = m.metrics
		m.v6sock = sock
		go m.receiveLoop(ctx, sock)
	}

	go m.acceptLoop(ctx)
	go m.announceLoop(ctx, dhtPort)

	logger.Info("local-network dht manager started")
	return nil
}

// Stop tears down every loop owned by this manager and closes its sockets.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if m.v4sock != nil {
		m.v4sock.Close()
	}
	if m.v6sock != nil {
		m.v6sock.Close()
	}
	m.listener.Close()
}

func (m *Manager) activeSocket() *beacon.Socket {
	if m.v4sock != nil {
		return m.v4sock
	}
	return m.v6sock
}

func (m *Manager) receiveLoop(ctx context.Context, sock *beacon.Socket) {
	logger := logrus.WithFields(logrus.Fields{"component": "localdht", "op": "receive", "iface": m.iface.Name})
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		pkt, addr, err := sock.Receive()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				logger.WithError(err).Debug("beacon receive failed")
				continue
			}
		}

		ep, err := transport.NewIPEndpoint(addr.IP, pkt.DHTPort)
		if err != nil {
			continue
		}
		if ep.String() == m.handle.BindEndpoint.String() {
			continue // never insert ourselves
		}

		id := identity.DeriveNodeId([]byte(ep.String()))
		m.handle.Insert(id, ep)
		logger.WithField("peer", ep.String()).Debug("discovered peer via beacon")
	}
}

func (m *Manager) acceptLoop(ctx context.Context) {
	m.listener.Serve(func(conn net.Conn) {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		default:
		}
		if m.acceptFunc != nil {
			m.acceptFunc(conn)
		} else {
			conn.Close()
		}
	})
}

// announceLoop sends an initial burst of announceBurstCount beacons spaced
// announceBurstSpacing apart, then re-arms every announceRearmInterval only
// if this segment's DHT still knows fewer than announceRearmMinPeers other
// nodes, per §4.3.
func (m *Manager) announceLoop(ctx context.Context, dhtPort uint16) {
	sock := m.activeSocket()
	if sock == nil {
		return
	}

	burst := func() {
		for i := 0; i < announceBurstCount; i++ {
			sock.Send(dhtPort)
			select {
			case <-ctx.Done():
				return
			case <-time.After(announceBurstSpacing):
			}
		}
	}

	burst()

	ticker := time.NewTicker(announceRearmInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.handle.Table.Count() < announceRearmMinPeers {
				burst()
			}
		}
	}
}
