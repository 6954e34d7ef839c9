// Package node implements C10: the facade that constructs and wires
// C1-C9 into a single running connectivity core, exposing the small public
// API the rest of a mesh messaging application uses.
package node

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/opd-ai/meshconnect/dht"
	"github.com/opd-ai/meshconnect/errs"
	"github.com/opd-ai/meshconnect/handshake"
	"github.com/opd-ai/meshconnect/identity"
	"github.com/opd-ai/meshconnect/localdht"
	"github.com/opd-ai/meshconnect/metrics"
	"github.com/opd-ai/meshconnect/overlay"
	"github.com/opd-ai/meshconnect/reachability"
	"github.com/opd-ai/meshconnect/registry"
	"github.com/opd-ai/meshconnect/relay"
	"github.com/opd-ai/meshconnect/transport"
	"github.com/sirupsen/logrus"
)

// metricsSampleInterval is how often Start's background loop polls gauges
// that have no natural event to update them on (relay pool/network counts,
// reachability state).
const metricsSampleInterval = 10 * time.Second

// buildVersion is overridable by a cmd/ entrypoint via -ldflags; left at its
// default here since this package has no build-info of its own.
var buildVersion = "dev"

// Options configures a Node at construction time.
type Options struct {
	ServicePort uint16
	Proxy       transport.ProxyConfig

	EnableLocalDiscovery bool
	EnableUPnP           bool
	EnableOverlay        bool
	OverlayOnly          bool

	BootstrapURL      string
	OverlayController overlay.ControllerLauncher

	// ListInterfaces lists live network interfaces for the local-network
	// watcher; overridable in tests.
	ListInterfaces func() ([]net.Interface, error)
}

// Status summarizes a Node's current externally-observable state.
type Status struct {
	PeerId           identity.PeerId
	ConnectionCount  int
	IPv4Reachability reachability.State
	IPv6Reachability reachability.State
	RelayClientCount int
	RelayNetworkCount int
}

// Node wires C1-C9 into one running instance.
type Node struct {
	opts Options

	peerID   identity.PeerId
	registry *registry.Registry
	dhtMgr   *dht.Manager
	handler  *handshake.Handler
	dialer   *transport.Dialer
	listener *transport.Listener

	ipv4Reach *reachability.IPv4Machine
	ipv6Reach *reachability.IPv6Machine

	relayClients *relay.ClientPool
	relayServer  *relay.ServerRegistry

	overlayAdapter *overlay.Adapter

	connectCoalescer *handshake.Coalescer
	virtualCoalescer *handshake.Coalescer

	locals map[string]*localdht.Manager

	metrics *metrics.Metrics

	cancel context.CancelFunc
}

// New constructs a Node, binds its listeners, and wires every component
// named in Options, but does not yet start background loops; call Start for
// that.
func New(opts Options) (*Node, error) {
	peerID, err := identity.NewPeerId()
	if err != nil {
		return nil, fmt.Errorf("node: generate peer id: %w", err)
	}

	m := metrics.New(buildVersion, runtime.Version())

	reg := registry.New(peerID)
	reg.SetMetrics(m)

	dhtMgr, err := dht.NewManager(dht.Options{
		ServicePort:    opts.ServicePort,
		OverlayEnabled: opts.EnableOverlay,
		BootstrapURL:   opts.BootstrapURL,
		HTTPClient:     http.DefaultClient,
	})
	if err != nil {
		return nil, fmt.Errorf("node: construct dht manager: %w", err)
	}
	dhtMgr.SetMetrics(m)

	dialer := transport.NewDialer(opts.Proxy)

	bindV4, err := transport.NewIPEndpoint(net.IPv4zero, opts.ServicePort)
	if err != nil {
		return nil, fmt.Errorf("node: build bind endpoint: %w", err)
	}
	listener, err := transport.Listen(bindV4)
	if err != nil {
		return nil, fmt.Errorf("node: listen: %w", err)
	}

	handler := &handshake.Handler{
		LocalPeer:   peerID,
		LocalPort:   opts.ServicePort,
		Registry:    reg,
		DHTDispatch: handshake.DispatchToDHT(dhtMgr),
		Metrics:     m,
	}

	proxyKind := reachability.ProxyNone
	switch opts.Proxy.Kind {
	case transport.ProxyHTTPConnect:
		proxyKind = reachability.ProxyHTTP
	case transport.ProxySocks5:
		proxyKind = reachability.ProxySocks5
	}

	ipv4Reach := reachability.NewIPv4Machine(opts.ServicePort, proxyKind, opts.EnableUPnP, reachability.IPv4Probes{})
	ipv6Reach := reachability.NewIPv6Machine(opts.ServicePort, proxyKind, reachability.IPv6Probes{})

	relayClients := relay.NewClientPool(dhtMgr.IPv4Table(), dialer)
	relayServer := relay.NewServerRegistry()

	var overlayAdapter *overlay.Adapter
	if opts.EnableOverlay && opts.OverlayController != nil {
		overlayAdapter = overlay.New(opts.OverlayController, opts.ServicePort)
		dialer.Proxy.OverlaySocksAddr = overlayAdapter.SOCKSEndpoint().String()
	}

	n := &Node{
		opts:             opts,
		peerID:           peerID,
		registry:         reg,
		dhtMgr:           dhtMgr,
		handler:          handler,
		dialer:           dialer,
		listener:         listener,
		ipv4Reach:        ipv4Reach,
		ipv6Reach:        ipv6Reach,
		relayClients:     relayClients,
		relayServer:      relayServer,
		overlayAdapter:   overlayAdapter,
		connectCoalescer: handshake.NewCoalescer(),
		virtualCoalescer: handshake.NewCoalescer(),
		locals:           make(map[string]*localdht.Manager),
		metrics:          m,
	}

	reg.OnDispose(func(rec *registry.Record) {
		n.relayClients.Remove(rec.RemoteEndpoint)
		if conn, ok := rec.Stream.(net.Conn); ok {
			n.relayServer.Dispose(conn)
		}
	})

	relayServer.OnFirstRegistration(func(networkID identity.NetworkId) {
		self, _ := transport.NewIPEndpoint(net.IPv4zero, opts.ServicePort)
		dhtMgr.BeginAnnounce(context.Background(), networkID, false, self, func(dht.FindResult) {})
	})

	return n, nil
}

// Start begins every background loop: the accept loop, the IPv4 and IPv6
// reachability timers, the DHT network watcher, the relay-client fill timer
// and the metrics sampler, then starts the overlay adapter if one is
// configured. Accepted streams go straight into the handshake with no HTTP
// decoy exchange. The onion address the overlay adapter publishes is only
// logged; it is not installed as the DHT manager's overlay endpoint.
func (n *Node) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	go n.listener.Serve(func(conn net.Conn) {
		remote, err := transport.MustParseHostPort(conn.RemoteAddr().String())
		if err != nil {
			conn.Close()
			return
		}
		if err := n.handler.Accept(conn, remote); err != nil {
			logrus.WithFields(logrus.Fields{"component": "node", "op": "accept"}).WithError(err).Debug("handshake accept failed")
		}
	})

	n.ipv4Reach.Run(ctx)
	n.ipv6Reach.Tick(ctx)
	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n.ipv6Reach.Tick(ctx)
			}
		}
	}()

	if n.opts.EnableLocalDiscovery {
		listIfaces := n.opts.ListInterfaces
		if listIfaces == nil {
			listIfaces = net.Interfaces
		}
		n.dhtMgr.StartWatcher(ctx, listIfaces, n.onInterfacesChanged)
	}

	n.relayClients.Run(ctx)

	go n.sampleMetricsLoop(ctx)

	if n.overlayAdapter != nil {
		if err := n.overlayAdapter.Start(ctx, n.opts.OverlayOnly, func(onion string) {
			logrus.WithField("onion", onion).Info("published hidden service address")
		}); err != nil {
			return fmt.Errorf("node: start overlay adapter: %w", err)
		}
	}

	return nil
}

// sampleMetricsLoop polls the gauges with no natural update event: relay
// pool/network occupancy and reachability state.
func (n *Node) sampleMetricsLoop(ctx context.Context) {
	ticker := time.NewTicker(metricsSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.metrics.RelayClientCount.Set(float64(n.relayClients.Size()))
			n.metrics.RelayNetworkCount.Set(float64(n.relayServer.NetworkCount()))

			ipv4State, _ := n.ipv4Reach.State()
			n.metrics.SetReachability("ipv4", reachability.AllStates(), ipv4State.String())
			n.metrics.SetReachability("ipv6", reachability.AllStates(), n.ipv6Reach.State().String())
		}
	}
}

// MetricsHandler returns the Prometheus-format HTTP handler for this node's
// metrics registry, for a caller to mount on its own mux.
func (n *Node) MetricsHandler() http.Handler {
	return n.metrics.Handler()
}

// onInterfacesChanged re-scans every currently live interface and starts a
// local-network manager for any not already managed, following the
// preserved not-already-managed-check semantics rather than a strict
// added/removed diff, then stops and unregisters every manager whose local
// IP no longer appears on a live interface.
func (n *Node) onInterfacesChanged(live []net.Interface) {
	liveKeys := make(map[string]bool)
	for _, iface := range live {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() {
				continue
			}
			key := ipNet.IP.String()
			liveKeys[key] = true
			if _, already := n.locals[key]; already {
				continue
			}

			bind, err := transport.NewIPEndpoint(ipNet.IP, 0)
			if err != nil {
				continue
			}
			lm, err := localdht.New(&iface, ipNet.IP, bind)
			if err != nil {
				continue
			}
			lm.SetMetrics(n.metrics)
			lm.OnTCPConnection(func(conn net.Conn) {
				remote, _ := transport.NewIPEndpoint(ipNet.IP, 0)
				n.handler.Accept(conn, remote)
			})

			if err := lm.Start(context.Background(), n.opts.ServicePort); err != nil {
				continue
			}

			n.locals[key] = lm
			n.dhtMgr.RegisterLocalManager(key, lm)
		}
	}

	for key, lm := range n.locals {
		if !liveKeys[key] {
			lm.Stop()
			delete(n.locals, key)
			n.dhtMgr.UnregisterLocalManager(key)
		}
	}
}

// MakeConnection establishes (or reuses) a persistent connection to remote,
// coalescing concurrent callers targeting the same endpoint per §4.6. The
// dialed stream goes straight into the handshake; no HTTP decoy is
// exchanged on it.
func (n *Node) MakeConnection(remote transport.Endpoint) (*registry.Record, error) {
	if rec := n.registry.Lookup(&remote, nil); rec != nil {
		return rec, nil
	}

	timeout := transport.TimeoutFor(remote.Kind())
	first, done, err := n.connectCoalescer.Begin(remote, timeout)
	if err != nil {
		return nil, err
	}
	if !first {
		if rec := n.registry.Lookup(&remote, nil); rec != nil {
			return rec, nil
		}
		return nil, errs.ErrConnectInProgress
	}
	defer done()

	conn, err := n.dialer.Connect(remote)
	if err != nil {
		return nil, err
	}

	return n.handler.Initiate(conn, remote)
}

// FindPeers looks up peers hosting networkID, invoking callback once per
// transport/local-manager that returns a non-empty result.
func (n *Node) FindPeers(ctx context.Context, networkID identity.NetworkId, localOnly bool, callback func(dht.FindResult)) {
	n.dhtMgr.BeginFindPeers(ctx, networkID, localOnly, callback)
}

// Announce publishes this node as hosting networkID.
func (n *Node) Announce(ctx context.Context, networkID identity.NetworkId, localOnly bool) {
	self, _ := transport.NewIPEndpoint(net.IPv4zero, n.opts.ServicePort)
	n.dhtMgr.BeginAnnounce(ctx, networkID, localOnly, self, func(dht.FindResult) {})
}

// GetStatus returns a snapshot of this node's current state.
func (n *Node) GetStatus() Status {
	ipv4State, _ := n.ipv4Reach.State()
	return Status{
		PeerId:            n.peerID,
		ConnectionCount:   n.registry.Size(),
		IPv4Reachability:  ipv4State,
		IPv6Reachability:  n.ipv6Reach.State(),
		RelayClientCount:  n.relayClients.Size(),
		RelayNetworkCount: n.relayServer.NetworkCount(),
	}
}

// Close tears down every background loop and closes every owned socket.
// The overlay controller, if any, is stopped last, per §5's resource
// lifetime ordering.
func (n *Node) Close() error {
	if n.cancel != nil {
		n.cancel()
	}
	n.listener.Close()
	for _, lm := range n.locals {
		lm.Stop()
	}

	var overlayErr error
	if n.overlayAdapter != nil {
		overlayErr = n.overlayAdapter.Stop()
	}
	return overlayErr
}

// connectTimeout is an unexported 30s connect bound; nothing in this
// package reads it.
const connectTimeout = 30 * time.Second
