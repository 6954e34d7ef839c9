package dht

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/opd-ai/meshconnect/errs"
	"github.com/opd-ai/meshconnect/identity"
	"github.com/opd-ai/meshconnect/metrics"
	"github.com/opd-ai/meshconnect/transport"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// watcherInterval matches §4.4's 15s network watcher cadence.
const watcherInterval = 15 * time.Second

// FindResult is delivered once per transport/local-manager that returned a
// non-empty result from BeginFindPeers — there is no global aggregation,
// per §4.4.
type FindResult struct {
	Kind  transport.Kind
	Peers []transport.Endpoint
}

// LocalManager is the subset of a LocalNetworkDhtManager's behavior the DHT
// manager needs: its own DHT node to query and a stable identity for
// interface-liveness comparisons. Defined here, implemented by the
// localdht package, to avoid an import cycle between dht and localdht.
type LocalManager interface {
	InterfaceLocalIP() net.IP
	Find(networkID identity.NetworkId, count int) []transport.Endpoint
	Announce(networkID identity.NetworkId, self transport.Endpoint)
}

// Manager is C4: it owns the IPv4, IPv6, and (optionally) anonymity-overlay
// DhtNodeHandles, bootstraps them, and fans queries out across every
// enabled transport plus every live local-network manager.
type Manager struct {
	mu       sync.RWMutex
	ipv4     *Handle
	ipv6     *Handle
	overlay  *Handle // nil unless the anonymity overlay is enabled
	locals   map[string]LocalManager // keyed by interface local IP
	httpClient *http.Client
	metrics    *metrics.Metrics
}

// SetMetrics wires m into the manager's find/announce counters.
func (m *Manager) SetMetrics(mm *metrics.Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = mm
}

func (m *Manager) recordFind(kind transport.Kind, op string) {
	m.mu.RLock()
	mm := m.metrics
	m.mu.RUnlock()
	if mm != nil {
		mm.DHTFindTotal.WithLabelValues(kind.String(), op).Inc()
	}
}

// Options configures Manager construction.
type Options struct {
	ServicePort      uint16
	OverlayBind      transport.Endpoint // set only when overlay is enabled
	OverlayEnabled   bool
	BootstrapURL     string
	HTTPClient       *http.Client // pre-configured with any proxy dial hook
}

// NewManager constructs the IPv4 and IPv6 handles bound to 0.0.0.0:P /
// [::]:P, optionally the overlay handle, and kicks off the asynchronous
// bootstrap fetch. It does not start the network watcher; call StartWatcher
// for that once local discovery is enabled.
func NewManager(opts Options) (*Manager, error) {
	v4Bind, err := transport.NewIPEndpoint(net.IPv4zero, opts.ServicePort)
	if err != nil {
		return nil, fmt.Errorf("dht: build ipv4 bind endpoint: %w", err)
	}
	v6Bind, err := transport.NewIPEndpoint(net.IPv6zero, opts.ServicePort)
	if err != nil {
		return nil, fmt.Errorf("dht: build ipv6 bind endpoint: %w", err)
	}

	m := &Manager{
		ipv4:       NewHandle(transport.KindIPv4Internet, v4Bind),
		ipv6:       NewHandle(transport.KindIPv6Internet, v6Bind),
		locals:     make(map[string]LocalManager),
		httpClient: opts.HTTPClient,
	}
	if m.httpClient == nil {
		m.httpClient = http.DefaultClient
	}

	if opts.OverlayEnabled {
		m.overlay = NewHandle(transport.KindAnonymityOverlay, opts.OverlayBind)
	}

	if opts.BootstrapURL != "" {
		BootstrapAsync(m.httpClient, opts.BootstrapURL, m.dispatchBootstrapEndpoint)
	}

	return m, nil
}

func (m *Manager) dispatchBootstrapEndpoint(ep transport.Endpoint) {
	handle := m.handleFor(ep.Kind())
	if handle == nil {
		return
	}
	id := identity.DeriveNodeId([]byte(ep.String()))
	handle.Insert(id, ep)
}

// handleFor returns the handle owning kind, or nil if that transport is
// disabled (e.g. overlay when not enabled).
func (m *Manager) handleFor(kind transport.Kind) *Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()

	switch kind {
	case transport.KindIPv4Internet:
		return m.ipv4
	case transport.KindIPv6Internet:
		return m.ipv6
	case transport.KindAnonymityOverlay:
		return m.overlay
	default:
		return nil
	}
}

// AcceptInternetDhtConnection dispatches an accepted DHT-channel stream
// (handshake version 0) to the handle matching remoteEndpoint's family.
func (m *Manager) AcceptInternetDhtConnection(conn net.Conn, remoteEndpoint transport.Endpoint) error {
	var kind transport.Kind
	switch remoteEndpoint.Family() {
	case transport.FamilyIPv4:
		kind = transport.KindIPv4Internet
	case transport.FamilyIPv6:
		kind = transport.KindIPv6Internet
	default:
		kind = transport.KindAnonymityOverlay
	}

	handle := m.handleFor(kind)
	if handle == nil {
		conn.Close()
		return fmt.Errorf("dht: accept dht connection: %w: %s", errs.ErrUnsupportedFamily, remoteEndpoint.Family())
	}
	handle.DeliverDHTConnection(conn, remoteEndpoint)
	return nil
}

// IPv4Table exposes the IPv4 handle's routing table, used by the relay
// coordinator to sample relay-client candidates (§4.8).
func (m *Manager) IPv4Table() *RoutingTable {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ipv4.Table
}

// RegisterLocalManager adds a local-network DHT manager to the fan-out set,
// keyed by its interface's local IP.
func (m *Manager) RegisterLocalManager(key string, lm LocalManager) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locals[key] = lm
}

// UnregisterLocalManager drops a local-network DHT manager from the fan-out
// set.
func (m *Manager) UnregisterLocalManager(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locals, key)
}

func (m *Manager) localManagers() []LocalManager {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]LocalManager, 0, len(m.locals))
	for _, lm := range m.locals {
		out = append(out, lm)
	}
	return out
}

// findTarget turns a NetworkId into the PeerId-shaped key the routing
// table's distance metric expects.
func findTarget(networkID identity.NetworkId) identity.PeerId {
	return identity.PeerId(networkID)
}

// BeginFindPeers dispatches one independent concurrent query per enabled
// transport plus one per live local-network manager, invoking callback once
// per transport that returns a non-empty result — there is no global
// aggregation (§4.4). localOnly suppresses the internet and overlay queries.
//
// Queries run under an errgroup so a single slow/failing transport never
// blocks the others; find queries never themselves fail (an empty result is
// simply not reported), so the errgroup's error return is always nil here.
func (m *Manager) BeginFindPeers(ctx context.Context, networkID identity.NetworkId, localOnly bool, callback func(FindResult)) {
	logger := logrus.WithFields(logrus.Fields{"component": "dht", "op": "find-peers", "network": networkID.String(), "local_only": localOnly})

	g, _ := errgroup.WithContext(ctx)
	target := findTarget(networkID)

	if !localOnly {
		if h := m.handleFor(transport.KindIPv4Internet); h != nil {
			g.Go(func() error { m.findOnHandle(h, target, callback); return nil })
		}
		if h := m.handleFor(transport.KindIPv6Internet); h != nil {
			g.Go(func() error { m.findOnHandle(h, target, callback); return nil })
		}
		if h := m.handleFor(transport.KindAnonymityOverlay); h != nil {
			g.Go(func() error { m.findOnHandle(h, target, callback); return nil })
		}
	}

	for _, lm := range m.localManagers() {
		lm := lm
		g.Go(func() error {
			peers := lm.Find(networkID, maxBucketSize)
			if len(peers) > 0 {
				callback(FindResult{Kind: transport.KindLocalNetwork, Peers: peers})
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.WithError(err).Warn("find-peers fan-out returned an error (should not happen)")
	}
}

func (m *Manager) findOnHandle(h *Handle, target identity.PeerId, callback func(FindResult)) {
	nodes := h.FindClosest(target, maxBucketSize)
	if len(nodes) == 0 {
		return
	}
	peers := make([]transport.Endpoint, len(nodes))
	for i, n := range nodes {
		peers[i] = n.Endpoint
	}
	m.recordFind(h.Kind, "find")
	callback(FindResult{Kind: h.Kind, Peers: peers})
}

// BeginAnnounce publishes selfServiceEndpoint into each enabled transport's
// DHT and every live local-network manager.
//
// Known-preserved quirk (§9 open question): the anonymity-overlay branch
// performs a find rather than an announce. This implementation keeps that
// behavior rather than "fixing" it, since the spec explicitly preserves it
// as either intentional (no announce over the overlay, to avoid revealing
// the hidden-service address to passive routing-table scrapers) or a
// long-standing bug; either way, changing it silently would be a breaking
// behavior change this core does not make unilaterally.
func (m *Manager) BeginAnnounce(ctx context.Context, networkID identity.NetworkId, localOnly bool, selfServiceEndpoint transport.Endpoint, callback func(FindResult)) {
	target := findTarget(networkID)
	selfID := identity.DeriveNodeId([]byte(selfServiceEndpoint.String()))

	g, _ := errgroup.WithContext(ctx)

	if !localOnly {
		if h := m.handleFor(transport.KindIPv4Internet); h != nil {
			g.Go(func() error { h.Insert(selfID, selfServiceEndpoint); m.recordFind(h.Kind, "announce"); return nil })
		}
		if h := m.handleFor(transport.KindIPv6Internet); h != nil {
			g.Go(func() error { h.Insert(selfID, selfServiceEndpoint); m.recordFind(h.Kind, "announce"); return nil })
		}
		if h := m.handleFor(transport.KindAnonymityOverlay); h != nil {
			g.Go(func() error { m.findOnHandle(h, target, callback); return nil })
		}
	}

	for _, lm := range m.localManagers() {
		lm := lm
		g.Go(func() error { lm.Announce(networkID, selfServiceEndpoint); return nil })
	}

	g.Wait()
}

// StartWatcher runs the 15s network watcher: on every tick it lists the
// live interfaces and passes the full list to onChange. It keeps no
// snapshot of its own and does not compute which interfaces were added or
// removed; the caller (which owns LocalNetworkDhtManager lifecycles)
// disposes managers whose interface is gone and, per §9's second preserved
// quirk, re-scans ALL currently live interfaces, guarding insertion only by
// an explicit not-already-managed check.
func (m *Manager) StartWatcher(ctx context.Context, listInterfaces func() ([]net.Interface, error), onChange func(live []net.Interface)) {
	ticker := time.NewTicker(watcherInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ifaces, err := listInterfaces()
				if err != nil {
					logrus.WithFields(logrus.Fields{"component": "dht", "op": "watcher"}).WithError(err).Warn("failed to list interfaces, will retry")
					continue
				}
				onChange(ifaces)
			}
		}
	}()
}
