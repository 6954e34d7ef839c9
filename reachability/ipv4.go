package reachability

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// tickInterval is the periodic re-check cadence; reCheckConnectivity runs
// the same transition function as a single-shot outside this timer.
const tickInterval = 60 * time.Second

// IPv4Probes is the set of blocking I/O operations the IPv4 machine calls
// out to. Keeping them as fields (rather than calling net/http directly)
// follows the "pure (state, probe) -> state transition, I/O isolated to
// probe functions" design so the transition logic itself is testable
// without a network.
type IPv4Probes struct {
	// DefaultInterface returns the local IPv4 address of the default route
	// interface, or nil if there is none.
	DefaultInterface func() net.IP
	// ProxyReachable reports whether the configured proxy is reachable.
	ProxyReachable func() bool
	// WebProbe performs an unauthenticated IPv4-only reachability check,
	// optionally routed through the configured proxy.
	WebProbe func() bool
	// IncomingCheck asks an external service to connect back to localPort,
	// reporting the externally-observed (ip, ok).
	IncomingCheck func(localPort uint16) (net.IP, bool)
}

// IPv4Machine is the IPv4 arm of C7.
type IPv4Machine struct {
	mu sync.RWMutex

	localPort   uint16
	proxyKind   ProxyKind
	upnpEnabled bool
	upnp        *UPnPClient

	state      State
	upnpState  UPnPState
	localLiveIP    net.IP
	upnpExternalIP net.IP
	externalEP     *ExternalEndpoint

	probes IPv4Probes
}

// NewIPv4Machine constructs the IPv4 reachability state machine, starting
// in StateIdentifying per §5's startup contract.
func NewIPv4Machine(localPort uint16, proxyKind ProxyKind, upnpEnabled bool, probes IPv4Probes) *IPv4Machine {
	return &IPv4Machine{
		localPort:   localPort,
		proxyKind:   proxyKind,
		upnpEnabled: upnpEnabled,
		upnp:        NewUPnPClient(),
		state:       StateIdentifying,
		upnpState:   UPnPIdentifying,
		probes:      probes,
	}
}

// State returns the current classification and UPnP substate.
func (m *IPv4Machine) State() (State, UPnPState) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state, m.upnpState
}

// ExternalEndpoint returns this node's current externally-reachable IPv4
// endpoint, per §4.7's derivation table.
func (m *IPv4Machine) ExternalEndpoint() (ExternalEndpoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.externalEP == nil {
		return ExternalEndpoint{}, false
	}
	return *m.externalEP, true
}

// Run executes one tick immediately, then starts a background loop that
// ticks every 60s until ctx is canceled (reCheckConnectivity's single-shot
// trigger, repeated). It returns once the first tick has completed.
func (m *IPv4Machine) Run(ctx context.Context) {
	m.Tick(ctx)
	ticker := time.NewTicker(tickInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Tick(ctx)
			}
		}
	}()
}

// Tick runs a single transition step, equivalent to reCheckConnectivity().
func (m *IPv4Machine) Tick(ctx context.Context) {
	logger := logrus.WithFields(logrus.Fields{"component": "reachability", "family": "ipv4"})

	prevState, prevEP := m.snapshotForValidation()

	if m.proxyKind != ProxyNone {
		m.tickProxy(logger)
		m.validateAndMaybeIncomingCheck(prevState, prevEP, logger)
		return
	}

	iface := m.callDefaultInterface()
	if iface == nil {
		m.setState(StateNoInternet, UPnPDisabled, nil, nil)
		return
	}

	if isPublicIPv4(iface) {
		m.setState(StateDirect, UPnPDisabled, iface, nil)
		m.validateAndMaybeIncomingCheck(prevState, prevEP, logger)
		return
	}

	if !m.upnpEnabled {
		m.setState(StateNatOrFirewalled, UPnPDisabled, iface, nil)
		m.validateAndMaybeIncomingCheck(prevState, prevEP, logger)
		return
	}

	m.tickUPnP(ctx, iface, logger)
	m.validateAndMaybeIncomingCheck(prevState, prevEP, logger)
}

func (m *IPv4Machine) tickProxy(logger *logrus.Entry) {
	state := StateHTTPProxy
	if m.proxyKind == ProxySocks5 {
		state = StateSocks5Proxy
	}

	if m.probes.ProxyReachable != nil && !m.probes.ProxyReachable() {
		m.setState(StateProxyFailed, UPnPDisabled, nil, nil)
		logger.Warn("configured proxy unreachable")
		return
	}
	if m.probes.WebProbe != nil && !m.probes.WebProbe() {
		m.setState(StateNoProxyInternet, UPnPDisabled, nil, nil)
		return
	}
	m.setState(state, UPnPDisabled, nil, nil)
}

func (m *IPv4Machine) tickUPnP(ctx context.Context, iface net.IP, logger *logrus.Entry) {
	if err := m.upnp.DiscoverGateway(ctx); err != nil {
		m.setState(StateNatOrFirewalled, UPnPDeviceNotFound, iface, nil)
		return
	}

	extIP, err := m.upnp.GetExternalIPAddress(ctx)
	if err != nil {
		m.setState(StateNatOrFirewalled, UPnPPortForwardingFailed, iface, nil)
		return
	}

	if extIP.IsUnspecified() {
		m.setState(StateNoInternet, UPnPDisabled, iface, nil)
		return
	}
	if extIP.IsPrivate() {
		m.setState(StateNatOrFirewalled, UPnPExternalIPPrivate, iface, nil)
		return
	}

	mapping := Mapping{
		ExternalPort: int(m.localPort),
		InternalPort: int(m.localPort),
		InternalIP:   iface.String(),
		Protocol:     "TCP",
		Description:  "meshconnect",
		Duration:     0,
	}
	if err := m.upnp.AddPortMapping(ctx, mapping); err != nil {
		m.setState(StateNatOrFirewalled, UPnPPortForwardingFailed, iface, nil)
		return
	}

	m.mu.Lock()
	m.upnpExternalIP = extIP
	m.mu.Unlock()
	m.setState(StateNatViaUPnP, UPnPPortForwarded, iface, extIP)
	logger.WithField("external_ip", extIP.String()).Info("upnp port mapping established")
}

func (m *IPv4Machine) validateAndMaybeIncomingCheck(prevState State, prevEP *ExternalEndpoint, logger *logrus.Entry) {
	m.mu.RLock()
	state := m.state
	upnpState := m.upnpState
	ep := m.externalEP
	m.mu.RUnlock()

	changed := state != prevState || !endpointsEqual(ep, prevEP)
	if changed && m.probes.WebProbe != nil {
		m.probes.WebProbe()
	}

	needsIncomingCheck := state == StateDirect || state == StateNatOrFirewalled || (state == StateNatViaUPnP && upnpState == UPnPPortForwarded)
	if !needsIncomingCheck || m.probes.IncomingCheck == nil {
		return
	}

	observedIP, ok := m.probes.IncomingCheck(m.localPort)
	if ok {
		m.mu.Lock()
		m.externalEP = &ExternalEndpoint{IP: observedIP, Port: m.localPort}
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	m.externalEP = nil
	if state == StateNatViaUPnP && upnpState == UPnPPortForwarded {
		m.upnpState = UPnPPortForwardedNotAccessible
	}
	m.mu.Unlock()
	logger.Debug("incoming-connection check failed, clearing candidate external endpoint")
}

func (m *IPv4Machine) callDefaultInterface() net.IP {
	if m.probes.DefaultInterface == nil {
		return nil
	}
	return m.probes.DefaultInterface()
}

func (m *IPv4Machine) snapshotForValidation() (State, *ExternalEndpoint) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state, m.externalEP
}

func (m *IPv4Machine) setState(state State, upnpState UPnPState, localLiveIP, upnpExternalIP net.IP) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = state
	m.upnpState = upnpState
	if localLiveIP != nil {
		m.localLiveIP = localLiveIP
	}

	switch {
	case state == StateDirect:
		m.externalEP = &ExternalEndpoint{IP: m.localLiveIP, Port: m.localPort}
	case state == StateNatViaUPnP && upnpState == UPnPPortForwarded && upnpExternalIP != nil:
		m.externalEP = &ExternalEndpoint{IP: upnpExternalIP, Port: m.localPort}
	case state == StateIdentifying:
		m.externalEP = nil
	}
}

func isPublicIPv4(ip net.IP) bool {
	return !ip.IsPrivate() && !ip.IsLoopback() && !ip.IsLinkLocalUnicast() && !ip.IsUnspecified()
}

func endpointsEqual(a, b *ExternalEndpoint) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.IP.Equal(b.IP) && a.Port == b.Port
}
