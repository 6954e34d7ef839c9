package reachability

import (
	"context"
	"net"
	"sync"
)

// IPv6Probes mirrors IPv4Probes but drops everything UPnP-specific, per
// §4.7's simpler IPv6 flow.
type IPv6Probes struct {
	DefaultInterface func() net.IP
	ProxyReachable   func() bool
	WebProbe         func() bool
}

// IPv6Machine is the IPv6 arm of C7: no UPnP, no incoming-connection
// web-check, only Direct or NoInternet once past proxy handling.
type IPv6Machine struct {
	mu sync.RWMutex

	localPort uint16
	proxyKind ProxyKind

	state      State
	localLiveIP net.IP
	externalEP  *ExternalEndpoint

	probes IPv6Probes
}

// NewIPv6Machine constructs the IPv6 reachability state machine.
func NewIPv6Machine(localPort uint16, proxyKind ProxyKind, probes IPv6Probes) *IPv6Machine {
	return &IPv6Machine{
		localPort: localPort,
		proxyKind: proxyKind,
		state:     StateIdentifying,
		probes:    probes,
	}
}

// State returns the current classification.
func (m *IPv6Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// ExternalEndpoint returns (localLiveIP, localPort) only in StateDirect,
// per §4.7's IPv6 derivation rule.
func (m *IPv6Machine) ExternalEndpoint() (ExternalEndpoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.externalEP == nil {
		return ExternalEndpoint{}, false
	}
	return *m.externalEP, true
}

// Tick runs a single transition step.
func (m *IPv6Machine) Tick(_ context.Context) {
	if m.proxyKind != ProxyNone {
		m.tickProxy()
		return
	}

	var iface net.IP
	if m.probes.DefaultInterface != nil {
		iface = m.probes.DefaultInterface()
	}

	if iface == nil || !isPublicIPv6(iface) {
		m.setState(StateNoInternet, nil)
		return
	}

	m.setState(StateDirect, iface)
	if m.probes.WebProbe != nil {
		m.probes.WebProbe()
	}
}

func (m *IPv6Machine) tickProxy() {
	state := StateHTTPProxy
	if m.proxyKind == ProxySocks5 {
		state = StateSocks5Proxy
	}
	if m.probes.ProxyReachable != nil && !m.probes.ProxyReachable() {
		m.setState(StateProxyFailed, nil)
		return
	}
	if m.probes.WebProbe != nil && !m.probes.WebProbe() {
		m.setState(StateNoProxyInternet, nil)
		return
	}
	m.setState(state, nil)
}

func (m *IPv6Machine) setState(state State, localLiveIP net.IP) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = state
	if localLiveIP != nil {
		m.localLiveIP = localLiveIP
	}
	if state == StateDirect {
		m.externalEP = &ExternalEndpoint{IP: m.localLiveIP, Port: m.localPort}
	} else {
		m.externalEP = nil
	}
}

func isPublicIPv6(ip net.IP) bool {
	return !ip.IsPrivate() && !ip.IsLoopback() && !ip.IsLinkLocalUnicast() && !ip.IsUnspecified()
}
