package reachability

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIPv4MachineNoInterfaceYieldsNoInternet(t *testing.T) {
	m := NewIPv4Machine(33445, ProxyNone, false, IPv4Probes{
		DefaultInterface: func() net.IP { return nil },
	})
	m.Tick(context.Background())

	state, _ := m.State()
	assert.Equal(t, StateNoInternet, state)
	_, ok := m.ExternalEndpoint()
	assert.False(t, ok)
}

func TestIPv4MachinePublicAddressYieldsDirect(t *testing.T) {
	publicIP := net.ParseIP("203.0.113.9")
	m := NewIPv4Machine(33445, ProxyNone, false, IPv4Probes{
		DefaultInterface: func() net.IP { return publicIP },
	})
	m.Tick(context.Background())

	state, upnp := m.State()
	assert.Equal(t, StateDirect, state)
	assert.Equal(t, UPnPDisabled, upnp)

	ep, ok := m.ExternalEndpoint()
	assert.True(t, ok)
	assert.True(t, ep.IP.Equal(publicIP))
	assert.Equal(t, uint16(33445), ep.Port)
}

func TestIPv4MachinePrivateAddressNoUPnPYieldsNatOrFirewalled(t *testing.T) {
	m := NewIPv4Machine(33445, ProxyNone, false, IPv4Probes{
		DefaultInterface: func() net.IP { return net.ParseIP("192.168.1.5") },
	})
	m.Tick(context.Background())

	state, _ := m.State()
	assert.Equal(t, StateNatOrFirewalled, state)
}

func TestIPv4MachineProxyFailureYieldsProxyFailed(t *testing.T) {
	m := NewIPv4Machine(33445, ProxyHTTP, false, IPv4Probes{
		ProxyReachable: func() bool { return false },
	})
	m.Tick(context.Background())

	state, _ := m.State()
	assert.Equal(t, StateProxyFailed, state)
}

func TestIPv6MachineDirectAndNoInternet(t *testing.T) {
	publicIP := net.ParseIP("2001:db8::1")
	m := NewIPv6Machine(33445, ProxyNone, IPv6Probes{
		DefaultInterface: func() net.IP { return publicIP },
	})
	m.Tick(context.Background())
	assert.Equal(t, StateDirect, m.State())

	m2 := NewIPv6Machine(33445, ProxyNone, IPv6Probes{
		DefaultInterface: func() net.IP { return nil },
	})
	m2.Tick(context.Background())
	assert.Equal(t, StateNoInternet, m2.State())
}
