package reachability

import "net"

// State classifies this node's current internet reachability, per IP
// family.
type State uint8

const (
	StateIdentifying State = iota
	StateNoInternet
	StateDirect
	StateHTTPProxy
	StateSocks5Proxy
	StateNatViaUPnP
	StateNatOrFirewalled
	StateFirewalled
	StateProxyFailed
	StateNoProxyInternet
)

func (s State) String() string {
	switch s {
	case StateIdentifying:
		return "identifying"
	case StateNoInternet:
		return "no-internet"
	case StateDirect:
		return "direct"
	case StateHTTPProxy:
		return "http-proxy"
	case StateSocks5Proxy:
		return "socks5-proxy"
	case StateNatViaUPnP:
		return "nat-via-upnp"
	case StateNatOrFirewalled:
		return "nat-or-firewalled"
	case StateFirewalled:
		return "firewalled"
	case StateProxyFailed:
		return "proxy-failed"
	case StateNoProxyInternet:
		return "no-proxy-internet"
	default:
		return "unknown"
	}
}

// AllStates lists every State value, for a metrics gauge that needs to zero
// every label but the currently active one.
func AllStates() []string {
	return []string{
		StateIdentifying.String(),
		StateNoInternet.String(),
		StateDirect.String(),
		StateHTTPProxy.String(),
		StateSocks5Proxy.String(),
		StateNatViaUPnP.String(),
		StateNatOrFirewalled.String(),
		StateFirewalled.String(),
		StateProxyFailed.String(),
		StateNoProxyInternet.String(),
	}
}

// UPnPState classifies the outcome of this node's UPnP port-forwarding
// attempt, relevant only to the IPv4 state machine.
type UPnPState uint8

const (
	UPnPIdentifying UPnPState = iota
	UPnPDisabled
	UPnPDeviceNotFound
	UPnPExternalIPPrivate
	UPnPPortForwarded
	UPnPPortForwardingFailed
	UPnPPortForwardedNotAccessible
)

func (s UPnPState) String() string {
	switch s {
	case UPnPIdentifying:
		return "identifying"
	case UPnPDisabled:
		return "disabled"
	case UPnPDeviceNotFound:
		return "device-not-found"
	case UPnPExternalIPPrivate:
		return "external-ip-private"
	case UPnPPortForwarded:
		return "port-forwarded"
	case UPnPPortForwardingFailed:
		return "port-forwarding-failed"
	case UPnPPortForwardedNotAccessible:
		return "port-forwarded-not-accessible"
	default:
		return "unknown"
	}
}

// ProxyKind distinguishes the two proxy classifications the IPv4 state
// machine reports, matching transport.ProxyKind's two proxied variants.
type ProxyKind uint8

const (
	ProxyNone ProxyKind = iota
	ProxyHTTP
	ProxySocks5
)

// ExternalEndpoint derives the externally-reachable address for this
// family per §4.7's endpoint derivation table, or reports ok=false when no
// endpoint is currently resolvable (Identifying, or a failed probe cleared
// the candidate).
type ExternalEndpoint struct {
	IP   net.IP
	Port uint16
}
