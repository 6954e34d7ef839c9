package transport

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/net/proxy"
)

// ProxyKind distinguishes the supported upstream proxy protocols.
type ProxyKind uint8

const (
	ProxyNone ProxyKind = iota
	ProxyHTTPConnect
	ProxySocks5
)

// ProxyConfig configures an optional upstream proxy used for all internet
// connect attempts, and the separate SOCKS5 endpoint the anonymity overlay
// exposes for outbound tunneling (see reachability/overlay §4.9).
type ProxyConfig struct {
	Kind ProxyKind
	Addr string // host:port of the HTTP-CONNECT or SOCKS5 proxy

	// OverlaySocksAddr is the loopback SOCKS5 endpoint published by the
	// anonymity-overlay adapter (C9). When set, endpoints whose Family is
	// FamilyUnspecified, or every endpoint when OverlayOnly is true, are
	// dialed through it instead of Kind/Addr above.
	OverlaySocksAddr string
	OverlayOnly      bool
}

// dialerFor resolves the proxy.Dialer to use for a given destination
// endpoint, implementing the selection rules of §4.1: direct when no proxy
// and the endpoint is an IP; via the configured proxy when one is set; via
// the overlay SOCKS endpoint when the destination is a domain endpoint or
// the node is overlay-only.
func (c ProxyConfig) dialerFor(dest Endpoint, timeout time.Duration) (proxy.Dialer, error) {
	base := &net.Dialer{Timeout: timeout}

	useOverlay := c.OverlaySocksAddr != "" && (dest.Family() == FamilyUnspecified || c.OverlayOnly)
	if useOverlay {
		return proxy.SOCKS5("tcp", c.OverlaySocksAddr, nil, base)
	}

	switch c.Kind {
	case ProxyNone:
		return base, nil
	case ProxySocks5:
		return proxy.SOCKS5("tcp", c.Addr, nil, base)
	case ProxyHTTPConnect:
		return newHTTPConnectDialer(c.Addr, timeout), nil
	default:
		return nil, fmt.Errorf("transport: unknown proxy kind %d", c.Kind)
	}
}
