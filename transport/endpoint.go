// Package transport implements the family-aware connect/listen primitives
// and the Endpoint address abstraction used throughout the connectivity
// core. It speaks to four transport kinds: the IPv4 internet, the IPv6
// internet, an anonymity overlay reached through a SOCKS proxy, and
// directly-attached local broadcast segments.
package transport

import (
	"fmt"
	"net"
	"strconv"
)

// Family tags which union arm an Endpoint holds.
type Family uint8

const (
	// FamilyIPv4 is a dotted-quad IPv4 socket address.
	FamilyIPv4 Family = iota
	// FamilyIPv6 is an IPv6 socket address, scope-id stripped.
	FamilyIPv6
	// FamilyUnspecified names a domain-based endpoint (anonymity-overlay
	// .onion-style targets) with no routable IP family of its own.
	FamilyUnspecified
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	case FamilyUnspecified:
		return "unspecified"
	default:
		return fmt.Sprintf("family(%d)", uint8(f))
	}
}

// Kind classifies which transport and which DHT/discovery path an Endpoint
// belongs to.
type Kind uint8

const (
	KindIPv4Internet Kind = iota
	KindIPv6Internet
	KindLocalNetwork
	KindAnonymityOverlay
)

func (k Kind) String() string {
	switch k {
	case KindIPv4Internet:
		return "ipv4-internet"
	case KindIPv6Internet:
		return "ipv6-internet"
	case KindLocalNetwork:
		return "local-network"
	case KindAnonymityOverlay:
		return "anonymity-overlay"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Endpoint is a tagged union over an IPv4 socket address, an IPv6 socket
// address, or a domain-name endpoint (used for anonymity-overlay targets).
// Endpoints compare structurally: construct them only through the New*
// constructors below, which centralize IPv4-mapped-IPv6 normalization and
// scope-id stripping so two differently-spelled representations of the same
// address never coexist in a map keyed by Endpoint.
type Endpoint struct {
	family Family
	ip     [16]byte // used when family is FamilyIPv4 (first 4 bytes) or FamilyIPv6
	domain string   // used when family is FamilyUnspecified
	port   uint16
}

// NewIPEndpoint builds an Endpoint from a net.IP and port, normalizing
// IPv4-mapped IPv6 addresses to their IPv4 form and stripping any zone. This
// is the single entry point every insert/lookup path should use so the two
// representations of the same address never diverge.
func NewIPEndpoint(ip net.IP, port uint16) (Endpoint, error) {
	if ip == nil {
		return Endpoint{}, fmt.Errorf("transport: nil IP")
	}
	if v4 := ip.To4(); v4 != nil {
		var e Endpoint
		e.family = FamilyIPv4
		copy(e.ip[:4], v4)
		e.port = port
		return e, nil
	}
	v6 := ip.To16()
	if v6 == nil {
		return Endpoint{}, fmt.Errorf("transport: invalid IP %v", ip)
	}
	var e Endpoint
	e.family = FamilyIPv6
	copy(e.ip[:], v6)
	e.port = port
	return e, nil
}

// NewDomainEndpoint builds a FamilyUnspecified endpoint for an
// anonymity-overlay domain target (e.g. a .onion hidden service address).
func NewDomainEndpoint(domain string, port uint16) Endpoint {
	return Endpoint{family: FamilyUnspecified, domain: domain, port: port}
}

// MustParseHostPort parses "host:port" into an Endpoint, treating a
// non-IP host as a domain endpoint.
func MustParseHostPort(hostport string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Endpoint{}, fmt.Errorf("transport: parse %q: %w", hostport, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Endpoint{}, fmt.Errorf("transport: parse port %q: %w", portStr, err)
	}
	if ip := net.ParseIP(host); ip != nil {
		return NewIPEndpoint(ip, uint16(port))
	}
	return NewDomainEndpoint(host, uint16(port)), nil
}

// Family reports which union arm e holds.
func (e Endpoint) Family() Family { return e.family }

// Port returns e's port.
func (e Endpoint) Port() uint16 { return e.port }

// IP returns e's IP address, or nil if e is a domain endpoint.
func (e Endpoint) IP() net.IP {
	switch e.family {
	case FamilyIPv4:
		return net.IP(e.ip[:4])
	case FamilyIPv6:
		return net.IP(e.ip[:])
	default:
		return nil
	}
}

// Domain returns e's domain name, or "" if e is an IP endpoint.
func (e Endpoint) Domain() string { return e.domain }

// WithPort returns a copy of e with its port replaced. Used by the server
// side of the handshake to rewrite an inbound ephemeral port to the peer's
// advertised service port.
func (e Endpoint) WithPort(port uint16) Endpoint {
	e.port = port
	return e
}

// IsPrivate reports whether e names a private/non-routable address. Domain
// endpoints (anonymity overlay) are never considered private in the
// registry's sense, since they carry their own routability guarantees.
func (e Endpoint) IsPrivate() bool {
	switch e.family {
	case FamilyIPv4, FamilyIPv6:
		ip := e.IP()
		return ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsPrivate() || ip.IsUnspecified()
	default:
		return false
	}
}

// String renders e as "host:port".
func (e Endpoint) String() string {
	switch e.family {
	case FamilyIPv4, FamilyIPv6:
		return net.JoinHostPort(e.IP().String(), strconv.Itoa(int(e.port)))
	default:
		return net.JoinHostPort(e.domain, strconv.Itoa(int(e.port)))
	}
}

// Kind classifies e for DHT/transport dispatch purposes: IPv4 and IPv6
// endpoints map to their internet kinds and every FamilyUnspecified
// (domain) endpoint maps to KindAnonymityOverlay, whether or not the
// overlay is enabled. Kind never returns KindLocalNetwork.
func (e Endpoint) Kind() Kind {
	switch e.family {
	case FamilyIPv4:
		return KindIPv4Internet
	case FamilyIPv6:
		return KindIPv6Internet
	default:
		return KindAnonymityOverlay
	}
}
