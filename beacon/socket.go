package beacon

import (
	"net"

	"github.com/opd-ai/meshconnect/metrics"
	"github.com/opd-ai/meshconnect/transport"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv6"
)

// Socket owns one UDP endpoint used to send and receive beacons for a
// single local segment. IPv4 sockets broadcast; IPv6 sockets join the
// site-local multicast group.
type Socket struct {
	family transport.Family
	conn   *net.UDPConn
	iface  *net.Interface

	// Metrics is optional; nil disables beacon send/receive counters.
	Metrics *metrics.Metrics
}

// OpenIPv4 opens a broadcast-capable IPv4 beacon socket on iface.
func OpenIPv4(iface *net.Interface) (*Socket, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: Port})
	if err != nil {
		return nil, err
	}
	suppressICMPUnreachable(conn)
	return &Socket{family: transport.FamilyIPv4, conn: conn, iface: iface}, nil
}

// OpenIPv6 opens an IPv6 beacon socket on iface and joins MulticastGroup.
func OpenIPv6(iface *net.Interface) (*Socket, error) {
	conn, err := net.ListenUDP("udp6", &net.UDPAddr{Port: Port})
	if err != nil {
		return nil, err
	}
	suppressICMPUnreachable(conn)

	group := net.ParseIP(MulticastGroup)
	pc := ipv6.NewPacketConn(conn)
	if err := pc.JoinGroup(iface, &net.UDPAddr{IP: group}); err != nil {
		conn.Close()
		return nil, err
	}

	return &Socket{family: transport.FamilyIPv6, conn: conn, iface: iface}, nil
}

// Send broadcasts (IPv4) or multicasts (IPv6) a beacon advertising dhtPort.
func (s *Socket) Send(dhtPort uint16) error {
	pkt := Encode(dhtPort)
	var dst *net.UDPAddr
	if s.family == transport.FamilyIPv4 {
		dst = &net.UDPAddr{IP: net.IPv4bcast, Port: Port}
	} else {
		dst = &net.UDPAddr{IP: net.ParseIP(MulticastGroup), Port: Port}
	}
	_, err := s.conn.WriteToUDP(pkt, dst)
	if s.Metrics != nil && err == nil {
		s.Metrics.BeaconSentTotal.WithLabelValues(s.family.String()).Inc()
	}
	return err
}

// Receive blocks for the next well-formed beacon datagram and returns the
// decoded packet plus the sender's address. A packet that fails to decode,
// including one with an unsupported version, is counted as malformed,
// logged at debug level and skipped; only a socket read error is returned.
func (s *Socket) Receive() (Packet, *net.UDPAddr, error) {
	buf := make([]byte, 64)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return Packet{}, nil, err
		}
		pkt, err := Decode(buf[:n])
		if err != nil {
			if s.Metrics != nil {
				s.Metrics.BeaconReceivedTotal.WithLabelValues(s.family.String(), "malformed").Inc()
			}
			logrus.WithFields(logrus.Fields{
				"component": "beacon",
				"from":      addr.String(),
			}).WithError(err).Debug("dropping malformed beacon packet")
			continue
		}
		if s.Metrics != nil {
			s.Metrics.BeaconReceivedTotal.WithLabelValues(s.family.String(), "ok").Inc()
		}
		return pkt, addr, nil
	}
}

// Close releases the underlying socket.
func (s *Socket) Close() error {
	return s.conn.Close()
}
