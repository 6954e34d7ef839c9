// Package beacon implements the 3-byte local-segment announcement packet
// (C2): broadcast on IPv4, multicast to FF12::1 on IPv6, UDP port 41988.
// It is deliberately ignorant of the DHT routing table it feeds; callers
// parse/build packets and own the socket and routing-table wiring
// themselves, following local_discovery.go's separation of packet framing
// from discovery-loop bookkeeping.
package beacon

import (
	"fmt"
	"net"

	"github.com/opd-ai/meshconnect/errs"
)

// Port is the well-known UDP port beacons are sent and received on.
const Port = 41988

// MulticastGroup is the site-local IPv6 multicast group beacons are sent to
// in place of IPv4 broadcast.
const MulticastGroup = "FF12::1"

// Version is the only beacon wire version this node understands.
const Version = 1

// packetSize is the fixed wire size: [version u8][dhtPort LE u16].
const packetSize = 3

// Packet is a decoded beacon announcement.
type Packet struct {
	Version uint16
	DHTPort uint16
}

// Encode serializes a beacon advertising dhtPort at the current Version.
func Encode(dhtPort uint16) []byte {
	return []byte{
		Version,
		byte(dhtPort),
		byte(dhtPort >> 8),
	}
}

// Decode parses a received beacon packet. It returns ErrUnsupportedBeaconVersion
// if the version byte is not Version.
func Decode(data []byte) (Packet, error) {
	if len(data) != packetSize {
		return Packet{}, fmt.Errorf("beacon: packet must be %d bytes, got %d", packetSize, len(data))
	}
	version := uint16(data[0])
	if version != Version {
		return Packet{}, errs.ErrUnsupportedBeaconVersion
	}
	port := uint16(data[1]) | uint16(data[2])<<8
	return Packet{Version: version, DHTPort: port}, nil
}

// EndpointFrom combines a beacon's advertised port with the sender's IP
// (taken from the UDP datagram's source address, never from the packet
// itself) to form the peer's local DHT endpoint.
func EndpointFrom(senderIP net.IP, pkt Packet) net.Addr {
	return &net.UDPAddr{IP: senderIP, Port: int(pkt.DHTPort)}
}
