// Package handshake implements C6: the versioned peer handshake that rides
// on top of every accepted transport stream, demultiplexing the DHT channel
// from the peer channel and performing the crossed-connect duplicate
// arbitration described in the connectivity core's design.
package handshake

import (
	"bufio"
	"encoding/binary"
	"errors"
	"net"
	"time"

	"github.com/opd-ai/meshconnect/dht"
	"github.com/opd-ai/meshconnect/errs"
	"github.com/opd-ai/meshconnect/identity"
	"github.com/opd-ai/meshconnect/metrics"
	"github.com/opd-ai/meshconnect/registry"
	"github.com/opd-ai/meshconnect/transport"
	"github.com/sirupsen/logrus"
)

// versionDHTShunt reassigns the stream to the DHT manager. versionPeer is
// the only peer-handshake version this node speaks.
const (
	versionDHTShunt byte = 0
	versionPeer     byte = 1
)

const (
	responseAccept byte = 0
	responseCancel byte = 1
)

// duplicateResolveSleep gives a concurrently in-flight handshake on the
// other socket time to finish inserting into the registry before this side
// retries its lookup. It is an ordering heuristic, not a correctness
// requirement: the caller retries if still unresolved.
const duplicateResolveSleep = 500 * time.Millisecond

// Handler wires the registry, local identity, and DHT dispatch needed to
// run both sides of the handshake.
type Handler struct {
	LocalPeer   identity.PeerId
	LocalPort   uint16
	Registry    *registry.Registry
	DHTDispatch func(conn net.Conn, remote transport.Endpoint)

	// Metrics is optional; nil disables handshake counters.
	Metrics *metrics.Metrics
}

func (h *Handler) recordHandshake(role, result string) {
	if h.Metrics == nil {
		return
	}
	h.Metrics.HandshakeTotal.WithLabelValues(role, result).Inc()
}

// Initiate runs the client side against an already-connected stream to
// remote, following §4.6 step-by-step. On success it returns the inserted
// (or resolved) registry record with persistent timeouts applied.
func (h *Handler) Initiate(conn net.Conn, remote transport.Endpoint) (*registry.Record, error) {
	if err := writeInitiate(conn, h.LocalPeer, h.LocalPort); err != nil {
		h.recordHandshake("initiate", "write_failed")
		return nil, errs.Wrap("handshake-initiate", remote.String(), err)
	}

	r := bufio.NewReader(conn)
	code, err := r.ReadByte()
	if err != nil {
		h.recordHandshake("initiate", "read_failed")
		return nil, errs.Wrap("handshake-initiate", remote.String(), errs.ErrBadHandshake)
	}

	var remotePeer identity.PeerId
	if _, err := readFull(r, remotePeer[:]); err != nil {
		h.recordHandshake("initiate", "read_failed")
		return nil, errs.Wrap("handshake-initiate", remote.String(), errs.ErrBadHandshake)
	}

	switch code {
	case responseAccept:
		rec := &registry.Record{PeerId: remotePeer, RemoteEndpoint: remote, Stream: conn}
		inserted, err := h.Registry.Insert(rec)
		if err == nil {
			applyPersistentTimeouts(conn)
			h.recordHandshake("initiate", "accepted")
			return inserted, nil
		}
		if errors.Is(err, errs.ErrDuplicateVirtual) || errors.Is(err, errs.ErrDuplicateReal) {
			if existing := h.Registry.Lookup(&remote, &remotePeer); existing != nil {
				conn.Close()
				h.recordHandshake("initiate", "resolved_duplicate")
				return existing, nil
			}
			h.recordHandshake("initiate", "duplicate_not_reconciled")
			return nil, errs.ErrDuplicateNotReconciled
		}
		h.recordHandshake("initiate", "rejected")
		return nil, err

	case responseCancel:
		time.Sleep(duplicateResolveSleep)
		if existing := h.Registry.Lookup(&remote, &remotePeer); existing != nil {
			h.recordHandshake("initiate", "resolved_duplicate")
			return existing, nil
		}
		h.recordHandshake("initiate", "rejected")
		return nil, errs.ErrDuplicateRejected

	default:
		h.recordHandshake("initiate", "bad_version")
		return nil, errs.ErrBadHandshake
	}
}

func writeInitiate(conn net.Conn, localPeer identity.PeerId, localPort uint16) error {
	buf := make([]byte, 1+identity.PeerIdSize+2)
	buf[0] = versionPeer
	copy(buf[1:], localPeer[:])
	binary.LittleEndian.PutUint16(buf[1+identity.PeerIdSize:], localPort)
	_, err := conn.Write(buf)
	return err
}

// Accept runs the server side against a freshly accepted stream, dispatching
// to the DHT handler on the demux shunt or completing a peer handshake and
// inserting into the registry.
func (h *Handler) Accept(conn net.Conn, remoteEndpoint transport.Endpoint) error {
	r := bufio.NewReader(conn)
	version, err := r.ReadByte()
	if err != nil {
		conn.Close()
		return errs.Wrap("handshake-accept", remoteEndpoint.String(), errs.ErrBadHandshake)
	}

	switch version {
	case versionDHTShunt:
		if h.DHTDispatch == nil {
			conn.Close()
			return nil
		}
		h.DHTDispatch(conn, remoteEndpoint)
		return nil

	case versionPeer:
		return h.acceptPeer(conn, r, remoteEndpoint)

	default:
		conn.Close()
		return errs.Wrap("handshake-accept", remoteEndpoint.String(), errs.ErrUnsupportedProtocolVersion)
	}
}

func (h *Handler) acceptPeer(conn net.Conn, r *bufio.Reader, remoteEndpoint transport.Endpoint) error {
	var remotePeer identity.PeerId
	if _, err := readFull(r, remotePeer[:]); err != nil {
		conn.Close()
		return errs.Wrap("handshake-accept", remoteEndpoint.String(), errs.ErrBadHandshake)
	}

	portBuf := make([]byte, 2)
	if _, err := readFull(r, portBuf); err != nil {
		conn.Close()
		return errs.Wrap("handshake-accept", remoteEndpoint.String(), errs.ErrBadHandshake)
	}
	remotePort := binary.LittleEndian.Uint16(portBuf)

	// The accepted socket's port is an ephemeral client port, not the
	// remote's reachable service port; rewrite it before registering.
	rewritten := remoteEndpoint.WithPort(remotePort)

	rec := &registry.Record{PeerId: remotePeer, RemoteEndpoint: rewritten, Stream: conn}
	_, err := h.Registry.Insert(rec)
	if err != nil {
		writeResponse(conn, responseCancel, h.LocalPeer)
		conn.Close()
		h.recordHandshake("accept", "rejected")
		return err
	}

	if err := writeResponse(conn, responseAccept, h.LocalPeer); err != nil {
		h.recordHandshake("accept", "write_failed")
		return errs.Wrap("handshake-accept", remoteEndpoint.String(), err)
	}
	applyPersistentTimeouts(conn)
	h.recordHandshake("accept", "accepted")

	logrus.WithFields(logrus.Fields{
		"component": "handshake",
		"op":        "accept",
		"peer":      remotePeer.String(),
		"endpoint":  rewritten.String(),
	}).Debug("peer handshake accepted")
	return nil
}

func writeResponse(conn net.Conn, code byte, localPeer identity.PeerId) error {
	buf := make([]byte, 1+identity.PeerIdSize)
	buf[0] = code
	copy(buf[1:], localPeer[:])
	_, err := conn.Write(buf)
	return err
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func applyPersistentTimeouts(conn net.Conn) {
	type deadliner interface {
		SetReadDeadline(time.Time) error
		SetWriteDeadline(time.Time) error
	}
	if d, ok := conn.(deadliner); ok {
		d.SetReadDeadline(time.Now().Add(transport.StreamReadTimeout))
		d.SetWriteDeadline(time.Now().Add(transport.StreamWriteTimeout))
	}
}

// DispatchToDHT adapts a dht.Manager's AcceptInternetDhtConnection into the
// DHTDispatch callback signature, swallowing the error into a log line
// since a background accept path never propagates errors (§5).
func DispatchToDHT(m *dht.Manager) func(net.Conn, transport.Endpoint) {
	return func(conn net.Conn, remote transport.Endpoint) {
		if err := m.AcceptInternetDhtConnection(conn, remote); err != nil {
			logrus.WithFields(logrus.Fields{"component": "handshake", "op": "dht-dispatch"}).WithError(err).Debug("dht dispatch failed")
		}
	}
}

