// Package registry implements C5: the connection registry that de-duplicates
// a persistent transport connection per peer and per endpoint, and
// arbitrates between "real" and "virtual" (relayed) connections to the same
// peer.
package registry

import (
	"io"
	"sync"

	"github.com/opd-ai/meshconnect/errs"
	"github.com/opd-ai/meshconnect/identity"
	"github.com/opd-ai/meshconnect/metrics"
	"github.com/opd-ai/meshconnect/transport"
	"github.com/sirupsen/logrus"
)

// Record is a single tracked connection, matching the spec's
// ConnectionRecord.
type Record struct {
	PeerId             identity.PeerId
	RemoteEndpoint     transport.Endpoint
	IsVirtual          bool
	TCPRelayClientMode bool
	Stream             io.Closer
}

// Registry holds the two dedup maps under a single lock, per §4.5 and §5:
// the lock is held only for the duration of arbitration and insert/remove,
// never across I/O.
type Registry struct {
	mu         sync.Mutex
	byEndpoint map[transport.Endpoint]*Record
	byPeer     map[identity.PeerId]*Record
	localPeer  identity.PeerId

	onDispose []func(*Record)

	// metrics is optional; SetMetrics enables the registry-size gauge and
	// the duplicate-arbitration counter.
	metrics *metrics.Metrics
}

// SetMetrics wires m into the registry. Safe to call once, before the
// registry starts accepting inserts.
func (r *Registry) SetMetrics(m *metrics.Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
}

func (r *Registry) recordDuplicate(outcome string) {
	if r.metrics != nil {
		r.metrics.DuplicateConnTotal.WithLabelValues(outcome).Inc()
	}
}

// New creates an empty registry for a node identified by localPeer. Inserts
// for localPeer itself are always rejected (self-loops forbidden).
func New(localPeer identity.PeerId) *Registry {
	return &Registry{
		byEndpoint: make(map[transport.Endpoint]*Record),
		byPeer:     make(map[identity.PeerId]*Record),
		localPeer:  localPeer,
	}
}

// OnDispose registers a callback invoked, outside the registry lock, every
// time a record is disposed. The node uses it to drop relay-client and
// relay-server membership.
func (r *Registry) OnDispose(fn func(*Record)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDispose = append(r.onDispose, fn)
}

// Insert runs the arbitration algorithm of §4.5 and either installs a new
// record or reports why the candidate was rejected/superseded.
//
// The returned error, when non-nil, is one of errs.ErrSelfConnection,
// errs.ErrDuplicateVirtual, or errs.ErrDuplicateReal — never a generic
// error — so callers can branch with errors.Is.
func (r *Registry) Insert(candidate *Record) (*Record, error) {
	logger := logrus.WithFields(logrus.Fields{
		"component": "registry",
		"op":        "insert",
		"peer":      candidate.PeerId.String(),
		"endpoint":  candidate.RemoteEndpoint.String(),
		"virtual":   candidate.IsVirtual,
	})

	if candidate.PeerId.Equal(r.localPeer) {
		logger.Debug("rejected: self connection")
		return nil, errs.ErrSelfConnection
	}

	r.mu.Lock()
	var disposed *Record
	defer func() {
		r.mu.Unlock()
		if disposed != nil {
			r.fireDispose(disposed)
			if disposed.Stream != nil {
				disposed.Stream.Close()
			}
		}
	}()

	if existing, ok := r.byEndpoint[candidate.RemoteEndpoint]; ok {
		if existing.IsVirtual && !candidate.IsVirtual {
			r.removeLocked(existing)
			disposed = existing
		} else if candidate.IsVirtual {
			logger.Debug("rejected: duplicate virtual, keeping existing endpoint entry")
			r.recordDuplicate("virtual_rejected")
			return nil, errs.ErrDuplicateVirtual
		} else {
			logger.Debug("rejected: duplicate real endpoint entry")
			r.recordDuplicate("real_rejected")
			return nil, errs.ErrDuplicateReal
		}
	} else if existing, ok := r.byPeer[candidate.PeerId]; ok {
		if existing.IsVirtual && !candidate.IsVirtual {
			r.removeLocked(existing)
			disposed = existing
		} else if candidate.IsVirtual {
			logger.Debug("rejected: duplicate virtual, keeping existing peer entry")
			r.recordDuplicate("virtual_rejected")
			return nil, errs.ErrDuplicateVirtual
		} else {
			if !allowNewConnection(existing.RemoteEndpoint, candidate.RemoteEndpoint) {
				logger.Debug("rejected: duplicate real, AllowNewConnection declined")
				r.recordDuplicate("real_rejected")
				return nil, errs.ErrDuplicateReal
			}
			r.removeLocked(existing)
			disposed = existing
			r.recordDuplicate("real_superseded")
		}
	}

	r.byEndpoint[candidate.RemoteEndpoint] = candidate
	r.byPeer[candidate.PeerId] = candidate
	logger.Debug("inserted")
	if r.metrics != nil {
		r.metrics.ConnectionCount.Set(float64(len(r.byPeer)))
	}
	return candidate, nil
}

// allowNewConnection implements the AllowNewConnection rule of §4.5: a
// second real connection to the same peer, arriving on a different
// endpoint, may replace the first only if the address families match and
// the existing endpoint is not private — a public endpoint observed second
// supersedes a stale private one, never the reverse.
func allowNewConnection(existingEp, newEp transport.Endpoint) bool {
	if existingEp.Family() != newEp.Family() {
		return false
	}
	return !existingEp.IsPrivate()
}

// Lookup returns the record for endpoint and/or peer, if either is present.
// Used by the handshake layer to resolve a "cancel" response after the
// post-sleep retry described in §4.6.
func (r *Registry) Lookup(endpoint *transport.Endpoint, peer *identity.PeerId) *Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	if endpoint != nil {
		if rec, ok := r.byEndpoint[*endpoint]; ok {
			return rec
		}
	}
	if peer != nil {
		if rec, ok := r.byPeer[*peer]; ok {
			return rec
		}
	}
	return nil
}

// Dispose removes rec from both maps (invariant 5) and fires registered
// dispose callbacks, then closes its stream. It is a no-op if rec is not
// currently the tracked record for its peer/endpoint (already superseded).
func (r *Registry) Dispose(rec *Record) {
	r.mu.Lock()
	removed := r.removeIfCurrentLocked(rec)
	if removed && r.metrics != nil {
		r.metrics.ConnectionCount.Set(float64(len(r.byPeer)))
	}
	r.mu.Unlock()

	if !removed {
		return
	}
	r.fireDispose(rec)
	if rec.Stream != nil {
		rec.Stream.Close()
	}
}

func (r *Registry) removeIfCurrentLocked(rec *Record) bool {
	current, ok := r.byPeer[rec.PeerId]
	if !ok || current != rec {
		return false
	}
	r.removeLocked(rec)
	return true
}

func (r *Registry) removeLocked(rec *Record) {
	delete(r.byEndpoint, rec.RemoteEndpoint)
	delete(r.byPeer, rec.PeerId)
}

func (r *Registry) fireDispose(rec *Record) {
	r.mu.Lock()
	callbacks := append([]func(*Record){}, r.onDispose...)
	r.mu.Unlock()
	for _, fn := range callbacks {
		fn(rec)
	}
}

// Size returns the number of tracked connections, for metrics.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byPeer)
}
