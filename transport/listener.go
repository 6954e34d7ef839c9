package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
)

// Listener wraps a bound TCP listener along with the background accept loop
// that feeds accepted streams to a handler, following the teacher
// TCPTransport's accept-loop-plus-context-cancellation shape.
type Listener struct {
	net.Listener
	ctx    context.Context
	cancel context.CancelFunc
}

// Listen binds a TCP listener on bindEndpoint, using the "tcp4" network for
// an IPv4 endpoint and "tcp6" for an IPv6 one. Go opens a "tcp6" listener
// IPv6-only, so it never accepts IPv4 clients; a caller that wants both
// families on one port calls Listen once per family.
func Listen(bindEndpoint Endpoint) (*Listener, error) {
	network := "tcp4"
	if bindEndpoint.Family() == FamilyIPv6 {
		network = "tcp6"
	}

	ln, err := net.Listen(network, bindEndpoint.String())
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", bindEndpoint, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{Listener: ln, ctx: ctx, cancel: cancel}, nil
}

// Serve runs the accept loop, handing every accepted connection to handler
// in its own goroutine. A background loop per spec §5 never propagates
// errors: a transient accept failure is logged and the loop continues,
// and only a closed listener ends it.
func (l *Listener) Serve(handler func(net.Conn)) {
	logger := logrus.WithFields(logrus.Fields{"component": "transport", "op": "accept", "addr": l.Addr().String()})
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-l.ctx.Done():
				logger.Debug("listener closed, accept loop exiting")
				return
			default:
			}
			logger.WithError(err).Warn("accept failed, continuing")
			continue
		}
		go handler(conn)
	}
}

// Close stops the accept loop and closes the underlying listener.
func (l *Listener) Close() error {
	l.cancel()
	return l.Listener.Close()
}
