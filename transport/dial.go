package transport

import (
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
)

// Dialer establishes outbound peer streams, selecting a concrete connect
// mechanism per endpoint family and proxy configuration (§4.1).
type Dialer struct {
	Proxy ProxyConfig
}

// NewDialer builds a Dialer with the given proxy configuration. A zero-value
// ProxyConfig dials directly.
func NewDialer(proxy ProxyConfig) *Dialer {
	return &Dialer{Proxy: proxy}
}

// Connect dials dest using the timeout appropriate to its Kind and returns
// the raw TCP (or proxy-tunneled) stream. It never retries: a failed attempt
// is returned to the caller as errs.ErrUnreachable-wrapped, and the caller
// decides whether to try again.
func (d *Dialer) Connect(dest Endpoint) (net.Conn, error) {
	logger := logrus.WithFields(logrus.Fields{
		"component": "transport",
		"op":        "connect",
		"endpoint":  dest.String(),
		"kind":      dest.Kind().String(),
	})

	timeout := TimeoutFor(dest.Kind())
	dialer, err := d.Proxy.dialerFor(dest, timeout)
	if err != nil {
		logger.WithError(err).Error("failed to resolve dialer")
		return nil, fmt.Errorf("transport: resolve dialer for %s: %w", dest, err)
	}

	conn, err := dialer.Dial("tcp", dest.String())
	if err != nil {
		logger.WithError(err).Debug("connect attempt failed")
		return nil, newUnreachable(dest, err)
	}

	logger.Debug("connected")
	return conn, nil
}
