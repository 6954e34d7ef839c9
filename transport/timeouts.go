package transport

import "time"

// Connect timeouts by reachability class, per spec: LAN peers are assumed
// close and fast, internet peers get a generous TCP handshake window, and
// overlay circuits (onion routing) are allowed much longer to build.
const (
	TimeoutLocalNetwork   = 2 * time.Second
	TimeoutInternet       = 10 * time.Second
	TimeoutAnonymityOverlay = 30 * time.Second
)

// TimeoutFor returns the connect timeout appropriate for kind.
func TimeoutFor(kind Kind) time.Duration {
	switch kind {
	case KindLocalNetwork:
		return TimeoutLocalNetwork
	case KindAnonymityOverlay:
		return TimeoutAnonymityOverlay
	default:
		return TimeoutInternet
	}
}

// Persistent stream timeouts applied after a handshake completes, per spec
// §4.6.
const (
	StreamReadTimeout  = 120 * time.Second
	StreamWriteTimeout = 30 * time.Second
)
