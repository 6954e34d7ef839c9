//go:build !windows
// +build !windows

package beacon

import "net"

// suppressICMPUnreachable is a no-op on non-Windows platforms: the spurious
// "connection reset" read errors this guards against are Windows-specific
// UDP behavior.
func suppressICMPUnreachable(conn *net.UDPConn) {}
