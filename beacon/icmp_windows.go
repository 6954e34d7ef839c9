//go:build windows
// +build windows

package beacon

import (
	"net"
	"syscall"

	"github.com/sirupsen/logrus"
)

// sioUDPConnReset is Windows' SIO_UDP_CONNRESET ioctl, used to stop an ICMP
// port-unreachable response from a prior send tearing down a later
// ReadFromUDP with a connection-reset error. Beacons are sent to addresses
// with no listener far more often than not (broadcast to a whole segment),
// so this is not optional on Windows the way it is elsewhere.
const sioUDPConnReset = syscall.IOC_IN | syscall.IOC_VENDOR | 12

// suppressICMPUnreachable disables the ICMP port-unreachable-triggered
// WSAECONNRESET behavior on conn so beacon receive loops do not see
// spurious read errors after broadcasting to an address with no listener.
func suppressICMPUnreachable(conn *net.UDPConn) {
	raw, err := conn.SyscallConn()
	if err != nil {
		logrus.WithError(err).Warn("beacon: could not obtain raw conn to suppress ICMP unreachable resets")
		return
	}

	ctrlErr := raw.Control(func(fd uintptr) {
		var in [4]byte // false: disable the reset-on-ICMP-unreachable behavior
		var bytesReturned uint32
		err := syscall.WSAIoctl(
			syscall.Handle(fd),
			sioUDPConnReset,
			&in[0], uint32(len(in)),
			nil, 0,
			&bytesReturned,
			nil, 0,
		)
		if err != nil {
			logrus.WithError(err).Warn("beacon: SIO_UDP_CONNRESET ioctl failed")
		}
	})
	if ctrlErr != nil {
		logrus.WithError(ctrlErr).Warn("beacon: raw conn control failed while suppressing ICMP unreachable resets")
	}
}
