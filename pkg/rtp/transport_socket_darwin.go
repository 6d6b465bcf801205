//go:build darwin

package rtp

import (
	"net"

	"golang.org/x/sys/unix"
)

// applyQoS marks outbound traffic with the given DSCP. macOS has no
// SO_PRIORITY; TOS/TCLASS marking is all that is portable here, and it
// is best-effort.
func applyQoS(conn *net.UDPConn, dscp int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	tos := dscp << 2
	return raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, tos)
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
	})
}
