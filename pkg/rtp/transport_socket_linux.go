//go:build linux

package rtp

import (
	"net"

	"golang.org/x/sys/unix"
)

// applyQoS marks the socket's outbound traffic with the given DSCP
// (EF=46 for interactive media) and raises the socket priority so the
// local qdisc favors it. Both are best-effort: unprivileged containers
// commonly refuse SO_PRIORITY, and the stream must still work
// unmarked.
func applyQoS(conn *net.UDPConn, dscp int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	tos := dscp << 2
	return raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, tos)
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PRIORITY, 6)
	})
}
