//go:build windows

package rtp

import (
	"net"

	"golang.org/x/sys/windows"
)

// applyQoS marks outbound traffic with the given DSCP. Windows ignores
// IP_TOS set at socket level on recent versions (qWAVE owns QoS), so
// the call is best-effort and failure is acceptable.
func applyQoS(conn *net.UDPConn, dscp int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	tos := dscp << 2
	return raw.Control(func(fd uintptr) {
		_ = windows.SetsockoptInt(windows.Handle(fd), windows.IPPROTO_IP, windows.IP_TOS, tos)
	})
}
