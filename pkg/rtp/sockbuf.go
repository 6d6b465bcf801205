package rtp

import "net"

// Socket buffer targets. Video receive needs room for an I-frame burst;
// audio and control traffic is small and steady.
const (
	RecvBufferVideo   = 1 << 20 // 1 MiB
	RecvBufferAudio   = 16 << 10
	RecvBufferControl = 4 << 10

	SendBufferData    = 8 << 10
	SendBufferControl = 4 << 10

	minSocketBuffer = 1 << 10
)

// bufferSetter is the part of *net.UDPConn the sizing helpers need.
type bufferSetter interface {
	SetReadBuffer(bytes int) error
	SetWriteBuffer(bytes int) error
}

// SetReceiveBufferSize asks the OS for the given receive buffer,
// backing off by 10% on refusal until accepted, never below 1 KiB.
// Returns the size that was accepted.
func SetReceiveBufferSize(conn bufferSetter, target int) int {
	return backOffBufferSize(target, conn.SetReadBuffer)
}

// SetSendBufferSize is the transmit-side counterpart of
// SetReceiveBufferSize.
func SetSendBufferSize(conn bufferSetter, target int) int {
	return backOffBufferSize(target, conn.SetWriteBuffer)
}

func backOffBufferSize(target int, set func(int) error) int {
	size := target
	for size > minSocketBuffer {
		if set(size) == nil {
			return size
		}
		size = size * 9 / 10
	}
	// Last resort: the floor, accepted or not.
	_ = set(minSocketBuffer)
	return minSocketBuffer
}

// recvBufferTarget picks the receive target for a media type.
func recvBufferTarget(media MediaType) int {
	if media == MediaTypeVideo {
		return RecvBufferVideo
	}
	return RecvBufferAudio
}

// TuneSocketBuffers applies the data-socket targets for the given media
// type and returns the accepted (receive, send) sizes.
func TuneSocketBuffers(conn *net.UDPConn, media MediaType) (recv, send int) {
	recv = SetReceiveBufferSize(conn, recvBufferTarget(media))
	send = SetSendBufferSize(conn, SendBufferData)
	return recv, send
}

// TuneControlSocketBuffers applies the control-socket targets.
func TuneControlSocketBuffers(conn *net.UDPConn) (recv, send int) {
	recv = SetReceiveBufferSize(conn, RecvBufferControl)
	send = SetSendBufferSize(conn, SendBufferControl)
	return recv, send
}
