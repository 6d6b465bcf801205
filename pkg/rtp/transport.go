package rtp

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"

	"github.com/pion/rtp"
)

// Transport moves RTP packets for one session's data path. The session
// layer owns the read loop; Receive blocks with a short internal
// deadline so cancellation and the maxNoReceiveTime budget stay
// responsive.
type Transport interface {
	Send(packet *rtp.Packet) error
	Receive(ctx context.Context) (*rtp.Packet, net.Addr, error)
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	Close() error
	IsActive() bool
}

// RTCPTransport moves raw RTCP compound buffers for the control path.
// Split from Transport because control traffic is unframed bytes, not
// parsed RTP packets.
type RTCPTransport interface {
	SendRTCP(data []byte) error
	ReceiveRTCP(ctx context.Context) ([]byte, net.Addr, error)
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	Close() error
	IsActive() bool
}

// MultiplexedTransport is a Transport that also carries RTCP on the
// same socket (single-port mode). Inbound classification is by payload
// type byte: 200..223 routes to the control path.
type MultiplexedTransport interface {
	Transport
	SendRTCP(data []byte) error
	ReceiveRTCP(ctx context.Context) ([]byte, net.Addr, error)
}

// TransportConfig parameterizes a data transport.
type TransportConfig struct {
	// LocalAddr is the bind address, "ip:port".
	LocalAddr string
	// RemoteAddr optionally pre-sets the peer; otherwise the first
	// valid inbound datagram latches it (symmetric RTP).
	RemoteAddr string
	// BufferSize bounds one datagram read. Defaults to 1500.
	BufferSize int
	// MediaType selects the socket buffer targets; video gets the
	// large receive buffer.
	MediaType MediaType
	// DSCP, when non-zero, marks outbound packets for QoS (EF=46 is
	// the telephony convention).
	DSCP int
	// OnSTUN, when set, receives datagrams classified as STUN instead
	// of them being dropped, so an ICE controller can consume
	// connectivity checks arriving on the media port.
	OnSTUN func(data []byte, from *net.UDPAddr)
}

// DefaultTransportConfig returns the audio-session defaults.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		BufferSize: 1500,
		MediaType:  MediaTypeAudio,
		DSCP:       46,
	}
}

// IsUnreachableError reports whether a send failure indicates the peer
// is gone (ICMP unreachable, reset) rather than a local/transient
// condition. The stall detector does not consult it: Session counts
// every send error as a strike.
func IsUnreachableError(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range []error{
		syscall.ECONNREFUSED,
		syscall.EHOSTUNREACH,
		syscall.ENETUNREACH,
		syscall.ECONNRESET,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// isTimeoutError reports a read deadline expiry, which the receive
// loop treats as "no data yet", not a failure.
func isTimeoutError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}
