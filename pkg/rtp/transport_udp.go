package rtp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// readDeadline is the per-read poll granularity. Short enough that
// context cancellation and the no-receive budget are observed promptly,
// long enough not to spin.
const readDeadline = 100 * time.Millisecond

// UDPTransport is the data-path socket of one RTP session: a bound UDP
// port with media-type-sized kernel buffers, DSCP marking, NAT address
// latching, and a self-loopback unblock for shutdown racing a read.
type UDPTransport struct {
	conn   *net.UDPConn
	config TransportConfig

	mutex      sync.RWMutex
	remoteAddr *net.UDPAddr
	// remoteLocked pins the peer address: signalling said the remote is
	// not symmetric, so inbound datagrams must not re-latch it.
	remoteLocked bool
	active       bool

	recvBuffer int // accepted receive buffer size
	sendBuffer int // accepted send buffer size
}

// NewUDPTransport binds the data socket and applies the buffer targets
// for the session's media type, backing off until the OS accepts.
func NewUDPTransport(config TransportConfig) (*UDPTransport, error) {
	if config.BufferSize == 0 {
		config.BufferSize = 1500
	}

	localAddr, err := net.ResolveUDPAddr("udp", config.LocalAddr)
	if err != nil {
		return nil, fmt.Errorf("rtp transport: resolve local addr: %w", err)
	}

	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("rtp transport: bind %s: %w", config.LocalAddr, err)
	}

	t := &UDPTransport{
		conn:   conn,
		config: config,
		active: true,
	}
	t.recvBuffer, t.sendBuffer = TuneSocketBuffers(conn, config.MediaType)

	if config.DSCP != 0 {
		// QoS marking is platform-specific and best-effort; a container
		// without CAP_NET_ADMIN just runs unmarked.
		_ = applyQoS(conn, config.DSCP)
	}

	if config.RemoteAddr != "" {
		remoteAddr, err := net.ResolveUDPAddr("udp", config.RemoteAddr)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("rtp transport: resolve remote addr: %w", err)
		}
		t.remoteAddr = remoteAddr
	}

	return t, nil
}

// Send marshals and transmits one RTP packet to the current peer.
func (t *UDPTransport) Send(packet *rtp.Packet) error {
	t.mutex.RLock()
	active, conn, remote := t.active, t.conn, t.remoteAddr
	t.mutex.RUnlock()

	if !active {
		return fmt.Errorf("rtp transport: closed")
	}
	if remote == nil {
		return fmt.Errorf("rtp transport: no remote address yet")
	}

	data, err := packet.Marshal()
	if err != nil {
		return fmt.Errorf("rtp transport: marshal: %w", err)
	}
	if _, err := conn.WriteToUDP(data, remote); err != nil {
		return fmt.Errorf("rtp transport: send: %w", err)
	}
	return nil
}

// receiveDatagram reads one raw datagram, handling the shutdown
// unblock marker and diverting STUN to the configured ICE consumer.
func (t *UDPTransport) receiveDatagram(ctx context.Context) ([]byte, *net.UDPAddr, error) {
	t.mutex.RLock()
	active, conn := t.active, t.conn
	bufferSize := t.config.BufferSize
	t.mutex.RUnlock()

	if !active {
		return nil, nil, fmt.Errorf("rtp transport: closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	buffer := make([]byte, bufferSize)
	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))

	n, addr, err := conn.ReadFromUDP(buffer)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		if isTimeoutError(err) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("rtp transport: read: %w", err)
	}

	// Shutdown unblock marker: a 1-byte datagram from ourselves.
	if n == 1 && addr.Port == conn.LocalAddr().(*net.UDPAddr).Port {
		return nil, nil, fmt.Errorf("rtp transport: read unblocked")
	}

	if IsSTUNDatagram(buffer[:n]) {
		if t.config.OnSTUN != nil {
			t.config.OnSTUN(buffer[:n], addr)
		}
		return nil, nil, fmt.Errorf("rtp transport: stun consumed")
	}

	return buffer[:n], addr, nil
}

// Receive blocks for the next RTP packet. Unparseable datagrams are
// dropped with an error the caller is expected to ignore-and-continue
// on. The first valid datagram latches the remote address unless it is
// locked by signalling.
func (t *UDPTransport) Receive(ctx context.Context) (*rtp.Packet, net.Addr, error) {
	data, addr, err := t.receiveDatagram(ctx)
	if err != nil {
		return nil, nil, err
	}
	return t.parseAndLatch(data, addr)
}

// parseAndLatch unmarshals a media datagram and performs the NAT latch.
func (t *UDPTransport) parseAndLatch(data []byte, addr *net.UDPAddr) (*rtp.Packet, net.Addr, error) {
	packet := &rtp.Packet{}
	if err := packet.Unmarshal(data); err != nil {
		return nil, nil, fmt.Errorf("rtp transport: malformed packet from %s: %w", addr, err)
	}

	t.mutex.Lock()
	if t.remoteAddr == nil && !t.remoteLocked {
		t.remoteAddr = addr
	}
	t.mutex.Unlock()

	return packet, addr, nil
}

// Unblock breaks an in-flight blocking read by sending a 1-byte
// datagram to our own port; the read path recognizes and discards it.
// Used by the state machine when the read half shuts down.
func (t *UDPTransport) Unblock() {
	t.mutex.RLock()
	conn, active := t.conn, t.active
	t.mutex.RUnlock()
	if !active {
		return
	}
	if local, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		self := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: local.Port}
		_, _ = conn.WriteToUDP([]byte{0}, self)
	}
}

// LocalAddr returns the bound address.
func (t *UDPTransport) LocalAddr() net.Addr {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

// RemoteAddr returns the current peer, latched or configured.
func (t *UDPTransport) RemoteAddr() net.Addr {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	if t.remoteAddr == nil {
		return nil
	}
	return t.remoteAddr
}

// SetRemoteAddr points the transport at a new peer. This is the
// signalling-driven path and works even when the address is locked.
func (t *UDPTransport) SetRemoteAddr(addr string) error {
	remoteAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("rtp transport: resolve remote addr: %w", err)
	}
	t.mutex.Lock()
	t.remoteAddr = remoteAddr
	t.mutex.Unlock()
	return nil
}

// LockRemoteAddr pins the peer address against NAT latching; only
// SetRemoteAddr may change it afterwards.
func (t *UDPTransport) LockRemoteAddr(locked bool) {
	t.mutex.Lock()
	t.remoteLocked = locked
	t.mutex.Unlock()
}

// BufferSizes returns the receive and send buffer sizes the OS
// actually accepted.
func (t *UDPTransport) BufferSizes() (recv, send int) {
	return t.recvBuffer, t.sendBuffer
}

// Close shuts the socket down. Idempotent.
func (t *UDPTransport) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if !t.active {
		return nil
	}
	t.active = false
	return t.conn.Close()
}

// IsActive reports whether the socket is open.
func (t *UDPTransport) IsActive() bool {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.active
}
