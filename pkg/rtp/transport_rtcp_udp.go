package rtp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// UDPRTCPTransport is the control-path socket: the odd port of the
// session's pair, with the small control buffer targets.
type UDPRTCPTransport struct {
	conn   *net.UDPConn
	config RTCPTransportConfig

	mutex      sync.RWMutex
	remoteAddr *net.UDPAddr
	active     bool
}

// RTCPTransportConfig parameterizes the control transport.
type RTCPTransportConfig struct {
	LocalAddr  string
	RemoteAddr string
	BufferSize int // one-datagram read bound; defaults to 1500
}

// NewUDPRTCPTransport binds the control socket with the 4 KiB control
// buffer targets.
func NewUDPRTCPTransport(config RTCPTransportConfig) (*UDPRTCPTransport, error) {
	if config.BufferSize == 0 {
		config.BufferSize = 1500
	}

	localAddr, err := net.ResolveUDPAddr("udp", config.LocalAddr)
	if err != nil {
		return nil, fmt.Errorf("rtcp transport: resolve local addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("rtcp transport: bind %s: %w", config.LocalAddr, err)
	}
	TuneControlSocketBuffers(conn)

	t := &UDPRTCPTransport{conn: conn, config: config, active: true}

	if config.RemoteAddr != "" {
		remoteAddr, err := net.ResolveUDPAddr("udp", config.RemoteAddr)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("rtcp transport: resolve remote addr: %w", err)
		}
		t.remoteAddr = remoteAddr
	}
	return t, nil
}

// SendRTCP transmits one compound buffer to the control peer.
func (t *UDPRTCPTransport) SendRTCP(data []byte) error {
	t.mutex.RLock()
	active, conn, remote := t.active, t.conn, t.remoteAddr
	t.mutex.RUnlock()

	if !active {
		return fmt.Errorf("rtcp transport: closed")
	}
	if remote == nil {
		return fmt.Errorf("rtcp transport: no remote address yet")
	}
	if _, err := conn.WriteToUDP(data, remote); err != nil {
		return fmt.Errorf("rtcp transport: send: %w", err)
	}
	return nil
}

// ReceiveRTCP blocks for the next compound buffer. The first inbound
// datagram latches the control peer, mirroring the data path's NAT
// behavior.
func (t *UDPRTCPTransport) ReceiveRTCP(ctx context.Context) ([]byte, net.Addr, error) {
	t.mutex.RLock()
	active, conn := t.active, t.conn
	bufferSize := t.config.BufferSize
	t.mutex.RUnlock()

	if !active {
		return nil, nil, fmt.Errorf("rtcp transport: closed")
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
		return nil, nil, fmt.Errorf("rtcp transport: read: %w", err)
	}

	t.mutex.Lock()
	if t.remoteAddr == nil {
		t.remoteAddr = addr
	}
	t.mutex.Unlock()

	return buffer[:n], addr, nil
}

// LocalAddr returns the bound control address.
func (t *UDPRTCPTransport) LocalAddr() net.Addr {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

// RemoteAddr returns the control peer.
func (t *UDPRTCPTransport) RemoteAddr() net.Addr {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	if t.remoteAddr == nil {
		return nil
	}
	return t.remoteAddr
}

// SetRemoteAddr points the control path at a new peer.
func (t *UDPRTCPTransport) SetRemoteAddr(addr string) error {
	remoteAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("rtcp transport: resolve remote addr: %w", err)
	}
	t.mutex.Lock()
	t.remoteAddr = remoteAddr
	t.mutex.Unlock()
	return nil
}

// Close shuts the control socket down. Idempotent.
func (t *UDPRTCPTransport) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if !t.active {
		return nil
	}
	t.active = false
	return t.conn.Close()
}

// IsActive reports whether the control socket is open.
func (t *UDPRTCPTransport) IsActive() bool {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.active
}

// MultiplexedUDPTransport carries RTP and RTCP on one socket
// (single-port mode). Outbound RTCP goes to the same peer as media;
// inbound classification is done by Receive using IsRTCPPacket on the
// payload type byte; control datagrams are queued there, and ReceiveRTCP
// hands back only that queued control traffic.
type MultiplexedUDPTransport struct {
	*UDPTransport

	ctrlMu   sync.Mutex
	ctrlMsgs [][]byte
}

// NewMultiplexedUDPTransport binds one socket for both paths.
func NewMultiplexedUDPTransport(config TransportConfig) (*MultiplexedUDPTransport, error) {
	base, err := NewUDPTransport(config)
	if err != nil {
		return nil, err
	}
	return &MultiplexedUDPTransport{UDPTransport: base}, nil
}

// Receive reads the shared socket, queueing control traffic for
// ReceiveRTCP and returning only media packets. A datagram whose
// payload type byte falls in 200..223 is RTCP by definition here, even
// if the sender meant it as RTP (the single-port ambiguity is resolved
// in favor of the control path).
func (t *MultiplexedUDPTransport) Receive(ctx context.Context) (*rtp.Packet, net.Addr, error) {
	for {
		data, addr, err := t.receiveDatagram(ctx)
		if err != nil {
			return nil, nil, err
		}
		if IsRTCPPacket(data) {
			t.deliverRTCP(data)
			continue
		}
		return t.parseAndLatch(data, addr)
	}
}

// SendRTCP transmits a compound buffer over the shared socket.
func (t *MultiplexedUDPTransport) SendRTCP(data []byte) error {
	t.mutex.RLock()
	active, conn, remote := t.active, t.conn, t.remoteAddr
	t.mutex.RUnlock()

	if !active {
		return fmt.Errorf("mux transport: closed")
	}
	if remote == nil {
		return fmt.Errorf("mux transport: no remote address yet")
	}
	if _, err := conn.WriteToUDP(data, remote); err != nil {
		return fmt.Errorf("mux transport: send rtcp: %w", err)
	}
	return nil
}

// deliverRTCP queues one classified control buffer for ReceiveRTCP.
// Called by Receive when a datagram read from the shared socket has a
// payload type in the RTCP range.
func (t *MultiplexedUDPTransport) deliverRTCP(data []byte) {
	t.ctrlMu.Lock()
	t.ctrlMsgs = append(t.ctrlMsgs, data)
	t.ctrlMu.Unlock()
}

// ReceiveRTCP returns the next control buffer classified off the
// shared socket, polling until one arrives or the context ends.
func (t *MultiplexedUDPTransport) ReceiveRTCP(ctx context.Context) ([]byte, net.Addr, error) {
	for {
		t.ctrlMu.Lock()
		if len(t.ctrlMsgs) > 0 {
			msg := t.ctrlMsgs[0]
			t.ctrlMsgs = t.ctrlMsgs[1:]
			t.ctrlMu.Unlock()
			return msg, t.RemoteAddr(), nil
		}
		t.ctrlMu.Unlock()

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(readDeadline):
		}
		if !t.IsActive() {
			return nil, nil, fmt.Errorf("mux transport: closed")
		}
	}
}

// IsRTCPPacket classifies a datagram read from the shared socket.
func (t *MultiplexedUDPTransport) IsRTCPPacket(data []byte) bool {
	return IsRTCPPacket(data)
}
