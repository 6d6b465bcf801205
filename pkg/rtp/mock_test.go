package rtp

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// MockTransport is an in-memory Transport for session tests: sends are
// recorded, receives are injected through a channel.
type MockTransport struct {
	mutex       sync.Mutex
	sentPackets []*rtp.Packet
	incoming    chan *rtp.Packet
	localAddr   *net.UDPAddr
	remoteAddr  *net.UDPAddr
	active      bool
	sendErr     error
}

func NewMockTransport() *MockTransport {
	return &MockTransport{
		incoming:   make(chan *rtp.Packet, 100),
		localAddr:  &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5004},
		remoteAddr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5006},
		active:     true,
	}
}

// FailSends makes every subsequent Send return err (nil restores).
func (mt *MockTransport) FailSends(err error) {
	mt.mutex.Lock()
	mt.sendErr = err
	mt.mutex.Unlock()
}

func (mt *MockTransport) Send(packet *rtp.Packet) error {
	mt.mutex.Lock()
	defer mt.mutex.Unlock()
	if mt.sendErr != nil {
		return mt.sendErr
	}
	mt.sentPackets = append(mt.sentPackets, packet)
	return nil
}

// Inject queues a packet for the next Receive.
func (mt *MockTransport) Inject(packet *rtp.Packet) {
	mt.incoming <- packet
}

// SentPackets snapshots everything sent so far.
func (mt *MockTransport) SentPackets() []*rtp.Packet {
	mt.mutex.Lock()
	defer mt.mutex.Unlock()
	out := make([]*rtp.Packet, len(mt.sentPackets))
	copy(out, mt.sentPackets)
	return out
}

func (mt *MockTransport) Receive(ctx context.Context) (*rtp.Packet, net.Addr, error) {
	select {
	case pkt := <-mt.incoming:
		return pkt, mt.remoteAddr, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-time.After(50 * time.Millisecond):
		return nil, nil, context.DeadlineExceeded
	}
}

func (mt *MockTransport) LocalAddr() net.Addr  { return mt.localAddr }
func (mt *MockTransport) RemoteAddr() net.Addr { return mt.remoteAddr }

func (mt *MockTransport) Close() error {
	mt.mutex.Lock()
	mt.active = false
	mt.mutex.Unlock()
	return nil
}

func (mt *MockTransport) IsActive() bool {
	mt.mutex.Lock()
	defer mt.mutex.Unlock()
	return mt.active
}

// MockRTCPTransport is the control-path counterpart.
type MockRTCPTransport struct {
	mutex    sync.Mutex
	sent     [][]byte
	incoming chan []byte
	active   bool
}

func NewMockRTCPTransport() *MockRTCPTransport {
	return &MockRTCPTransport{
		incoming: make(chan []byte, 100),
		active:   true,
	}
}

func (mt *MockRTCPTransport) SendRTCP(data []byte) error {
	mt.mutex.Lock()
	defer mt.mutex.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	mt.sent = append(mt.sent, buf)
	return nil
}

// Inject queues a compound buffer for the next ReceiveRTCP.
func (mt *MockRTCPTransport) Inject(data []byte) {
	mt.incoming <- data
}

// SentBuffers snapshots every compound buffer sent so far.
func (mt *MockRTCPTransport) SentBuffers() [][]byte {
	mt.mutex.Lock()
	defer mt.mutex.Unlock()
	out := make([][]byte, len(mt.sent))
	copy(out, mt.sent)
	return out
}

func (mt *MockRTCPTransport) ReceiveRTCP(ctx context.Context) ([]byte, net.Addr, error) {
	select {
	case data := <-mt.incoming:
		return data, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5007}, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-time.After(50 * time.Millisecond):
		return nil, nil, context.DeadlineExceeded
	}
}

func (mt *MockRTCPTransport) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5005}
}
func (mt *MockRTCPTransport) RemoteAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5007}
}

func (mt *MockRTCPTransport) Close() error {
	mt.mutex.Lock()
	mt.active = false
	mt.mutex.Unlock()
	return nil
}

func (mt *MockRTCPTransport) IsActive() bool {
	mt.mutex.Lock()
	defer mt.mutex.Unlock()
	return mt.active
}
