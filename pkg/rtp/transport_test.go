package rtp

import (
	"context"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoopbackPair(t *testing.T) (*UDPTransport, *UDPTransport) {
	t.Helper()
	a, err := NewUDPTransport(TransportConfig{LocalAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	b, err := NewUDPTransport(TransportConfig{LocalAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	require.NoError(t, a.SetRemoteAddr(b.LocalAddr().String()))
	require.NoError(t, b.SetRemoteAddr(a.LocalAddr().String()))
	return a, b
}

func testPacket(seq uint16) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version: 2, PayloadType: 0, SequenceNumber: seq,
			Timestamp: uint32(seq) * 160, SSRC: 0x42,
		},
		Payload: make([]byte, 160),
	}
}

func receiveOne(t *testing.T, tr Transport) *rtp.Packet {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		pkt, _, err := tr.Receive(ctx)
		if err == nil {
			return pkt
		}
		require.NoError(t, ctx.Err(), "no packet before deadline")
	}
}

func TestUDPTransportSendReceive(t *testing.T) {
	a, b := newLoopbackPair(t)

	require.NoError(t, a.Send(testPacket(7)))
	got := receiveOne(t, b)
	assert.EqualValues(t, 7, got.SequenceNumber)
	assert.EqualValues(t, 0x42, got.SSRC)
}

func TestUDPTransportNATLatch(t *testing.T) {
	a, err := NewUDPTransport(TransportConfig{LocalAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	defer a.Close()

	// b has no remote configured; a's first packet latches it.
	b, err := NewUDPTransport(TransportConfig{LocalAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	defer b.Close()
	require.Nil(t, b.RemoteAddr())

	require.NoError(t, a.SetRemoteAddr(b.LocalAddr().String()))
	require.NoError(t, a.Send(testPacket(1)))
	receiveOne(t, b)

	latched := b.RemoteAddr()
	require.NotNil(t, latched)
	assert.Equal(t, a.LocalAddr().(*net.UDPAddr).Port, latched.(*net.UDPAddr).Port)
}

func TestUDPTransportLockBlocksLatch(t *testing.T) {
	a, err := NewUDPTransport(TransportConfig{LocalAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	defer a.Close()

	b, err := NewUDPTransport(TransportConfig{LocalAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	defer b.Close()
	b.LockRemoteAddr(true)

	require.NoError(t, a.SetRemoteAddr(b.LocalAddr().String()))
	require.NoError(t, a.Send(testPacket(1)))
	receiveOne(t, b)

	assert.Nil(t, b.RemoteAddr(), "locked transport must not latch from inbound traffic")

	// Signalling can still set it.
	require.NoError(t, b.SetRemoteAddr(a.LocalAddr().String()))
	assert.NotNil(t, b.RemoteAddr())
}

func TestUDPTransportSTUNDiverted(t *testing.T) {
	var stunSeen int
	b, err := NewUDPTransport(TransportConfig{
		LocalAddr: "127.0.0.1:0",
		OnSTUN:    func(data []byte, from *net.UDPAddr) { stunSeen++ },
	})
	require.NoError(t, err)
	defer b.Close()

	// Raw socket client sending a STUN binding request at b.
	client, err := net.Dial("udp", b.LocalAddr().String())
	require.NoError(t, err)
	defer client.Close()

	ic := NewICEController(ICEConfig{})
	_, err = client.Write(ic.buildBindingRequest())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for stunSeen == 0 && ctx.Err() == nil {
		_, _, err = b.Receive(ctx)
		assert.Error(t, err, "STUN datagram is consumed, not returned as media")
	}
	assert.Equal(t, 1, stunSeen)
	assert.Nil(t, b.RemoteAddr(), "STUN must not latch the media peer")
}

func TestUDPTransportUnblock(t *testing.T) {
	b, err := NewUDPTransport(TransportConfig{LocalAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	defer b.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// The 1-byte self datagram surfaces as a non-timeout error.
		for {
			_, _, err := b.Receive(ctx)
			if err != nil && !isTimeoutError(err) {
				return
			}
		}
	}()

	b.Unblock()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Unblock did not break the blocking read")
	}
}

func TestUDPTransportBufferTargets(t *testing.T) {
	tr, err := NewUDPTransport(TransportConfig{
		LocalAddr: "127.0.0.1:0",
		MediaType: MediaTypeAudio,
	})
	require.NoError(t, err)
	defer tr.Close()

	recv, send := tr.BufferSizes()
	assert.GreaterOrEqual(t, recv, minSocketBuffer)
	assert.GreaterOrEqual(t, send, minSocketBuffer)
}

func TestMultiplexedTransportClassifiesRTCP(t *testing.T) {
	mux, err := NewMultiplexedUDPTransport(TransportConfig{LocalAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	defer mux.Close()

	client, err := net.Dial("udp", mux.LocalAddr().String())
	require.NoError(t, err)
	defer client.Close()

	// One RTCP BYE and one media packet into the shared socket.
	byeData, err := NewByePacket(0x33, "").Marshal()
	require.NoError(t, err)
	_, err = client.Write(byeData)
	require.NoError(t, err)

	mediaData, err := testPacket(9).Marshal()
	require.NoError(t, err)
	_, err = client.Write(mediaData)
	require.NoError(t, err)

	// The media read skips past the RTCP datagram, queueing it.
	pkt := receiveOne(t, mux)
	assert.EqualValues(t, 9, pkt.SequenceNumber)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ctrl, _, err := mux.ReceiveRTCP(ctx)
	require.NoError(t, err)
	assert.Equal(t, RTCPTypeBYE, ctrl[1])
}

func TestIsUnreachableError(t *testing.T) {
	assert.False(t, IsUnreachableError(nil))
	assert.False(t, IsUnreachableError(context.DeadlineExceeded))

	// ICMP from a dead port is not guaranteed synchronously, so
	// exercise the classifier on a synthetic wrapped errno.
	assert.True(t, IsUnreachableError(&net.OpError{Op: "write", Err: syscall.ECONNREFUSED}))
}
