package connection

import (
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	pionrtp "github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBasicAudioCallLocalhost drives the canonical G.711 µ-law call:
// two legs on loopback, one audio session each, 200 packets of 160
// samples from A to B.
func TestBasicAudioCallLocalhost(t *testing.T) {
	if testing.Short() {
		t.Skip("localhost media exchange")
	}

	legA, err := New(Config{LocalIP: "127.0.0.1", Ports: PortRange{Min: 31000, Max: 31100}})
	require.NoError(t, err)
	legB, err := New(Config{LocalIP: "127.0.0.1", Ports: PortRange{Min: 31200, Max: 31300}})
	require.NoError(t, err)

	pcmu := testFormats(t, "PCMU")[0]

	msA, err := legA.CreateSession(1, pcmu)
	require.NoError(t, err)
	msB, err := legB.CreateSession(1, pcmu)
	require.NoError(t, err)
	defer legA.ReleaseSession(1)
	defer legB.ReleaseSession(1)

	assert.GreaterOrEqual(t, msA.RTPPort, 31000)
	assert.LessOrEqual(t, msA.RTPPort, 31100)

	require.NoError(t, msA.SetRemoteMedia(
		fmt.Sprintf("127.0.0.1:%d", msB.RTPPort),
		fmt.Sprintf("127.0.0.1:%d", msB.RTCPPort)))
	require.NoError(t, msB.SetRemoteMedia(
		fmt.Sprintf("127.0.0.1:%d", msA.RTPPort),
		fmt.Sprintf("127.0.0.1:%d", msA.RTCPPort)))

	var received int64
	msB.Session.RegisterIncomingHandler(func(_ *pionrtp.Packet, _ net.Addr) {
		atomic.AddInt64(&received, 1)
	})

	require.NoError(t, msA.Start())
	require.NoError(t, msB.Start())

	payload := make([]byte, 160)
	for i := 0; i < 200; i++ {
		require.NoError(t, msA.Session.SendAudio(payload, 20*time.Millisecond))
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&received) == 200
	}, 5*time.Second, 20*time.Millisecond)

	stats := msA.Session.GetStatistics()
	assert.EqualValues(t, 200, stats.PacketsSent)
	assert.EqualValues(t, 200*160, stats.BytesSent)
}
