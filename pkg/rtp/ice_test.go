package rtp

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func udpAddr(t *testing.T, s string) *net.UDPAddr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", s)
	require.NoError(t, err)
	return addr
}

func TestIsSTUNDatagram(t *testing.T) {
	ic := NewICEController(ICEConfig{})
	req := ic.buildBindingRequest()
	assert.True(t, IsSTUNDatagram(req))

	// An RTP packet always has version 2 in the top bits.
	rtpHdr := make([]byte, 20)
	rtpHdr[0] = 0x80
	assert.False(t, IsSTUNDatagram(rtpHdr))
	assert.False(t, IsSTUNDatagram([]byte{0, 1}))
}

func TestICEOnlyUDPCandidatesConsumed(t *testing.T) {
	ic := NewICEController(ICEConfig{})
	addr := udpAddr(t, "192.0.2.1:4000")

	require.NoError(t, ic.AddCandidate("udp", addr))
	assert.Error(t, ic.AddCandidate("tcp", addr))
}

func TestICEBindingResponseValidatesCandidate(t *testing.T) {
	var mu sync.Mutex
	var sent [][]byte
	ic := NewICEController(ICEConfig{
		SendDatagram: func(data []byte, to *net.UDPAddr) error {
			mu.Lock()
			sent = append(sent, data)
			mu.Unlock()
			return nil
		},
	})
	remote := udpAddr(t, "192.0.2.1:4000")
	require.NoError(t, ic.AddCandidate("udp", remote))

	ic.SendChecks()
	mu.Lock()
	require.NotEmpty(t, sent)
	req := sent[0]
	mu.Unlock()

	// Build the response a remote agent would send back.
	resp := ic.buildBindingResponse(req)
	assert.True(t, ic.HandleDatagram(resp, remote))

	got, err := ic.WaitValidated(context.Background())
	require.NoError(t, err)
	assert.Equal(t, remote, got)
}

func TestICEControlledSideAcceptsUseCandidate(t *testing.T) {
	controlling := NewICEController(ICEConfig{Controlling: true, Username: "a:b"})
	controlled := NewICEController(ICEConfig{
		SendDatagram: func([]byte, *net.UDPAddr) error { return nil },
	})
	remote := udpAddr(t, "192.0.2.7:5004")
	require.NoError(t, controlled.AddCandidate("udp", remote))

	req := controlling.buildBindingRequest()
	require.True(t, hasAttribute(req, attrUseCandidate))

	assert.True(t, controlled.HandleDatagram(req, remote))
	assert.Equal(t, remote, controlled.Validated())
}

func TestICEWaitValidatedIsBounded(t *testing.T) {
	ic := NewICEController(ICEConfig{ValidationPatience: 30 * time.Millisecond})

	start := time.Now()
	_, err := ic.WaitValidated(context.Background())
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestICEMediaDatagramNotConsumed(t *testing.T) {
	ic := NewICEController(ICEConfig{})
	media := make([]byte, 64)
	media[0] = 0x80
	assert.False(t, ic.HandleDatagram(media, udpAddr(t, "192.0.2.1:4000")))
}
