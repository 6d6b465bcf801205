package rtp

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSenderReportRoundTrip(t *testing.T) {
	sr := &SenderReport{
		SSRC:        0x11223344,
		NTPTime:     NTPTimestamp(time.Unix(1700000000, 500000000)),
		RTPTime:     160000,
		PacketCount: 200,
		OctetCount:  200 * 160,
		Reports: []ReceptionReport{{
			SSRC:             0x55667788,
			FractionLost:     12,
			TotalLost:        34,
			HighestSeq:       0x0001FFFF,
			Jitter:           5,
			LastSR:           0xAABBCCDD,
			DelaySinceLastSR: 65536,
		}},
	}

	data, err := sr.Marshal()
	require.NoError(t, err)

	var got SenderReport
	require.NoError(t, got.Unmarshal(data))
	assert.Equal(t, *sr, got)
}

func TestReceiverReportRoundTrip(t *testing.T) {
	rr := &ReceiverReport{
		SSRC: 0xCAFEBABE,
		Reports: []ReceptionReport{
			{SSRC: 1, FractionLost: 0, TotalLost: 0, HighestSeq: 100},
			{SSRC: 2, FractionLost: 255, TotalLost: 0x00FFFFFF, HighestSeq: 200},
		},
	}

	data, err := rr.Marshal()
	require.NoError(t, err)

	var got ReceiverReport
	require.NoError(t, got.Unmarshal(data))
	assert.Equal(t, *rr, got)
}

func TestSDESRoundTrip(t *testing.T) {
	sdes := &SourceDescriptionPacket{Chunks: []SDESChunk{{
		SSRC: 0x12345678,
		Items: []SDESItem{
			{Type: SDESTypeCNAME, Text: "QWJjZGVmZ2hp"},
			{Type: SDESTypeTool, Text: "opal-media-core"},
		},
	}}}

	data, err := sdes.Marshal()
	require.NoError(t, err)
	assert.Equal(t, 0, len(data)%4, "SDES must be 32-bit aligned")

	var got SourceDescriptionPacket
	require.NoError(t, got.Unmarshal(data))
	require.Len(t, got.Chunks, 1)
	assert.Equal(t, sdes.Chunks[0].SSRC, got.Chunks[0].SSRC)
	assert.Equal(t, sdes.Chunks[0].Items, got.Chunks[0].Items)

	desc := got.Chunks[0].Description()
	assert.Equal(t, "QWJjZGVmZ2hp", desc.CNAME)
	assert.Equal(t, "opal-media-core", desc.TOOL)
}

func TestByeRoundTrip(t *testing.T) {
	bye := NewByePacket(0xDEADBEEF, "session shutdown")
	data, err := bye.Marshal()
	require.NoError(t, err)

	var got ByePacket
	require.NoError(t, got.Unmarshal(data))
	assert.Equal(t, []uint32{0xDEADBEEF}, got.Sources)
	assert.Equal(t, "session shutdown", got.Reason)
}

func TestIsRTCPPacketSinglePortRange(t *testing.T) {
	mk := func(pt uint8) []byte { return []byte{0x80, pt, 0, 1, 0, 0, 0, 0} }

	assert.True(t, IsRTCPPacket(mk(RTCPTypeSR)))
	assert.True(t, IsRTCPPacket(mk(RTCPTypeBYE)))
	assert.True(t, IsRTCPPacket(mk(RTCPTypeXR)))
	// Reserved RTCP range still classifies as control in single-port
	// mode, resolving the RTP-payload-type ambiguity toward RTCP.
	assert.True(t, IsRTCPPacket(mk(223)))
	assert.False(t, IsRTCPPacket(mk(0)))   // PCMU
	assert.False(t, IsRTCPPacket(mk(96)))  // dynamic media
	assert.False(t, IsRTCPPacket(mk(224)))
}

func TestSplitCompound(t *testing.T) {
	sr := &SenderReport{SSRC: 1}
	bye := NewByePacket(1, "")
	srData, err := sr.Marshal()
	require.NoError(t, err)
	byeData, err := bye.Marshal()
	require.NoError(t, err)

	parts := SplitCompound(append(append([]byte{}, srData...), byeData...))
	require.Len(t, parts, 2)
	assert.Equal(t, RTCPTypeSR, parts[0][1])
	assert.Equal(t, RTCPTypeBYE, parts[1][1])
}

func TestNTPTimestampRoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 123456789)
	ntp := NTPTimestamp(now)
	back := NTPTimestampToTime(ntp)
	assert.WithinDuration(t, now, back, time.Microsecond)
	assert.Equal(t, uint32(ntp>>16), MiddleNTP(ntp))
}

func TestCalculateFractionLost(t *testing.T) {
	assert.EqualValues(t, 0, CalculateFractionLost(0, 0))
	assert.EqualValues(t, 0, CalculateFractionLost(100, 0))
	assert.EqualValues(t, 64, CalculateFractionLost(100, 25))
	assert.EqualValues(t, 255, CalculateFractionLost(10, 10))
}

func newTestRTCPSession(t *testing.T, cfg RTCPSessionConfig) (*RTCPSession, *MockRTCPTransport) {
	t.Helper()
	transport := NewMockRTCPTransport()
	cfg.RTCPTransport = transport
	if cfg.SSRC == 0 {
		cfg.SSRC = 0x01020304
	}
	rs, err := NewRTCPSession(cfg)
	require.NoError(t, err)
	return rs, transport
}

func TestRTCPReportIsCompoundWithSDES(t *testing.T) {
	rs, transport := newTestRTCPSession(t, RTCPSessionConfig{
		TxState: func() (uint32, uint32, uint32, bool) { return 200, 200 * 160, 999, true },
		Sources: func() []uint32 { return []uint32{0xAA} },
		RxStats: func(uint32) (ReceptionStats, bool) {
			return ReceptionStats{PacketsReceived: 100, PacketsLost: 5, ExtendedHighestSeq: 105}, true
		},
	})

	require.NoError(t, rs.SendReport())
	sent := transport.SentBuffers()
	require.Len(t, sent, 1)

	parts := SplitCompound(sent[0])
	require.Len(t, parts, 2, "SR + SDES")
	assert.Equal(t, RTCPTypeSR, parts[0][1])
	assert.Equal(t, RTCPTypeSDES, parts[1][1])

	var sr SenderReport
	require.NoError(t, sr.Unmarshal(parts[0]))
	assert.EqualValues(t, 200, sr.PacketCount)
	assert.EqualValues(t, 200*160, sr.OctetCount)
	require.Len(t, sr.Reports, 1)
	assert.EqualValues(t, 0xAA, sr.Reports[0].SSRC)
	assert.EqualValues(t, 5, sr.Reports[0].TotalLost)

	var sdes SourceDescriptionPacket
	require.NoError(t, sdes.Unmarshal(parts[1]))
	require.Len(t, sdes.Chunks, 1)
	desc := sdes.Chunks[0].Description()
	assert.Len(t, desc.CNAME, 12, "CNAME is 12 base64 chars of a GUID")
	assert.Equal(t, "opal-media-core", desc.TOOL)
}

func TestRTCPEmptyRRWhenNothingSent(t *testing.T) {
	rs, transport := newTestRTCPSession(t, RTCPSessionConfig{
		TxState: func() (uint32, uint32, uint32, bool) { return 0, 0, 0, false },
	})

	require.NoError(t, rs.SendReport())
	parts := SplitCompound(transport.SentBuffers()[0])
	require.NotEmpty(t, parts)
	assert.Equal(t, RTCPTypeRR, parts[0][1])
}

func TestRTCPSuppressionBlocksReportsNotBye(t *testing.T) {
	rs, transport := newTestRTCPSession(t, RTCPSessionConfig{})

	rs.SetReportsSuppressed(true)
	assert.True(t, rs.ReportsSuppressed())

	// BYE still goes out; that is the point of Shutdown(write).
	require.NoError(t, rs.SendBye("done"))
	sent := transport.SentBuffers()
	require.Len(t, sent, 1)
	assert.Equal(t, RTCPTypeBYE, sent[0][1])
}

func TestRTCPDispatchRecordsSenderReportTiming(t *testing.T) {
	rs, _ := newTestRTCPSession(t, RTCPSessionConfig{})

	sr := &SenderReport{SSRC: 0x77, NTPTime: NTPTimestamp(time.Now()), PacketCount: 10}
	data, err := sr.Marshal()
	require.NoError(t, err)

	require.NoError(t, rs.ProcessRTCPPacket(data, nil))
	ntp, at, ok := rs.LastSenderReport(0x77)
	require.True(t, ok)
	assert.Equal(t, sr.NTPTime, ntp)
	assert.WithinDuration(t, time.Now(), at, time.Second)
}

func TestRTCPDispatchByeRemovesSource(t *testing.T) {
	var removed []uint32
	rs, _ := newTestRTCPSession(t, RTCPSessionConfig{
		OnBye: func(ssrc uint32) { removed = append(removed, ssrc) },
	})

	data, err := NewByePacket(0x1111, "bye").Marshal()
	require.NoError(t, err)
	require.NoError(t, rs.ProcessRTCPPacket(data, nil))
	assert.Equal(t, []uint32{0x1111}, removed)
}

func TestRTCPMalformedSubPacketIsSkipped(t *testing.T) {
	var got int
	rs, _ := newTestRTCPSession(t, RTCPSessionConfig{
		OnRTCPReceived: func(RTCPPacket, net.Addr) { got++ },
	})

	good, err := NewByePacket(0x42, "").Marshal()
	require.NoError(t, err)
	// A garbage sub-packet after a valid one: the valid one is
	// dispatched, the rest of the buffer is dropped, no error kills
	// the session.
	buf := append(good, 0xFF, 0xFF, 0xFF)
	require.NoError(t, rs.ProcessRTCPPacket(buf, nil))
	assert.Equal(t, 1, got)
}
