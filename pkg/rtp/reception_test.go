package rtp

import (
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pkt(seq uint16) *rtp.Packet {
	return &rtp.Packet{Header: rtp.Header{SequenceNumber: seq, Timestamp: uint32(seq) * 160}}
}

func TestReceptionTrackerReordersWithinWindow(t *testing.T) {
	rt := NewReceptionTracker(8000)
	now := time.Now()

	var delivered []uint16
	for _, seq := range []uint16{100, 101, 103, 102, 104} {
		for _, fr := range rt.Process(pkt(seq), now) {
			delivered = append(delivered, fr.Packet.SequenceNumber)
		}
		now = now.Add(20 * time.Millisecond)
	}

	require.Equal(t, []uint16{100, 101, 102, 103, 104}, delivered)
	assert.EqualValues(t, 1, rt.Stats().PacketsOutOfOrder)
}

func TestReceptionTrackerCountsLossOnGap(t *testing.T) {
	rt := NewReceptionTracker(8000)
	now := time.Now()

	rt.Process(pkt(200), now)
	now = now.Add(20 * time.Millisecond)
	rt.Process(pkt(201), now)
	now = now.Add(20 * time.Millisecond)
	frames := rt.Process(pkt(205), now)

	require.Len(t, frames, 1)
	assert.EqualValues(t, 205, frames[0].Packet.SequenceNumber)
	assert.EqualValues(t, 3, frames[0].Discontinuity)
	assert.EqualValues(t, 3, rt.Stats().PacketsLost)
}

func TestReceptionTrackerExpiresStaleOutOfOrderHold(t *testing.T) {
	rt := NewReceptionTracker(8000)
	rt.waitOutOfOrder = 10 * time.Millisecond
	now := time.Now()

	rt.Process(pkt(10), now)
	// 12 arrives ahead of expected 11 and is held.
	frames := rt.Process(pkt(12), now)
	assert.Empty(t, frames)

	// Past the wait window with no 11 ever arriving: 12 is released.
	later := now.Add(20 * time.Millisecond)
	frames = rt.Process(pkt(13), later)
	var delivered []uint16
	for _, fr := range frames {
		delivered = append(delivered, fr.Packet.SequenceNumber)
	}
	assert.Contains(t, delivered, uint16(12))
}

func TestReceptionTrackerConservesPacketAccounting(t *testing.T) {
	rt := NewReceptionTracker(8000)
	now := time.Now()
	for _, seq := range []uint16{1, 2, 3, 8} {
		rt.Process(pkt(seq), now)
		now = now.Add(20 * time.Millisecond)
	}
	s := rt.Stats()
	assert.EqualValues(t, s.PacketsReceived, s.PacketsDelivered+s.PacketsLost+s.PacketsTooLate+uint64(s.PacketsPending))
}

func TestReceptionTrackerSequenceWrapIsLossless(t *testing.T) {
	rt := NewReceptionTracker(8000)
	now := time.Now()

	var delivered []uint16
	for _, seq := range []uint16{65534, 65535, 0, 1} {
		for _, fr := range rt.Process(pkt(seq), now) {
			delivered = append(delivered, fr.Packet.SequenceNumber)
		}
		now = now.Add(20 * time.Millisecond)
	}
	assert.Equal(t, []uint16{65534, 65535, 0, 1}, delivered)
}

func TestReceptionTrackerResynchronisesAfterManyReversals(t *testing.T) {
	rt := NewReceptionTracker(8000)
	now := time.Now()

	rt.Process(pkt(1000), now)
	now = now.Add(20 * time.Millisecond)

	// Stream restarts at a much lower base; each arrival is "behind
	// expected" until the reversal count trips a resync.
	var lastDelivered []uint16
	for i := uint16(0); i < consecutiveReversalsBeforeResync; i++ {
		seq := uint16(1) + i
		for _, fr := range rt.Process(pkt(seq), now) {
			lastDelivered = append(lastDelivered, fr.Packet.SequenceNumber)
		}
		now = now.Add(20 * time.Millisecond)
	}
	require.NotEmpty(t, lastDelivered)
	assert.EqualValues(t, consecutiveReversalsBeforeResync, lastDelivered[len(lastDelivered)-1])
}
