package jitter

import (
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pkt(ts uint32) *rtp.Packet {
	return &rtp.Packet{Header: rtp.Header{Timestamp: ts}}
}

func TestDeliveryOrderIsNonDecreasing(t *testing.T) {
	b := New(Config{ClockRate: 8000, MinDelay: 80, MaxDelay: 800, Capacity: 16})
	defer b.Close()

	b.Enqueue(pkt(300))
	b.Enqueue(pkt(100))
	b.Enqueue(pkt(200))

	var last uint32
	for i := 0; i < 3; i++ {
		p, err := b.Dequeue()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, p.Timestamp, last)
		last = p.Timestamp
	}
}

func TestTooLatePacketsAreCountedAndDropped(t *testing.T) {
	b := New(Config{ClockRate: 8000, MinDelay: 1, MaxDelay: 800, Capacity: 16})
	defer b.Close()

	b.Enqueue(pkt(1000))
	_, err := b.Dequeue()
	require.NoError(t, err)

	b.Enqueue(pkt(500)) // older than delivered head -> too late
	stats := b.Statistics()
	assert.EqualValues(t, 1, stats.TooLate)
}

func TestOverrunEvictsOldest(t *testing.T) {
	b := New(Config{ClockRate: 8000, MinDelay: 8000, MaxDelay: 8000, Capacity: 2})
	defer b.Close()

	b.Enqueue(pkt(100))
	b.Enqueue(pkt(200))
	b.Enqueue(pkt(300)) // buffer full at 2, forces an eviction

	stats := b.Statistics()
	assert.EqualValues(t, 1, stats.Overruns)
}

func TestCurrentDelayStaysWithinConfiguredBounds(t *testing.T) {
	b := New(Config{ClockRate: 8000, MinDelay: 160, MaxDelay: 1600, Capacity: 8})
	defer b.Close()

	for i := uint32(0); i < 20; i++ {
		b.Enqueue(pkt(i * 160))
		d := b.CurrentDelay()
		assert.GreaterOrEqual(t, d, uint32(160))
		assert.LessOrEqual(t, d, uint32(1600))
	}
}

func TestCloseUnblocksPendingDequeue(t *testing.T) {
	b := New(Config{ClockRate: 8000, MinDelay: 8000, MaxDelay: 8000, Capacity: 8})

	done := make(chan error, 1)
	go func() {
		_, err := b.Dequeue()
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	b.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not unblock after Close")
	}
}
