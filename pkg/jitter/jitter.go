// Package jitter implements the adaptive jitter buffer: a ring of
// timestamped packets reordered into a smooth playout stream, with delay
// bounded between a configured min and max and adapted to observed
// inter-arrival jitter.
//
// Grounded on the existing heap-by-timestamp jitter buffer (adaptive
// delay, loss/late bookkeeping), restructured to use
// single-producer/single-consumer condition-variable synchronization
// instead of a channel-plus-poll-ticker design.
package jitter

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// ErrClosed is returned by Dequeue once the buffer has been closed and
// drained.
var ErrClosed = errors.New("jitter buffer closed")

// Config parameterizes a Buffer. Delays are expressed in RTP clock-rate
// units ("timestamp units") rather than wall-clock milliseconds.
type Config struct {
	ClockRate uint32
	MinDelay  uint32 // timestamp units
	MaxDelay  uint32 // timestamp units
	Capacity  int    // max packets held before overrun
}

type entry struct {
	packet  *rtp.Packet
	arrival time.Time
	index   int
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	return h[i].packet.Timestamp < h[j].packet.Timestamp
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *entryHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Stats is a snapshot of the buffer's counters.
type Stats struct {
	Received    uint64
	Delivered   uint64
	TooLate     uint64 // timestamp < head, dropped
	Overruns    uint64 // buffer full, oldest evicted
	CurrentDelay uint32
	TargetDelay  uint32
}

// Buffer is an adaptive, single-producer/single-consumer jitter buffer.
type Buffer struct {
	cfg Config

	mu     sync.Mutex
	cond   *sync.Cond
	pq     entryHeap
	closed bool

	headTimestamp uint32
	haveHead      bool

	targetDelay  uint32
	currentDelay uint32

	stats Stats

	stopCh chan struct{}
	once   sync.Once
}

// New constructs a Buffer; MinDelay/MaxDelay/Capacity default to 20ms,
// 200ms-equivalent, and 64 packets (in clock-rate units) when zero.
func New(cfg Config) *Buffer {
	if cfg.ClockRate == 0 {
		cfg.ClockRate = 8000
	}
	if cfg.MinDelay == 0 {
		cfg.MinDelay = cfg.ClockRate / 50 // 20ms
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = cfg.ClockRate / 5 // 200ms
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 64
	}
	b := &Buffer{
		cfg:          cfg,
		targetDelay:  cfg.MinDelay,
		currentDelay: cfg.MinDelay,
		stopCh:       make(chan struct{}),
	}
	b.cond = sync.NewCond(&b.mu)
	heap.Init(&b.pq)
	go b.ticker()
	return b
}

// ticker periodically wakes Dequeue waiters so time-based playout
// readiness (not just new arrivals) is re-evaluated, on a 5ms period
// expressed as a cond broadcast instead of a channel write.
func (b *Buffer) ticker() {
	t := time.NewTicker(5 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-t.C:
			b.mu.Lock()
			b.cond.Broadcast()
			b.mu.Unlock()
		}
	}
}

// Enqueue adds a received packet. Packets whose timestamp is older than
// the current playout head are counted as too-late and dropped rather
// than inserted. When the buffer is full, the oldest entry is evicted and
// counted as an overrun.
func (b *Buffer) Enqueue(pkt *rtp.Packet) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	b.stats.Received++

	if b.haveHead && tsLess(pkt.Timestamp, b.headTimestamp) {
		b.stats.TooLate++
		return
	}

	if len(b.pq) >= b.cfg.Capacity {
		oldest := heap.Pop(&b.pq).(*entry)
		_ = oldest
		b.stats.Overruns++
	}

	heap.Push(&b.pq, &entry{packet: pkt, arrival: time.Now()})
	b.adaptDelayLocked()
	b.cond.Broadcast()
}

// tsLess compares RTP timestamps with 32-bit wrap-around semantics.
func tsLess(a, b uint32) bool {
	return int32(a-b) < 0
}

// Dequeue blocks until the next packet in timestamp order is ready for
// playout (its arrival + current delay has elapsed) or the buffer is
// closed and drained, in which case it returns ErrClosed.
func (b *Buffer) Dequeue() (*rtp.Packet, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		if len(b.pq) > 0 {
			head := b.pq[0]
			// Once closed, remaining packets drain without waiting out
			// the delay: the ticker that re-checks readiness has stopped.
			ready := b.closed || time.Since(head.arrival) >= delayAsDuration(b.currentDelay, b.cfg.ClockRate)
			if ready {
				e := heap.Pop(&b.pq).(*entry)
				b.headTimestamp = e.packet.Timestamp
				b.haveHead = true
				b.stats.Delivered++
				return e.packet, nil
			}
		}
		if b.closed && len(b.pq) == 0 {
			return nil, ErrClosed
		}
		b.cond.Wait()
	}
}

func delayAsDuration(delay uint32, clockRate uint32) time.Duration {
	return time.Duration(delay) * time.Second / time.Duration(clockRate)
}

// adaptDelayLocked nudges targetDelay toward keeping the buffer around
// half-full, clamped to [MinDelay,MaxDelay], then eases currentDelay
// toward targetDelay (slower to grow, faster to shrink).
func (b *Buffer) adaptDelayLocked() {
	targetFill := b.cfg.Capacity / 2
	step := b.cfg.ClockRate / 500 // ~2ms in clock-rate units
	switch {
	case len(b.pq) > targetFill*3/2:
		if b.targetDelay > step {
			b.targetDelay -= step
		} else {
			b.targetDelay = 0
		}
	case len(b.pq) < targetFill/2:
		b.targetDelay += step
	}
	if b.targetDelay < b.cfg.MinDelay {
		b.targetDelay = b.cfg.MinDelay
	}
	if b.targetDelay > b.cfg.MaxDelay {
		b.targetDelay = b.cfg.MaxDelay
	}

	diff := int64(b.targetDelay) - int64(b.currentDelay)
	if diff > 0 {
		b.currentDelay += uint32(diff / 10)
	} else {
		b.currentDelay -= uint32(-diff / 5)
	}
}

// CurrentDelay returns the current playout delay in clock-rate units.
func (b *Buffer) CurrentDelay() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentDelay
}

// Statistics returns a snapshot of the buffer's counters.
func (b *Buffer) Statistics() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.CurrentDelay = b.currentDelay
	s.TargetDelay = b.targetDelay
	return s
}

// Close stops the background ticker and wakes any blocked Dequeue callers.
func (b *Buffer) Close() {
	b.once.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		close(b.stopCh)
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
}
