package rtp

import (
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// defaultMaxOutOfOrderPackets and defaultWaitOutOfOrderTime bound how long
// the resequencer holds packets that arrived ahead of the expected
// sequence number before giving up and delivering what it has.
const (
	defaultMaxOutOfOrderPackets = 20
	defaultWaitOutOfOrderTime   = 50 * time.Millisecond

	// consecutiveReversalsBeforeResync is how many sequence numbers in a
	// row must arrive lower than expected before the base resynchronises
	// to the new stream instead of continuing to count them as loss.
	consecutiveReversalsBeforeResync = 10
)

func outOfOrderWaitTime() time.Duration {
	if v := os.Getenv("OPAL_RTP_OUT_OF_ORDER_TIME"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultWaitOutOfOrderTime
}

// ReceivedFrame is one packet released by the reception tracker, annotated
// with how many packets were missing immediately before it.
type ReceivedFrame struct {
	Packet        *rtp.Packet
	Discontinuity uint32 // count of packets known lost immediately before this one
}

// ReceptionStats mirrors the per-source counters required to verify
// packetsReceived = packetsDelivered + packetsLost + packetsTooLate + packetsPending.
type ReceptionStats struct {
	PacketsReceived  uint64
	PacketsDelivered uint64
	PacketsLost      uint64
	PacketsTooLate   uint64
	PacketsOutOfOrder uint64
	PacketsPending   int
	Jitter           float64

	// ExtendedHighestSeq is cycles<<16 | highest sequence seen, the
	// value an RR block reports.
	ExtendedHighestSeq uint32
}

// pendingPacket is one entry in the out-of-order holding buffer, ordered
// ascending by sequence number.
type pendingPacket struct {
	seq      uint16
	pkt      *rtp.Packet
	arrived  time.Time
}

// ReceptionTracker implements the out-of-order resequencing and loss/
// jitter accounting for one remote SSRC's RTP stream: a packet that
// arrives ahead of a gap of at most maxOutOfOrder sequence numbers is held
// briefly in case the gap fills in; a larger gap, or any gap while
// resequencing is disabled, is delivered at once with a discontinuity
// count; a packet behind the expected sequence number is counted as too
// late and dropped (a long run of them resyncs the tracker instead); and
// jitter is estimated per RFC 3550 Appendix A.8.
//
// A jitter buffer attached downstream supersedes this resequencing (per
// the "maintained only when no jitter buffer is attached" rule); callers
// that attach a jitter buffer should use DisableResequencing.
type ReceptionTracker struct {
	mu sync.Mutex

	clockRate uint32

	haveExpected     bool
	expectedSeq      uint16
	consecutiveRevs  int

	pending        []pendingPacket
	resequenceOK   bool
	maxOutOfOrder  int
	waitOutOfOrder time.Duration

	lastArrival   time.Time
	lastTimestamp uint32
	haveLastTS    bool
	jitter        float64
	prevTransit   int64

	highestSeq  uint16
	seqCycles   uint16
	haveHighest bool

	stats ReceptionStats
}

// NewReceptionTracker constructs a tracker for one SSRC at the given
// clock rate, with resequencing enabled by default.
func NewReceptionTracker(clockRate uint32) *ReceptionTracker {
	return &ReceptionTracker{
		clockRate:      clockRate,
		resequenceOK:   true,
		maxOutOfOrder:  defaultMaxOutOfOrderPackets,
		waitOutOfOrder: outOfOrderWaitTime(),
	}
}

// DisableResequencing turns off the pending-buffer behavior, for use when
// a jitter buffer downstream already reorders packets; sequence handling
// then falls back to immediate delivery with loss/reorder counting only.
func (rt *ReceptionTracker) DisableResequencing() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.resequenceOK = false
}

// Process admits one newly-arrived packet and returns every frame now
// ready for delivery, in non-decreasing sequence order. Most calls return
// zero or one frame; a gap filling in can release several at once.
func (rt *ReceptionTracker) Process(pkt *rtp.Packet, now time.Time) []ReceivedFrame {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.stats.PacketsReceived++
	rt.updateJitter(pkt, now)

	seq := pkt.SequenceNumber
	rt.updateHighest(seq)

	if !rt.haveExpected {
		rt.haveExpected = true
		rt.expectedSeq = seq + 1
		rt.stats.PacketsDelivered++
		return []ReceivedFrame{{Packet: pkt}}
	}

	switch {
	case seq == rt.expectedSeq:
		rt.consecutiveRevs = 0
		rt.expectedSeq = seq + 1
		rt.stats.PacketsDelivered++
		out := []ReceivedFrame{{Packet: pkt}}
		return append(out, rt.drainPending()...)

	case seqLess(seq, rt.expectedSeq):
		// Arrived behind the expected sequence: either a genuinely late
		// packet (too-late, dropped) or part of a resynchronising stream.
		rt.consecutiveRevs++
		if rt.consecutiveRevs >= consecutiveReversalsBeforeResync {
			rt.consecutiveRevs = 0
			rt.expectedSeq = seq + 1
			rt.stats.PacketsDelivered++
			return []ReceivedFrame{{Packet: pkt}}
		}
		rt.stats.PacketsTooLate++
		return nil

	default:
		// seq is ahead of expected: a gap. Either hold it for
		// resequencing or count the gap as loss and deliver with a
		// discontinuity marker.
		rt.consecutiveRevs = 0
		gap := int(seq - rt.expectedSeq)
		if !rt.resequenceOK || gap > rt.maxOutOfOrder {
			lost := uint64(gap)
			rt.stats.PacketsLost += lost
			rt.expectedSeq = seq + 1
			rt.stats.PacketsDelivered++
			return []ReceivedFrame{{Packet: pkt, Discontinuity: uint32(lost)}}
		}
		rt.stats.PacketsOutOfOrder++
		rt.insertPending(seq, pkt, now)
		return rt.expirePending(now)
	}
}

// insertPending adds a packet to the ascending-by-sequence holding
// buffer, evicting the oldest entry if the buffer is at capacity.
func (rt *ReceptionTracker) insertPending(seq uint16, pkt *rtp.Packet, now time.Time) {
	if len(rt.pending) >= rt.maxOutOfOrder {
		rt.pending = rt.pending[1:]
	}
	rt.pending = append(rt.pending, pendingPacket{seq: seq, pkt: pkt, arrived: now})
	sort.Slice(rt.pending, func(i, j int) bool { return seqLess(rt.pending[i].seq, rt.pending[j].seq) })
}

// drainPending releases every held packet whose sequence number is now
// contiguous with the expected sequence.
func (rt *ReceptionTracker) drainPending() []ReceivedFrame {
	var out []ReceivedFrame
	for len(rt.pending) > 0 && rt.pending[0].seq == rt.expectedSeq {
		p := rt.pending[0]
		rt.pending = rt.pending[1:]
		rt.expectedSeq = p.seq + 1
		rt.stats.PacketsDelivered++
		out = append(out, ReceivedFrame{Packet: p.pkt})
	}
	return out
}

// expirePending gives up on packets held past waitOutOfOrder, delivering
// the lowest held packet and updating expected so delivery can proceed.
func (rt *ReceptionTracker) expirePending(now time.Time) []ReceivedFrame {
	var out []ReceivedFrame
	for len(rt.pending) > 0 && now.Sub(rt.pending[0].arrived) >= rt.waitOutOfOrder {
		p := rt.pending[0]
		rt.pending = rt.pending[1:]
		var lost uint64
		if seqLess(rt.expectedSeq, p.seq) {
			lost = uint64(p.seq - rt.expectedSeq)
			rt.stats.PacketsLost += lost
		}
		rt.expectedSeq = p.seq + 1
		rt.stats.PacketsDelivered++
		out = append(out, ReceivedFrame{Packet: p.pkt, Discontinuity: uint32(lost)})
		out = append(out, rt.drainPending()...)
	}
	return out
}

// updateJitter implements the RFC 3550 Appendix A.8 running jitter
// estimate: J += (|D| - J) / 16, where D is the difference in relative
// transit time between two packets.
func (rt *ReceptionTracker) updateJitter(pkt *rtp.Packet, now time.Time) {
	if rt.clockRate == 0 {
		return
	}
	if !rt.haveLastTS {
		rt.haveLastTS = true
		rt.lastTimestamp = pkt.Timestamp
		rt.lastArrival = now
		return
	}

	arrivalRTP := rtpTimeSince(rt.lastArrival, now, rt.clockRate) + int64(rt.lastTimestamp)
	transit := arrivalRTP - int64(pkt.Timestamp)
	d := float64(transit) - rt.jitterPrevTransit()
	if d < 0 {
		d = -d
	}
	rt.jitter += (d - rt.jitter) / 16
	rt.stats.Jitter = rt.jitter

	rt.lastTimestamp = pkt.Timestamp
	rt.lastArrival = now
	rt.prevTransit = transit
}

func (rt *ReceptionTracker) jitterPrevTransit() float64 { return float64(rt.prevTransit) }

// updateHighest tracks the extended highest sequence: a forward move
// that lands numerically below the previous high is a 16-bit wrap.
func (rt *ReceptionTracker) updateHighest(seq uint16) {
	if !rt.haveHighest {
		rt.haveHighest = true
		rt.highestSeq = seq
		return
	}
	if seqLess(rt.highestSeq, seq) {
		if seq < rt.highestSeq {
			rt.seqCycles++
		}
		rt.highestSeq = seq
	}
}

// rtpTimeSince converts a wall-clock delta into clock-rate ticks.
func rtpTimeSince(from, to time.Time, clockRate uint32) int64 {
	return int64(to.Sub(from).Seconds() * float64(clockRate))
}

// Flush releases any held packets that have exceeded waitOutOfOrder,
// without requiring a new packet to arrive. A caller with a steady
// traffic pattern can rely on Process alone; one that wants bounded
// latency on an idle stream should call Flush periodically.
func (rt *ReceptionTracker) Flush(now time.Time) []ReceivedFrame {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.expirePending(now)
}

// Stats returns a snapshot of this tracker's counters.
func (rt *ReceptionTracker) Stats() ReceptionStats {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	s := rt.stats
	s.PacketsPending = len(rt.pending)
	s.ExtendedHighestSeq = uint32(rt.seqCycles)<<16 | uint32(rt.highestSeq)
	return s
}

// seqLess reports whether a precedes b in RFC 1982 serial-number
// arithmetic over a 16-bit space (handles wraparound at 65535->0).
func seqLess(a, b uint16) bool {
	return int16(a-b) < 0
}
