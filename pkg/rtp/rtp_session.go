package rtp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
)

// RTPSession is the data half of a session: the send path that stamps
// sequence/timestamp/SSRC onto outgoing packets, and the receive loop
// that runs every inbound packet through its source's reception
// tracker (reception.go) before delivery.
type RTPSession struct {
	ssrc        uint32
	payloadType PayloadType
	clockRate   uint32
	transport   Transport

	sequenceNumber uint32 // atomic; low 16 bits are the wire sequence
	timestamp      uint32 // atomic

	packetsSent     uint64 // atomic
	packetsReceived uint64 // atomic
	bytesSent       uint64 // atomic
	bytesReceived   uint64 // atomic
	lastActivity    int64  // atomic, UnixNano

	handlerMutex     sync.RWMutex
	onPacketReceived func(*rtp.Packet, net.Addr)
	onPacketSent     func(*rtp.Packet)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	active int32 // atomic

	// Per-source reception trackers: out-of-order hold, loss count,
	// RFC 3550 A.8 jitter.
	receptionMu sync.Mutex
	receptions  map[uint32]*receptionEntry

	// resequenceDisabled turns the out-of-order hold off for all new
	// sources; a downstream jitter buffer reorders instead.
	resequenceDisabled int32 // atomic

	// maxNoReceiveTime bounds silence on the receive path; on expiry
	// onReadTimeout fires once per silent episode. Zero disables.
	maxNoReceiveTime time.Duration
	onReadTimeout    func()
}

// receptionEntry pairs a tracker with the address its SSRC was last
// seen from, so a stale-hold flush has somewhere to deliver.
type receptionEntry struct {
	tracker *ReceptionTracker
	addr    net.Addr
}

// RTPSessionConfig parameterizes the data half.
type RTPSessionConfig struct {
	SSRC        uint32 // generated when zero
	PayloadType PayloadType
	ClockRate   uint32
	Transport   Transport

	// InitialSequenceNumber / InitialTimestamp seed the send counters;
	// random when zero, per RFC 3550's prediction-resistance advice.
	InitialSequenceNumber uint32
	InitialTimestamp      uint32

	OnPacketReceived func(*rtp.Packet, net.Addr)
	OnPacketSent     func(*rtp.Packet)

	MaxNoReceiveTime time.Duration
	OnReadTimeout    func()
}

// NewRTPSession validates the config and seeds SSRC, sequence and
// timestamp. The session is idle until Start.
func NewRTPSession(config RTPSessionConfig) (*RTPSession, error) {
	if config.Transport == nil {
		return nil, fmt.Errorf("rtp session: transport is required")
	}
	if config.ClockRate == 0 {
		return nil, fmt.Errorf("rtp session: clock rate is required")
	}

	ssrc := config.SSRC
	if ssrc == 0 {
		var err error
		ssrc, err = generateSSRC()
		if err != nil {
			return nil, fmt.Errorf("rtp session: generate ssrc: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	rs := &RTPSession{
		ssrc:        ssrc,
		payloadType: config.PayloadType,
		clockRate:   config.ClockRate,
		transport:   config.Transport,
		ctx:         ctx,
		cancel:      cancel,

		onPacketReceived: config.OnPacketReceived,
		onPacketSent:     config.OnPacketSent,

		receptions: make(map[uint32]*receptionEntry),

		maxNoReceiveTime: config.MaxNoReceiveTime,
		onReadTimeout:    config.OnReadTimeout,
	}

	if config.InitialSequenceNumber != 0 {
		rs.sequenceNumber = config.InitialSequenceNumber
	} else {
		rs.sequenceNumber = uint32(generateRandomUint16())
	}
	if config.InitialTimestamp != 0 {
		rs.timestamp = config.InitialTimestamp
	} else {
		rs.timestamp = generateRandomUint32()
	}

	return rs, nil
}

// Start launches the receive loop.
func (rs *RTPSession) Start() error {
	if !atomic.CompareAndSwapInt32(&rs.active, 0, 1) {
		return fmt.Errorf("rtp session: already started")
	}
	rs.wg.Add(1)
	go rs.receiveLoop()
	return nil
}

// Stop ends the receive loop and waits for it. Idempotent.
func (rs *RTPSession) Stop() error {
	if !atomic.CompareAndSwapInt32(&rs.active, 1, 0) {
		return nil
	}
	rs.cancel()
	rs.wg.Wait()
	return nil
}

// SendAudio frames one payload chunk: sequence advances by one,
// timestamp by the chunk's duration in clock units.
func (rs *RTPSession) SendAudio(payload []byte, duration time.Duration) error {
	if atomic.LoadInt32(&rs.active) == 0 {
		return fmt.Errorf("rtp session: not active")
	}
	packet := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    uint8(rs.payloadType),
			SequenceNumber: uint16(atomic.AddUint32(&rs.sequenceNumber, 1)),
			Timestamp:      atomic.AddUint32(&rs.timestamp, uint32(duration.Seconds()*float64(rs.clockRate))),
			SSRC:           rs.ssrc,
		},
		Payload: payload,
	}
	return rs.SendPacket(packet)
}

// SendPacket transmits a pre-built packet. A zero SSRC is rewritten to
// the session's; a non-zero foreign SSRC is rejected, keeping the
// invariant that everything we emit carries our SSRC.
func (rs *RTPSession) SendPacket(packet *rtp.Packet) error {
	if atomic.LoadInt32(&rs.active) == 0 {
		return fmt.Errorf("rtp session: not active")
	}

	if packet.Header.SSRC == 0 {
		packet.Header.SSRC = rs.ssrc
	} else if packet.Header.SSRC != rs.ssrc {
		return fmt.Errorf("rtp session: packet SSRC %08x is not session SSRC %08x", packet.Header.SSRC, rs.ssrc)
	}

	if err := rs.transport.Send(packet); err != nil {
		return fmt.Errorf("rtp session: send: %w", err)
	}

	atomic.AddUint64(&rs.packetsSent, 1)
	atomic.AddUint64(&rs.bytesSent, uint64(len(packet.Payload)))
	atomic.StoreInt64(&rs.lastActivity, time.Now().UnixNano())
	sessionPacketsSent.Inc()

	rs.handlerMutex.RLock()
	sent := rs.onPacketSent
	rs.handlerMutex.RUnlock()
	if sent != nil {
		sent(packet)
	}
	return nil
}

// receiveLoop drains the transport until cancelled, watching the
// no-receive budget.
func (rs *RTPSession) receiveLoop() {
	defer rs.wg.Done()

	lastReceive := time.Now()
	timedOut := false

	for {
		select {
		case <-rs.ctx.Done():
			return
		default:
		}

		packet, addr, err := rs.transport.Receive(rs.ctx)
		if err != nil {
			if rs.ctx.Err() != nil {
				return
			}
			// Timeouts, STUN diversions and malformed datagrams all
			// land here; only prolonged total silence escalates.
			if rs.maxNoReceiveTime > 0 && !timedOut &&
				time.Since(lastReceive) > rs.maxNoReceiveTime {
				timedOut = true
				if rs.onReadTimeout != nil {
					rs.onReadTimeout()
				}
			}
			continue
		}

		lastReceive = time.Now()
		timedOut = false
		rs.handleIncomingPacket(packet, addr)
	}
}

// handleIncomingPacket runs one packet through its source's reception
// tracker and delivers every frame the tracker releases, in order.
func (rs *RTPSession) handleIncomingPacket(packet *rtp.Packet, addr net.Addr) {
	atomic.AddUint64(&rs.packetsReceived, 1)
	atomic.AddUint64(&rs.bytesReceived, uint64(len(packet.Payload)))
	atomic.StoreInt64(&rs.lastActivity, time.Now().UnixNano())
	sessionPacketsReceived.Inc()

	rs.handlerMutex.RLock()
	handler := rs.onPacketReceived
	rs.handlerMutex.RUnlock()
	if handler == nil {
		return
	}

	now := time.Now()
	entry := rs.receptionEntryFor(packet.SSRC, addr)
	for _, fr := range entry.tracker.Process(packet, now) {
		recordLoss(fr.Discontinuity)
		handler(fr.Packet, addr)
	}

	// Flush other sources' stale holds so a source that stops sending
	// doesn't strand packets in its pending buffer.
	for _, other := range rs.otherReceptionEntries(packet.SSRC) {
		for _, fr := range other.tracker.Flush(now) {
			handler(fr.Packet, other.addr)
		}
	}
}

// receptionEntryFor returns the SSRC's tracker, creating it on first
// sight and noting the latest source address.
func (rs *RTPSession) receptionEntryFor(ssrc uint32, addr net.Addr) *receptionEntry {
	rs.receptionMu.Lock()
	defer rs.receptionMu.Unlock()
	e, ok := rs.receptions[ssrc]
	if !ok {
		e = &receptionEntry{tracker: NewReceptionTracker(rs.clockRate)}
		if atomic.LoadInt32(&rs.resequenceDisabled) != 0 {
			e.tracker.DisableResequencing()
		}
		rs.receptions[ssrc] = e
	}
	e.addr = addr
	return e
}

func (rs *RTPSession) otherReceptionEntries(except uint32) []*receptionEntry {
	rs.receptionMu.Lock()
	defer rs.receptionMu.Unlock()
	out := make([]*receptionEntry, 0, len(rs.receptions))
	for ssrc, e := range rs.receptions {
		if ssrc != except {
			out = append(out, e)
		}
	}
	return out
}

// ReceptionStatsFor returns one remote SSRC's loss/reorder/jitter
// counters, or false before its first packet.
func (rs *RTPSession) ReceptionStatsFor(ssrc uint32) (ReceptionStats, bool) {
	rs.receptionMu.Lock()
	e, ok := rs.receptions[ssrc]
	rs.receptionMu.Unlock()
	if !ok {
		return ReceptionStats{}, false
	}
	return e.tracker.Stats(), true
}

// DisableResequencing turns the out-of-order hold off for every source
// from now on; a downstream jitter buffer reorders by timestamp
// instead.
func (rs *RTPSession) DisableResequencing() {
	atomic.StoreInt32(&rs.resequenceDisabled, 1)
	rs.receptionMu.Lock()
	for _, e := range rs.receptions {
		e.tracker.DisableResequencing()
	}
	rs.receptionMu.Unlock()
}

// DisableResequencingFor turns the hold off for one known source.
func (rs *RTPSession) DisableResequencingFor(ssrc uint32, addr net.Addr) {
	rs.receptionEntryFor(ssrc, addr).tracker.DisableResequencing()
}

// RegisterIncomingHandler replaces the delivery callback.
func (rs *RTPSession) RegisterIncomingHandler(handler func(*rtp.Packet, net.Addr)) {
	rs.handlerMutex.Lock()
	rs.onPacketReceived = handler
	rs.handlerMutex.Unlock()
}

// RegisterSentHandler replaces the post-send callback.
func (rs *RTPSession) RegisterSentHandler(handler func(*rtp.Packet)) {
	rs.handlerMutex.Lock()
	rs.onPacketSent = handler
	rs.handlerMutex.Unlock()
}

// Accessors for the session coordinator and RTCP construction.

func (rs *RTPSession) GetSSRC() uint32            { return rs.ssrc }
func (rs *RTPSession) GetPayloadType() PayloadType { return rs.payloadType }
func (rs *RTPSession) GetClockRate() uint32       { return rs.clockRate }
func (rs *RTPSession) IsActive() bool             { return atomic.LoadInt32(&rs.active) == 1 }

// GetSequenceNumber returns the last sent sequence counter.
func (rs *RTPSession) GetSequenceNumber() uint32 {
	return atomic.LoadUint32(&rs.sequenceNumber)
}

// GetTimestamp returns the last sent RTP timestamp.
func (rs *RTPSession) GetTimestamp() uint32 {
	return atomic.LoadUint32(&rs.timestamp)
}

func (rs *RTPSession) GetPacketsSent() uint64     { return atomic.LoadUint64(&rs.packetsSent) }
func (rs *RTPSession) GetPacketsReceived() uint64 { return atomic.LoadUint64(&rs.packetsReceived) }
func (rs *RTPSession) GetBytesSent() uint64       { return atomic.LoadUint64(&rs.bytesSent) }
func (rs *RTPSession) GetBytesReceived() uint64   { return atomic.LoadUint64(&rs.bytesReceived) }

// GetLastActivity returns the time of the last packet in or out.
func (rs *RTPSession) GetLastActivity() time.Time {
	nanos := atomic.LoadInt64(&rs.lastActivity)
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}
