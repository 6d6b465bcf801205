package rtp

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	pionrtcp "github.com/pion/rtcp"

	"github.com/arzzra/opal-media-core/pkg/transcoder"
)

// defaultReportInterval is the compound report period.
const defaultReportInterval = 12 * time.Second

// RTCPSession is the control half of a session: the periodic compound
// report (SR/RR + SDES, optionally XR), inbound dispatch of
// SR/RR/SDES/BYE and the RFC 4585/5104 feedback family, and the BYE
// emission driven by the state machine.
type RTCPSession struct {
	ssrc       uint32
	localSDesc SourceDescription
	interval   time.Duration
	enableXR   bool

	transport    RTCPTransport
	muxTransport MultiplexedTransport

	// suppressed gates report emission after Shutdown(write); inbound
	// RTCP is still consumed.
	suppressed int32 // atomic

	// Provider callbacks into the data half and the source table.
	txState func() (packets, octets, rtpTime uint32, sent bool)
	rxStats func(ssrc uint32) (ReceptionStats, bool)
	sources func() []uint32

	onRTCPReceived func(RTCPPacket, net.Addr)
	onRTCPSent     func(RTCPPacket)
	onBye          func(ssrc uint32)
	onSDES         func(ssrc uint32, desc SourceDescription)

	// Timing of the last SR from each remote source, for LSR/DLSR.
	srMu     sync.Mutex
	remoteSR map[uint32]remoteSRState

	// feedback decodes PLI/FIR/TMMBR/TSTO out of inbound compound
	// buffers and de-duplicates their request sequence numbers.
	feedback *FeedbackDispatcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	active int32 // atomic
}

type remoteSRState struct {
	ntp        uint64
	receivedAt time.Time
}

// RTCPSessionConfig parameterizes the control half.
type RTCPSessionConfig struct {
	SSRC                 uint32
	RTCPTransport        RTCPTransport
	MultiplexedTransport MultiplexedTransport
	LocalSDesc           SourceDescription
	Interval             time.Duration // zero = 12 s
	EnableXR             bool          // append RFC 3611 VoIP metrics

	// TxState supplies the sender-side numbers for SR construction;
	// sent=false selects an RR instead.
	TxState func() (packets, octets, rtpTime uint32, sent bool)
	// RxStats supplies one source's reception counters for its RR block.
	RxStats func(ssrc uint32) (ReceptionStats, bool)
	// Sources enumerates the remote SSRCs to report on.
	Sources func() []uint32

	OnRTCPReceived func(RTCPPacket, net.Addr)
	OnRTCPSent     func(RTCPPacket)
	OnBye          func(ssrc uint32)
	OnSDES         func(ssrc uint32, desc SourceDescription)
}

// NewRTCPSession validates the transports and fills in the SDES
// defaults: a GUID-derived CNAME and the product name as TOOL.
func NewRTCPSession(config RTCPSessionConfig) (*RTCPSession, error) {
	if config.RTCPTransport == nil && config.MultiplexedTransport == nil {
		return nil, fmt.Errorf("rtcp session: a control transport is required")
	}
	if config.SSRC == 0 {
		return nil, fmt.Errorf("rtcp session: ssrc is required")
	}

	interval := config.Interval
	if interval == 0 {
		interval = defaultReportInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	rs := &RTCPSession{
		ssrc:         config.SSRC,
		localSDesc:   config.LocalSDesc,
		interval:     interval,
		enableXR:     config.EnableXR,
		transport:    config.RTCPTransport,
		muxTransport: config.MultiplexedTransport,

		txState: config.TxState,
		rxStats: config.RxStats,
		sources: config.Sources,

		onRTCPReceived: config.OnRTCPReceived,
		onRTCPSent:     config.OnRTCPSent,
		onBye:          config.OnBye,
		onSDES:         config.OnSDES,

		remoteSR: make(map[uint32]remoteSRState),
		ctx:      ctx,
		cancel:   cancel,
	}

	if rs.localSDesc.CNAME == "" {
		rs.localSDesc.CNAME = defaultCNAME()
	}
	if rs.localSDesc.TOOL == "" {
		rs.localSDesc.TOOL = "opal-media-core"
	}
	rs.feedback = NewFeedbackDispatcher(nil)

	return rs, nil
}

// defaultCNAME is 12 characters of base64 over a GUID generated on each
// call, so every RTCP session gets its own.
func defaultCNAME() string {
	guid := uuid.New()
	enc := base64.StdEncoding.EncodeToString(guid[:])
	if len(enc) > 12 {
		enc = enc[:12]
	}
	return enc
}

// SetCommandNotifier routes decoded feedback (PLI/FIR ->
// VideoUpdatePicture, TMMBR -> FlowControl, TSTR ->
// TemporalSpatialTradeOff) to the owning patch/transcoder.
func (rs *RTCPSession) SetCommandNotifier(notify func(ssrc uint32, cmd transcoder.Command)) {
	rs.feedback = NewFeedbackDispatcher(notify)
}

// Start launches the report timer and the control receive loop.
func (rs *RTCPSession) Start() error {
	if !atomic.CompareAndSwapInt32(&rs.active, 0, 1) {
		return fmt.Errorf("rtcp session: already started")
	}
	rs.wg.Add(2)
	go rs.reportLoop()
	go rs.receiveLoop()
	return nil
}

// Stop ends both loops. Idempotent.
func (rs *RTCPSession) Stop() error {
	if !atomic.CompareAndSwapInt32(&rs.active, 1, 0) {
		return nil
	}
	rs.cancel()
	rs.wg.Wait()
	return nil
}

// SetReportsSuppressed gates report emission; Shutdown(write)
// suppresses, Restart(write) resumes.
func (rs *RTCPSession) SetReportsSuppressed(suppressed bool) {
	var v int32
	if suppressed {
		v = 1
	}
	atomic.StoreInt32(&rs.suppressed, v)
}

// ReportsSuppressed reports the gate state.
func (rs *RTCPSession) ReportsSuppressed() bool {
	return atomic.LoadInt32(&rs.suppressed) != 0
}

// reportLoop emits a compound report every interval unless suppressed.
func (rs *RTCPSession) reportLoop() {
	defer rs.wg.Done()
	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-rs.ctx.Done():
			return
		case <-ticker.C:
			if atomic.LoadInt32(&rs.suppressed) != 0 {
				continue
			}
			_ = rs.SendReport()
		}
	}
}

// SendReport builds and transmits one compound report now: SR when we
// have sent media, else an RR, either one carrying the reception report
// blocks for every known remote source; SDES; optional XR.
func (rs *RTCPSession) SendReport() error {
	reports := rs.buildReceptionReports()

	var report RTCPPacket
	var packets, octets, rtpTime uint32
	var weSent bool
	if rs.txState != nil {
		packets, octets, rtpTime, weSent = rs.txState()
	}

	if weSent {
		report = &SenderReport{
			SSRC:        rs.ssrc,
			NTPTime:     NTPTimestamp(time.Now()),
			RTPTime:     rtpTime,
			PacketCount: packets,
			OctetCount:  octets,
			Reports:     reports,
		}
	} else {
		report = &ReceiverReport{SSRC: rs.ssrc, Reports: reports}
	}

	data, err := report.Marshal()
	if err != nil {
		return fmt.Errorf("rtcp session: marshal report: %w", err)
	}

	sdes := &SourceDescriptionPacket{Chunks: []SDESChunk{{
		SSRC: rs.ssrc,
		Items: []SDESItem{
			{Type: SDESTypeCNAME, Text: rs.localSDesc.CNAME},
			{Type: SDESTypeTool, Text: rs.localSDesc.TOOL},
		},
	}}}
	if sdesData, err := sdes.Marshal(); err == nil {
		data = append(data, sdesData...)
	}

	if rs.enableXR {
		if xrData, err := rs.marshalVoIPMetricsXR(); err == nil {
			data = append(data, xrData...)
		}
	}

	if err := rs.sendRTCPData(data); err != nil {
		return fmt.Errorf("rtcp session: send report: %w", err)
	}
	rtcpReportsSentTotal.Inc()

	if rs.onRTCPSent != nil {
		rs.onRTCPSent(report)
	}
	return nil
}

// buildReceptionReports assembles one RR block per known remote source
// from its reception tracker, with LSR/DLSR from its last SR.
func (rs *RTCPSession) buildReceptionReports() []ReceptionReport {
	if rs.sources == nil || rs.rxStats == nil {
		return nil
	}

	var out []ReceptionReport
	now := time.Now()
	for _, ssrc := range rs.sources() {
		stats, ok := rs.rxStats(ssrc)
		if !ok {
			continue
		}

		var lastSR, dlsr uint32
		rs.srMu.Lock()
		if sr, ok := rs.remoteSR[ssrc]; ok {
			lastSR = MiddleNTP(sr.ntp)
			dlsr = uint32(now.Sub(sr.receivedAt).Seconds() * 65536)
		}
		rs.srMu.Unlock()

		expected := stats.PacketsReceived + stats.PacketsLost
		out = append(out, ReceptionReport{
			SSRC:             ssrc,
			FractionLost:     CalculateFractionLost(uint32(expected), uint32(stats.PacketsLost)),
			TotalLost:        uint32(stats.PacketsLost),
			HighestSeq:       stats.ExtendedHighestSeq,
			Jitter:           uint32(stats.Jitter),
			LastSR:           lastSR,
			DelaySinceLastSR: dlsr,
		})
		if len(out) == 31 {
			break
		}
	}
	return out
}

// marshalVoIPMetricsXR builds an RFC 3611 VoIP-metrics block for the
// first reported source; encoding is pion/rtcp's.
func (rs *RTCPSession) marshalVoIPMetricsXR() ([]byte, error) {
	if rs.sources == nil || rs.rxStats == nil {
		return nil, fmt.Errorf("rtcp session: no providers for XR")
	}
	for _, ssrc := range rs.sources() {
		stats, ok := rs.rxStats(ssrc)
		if !ok {
			continue
		}
		expected := stats.PacketsReceived + stats.PacketsLost
		jitterMs := uint16(0)
		if ms := uint64(stats.Jitter) / 8; ms <= 0xFFFF {
			jitterMs = uint16(ms)
		} else {
			jitterMs = 0xFFFF
		}
		xr := &pionrtcp.ExtendedReport{
			SenderSSRC: rs.ssrc,
			Reports: []pionrtcp.ReportBlock{
				&pionrtcp.VoIPMetricsReportBlock{
					SSRC:        ssrc,
					LossRate:    CalculateFractionLost(uint32(expected), uint32(stats.PacketsLost)),
					SignalLevel: 127, // unavailable
					NoiseLevel:  127, // unavailable
					RERL:        127,
					JBNominal:   jitterMs,
					JBMaximum:   jitterMs,
				},
			},
		}
		return xr.Marshal()
	}
	return nil, fmt.Errorf("rtcp session: no sources for XR")
}

// SendBye emits a BYE for the local SSRC. The state machine guarantees
// at most one per session lifetime.
func (rs *RTCPSession) SendBye(reason string) error {
	bye := NewByePacket(rs.ssrc, reason)
	data, err := bye.Marshal()
	if err != nil {
		return fmt.Errorf("rtcp session: marshal bye: %w", err)
	}
	if err := rs.sendRTCPData(data); err != nil {
		return fmt.Errorf("rtcp session: send bye: %w", err)
	}
	if rs.onRTCPSent != nil {
		rs.onRTCPSent(bye)
	}
	return nil
}

// receiveLoop drains the control transport until cancelled.
func (rs *RTCPSession) receiveLoop() {
	defer rs.wg.Done()
	for {
		select {
		case <-rs.ctx.Done():
			return
		default:
		}

		data, addr, err := rs.receiveRTCPData()
		if err != nil {
			if rs.ctx.Err() != nil {
				return
			}
			continue
		}
		_ = rs.ProcessRTCPPacket(data, addr)
	}
}

// ProcessRTCPPacket dispatches one inbound compound buffer. Individual
// malformed sub-packets are skipped; the session survives.
func (rs *RTCPSession) ProcessRTCPPacket(data []byte, addr net.Addr) error {
	var feedbackBytes []byte

	for _, sub := range SplitCompound(data) {
		switch sub[1] {
		case RTCPTypeRTPFB, RTCPTypePSFB:
			feedbackBytes = append(feedbackBytes, sub...)
			continue
		case RTCPTypeXR, RTCPTypeAPP:
			// Informational; nothing for the core to act on.
			continue
		}

		pkt, err := ParseRTCPPacket(sub)
		if err != nil {
			continue
		}

		switch p := pkt.(type) {
		case *SenderReport:
			rs.srMu.Lock()
			rs.remoteSR[p.SSRC] = remoteSRState{ntp: p.NTPTime, receivedAt: time.Now()}
			rs.srMu.Unlock()
		case *SourceDescriptionPacket:
			if rs.onSDES != nil {
				for _, chunk := range p.Chunks {
					rs.onSDES(chunk.SSRC, chunk.Description())
				}
			}
		case *ByePacket:
			if rs.onBye != nil {
				for _, ssrc := range p.Sources {
					rs.onBye(ssrc)
				}
			}
		}

		if rs.onRTCPReceived != nil {
			rs.onRTCPReceived(pkt, addr)
		}
	}

	if len(feedbackBytes) > 0 {
		if _, err := rs.feedback.Dispatch(feedbackBytes); err != nil {
			return err
		}
	}
	return nil
}

// LastSenderReport returns the NTP time and arrival of one source's
// most recent SR, for wallclock synchronisation upstream.
func (rs *RTCPSession) LastSenderReport(ssrc uint32) (ntp uint64, at time.Time, ok bool) {
	rs.srMu.Lock()
	defer rs.srMu.Unlock()
	sr, ok := rs.remoteSR[ssrc]
	return sr.ntp, sr.receivedAt, ok
}

func (rs *RTCPSession) sendRTCPData(data []byte) error {
	if rs.transport != nil {
		return rs.transport.SendRTCP(data)
	}
	return rs.muxTransport.SendRTCP(data)
}

func (rs *RTCPSession) receiveRTCPData() ([]byte, net.Addr, error) {
	if rs.transport != nil {
		return rs.transport.ReceiveRTCP(rs.ctx)
	}
	return rs.muxTransport.ReceiveRTCP(rs.ctx)
}
