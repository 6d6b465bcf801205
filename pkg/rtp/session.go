// Package rtp implements the RTP session of the media plane: the
// data-path send/receive machinery with per-source resequencing and
// jitter accounting, the RTCP control loop with compound reports and
// the RFC 4585/5104 feedback family, the per-direction shutdown state
// machine, and the UDP/DTLS transports underneath, including
// single-port RTP+RTCP multiplexing.
//
// A Session is the coordinator: it owns one RTPSession (data), one
// optional RTCPSession (control), a SourceTable for remote-SSRC
// membership, a directional StateMachine, and a StallDetector that
// escalates send failures to a media-failed notification.
package rtp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/randutil"
	"github.com/pion/rtp"

	"github.com/arzzra/opal-media-core/pkg/jitter"
)

// Session coordinates the data and control halves of one RTP session.
type Session struct {
	rtpSession  *RTPSession
	rtcpSession *RTCPSession
	sources     *SourceTable

	state      SessionState
	stateMutex sync.RWMutex

	mediaType MediaType
	direction Direction
	dirMutex  sync.RWMutex

	// Directional open/shutdown state (state.go) and the transport
	// failure detector (stall.go).
	streamState *StateMachine
	stall       *StallDetector

	// An attached jitter buffer intercepts incoming packets; the
	// session-level resequencer is disabled while one is attached.
	jitterMu  sync.RWMutex
	jitterBuf *jitter.Buffer

	handlerMu        sync.RWMutex
	onPacketReceived func(*rtp.Packet, net.Addr)
	onSourceAdded    func(uint32)
	onSourceRemoved  func(uint32)
	onRTCPReceived   func(RTCPPacket, net.Addr)
	onMediaFailed    func(onRead bool)
}

// SessionConfig parameterizes a session.
type SessionConfig struct {
	PayloadType PayloadType
	MediaType   MediaType
	// ClockRate may be zero for static payload types, whose clock the
	// RFC 3551 table supplies.
	ClockRate uint32
	Direction Direction

	Transport     Transport
	RTCPTransport RTCPTransport

	LocalSDesc SourceDescription
	// ReportInterval overrides the 12 s compound report period.
	ReportInterval time.Duration
	// EnableXR appends RFC 3611 VoIP metrics to each report.
	EnableXR bool

	// MaxNoReceiveTime bounds receive-path silence before
	// OnReadTimeout fires (once per silent episode). Zero disables.
	MaxNoReceiveTime time.Duration
	OnReadTimeout    func()

	OnPacketReceived func(*rtp.Packet, net.Addr)
	OnSourceAdded    func(uint32)
	OnSourceRemoved  func(uint32)
	OnRTCPReceived   func(RTCPPacket, net.Addr)

	// OnMediaFailed reports transport loss from the stall detector;
	// onRead distinguishes the failed direction.
	OnMediaFailed func(onRead bool)
}

// NewSession builds the coordinator and wires its components together.
// The session is idle until Start.
func NewSession(config SessionConfig) (*Session, error) {
	if config.Transport == nil {
		return nil, fmt.Errorf("rtp: transport is required")
	}

	if config.ClockRate == 0 {
		config.ClockRate = config.PayloadType.ClockRate()
		if config.ClockRate == 0 {
			return nil, fmt.Errorf("rtp: clock rate required for dynamic payload type %d", config.PayloadType)
		}
	}

	ssrc, err := generateSSRC()
	if err != nil {
		return nil, fmt.Errorf("rtp: generate ssrc: %w", err)
	}

	s := &Session{
		state:     SessionStateIdle,
		mediaType: config.MediaType,
		direction: config.Direction,

		onPacketReceived: config.OnPacketReceived,
		onSourceAdded:    config.OnSourceAdded,
		onSourceRemoved:  config.OnSourceRemoved,
		onRTCPReceived:   config.OnRTCPReceived,
		onMediaFailed:    config.OnMediaFailed,
	}

	s.stall = NewStallDetector(func() {
		s.handlerMu.RLock()
		failed := s.onMediaFailed
		s.handlerMu.RUnlock()
		if failed != nil {
			failed(false)
		}
	})

	s.sources = NewSourceTable(SourceTableConfig{
		OnSourceAdded: func(ssrc uint32, _ *RemoteSource) {
			if s.onSourceAdded != nil {
				s.onSourceAdded(ssrc)
			}
		},
		OnSourceRemoved: func(ssrc uint32, _ *RemoteSource) {
			if s.onSourceRemoved != nil {
				s.onSourceRemoved(ssrc)
			}
		},
	})

	s.rtpSession, err = NewRTPSession(RTPSessionConfig{
		SSRC:             ssrc,
		PayloadType:      config.PayloadType,
		ClockRate:        config.ClockRate,
		Transport:        config.Transport,
		OnPacketReceived: s.handleRTPPacketReceived,
		MaxNoReceiveTime: config.MaxNoReceiveTime,
		OnReadTimeout:    config.OnReadTimeout,
	})
	if err != nil {
		return nil, err
	}

	// The control half exists when a dedicated control transport is
	// given or the data transport multiplexes both paths.
	muxTransport, _ := config.Transport.(MultiplexedTransport)
	if config.RTCPTransport != nil || muxTransport != nil {
		rtcpConfig := RTCPSessionConfig{
			SSRC:                 ssrc,
			RTCPTransport:        config.RTCPTransport,
			MultiplexedTransport: muxTransport,
			LocalSDesc:           config.LocalSDesc,
			Interval:             config.ReportInterval,
			EnableXR:             config.EnableXR,

			TxState: func() (uint32, uint32, uint32, bool) {
				sent := s.rtpSession.GetPacketsSent()
				return uint32(sent), uint32(s.rtpSession.GetBytesSent()),
					s.rtpSession.GetTimestamp(), sent > 0
			},
			RxStats: func(ssrc uint32) (ReceptionStats, bool) {
				return s.rtpSession.ReceptionStatsFor(ssrc)
			},
			Sources: func() []uint32 {
				snapshot := s.sources.Snapshot()
				out := make([]uint32, 0, len(snapshot))
				for ssrc := range snapshot {
					out = append(out, ssrc)
				}
				return out
			},

			OnRTCPReceived: s.handleRTCPReceived,
			OnBye:          s.sources.RemoveOnBye,
			OnSDES:         s.sources.UpdateFromSDES,
		}
		s.rtcpSession, err = NewRTCPSession(rtcpConfig)
		if err != nil {
			return nil, err
		}
	}

	s.streamState = NewStateMachine(StateMachineCallbacks{
		SendBYE: func() {
			if s.rtcpSession != nil {
				_ = s.rtcpSession.SendBye("session shutdown")
			}
		},
		StopReports: func() {
			if s.rtcpSession != nil {
				s.rtcpSession.SetReportsSuppressed(true)
			}
		},
		ResumeReports: func() {
			if s.rtcpSession != nil {
				s.rtcpSession.SetReportsSuppressed(false)
			}
		},
		UnblockRead: func() {
			if u, ok := config.Transport.(interface{ Unblock() }); ok {
				u.Unblock()
			}
		},
	})

	return s, nil
}

// Start opens both halves and the directional state machine.
func (s *Session) Start() error {
	s.stateMutex.Lock()
	defer s.stateMutex.Unlock()

	if s.state != SessionStateIdle {
		return fmt.Errorf("rtp: session already started or closed")
	}
	s.state = SessionStateActive
	_ = s.streamState.Open()

	if err := s.rtpSession.Start(); err != nil {
		return err
	}
	if s.rtcpSession != nil {
		if err := s.rtcpSession.Start(); err != nil {
			_ = s.rtpSession.Stop()
			return err
		}
	}
	return nil
}

// Stop closes everything. Idempotent.
func (s *Session) Stop() error {
	s.stateMutex.Lock()
	defer s.stateMutex.Unlock()

	if s.state == SessionStateClosed {
		return nil
	}
	s.state = SessionStateClosed
	s.streamState.Close()
	s.sources.Stop()

	_ = s.rtpSession.Stop()
	if s.rtcpSession != nil {
		_ = s.rtcpSession.Stop()
	}
	return nil
}

// SendAudio frames and sends one payload chunk.
func (s *Session) SendAudio(payload []byte, duration time.Duration) error {
	if s.GetState() != SessionStateActive {
		return fmt.Errorf("rtp: session not active")
	}
	if !s.streamState.CanWrite() {
		return fmt.Errorf("rtp: write direction is shut down")
	}
	if !s.GetDirection().CanSend() {
		return fmt.Errorf("rtp: direction %s cannot send", s.GetDirection())
	}

	err := s.rtpSession.SendAudio(payload, duration)
	s.noteSendResult(err)
	return err
}

// SendPacket sends a pre-built packet through the session, feeding the
// stall detector with the outcome.
func (s *Session) SendPacket(packet *rtp.Packet) error {
	if s.GetState() != SessionStateActive {
		return fmt.Errorf("rtp: session not active")
	}
	if !s.streamState.CanWrite() {
		return fmt.Errorf("rtp: write direction is shut down")
	}

	err := s.rtpSession.SendPacket(packet)
	s.noteSendResult(err)
	return err
}

func (s *Session) noteSendResult(err error) {
	if err != nil {
		s.stall.Strike(time.Now())
		return
	}
	s.stall.Success()
}

// handleRTPPacketReceived is the delivery point of the data half:
// membership bookkeeping, RTCP visibility, jitter-buffer interception,
// then the application handler.
func (s *Session) handleRTPPacketReceived(packet *rtp.Packet, addr net.Addr) {
	// Read direction shut down: drop until Restart(read).
	if !s.streamState.CanRead() {
		return
	}
	if !s.GetDirection().CanReceive() {
		return
	}

	s.sources.Observe(packet)

	s.jitterMu.RLock()
	jb := s.jitterBuf
	s.jitterMu.RUnlock()
	if jb != nil {
		jb.Enqueue(packet)
		return
	}

	s.handlerMu.RLock()
	handler := s.onPacketReceived
	s.handlerMu.RUnlock()
	if handler != nil {
		handler(packet, addr)
	}
}

func (s *Session) handleRTCPReceived(packet RTCPPacket, addr net.Addr) {
	s.handlerMu.RLock()
	handler := s.onRTCPReceived
	s.handlerMu.RUnlock()
	if handler != nil {
		handler(packet, addr)
	}
}

// GetState returns the coarse lifecycle state.
func (s *Session) GetState() SessionState {
	s.stateMutex.RLock()
	defer s.stateMutex.RUnlock()
	return s.state
}

// GetSSRC returns the local synchronization source id; constant for
// the session's whole lifetime.
func (s *Session) GetSSRC() uint32 { return s.rtpSession.GetSSRC() }

// GetPayloadType returns the negotiated payload type.
func (s *Session) GetPayloadType() PayloadType { return s.rtpSession.GetPayloadType() }

// GetClockRate returns the session clock in Hz.
func (s *Session) GetClockRate() uint32 { return s.rtpSession.GetClockRate() }

// GetSources snapshots the validated remote sources.
func (s *Session) GetSources() map[uint32]*RemoteSource {
	return s.sources.Snapshot()
}

// GetStatistics aggregates the session counters. The invariant
// packetsReceived = delivered + lost + tooLate + pending holds per
// source in ReceptionStatsFor; this aggregate sums loss across
// sources.
func (s *Session) GetStatistics() SessionStatistics {
	stats := SessionStatistics{
		PacketsSent:     s.rtpSession.GetPacketsSent(),
		PacketsReceived: s.rtpSession.GetPacketsReceived(),
		BytesSent:       s.rtpSession.GetBytesSent(),
		BytesReceived:   s.rtpSession.GetBytesReceived(),
		LastActivity:    s.rtpSession.GetLastActivity(),
	}
	for ssrc := range s.sources.Snapshot() {
		if rx, ok := s.rtpSession.ReceptionStatsFor(ssrc); ok {
			stats.PacketsLost += uint32(rx.PacketsLost)
			if stats.Jitter == 0 {
				stats.Jitter = rx.Jitter
			}
		}
	}
	return stats
}

// ReceptionStatsFor exposes one source's detailed counters.
func (s *Session) ReceptionStatsFor(ssrc uint32) (ReceptionStats, bool) {
	return s.rtpSession.ReceptionStatsFor(ssrc)
}

// SendRTCPReport forces a compound report outside the timer cadence.
func (s *Session) SendRTCPReport() error {
	if s.rtcpSession == nil {
		return fmt.Errorf("rtp: no control transport")
	}
	return s.rtcpSession.SendReport()
}

// HasRTCP reports whether the session carries a control path.
func (s *Session) HasRTCP() bool { return s.rtcpSession != nil }

// RegisterIncomingHandler replaces the media delivery callback.
func (s *Session) RegisterIncomingHandler(handler func(*rtp.Packet, net.Addr)) {
	s.handlerMu.Lock()
	s.onPacketReceived = handler
	s.handlerMu.Unlock()
}

// SetDirection changes the negotiated direction (e.g. hold puts a
// sendrecv session to sendonly).
func (s *Session) SetDirection(direction Direction) {
	s.dirMutex.Lock()
	s.direction = direction
	s.dirMutex.Unlock()
}

// GetDirection returns the negotiated direction.
func (s *Session) GetDirection() Direction {
	s.dirMutex.RLock()
	defer s.dirMutex.RUnlock()
	return s.direction
}

// generateSSRC draws a cryptographically random non-zero SSRC
// (RFC 3550 Appendix A.6 wants global uniqueness odds, not
// predictability, but crypto/rand gives both).
func generateSSRC() (uint32, error) {
	for {
		var ssrc uint32
		if err := binary.Read(rand.Reader, binary.BigEndian, &ssrc); err != nil {
			return 0, err
		}
		if ssrc != 0 {
			return ssrc, nil
		}
	}
}

// mathRand seeds the initial sequence number and timestamp; only the
// SSRC needs crypto-strength randomness.
var mathRand = randutil.NewMathRandomGenerator()

func generateRandomUint16() uint16 { return uint16(mathRand.Uint32()) }
func generateRandomUint32() uint32 { return mathRand.Uint32() }
