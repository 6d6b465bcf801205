package rtp

import (
	"github.com/arzzra/opal-media-core/pkg/jitter"
	"github.com/arzzra/opal-media-core/pkg/transcoder"
)

// Directional shutdown and restart of a running session, layered on the
// state machine in state.go.
//
// Shutdown(DirWrite) sends a BYE (once per session lifetime) and stops
// the periodic RTCP reports; Shutdown(DirRead) stops delivery of
// incoming media. Either direction can be brought back with Restart,
// except that closing both directions closes the session for good.

// ShutdownDirection closes one half of the session. Closing the write
// half emits BYE and suppresses RTCP; closing the read half drops
// incoming media until RestartDirection(DirRead).
func (s *Session) ShutdownDirection(dir StreamDirection) error {
	return s.streamState.Shutdown(dir)
}

// RestartDirection re-opens a previously shut-down direction. The BYE
// flag stays set across a write restart; reports resume, BYE is never
// re-sent.
func (s *Session) RestartDirection(dir StreamDirection) error {
	return s.streamState.Restart(dir)
}

// StreamState returns the session's directional transport state.
func (s *Session) StreamState() StreamState {
	return s.streamState.State()
}

// ByeSent reports whether this session has emitted its BYE.
func (s *Session) ByeSent() bool {
	return s.streamState.ByeSent()
}

// TransportFailed reports whether the stall detector has escalated a
// run of send errors to a media failure.
func (s *Session) TransportFailed() bool {
	return s.stall.Failed()
}

// AttachJitterBuffer interposes a jitter buffer on the receive path:
// incoming packets are enqueued by timestamp and the consumer drains
// them with buf.Dequeue. Session-level resequencing is disabled, since
// the buffer reorders on its own. Pass nil to detach.
func (s *Session) AttachJitterBuffer(buf *jitter.Buffer) {
	s.jitterMu.Lock()
	s.jitterBuf = buf
	s.jitterMu.Unlock()
	if buf != nil && s.rtpSession != nil {
		s.rtpSession.DisableResequencing()
	}
}

// SetFeedbackNotifier routes decoded RTCP feedback (PLI/FIR, TMMBR,
// TSTR) into the transcoder commands of the patch that owns this
// session's media. No-op without an RTCP component.
func (s *Session) SetFeedbackNotifier(notify func(ssrc uint32, cmd transcoder.Command)) {
	if s.rtcpSession != nil {
		s.rtcpSession.SetCommandNotifier(notify)
	}
}
