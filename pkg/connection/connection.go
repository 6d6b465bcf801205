// Package connection binds one call leg of the media plane: it owns the
// leg's capability set, its RTP sessions, its media streams and the
// patches pumping frames between them. Signalling (SIP, H.323) lives
// outside; it negotiates formats and transport addresses and drives this
// package through OpenSourceMediaStream / OpenSinkMediaStream and the
// phase transitions.
package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	pionrtp "github.com/pion/rtp"

	"github.com/arzzra/opal-media-core/pkg/capability"
	"github.com/arzzra/opal-media-core/pkg/format"
	"github.com/arzzra/opal-media-core/pkg/mediastream"
	"github.com/arzzra/opal-media-core/pkg/patch"
	"github.com/arzzra/opal-media-core/pkg/rtp"
	"github.com/arzzra/opal-media-core/pkg/transcoder"
)

// Phase is a call leg's lifecycle position. Phases only ever advance;
// once Releasing, only Released is reachable.
type Phase int

const (
	PhaseUninitialised Phase = iota
	PhaseSetUp
	PhaseAlerting
	PhaseConnected
	PhaseEstablished
	PhaseReleasing
	PhaseReleased
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialised:
		return "uninitialised"
	case PhaseSetUp:
		return "setUp"
	case PhaseAlerting:
		return "alerting"
	case PhaseConnected:
		return "connected"
	case PhaseEstablished:
		return "established"
	case PhaseReleasing:
		return "releasing"
	case PhaseReleased:
		return "released"
	default:
		return "unknown"
	}
}

var (
	// ErrNoCompatibleFormat means no format was common to the local
	// transmit list and the remote accept list.
	ErrNoCompatibleFormat = errors.New("no compatible media format")
	// ErrStreamOpenFailed means the chosen format's stream could not
	// acquire its underlying resource.
	ErrStreamOpenFailed = errors.New("media stream open failed")
)

// Config parameterizes a connection.
type Config struct {
	// LocalIP is the address media sockets bind. Defaults to 0.0.0.0.
	LocalIP string
	// Ports bounds local RTP/RTCP port allocation.
	Ports PortRange
	// MaxPacketSize bounds receive buffers. Defaults to 1500.
	MaxPacketSize int
	// DTMFPayloadType is the negotiated telephone-event payload type.
	// Defaults to 101.
	DTMFPayloadType uint8
	// UserInput selects the DTMF conveyance mode.
	UserInput UserInputMode
	// BandwidthAvailable is the initial bit-rate budget; 0 = unlimited.
	BandwidthAvailable uint64

	// Transcoders resolves conversion chains between formats. Defaults
	// to a fresh registry (direct matches only).
	Transcoders *transcoder.Registry

	// Notifiers into the host application.
	OnOpenMediaStream   func(mediastream.Stream)
	OnClosedMediaStream func(mediastream.Stream)
	OnMediaFailed       func(sessionID int, onRead bool)
	OnUserInputTone     func(tone byte, duration time.Duration)
	OnPhaseChanged      func(Phase)
}

// Connection is one call leg.
type Connection struct {
	id  string
	cfg Config

	phaseMu sync.Mutex
	phase   *fsm.FSM

	caps          *capability.Set
	formatsMu     sync.Mutex
	localFormats  []*format.MediaFormat
	remoteFormats []*format.MediaFormat

	streamsMu sync.RWMutex
	streams   []mediastream.Stream
	patches   []*patch.Patch

	sessions *sessionRegistry
	ports    *portAllocator

	bandwidth bandwidthAccount
	endReason endReason

	toneMu   sync.Mutex
	tones    *toneSender
	toneRx   *toneReceiver
}

// New constructs a connection in the uninitialised phase.
func New(cfg Config) (*Connection, error) {
	if cfg.LocalIP == "" {
		cfg.LocalIP = "0.0.0.0"
	}
	if cfg.MaxPacketSize == 0 {
		cfg.MaxPacketSize = 1500
	}
	if cfg.DTMFPayloadType == 0 {
		cfg.DTMFPayloadType = 101
	}
	if cfg.Ports == (PortRange{}) {
		cfg.Ports = DefaultPortRange()
	}
	if cfg.Transcoders == nil {
		cfg.Transcoders = transcoder.NewRegistry()
	}

	ports, err := newPortAllocator(cfg.Ports)
	if err != nil {
		return nil, fmt.Errorf("connection: %w", err)
	}

	c := &Connection{
		id:       uuid.NewString(),
		cfg:      cfg,
		caps:     capability.NewSet(),
		sessions: newSessionRegistry(),
		ports:    ports,
	}
	c.bandwidth.SetAvailable(cfg.BandwidthAvailable)
	c.initPhaseFSM()
	return c, nil
}

// ID returns the connection's unique identifier.
func (c *Connection) ID() string { return c.id }

// Capabilities returns the connection's capability set. The caller may
// mutate it; the set is internally synchronized.
func (c *Connection) Capabilities() *capability.Set { return c.caps }

func (c *Connection) initPhaseFSM() {
	c.phase = fsm.NewFSM(
		PhaseUninitialised.String(),
		fsm.Events{
			{Name: "setup", Src: []string{PhaseUninitialised.String()}, Dst: PhaseSetUp.String()},
			{Name: "alert", Src: []string{PhaseSetUp.String()}, Dst: PhaseAlerting.String()},
			{Name: "connect", Src: []string{PhaseSetUp.String(), PhaseAlerting.String()}, Dst: PhaseConnected.String()},
			{Name: "establish", Src: []string{PhaseConnected.String()}, Dst: PhaseEstablished.String()},
			{Name: "release", Src: []string{
				PhaseUninitialised.String(), PhaseSetUp.String(), PhaseAlerting.String(),
				PhaseConnected.String(), PhaseEstablished.String(),
			}, Dst: PhaseReleasing.String()},
			{Name: "released", Src: []string{PhaseReleasing.String()}, Dst: PhaseReleased.String()},
		},
		fsm.Callbacks{},
	)
}

// Phase returns the current lifecycle phase.
func (c *Connection) Phase() Phase {
	c.phaseMu.Lock()
	defer c.phaseMu.Unlock()
	return parsePhase(c.phase.Current())
}

// phaseEvents in advancing order; SetPhase walks them until the target
// phase is reached.
var phaseEvents = []struct {
	event string
	to    Phase
}{
	{"setup", PhaseSetUp},
	{"alert", PhaseAlerting},
	{"connect", PhaseConnected},
	{"establish", PhaseEstablished},
	{"release", PhaseReleasing},
	{"released", PhaseReleased},
}

// SetPhase advances to the target phase, stepping through intermediate
// phases as needed. Moving backwards is an error.
func (c *Connection) SetPhase(target Phase) error {
	c.phaseMu.Lock()
	defer c.phaseMu.Unlock()

	current := parsePhase(c.phase.Current())
	if target < current {
		return fmt.Errorf("connection phase may only advance: %s -> %s", current, target)
	}
	if target == current {
		return nil
	}

	for _, step := range phaseEvents {
		if step.to <= current || step.to > target {
			continue
		}
		// The alerting step is optional on the way to connected, and
		// release is reachable from any phase without passing through
		// the intermediate established states.
		if step.to == PhaseAlerting && target > PhaseAlerting {
			continue
		}
		if target >= PhaseReleasing && step.to < PhaseReleasing {
			continue
		}
		if err := c.phase.Event(context.Background(), step.event); err != nil {
			return fmt.Errorf("connection phase %s: %w", step.event, err)
		}
	}

	if c.cfg.OnPhaseChanged != nil {
		c.cfg.OnPhaseChanged(target)
	}
	return nil
}

func parsePhase(s string) Phase {
	for p := PhaseUninitialised; p <= PhaseReleased; p++ {
		if p.String() == s {
			return p
		}
	}
	return PhaseUninitialised
}

// SetLocalFormats installs the transmit preference list.
func (c *Connection) SetLocalFormats(formats []*format.MediaFormat) {
	c.formatsMu.Lock()
	c.localFormats = formats
	c.formatsMu.Unlock()
}

// SetRemoteFormats installs the remote party's accept list, as produced
// by SDP answer parsing or H.245 capability exchange.
func (c *Connection) SetRemoteFormats(formats []*format.MediaFormat) {
	c.formatsMu.Lock()
	c.remoteFormats = formats
	c.formatsMu.Unlock()
}

// selectFormat picks the best common format: the caller's preference
// order decides, with an optional prior format (an already-open
// counterpart stream, for symmetry) tried first. The chosen local and
// remote formats are merged option-by-option; a merge conflict
// disqualifies the candidate.
func (c *Connection) selectFormat(preferred []*format.MediaFormat, priorName string) (*format.MediaFormat, error) {
	c.formatsMu.Lock()
	remote := make([]*format.MediaFormat, len(c.remoteFormats))
	copy(remote, c.remoteFormats)
	c.formatsMu.Unlock()

	candidates := preferred
	if priorName != "" {
		reordered := make([]*format.MediaFormat, 0, len(preferred))
		for _, f := range preferred {
			if strings.EqualFold(f.Name, priorName) {
				reordered = append([]*format.MediaFormat{f}, reordered...)
			} else {
				reordered = append(reordered, f)
			}
		}
		candidates = reordered
	}

	for _, local := range candidates {
		for _, rem := range remote {
			if !strings.EqualFold(local.Name, rem.Name) {
				continue
			}
			merged, err := local.Merge(rem)
			if err != nil {
				// Same name but incompatible options: keep looking.
				continue
			}
			return merged, nil
		}
	}
	return nil, ErrNoCompatibleFormat
}

// OpenSourceMediaStream selects the best common format from the given
// transmit preference list and opens a source stream for the session.
// If a sink stream is already open on the same session its format is
// preferred, keeping the two directions symmetric.
func (c *Connection) OpenSourceMediaStream(preferred []*format.MediaFormat, sessionID int) (mediastream.Stream, error) {
	prior := ""
	c.streamsMu.RLock()
	for _, s := range c.streams {
		if s.SessionID() == sessionID && !s.IsSource() {
			prior = s.MediaFormat().Name
			break
		}
	}
	c.streamsMu.RUnlock()

	mf, err := c.selectFormat(preferred, prior)
	if err != nil {
		return nil, err
	}
	return c.openStream(mf, sessionID, true)
}

// OpenSinkMediaStream opens the sink counterpart of an existing source
// stream, preferring the source's selected format (tried first even when
// the local format list does not name it).
func (c *Connection) OpenSinkMediaStream(source mediastream.Stream) (mediastream.Stream, error) {
	c.formatsMu.Lock()
	preferred := make([]*format.MediaFormat, 0, len(c.localFormats)+1)
	preferred = append(preferred, source.MediaFormat())
	preferred = append(preferred, c.localFormats...)
	c.formatsMu.Unlock()

	mf, err := c.selectFormat(preferred, source.MediaFormat().Name)
	if err != nil {
		return nil, err
	}
	return c.openStream(mf, source.SessionID(), false)
}

// openStream builds the stream (RTP-backed when the session exists,
// null otherwise), opens it, records it and notifies the application.
func (c *Connection) openStream(mf *format.MediaFormat, sessionID int, isSource bool) (mediastream.Stream, error) {
	pt := uint8(0)
	if mf.PayloadType >= 0 {
		pt = uint8(mf.PayloadType)
	}

	var stream mediastream.Stream
	if ms, ok := c.sessions.get(sessionID); ok && ms.Session != nil {
		adapter := newRTPAdapter(ms.Session, pt, mf.ClockRate)
		c.installToneHandling(ms, adapter)
		stream = mediastream.NewRTP(mf, sessionID, isSource, adapter)
	} else {
		stream = mediastream.NewNull(mf, sessionID, isSource)
	}

	if err := stream.Open(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStreamOpenFailed, err)
	}

	c.streamsMu.Lock()
	c.streams = append(c.streams, stream)
	c.streamsMu.Unlock()

	if c.cfg.OnOpenMediaStream != nil {
		c.cfg.OnOpenMediaStream(stream)
	}
	return stream, nil
}

// BuildPatch wires a source stream to a sink stream through whatever
// transcoder chain the formats require (none when they already match)
// and records the patch for StartMediaStreams.
func (c *Connection) BuildPatch(source, sink mediastream.Stream) (*patch.Patch, error) {
	var chain *transcoder.Chain
	srcFmt, dstFmt := source.MediaFormat(), sink.MediaFormat()
	if !strings.EqualFold(srcFmt.Name, dstFmt.Name) {
		var err error
		chain, err = c.cfg.Transcoders.Build(srcFmt, dstFmt)
		if err != nil {
			return nil, fmt.Errorf("build patch %s -> %s: %w", srcFmt.Name, dstFmt.Name, err)
		}
	}

	p := patch.New(source)
	p.AddSink(patch.NewSink(sink, chain))

	c.streamsMu.Lock()
	c.patches = append(c.patches, p)
	c.streamsMu.Unlock()
	return p, nil
}

// StartMediaStreams launches every patch worker.
func (c *Connection) StartMediaStreams() {
	c.streamsMu.RLock()
	patches := make([]*patch.Patch, len(c.patches))
	copy(patches, c.patches)
	c.streamsMu.RUnlock()

	for _, p := range patches {
		p.Start()
	}
}

// PauseMediaStreams pauses or resumes every stream.
func (c *Connection) PauseMediaStreams(paused bool) {
	c.streamsMu.RLock()
	defer c.streamsMu.RUnlock()
	for _, s := range c.streams {
		s.SetPaused(paused)
	}
}

// CloseMediaStreams tears down every patch and stream, notifying the
// application per closed stream.
func (c *Connection) CloseMediaStreams() {
	c.streamsMu.Lock()
	patches := c.patches
	streams := c.streams
	c.patches = nil
	c.streams = nil
	c.streamsMu.Unlock()

	for _, p := range patches {
		p.Close()
	}
	for _, s := range streams {
		_ = s.Close()
		if c.cfg.OnClosedMediaStream != nil {
			c.cfg.OnClosedMediaStream(s)
		}
	}
}

// Streams snapshots the open stream list.
func (c *Connection) Streams() []mediastream.Stream {
	c.streamsMu.RLock()
	defer c.streamsMu.RUnlock()
	out := make([]mediastream.Stream, len(c.streams))
	copy(out, c.streams)
	return out
}

// SetBandwidthAvailable replaces the leg's bit-rate budget.
func (c *Connection) SetBandwidthAvailable(bps uint64) {
	c.bandwidth.SetAvailable(bps)
}

// SetBandwidthUsed releases one allocation and requests another;
// returns false when the request exceeds the budget and force is unset.
func (c *Connection) SetBandwidthUsed(release, request uint64, force bool) bool {
	ok := c.bandwidth.SetUsed(release, request, force)
	if !ok {
		c.endReason.Set(EndedByNoBandwidth)
	}
	return ok
}

// BandwidthUsed returns the committed usage in bits per second.
func (c *Connection) BandwidthUsed() uint64 { return c.bandwidth.Used() }

// SendUserInputTone conveys one DTMF tone. In RFC 2833 modes the tone
// is inserted into the audio session's RTP stream (default duration
// 180 ms); in out-of-band modes it is only reported to the notifier for
// the signalling layer to carry.
func (c *Connection) SendUserInputTone(tone byte, duration time.Duration) error {
	if duration <= 0 {
		duration = defaultToneDuration
	}

	switch c.cfg.UserInput {
	case UserInputRFC2833, UserInputSeparateRFC2833:
		c.toneMu.Lock()
		sender := c.tones
		c.toneMu.Unlock()
		if sender == nil {
			return fmt.Errorf("no audio session open for RFC 2833 tones")
		}
		return sender.sendTone(tone, duration)
	default:
		if c.cfg.OnUserInputTone != nil {
			c.cfg.OnUserInputTone(tone, duration)
		}
		return nil
	}
}

// installToneHandling arms RFC 2833 send/receive on the first audio
// session that opens a stream.
func (c *Connection) installToneHandling(ms *MediaSession, adapter *rtpAdapter) {
	if ms.MediaType != format.MediaTypeAudio {
		return
	}
	c.toneMu.Lock()
	defer c.toneMu.Unlock()
	if c.tones == nil {
		c.tones = &toneSender{
			payloadType: c.cfg.DTMFPayloadType,
			send:        ms.Session.SendPacket,
		}
	}
	if c.toneRx == nil {
		c.toneRx = &toneReceiver{
			payloadType: c.cfg.DTMFPayloadType,
			notify:      c.cfg.OnUserInputTone,
		}
		adapter.setToneFilter(c.toneRx)
	}
}

// StartRecording attaches a capture filter to the primary audio patch;
// every frame passing the patch is forwarded to the recorder before
// reaching the sinks. Pass-through only: the frame is not modified.
func (c *Connection) StartRecording(record func(payload []byte, timestamp uint32)) error {
	c.streamsMu.RLock()
	defer c.streamsMu.RUnlock()

	for _, p := range c.patches {
		if p.Source().MediaFormat().Media != format.MediaTypeAudio {
			continue
		}
		p.AddFilter(func(fr mediastream.Frame) (mediastream.Frame, bool) {
			record(fr.Payload, fr.Timestamp)
			return fr, true
		})
		return nil
	}
	return fmt.Errorf("no audio patch to record from")
}

// handleMediaFailed is the stall detector's escalation point: record
// the root cause and tell the application which session and direction
// died.
func (c *Connection) handleMediaFailed(sessionID int, onRead bool) {
	c.endReason.Set(EndedByTransportFail)
	if c.cfg.OnMediaFailed != nil {
		c.cfg.OnMediaFailed(sessionID, onRead)
	}
}

// Release begins teardown with the given reason (sticky: the first
// recorded reason survives) and tears down media.
func (c *Connection) Release(reason CallEndReason) {
	c.endReason.Set(reason)
	if err := c.SetPhase(PhaseReleasing); err != nil {
		return // already releasing or released
	}

	c.CloseMediaStreams()
	for _, ms := range c.sessions.all() {
		c.ReleaseSession(ms.ID)
	}
	_ = c.SetPhase(PhaseReleased)
}

// EndReason returns the recorded call-end reason.
func (c *Connection) EndReason() CallEndReason { return c.endReason.Get() }

// rtpAdapter bridges an rtp.Session to the mediastream.RTPSource
// interface: incoming packets are queued by an incoming handler, reads
// drain the queue, writes stamp outgoing packets. A tone receiver may
// be interposed to consume telephone-event packets before they reach
// the media path.
type rtpAdapter struct {
	session     *rtp.Session
	payloadType uint8
	clockRate   uint32

	mu       sync.Mutex
	toneRx   *toneReceiver
	incoming chan *pionrtp.Packet
	seq      uint16
}

func newRTPAdapter(session *rtp.Session, payloadType uint8, clockRate uint32) *rtpAdapter {
	a := &rtpAdapter{
		session:     session,
		payloadType: payloadType,
		clockRate:   clockRate,
		incoming:    make(chan *pionrtp.Packet, 64),
	}
	session.RegisterIncomingHandler(a.handleIncoming)
	return a
}

func (a *rtpAdapter) setToneFilter(tr *toneReceiver) {
	a.mu.Lock()
	a.toneRx = tr
	a.mu.Unlock()
}

func (a *rtpAdapter) handleIncoming(pkt *pionrtp.Packet, _ net.Addr) {
	a.mu.Lock()
	tr := a.toneRx
	a.mu.Unlock()
	if tr != nil && tr.processPacket(pkt) {
		return
	}
	select {
	case a.incoming <- pkt:
	default:
		// Queue full: drop the oldest to keep latency bounded.
		select {
		case <-a.incoming:
		default:
		}
		select {
		case a.incoming <- pkt:
		default:
		}
	}
}

func (a *rtpAdapter) ReadFrame() (payload []byte, timestamp uint32, marker bool, err error) {
	pkt, ok := <-a.incoming
	if !ok {
		return nil, 0, false, fmt.Errorf("rtp session closed")
	}
	return pkt.Payload, pkt.Timestamp, pkt.Marker, nil
}

func (a *rtpAdapter) WriteFrame(payload []byte, timestamp uint32, marker bool) error {
	a.mu.Lock()
	a.seq++
	seq := a.seq
	a.mu.Unlock()

	return a.session.SendPacket(&pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    a.payloadType,
			SequenceNumber: seq,
			Timestamp:      timestamp,
		},
		Payload: payload,
	})
}
