// Package transcoder implements per-sink conversion between media
// formats, optionally through an intermediate format, with video
// rate-control plumbing.
//
// Codec implementations are opaque plug-ins registered by name rather
// than discovered through static-initializer side effects.
package transcoder

import (
	"fmt"
	"sync"
	"time"

	"github.com/arzzra/opal-media-core/pkg/format"
)

// Frame is one unit of media data moving through a transcoder chain.
type Frame struct {
	Payload   []byte
	Timestamp uint32
	Marker    bool
	KeyFrame  bool
}

// CommandType enumerates the upstream control messages a Transcoder can
// receive or emit.
type CommandType int

const (
	CommandVideoUpdatePicture CommandType = iota
	CommandPictureLoss
	CommandTemporalSpatialTradeOff
	CommandFlowControl
)

// Command carries an optional numeric argument (bitrate for FlowControl,
// trade-off value for TemporalSpatialTradeOff).
type Command struct {
	Type  CommandType
	Value int
}

// Transcoder converts frames between one input and one output MediaFormat.
type Transcoder interface {
	InputFormat() *format.MediaFormat
	OutputFormat() *format.MediaFormat
	Convert(in Frame) ([]Frame, error)
	UpdateMediaFormats(in, out *format.MediaFormat) error
	ExecuteCommand(cmd Command) error
	GetOptimalDataFrameSize(asSource bool) int
	SetCommandNotifier(cb func(Command))
}

// Factory constructs a Transcoder for a specific (input,output) format
// name pair. Registration is explicit, from a startup routine; there
// are no init-order side effects.
type Factory func(in, out *format.MediaFormat) (Transcoder, error)

// Registry is the process-wide factory table, keyed by "in->out" format
// name pairs.
type Registry struct {
	mu       sync.RWMutex
	direct   map[string]Factory
	passthru map[string]*format.MediaFormat // formats that can serve as an intermediate
}

func key(in, out string) string { return in + "->" + out }

// NewRegistry constructs an empty transcoder factory registry.
func NewRegistry() *Registry {
	return &Registry{direct: make(map[string]Factory), passthru: make(map[string]*format.MediaFormat)}
}

// Register adds a direct in->out factory.
func (r *Registry) Register(inName, outName string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.direct[key(inName, outName)] = f
}

// RegisterIntermediate marks a format as usable as a two-stage
// intermediate (e.g. a raw PCM or YUV format every codec bridges through).
func (r *Registry) RegisterIntermediate(mf *format.MediaFormat) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.passthru[mf.Name] = mf
}

// Chain is a (primary, optional secondary) transcoder pair for one sink,
// one sink owns up to two Transcoders: a primary stage and an optional
// second stage through a shared intermediate format.
type Chain struct {
	Primary   Transcoder
	Secondary Transcoder // nil for a direct (single-stage) chain
}

// Convert runs the frame through primary then (if present) secondary,
// returning every resulting output frame in order.
func (c *Chain) Convert(in Frame) ([]Frame, error) {
	primaryOut, err := c.Primary.Convert(in)
	if err != nil {
		return nil, err
	}
	if c.Secondary == nil {
		return primaryOut, nil
	}
	var out []Frame
	for _, f := range primaryOut {
		secondaryOut, err := c.Secondary.Convert(f)
		if err != nil {
			return nil, err
		}
		out = append(out, secondaryOut...)
	}
	return out, nil
}

// Build selects a chain for converting from `in` to `out`: a direct
// factory if one exists, else a registered intermediate format with
// factories on both sides. Intermediates are tried in map order, so
// which one is tried first is not defined; the first whose two
// factories both succeed is used, and if its stages fail the
// packetization check (the intermediate's output clock rate must divide
// the secondary stage's input clock rate) Build returns that error
// without trying another intermediate. Fails if no path is found.
func (r *Registry) Build(in, out *format.MediaFormat) (*Chain, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if f, ok := r.direct[key(in.Name, out.Name)]; ok {
		t, err := f(in, out)
		if err != nil {
			return nil, err
		}
		return &Chain{Primary: t}, nil
	}

	for mid, midFormat := range r.passthru {
		firstFactory, ok1 := r.direct[key(in.Name, mid)]
		secondFactory, ok2 := r.direct[key(mid, out.Name)]
		if !ok1 || !ok2 {
			continue
		}
		primary, err := firstFactory(in, midFormat)
		if err != nil {
			continue
		}
		secondary, err := secondFactory(midFormat, out)
		if err != nil {
			continue
		}
		if err := checkPacketizationCompatible(primary, secondary); err != nil {
			return nil, err
		}
		return &Chain{Primary: primary, Secondary: secondary}, nil
	}

	return nil, fmt.Errorf("no transcoder path from %q to %q", in.Name, out.Name)
}

// checkPacketizationCompatible enforces the testable-property-7 invariant:
// primary.output.format == secondary.input.format (by construction above)
// and secondary.input.clockRate % primary.output.clockRate == 0.
func checkPacketizationCompatible(primary, secondary Transcoder) error {
	pOut := primary.OutputFormat()
	sIn := secondary.InputFormat()
	if pOut.Name != sIn.Name {
		return fmt.Errorf("intermediate format mismatch: %q != %q", pOut.Name, sIn.Name)
	}
	if sIn.ClockRate == 0 || pOut.ClockRate == 0 || sIn.ClockRate%pOut.ClockRate != 0 {
		return fmt.Errorf("packetization mismatch: %d %% %d != 0", sIn.ClockRate, pOut.ClockRate)
	}
	return nil
}

// Video I-frame throttle bounds.
const (
	minIFrameThrottle = 500 * time.Millisecond
	maxIFrameThrottle = 4 * time.Second
)

// IFrameThrottle paces downstream forced I-frame requests: honor
// the first forced I-frame immediately; while a previous request is still
// in flight or within the current throttle window, ignore the request but
// adapt the window (double it when requests arrive closer together than
// the window allows, halve it when they arrive further apart than the
// maximum).
type IFrameThrottle struct {
	mu               sync.Mutex
	lastRequest      time.Time
	throttleInterval time.Duration
	throttleUntil    time.Time
	pending          bool
}

// Request evaluates a forced I-frame request at time `now`; it returns
// true if the request should actually be honored (an I-frame produced),
// false if it is absorbed by throttling. Call MarkSent once the I-frame is
// actually emitted to clear the `pending` latch.
func (t *IFrameThrottle) Request(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	timeSinceLast := now.Sub(t.lastRequest)
	t.lastRequest = now

	switch {
	case timeSinceLast < minIFrameThrottle && t.throttleInterval < maxIFrameThrottle:
		t.throttleInterval *= 2
	case timeSinceLast > maxIFrameThrottle && t.throttleInterval > minIFrameThrottle:
		t.throttleInterval /= 2
	case t.throttleInterval > minIFrameThrottle:
		// keep as-is
	default:
		t.throttleInterval = minIFrameThrottle
	}
	if t.throttleInterval < minIFrameThrottle {
		t.throttleInterval = minIFrameThrottle
	}
	if t.throttleInterval > maxIFrameThrottle {
		t.throttleInterval = maxIFrameThrottle
	}

	if t.pending {
		return false
	}
	if now.Before(t.throttleUntil) {
		return false
	}

	t.throttleUntil = now.Add(t.throttleInterval)
	t.pending = true
	return true
}

// MarkSent clears the in-flight latch once the forced I-frame has actually
// been produced by the encoder.
func (t *IFrameThrottle) MarkSent() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = false
}

// Stats holds the per-patch video frame/key-frame counters.
type Stats struct {
	mu             sync.Mutex
	TotalFrames    uint64
	TotalIFrames   uint64
}

// RecordFrame increments the counters for a converted frame.
func (s *Stats) RecordFrame(keyFrame bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TotalFrames++
	if keyFrame {
		s.TotalIFrames++
	}
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() (total, iframes uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.TotalFrames, s.TotalIFrames
}

// FreezeOnLoss implements the "freeze sink until next intra frame" policy:
// once armed by a picture-loss indication, Filter drops every frame until
// one arrives with KeyFrame set.
type FreezeOnLoss struct {
	mu     sync.Mutex
	frozen bool
}

// Arm freezes the sink; call this when a PLI/FIR is processed and the
// freeze-on-loss option is enabled for the stream.
func (f *FreezeOnLoss) Arm() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frozen = true
}

// Filter returns true if the frame should be delivered (not dropped).
// A key frame always passes and clears the freeze.
func (f *FreezeOnLoss) Filter(fr Frame) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fr.KeyFrame {
		f.frozen = false
		return true
	}
	return !f.frozen
}
