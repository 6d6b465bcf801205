// Package patch implements the media patch: the worker that pumps frames
// from one source stream to one or more sink streams, each sink owning
// its own transcoder chain, with filters, a bypass fast-path, video rate
// control / key-frame bookkeeping, and a CPU self-throttle so a runaway
// patch can't starve the process.
package patch

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/arzzra/opal-media-core/pkg/mediastream"
	"github.com/arzzra/opal-media-core/pkg/transcoder"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	videoFramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opal_media_core",
		Subsystem: "patch",
		Name:      "video_frames_total",
		Help:      "Video frames dispatched per patch session.",
	}, []string{"session_id"})
	keyFramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opal_media_core",
		Subsystem: "patch",
		Name:      "key_frames_total",
		Help:      "Key frames detected per patch session.",
	}, []string{"session_id"})
)

func init() {
	prometheus.MustRegister(videoFramesTotal, keyFramesTotal)
}

// The CPU self-throttle heuristic is empirical, so both knobs are
// surfaced: OPAL_MEDIA_PATCH_CPU_CHECK (ms, default 1000) sets the
// sample window, and SetCPUThrottle overrides both per patch. The 90%
// busy-fraction threshold is the default.
const (
	defaultCPUCheckInterval    = time.Second
	defaultCPUThresholdPercent = 90
)

// cpuCheckIntervalFromEnv reads OPAL_MEDIA_PATCH_CPU_CHECK.
func cpuCheckIntervalFromEnv() time.Duration {
	if v := os.Getenv("OPAL_MEDIA_PATCH_CPU_CHECK"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultCPUCheckInterval
}

// startDelayFromEnv reads OPAL_MEDIA_START_DELAY (seconds), an
// artificial delay before the first pump iteration for debugging.
func startDelayFromEnv() time.Duration {
	if v := os.Getenv("OPAL_MEDIA_START_DELAY"); v != "" {
		if s, err := strconv.Atoi(v); err == nil && s > 0 {
			return time.Duration(s) * time.Second
		}
	}
	return 0
}

// Filter is invoked on every dispatched frame before it reaches any
// sink. Returning false drops the frame for every sink.
type Filter func(fr mediastream.Frame) (mediastream.Frame, bool)

// Sink is one destination of a patch: a stream plus the transcoder chain
// (if any) that converts the source format to the sink's format, plus
// per-sink rate-control and key-frame-detection state.
type Sink struct {
	Stream mediastream.Stream
	Chain  *transcoder.Chain // nil if sink format == source format

	mu             sync.Mutex
	writeOK        bool
	rateController RateController
	freeze         transcoder.FreezeOnLoss
}

// RateController decides whether a frame should be skipped to meet a
// target bitrate.
type RateController interface {
	SkipFrame() (skip bool, forceIFrame bool)
}

// NewSink constructs a sink in the "write succeeding" state.
func NewSink(stream mediastream.Stream, chain *transcoder.Chain) *Sink {
	return &Sink{Stream: stream, Chain: chain, writeOK: true}
}

// SetRateController installs a video rate controller for this sink;
// nil disables rate control.
func (s *Sink) SetRateController(rc RateController) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateController = rc
}

// ArmFreezeOnLoss freezes this sink's output until the next key frame.
func (s *Sink) ArmFreezeOnLoss() { s.freeze.Arm() }

// write delivers one frame to the sink, running it through the sink's
// transcoder chain (if any), rate control, and freeze filter first.
func (s *Sink) write(fr mediastream.Frame) error {
	s.mu.Lock()
	if !s.writeOK {
		s.mu.Unlock()
		return fmt.Errorf("sink write already failed")
	}
	rc := s.rateController
	s.mu.Unlock()

	if rc != nil {
		skip, forceIFrame := rc.SkipFrame()
		if forceIFrame {
			_ = s.Stream // the owning connection wires PLI generation from here
		}
		if skip {
			return nil
		}
	}

	if s.Chain == nil {
		return s.deliver(fr)
	}

	out, err := s.Chain.Convert(transcoder.Frame{
		Payload:   fr.Payload,
		Timestamp: fr.Timestamp,
		Marker:    fr.Marker,
	})
	if err != nil {
		return fmt.Errorf("sink transcode: %w", err)
	}
	for _, f := range out {
		if err := s.deliver(mediastream.Frame{Payload: f.Payload, Timestamp: f.Timestamp, Marker: f.Marker}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) deliver(fr mediastream.Frame) error {
	if !s.freeze.Filter(transcoder.Frame{Payload: fr.Payload, Timestamp: fr.Timestamp, Marker: fr.Marker}) {
		return nil
	}
	if err := s.Stream.WriteFrame(fr); err != nil {
		s.mu.Lock()
		s.writeOK = false
		s.mu.Unlock()
		return err
	}
	return nil
}

// Patch pumps frames from one source stream to its sinks. One Patch owns
// one background goroutine started by Start and stopped by Close.
type Patch struct {
	source  mediastream.Stream
	filters []Filter

	mu      sync.RWMutex
	sinks   []*Sink
	started bool

	cpuCheckInterval    time.Duration
	cpuThresholdPercent int

	bypassTo   *Patch
	bypassFrom *Patch

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once

	videoFrames  prometheus.Counter
	keyFrames    prometheus.Counter

	keyFrameDetect func(payload []byte) (isVideo, isKeyFrame bool)
}

// SetKeyFrameDetector installs a codec-specific key-frame detector (e.g.
// inspecting the VP8 payload header). When set, every bypassed or
// direct-written frame is classified for the video_frames_total /
// key_frames_total counters.
func (p *Patch) SetKeyFrameDetector(detect func(payload []byte) (isVideo, isKeyFrame bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keyFrameDetect = detect
}

// New constructs a patch rooted at the given source stream.
func New(source mediastream.Stream) *Patch {
	sessionID := fmt.Sprintf("%d", source.SessionID())
	return &Patch{
		source: source,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		videoFrames: videoFramesTotal.WithLabelValues(sessionID),
		keyFrames:   keyFramesTotal.WithLabelValues(sessionID),

		cpuCheckInterval:    cpuCheckIntervalFromEnv(),
		cpuThresholdPercent: defaultCPUThresholdPercent,
	}
}

// SetCPUThrottle overrides the self-throttle sample window and busy
// threshold for this patch. Must be called before Start.
func (p *Patch) SetCPUThrottle(window time.Duration, thresholdPercent int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if window > 0 {
		p.cpuCheckInterval = window
	}
	if thresholdPercent > 0 && thresholdPercent <= 100 {
		p.cpuThresholdPercent = thresholdPercent
	}
}

// Source returns the stream this patch pumps from.
func (p *Patch) Source() mediastream.Stream {
	return p.source
}

// AddSink attaches a sink to this patch.
func (p *Patch) AddSink(sink *Sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sinks = append(p.sinks, sink)
}

// AddFilter registers a frame filter, applied in registration order before
// dispatch to any sink.
func (p *Patch) AddFilter(f Filter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filters = append(p.filters, f)
}

// SetBypass routes frames arriving at this patch directly to `target`'s
// sinks instead of this patch's own.
// Passing nil removes the bypass.
func (p *Patch) SetBypass(target *Patch) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bypassFrom != nil {
		return fmt.Errorf("patch already bypassed from another patch")
	}
	if p.bypassTo == target {
		return nil
	}
	if p.bypassTo != nil {
		p.bypassTo.mu.Lock()
		p.bypassTo.bypassFrom = nil
		p.bypassTo.mu.Unlock()
	}
	if target != nil {
		target.mu.Lock()
		if target.bypassFrom != nil {
			target.mu.Unlock()
			return fmt.Errorf("target patch already has a bypass source")
		}
		target.bypassFrom = p
		target.mu.Unlock()
	}
	p.bypassTo = target
	return nil
}

// closeWorkerTimeout bounds how long Close waits for the pump worker;
// past it the worker handle is abandoned.
const closeWorkerTimeout = 10 * time.Second

// Start launches the pump goroutine. A patch runs exactly one worker;
// further Start calls are no-ops.
func (p *Patch) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()
	go p.run()
}

// Close stops the pump goroutine and waits for it to exit, bounded by
// closeWorkerTimeout. A never-started patch closes immediately.
func (p *Patch) Close() {
	p.once.Do(func() {
		close(p.stopCh)
	})

	p.mu.RLock()
	started := p.started
	p.mu.RUnlock()
	if !started {
		return
	}

	select {
	case <-p.doneCh:
	case <-time.After(closeWorkerTimeout):
		// Worker stuck in a blocking read; abandon the handle.
	}
}

// run is the worker loop: read one frame
// from source, dispatch to sinks (or the bypass target), self-throttle
// CPU usage by sampling the fraction of wall-clock time spent inside
// ReadFrame+dispatch versus total loop time every cpuCheckInterval.
func (p *Patch) run() {
	defer close(p.doneCh)

	if delay := startDelayFromEnv(); delay > 0 {
		select {
		case <-p.stopCh:
			return
		case <-time.After(delay):
		}
	}

	p.mu.RLock()
	cpuCheckInterval := p.cpuCheckInterval
	cpuThresholdPercent := p.cpuThresholdPercent
	p.mu.RUnlock()

	var windowStart time.Time = nowOrZero()
	var busy time.Duration

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		if p.source.IsPaused() {
			select {
			case <-p.stopCh:
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		loopStart := time.Now()
		fr, err := p.source.ReadFrame()
		if err != nil {
			return
		}

		if !p.dispatch(fr) {
			return
		}
		busy += time.Since(loopStart)

		if time.Since(windowStart) > cpuCheckInterval {
			elapsed := time.Since(windowStart)
			if busy*100 > elapsed*time.Duration(cpuThresholdPercent) {
				time.Sleep(cpuCheckInterval * time.Duration(100-cpuThresholdPercent) / 100)
			}
			windowStart = time.Now()
			busy = 0
		}
	}
}

func nowOrZero() time.Time { return time.Now() }

// dispatch filters the frame then writes it to the bypass target's sinks
// (if bypassed) or this patch's own sinks. Returns false if every sink
// write failed, matching DispatchFrame's "all sink writes failed" stop
// condition.
func (p *Patch) dispatch(fr mediastream.Frame) bool {
	p.mu.RLock()
	filters := p.filters
	target := p
	if p.bypassTo != nil {
		target = p.bypassTo
	}
	detect := p.keyFrameDetect
	p.mu.RUnlock()

	if detect != nil {
		if isVideo, isKeyFrame := detect(fr.Payload); isVideo {
			p.videoFrames.Inc()
			if isKeyFrame {
				p.keyFrames.Inc()
			}
		}
	}

	for _, f := range filters {
		var ok bool
		fr, ok = f(fr)
		if !ok {
			return true
		}
	}

	target.mu.RLock()
	sinks := target.sinks
	target.mu.RUnlock()

	if len(sinks) == 0 {
		return true
	}

	wrote := false
	for _, sink := range sinks {
		if err := sink.write(fr); err == nil {
			wrote = true
		}
	}
	return wrote
}

// PushFrame injects a frame directly, bypassing the source read, used for
// externally-driven sources (e.g. a connection forwarding an already-read
// RTP packet).
func (p *Patch) PushFrame(fr mediastream.Frame) bool {
	return p.dispatch(fr)
}
