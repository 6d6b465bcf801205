package rtp

import (
	"sync"
	"time"

	"github.com/pion/rtp"
)

// sourceProbation is how many consecutive packets a new SSRC must show
// before it is considered a valid member rather than stray traffic
// (RFC 3550's probation rule).
const sourceProbation = 2

// defaultSourceTimeout removes a source after this long without a
// packet; five nominal report intervals, per the RFC 3550 timeout
// guidance.
const defaultSourceTimeout = 5 * 12 * time.Second

// RemoteSource is one remote SSRC observed on the session: validation
// state, receive counters, and the SDES identity it announced.
type RemoteSource struct {
	SSRC        uint32
	FirstSeen   time.Time
	LastSeen    time.Time
	Packets     uint64
	Bytes       uint64
	LastSeq     uint16
	Description SourceDescription

	probation int
	validated bool
}

// Validated reports whether the source has cleared probation.
func (s *RemoteSource) Validated() bool { return s.validated }

// SourceTableConfig wires the table's notifications.
type SourceTableConfig struct {
	// Timeout removes sources silent for this long. Zero means the
	// default of five report intervals.
	Timeout time.Duration
	// OnSourceAdded fires when a source clears probation.
	OnSourceAdded func(ssrc uint32, source *RemoteSource)
	// OnSourceRemoved fires on BYE or timeout.
	OnSourceRemoved func(ssrc uint32, source *RemoteSource)
}

// SourceTable tracks the remote SSRCs contributing to a session. The
// reception trackers (reception.go) own sequence/jitter math; this
// table owns membership: probation, SDES identity, BYE and timeout
// removal, and the RR-block enumeration the RTCP side needs.
type SourceTable struct {
	mu      sync.Mutex
	cfg     SourceTableConfig
	sources map[uint32]*RemoteSource

	stopCh chan struct{}
	once   sync.Once
}

// NewSourceTable constructs a table and starts its timeout sweep.
func NewSourceTable(cfg SourceTableConfig) *SourceTable {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultSourceTimeout
	}
	st := &SourceTable{
		cfg:     cfg,
		sources: make(map[uint32]*RemoteSource),
		stopCh:  make(chan struct{}),
	}
	go st.sweep()
	return st
}

// Observe records one packet from its SSRC, creating the source in
// probation on first sight. Returns the source and whether it is
// validated (callers may drop media from unvalidated sources).
func (st *SourceTable) Observe(packet *rtp.Packet) (*RemoteSource, bool) {
	now := time.Now()

	st.mu.Lock()
	src, ok := st.sources[packet.SSRC]
	if !ok {
		src = &RemoteSource{
			SSRC:      packet.SSRC,
			FirstSeen: now,
			LastSeq:   packet.SequenceNumber,
			probation: sourceProbation,
		}
		st.sources[packet.SSRC] = src
	}

	src.LastSeen = now
	src.Packets++
	src.Bytes += uint64(len(packet.Payload))

	var justValidated bool
	if !src.validated {
		// Probation counts down only on sequential packets; a jump
		// restarts it.
		if packet.SequenceNumber == src.LastSeq+1 || src.Packets == 1 {
			src.probation--
			if src.probation <= 0 {
				src.validated = true
				justValidated = true
			}
		} else {
			src.probation = sourceProbation
		}
	}
	src.LastSeq = packet.SequenceNumber
	validated := src.validated
	st.mu.Unlock()

	if justValidated && st.cfg.OnSourceAdded != nil {
		st.cfg.OnSourceAdded(src.SSRC, src)
	}
	return src, validated
}

// UpdateFromSDES attaches the announced identity to a source. An SDES
// for an unknown SSRC creates it (already validated: the peer's RTCP
// speaks for it).
func (st *SourceTable) UpdateFromSDES(ssrc uint32, desc SourceDescription) {
	st.mu.Lock()
	src, ok := st.sources[ssrc]
	if !ok {
		src = &RemoteSource{SSRC: ssrc, FirstSeen: time.Now(), validated: true}
		st.sources[ssrc] = src
	}
	src.Description = desc
	src.LastSeen = time.Now()
	st.mu.Unlock()
}

// RemoveOnBye drops a source that announced its departure.
func (st *SourceTable) RemoveOnBye(ssrc uint32) {
	st.remove(ssrc)
}

func (st *SourceTable) remove(ssrc uint32) {
	st.mu.Lock()
	src, ok := st.sources[ssrc]
	if ok {
		delete(st.sources, ssrc)
	}
	st.mu.Unlock()

	if ok && st.cfg.OnSourceRemoved != nil {
		st.cfg.OnSourceRemoved(ssrc, src)
	}
}

// Get returns one source.
func (st *SourceTable) Get(ssrc uint32) (*RemoteSource, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	src, ok := st.sources[ssrc]
	return src, ok
}

// Snapshot returns the current membership, validated sources only.
// This is the set the RR construction appends report blocks for.
func (st *SourceTable) Snapshot() map[uint32]*RemoteSource {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make(map[uint32]*RemoteSource, len(st.sources))
	for ssrc, src := range st.sources {
		if src.validated {
			out[ssrc] = src
		}
	}
	return out
}

// Count returns the number of tracked sources, probationers included.
func (st *SourceTable) Count() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sources)
}

// Stop ends the timeout sweep.
func (st *SourceTable) Stop() {
	st.once.Do(func() { close(st.stopCh) })
}

// sweep removes sources that have gone silent past the timeout.
func (st *SourceTable) sweep() {
	ticker := time.NewTicker(st.cfg.Timeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-st.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-st.cfg.Timeout)
			st.mu.Lock()
			var stale []uint32
			for ssrc, src := range st.sources {
				if src.LastSeen.Before(cutoff) {
					stale = append(stale, ssrc)
				}
			}
			st.mu.Unlock()
			for _, ssrc := range stale {
				st.remove(ssrc)
			}
		}
	}
}
