package connection

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/arzzra/opal-media-core/pkg/format"
	"github.com/arzzra/opal-media-core/pkg/rtp"
)

// MediaSession is one RTP session owned by a connection: a bound UDP
// port pair plus the running rtp.Session, reference-counted so several
// streams (e.g. a source and a sink on the same session id) can share it.
type MediaSession struct {
	ID        int
	MediaType format.MediaType
	RTPPort   int
	RTCPPort  int
	Session   *rtp.Session

	refCount  int32
	transport *rtp.UDPTransport
	rtcp      *rtp.UDPRTCPTransport
}

// sessionRegistry maps session ids to their sessions.
type sessionRegistry struct {
	mu       sync.Mutex
	sessions map[int]*MediaSession
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[int]*MediaSession)}
}

func (r *sessionRegistry) get(id int) (*MediaSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *sessionRegistry) put(s *MediaSession) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
}

func (r *sessionRegistry) remove(id int) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

func (r *sessionRegistry) all() []*MediaSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*MediaSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// CreateSession builds the RTP session for the given session id, taking
// the first port pair from the configured range that actually binds.
// Bind failures move on to the next pair; an exhausted range fails the
// session. Idempotent per id: an existing session just gains a reference.
func (c *Connection) CreateSession(sessionID int, mf *format.MediaFormat) (*MediaSession, error) {
	if existing, ok := c.sessions.get(sessionID); ok {
		atomic.AddInt32(&existing.refCount, 1)
		return existing, nil
	}

	payloadType := rtp.PayloadType(0)
	if mf.PayloadType >= 0 {
		payloadType = rtp.PayloadType(mf.PayloadType)
	}
	mediaType := rtp.MediaTypeAudio
	if mf.Media == format.MediaTypeVideo {
		mediaType = rtp.MediaTypeVideo
	}

	var lastErr error
	for attempts := 0; ; attempts++ {
		rtpPort, rtcpPort, err := c.ports.AllocatePair()
		if err != nil {
			if lastErr != nil {
				return nil, fmt.Errorf("create session %d: %w (last bind error: %v)", sessionID, err, lastErr)
			}
			return nil, fmt.Errorf("create session %d: %w", sessionID, err)
		}

		transport, rtcpTransport, err := c.bindTransports(rtpPort, rtcpPort)
		if err != nil {
			// Something else has the port; try the next pair.
			c.ports.ReleasePair(rtpPort)
			lastErr = err
			continue
		}

		sess, err := rtp.NewSession(rtp.SessionConfig{
			PayloadType:   payloadType,
			MediaType:     mediaType,
			ClockRate:     mf.ClockRate,
			Transport:     transport,
			RTCPTransport: rtcpTransport,
			OnMediaFailed: func(onRead bool) {
				c.handleMediaFailed(sessionID, onRead)
			},
		})
		if err != nil {
			_ = transport.Close()
			_ = rtcpTransport.Close()
			c.ports.ReleasePair(rtpPort)
			return nil, fmt.Errorf("create session %d: %w", sessionID, err)
		}

		ms := &MediaSession{
			ID:        sessionID,
			MediaType: mf.Media,
			RTPPort:   rtpPort,
			RTCPPort:  rtcpPort,
			Session:   sess,
			refCount:  1,
			transport: transport,
			rtcp:      rtcpTransport,
		}
		c.sessions.put(ms)
		return ms, nil
	}
}

func (c *Connection) bindTransports(rtpPort, rtcpPort int) (*rtp.UDPTransport, *rtp.UDPRTCPTransport, error) {
	transport, err := rtp.NewUDPTransport(rtp.TransportConfig{
		LocalAddr:  fmt.Sprintf("%s:%d", c.cfg.LocalIP, rtpPort),
		BufferSize: c.cfg.MaxPacketSize,
	})
	if err != nil {
		return nil, nil, err
	}
	rtcpTransport, err := rtp.NewUDPRTCPTransport(rtp.RTCPTransportConfig{
		LocalAddr: fmt.Sprintf("%s:%d", c.cfg.LocalIP, rtcpPort),
	})
	if err != nil {
		_ = transport.Close()
		return nil, nil, err
	}
	return transport, rtcpTransport, nil
}

// SetRemoteMedia points the session's data and control transports at
// the remote endpoints the signalling layer negotiated.
func (ms *MediaSession) SetRemoteMedia(rtpAddr, rtcpAddr string) error {
	if err := ms.transport.SetRemoteAddr(rtpAddr); err != nil {
		return fmt.Errorf("set remote media addr: %w", err)
	}
	if rtcpAddr != "" {
		if err := ms.rtcp.SetRemoteAddr(rtcpAddr); err != nil {
			return fmt.Errorf("set remote control addr: %w", err)
		}
	}
	return nil
}

// LockRemoteMedia pins the remote data address so NAT latching cannot
// move it; only SetRemoteMedia may change it afterwards.
func (ms *MediaSession) LockRemoteMedia(locked bool) {
	ms.transport.LockRemoteAddr(locked)
}

// Start runs the session's receive and report loops.
func (ms *MediaSession) Start() error {
	return ms.Session.Start()
}

// UseSession takes an additional reference on an existing session.
func (c *Connection) UseSession(sessionID int) (*MediaSession, bool) {
	ms, ok := c.sessions.get(sessionID)
	if !ok {
		return nil, false
	}
	atomic.AddInt32(&ms.refCount, 1)
	return ms, true
}

// ReleaseSession drops one reference; the last reference stops the
// session, closes its transports and returns its ports to the pool.
func (c *Connection) ReleaseSession(sessionID int) {
	ms, ok := c.sessions.get(sessionID)
	if !ok {
		return
	}
	if atomic.AddInt32(&ms.refCount, -1) > 0 {
		return
	}

	c.sessions.remove(sessionID)
	if ms.Session != nil {
		_ = ms.Session.Stop()
	}
	if ms.transport != nil {
		_ = ms.transport.Close()
	}
	if ms.rtcp != nil {
		_ = ms.rtcp.Close()
	}
	c.ports.ReleasePair(ms.RTPPort)
}
