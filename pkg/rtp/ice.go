package rtp

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"
)

// stunMagicCookie is the fixed value in every RFC 5389 STUN header.
const stunMagicCookie uint32 = 0x2112A442

const (
	stunBindingRequest  uint16 = 0x0001
	stunBindingResponse uint16 = 0x0101

	// attrUseCandidate is the ICE USE-CANDIDATE attribute type; it has
	// no value, its presence nominates the candidate pair.
	attrUseCandidate uint16 = 0x0025
)

// IsSTUNDatagram reports whether a datagram received on the RTP socket
// is a STUN message rather than RTP/RTCP: the two most significant bits
// of the first byte are zero and the magic cookie is in place. RTP and
// RTCP always carry version 2 in those bits, so the test is unambiguous.
func IsSTUNDatagram(data []byte) bool {
	if len(data) < 20 {
		return false
	}
	if data[0]&0xC0 != 0 {
		return false
	}
	return binary.BigEndian.Uint32(data[4:8]) == stunMagicCookie
}

// ICECandidateState tracks one remote UDP candidate through validation.
type ICECandidateState int

const (
	ICECandidateFrozen ICECandidateState = iota
	ICECandidateInProgress
	ICECandidateSucceeded
)

// ICECandidate is one remote transport address offered for connectivity
// checks. Only UDP candidates are consumed; anything else is discarded
// at Add time.
type ICECandidate struct {
	Addr  *net.UDPAddr
	State ICECandidateState
}

// ICEConfig tunes the session-side ICE behavior.
type ICEConfig struct {
	// Controlling selects whether outgoing binding requests carry
	// USE-CANDIDATE (the controlling agent nominates).
	Controlling bool
	// Username/Password are the short-term credential pair for this
	// session's checks (local:remote fragments, agreed via signalling).
	Username string
	Password string
	// KeepAliveInterval is how often a validated pair is refreshed with
	// a new binding request. Zero disables keep-alive.
	KeepAliveInterval time.Duration
	// ValidationPatience bounds how long a send will wait for any
	// candidate to validate before giving up.
	ValidationPatience time.Duration

	// SendDatagram transmits raw bytes to a candidate address. Supplied
	// by the owning session (shares the RTP data socket).
	SendDatagram func(data []byte, to *net.UDPAddr) error
}

// ICEController implements the media-plane half of ICE: it holds the
// remote candidate list, blocks sends until one candidate has been
// validated, answers inbound binding requests, and refreshes the
// validated pair with keep-alive requests. Candidate gathering and
// credential exchange belong to signalling and are not done here.
type ICEController struct {
	mu         sync.Mutex
	cfg        ICEConfig
	candidates []*ICECandidate
	validated  *net.UDPAddr
	validCh    chan struct{}
	txnSeq     uint32

	keepAliveStop chan struct{}
	keepAliveOnce sync.Once
}

// NewICEController constructs a controller with no candidates yet.
func NewICEController(cfg ICEConfig) *ICEController {
	if cfg.ValidationPatience == 0 {
		cfg.ValidationPatience = 10 * time.Second
	}
	return &ICEController{
		cfg:     cfg,
		validCh: make(chan struct{}),
	}
}

// AddCandidate admits one remote candidate. Non-UDP candidates are
// ignored and reported as such.
func (ic *ICEController) AddCandidate(network string, addr *net.UDPAddr) error {
	if network != "udp" && network != "udp4" && network != "udp6" {
		return fmt.Errorf("ice: only UDP candidates are consumed, got %q", network)
	}
	ic.mu.Lock()
	ic.candidates = append(ic.candidates, &ICECandidate{Addr: addr})
	ic.mu.Unlock()
	return nil
}

// Validated returns the validated remote address, or nil while checks
// are still in progress.
func (ic *ICEController) Validated() *net.UDPAddr {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.validated
}

// WaitValidated blocks until some candidate completes or the patience
// window (or ctx) expires. The send path calls this before the first
// packet goes out; a timeout escalates to media failure at the caller.
func (ic *ICEController) WaitValidated(ctx context.Context) (*net.UDPAddr, error) {
	ic.mu.Lock()
	if ic.validated != nil {
		addr := ic.validated
		ic.mu.Unlock()
		return addr, nil
	}
	ch := ic.validCh
	ic.mu.Unlock()

	select {
	case <-ch:
		return ic.Validated(), nil
	case <-time.After(ic.cfg.ValidationPatience):
		return nil, fmt.Errorf("ice: no candidate validated within %v", ic.cfg.ValidationPatience)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendChecks issues one binding request to every unvalidated candidate.
// The owning session drives this from its keep-alive/retry cadence.
func (ic *ICEController) SendChecks() {
	ic.mu.Lock()
	var targets []*net.UDPAddr
	for _, c := range ic.candidates {
		if c.State != ICECandidateSucceeded {
			c.State = ICECandidateInProgress
			targets = append(targets, c.Addr)
		}
	}
	send := ic.cfg.SendDatagram
	ic.mu.Unlock()

	if send == nil {
		return
	}
	for _, addr := range targets {
		if req := ic.buildBindingRequest(); req != nil {
			_ = send(req, addr)
		}
	}
}

// HandleDatagram consumes one STUN datagram received on the data socket
// and updates candidate state. Returns true when the datagram was STUN
// (consumed); false means the caller should treat it as media.
func (ic *ICEController) HandleDatagram(data []byte, from *net.UDPAddr) bool {
	if !IsSTUNDatagram(data) {
		return false
	}
	msgType := binary.BigEndian.Uint16(data[0:2])

	switch msgType {
	case stunBindingRequest:
		// A binding request from the remote proves the path in the
		// receive direction; answer it and, on the controlled side,
		// accept a USE-CANDIDATE nomination.
		if ic.cfg.SendDatagram != nil {
			if resp := ic.buildBindingResponse(data); resp != nil {
				_ = ic.cfg.SendDatagram(resp, from)
			}
		}
		if !ic.cfg.Controlling && hasAttribute(data, attrUseCandidate) {
			ic.markValidated(from)
		}
	case stunBindingResponse:
		// A response to one of our checks completes the candidate.
		ic.markValidated(from)
	}
	return true
}

// StartKeepAlive refreshes the validated pair every KeepAliveInterval
// so NAT bindings stay open. Safe to call once; Stop ends it.
func (ic *ICEController) StartKeepAlive() {
	if ic.cfg.KeepAliveInterval <= 0 {
		return
	}
	ic.mu.Lock()
	if ic.keepAliveStop != nil {
		ic.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	ic.keepAliveStop = stop
	ic.mu.Unlock()

	go func() {
		ticker := time.NewTicker(ic.cfg.KeepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				addr := ic.Validated()
				if addr == nil || ic.cfg.SendDatagram == nil {
					continue
				}
				if req := ic.buildBindingRequest(); req != nil {
					_ = ic.cfg.SendDatagram(req, addr)
				}
			case <-stop:
				return
			}
		}
	}()
}

// Stop ends the keep-alive loop.
func (ic *ICEController) Stop() {
	ic.keepAliveOnce.Do(func() {
		ic.mu.Lock()
		stop := ic.keepAliveStop
		ic.keepAliveStop = nil
		ic.mu.Unlock()
		if stop != nil {
			close(stop)
		}
	})
}

func (ic *ICEController) markValidated(addr *net.UDPAddr) {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	for _, c := range ic.candidates {
		if c.Addr.IP.Equal(addr.IP) && c.Addr.Port == addr.Port {
			c.State = ICECandidateSucceeded
		}
	}
	if ic.validated == nil {
		ic.validated = addr
		close(ic.validCh)
	}
}

// buildBindingRequest constructs a minimal binding request: header plus
// USERNAME and, on the controlling side, USE-CANDIDATE. Transaction ids
// are a simple counter; this controller never has concurrent
// transactions whose responses it must tell apart (any response proves
// the path).
func (ic *ICEController) buildBindingRequest() []byte {
	ic.mu.Lock()
	ic.txnSeq++
	seq := ic.txnSeq
	ic.mu.Unlock()

	var attrs []byte
	if ic.cfg.Username != "" {
		attrs = appendAttribute(attrs, 0x0006, []byte(ic.cfg.Username))
	}
	if ic.cfg.Controlling {
		attrs = appendAttribute(attrs, attrUseCandidate, nil)
	}

	msg := make([]byte, 20, 20+len(attrs))
	binary.BigEndian.PutUint16(msg[0:2], stunBindingRequest)
	binary.BigEndian.PutUint16(msg[2:4], uint16(len(attrs)))
	binary.BigEndian.PutUint32(msg[4:8], stunMagicCookie)
	binary.BigEndian.PutUint32(msg[16:20], seq)
	return append(msg, attrs...)
}

// buildBindingResponse echoes the request's transaction id in a success
// response with no attributes, which is all a connectivity check needs
// from a media-plane responder.
func (ic *ICEController) buildBindingResponse(req []byte) []byte {
	if len(req) < 20 {
		return nil
	}
	msg := make([]byte, 20)
	binary.BigEndian.PutUint16(msg[0:2], stunBindingResponse)
	binary.BigEndian.PutUint32(msg[4:8], stunMagicCookie)
	copy(msg[8:20], req[8:20])
	return msg
}

// appendAttribute adds one TLV attribute with 4-byte padding.
func appendAttribute(buf []byte, attrType uint16, value []byte) []byte {
	var hdr [4]byte
	binary.BigEndian.PutUint16(hdr[0:2], attrType)
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(value)))
	buf = append(buf, hdr[:]...)
	buf = append(buf, value...)
	if pad := len(value) % 4; pad != 0 {
		buf = append(buf, make([]byte, 4-pad)...)
	}
	return buf
}

// hasAttribute scans a STUN message for an attribute type.
func hasAttribute(msg []byte, attrType uint16) bool {
	if len(msg) < 20 {
		return false
	}
	attrs := msg[20:]
	for len(attrs) >= 4 {
		t := binary.BigEndian.Uint16(attrs[0:2])
		l := int(binary.BigEndian.Uint16(attrs[2:4]))
		if t == attrType {
			return true
		}
		total := 4 + l
		if pad := total % 4; pad != 0 {
			total += 4 - pad
		}
		if total > len(attrs) {
			return false
		}
		attrs = attrs[total:]
	}
	return false
}
