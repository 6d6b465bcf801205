package rtp

import "time"

// MediaType tags a session with the kind of media it carries. It picks
// the socket buffer targets (video needs room for I-frame bursts) and
// the marker-bit interpretation in the inter-send statistics.
type MediaType int

const (
	MediaTypeAudio MediaType = iota
	MediaTypeVideo
	MediaTypeApplication
)

func (m MediaType) String() string {
	switch m {
	case MediaTypeAudio:
		return "audio"
	case MediaTypeVideo:
		return "video"
	default:
		return "application"
	}
}

// PayloadType is the 7-bit RTP payload type. Values below 96 are the
// static RFC 3551 assignments; 96-127 are dynamic, bound per call by
// the SDP/H.245 negotiation upstream.
type PayloadType uint8

const (
	PayloadTypePCMU     PayloadType = 0  // G.711 µ-law
	PayloadTypeGSM      PayloadType = 3  // GSM 06.10
	PayloadTypeG723     PayloadType = 4  // G.723.1
	PayloadTypeDVI4_8K  PayloadType = 5  // DVI4 8 kHz
	PayloadTypeDVI4_16K PayloadType = 6  // DVI4 16 kHz
	PayloadTypeLPC      PayloadType = 7
	PayloadTypePCMA     PayloadType = 8 // G.711 A-law
	PayloadTypeG722     PayloadType = 9
	PayloadTypeL16_2CH  PayloadType = 10
	PayloadTypeL16_1CH  PayloadType = 11
	PayloadTypeQCELP    PayloadType = 12
	PayloadTypeCN       PayloadType = 13 // comfort noise
	PayloadTypeMPA      PayloadType = 14
	PayloadTypeG728     PayloadType = 15
	PayloadTypeG729     PayloadType = 18
)

// ClockRate returns the RTP clock for the static payload types, or 0
// for dynamic types whose clock only the negotiated format knows. Note
// G.722's quirk: 16 kHz sampling but an 8 kHz RTP clock, kept for
// compatibility per RFC 3551.
func (pt PayloadType) ClockRate() uint32 {
	switch pt {
	case PayloadTypePCMU, PayloadTypePCMA, PayloadTypeGSM, PayloadTypeG723,
		PayloadTypeDVI4_8K, PayloadTypeLPC, PayloadTypeG728, PayloadTypeG729,
		PayloadTypeCN, PayloadTypeQCELP, PayloadTypeG722:
		return 8000
	case PayloadTypeDVI4_16K:
		return 16000
	case PayloadTypeL16_1CH, PayloadTypeL16_2CH:
		return 44100
	case PayloadTypeMPA:
		return 90000
	default:
		return 0
	}
}

// Direction is a session's negotiated media direction.
type Direction int

const (
	DirectionSendRecv Direction = iota
	DirectionSendOnly
	DirectionRecvOnly
	DirectionInactive
)

func (d Direction) String() string {
	switch d {
	case DirectionSendRecv:
		return "sendrecv"
	case DirectionSendOnly:
		return "sendonly"
	case DirectionRecvOnly:
		return "recvonly"
	default:
		return "inactive"
	}
}

// CanSend reports whether the direction permits transmitting media.
func (d Direction) CanSend() bool {
	return d == DirectionSendRecv || d == DirectionSendOnly
}

// CanReceive reports whether the direction permits receiving media.
func (d Direction) CanReceive() bool {
	return d == DirectionSendRecv || d == DirectionRecvOnly
}

// SessionState is the coarse lifecycle of a session: created, running,
// closed. The finer per-direction open/shutdown state lives in the
// StateMachine (state.go).
type SessionState int

const (
	SessionStateIdle SessionState = iota
	SessionStateActive
	SessionStateClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionStateIdle:
		return "idle"
	case SessionStateActive:
		return "active"
	default:
		return "closed"
	}
}

// SourceDescription carries the SDES items advertised for the local
// source. CNAME is mandatory on the wire; the rest are optional.
type SourceDescription struct {
	CNAME string
	NAME  string
	EMAIL string
	PHONE string
	LOC   string
	TOOL  string
	NOTE  string
}

// SessionStatistics is the aggregate counter snapshot of one session.
// BytesSent/BytesReceived count payload octets, matching the SR
// sender-octet-count definition.
type SessionStatistics struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	PacketsLost     uint32
	Jitter          float64
	LastActivity    time.Time
}
