package rtp

import (
	"encoding/binary"
	"fmt"
	"sync"

	pionrtcp "github.com/pion/rtcp"

	"github.com/arzzra/opal-media-core/pkg/transcoder"
)

// Transport-layer and payload-specific feedback FMT values (RFC 4585,
// RFC 5104). PLI, FIR, NACK and XR are decoded by github.com/pion/rtcp;
// TMMBR/TMMBN and TSTR/TSTN are not implemented there, so this file
// decodes them directly off the compound buffer.
const (
	fbPTTransportLayer  uint8 = 205
	fbPTPayloadSpecific uint8 = 206

	fbFMTTMMBR uint8 = 3
	fbFMTTMMBN uint8 = 4
	fbFMTTSTR  uint8 = 5
	fbFMTTSTN  uint8 = 6
)

// TMMBRMessage is a decoded Temporary Maximum Media Stream Bit Rate
// Request/Notification (RFC 5104 §4.2).
type TMMBRMessage struct {
	SenderSSRC uint32
	MediaSSRC  uint32
	MaxBitrate uint64 // bits per second
	Overhead   uint16 // bytes
	Notify     bool   // true for TMMBN, false for TMMBR
}

// TSTOMessage is a decoded Temporal-Spatial Trade-off Request/Notification
// (RFC 5104 §4.3).
type TSTOMessage struct {
	SenderSSRC     uint32
	MediaSSRC      uint32
	SequenceNumber uint8
	Index          uint8
	Value          uint8
	Notify         bool // true for TSTN, false for TSTR
}

// splitCompoundFeedback walks a compound RTCP buffer, pulling out every
// TMMBR/TMMBN/TSTR/TSTN sub-packet (decoding them directly) and returning
// the remaining bytes untouched for pion/rtcp.Unmarshal to handle
// (SR/RR/SDES/BYE/PLI/FIR/NACK/XR).
func splitCompoundFeedback(data []byte) (tmmbr []TMMBRMessage, tsto []TSTOMessage, rest []byte, err error) {
	rest = make([]byte, 0, len(data))
	for len(data) >= 4 {
		length := int(binary.BigEndian.Uint16(data[2:4]))
		total := (length + 1) * 4
		if total > len(data) {
			return tmmbr, tsto, rest, fmt.Errorf("rtcp feedback: truncated packet, need %d have %d", total, len(data))
		}
		pkt := data[:total]
		pt := pkt[1]
		fmtv := pkt[0] & 0x1f

		switch {
		case pt == fbPTTransportLayer && (fmtv == fbFMTTMMBR || fmtv == fbFMTTMMBN):
			msgs, derr := decodeTMMBR(pkt, fmtv == fbFMTTMMBN)
			if derr == nil {
				tmmbr = append(tmmbr, msgs...)
			}
		case pt == fbPTPayloadSpecific && (fmtv == fbFMTTSTR || fmtv == fbFMTTSTN):
			msgs, derr := decodeTSTO(pkt, fmtv == fbFMTTSTN)
			if derr == nil {
				tsto = append(tsto, msgs...)
			}
		default:
			rest = append(rest, pkt...)
		}
		data = data[total:]
	}
	return tmmbr, tsto, rest, nil
}

// decodeTMMBR parses the FCI entries of a TMMBR/TMMBN packet per RFC 5104
// §4.2.1: each entry is 8 bytes, SSRC followed by a packed
// exponent(6)/mantissa(17)/overhead(9) bitrate field.
func decodeTMMBR(pkt []byte, notify bool) ([]TMMBRMessage, error) {
	if len(pkt) < 12 {
		return nil, fmt.Errorf("tmmbr: packet too short")
	}
	senderSSRC := binary.BigEndian.Uint32(pkt[4:8])
	// bytes 8:12 are the "media source SSRC" field, always 0 for FB packets.
	fci := pkt[12:]
	var out []TMMBRMessage
	for len(fci) >= 8 {
		mediaSSRC := binary.BigEndian.Uint32(fci[0:4])
		packed := binary.BigEndian.Uint32(fci[4:8])
		exp := uint(packed >> 26)
		mantissa := uint64(packed>>9) & 0x1ffff
		overhead := uint16(packed & 0x1ff)
		out = append(out, TMMBRMessage{
			SenderSSRC: senderSSRC,
			MediaSSRC:  mediaSSRC,
			MaxBitrate: mantissa << exp,
			Overhead:   overhead,
			Notify:     notify,
		})
		fci = fci[8:]
	}
	return out, nil
}

// decodeTSTO parses the FCI entries of a TSTR/TSTN packet per RFC 5104
// §4.3.1: SSRC, sequence number, index (top bit reserved), trade-off
// value, reserved byte.
func decodeTSTO(pkt []byte, notify bool) ([]TSTOMessage, error) {
	if len(pkt) < 12 {
		return nil, fmt.Errorf("tsto: packet too short")
	}
	senderSSRC := binary.BigEndian.Uint32(pkt[4:8])
	fci := pkt[12:]
	var out []TSTOMessage
	for len(fci) >= 8 {
		mediaSSRC := binary.BigEndian.Uint32(fci[0:4])
		out = append(out, TSTOMessage{
			SenderSSRC:     senderSSRC,
			MediaSSRC:      mediaSSRC,
			SequenceNumber: fci[4],
			Index:          fci[5] & 0x7f,
			Value:          fci[6],
			Notify:         notify,
		})
		fci = fci[8:]
	}
	return out, nil
}

// FeedbackDispatcher turns decoded RTCP feedback messages into the
// command notifications a patch/transcoder consumes, de-duplicating FIR
// and TSTO requests by their monotonically increasing sequence number
// per source SSRC (duplicate sequence numbers are retransmissions of the
// same request and must not re-trigger the action).
type FeedbackDispatcher struct {
	mu         sync.Mutex
	lastFIRSeq map[uint32]uint8
	haveFIRSeq map[uint32]bool
	lastTSTSeq map[uint32]uint8
	haveTSTSeq map[uint32]bool

	notify func(ssrc uint32, cmd transcoder.Command)
}

// NewFeedbackDispatcher constructs a dispatcher that calls notify for
// every feedback message that survives de-duplication.
func NewFeedbackDispatcher(notify func(ssrc uint32, cmd transcoder.Command)) *FeedbackDispatcher {
	return &FeedbackDispatcher{
		lastFIRSeq: make(map[uint32]uint8),
		haveFIRSeq: make(map[uint32]bool),
		lastTSTSeq: make(map[uint32]uint8),
		haveTSTSeq: make(map[uint32]bool),
		notify:     notify,
	}
}

// Dispatch decodes a raw compound RTCP buffer and routes every feedback
// message it contains to the notifier. It returns the pion/rtcp packets
// it was unable to classify as TMMBR/TSTO so a caller can still process
// SR/RR/SDES/BYE/PLI/FIR/NACK/XR through pion/rtcp itself.
func (d *FeedbackDispatcher) Dispatch(data []byte) ([]pionrtcp.Packet, error) {
	tmmbr, tsto, rest, err := splitCompoundFeedback(data)
	if err != nil {
		return nil, err
	}

	for _, m := range tmmbr {
		if d.notify != nil {
			d.notify(m.MediaSSRC, transcoder.Command{Type: transcoder.CommandFlowControl, Value: int(m.MaxBitrate)})
		}
	}
	for _, m := range tsto {
		if d.shouldFireTSTO(m.MediaSSRC, m.SequenceNumber) && d.notify != nil {
			d.notify(m.MediaSSRC, transcoder.Command{Type: transcoder.CommandTemporalSpatialTradeOff, Value: int(m.Value)})
		}
	}

	if len(rest) == 0 {
		return nil, nil
	}
	packets, err := pionrtcp.Unmarshal(rest)
	if err != nil {
		return nil, fmt.Errorf("rtcp feedback: unmarshal remainder: %w", err)
	}
	for _, p := range packets {
		switch pkt := p.(type) {
		case *pionrtcp.PictureLossIndication:
			if d.notify != nil {
				d.notify(pkt.MediaSSRC, transcoder.Command{Type: transcoder.CommandVideoUpdatePicture})
			}
		case *pionrtcp.FullIntraRequest:
			for _, entry := range pkt.FIR {
				if d.shouldFireFIR(entry.SSRC, entry.SequenceNumber) && d.notify != nil {
					d.notify(entry.SSRC, transcoder.Command{Type: transcoder.CommandVideoUpdatePicture})
				}
			}
		case *pionrtcp.TransportLayerNack:
			// Retransmit hints are handled by the transport/jitter layer,
			// not the transcoder; core only needs to not choke on them.
		}
	}
	return packets, nil
}

func (d *FeedbackDispatcher) shouldFireFIR(ssrc uint32, seq uint8) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.haveFIRSeq[ssrc] && d.lastFIRSeq[ssrc] == seq {
		return false
	}
	d.lastFIRSeq[ssrc] = seq
	d.haveFIRSeq[ssrc] = true
	return true
}

func (d *FeedbackDispatcher) shouldFireTSTO(ssrc uint32, seq uint8) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.haveTSTSeq[ssrc] && d.lastTSTSeq[ssrc] == seq {
		return false
	}
	d.lastTSTSeq[ssrc] = seq
	d.haveTSTSeq[ssrc] = true
	return true
}
