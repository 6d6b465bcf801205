package connection

import (
	"fmt"
	"time"

	"github.com/pion/rtp"
)

// UserInputMode selects how DTMF reaches the remote party.
type UserInputMode int

const (
	// UserInputOutOfBand sends tones through the signalling channel;
	// the media plane only reports them through the notifier.
	UserInputOutOfBand UserInputMode = iota
	// UserInputRFC2833 inserts telephone-event packets into the audio
	// session's RTP stream.
	UserInputRFC2833
	// UserInputQ931 carries tones as Q.931 user-information messages
	// (signalling-side, reported only).
	UserInputQ931
	// UserInputSeparateRFC2833 uses a dedicated RFC 2833 stream.
	UserInputSeparateRFC2833
)

// defaultToneDuration is applied when SendUserInputTone is called with
// a zero duration.
const defaultToneDuration = 180 * time.Millisecond

// dtmfClockRate is the telephone-event clock per RFC 4733.
const dtmfClockRate = 8000

// toneEventCodes maps tone characters to RFC 4733 event codes.
var toneEventCodes = map[byte]uint8{
	'0': 0, '1': 1, '2': 2, '3': 3, '4': 4,
	'5': 5, '6': 6, '7': 7, '8': 8, '9': 9,
	'*': 10, '#': 11,
	'A': 12, 'B': 13, 'C': 14, 'D': 15,
	'a': 12, 'b': 13, 'c': 14, 'd': 15,
}

// toneChars is the inverse mapping, indexed by event code.
var toneChars = [16]byte{
	'0', '1', '2', '3', '4', '5', '6', '7', '8', '9', '*', '#', 'A', 'B', 'C', 'D',
}

// encodeTelephoneEvent serializes one RFC 4733 payload: event code,
// end/reserved/volume byte, 16-bit duration in timestamp units.
func encodeTelephoneEvent(event uint8, end bool, volume uint8, duration uint16) []byte {
	data := make([]byte, 4)
	data[0] = event & 0x0F
	if end {
		data[1] |= 0x80
	}
	data[1] |= volume & 0x3F
	data[2] = byte(duration >> 8)
	data[3] = byte(duration)
	return data
}

// decodeTelephoneEvent parses one RFC 4733 payload.
func decodeTelephoneEvent(data []byte) (event uint8, end bool, volume uint8, duration uint16, err error) {
	if len(data) < 4 {
		return 0, false, 0, 0, fmt.Errorf("telephone-event payload too short: %d bytes", len(data))
	}
	event = data[0] & 0x0F
	end = data[1]&0x80 != 0
	volume = data[1] & 0x3F
	duration = uint16(data[2])<<8 | uint16(data[3])
	return event, end, volume, duration, nil
}

// toneSender builds the RTP packet burst for one tone: three identical
// start packets (marker on the first) followed by three end packets,
// the usual redundancy for an unreliable transport.
type toneSender struct {
	payloadType uint8
	send        func(*rtp.Packet) error
	timestamp   uint32
}

func (ts *toneSender) sendTone(tone byte, duration time.Duration) error {
	event, ok := toneEventCodes[tone]
	if !ok {
		return fmt.Errorf("not a DTMF tone: %q", tone)
	}
	if duration <= 0 {
		duration = defaultToneDuration
	}

	durationUnits := uint16(duration.Seconds() * dtmfClockRate)
	ts.timestamp += uint32(durationUnits)

	for i := 0; i < 3; i++ {
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:     2,
				Marker:      i == 0,
				PayloadType: ts.payloadType,
				Timestamp:   ts.timestamp,
			},
			Payload: encodeTelephoneEvent(event, false, 10, durationUnits),
		}
		if err := ts.send(pkt); err != nil {
			return fmt.Errorf("send telephone-event: %w", err)
		}
	}
	for i := 0; i < 3; i++ {
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:     2,
				PayloadType: ts.payloadType,
				Timestamp:   ts.timestamp,
			},
			Payload: encodeTelephoneEvent(event, true, 10, durationUnits),
		}
		if err := ts.send(pkt); err != nil {
			return fmt.Errorf("send telephone-event end: %w", err)
		}
	}
	return nil
}

// toneReceiver deduplicates the redundant packet burst back into single
// tone notifications. The notifier fires on the first packet of each
// event, not on the end packet, so tones are reported promptly.
type toneReceiver struct {
	payloadType uint8
	notify      func(tone byte, duration time.Duration)

	active     bool
	lastEvent  uint8
}

// processPacket consumes one RTP packet; returns true when it was a
// telephone-event packet (and therefore not audio).
func (tr *toneReceiver) processPacket(pkt *rtp.Packet) bool {
	if pkt.PayloadType != tr.payloadType {
		return false
	}
	event, end, _, duration, err := decodeTelephoneEvent(pkt.Payload)
	if err != nil || event > 15 {
		return true
	}

	if end {
		tr.active = false
		return true
	}
	if tr.active && tr.lastEvent == event {
		return true
	}
	tr.active = true
	tr.lastEvent = event
	if tr.notify != nil {
		tr.notify(toneChars[event], time.Duration(duration)*time.Second/dtmfClockRate)
	}
	return true
}
