package connection

import (
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelephoneEventRoundTrip(t *testing.T) {
	data := encodeTelephoneEvent(11, true, 10, 1440)
	event, end, volume, duration, err := decodeTelephoneEvent(data)
	require.NoError(t, err)
	assert.EqualValues(t, 11, event)
	assert.True(t, end)
	assert.EqualValues(t, 10, volume)
	assert.EqualValues(t, 1440, duration)
}

func TestTelephoneEventShortPayload(t *testing.T) {
	_, _, _, _, err := decodeTelephoneEvent([]byte{1, 2})
	assert.Error(t, err)
}

func TestToneSenderBurst(t *testing.T) {
	var sent []*rtp.Packet
	ts := &toneSender{
		payloadType: 101,
		send: func(p *rtp.Packet) error {
			sent = append(sent, p)
			return nil
		},
	}

	require.NoError(t, ts.sendTone('5', 180*time.Millisecond))
	require.Len(t, sent, 6, "three start packets plus three end packets")

	assert.True(t, sent[0].Marker, "marker set on the first packet only")
	for _, p := range sent[1:] {
		assert.False(t, p.Marker)
	}

	// 180 ms at 8000 Hz.
	_, end, _, duration, err := decodeTelephoneEvent(sent[0].Payload)
	require.NoError(t, err)
	assert.False(t, end)
	assert.EqualValues(t, 1440, duration)

	_, end, _, _, err = decodeTelephoneEvent(sent[5].Payload)
	require.NoError(t, err)
	assert.True(t, end)
}

func TestToneSenderRejectsNonTone(t *testing.T) {
	ts := &toneSender{payloadType: 101, send: func(*rtp.Packet) error { return nil }}
	assert.Error(t, ts.sendTone('x', 0))
}

func TestToneReceiverDeduplicatesBurst(t *testing.T) {
	var tones []byte
	tr := &toneReceiver{
		payloadType: 101,
		notify:      func(tone byte, _ time.Duration) { tones = append(tones, tone) },
	}

	start := &rtp.Packet{
		Header:  rtp.Header{PayloadType: 101},
		Payload: encodeTelephoneEvent(5, false, 10, 1440),
	}
	end := &rtp.Packet{
		Header:  rtp.Header{PayloadType: 101},
		Payload: encodeTelephoneEvent(5, true, 10, 1440),
	}

	for i := 0; i < 3; i++ {
		assert.True(t, tr.processPacket(start))
	}
	for i := 0; i < 3; i++ {
		assert.True(t, tr.processPacket(end))
	}
	assert.Equal(t, []byte{'5'}, tones, "redundant packets collapse to one notification")

	// A second distinct tone fires again.
	second := &rtp.Packet{
		Header:  rtp.Header{PayloadType: 101},
		Payload: encodeTelephoneEvent(9, false, 10, 1440),
	}
	assert.True(t, tr.processPacket(second))
	assert.Equal(t, []byte{'5', '9'}, tones)
}

func TestToneReceiverIgnoresAudio(t *testing.T) {
	tr := &toneReceiver{payloadType: 101}
	audio := &rtp.Packet{Header: rtp.Header{PayloadType: 0}, Payload: make([]byte, 160)}
	assert.False(t, tr.processPacket(audio))
}
