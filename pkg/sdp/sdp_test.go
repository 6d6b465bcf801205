package sdp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const basicOffer = "v=0\r\n" +
	"o=- 123456 1 IN IP4 192.168.1.10\r\n" +
	"s=-\r\n" +
	"c=IN IP4 192.168.1.10\r\n" +
	"t=0 0\r\n" +
	"m=audio 49170 RTP/AVP 0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=sendrecv\r\n"

func TestParseBasicAudioOffer(t *testing.T) {
	sd, warnings, err := Parse(basicOffer)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	require.Len(t, sd.Media, 1)
	m := sd.Media[0]
	assert.Equal(t, "audio", m.MediaType)
	assert.Equal(t, 49170, m.Port)
	require.Len(t, m.Formats, 1)
	assert.Equal(t, "PCMU", m.Formats[0].Encoding)
	assert.Equal(t, uint32(8000), m.Formats[0].ClockRate)
	assert.Equal(t, DirectionSendRecv, m.Direction)
}

func TestParseUnknownMediaTypeSkipsButContinues(t *testing.T) {
	raw := "v=0\r\n" +
		"o=- 1 1 IN IP4 10.0.0.1\r\n" +
		"s=-\r\n" +
		"t=0 0\r\n" +
		"m=carrier-pigeon 1 RTP/AVP 0\r\n" +
		"m=audio 49170 RTP/AVP 0\r\n" +
		"a=rtpmap:0 PCMU/8000\r\n"

	sd, warnings, err := Parse(raw)
	require.NoError(t, err)
	require.Len(t, sd.Media, 1)
	assert.Equal(t, "audio", sd.Media[0].MediaType)
	assert.NotEmpty(t, warnings)
}

func TestParseMissingMandatoryFieldsIsMalformed(t *testing.T) {
	_, _, err := Parse("m=audio 1 RTP/AVP 0\r\n")
	require.Error(t, err)
	var sdpErr *Error
	assert.ErrorAs(t, err, &sdpErr)
	assert.Equal(t, ErrorCodeMalformed, sdpErr.Code)
}

func TestFmtpStructuredVsOpaque(t *testing.T) {
	raw := "v=0\r\n" +
		"o=- 1 1 IN IP4 10.0.0.1\r\n" +
		"s=-\r\n" +
		"t=0 0\r\n" +
		"m=video 5000 RTP/AVP 96\r\n" +
		"a=rtpmap:96 H264/90000\r\n" +
		"a=fmtp:96 profile-level-id=42e01f;packetization-mode=1\r\n"

	sd, _, err := Parse(raw)
	require.NoError(t, err)
	f := sd.Media[0].Formats[0]
	require.NotNil(t, f.FMTPParams)
	assert.Equal(t, "42e01f", f.FMTPParams["profile-level-id"])
	assert.Equal(t, "1", f.FMTPParams["packetization-mode"])
}

func TestRoundTripPreservesPortFormatsAndDirection(t *testing.T) {
	sd, _, err := Parse(basicOffer)
	require.NoError(t, err)

	out, err := Generate(sd)
	require.NoError(t, err)

	sd2, _, err := Parse(out)
	require.NoError(t, err)

	require.Len(t, sd2.Media, 1)
	assert.Equal(t, sd.Media[0].Port, sd2.Media[0].Port)
	assert.Equal(t, sd.Media[0].Formats[0].Encoding, sd2.Media[0].Formats[0].Encoding)
	assert.Equal(t, sd.Direction, sd2.Direction)
}

func TestNegotiateBestFormatRespectsLocalPreference(t *testing.T) {
	remote := &MediaDescription{
		Formats: []MediaFormatLine{
			{PayloadType: 0, Encoding: "PCMU"},
			{PayloadType: 8, Encoding: "PCMA"},
		},
	}
	best, ok := NegotiateBestFormat([]string{"PCMA", "PCMU"}, remote)
	require.True(t, ok)
	assert.Equal(t, "PCMA", best.Encoding)
}
