package rtp

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLifecycleSession(t *testing.T) (*Session, *MockTransport) {
	t.Helper()
	transport := NewMockTransport()
	session, err := NewSession(SessionConfig{
		PayloadType: PayloadTypePCMU,
		MediaType:   MediaTypeAudio,
		ClockRate:   8000,
		Transport:   transport,
	})
	require.NoError(t, err)
	require.NoError(t, session.Start())
	t.Cleanup(func() { _ = session.Stop() })
	return session, transport
}

func TestSessionShutdownWriteBlocksSends(t *testing.T) {
	session, _ := newLifecycleSession(t)

	pktOut := &rtp.Packet{Header: rtp.Header{PayloadType: 0, SequenceNumber: 1}}
	require.NoError(t, session.SendPacket(pktOut))

	require.NoError(t, session.ShutdownDirection(DirWrite))
	assert.Equal(t, StreamStateOpenRxOnly, session.StreamState())
	assert.True(t, session.ByeSent())
	assert.Error(t, session.SendPacket(pktOut))

	// Restart re-enables sends; BYE stays sticky.
	require.NoError(t, session.RestartDirection(DirWrite))
	assert.NoError(t, session.SendPacket(pktOut))
	assert.True(t, session.ByeSent())
}

func TestSessionShutdownReadDropsIncoming(t *testing.T) {
	session, _ := newLifecycleSession(t)

	require.NoError(t, session.ShutdownDirection(DirRead))
	assert.Equal(t, StreamStateOpenTxOnly, session.StreamState())

	require.NoError(t, session.RestartDirection(DirRead))
	assert.Equal(t, StreamStateOpenRxTx, session.StreamState())
}

func TestSessionStopClosesStreamState(t *testing.T) {
	session, _ := newLifecycleSession(t)
	require.NoError(t, session.Stop())
	assert.Equal(t, StreamStateClosed, session.StreamState())
}
