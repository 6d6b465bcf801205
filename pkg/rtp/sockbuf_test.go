package rtp

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

// fakeBufferConn refuses any buffer above accept.
type fakeBufferConn struct {
	accept   int
	lastRead int
	lastSend int
}

func (f *fakeBufferConn) SetReadBuffer(n int) error {
	if n > f.accept {
		return errors.New("ENOBUFS")
	}
	f.lastRead = n
	return nil
}

func (f *fakeBufferConn) SetWriteBuffer(n int) error {
	if n > f.accept {
		return errors.New("ENOBUFS")
	}
	f.lastSend = n
	return nil
}

func TestSocketBufferTargetAcceptedDirectly(t *testing.T) {
	conn := &fakeBufferConn{accept: RecvBufferVideo}
	got := SetReceiveBufferSize(conn, RecvBufferVideo)
	assert.Equal(t, RecvBufferVideo, got)
	assert.Equal(t, RecvBufferVideo, conn.lastRead)
}

func TestSocketBufferBacksOffByTenPercent(t *testing.T) {
	conn := &fakeBufferConn{accept: 600 << 10}
	got := SetReceiveBufferSize(conn, RecvBufferVideo)
	assert.LessOrEqual(t, got, 600<<10)
	assert.Greater(t, got, minSocketBuffer)

	// The accepted size is the first 0.9^n step under the OS cap.
	want := RecvBufferVideo
	for want > conn.accept {
		want = want * 9 / 10
	}
	assert.Equal(t, want, got)
}

func TestSocketBufferNeverBelowFloor(t *testing.T) {
	conn := &fakeBufferConn{accept: 0}
	got := SetSendBufferSize(conn, SendBufferData)
	assert.Equal(t, minSocketBuffer, got)
}

func TestRecvBufferTargetPerMediaType(t *testing.T) {
	assert.Equal(t, RecvBufferVideo, recvBufferTarget(MediaTypeVideo))
	assert.Equal(t, RecvBufferAudio, recvBufferTarget(MediaTypeAudio))
}
