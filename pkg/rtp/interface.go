package rtp

import (
	"time"

	"github.com/pion/rtp"
)

// MediaSession is the surface the connection layer drives: lifecycle,
// send paths, identity, and the directional shutdown contract.
type MediaSession interface {
	Start() error
	Stop() error
	SendAudio(payload []byte, duration time.Duration) error
	SendPacket(packet *rtp.Packet) error
	GetSSRC() uint32
	GetStatistics() SessionStatistics

	ShutdownDirection(dir StreamDirection) error
	RestartDirection(dir StreamDirection) error
	ByeSent() bool
}

var _ MediaSession = (*Session)(nil)
