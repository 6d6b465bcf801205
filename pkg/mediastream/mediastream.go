// Package mediastream implements the media stream abstraction: the
// channel through which media data moves between a connection and an RTP
// session, a raw I/O channel, a file, or a bypass sink, all behind one
// interface a patch can connect source to sink.
//
// The Null/RTP/Raw/File/UDP variant family shares a common open/paused/
// closed field layout and RequiresPatchThread contract.
package mediastream

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/arzzra/opal-media-core/pkg/format"
)

// ErrClosed is returned by Read/Write once the stream has been closed.
var ErrClosed = errors.New("media stream closed")

// ErrNotOpen is returned by operations requiring an open stream.
var ErrNotOpen = errors.New("media stream not open")

// Frame is one unit of media data moving into or out of a stream.
type Frame struct {
	Payload   []byte
	Timestamp uint32
	Marker    bool
}

// Stream is the common interface every media stream variant implements.
type Stream interface {
	MediaFormat() *format.MediaFormat
	SessionID() int
	IsSource() bool
	Open() error
	Close() error
	IsOpen() bool
	IsPaused() bool
	SetPaused(bool)
	ReadFrame() (Frame, error)
	WriteFrame(Frame) error
	// IsSynchronous reports whether reads/writes block for real time
	// (a sound device), as opposed to returning as fast as data moves.
	IsSynchronous() bool
	// RequiresPatchThread reports whether a patch pump goroutine must
	// drive this stream, or whether it is self-driving/a no-op sink.
	RequiresPatchThread() bool
}

// base holds the fields every variant shares.
type base struct {
	mu          sync.RWMutex
	mf          *format.MediaFormat
	sessionID   int
	isSource    bool
	open        bool
	paused      bool
	timestamp   uint32
	marker      bool
	dataSize    int
}

func newBase(mf *format.MediaFormat, sessionID int, isSource bool) base {
	return base{mf: mf, sessionID: sessionID, isSource: isSource, dataSize: 160}
}

func (b *base) MediaFormat() *format.MediaFormat { return b.mf }
func (b *base) SessionID() int                   { return b.sessionID }
func (b *base) IsSource() bool                   { return b.isSource }

func (b *base) IsOpen() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.open
}

func (b *base) IsPaused() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.paused
}

func (b *base) SetPaused(p bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = p
}

func (b *base) markOpen()  { b.mu.Lock(); b.open = true; b.mu.Unlock() }
func (b *base) markClosed() { b.mu.Lock(); b.open = false; b.mu.Unlock() }

// NullStream discards writes and never produces data; used for bypass
// (e.g. a connection side that has no real media device but must still
// satisfy a patch graph).
type NullStream struct {
	base
}

// NewNull constructs a bypass stream that requires no patch thread.
func NewNull(mf *format.MediaFormat, sessionID int, isSource bool) *NullStream {
	return &NullStream{base: newBase(mf, sessionID, isSource)}
}

func (s *NullStream) Open() error  { s.markOpen(); return nil }
func (s *NullStream) Close() error { s.markClosed(); return nil }
func (s *NullStream) ReadFrame() (Frame, error) {
	if !s.IsOpen() {
		return Frame{}, ErrNotOpen
	}
	return Frame{}, nil
}
func (s *NullStream) WriteFrame(Frame) error {
	if !s.IsOpen() {
		return ErrNotOpen
	}
	return nil
}
func (s *NullStream) IsSynchronous() bool     { return false }
func (s *NullStream) RequiresPatchThread() bool { return false }

// RTPSource abstracts the subset of an RTP session a media stream needs:
// reading/writing frames keyed to a payload type and clock rate. Kept
// minimal and interface-based so pkg/rtp's concrete Session type need not
// be imported here, avoiding an import cycle with pkg/connection.
type RTPSource interface {
	ReadFrame() (payload []byte, timestamp uint32, marker bool, err error)
	WriteFrame(payload []byte, timestamp uint32, marker bool) error
}

// RTPStream moves frames to/from a live RTP session. It is never
// synchronous (its pacing comes from the network, not a local clock)
// and always requires a patch thread.
type RTPStream struct {
	base
	session RTPSource
}

// NewRTP constructs a stream bound to an RTP session.
func NewRTP(mf *format.MediaFormat, sessionID int, isSource bool, session RTPSource) *RTPStream {
	return &RTPStream{base: newBase(mf, sessionID, isSource), session: session}
}

func (s *RTPStream) Open() error  { s.markOpen(); return nil }
func (s *RTPStream) Close() error { s.markClosed(); return nil }

func (s *RTPStream) ReadFrame() (Frame, error) {
	if !s.IsOpen() {
		return Frame{}, ErrNotOpen
	}
	payload, ts, marker, err := s.session.ReadFrame()
	if err != nil {
		return Frame{}, fmt.Errorf("rtp stream read: %w", err)
	}
	return Frame{Payload: payload, Timestamp: ts, Marker: marker}, nil
}

func (s *RTPStream) WriteFrame(fr Frame) error {
	if !s.IsOpen() {
		return ErrNotOpen
	}
	if s.IsPaused() {
		return nil
	}
	if err := s.session.WriteFrame(fr.Payload, fr.Timestamp, fr.Marker); err != nil {
		return fmt.Errorf("rtp stream write: %w", err)
	}
	return nil
}

func (s *RTPStream) IsSynchronous() bool     { return false }
func (s *RTPStream) RequiresPatchThread() bool { return true }

// GetRTPSource returns the underlying RTP source.
func (s *RTPStream) GetRTPSource() RTPSource { return s.session }

// RawStream moves fixed-size raw payload chunks to/from an io.ReadWriteCloser
// (a file, a pipe, a test fixture). Each ReadFrame returns what a single
// Read call yields, up to the data size; partial reads are not
// accumulated into full frames.
type RawStream struct {
	base
	rw         io.ReadWriteCloser
	autoClose  bool
}

// NewRaw constructs a stream bound to an io.ReadWriteCloser.
func NewRaw(mf *format.MediaFormat, sessionID int, isSource bool, rw io.ReadWriteCloser, autoClose bool) *RawStream {
	return &RawStream{base: newBase(mf, sessionID, isSource), rw: rw, autoClose: autoClose}
}

func (s *RawStream) Open() error  { s.markOpen(); return nil }
func (s *RawStream) Close() error {
	s.markClosed()
	if s.autoClose && s.rw != nil {
		return s.rw.Close()
	}
	return nil
}

func (s *RawStream) ReadFrame() (Frame, error) {
	if !s.IsOpen() {
		return Frame{}, ErrNotOpen
	}
	buf := make([]byte, s.dataSize)
	n, err := s.rw.Read(buf)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, ErrClosed
		}
		return Frame{}, fmt.Errorf("raw stream read: %w", err)
	}
	fr := Frame{Payload: buf[:n], Timestamp: s.timestamp, Marker: s.marker}
	s.timestamp += uint32(n)
	return fr, nil
}

func (s *RawStream) WriteFrame(fr Frame) error {
	if !s.IsOpen() {
		return ErrNotOpen
	}
	if s.IsPaused() {
		return nil
	}
	if _, err := s.rw.Write(fr.Payload); err != nil {
		return fmt.Errorf("raw stream write: %w", err)
	}
	return nil
}

func (s *RawStream) IsSynchronous() bool     { return true }
func (s *RawStream) RequiresPatchThread() bool { return true }

// SetDataSize sets the chunk size ReadFrame requests from the channel.
func (s *RawStream) SetDataSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dataSize = n
}

// FileStream is a RawStream bound to an *os.File (or any seekable file
// handle). It adds nothing over RawStream's behavior beyond documenting
// intent; construct via NewRaw with a file.
type FileStream = RawStream

// NewFile is an alias constructor documenting the file-backed use of
// RawStream.
func NewFile(mf *format.MediaFormat, sessionID int, isSource bool, rw io.ReadWriteCloser) *FileStream {
	return NewRaw(mf, sessionID, isSource, rw, true)
}

// UDPStream moves raw payload datagrams to/from a plain net.Conn (UDP
// socket) without RTP framing, used for raw
// media relay / transparent forwarding scenarios.
type UDPStream struct {
	base
	conn net.Conn
}

// NewUDP constructs a stream bound to a connected UDP socket.
func NewUDP(mf *format.MediaFormat, sessionID int, isSource bool, conn net.Conn) *UDPStream {
	return &UDPStream{base: newBase(mf, sessionID, isSource), conn: conn}
}

func (s *UDPStream) Open() error  { s.markOpen(); return nil }
func (s *UDPStream) Close() error { s.markClosed(); return s.conn.Close() }

func (s *UDPStream) ReadFrame() (Frame, error) {
	if !s.IsOpen() {
		return Frame{}, ErrNotOpen
	}
	buf := make([]byte, 1500)
	n, err := s.conn.Read(buf)
	if err != nil {
		return Frame{}, fmt.Errorf("udp stream read: %w", err)
	}
	return Frame{Payload: buf[:n]}, nil
}

func (s *UDPStream) WriteFrame(fr Frame) error {
	if !s.IsOpen() {
		return ErrNotOpen
	}
	if s.IsPaused() {
		return nil
	}
	_, err := s.conn.Write(fr.Payload)
	if err != nil {
		return fmt.Errorf("udp stream write: %w", err)
	}
	return nil
}

func (s *UDPStream) IsSynchronous() bool     { return false }
func (s *UDPStream) RequiresPatchThread() bool { return true }

var (
	_ Stream = (*NullStream)(nil)
	_ Stream = (*RTPStream)(nil)
	_ Stream = (*RawStream)(nil)
	_ Stream = (*UDPStream)(nil)
)
