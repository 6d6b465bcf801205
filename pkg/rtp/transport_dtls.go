package rtp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/dtls/v2"
	"github.com/pion/rtp"
)

// DTLSTransport wraps a session's data path in DTLS, for call legs
// that negotiated a secure transport token. The handshake runs in the
// constructor; after it the transport behaves like the plain UDP one,
// minus NAT latching (a connected, encrypted socket has a fixed peer).
type DTLSTransport struct {
	dtlsConn *dtls.Conn
	config   DTLSTransportConfig

	mutex  sync.RWMutex
	active bool
}

// DTLSTransportConfig parameterizes the secure transport.
type DTLSTransportConfig struct {
	// LocalAddr / RemoteAddr are the UDP endpoints; RemoteAddr is
	// required (the handshake needs a peer).
	LocalAddr  string
	RemoteAddr string
	// Certificates presented in the handshake. Required for the server
	// role and for clients when the peer verifies.
	Certificates []tls.Certificate
	// InsecureSkipVerify disables peer certificate verification; media
	// paths authenticated via signalling fingerprints set this and
	// compare the fingerprint instead.
	InsecureSkipVerify bool
	// HandshakeTimeout bounds the DTLS handshake. Defaults to 30s.
	HandshakeTimeout time.Duration
	// BufferSize bounds one record read. Defaults to 1500.
	BufferSize int
	// MediaType picks the socket buffer targets, as on UDPTransport.
	MediaType MediaType
}

// DefaultDTLSTransportConfig returns defaults for an audio leg.
func DefaultDTLSTransportConfig() DTLSTransportConfig {
	return DTLSTransportConfig{
		HandshakeTimeout: 30 * time.Second,
		BufferSize:       1500,
		MediaType:        MediaTypeAudio,
	}
}

func (c *DTLSTransportConfig) dtlsConfig() *dtls.Config {
	return &dtls.Config{
		Certificates:         c.Certificates,
		InsecureSkipVerify:   c.InsecureSkipVerify,
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
	}
}

// NewDTLSTransportClient dials the remote endpoint and runs the client
// side of the handshake.
func NewDTLSTransportClient(config DTLSTransportConfig) (*DTLSTransport, error) {
	conn, err := dialDTLSSocket(config)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.handshakeTimeout())
	defer cancel()
	dtlsConn, err := dtls.ClientWithContext(ctx, conn, config.dtlsConfig())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("dtls transport: client handshake: %w", err)
	}
	return &DTLSTransport{dtlsConn: dtlsConn, config: config, active: true}, nil
}

// NewDTLSTransportServer answers the handshake on the local endpoint.
func NewDTLSTransportServer(config DTLSTransportConfig) (*DTLSTransport, error) {
	conn, err := dialDTLSSocket(config)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.handshakeTimeout())
	defer cancel()
	dtlsConn, err := dtls.ServerWithContext(ctx, conn, config.dtlsConfig())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("dtls transport: server handshake: %w", err)
	}
	return &DTLSTransport{dtlsConn: dtlsConn, config: config, active: true}, nil
}

func (c *DTLSTransportConfig) handshakeTimeout() time.Duration {
	if c.HandshakeTimeout > 0 {
		return c.HandshakeTimeout
	}
	return 30 * time.Second
}

// dialDTLSSocket binds the local port, connects it to the peer, and
// applies the media buffer targets before the handshake.
func dialDTLSSocket(config DTLSTransportConfig) (*net.UDPConn, error) {
	localAddr, err := net.ResolveUDPAddr("udp", config.LocalAddr)
	if err != nil {
		return nil, fmt.Errorf("dtls transport: resolve local addr: %w", err)
	}
	remoteAddr, err := net.ResolveUDPAddr("udp", config.RemoteAddr)
	if err != nil {
		return nil, fmt.Errorf("dtls transport: resolve remote addr: %w", err)
	}
	conn, err := net.DialUDP("udp", localAddr, remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("dtls transport: dial: %w", err)
	}
	TuneSocketBuffers(conn, config.MediaType)
	return conn, nil
}

// Send encrypts and transmits one RTP packet.
func (t *DTLSTransport) Send(packet *rtp.Packet) error {
	t.mutex.RLock()
	active, conn := t.active, t.dtlsConn
	t.mutex.RUnlock()

	if !active {
		return fmt.Errorf("dtls transport: closed")
	}
	data, err := packet.Marshal()
	if err != nil {
		return fmt.Errorf("dtls transport: marshal: %w", err)
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("dtls transport: send: %w", err)
	}
	return nil
}

// Receive blocks for the next decrypted RTP packet.
func (t *DTLSTransport) Receive(ctx context.Context) (*rtp.Packet, net.Addr, error) {
	t.mutex.RLock()
	active, conn := t.active, t.dtlsConn
	bufferSize := t.config.BufferSize
	t.mutex.RUnlock()

	if !active {
		return nil, nil, fmt.Errorf("dtls transport: closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if bufferSize == 0 {
		bufferSize = 1500
	}

	buffer := make([]byte, bufferSize)
	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))

	n, err := conn.Read(buffer)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		if isTimeoutError(err) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("dtls transport: read: %w", err)
	}

	packet := &rtp.Packet{}
	if err := packet.Unmarshal(buffer[:n]); err != nil {
		return nil, nil, fmt.Errorf("dtls transport: malformed packet: %w", err)
	}
	return packet, conn.RemoteAddr(), nil
}

// LocalAddr returns the bound address.
func (t *DTLSTransport) LocalAddr() net.Addr {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	if t.dtlsConn == nil {
		return nil
	}
	return t.dtlsConn.LocalAddr()
}

// RemoteAddr returns the handshake peer.
func (t *DTLSTransport) RemoteAddr() net.Addr {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	if t.dtlsConn == nil {
		return nil
	}
	return t.dtlsConn.RemoteAddr()
}

// ConnectionState exposes the DTLS state, e.g. for SRTP keying
// material export by a caller that does secure media.
func (t *DTLSTransport) ConnectionState() dtls.State {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	if t.dtlsConn == nil {
		return dtls.State{}
	}
	return t.dtlsConn.ConnectionState()
}

// Close tears the encrypted channel down. Idempotent.
func (t *DTLSTransport) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if !t.active {
		return nil
	}
	t.active = false
	return t.dtlsConn.Close()
}

// IsActive reports whether the channel is up.
func (t *DTLSTransport) IsActive() bool {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.active
}
