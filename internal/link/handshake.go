package link

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	logs "github.com/danmuck/edgelink/internal/logging"
	"github.com/danmuck/edgelink/internal/protocol"
	"github.com/danmuck/edgelink/internal/protocol/frame"
)

// Handshake exchanges identity packets. Both sides write first, so the
// write runs beside the read to stay safe on synchronous pipes.
func Handshake(conn net.Conn, local protocol.Identity, cfg Config) (protocol.Identity, error) {
	cfg = cfg.withDefaults()
	_ = conn.SetDeadline(time.Now().Add(cfg.HandshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	raw, err := protocol.Marshal(local.Packet())
	if err != nil {
		return protocol.Identity{}, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	werr := make(chan error, 1)
	go func() {
		werr <- frame.WriteFrame(conn, frame.New(frame.MsgIdentity, 0, raw), cfg.Limits)
	}()

	f, err := frame.ReadFrame(conn, cfg.Limits)
	if err != nil {
		return protocol.Identity{}, fmt.Errorf("%w: read identity: %v", ErrHandshake, err)
	}
	if err := <-werr; err != nil {
		return protocol.Identity{}, fmt.Errorf("%w: write identity: %v", ErrHandshake, err)
	}
	if f.Header.MessageType != frame.MsgIdentity {
		return protocol.Identity{}, fmt.Errorf("%w: unexpected message_type=%d", ErrHandshake, f.Header.MessageType)
	}
	p, err := protocol.Unmarshal(f.Payload)
	if err != nil {
		return protocol.Identity{}, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	peer, err := protocol.ParseIdentity(p)
	if err != nil {
		return protocol.Identity{}, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if peer.DeviceID == local.DeviceID {
		return protocol.Identity{}, fmt.Errorf("%w: connected to self", ErrHandshake)
	}
	if tc, ok := conn.(*tls.Conn); ok {
		certs := tc.ConnectionState().PeerCertificates
		if len(certs) == 0 || certs[0].Subject.CommonName != peer.DeviceID {
			return protocol.Identity{}, ErrIdentityMismatch
		}
	}
	logs.Debugf("link.Handshake peer=%s name=%q protocol=%d", peer.DeviceID, peer.DeviceName, peer.ProtocolVersion)
	return peer, nil
}

// Establish runs the handshake and wraps conn. The connection is closed on
// failure.
func Establish(conn net.Conn, local protocol.Identity, cfg Config) (*StreamLink, protocol.Identity, error) {
	peer, err := Handshake(conn, local, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, protocol.Identity{}, err
	}
	return NewStreamLink(conn, cfg), peer, nil
}
