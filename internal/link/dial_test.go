package link

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/danmuck/edgelink/internal/protocol"
	"github.com/danmuck/edgelink/internal/testutil/testlog"
	"github.com/danmuck/edgelink/internal/testutil/tlstest"
)

func ident(id string) protocol.Identity {
	return protocol.Identity{
		DeviceID:             id,
		DeviceName:           id + "-name",
		DeviceType:           "desktop",
		ProtocolVersion:      protocol.ProtocolVersion,
		IncomingCapabilities: []string{protocol.TypePing},
		OutgoingCapabilities: []string{protocol.TypePing},
	}
}

func TestHandshakeExchangesIdentity(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	type result struct {
		peer protocol.Identity
		err  error
	}
	done := make(chan result, 1)
	go func() {
		peer, err := Handshake(b, ident("bob"), DefaultConfig())
		done <- result{peer, err}
	}()
	peer, err := Handshake(a, ident("alice"), DefaultConfig())
	if err != nil {
		t.Fatalf("alice handshake: %v", err)
	}
	r := <-done
	if r.err != nil {
		t.Fatalf("bob handshake: %v", r.err)
	}
	if peer.DeviceID != "bob" || r.peer.DeviceID != "alice" {
		t.Fatalf("unexpected peers: %q %q", peer.DeviceID, r.peer.DeviceID)
	}
}

func TestHandshakeRejectsSelf(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	go func() { _, _ = Handshake(b, ident("same"), DefaultConfig()) }()
	if _, err := Handshake(a, ident("same"), DefaultConfig()); !errors.Is(err, ErrHandshake) {
		t.Fatalf("expected ErrHandshake, got %v", err)
	}
}

func TestHandshakeTimesOut(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	cfg := DefaultConfig()
	cfg.HandshakeTimeout = 50 * time.Millisecond
	if _, err := Handshake(a, ident("alice"), cfg); !errors.Is(err, ErrHandshake) {
		t.Fatalf("expected ErrHandshake on silent peer, got %v", err)
	}
}

func TestListenerAndDialerPlain(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := Listen("127.0.0.1:0", DefaultConfig(), ident("server"), nil)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	accepted := make(chan protocol.Identity, 1)
	packets := make(chan *protocol.Packet, 1)
	go func() {
		_ = ln.Serve(ctx, func(l *StreamLink, peer protocol.Identity) {
			l.SetReceiver(func(p *protocol.Packet) { packets <- p })
			accepted <- peer
		})
	}()

	d, err := NewDialer(DefaultConfig(), ident("client"), nil)
	if err != nil {
		t.Fatalf("dialer: %v", err)
	}
	l, peer, err := d.DialRetry(ctx, ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer l.Close()
	l.SetReceiver(func(*protocol.Packet) {})
	if peer.DeviceID != "server" {
		t.Fatalf("expected server identity, got %q", peer.DeviceID)
	}
	select {
	case p := <-accepted:
		if p.DeviceID != "client" {
			t.Fatalf("expected client identity, got %q", p.DeviceID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("listener never accepted")
	}
	if err := l.SendPacket(ctx, protocol.New(protocol.TypePing)); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case p := <-packets:
		if p.Type() != protocol.TypePing {
			t.Fatalf("expected ping, got %s", p.Type())
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("packet never arrived")
	}
}

func TestListenerAndDialerTLS(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	server := tlstest.NewDevice(t, dir, "server")
	client := tlstest.NewDevice(t, dir, "client")

	scfg := DefaultConfig()
	scfg.SecurityMode = SecurityModeProduction
	scfg.TLS = TLSConfig{Enabled: true, CertFile: server.CertPath, KeyFile: server.KeyPath}
	ln, err := Listen("127.0.0.1:0", scfg, ident("server"), &server.Cert)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fingerprints := make(chan string, 1)
	go func() {
		_ = ln.Serve(ctx, func(l *StreamLink, _ protocol.Identity) {
			fingerprints <- l.PeerFingerprint()
			_ = l.Close()
		})
	}()

	ccfg := scfg
	ccfg.TLS = TLSConfig{Enabled: true, CertFile: client.CertPath, KeyFile: client.KeyPath}
	d, err := NewDialer(ccfg, ident("client"), &client.Cert)
	if err != nil {
		t.Fatalf("dialer: %v", err)
	}
	l, _, err := d.Dial(ctx, ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer l.Close()
	if l.Priority() != PriorityTLS || l.PeerFingerprint() != server.Fingerprint() {
		t.Fatalf("expected pinned tls link, got priority=%d", l.Priority())
	}
	select {
	case fp := <-fingerprints:
		if fp != client.Fingerprint() {
			t.Fatalf("server saw wrong client fingerprint")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("listener never accepted")
	}
}

func TestDialerTLSRejectsMismatchedIdentity(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	impostor := tlstest.NewDevice(t, dir, "impostor")
	client := tlstest.NewDevice(t, dir, "client")

	scfg := DefaultConfig()
	scfg.TLS = TLSConfig{Enabled: true, CertFile: impostor.CertPath, KeyFile: impostor.KeyPath}
	ln, err := Listen("127.0.0.1:0", scfg, ident("server"), &impostor.Cert)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = ln.Serve(ctx, func(l *StreamLink, _ protocol.Identity) { _ = l.Close() }) }()

	ccfg := DefaultConfig()
	ccfg.TLS = TLSConfig{Enabled: true, CertFile: client.CertPath, KeyFile: client.KeyPath}
	d, err := NewDialer(ccfg, ident("client"), &client.Cert)
	if err != nil {
		t.Fatalf("dialer: %v", err)
	}
	if _, _, err := d.Dial(ctx, ln.Addr().String()); !errors.Is(err, ErrIdentityMismatch) {
		t.Fatalf("expected ErrIdentityMismatch, got %v", err)
	}
}
