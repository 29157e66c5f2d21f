package tlstest

import (
	"crypto/tls"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/edgelink/internal/identity"
)

// Device is a self-signed test identity.
type Device struct {
	ID       string
	Cert     tls.Certificate
	CertPath string
	KeyPath  string
}

func NewDevice(t testing.TB, dir string, deviceID string) *Device {
	t.Helper()

	cert, certPEM, keyPEM, err := identity.Generate(deviceID)
	if err != nil {
		t.Fatalf("generate device cert: %v", err)
	}
	base := sanitize(deviceID)
	certPath := filepath.Join(dir, base+".crt")
	keyPath := filepath.Join(dir, base+".key")
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return &Device{ID: deviceID, Cert: cert, CertPath: certPath, KeyPath: keyPath}
}

func (d *Device) Fingerprint() string {
	return identity.CertificateFingerprint(d.Cert)
}

// Pipe returns a client/server TLS pair over net.Pipe with the handshake
// already completed. Both sides present their certificate and skip chain
// verification, mirroring trust-on-first-use peers.
func Pipe(t testing.TB, client *Device, server *Device) (*tls.Conn, *tls.Conn) {
	t.Helper()

	c, s := net.Pipe()
	cc := tls.Client(c, &tls.Config{
		Certificates:       []tls.Certificate{client.Cert},
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
	})
	sc := tls.Server(s, &tls.Config{
		Certificates: []tls.Certificate{server.Cert},
		ClientAuth:   tls.RequireAnyClientCert,
		MinVersion:   tls.VersionTLS12,
	})

	errs := make(chan error, 1)
	go func() { errs <- sc.Handshake() }()
	if err := cc.Handshake(); err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	if err := <-errs; err != nil {
		t.Fatalf("server handshake: %v", err)
	}
	t.Cleanup(func() {
		_ = cc.Close()
		_ = sc.Close()
	})
	return cc, sc
}

func sanitize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "cert"
	}
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, ":", "_")
	return s
}
