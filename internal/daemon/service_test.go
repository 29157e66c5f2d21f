package daemon

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/edgelink/internal/capability/clipboard"
	"github.com/danmuck/edgelink/internal/capability/ping"
	"github.com/danmuck/edgelink/internal/capability/share"
	"github.com/danmuck/edgelink/internal/config"
	"github.com/danmuck/edgelink/internal/pairing"
	"github.com/danmuck/edgelink/internal/testutil/testlog"
	"github.com/danmuck/edgelink/internal/trust"
)

func testConfig(t *testing.T, id string) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Device.ID = id
	cfg.Device.Name = "node " + id
	cfg.StateDir = filepath.Join(dir, "state")
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.AdminAddr = ""
	cfg.LogLevel = ""
	cfg.Heartbeat = 50 * time.Millisecond
	cfg.Modules = []string{"ping", "clipboard"}
	cfg.Clipboard = "memory"
	cfg.Transfer.DownloadDir = filepath.Join(dir, "downloads")
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func start(t *testing.T, s *Service) {
	t.Helper()
	if err := s.Bootstrap(); err != nil {
		t.Fatalf("bootstrap %s: %v", s.cfg.Device.ID, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("serve %s: %v", s.cfg.Device.ID, err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("serve %s did not stop", s.cfg.Device.ID)
		}
		s.Close()
	})
}

func TestBuildBuiltinRegistry(t *testing.T) {
	testlog.Start(t)
	reg, err := buildBuiltinRegistry([]string{"ping", " Share ", "none", "clipboard"}, moduleDeps{})
	if err != nil {
		t.Fatalf("build registry failed: %v", err)
	}
	list := reg.List()
	if len(list) != 3 || list[0].Metadata.ID != clipboard.ID || list[1].Metadata.ID != ping.ID || list[2].Metadata.ID != share.ID {
		t.Fatalf("unexpected registry: %+v", list)
	}
	if _, err := buildBuiltinRegistry([]string{"telephony"}, moduleDeps{}); !errors.Is(err, ErrUnknownModule) {
		t.Fatalf("expected ErrUnknownModule, got %v", err)
	}
	if _, err := buildBuiltinRegistry([]string{"ping", "ping"}, moduleDeps{}); err == nil {
		t.Fatalf("expected duplicate module error")
	}
}

func TestBootstrapRejectsBadHeartbeat(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(t, "alpha")
	cfg.Heartbeat = 0
	s := NewService(cfg)
	defer s.Close()
	if err := s.Bootstrap(); !errors.Is(err, ErrInvalidHeartbeat) {
		t.Fatalf("expected ErrInvalidHeartbeat, got %v", err)
	}
	if err := s.Serve(context.Background()); !errors.Is(err, ErrNotBootstrapped) {
		t.Fatalf("expected ErrNotBootstrapped, got %v", err)
	}
}

func TestBootstrapGeneratesDeviceID(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(t, "")
	s := NewService(cfg)
	defer s.Close()
	if err := s.Bootstrap(); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if s.LocalID() == "" || s.Local().DeviceID != s.LocalID() {
		t.Fatalf("expected generated id in local identity, got %q", s.LocalID())
	}
	if len(s.Local().IncomingCapabilities) == 0 {
		t.Fatalf("expected capabilities from registered modules")
	}
	s.Close()

	again := NewService(cfg)
	defer again.Close()
	if err := again.Bootstrap(); err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}
	if again.LocalID() != s.LocalID() {
		t.Fatalf("expected persisted id %q, got %q", s.LocalID(), again.LocalID())
	}
}

func TestStaticPeerDialAndPair(t *testing.T) {
	testlog.Start(t)
	a := NewService(testConfig(t, "alpha"))
	start(t, a)

	cfgB := testConfig(t, "beta")
	cfgB.Peers = []string{a.ListenAddr()}
	b := NewService(cfgB)
	start(t, b)

	waitFor(t, "beta reachable on alpha", func() bool {
		d, ok := a.Devices().Get("beta")
		return ok && d.IsReachable()
	})
	waitFor(t, "alpha reachable on beta", func() bool {
		d, ok := b.Devices().Get("alpha")
		return ok && d.IsReachable()
	})

	betaOnA, _ := a.Devices().Get("beta")
	alphaOnB, _ := b.Devices().Get("alpha")
	if err := betaOnA.RequestPairing(); err != nil {
		t.Fatalf("request pairing: %v", err)
	}
	waitFor(t, "pending request on beta", func() bool { return alphaOnB.PairState() == pairing.RequestedByPeer })
	if err := alphaOnB.AcceptPairing(); err != nil {
		t.Fatalf("accept pairing: %v", err)
	}
	waitFor(t, "paired both sides", func() bool { return betaOnA.IsPaired() && alphaOnB.IsPaired() })
	waitFor(t, "modules loaded", func() bool { return len(betaOnA.Modules()) == 2 })

	rec, ok, err := a.store.Load("beta")
	if err != nil || !ok || !rec.Paired {
		t.Fatalf("expected persisted trust, got %+v ok=%v err=%v", rec, ok, err)
	}
	if _, isFile := a.store.(*trust.FileStore); !isFile {
		t.Fatalf("expected default file trust store, got %T", a.store)
	}
}
