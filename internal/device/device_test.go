package device

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/edgelink/internal/capability"
	"github.com/danmuck/edgelink/internal/capability/ping"
	"github.com/danmuck/edgelink/internal/events"
	"github.com/danmuck/edgelink/internal/link"
	"github.com/danmuck/edgelink/internal/pairing"
	"github.com/danmuck/edgelink/internal/protocol"
	"github.com/danmuck/edgelink/internal/testutil/testlog"
	"github.com/danmuck/edgelink/internal/trust"
)

type fakeLink struct {
	id   string
	prio int
	fp   string

	mu   sync.Mutex
	sent []*protocol.Packet
	recv func(*protocol.Packet)

	done chan struct{}
	once sync.Once
}

func newFakeLink(id string, prio int, fp string) *fakeLink {
	return &fakeLink{id: id, prio: prio, fp: fp, done: make(chan struct{})}
}

func (l *fakeLink) ID() string              { return l.id }
func (l *fakeLink) Kind() string            { return "fake" }
func (l *fakeLink) Priority() int           { return l.prio }
func (l *fakeLink) PeerFingerprint() string { return l.fp }
func (l *fakeLink) Done() <-chan struct{}   { return l.done }

func (l *fakeLink) SendPacket(_ context.Context, p *protocol.Packet) error {
	select {
	case <-l.done:
		return link.ErrClosed
	default:
	}
	_ = p.Payload().Close()
	p.Seal()
	l.mu.Lock()
	l.sent = append(l.sent, p)
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) SetReceiver(fn func(*protocol.Packet)) {
	l.mu.Lock()
	l.recv = fn
	l.mu.Unlock()
}

func (l *fakeLink) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *fakeLink) Sent() []*protocol.Packet {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*protocol.Packet(nil), l.sent...)
}

func (l *fakeLink) deliver(p *protocol.Packet) {
	l.mu.Lock()
	fn := l.recv
	l.mu.Unlock()
	fn(p)
}

func peerIdentity(id string) protocol.Identity {
	return protocol.Identity{
		DeviceID:             id,
		DeviceName:           "device " + id,
		DeviceType:           "desktop",
		ProtocolVersion:      protocol.ProtocolVersion,
		IncomingCapabilities: []string{protocol.TypePing},
		OutgoingCapabilities: []string{protocol.TypePing},
	}
}

func factories(t *testing.T) *capability.Registry {
	t.Helper()
	reg := capability.NewRegistry()
	if err := reg.Register(ping.Factory()); err != nil {
		t.Fatalf("register ping: %v", err)
	}
	return reg
}

type harness struct {
	reg   *Registry
	store *trust.MemoryStore
	bus   *events.Bus
	ch    <-chan events.Event
}

func newHarness(t *testing.T, localID string) *harness {
	t.Helper()
	store := trust.NewMemoryStore()
	bus := events.New()
	ch, cancel := bus.Channel("test", 256)
	t.Cleanup(cancel)
	cfg := Config{Pairing: pairing.Config{RequestTimeout: 2 * time.Second, PeerRequestTimeout: time.Second}}
	reg := NewRegistry(localID, cfg, factories(t), store, bus)
	t.Cleanup(reg.Close)
	return &harness{reg: reg, store: store, bus: bus, ch: ch}
}

func (h *harness) waitEvent(t *testing.T, kind string) events.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-h.ch:
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %s", kind)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func trustPaired(t *testing.T, h *harness, id, fp string) {
	t.Helper()
	if err := h.store.Save(trust.Record{DeviceID: id, Name: "device " + id, Fingerprint: fp, Paired: true}); err != nil {
		t.Fatalf("save trust: %v", err)
	}
}

func TestSendRequiresLinkAndPairing(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, "local")
	trustPaired(t, h, "paired", "")
	if err := h.reg.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	d, ok := h.reg.Get("paired")
	if !ok || !d.IsPaired() || d.IsReachable() {
		t.Fatalf("expected paired unreachable device after load")
	}
	if err := d.Send(context.Background(), protocol.New(protocol.TypePing)); !errors.Is(err, ErrNoLink) {
		t.Fatalf("expected ErrNoLink, got %v", err)
	}

	l := newFakeLink("l1", link.PriorityPlain, "")
	stranger, err := h.reg.AttachLink(l, peerIdentity("stranger"))
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := stranger.Send(context.Background(), protocol.New(protocol.TypePing)); !errors.Is(err, ErrNotPaired) {
		t.Fatalf("expected ErrNotPaired, got %v", err)
	}
	if err := stranger.Send(context.Background(), pairing.PairPacket(false)); err != nil {
		t.Fatalf("expected pair packets to pass while unpaired, got %v", err)
	}
}

func TestBestLinkWinsByPriorityThenRecency(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, "local")
	trustPaired(t, h, "peer", "")

	plainOld := newFakeLink("plain-old", link.PriorityPlain, "")
	plainNew := newFakeLink("plain-new", link.PriorityPlain, "")
	d, err := h.reg.AttachLink(plainOld, peerIdentity("peer"))
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if _, err := h.reg.AttachLink(plainNew, peerIdentity("peer")); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := d.Send(context.Background(), protocol.New(protocol.TypePing)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(plainNew.Sent()) == 0 || len(plainOld.Sent()) != 0 {
		t.Fatalf("expected newest plain link used, old=%d new=%d", len(plainOld.Sent()), len(plainNew.Sent()))
	}

	tls := newFakeLink("tls", link.PriorityTLS, "")
	if _, err := h.reg.AttachLink(tls, peerIdentity("peer")); err != nil {
		t.Fatalf("attach tls: %v", err)
	}
	before := len(plainNew.Sent())
	if err := d.Send(context.Background(), protocol.New(protocol.TypePing)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(tls.Sent()) != 1 || len(plainNew.Sent()) != before {
		t.Fatalf("expected exactly one send through the tls link")
	}
	links := d.Links()
	if len(links) != 3 || links[0].ID != "tls" || links[1].ID != "plain-new" {
		t.Fatalf("unexpected link order %+v", links)
	}
}

func TestReceiveRoutesOnlyWhenPaired(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, "local")

	unpairedLink := newFakeLink("u", link.PriorityPlain, "")
	stranger, err := h.reg.AttachLink(unpairedLink, peerIdentity("stranger"))
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if len(stranger.Modules()) != 0 {
		t.Fatalf("expected no modules while unpaired, got %v", stranger.Modules())
	}
	unpairedLink.deliver(protocol.New(protocol.TypePing))
	if e := h.waitEvent(t, events.KindPacketDropped); e.Data["reason"] != "unpaired" {
		t.Fatalf("expected unpaired drop, got %+v", e)
	}

	trustPaired(t, h, "friend", "")
	pairedLink := newFakeLink("p", link.PriorityPlain, "")
	friend, err := h.reg.AttachLink(pairedLink, peerIdentity("friend"))
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if mods := friend.Modules(); len(mods) != 1 || mods[0] != ping.ID {
		t.Fatalf("expected ping module loaded, got %v", mods)
	}
	pairedLink.deliver(protocol.New(protocol.TypePing).MustSet(ping.KeyMessage, "hey"))
	if e := h.waitEvent(t, ping.EventPing); e.DeviceID != "friend" || e.Data["message"] != "hey" {
		t.Fatalf("unexpected ping event %+v", e)
	}

	pairedLink.deliver(protocol.New("kdeconnect.future.thing"))
	if e := h.waitEvent(t, events.KindPacketDropped); e.Data["reason"] != "unhandled" {
		t.Fatalf("expected unhandled drop, got %+v", e)
	}
	pairedLink.deliver(protocol.New(protocol.TypeBattery))
	if e := h.waitEvent(t, events.KindPacketDropped); e.Data["reason"] != "invalid" {
		t.Fatalf("expected invalid drop, got %+v", e)
	}
}

func TestModuleOutgoingTypesEnforced(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, "local")
	trustPaired(t, h, "peer", "")
	l := newFakeLink("l", link.PriorityPlain, "")
	d, err := h.reg.AttachLink(l, peerIdentity("peer"))
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	host := &moduleHost{d: d, moduleID: ping.ID}
	if err := host.Send(context.Background(), protocol.New(protocol.TypeClipboard)); !errors.Is(err, capability.ErrUndeclaredOutgoing) {
		t.Fatalf("expected ErrUndeclaredOutgoing, got %v", err)
	}
	m, err := d.Module(ping.ID)
	if err != nil {
		t.Fatalf("module: %v", err)
	}
	if err := m.(*ping.Module).Send(context.Background(), "yo"); err != nil {
		t.Fatalf("declared send: %v", err)
	}
	if len(l.Sent()) != 1 {
		t.Fatalf("expected one packet on the link, got %d", len(l.Sent()))
	}
	if _, err := d.Module("nope"); !errors.Is(err, ErrUnknownModule) {
		t.Fatalf("expected ErrUnknownModule, got %v", err)
	}
}

func TestLinkLossDestroysModulesKeepsTrust(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, "local")
	trustPaired(t, h, "peer", "")
	l := newFakeLink("l", link.PriorityPlain, "")
	d, err := h.reg.AttachLink(l, peerIdentity("peer"))
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	h.waitEvent(t, events.KindDeviceReachable)

	_ = l.Close()
	h.waitEvent(t, events.KindDeviceUnreachable)
	if d.IsReachable() || len(d.Modules()) != 0 {
		t.Fatalf("expected unreachable device without modules, modules=%v", d.Modules())
	}
	if !d.IsPaired() {
		t.Fatalf("expected pairing to survive link loss")
	}
}

func TestFingerprintPinning(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, "local")
	trustPaired(t, h, "peer", "AAAA")

	impostor := newFakeLink("bad", link.PriorityTLS, "BBBB")
	if _, err := h.reg.AttachLink(impostor, peerIdentity("peer")); !errors.Is(err, ErrFingerprintMismatch) {
		t.Fatalf("expected ErrFingerprintMismatch, got %v", err)
	}
	select {
	case <-impostor.Done():
	default:
		t.Fatalf("expected rejected link to be closed")
	}
	good := newFakeLink("good", link.PriorityTLS, "AAAA")
	if _, err := h.reg.AttachLink(good, peerIdentity("peer")); err != nil {
		t.Fatalf("expected pinned fingerprint accepted, got %v", err)
	}
}

func TestRegistryRejectsSelfAndMismatch(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, "local")
	if _, err := h.reg.AttachLink(newFakeLink("s", 1, ""), peerIdentity("local")); !errors.Is(err, ErrSelfLink) {
		t.Fatalf("expected ErrSelfLink, got %v", err)
	}
	d, err := h.reg.AttachLink(newFakeLink("a", 1, ""), peerIdentity("peer"))
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := d.AddLink(newFakeLink("b", 1, ""), peerIdentity("other")); !errors.Is(err, ErrIdentityMismatch) {
		t.Fatalf("expected ErrIdentityMismatch, got %v", err)
	}
	if err := h.reg.Remove("peer"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := h.reg.Lookup("peer"); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}
}

// connect wires two registries with a stream link pair over net.Pipe.
func connect(t *testing.T, a *harness, aID string, b *harness, bID string) (*Device, *Device) {
	t.Helper()
	c1, c2 := net.Pipe()
	la := link.NewStreamLink(c1, link.DefaultConfig())
	lb := link.NewStreamLink(c2, link.DefaultConfig())
	onA, err := a.reg.AttachLink(la, peerIdentity(bID))
	if err != nil {
		t.Fatalf("attach on a: %v", err)
	}
	onB, err := b.reg.AttachLink(lb, peerIdentity(aID))
	if err != nil {
		t.Fatalf("attach on b: %v", err)
	}
	return onA, onB
}

func TestPairingOverStreamLinks(t *testing.T) {
	testlog.Start(t)
	a := newHarness(t, "alpha")
	b := newHarness(t, "beta")
	betaOnA, alphaOnB := connect(t, a, "alpha", b, "beta")

	if err := betaOnA.RequestPairing(); err != nil {
		t.Fatalf("request: %v", err)
	}
	b.waitEvent(t, events.KindPairRequest)
	if alphaOnB.PairState() != pairing.RequestedByPeer {
		t.Fatalf("expected requested_by_peer on b, got %s", alphaOnB.PairState())
	}
	if err := alphaOnB.AcceptPairing(); err != nil {
		t.Fatalf("accept: %v", err)
	}
	a.waitEvent(t, events.KindPairSuccess)
	waitFor(t, "both sides paired", func() bool { return betaOnA.IsPaired() && alphaOnB.IsPaired() })

	if rec, ok, _ := a.store.Load("beta"); !ok || !rec.Paired {
		t.Fatalf("expected trust persisted on a, got %+v ok=%v", rec, ok)
	}
	waitFor(t, "modules loaded", func() bool { return len(betaOnA.Modules()) == 1 && len(alphaOnB.Modules()) == 1 })

	m, err := betaOnA.Module(ping.ID)
	if err != nil {
		t.Fatalf("module: %v", err)
	}
	if err := m.(*ping.Module).Send(context.Background(), "over the wire"); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if e := b.waitEvent(t, ping.EventPing); e.Data["message"] != "over the wire" {
		t.Fatalf("unexpected ping %+v", e)
	}

	betaOnA.Unpair()
	b.waitEvent(t, events.KindUnpaired)
	waitFor(t, "both sides unpaired", func() bool { return !betaOnA.IsPaired() && !alphaOnB.IsPaired() })
	if _, ok, _ := b.store.Load("alpha"); ok {
		t.Fatalf("expected trust record removed on b")
	}
	waitFor(t, "modules destroyed", func() bool { return len(alphaOnB.Modules()) == 0 })
}

func TestSymmetricPairingRequests(t *testing.T) {
	testlog.Start(t)
	a := newHarness(t, "alpha")
	b := newHarness(t, "beta")
	betaOnA, alphaOnB := connect(t, a, "alpha", b, "beta")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = betaOnA.RequestPairing() }()
	go func() { defer wg.Done(); _ = alphaOnB.RequestPairing() }()
	wg.Wait()

	waitFor(t, "symmetric pairing", func() bool { return betaOnA.IsPaired() && alphaOnB.IsPaired() })
}
