package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/edgelink/internal/capability"
	"github.com/danmuck/edgelink/internal/events"
	"github.com/danmuck/edgelink/internal/link"
	logs "github.com/danmuck/edgelink/internal/logging"
	"github.com/danmuck/edgelink/internal/observability"
	"github.com/danmuck/edgelink/internal/pairing"
	"github.com/danmuck/edgelink/internal/protocol"
	"github.com/danmuck/edgelink/internal/trust"
)

var (
	ErrNoLink              = errors.New("device: no link")
	ErrNotPaired           = errors.New("device: not paired")
	ErrIdentityMismatch    = errors.New("device: link belongs to another device")
	ErrFingerprintMismatch = errors.New("device: certificate does not match pinned fingerprint")
	ErrUnknownDevice       = errors.New("device: unknown device")
	ErrUnknownModule       = errors.New("device: module not loaded")
)

type Config struct {
	Pairing pairing.Config
	// SendTimeout bounds pair packet sends made by the state machine.
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

type linkEntry struct {
	link  link.Link
	seq   uint64
	added time.Time
}

// LinkInfo describes one live link.
type LinkInfo struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	Priority    int       `json:"priority"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Added       time.Time `json:"added"`
}

// Info is a point-in-time view of a device for the admin API.
type Info struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Type        string     `json:"type"`
	Reachable   bool       `json:"reachable"`
	Paired      bool       `json:"paired"`
	PairState   string     `json:"pair_state"`
	Fingerprint string     `json:"fingerprint,omitempty"`
	Links       []LinkInfo `json:"links"`
	Modules     []string   `json:"modules"`
}

// Device is one logical peer. It owns its links, its pairing state machine
// and its live modules; the Registry owns the Device.
type Device struct {
	id        string
	cfg       Config
	factories *capability.Registry
	store     trust.Store
	bus       *events.Bus
	router    *capability.Router
	pairing   *pairing.StateMachine

	mu          sync.RWMutex
	peer        protocol.Identity
	fingerprint string
	links       []linkEntry
	seq         uint64
	closed      bool

	// modMu serializes module rebuilds.
	modMu sync.Mutex
}

// newDevice restores trust state from rec when found.
func newDevice(id string, rec trust.Record, found bool, cfg Config, factories *capability.Registry, store trust.Store, bus *events.Bus) *Device {
	cfg = cfg.withDefaults()
	d := &Device{
		id:        id,
		cfg:       cfg,
		factories: factories,
		store:     store,
		bus:       bus,
		router:    capability.NewRouter(),
		peer:      protocol.Identity{DeviceID: id, DeviceName: rec.Name},
	}
	paired := found && rec.Paired
	if paired {
		d.fingerprint = rec.Fingerprint
	}
	d.pairing = pairing.New(id, cfg.Pairing, paired, d.sendPair, d.persist)
	d.pairing.AddListener(&pairListener{d: d})
	return d
}

func (d *Device) ID() string { return d.id }

func (d *Device) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.peer.DeviceName
}

func (d *Device) Identity() protocol.Identity {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.peer
}

func (d *Device) Fingerprint() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.fingerprint
}

func (d *Device) IsReachable() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.links) > 0
}

func (d *Device) IsPaired() bool                 { return d.pairing.IsPaired() }
func (d *Device) PairState() pairing.State       { return d.pairing.State() }
func (d *Device) Pairing() *pairing.StateMachine { return d.pairing }

func (d *Device) AddPairingListener(l pairing.Listener) { d.pairing.AddListener(l) }

func (d *Device) RequestPairing() error { return d.pairing.RequestPairing() }
func (d *Device) AcceptPairing() error  { return d.pairing.AcceptPairing() }
func (d *Device) RejectPairing() error  { return d.pairing.RejectPairing() }
func (d *Device) CancelPairing()        { d.pairing.CancelPairing() }
func (d *Device) Unpair()               { d.pairing.Unpair() }

// AddLink attaches an established link. A paired device with a pinned
// fingerprint only accepts links presenting that same certificate.
func (d *Device) AddLink(l link.Link, peer protocol.Identity) error {
	if peer.DeviceID != d.id {
		return fmt.Errorf("%w: got %s want %s", ErrIdentityMismatch, peer.DeviceID, d.id)
	}
	fp := l.PeerFingerprint()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return link.ErrClosed
	}
	if d.pairing.IsPaired() && d.fingerprint != "" && fp != d.fingerprint {
		d.mu.Unlock()
		logs.Warnf("device.Device.AddLink device=%s rejected fingerprint=%q pinned=%q", d.id, fp, d.fingerprint)
		return ErrFingerprintMismatch
	}
	d.peer = peer
	d.seq++
	d.links = append(d.links, linkEntry{link: l, seq: d.seq, added: time.Now()})
	first := len(d.links) == 1
	d.mu.Unlock()

	observability.LinkOpened(l.Kind())
	l.SetReceiver(d.Receive)
	go func() {
		<-l.Done()
		d.RemoveLink(l)
	}()

	logs.Infof("device.Device.AddLink device=%s link=%s kind=%s first=%v", d.id, l.ID(), l.Kind(), first)
	if first {
		d.publish(events.KindDeviceReachable, map[string]any{"name": peer.DeviceName})
	}
	d.reloadModules()
	return nil
}

// RemoveLink detaches l. The last link going away destroys the modules;
// pairing state is kept.
func (d *Device) RemoveLink(l link.Link) {
	d.mu.Lock()
	idx := -1
	for i, e := range d.links {
		if e.link == l {
			idx = i
			break
		}
	}
	if idx < 0 {
		d.mu.Unlock()
		return
	}
	d.links = append(d.links[:idx], d.links[idx+1:]...)
	last := len(d.links) == 0
	d.mu.Unlock()

	_ = l.Close()
	observability.LinkClosed(l.Kind())
	logs.Infof("device.Device.RemoveLink device=%s link=%s last=%v", d.id, l.ID(), last)
	if last {
		d.reloadModules()
		d.publish(events.KindDeviceUnreachable, nil)
	}
}

// Links lists live links, best first.
func (d *Device) Links() []LinkInfo {
	d.mu.RLock()
	entries := d.sortedLinksLocked()
	d.mu.RUnlock()
	out := make([]LinkInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, LinkInfo{
			ID:          e.link.ID(),
			Kind:        e.link.Kind(),
			Priority:    e.link.Priority(),
			Fingerprint: e.link.PeerFingerprint(),
			Added:       e.added,
		})
	}
	return out
}

// sortedLinksLocked orders by priority, newest first on ties.
func (d *Device) sortedLinksLocked() []linkEntry {
	out := append([]linkEntry(nil), d.links...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].link.Priority() != out[j].link.Priority() {
			return out[i].link.Priority() > out[j].link.Priority()
		}
		return out[i].seq > out[j].seq
	})
	return out
}

func (d *Device) bestLink() (link.Link, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.links) == 0 {
		return nil, false
	}
	return d.sortedLinksLocked()[0].link, true
}

// Send writes p through the single best link. Only pair packets may leave
// an unpaired device.
func (d *Device) Send(ctx context.Context, p *protocol.Packet) error {
	if p.Type() != protocol.TypePair && !d.pairing.IsPaired() {
		_ = p.Payload().Close()
		return ErrNotPaired
	}
	l, ok := d.bestLink()
	if !ok {
		_ = p.Payload().Close()
		return ErrNoLink
	}
	if err := l.SendPacket(ctx, p); err != nil {
		logs.Warnf("device.Device.Send device=%s link=%s type=%s err=%v", d.id, l.ID(), p.Type(), err)
		if errors.Is(err, link.ErrClosed) {
			d.RemoveLink(l)
		}
		return err
	}
	observability.RecordPacket("out", p.Type())
	return nil
}

// Receive is installed as every link's receiver. It never fails; bad or
// unwanted packets are dropped with a diagnostic.
func (d *Device) Receive(p *protocol.Packet) {
	observability.RecordPacket("in", p.Type())
	if p.Type() == protocol.TypePair {
		d.pairing.OnPacketReceived(p)
		return
	}
	if err := protocol.Validate(p); err != nil {
		d.drop(p, "invalid", err)
		return
	}
	if !d.pairing.IsPaired() {
		d.drop(p, "unpaired", nil)
		return
	}
	delivered, consumed := d.router.Dispatch(p)
	if delivered == 0 {
		d.drop(p, "unhandled", nil)
		return
	}
	logs.Debugf("device.Device.Receive device=%s type=%s delivered=%d consumed=%v", d.id, p.Type(), delivered, consumed)
}

func (d *Device) drop(p *protocol.Packet, reason string, err error) {
	_ = p.Payload().Close()
	observability.RecordDrop(p.Type(), reason)
	logs.Debugf("device.Device.drop device=%s type=%s reason=%s err=%v", d.id, p.Type(), reason, err)
	d.publish(events.KindPacketDropped, map[string]any{"type": p.Type(), "reason": reason})
}

// Modules lists loaded module ids.
func (d *Device) Modules() []string {
	meta := d.router.Metadata()
	out := make([]string, 0, len(meta))
	for _, m := range meta {
		out = append(out, m.ID)
	}
	return out
}

func (d *Device) Module(id string) (capability.Module, error) {
	m, ok := d.router.Module(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModule, id)
	}
	return m, nil
}

// reloadModules converges the loaded module set on what reachability,
// pairing and the peer's declared capabilities allow.
func (d *Device) reloadModules() {
	d.modMu.Lock()
	defer d.modMu.Unlock()

	d.mu.RLock()
	reachable := len(d.links) > 0 && !d.closed
	peer := d.peer
	d.mu.RUnlock()
	paired := d.pairing.IsPaired()

	wanted := map[string]capability.Factory{}
	if reachable {
		for _, f := range d.factories.Negotiate(peer.IncomingCapabilities, peer.OutgoingCapabilities) {
			if paired || f.AllowUnpaired {
				wanted[f.Metadata.ID] = f
			}
		}
	}

	if len(wanted) == 0 {
		for _, m := range d.router.Clear() {
			m.OnDestroy()
			logs.Debugf("device.Device.reloadModules device=%s destroyed=%s", d.id, m.Metadata().ID)
		}
		return
	}
	for _, meta := range d.router.Metadata() {
		if _, keep := wanted[meta.ID]; keep {
			continue
		}
		if m, ok := d.router.Remove(meta.ID); ok {
			m.OnDestroy()
			logs.Debugf("device.Device.reloadModules device=%s destroyed=%s", d.id, meta.ID)
		}
	}

	ids := make([]string, 0, len(wanted))
	for id := range wanted {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if _, loaded := d.router.Module(id); loaded {
			continue
		}
		f := wanted[id]
		m := f.New(&moduleHost{d: d, moduleID: id})
		if err := d.router.Add(m); err != nil {
			logs.Warnf("device.Device.reloadModules device=%s module=%s err=%v", d.id, id, err)
			continue
		}
		if err := m.OnCreate(); err != nil {
			d.router.Remove(id)
			logs.Warnf("device.Device.reloadModules device=%s module=%s create err=%v", d.id, id, err)
			continue
		}
		logs.Debugf("device.Device.reloadModules device=%s created=%s", d.id, id)
	}
}

func (d *Device) Info() Info {
	d.mu.RLock()
	name, typ, fp := d.peer.DeviceName, d.peer.DeviceType, d.fingerprint
	reachable := len(d.links) > 0
	d.mu.RUnlock()
	state := d.pairing.State()
	return Info{
		ID:          d.id,
		Name:        name,
		Type:        typ,
		Reachable:   reachable,
		Paired:      state == pairing.Paired,
		PairState:   state.String(),
		Fingerprint: fp,
		Links:       d.Links(),
		Modules:     d.Modules(),
	}
}

// Close drops every link and module and stops pairing timers.
func (d *Device) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	entries := append([]linkEntry(nil), d.links...)
	d.mu.Unlock()

	for _, e := range entries {
		d.RemoveLink(e.link)
	}
	d.reloadModules()
	d.pairing.Close()
}

func (d *Device) sendPair(pair bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SendTimeout)
	defer cancel()
	return d.Send(ctx, pairing.PairPacket(pair))
}

// persist pins the best link's certificate on pairing and forgets it on
// unpairing.
func (d *Device) persist(paired bool) {
	if !paired {
		d.mu.Lock()
		d.fingerprint = ""
		d.mu.Unlock()
		if err := d.store.Delete(d.id); err != nil {
			logs.Errf("device.Device.persist device=%s delete err=%v", d.id, err)
		}
		return
	}
	fp := ""
	if l, ok := d.bestLink(); ok {
		fp = l.PeerFingerprint()
	}
	d.mu.Lock()
	d.fingerprint = fp
	name := d.peer.DeviceName
	d.mu.Unlock()
	rec := trust.Record{DeviceID: d.id, Name: name, Fingerprint: fp, Paired: true}
	if err := d.store.Save(rec); err != nil {
		logs.Errf("device.Device.persist device=%s save err=%v", d.id, err)
	}
}

func (d *Device) publish(kind string, data map[string]any) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(events.Event{Kind: kind, DeviceID: d.id, Data: data})
}

// pairListener reacts to pairing outcomes: events out, modules in or out.
type pairListener struct {
	d *Device
}

func (l *pairListener) IncomingPairRequest() {
	l.d.publish(events.KindPairRequest, map[string]any{"name": l.d.Name()})
}

func (l *pairListener) PairingSuccessful() {
	l.d.publish(events.KindPairSuccess, nil)
	l.d.reloadModules()
}

func (l *pairListener) PairingFailed(reason string) {
	l.d.publish(events.KindPairFailed, map[string]any{"reason": reason})
}

func (l *pairListener) Unpaired() {
	l.d.publish(events.KindUnpaired, nil)
	l.d.reloadModules()
}

// moduleHost is a Device narrowed to one module's declared outgoing types.
type moduleHost struct {
	d        *Device
	moduleID string
}

func (h *moduleHost) DeviceID() string   { return h.d.id }
func (h *moduleHost) DeviceName() string { return h.d.Name() }

func (h *moduleHost) Send(ctx context.Context, p *protocol.Packet) error {
	if err := h.d.router.CheckOutgoing(h.moduleID, p.Type()); err != nil {
		_ = p.Payload().Close()
		logs.Warnf("device.moduleHost.Send device=%s module=%s err=%v", h.d.id, h.moduleID, err)
		return err
	}
	return h.d.Send(ctx, p)
}

func (h *moduleHost) Publish(kind string, data map[string]any) {
	h.d.publish(kind, data)
}
