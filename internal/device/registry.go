package device

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/edgelink/internal/capability"
	"github.com/danmuck/edgelink/internal/events"
	"github.com/danmuck/edgelink/internal/link"
	logs "github.com/danmuck/edgelink/internal/logging"
	"github.com/danmuck/edgelink/internal/protocol"
	"github.com/danmuck/edgelink/internal/trust"
)

var ErrSelfLink = errors.New("device: link to self")

// Registry owns every known Device. It is created by the daemon and
// passed to whoever needs lookups.
type Registry struct {
	localID   string
	cfg       Config
	factories *capability.Registry
	store     trust.Store
	bus       *events.Bus

	mu      sync.RWMutex
	devices map[string]*Device
	closed  bool
}

func NewRegistry(localID string, cfg Config, factories *capability.Registry, store trust.Store, bus *events.Bus) *Registry {
	return &Registry{
		localID:   localID,
		cfg:       cfg,
		factories: factories,
		store:     store,
		bus:       bus,
		devices:   make(map[string]*Device),
	}
}

// Load materializes every trusted device so paired peers are listed while
// unreachable.
func (r *Registry) Load() error {
	recs, err := r.store.List()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range recs {
		if _, ok := r.devices[rec.DeviceID]; ok {
			continue
		}
		r.devices[rec.DeviceID] = newDevice(rec.DeviceID, rec, true, r.cfg, r.factories, r.store, r.bus)
	}
	logs.Infof("device.Registry.Load trusted=%d", len(recs))
	return nil
}

func (r *Registry) Get(id string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	return d, ok
}

// Lookup is Get with an error for callers that report it.
func (r *Registry) Lookup(id string) (*Device, error) {
	d, ok := r.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	return d, nil
}

func (r *Registry) getOrCreate(id string) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, link.ErrClosed
	}
	if d, ok := r.devices[id]; ok {
		return d, nil
	}
	rec, found, err := r.store.Load(id)
	if err != nil {
		return nil, err
	}
	d := newDevice(id, rec, found, r.cfg, r.factories, r.store, r.bus)
	r.devices[id] = d
	return d, nil
}

// AttachLink hands an established link to the device it identifies,
// creating the device on first contact. The link is closed on rejection.
func (r *Registry) AttachLink(l link.Link, peer protocol.Identity) (*Device, error) {
	id := strings.TrimSpace(peer.DeviceID)
	if id == "" || id == r.localID {
		_ = l.Close()
		return nil, ErrSelfLink
	}
	d, err := r.getOrCreate(id)
	if err != nil {
		_ = l.Close()
		return nil, err
	}
	if err := d.AddLink(l, peer); err != nil {
		_ = l.Close()
		return nil, err
	}
	return d, nil
}

// List returns devices ordered by id.
func (r *Registry) List() []*Device {
	r.mu.RLock()
	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Remove closes and forgets a device; its trust record stays unless the
// device was unpaired first.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	d, ok := r.devices[id]
	delete(r.devices, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	d.Close()
	return nil
}

func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	devices := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		devices = append(devices, d)
	}
	r.mu.Unlock()
	for _, d := range devices {
		d.Close()
	}
}
