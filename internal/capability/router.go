package capability

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	logs "github.com/danmuck/edgelink/internal/logging"
	"github.com/danmuck/edgelink/internal/protocol"
)

var (
	ErrModuleExists       = errors.New("capability: module already routed")
	ErrUndeclaredOutgoing = errors.New("capability: packet type not declared as outgoing")
)

// Router maps packet types to live modules of one device. Several modules
// may share a type; each gets every matching packet.
type Router struct {
	mu       sync.RWMutex
	modules  map[string]Module
	byType   map[string][]string
	outgoing map[string]map[string]struct{}
}

func NewRouter() *Router {
	return &Router{
		modules:  make(map[string]Module),
		byType:   make(map[string][]string),
		outgoing: make(map[string]map[string]struct{}),
	}
}

func (r *Router) Add(m Module) error {
	id := m.Metadata().ID
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.modules[id]; ok {
		return fmt.Errorf("%w: %s", ErrModuleExists, id)
	}
	r.modules[id] = m
	for _, t := range m.SupportedPacketTypes() {
		ids := append(r.byType[t], id)
		sort.Strings(ids)
		r.byType[t] = ids
	}
	r.outgoing[id] = toSet(m.OutgoingPacketTypes())
	return nil
}

func (r *Router) Remove(id string) (Module, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.modules[id]
	if !ok {
		return nil, false
	}
	r.removeLocked(id, m)
	return m, true
}

func (r *Router) removeLocked(id string, m Module) {
	delete(r.modules, id)
	delete(r.outgoing, id)
	for _, t := range m.SupportedPacketTypes() {
		ids := r.byType[t]
		kept := ids[:0]
		for _, v := range ids {
			if v != id {
				kept = append(kept, v)
			}
		}
		if len(kept) == 0 {
			delete(r.byType, t)
		} else {
			r.byType[t] = kept
		}
	}
}

// Clear removes every module and returns them ordered by id.
func (r *Router) Clear() []Module {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.modules))
	for id := range r.modules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Module, 0, len(ids))
	for _, id := range ids {
		m := r.modules[id]
		r.removeLocked(id, m)
		out = append(out, m)
	}
	return out
}

func (r *Router) Module(id string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[id]
	return m, ok
}

func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.modules)
}

// Metadata lists routed modules ordered by id.
func (r *Router) Metadata() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Metadata, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, m.Metadata())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Dispatch hands p to every module subscribed to its type. It reports how
// many modules saw the packet and whether any claimed it; both are for
// diagnostics only.
func (r *Router) Dispatch(p *protocol.Packet) (delivered int, consumed bool) {
	r.mu.RLock()
	ids := r.byType[p.Type()]
	targets := make([]Module, 0, len(ids))
	for _, id := range ids {
		targets = append(targets, r.modules[id])
	}
	r.mu.RUnlock()

	for _, m := range targets {
		if m.OnPacketReceived(p) {
			consumed = true
		}
		delivered++
	}
	if delivered > 0 && !consumed {
		logs.Debugf("capability.Router.Dispatch type=%s delivered=%d unclaimed", p.Type(), delivered)
	}
	return delivered, consumed
}

// CheckOutgoing verifies a module declared typ before it may send it.
func (r *Router) CheckOutgoing(moduleID, typ string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	allowed, ok := r.outgoing[moduleID]
	if !ok {
		return fmt.Errorf("%w: module %s not routed", ErrUndeclaredOutgoing, moduleID)
	}
	if _, ok := allowed[typ]; !ok {
		return fmt.Errorf("%w: module=%s type=%s", ErrUndeclaredOutgoing, moduleID, typ)
	}
	return nil
}
