package capability

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrFactoryExists   = errors.New("capability: factory already exists")
	ErrFactoryNil      = errors.New("capability: factory constructor is nil")
	ErrInvalidMetadata = errors.New("capability: invalid metadata")
)

// Registry stores module factories by stable identifier.
type Registry struct {
	mu    sync.RWMutex
	items map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{items: make(map[string]Factory)}
}

// ValidateMetadata checks required metadata fields and id format.
func ValidateMetadata(meta Metadata) error {
	id := strings.TrimSpace(meta.ID)
	name := strings.TrimSpace(meta.Name)
	desc := strings.TrimSpace(meta.Description)
	if id == "" || name == "" || desc == "" {
		return fmt.Errorf("%w: id, name, and description are required", ErrInvalidMetadata)
	}
	if !isValidID(id) {
		return fmt.Errorf("%w: invalid id format %q", ErrInvalidMetadata, id)
	}
	return nil
}

func (r *Registry) Register(f Factory) error {
	if f.New == nil {
		return ErrFactoryNil
	}
	if err := ValidateMetadata(f.Metadata); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[f.Metadata.ID]; ok {
		return ErrFactoryExists
	}
	r.items[f.Metadata.ID] = f
	return nil
}

func (r *Registry) Resolve(id string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.items[id]
	return f, ok
}

// List returns factories ordered by id.
func (r *Registry) List() []Factory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]Factory, 0, len(r.items))
	for _, f := range r.items {
		list = append(list, f)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Metadata.ID < list[j].Metadata.ID
	})
	return list
}

// Capabilities returns the union of declared types for the local identity
// packet.
func (r *Registry) Capabilities() (incoming []string, outgoing []string) {
	in := map[string]struct{}{}
	out := map[string]struct{}{}
	for _, f := range r.List() {
		for _, t := range f.Incoming {
			in[t] = struct{}{}
		}
		for _, t := range f.Outgoing {
			out[t] = struct{}{}
		}
	}
	return sortedKeys(in), sortedKeys(out)
}

// Negotiate selects the factories useful against a peer: those that can
// consume something the peer sends or send something the peer consumes.
func (r *Registry) Negotiate(peerIncoming, peerOutgoing []string) []Factory {
	pin := toSet(peerIncoming)
	pout := toSet(peerOutgoing)
	var out []Factory
	for _, f := range r.List() {
		if intersects(f.Incoming, pout) || intersects(f.Outgoing, pin) {
			out = append(out, f)
		}
	}
	return out
}

func toSet(list []string) map[string]struct{} {
	set := make(map[string]struct{}, len(list))
	for _, v := range list {
		set[v] = struct{}{}
	}
	return set
}

func intersects(list []string, set map[string]struct{}) bool {
	for _, v := range list {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func isValidID(id string) bool {
	if id == "" {
		return false
	}
	lastSep := false
	for i := 0; i < len(id); i++ {
		c := id[i]
		isLower := c >= 'a' && c <= 'z'
		isDigit := c >= '0' && c <= '9'
		isSep := c == '.' || c == '-' || c == '_'
		if !(isLower || isDigit || isSep) {
			return false
		}
		if i == 0 || i == len(id)-1 {
			if isSep {
				return false
			}
		}
		if isSep && lastSep {
			return false
		}
		lastSep = isSep
	}
	return true
}
