package protocol

import (
	"io"
	"reflect"
	"strings"
	"sync"
	"time"
)

// UnknownSize marks a payload whose length is not known up front.
const UnknownSize int64 = -1

// Payload describes the single binary stream a packet may carry.
type Payload struct {
	Size         int64
	TransferInfo Body
	Stream       io.ReadCloser
}

// Known reports whether the declared size is usable for progress math.
func (p *Payload) Known() bool {
	return p != nil && p.Size >= 0
}

// Close releases the stream. Receivers must drain or close every payload
// they are handed so the link can free the transfer slot.
func (p *Payload) Close() error {
	if p == nil || p.Stream == nil {
		return nil
	}
	return p.Stream.Close()
}

// Packet is a typed protocol message. The type tag never changes after
// construction; the body may only change until the packet is sealed by a
// link on send.
type Packet struct {
	mu      sync.RWMutex
	id      int64
	typ     string
	body    Body
	payload *Payload
	sealed  bool
}

// New builds an empty packet of the given type.
func New(typ string) *Packet {
	return &Packet{
		id:   time.Now().UnixMilli(),
		typ:  strings.TrimSpace(typ),
		body: Body{},
	}
}

// NewWithBody builds a packet and normalizes body into it.
func NewWithBody(typ string, body Body) (*Packet, error) {
	if strings.TrimSpace(typ) == "" {
		return nil, ErrEmptyType
	}
	p := New(typ)
	nb, err := body.normalized()
	if err != nil {
		return nil, err
	}
	p.body = nb
	return p, nil
}

func (p *Packet) ID() int64 {
	return p.id
}

func (p *Packet) Type() string {
	return p.typ
}

// Body returns a deep copy of the body.
func (p *Packet) Body() Body {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.body.Clone()
}

// Set stores one normalized value. It fails once the packet is sealed.
func (p *Packet) Set(key string, v any) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	nv, err := Normalize(v)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sealed {
		return ErrPacketSealed
	}
	p.body[key] = nv
	return nil
}

// MustSet is Set for packet builders whose values are statically valid.
func (p *Packet) MustSet(key string, v any) *Packet {
	if err := p.Set(key, v); err != nil {
		panic(err)
	}
	return p
}

func (p *Packet) Get(key string) (any, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.body[key]
	return v, ok
}

func (p *Packet) Has(key string) bool {
	_, ok := p.Get(key)
	return ok
}

func (p *Packet) Bool(key string, def bool) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.body.Bool(key, def)
}

func (p *Packet) Int(key string, def int64) int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.body.Int(key, def)
}

func (p *Packet) Float(key string, def float64) float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.body.Float(key, def)
}

func (p *Packet) String(key string, def string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.body.String(key, def)
}

func (p *Packet) StringList(key string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.body.StringList(key)
}

func (p *Packet) Payload() *Payload {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.payload
}

func (p *Packet) HasPayload() bool {
	return p.Payload() != nil
}

// SetPayload attaches the packet's one payload.
func (p *Packet) SetPayload(pl *Payload) error {
	if pl != nil && pl.TransferInfo != nil {
		info, err := pl.TransferInfo.normalized()
		if err != nil {
			return err
		}
		pl.TransferInfo = info
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sealed {
		return ErrPacketSealed
	}
	if p.payload != nil {
		return ErrPayloadAttached
	}
	p.payload = pl
	return nil
}

// Seal freezes the body; links call it before serializing.
func (p *Packet) Seal() {
	p.mu.Lock()
	p.sealed = true
	p.mu.Unlock()
}

func (p *Packet) Sealed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sealed
}

// Equal compares type, body and payload descriptor. Ids and streams are
// ignored.
func (p *Packet) Equal(o *Packet) bool {
	if p == nil || o == nil {
		return p == o
	}
	if p.typ != o.typ {
		return false
	}
	if !reflect.DeepEqual(p.Body(), o.Body()) {
		return false
	}
	pp, op := p.Payload(), o.Payload()
	if (pp == nil) != (op == nil) {
		return false
	}
	if pp == nil {
		return true
	}
	if pp.Size != op.Size {
		return false
	}
	return reflect.DeepEqual(pp.TransferInfo.Clone(), op.TransferInfo.Clone())
}
