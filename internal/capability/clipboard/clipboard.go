// Package clipboard keeps the local clipboard and the peer's in sync.
//
// A plain clipboard packet always wins. The connect packet sent on link
// establishment carries a timestamp and only applies when it is newer
// than what we already hold, so reconnects do not clobber fresh content.
package clipboard

import (
	"context"
	"sync"
	"time"

	"github.com/danmuck/edgelink/internal/capability"
	logs "github.com/danmuck/edgelink/internal/logging"
	"github.com/danmuck/edgelink/internal/protocol"
)

const (
	ID = "clipboard"

	KeyContent   = "content"
	KeyTimestamp = "timestamp"

	EventChanged = "clipboard.changed"

	connectTimeout = 5 * time.Second
)

var meta = capability.Metadata{
	ID:          ID,
	Name:        "Clipboard",
	Description: "Share clipboard content with the peer",
}

var types = []string{protocol.TypeClipboard, protocol.TypeClipboardConnect}

// Store is the local clipboard. Timestamps are unix milliseconds.
type Store interface {
	Get() (content string, timestamp int64)
	Set(content string, timestamp int64)
}

// MemoryStore is a Store without a desktop clipboard behind it.
type MemoryStore struct {
	mu        sync.Mutex
	content   string
	timestamp int64
}

func (s *MemoryStore) Get() (string, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.content, s.timestamp
}

func (s *MemoryStore) Set(content string, timestamp int64) {
	s.mu.Lock()
	s.content = content
	s.timestamp = timestamp
	s.mu.Unlock()
}

// Factory shares store across every device so content flows between all
// paired peers.
func Factory(store Store) capability.Factory {
	return capability.Factory{
		Metadata: meta,
		Incoming: types,
		Outgoing: types,
		New: func(h capability.Host) capability.Module {
			return &Module{host: h, store: store}
		},
	}
}

type Module struct {
	host  capability.Host
	store Store
}

func (m *Module) Metadata() capability.Metadata  { return meta }
func (m *Module) SupportedPacketTypes() []string { return types }
func (m *Module) OutgoingPacketTypes() []string  { return types }
func (m *Module) OnDestroy()                     {}

func (m *Module) OnCreate() error {
	content, ts := m.store.Get()
	if content == "" {
		return nil
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		p := protocol.New(protocol.TypeClipboardConnect).
			MustSet(KeyContent, content).
			MustSet(KeyTimestamp, ts)
		if err := m.host.Send(ctx, p); err != nil {
			logs.Debugf("clipboard.Module.OnCreate device=%s err=%v", m.host.DeviceID(), err)
		}
	}()
	return nil
}

func (m *Module) OnPacketReceived(p *protocol.Packet) bool {
	content := p.String(KeyContent, "")
	switch p.Type() {
	case protocol.TypeClipboard:
		m.apply(content, time.Now().UnixMilli())
		return true
	case protocol.TypeClipboardConnect:
		ts := p.Int(KeyTimestamp, 0)
		_, local := m.store.Get()
		if ts == 0 || ts <= local {
			logs.Debugf("clipboard.Module.OnPacketReceived device=%s stale connect ts=%d local=%d", m.host.DeviceID(), ts, local)
			return false
		}
		m.apply(content, ts)
		return true
	}
	return false
}

func (m *Module) apply(content string, ts int64) {
	m.store.Set(content, ts)
	m.host.Publish(EventChanged, map[string]any{"length": len(content)})
}

// Push records content locally and sends it to the peer.
func (m *Module) Push(ctx context.Context, content string) error {
	m.store.Set(content, time.Now().UnixMilli())
	return m.host.Send(ctx, protocol.New(protocol.TypeClipboard).MustSet(KeyContent, content))
}
