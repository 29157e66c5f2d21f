// Package ping implements the ping capability: a peer can poke this device
// with an optional message and vice versa.
package ping

import (
	"context"

	"github.com/danmuck/edgelink/internal/capability"
	logs "github.com/danmuck/edgelink/internal/logging"
	"github.com/danmuck/edgelink/internal/protocol"
)

const (
	ID         = "ping"
	KeyMessage = "message"
	EventPing  = "ping.received"
)

var meta = capability.Metadata{
	ID:          ID,
	Name:        "Ping",
	Description: "Send and receive pings",
}

var types = []string{protocol.TypePing}

func Factory() capability.Factory {
	return capability.Factory{
		Metadata: meta,
		Incoming: types,
		Outgoing: types,
		New:      func(h capability.Host) capability.Module { return &Module{host: h} },
	}
}

type Module struct {
	host capability.Host
}

func (m *Module) Metadata() capability.Metadata  { return meta }
func (m *Module) SupportedPacketTypes() []string { return types }
func (m *Module) OutgoingPacketTypes() []string  { return types }
func (m *Module) OnCreate() error                { return nil }
func (m *Module) OnDestroy()                     {}

func (m *Module) OnPacketReceived(p *protocol.Packet) bool {
	msg := p.String(KeyMessage, "")
	logs.Infof("ping.Module.OnPacketReceived device=%s message=%q", m.host.DeviceID(), msg)
	m.host.Publish(EventPing, map[string]any{"message": msg})
	return true
}

// Send pings the peer; an empty message sends a bare ping.
func (m *Module) Send(ctx context.Context, message string) error {
	p := protocol.New(protocol.TypePing)
	if message != "" {
		p.MustSet(KeyMessage, message)
	}
	return m.host.Send(ctx, p)
}
