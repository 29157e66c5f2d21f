package capability

import (
	"context"

	"github.com/danmuck/edgelink/internal/protocol"
)

// Metadata is the contract for module identity and display data.
type Metadata struct {
	ID          string
	Name        string
	Description string
}

// Host is the device as seen from one module. Send only accepts packet
// types the module declared as outgoing.
type Host interface {
	DeviceID() string
	DeviceName() string
	Send(ctx context.Context, p *protocol.Packet) error
	Publish(kind string, data map[string]any)
}

// Module is one live capability bound to a reachable, paired device.
// OnPacketReceived runs on the link's receive goroutine and must not
// block on I/O; anything heavier goes to the job scheduler.
type Module interface {
	Metadata() Metadata
	SupportedPacketTypes() []string
	OutgoingPacketTypes() []string
	OnPacketReceived(p *protocol.Packet) bool
	OnCreate() error
	OnDestroy()
}

// Factory builds a module instance for one device. Modules load only for
// paired devices unless AllowUnpaired is set.
type Factory struct {
	Metadata      Metadata
	Incoming      []string
	Outgoing      []string
	AllowUnpaired bool
	New           func(Host) Module
}
