package link

import (
	"context"
	"errors"

	"github.com/danmuck/edgelink/internal/protocol"
)

// Link priorities. Devices send through the highest one available.
const (
	PriorityPlain = 10
	PriorityTLS   = 20
)

var (
	ErrClosed           = errors.New("link: closed")
	ErrTooManyPayloads  = errors.New("link: too many open payloads")
	ErrPayloadCorrupt   = errors.New("link: payload stream corrupt")
	ErrPayloadAborted   = errors.New("link: payload aborted by peer")
	ErrPayloadSpill     = errors.New("link: payload spill failed")
	ErrIdentityMismatch = errors.New("link: certificate does not match identity")
	ErrHandshake        = errors.New("link: handshake failed")
)

// Link is one transport connection to a peer.
type Link interface {
	ID() string
	Kind() string
	Priority() int
	PeerFingerprint() string
	// SendPacket seals p and writes it, streaming its payload before
	// returning. ctx is checked between payload chunks.
	SendPacket(ctx context.Context, p *protocol.Packet) error
	// SetReceiver installs the packet callback and starts delivery. It is
	// called on the link's read goroutine; payload streams must be consumed
	// elsewhere.
	SetReceiver(fn func(*protocol.Packet))
	Close() error
	Done() <-chan struct{}
}
