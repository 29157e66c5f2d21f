// Package battery mirrors the peer's battery state and answers the peer's
// status requests from an optional local provider.
package battery

import (
	"context"
	"sync"
	"time"

	"github.com/danmuck/edgelink/internal/capability"
	logs "github.com/danmuck/edgelink/internal/logging"
	"github.com/danmuck/edgelink/internal/protocol"
)

const (
	ID = "battery"

	KeyCurrentCharge  = "currentCharge"
	KeyIsCharging     = "isCharging"
	KeyThresholdEvent = "thresholdEvent"
	KeyRequest        = "request"

	EventStatus = "battery.status"

	ThresholdNone  = 0
	ThresholdLow   = 1
	requestTimeout = 5 * time.Second
	unknownCharge  = -1
)

var meta = capability.Metadata{
	ID:          ID,
	Name:        "Battery",
	Description: "Show the peer battery level and report ours",
}

var (
	incoming = []string{protocol.TypeBattery, protocol.TypeBatteryRequest}
	outgoing = []string{protocol.TypeBattery, protocol.TypeBatteryRequest}
)

// Status is one battery report.
type Status struct {
	Charge         int64     `json:"charge"`
	Charging       bool      `json:"charging"`
	ThresholdEvent int64     `json:"threshold_event"`
	Updated        time.Time `json:"updated"`
}

func (s Status) Low() bool { return s.ThresholdEvent == ThresholdLow }

// Provider reports local battery state; ok=false means no battery.
type Provider func() (Status, bool)

func Factory(provider Provider) capability.Factory {
	return capability.Factory{
		Metadata: meta,
		Incoming: incoming,
		Outgoing: outgoing,
		New: func(h capability.Host) capability.Module {
			return &Module{host: h, provider: provider}
		},
	}
}

type Module struct {
	host     capability.Host
	provider Provider

	mu     sync.RWMutex
	status Status
	known  bool
}

func (m *Module) Metadata() capability.Metadata  { return meta }
func (m *Module) SupportedPacketTypes() []string { return incoming }
func (m *Module) OutgoingPacketTypes() []string  { return outgoing }
func (m *Module) OnDestroy()                     {}

// OnCreate asks the peer for its current state without blocking the caller.
func (m *Module) OnCreate() error {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if err := m.Request(ctx); err != nil {
			logs.Debugf("battery.Module.OnCreate device=%s request err=%v", m.host.DeviceID(), err)
		}
	}()
	return nil
}

func (m *Module) OnPacketReceived(p *protocol.Packet) bool {
	switch p.Type() {
	case protocol.TypeBatteryRequest:
		if !p.Bool(KeyRequest, false) {
			return false
		}
		m.answer()
		return true
	case protocol.TypeBattery:
		st := Status{
			Charge:         p.Int(KeyCurrentCharge, unknownCharge),
			Charging:       p.Bool(KeyIsCharging, false),
			ThresholdEvent: p.Int(KeyThresholdEvent, ThresholdNone),
			Updated:        time.Now(),
		}
		m.mu.Lock()
		m.status = st
		m.known = true
		m.mu.Unlock()
		m.host.Publish(EventStatus, map[string]any{
			"charge":   st.Charge,
			"charging": st.Charging,
			"low":      st.Low(),
		})
		return true
	}
	return false
}

// answer replies off the dispatch goroutine.
func (m *Module) answer() {
	if m.provider == nil {
		return
	}
	st, ok := m.provider()
	if !ok {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if err := m.host.Send(ctx, StatusPacket(st)); err != nil {
			logs.Warnf("battery.Module.answer device=%s err=%v", m.host.DeviceID(), err)
		}
	}()
}

// Status returns the last report received from the peer.
func (m *Module) Status() (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, m.known
}

func (m *Module) Request(ctx context.Context) error {
	return m.host.Send(ctx, protocol.New(protocol.TypeBatteryRequest).MustSet(KeyRequest, true))
}

func StatusPacket(st Status) *protocol.Packet {
	return protocol.New(protocol.TypeBattery).
		MustSet(KeyCurrentCharge, st.Charge).
		MustSet(KeyIsCharging, st.Charging).
		MustSet(KeyThresholdEvent, st.ThresholdEvent)
}
