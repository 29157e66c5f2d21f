// Package hosttest provides a recording capability host for module tests.
package hosttest

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/danmuck/edgelink/internal/protocol"
)

type Event struct {
	Kind string
	Data map[string]any
}

// Host records every packet sent and event published. Payload streams are
// drained on Send, like a link would.
type Host struct {
	ID   string
	Name string
	Err  error

	mu       sync.Mutex
	sent     []*protocol.Packet
	payloads [][]byte
	events   []Event
	notify   chan struct{}
}

func New(id string) *Host {
	return &Host{ID: id, Name: id, notify: make(chan struct{}, 64)}
}

func (h *Host) DeviceID() string   { return h.ID }
func (h *Host) DeviceName() string { return h.Name }

func (h *Host) Send(_ context.Context, p *protocol.Packet) error {
	var data []byte
	if pl := p.Payload(); pl != nil {
		if pl.Stream != nil {
			data, _ = io.ReadAll(pl.Stream)
		}
		_ = pl.Close()
	}
	p.Seal()
	h.mu.Lock()
	err := h.Err
	if err == nil {
		h.sent = append(h.sent, p)
		h.payloads = append(h.payloads, data)
	}
	h.mu.Unlock()
	h.poke()
	return err
}

func (h *Host) Publish(kind string, data map[string]any) {
	h.mu.Lock()
	h.events = append(h.events, Event{Kind: kind, Data: data})
	h.mu.Unlock()
	h.poke()
}

func (h *Host) poke() {
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

func (h *Host) Sent() []*protocol.Packet {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*protocol.Packet(nil), h.sent...)
}

func (h *Host) Payloads() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]byte(nil), h.payloads...)
}

func (h *Host) Events() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.events...)
}

// WaitEvent blocks until an event of kind has been published.
func (h *Host) WaitEvent(kind string, timeout time.Duration) (Event, bool) {
	deadline := time.After(timeout)
	for {
		for _, e := range h.Events() {
			if e.Kind == kind {
				return e, true
			}
		}
		select {
		case <-h.notify:
		case <-deadline:
			return Event{}, false
		}
	}
}

// WaitSent blocks until at least n packets were sent.
func (h *Host) WaitSent(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if len(h.Sent()) >= n {
			return true
		}
		select {
		case <-h.notify:
		case <-deadline:
			return false
		}
	}
}
