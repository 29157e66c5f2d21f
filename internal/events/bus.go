// Package events is the in-process observer list that carries device,
// pairing and transfer notifications to the admin API and metrics.
package events

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const (
	KindDeviceReachable   = "device.reachable"
	KindDeviceUnreachable = "device.unreachable"
	KindPairRequest       = "pairing.request"
	KindPairSuccess       = "pairing.success"
	KindPairFailed        = "pairing.failed"
	KindUnpaired          = "pairing.unpaired"
	KindPacketDropped     = "packet.dropped"
)

type Event struct {
	Kind     string         `json:"kind"`
	DeviceID string         `json:"device_id,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Time     time.Time      `json:"time"`
}

// Handler must not block; slow consumers use Channel.
type Handler func(Event)

type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]Handler
	dropped     atomic.Uint64
}

func New() *Bus {
	return &Bus{subscribers: make(map[string]Handler)}
}

func (b *Bus) Subscribe(id string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[id] = h
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, id)
}

// Publish stamps e and hands it to every subscriber in id order.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	b.mu.RLock()
	ids := make([]string, 0, len(b.subscribers))
	for id := range b.subscribers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, b.subscribers[id])
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}

// Channel subscribes a buffered channel. Events that do not fit are
// dropped and counted. cancel unsubscribes; the channel is never closed
// so late publishers cannot panic.
func (b *Bus) Channel(id string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.Subscribe(id, func(e Event) {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	})
	return ch, func() { b.Unsubscribe(id) }
}

func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
