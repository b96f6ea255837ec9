package events

import (
	"context"
	"sync"

	"github.com/example/carpool/internal/observability"
)

const subscriptionBuffer = 16

// Hub owns in-process subscriptions to the events of a ride. A subscriber
// that falls behind is dropped and its channel closed.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*Subscription]struct{})}
}

type Subscription struct {
	C <-chan Event

	ch     chan Event
	hub    *Hub
	rideID string
	once   sync.Once
}

// Close tears the subscription down. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.remove(s)
}

func (h *Hub) Subscribe(rideID string) *Subscription {
	ch := make(chan Event, subscriptionBuffer)
	s := &Subscription{C: ch, ch: ch, hub: h, rideID: rideID}
	h.mu.Lock()
	set, ok := h.subs[rideID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[rideID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()
	observability.WSSubscribers.Inc()
	return s
}

func (h *Hub) remove(s *Subscription) {
	s.once.Do(func() {
		h.mu.Lock()
		if set, ok := h.subs[s.rideID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(h.subs, s.rideID)
			}
		}
		h.mu.Unlock()
		close(s.ch)
		observability.WSSubscribers.Dec()
	})
}

func (h *Hub) Publish(_ context.Context, ev Event) error {
	h.mu.Lock()
	var slow []*Subscription
	for s := range h.subs[ev.RideID] {
		select {
		case s.ch <- ev:
		default:
			slow = append(slow, s)
		}
	}
	h.mu.Unlock()
	for _, s := range slow {
		s.Close()
	}
	return nil
}

// Subscribers reports the open subscriptions of a ride.
func (h *Hub) Subscribers(rideID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[rideID])
}
