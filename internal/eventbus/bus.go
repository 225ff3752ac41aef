// Package eventbus implements the gateway event bus and stream server: a
// single-producer-many-consumer broadcast of domain.GatewayEvent, routed
// to the room matching the event's location_id, with per-gateway
// ordering and a drop-on-lag policy for slow consumers.
package eventbus

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/defguard/core/internal/domain"
)

// subscriberBuffer bounds how far a consumer may lag before being
// dropped and forced to reconnect and resync from a full snapshot.
const subscriberBuffer = 256

// Subscriber is one connected gateway's event feed.
type Subscriber struct {
	ID         string
	LocationID string
	Send       chan domain.GatewayEvent
}

// Bus is the room-partitioned broadcast: one room per location_id.
type Bus struct {
	mu    sync.RWMutex
	rooms map[string]map[*Subscriber]struct{}

	register   chan *Subscriber
	unregister chan *Subscriber
	publish    chan domain.GatewayEvent
}

func New() *Bus {
	return &Bus{
		rooms:      make(map[string]map[*Subscriber]struct{}),
		register:   make(chan *Subscriber),
		unregister: make(chan *Subscriber, 64),
		publish:    make(chan domain.GatewayEvent, 256),
	}
}

// Run drives the bus's single loop: every publish is processed here in
// arrival order, which is what gives subscribers of the same room a
// consistent, ordered view.
func (b *Bus) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			for _, subs := range b.rooms {
				for sub := range subs {
					close(sub.Send)
				}
			}
			b.rooms = make(map[string]map[*Subscriber]struct{})
			b.mu.Unlock()
			return

		case sub := <-b.register:
			b.mu.Lock()
			room, ok := b.rooms[sub.LocationID]
			if !ok {
				room = make(map[*Subscriber]struct{})
				b.rooms[sub.LocationID] = room
			}
			room[sub] = struct{}{}
			b.mu.Unlock()

		case sub := <-b.unregister:
			b.mu.Lock()
			if room, ok := b.rooms[sub.LocationID]; ok {
				if _, present := room[sub]; present {
					delete(room, sub)
					close(sub.Send)
					if len(room) == 0 {
						delete(b.rooms, sub.LocationID)
					}
				}
			}
			b.mu.Unlock()

		case event := <-b.publish:
			b.mu.RLock()
			room := b.rooms[event.LocationID]
			for sub := range room {
				select {
				case sub.Send <- event:
				default:
					// Slow consumer: drop it, it must reconnect and resync.
					go func(s *Subscriber) { b.unregister <- s }(sub)
				}
			}
			b.mu.RUnlock()
		}
	}
}

// Subscribe registers a fresh subscriber for locationID and returns it.
// Callers must eventually call Unsubscribe.
func (b *Bus) Subscribe(locationID string) *Subscriber {
	sub := &Subscriber{
		ID:         locationID + "/" + uuid.New().String(),
		LocationID: locationID,
		Send:       make(chan domain.GatewayEvent, subscriberBuffer),
	}
	b.register <- sub
	return sub
}

func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.unregister <- sub
}

// Publish broadcasts event to every subscriber of event.LocationID.
func (b *Bus) Publish(event domain.GatewayEvent) {
	b.publish <- event
}
