package router

import (
	"context"
	"sync"
	"time"
)

// Delivery scopes carried in fanout traffic.
const (
	ScopeUser = "user"
	ScopeRole = "role"
	ScopeAll  = "all"
)

// BrokerMessage is one emitted event as mirrored between instances.
type BrokerMessage struct {
	Instance     string         `json:"instance"`
	Scope        string         `json:"scope"`
	Target       string         `json:"target,omitempty"`
	Name         string         `json:"name"`
	Payload      map[string]any `json:"payload"`
	ExceptClient string         `json:"exceptClient,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// EventBroker mirrors emitted events to sibling instances so a client
// connected elsewhere still receives them. Single-instance deployments run
// without one.
type EventBroker interface {
	Publish(m BrokerMessage)
	Run(ctx context.Context, deliver func(BrokerMessage))
	Close() error
}

// MemoryBus is the in-process broker: every attached endpoint sees every
// published message. It backs single-binary multi-router setups and tests.
type MemoryBus struct {
	mu   sync.Mutex
	subs map[*MemoryBroker]chan BrokerMessage
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: map[*MemoryBroker]chan BrokerMessage{}}
}

// Attach creates an endpoint on the bus.
func (b *MemoryBus) Attach() *MemoryBroker {
	mb := &MemoryBroker{bus: b}
	ch := make(chan BrokerMessage, 16)
	b.mu.Lock()
	b.subs[mb] = ch
	b.mu.Unlock()
	mb.ch = ch
	return mb
}

func (b *MemoryBus) publish(m BrokerMessage) {
	b.mu.Lock()
	for _, ch := range b.subs {
		select {
		case ch <- m:
		default:
		}
	}
	b.mu.Unlock()
}

func (b *MemoryBus) detach(mb *MemoryBroker) {
	b.mu.Lock()
	if ch, ok := b.subs[mb]; ok {
		delete(b.subs, mb)
		close(ch)
	}
	b.mu.Unlock()
}

// MemoryBroker is one endpoint of a MemoryBus.
type MemoryBroker struct {
	bus *MemoryBus
	ch  chan BrokerMessage
}

func (mb *MemoryBroker) Publish(m BrokerMessage) { mb.bus.publish(m) }

func (mb *MemoryBroker) Run(ctx context.Context, deliver func(BrokerMessage)) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-mb.ch:
			if !ok {
				return
			}
			deliver(m)
		}
	}
}

func (mb *MemoryBroker) Close() error {
	mb.bus.detach(mb)
	return nil
}
