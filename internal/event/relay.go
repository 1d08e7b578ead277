// Package event provides the in-process relay that lets business logic
// announce mutations without depending on the transport layer.
package event

import "sync"

// Handler receives a published event. Handlers run synchronously on the
// publisher's goroutine.
type Handler func(name string, data map[string]any)

// Relay is a process-wide publish point. It is constructed once at startup
// and injected into whatever needs to publish or subscribe; it holds no
// per-connection state and needs no teardown.
type Relay struct {
	mu   sync.RWMutex
	subs map[string][]Handler
}

func NewRelay() *Relay {
	return &Relay{subs: map[string][]Handler{}}
}

// Subscribe registers h for events published under name.
func (r *Relay) Subscribe(name string, h Handler) {
	r.mu.Lock()
	r.subs[name] = append(r.subs[name], h)
	r.mu.Unlock()
}

// Publish fans data out to every subscriber registered under name,
// synchronously and in registration order.
func (r *Relay) Publish(name string, data map[string]any) {
	r.mu.RLock()
	handlers := r.subs[name]
	r.mu.RUnlock()
	for _, h := range handlers {
		h(name, data)
	}
}
