package gateway

import (
	"sync"
	"time"

	"syncgate/internal/model"
)

// Registry is the live connection registry. Only the gateway mutates it, in
// response to connect/disconnect events; the router reads it to resolve
// delivery targets.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client            // clientID -> client
	rooms   map[string]map[string]*Client // room -> clientID -> client
}

func NewRegistry() *Registry {
	return &Registry{
		clients: map[string]*Client{},
		rooms:   map[string]map[string]*Client{},
	}
}

// Add inserts the client and joins it to its user room, its role room, and
// the global room. The three joins happen under one lock acquisition so
// concurrent broadcasts never observe a partial membership.
func (r *Registry) Add(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.Info.ClientID] = c
	r.join(model.RoomUser(c.Info.UserID), c)
	r.join(model.RoomRole(c.Info.Role), c)
	r.join(model.RoomGlobal, c)
}

// Remove deletes the client and all of its room memberships. Returns the
// removed client, or nil if it was not registered.
func (r *Registry) Remove(clientID string) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[clientID]
	if !ok {
		return nil
	}
	delete(r.clients, clientID)
	r.leave(model.RoomUser(c.Info.UserID), clientID)
	r.leave(model.RoomRole(c.Info.Role), clientID)
	r.leave(model.RoomGlobal, clientID)
	return c
}

func (r *Registry) join(room string, c *Client) {
	if r.rooms[room] == nil {
		r.rooms[room] = map[string]*Client{}
	}
	r.rooms[room][c.Info.ClientID] = c
}

func (r *Registry) leave(room, clientID string) {
	if m := r.rooms[room]; m != nil {
		delete(m, clientID)
		if len(m) == 0 {
			delete(r.rooms, room)
		}
	}
}

// Touch updates the client's last-activity timestamp.
func (r *Registry) Touch(clientID string, at time.Time) {
	r.mu.Lock()
	if c, ok := r.clients[clientID]; ok {
		c.Info.LastActivityAt = at
	}
	r.mu.Unlock()
}

// Get returns the client for clientID.
func (r *Registry) Get(clientID string) (*Client, bool) {
	r.mu.RLock()
	c, ok := r.clients[clientID]
	r.mu.RUnlock()
	return c, ok
}

// RoomClients returns a snapshot of the members of room.
func (r *Registry) RoomClients(room string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := r.rooms[room]
	out := make([]*Client, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	return out
}

// Rooms returns the rooms clientID currently belongs to.
func (r *Registry) Rooms(clientID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for room, m := range r.rooms {
		if _, ok := m[clientID]; ok {
			out = append(out, room)
		}
	}
	return out
}

// Connected returns a snapshot of every connected client record.
func (r *Registry) Connected() []model.ConnectedClient {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.ConnectedClient, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c.Info)
	}
	return out
}

// ConnectedByRole returns connected client records whose role matches.
func (r *Registry) ConnectedByRole(role string) []model.ConnectedClient {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.ConnectedClient
	for _, c := range r.clients {
		if c.Info.Role == role {
			out = append(out, c.Info)
		}
	}
	return out
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
