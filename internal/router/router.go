// Package router is the single choke-point through which every event,
// regardless of origin, reaches connected clients.
package router

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"syncgate/internal/event"
	"syncgate/internal/gateway"
	"syncgate/internal/logger"
	"syncgate/internal/metrics"
	"syncgate/internal/model"
)

// Router resolves room membership in the gateway registry and pushes
// envelopes to the matching connections. Delivery is fire-and-forget: no
// acknowledgment, no retry, no backlog for disconnected clients.
type Router struct {
	reg      *gateway.Registry
	instance string
	fanout   EventBroker
}

func New(reg *gateway.Registry) *Router {
	return &Router{reg: reg, instance: uuid.NewString()}
}

// SetFanout enables cross-instance mirroring of emitted events.
func (rt *Router) SetFanout(b EventBroker) { rt.fanout = b }

// Instance identifies this process in fanout traffic.
func (rt *Router) Instance() string { return rt.instance }

// SendToUser delivers to every simultaneous connection of one user.
func (rt *Router) SendToUser(userID, name string, payload map[string]any) {
	rt.emitLocal(BrokerMessage{Scope: ScopeUser, Target: userID, Name: name, Payload: payload})
}

// BroadcastToRole delivers to every connection whose authenticated role
// matches.
func (rt *Router) BroadcastToRole(role, name string, payload map[string]any) {
	rt.emitLocal(BrokerMessage{Scope: ScopeRole, Target: role, Name: name, Payload: payload})
}

// BroadcastToAll delivers to every connected client.
func (rt *Router) BroadcastToAll(name string, payload map[string]any) {
	rt.emitLocal(BrokerMessage{Scope: ScopeAll, Name: name, Payload: payload})
}

// BroadcastToAllExcept is BroadcastToAll minus one connection; the gateway
// uses it for presence events that must not echo to their source.
func (rt *Router) BroadcastToAllExcept(clientID, name string, payload map[string]any) {
	rt.emitLocal(BrokerMessage{Scope: ScopeAll, Name: name, Payload: payload, ExceptClient: clientID})
}

// Emit routes a canonical event: one role-room broadcast per target role, or
// a global broadcast when no roles are named.
func (rt *Router) Emit(evt model.Event) {
	if len(evt.TargetRoles) == 0 {
		rt.BroadcastToAll(evt.Name, evt.Payload)
		return
	}
	for _, role := range evt.TargetRoles {
		rt.BroadcastToRole(role, evt.Name, evt.Payload)
	}
}

func (rt *Router) emitLocal(m BrokerMessage) {
	m.Instance = rt.instance
	m.Timestamp = time.Now().UTC()
	rt.deliver(m)
	if rt.fanout != nil {
		rt.fanout.Publish(m)
	}
}

// DeliverRemote applies a message mirrored from a sibling instance. Messages
// originated here are ignored so local delivery happens exactly once.
func (rt *Router) DeliverRemote(m BrokerMessage) {
	if m.Instance == rt.instance {
		return
	}
	rt.deliver(m)
}

func (rt *Router) deliver(m BrokerMessage) {
	env := model.Envelope{Name: m.Name, Payload: m.Payload, Timestamp: m.Timestamp}
	data, err := json.Marshal(env)
	if err != nil {
		logger.Error("cannot encode envelope", zap.String("event", m.Name), zap.Error(err))
		return
	}
	var room, kind string
	switch m.Scope {
	case ScopeUser:
		room, kind = model.RoomUser(m.Target), "user"
	case ScopeRole:
		room, kind = model.RoomRole(m.Target), "role"
	default:
		room, kind = model.RoomGlobal, "global"
	}
	delivered := 0
	for _, c := range rt.reg.RoomClients(room) {
		if m.ExceptClient != "" && c.Info.ClientID == m.ExceptClient {
			continue
		}
		// Each enqueue is independent; one full or dead client never blocks
		// the rest of the room.
		if c.Enqueue(data) {
			delivered++
		}
	}
	if delivered > 0 {
		metrics.EventsDelivered.WithLabelValues(kind).Add(float64(delivered))
	}
}

// relayForwardNames is the fixed allow-list of relay events forwarded to all
// clients. Internal signals outside this list never reach the transport.
var relayForwardNames = []string{
	"deliverable_created", "deliverable_updated", "deliverable_deleted",
	"sprint_created", "sprint_updated", "sprint_deleted",
	"project_created", "project_updated", "project_deleted",
	"user_created", "user_updated", "user_deleted", "user_role_changed",
}

// AttachRelay subscribes the router to the relay's allow-listed event names;
// each one is forwarded unmodified as a global broadcast.
func (rt *Router) AttachRelay(relay *event.Relay) {
	for _, name := range relayForwardNames {
		relay.Subscribe(name, func(name string, data map[string]any) {
			rt.BroadcastToAll(name, data)
		})
	}
	logger.Info("relay forwarding attached",
		zap.String("events", strings.Join(relayForwardNames, ",")))
}
