// Package gateway authenticates inbound websocket connections and maintains
// the live registry of connections and their room memberships.
package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"syncgate/internal/auth"
	"syncgate/internal/logger"
	"syncgate/internal/metrics"
	"syncgate/internal/model"
)

// Emitter is the slice of the router the gateway emits through. The gateway
// never touches other clients' transports directly.
type Emitter interface {
	SendToUser(userID, name string, payload map[string]any)
	BroadcastToRole(role, name string, payload map[string]any)
	BroadcastToAll(name string, payload map[string]any)
	BroadcastToAllExcept(clientID, name string, payload map[string]any)
}

type Gateway struct {
	Registry *Registry
	Verifier *auth.Verifier

	emit     Emitter
	upgrader websocket.Upgrader
}

func New(reg *Registry, verifier *auth.Verifier) *Gateway {
	return &Gateway{
		Registry: reg,
		Verifier: verifier,
		upgrader: websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }},
	}
}

// SetEmitter wires the router in after construction; the router itself needs
// the registry, so the two cannot be built in one shot.
func (g *Gateway) SetEmitter(e Emitter) { g.emit = e }

// WSHandler handles GET /ws. The credential may arrive in the Authorization
// header, the token query parameter, or, failing both, an auth frame sent
// right after the upgrade.
func (g *Gateway) WSHandler(w http.ResponseWriter, r *http.Request) {
	token := auth.BearerFromRequest(r)
	var identity auth.Identity
	if token != "" {
		id, err := g.Verifier.Verify(token)
		if err != nil {
			logger.Warn("websocket auth rejected", zap.Error(err), zap.String("remote", r.RemoteAddr))
			http.Error(w, "authentication failed", http.StatusUnauthorized)
			return
		}
		identity = id
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	if token == "" {
		id, err := g.awaitAuthFrame(conn)
		if err != nil {
			logger.Warn("websocket auth rejected", zap.Error(err), zap.String("remote", r.RemoteAddr))
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed"),
				time.Now().Add(writeWait))
			_ = conn.Close()
			return
		}
		identity = id
	}

	g.serve(conn, identity)
}

// awaitAuthFrame reads exactly one frame of the form
// {"event":"auth","data":{"token":"..."}} and verifies the carried token.
func (g *Gateway) awaitAuthFrame(conn *websocket.Conn) (auth.Identity, error) {
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var msg model.ClientMessage
	if err := conn.ReadJSON(&msg); err != nil {
		return auth.Identity{}, err
	}
	if msg.Event != "auth" {
		return auth.Identity{}, auth.ErrNoToken
	}
	tok, _ := msg.Data["token"].(string)
	return g.Verifier.Verify(tok)
}

func (g *Gateway) serve(conn *websocket.Conn, identity auth.Identity) {
	now := time.Now().UTC()
	c := NewClient(model.ConnectedClient{
		ClientID:       uuid.NewString(),
		UserID:         identity.UserID,
		Role:           identity.Role,
		Email:          identity.Email,
		ConnectedAt:    now,
		LastActivityAt: now,
	}, conn)

	g.Registry.Add(c)
	metrics.ConnectedClients.Inc()
	logger.Info("client connected",
		zap.String("clientId", c.Info.ClientID),
		zap.String("userId", c.Info.UserID),
		zap.String("role", c.Info.Role))

	go c.writePump()

	// Connection confirmation to the new client only.
	g.sendDirect(c, "connected", map[string]any{
		"message": "connected to real-time server",
		"userId":  c.Info.UserID,
		"role":    c.Info.Role,
	})
	g.emit.BroadcastToAllExcept(c.Info.ClientID, "user_online", map[string]any{
		"userId": c.Info.UserID,
		"role":   c.Info.Role,
		"email":  c.Info.Email,
	})

	g.readLoop(c)

	g.Registry.Remove(c.Info.ClientID)
	c.Close()
	metrics.ConnectedClients.Dec()
	logger.Info("client disconnected",
		zap.String("clientId", c.Info.ClientID),
		zap.String("userId", c.Info.UserID))
	g.emit.BroadcastToAll("user_offline", map[string]any{
		"userId": c.Info.UserID,
		"email":  c.Info.Email,
	})
}

func (g *Gateway) readLoop(c *Client) {
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		var msg model.ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		g.handleMessage(c, msg)
	}
}

func (g *Gateway) handleMessage(c *Client, msg model.ClientMessage) {
	switch msg.Event {
	case "ping":
		g.sendDirect(c, "pong", msg.Data)
	case "user_activity":
		g.heartbeat(c, msg.Data)
	case "", "auth":
		// auth is only meaningful pre-registration; ignore here
	default:
		g.forward(c, msg)
	}
}

// heartbeat updates presence and announces activity. Failures here are
// non-critical and must never disconnect the client.
func (g *Gateway) heartbeat(c *Client, data map[string]any) {
	g.Registry.Touch(c.Info.ClientID, time.Now().UTC())
	activity, _ := data["activity"]
	g.emit.BroadcastToAllExcept(c.Info.ClientID, "user_activity_update", map[string]any{
		"userId":   c.Info.UserID,
		"email":    c.Info.Email,
		"activity": activity,
	})
}

// forwardRule describes how one client-emitted event is redistributed.
type forwardRule struct {
	out           string
	excludeSender bool
}

// forwardRules mirrors the event names business clients have always been
// allowed to emit. Anything else is dropped.
var forwardRules = map[string]forwardRule{
	"deliverable_created":         {out: "deliverable_created", excludeSender: true},
	"deliverable_updated":         {out: "deliverable_updated"},
	"deliverable_deleted":         {out: "deliverable_deleted"},
	"sprint_created":              {out: "sprint_created", excludeSender: true},
	"sprint_updated":              {out: "sprint_updated"},
	"notification_sent":           {out: "notification_received", excludeSender: true},
	"deliverable_progress_update": {out: "deliverable_progress_updated"},
	"sprint_progress_update":      {out: "sprint_progress_updated"},
	"work_assignment":             {out: "work_assigned"},
	"work_completion":             {out: "work_completed"},
	"role_sync_update":            {out: "role_sync_update"},
}

// forward redistributes a client-emitted event: recipientId targets that
// user's room, targetRoles targets role rooms, otherwise global. The sender
// is stamped onto the payload as actorId.
func (g *Gateway) forward(c *Client, msg model.ClientMessage) {
	rule, ok := forwardRules[msg.Event]
	if !ok {
		logger.Debug("dropping unknown client event",
			zap.String("event", msg.Event), zap.String("clientId", c.Info.ClientID))
		return
	}
	payload := make(map[string]any, len(msg.Data)+1)
	for k, v := range msg.Data {
		payload[k] = v
	}
	payload["actorId"] = c.Info.UserID

	if recipient, _ := payload["recipientId"].(string); recipient != "" {
		g.emit.SendToUser(recipient, rule.out, payload)
		return
	}
	if roles := model.StringSlice(payload["targetRoles"]); len(roles) > 0 {
		for _, role := range roles {
			g.emit.BroadcastToRole(role, rule.out, payload)
		}
		return
	}
	if role, _ := payload["role"].(string); role != "" {
		g.emit.BroadcastToRole(role, rule.out, payload)
		return
	}
	if rule.excludeSender {
		g.emit.BroadcastToAllExcept(c.Info.ClientID, rule.out, payload)
		return
	}
	g.emit.BroadcastToAll(rule.out, payload)
}

// sendDirect delivers to one client without going through the router; used
// for the connection ack and pong replies only.
func (g *Gateway) sendDirect(c *Client, name string, payload map[string]any) {
	env := model.Envelope{Name: name, Payload: payload, Timestamp: time.Now().UTC()}
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	c.Enqueue(data)
}
