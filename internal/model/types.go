// Package model holds the shared types of the event distribution service.
package model

import "time"

// Event is the canonical in-process event all ingress sources converge on
// before it reaches the router. TargetRoles empty means global fan-out.
type Event struct {
	Name        string         `json:"name"`
	Payload     map[string]any `json:"payload"`
	TargetRoles []string       `json:"targetRoles,omitempty"`
}

// Envelope is what a transport ultimately delivers to a client.
type Envelope struct {
	Name      string         `json:"name"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// ConnectedClient is the registry record for one live connection. A user may
// hold several of these at once (multi-device); ClientID is unique.
type ConnectedClient struct {
	ClientID       string    `json:"clientId"`
	UserID         string    `json:"userId"`
	Role           string    `json:"role"`
	Email          string    `json:"email"`
	ConnectedAt    time.Time `json:"connectedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// ClientMessage is an inbound frame from a connected client.
type ClientMessage struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

// Room name constructors. Membership is derived from the authenticated
// identity at connect time, never chosen by the client.
const RoomGlobal = "global"

func RoomUser(userID string) string { return "user:" + userID }
func RoomRole(role string) string   { return "role:" + role }

// StringSlice coerces a decoded JSON value into its non-empty string
// elements. Anything that is not a string slice yields nil.
func StringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	}
	return nil
}
