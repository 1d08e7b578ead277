package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"syncgate/internal/bridge"
	"syncgate/internal/buildinfo"
	"syncgate/internal/metrics"
)

const maxIngestBody = 1 << 20

// Problem is an RFC7807 problem details response body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	writeJSON(w, status, Problem{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	})
}

// IngestHandler handles POST /v1/ingest, the synchronous alternative to the
// broker transport. The body carries the same wire shape a broker message
// does, plus the topic; translation is the bridge's own, so both paths
// produce identical canonical events for equivalent input.
func (s *Server) IngestHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeProblem(w, http.StatusMethodNotAllowed, "method not allowed", "", r.URL.Path)
		return
	}
	if !s.ingestLimit.Allow() {
		metrics.IngestRequests.WithLabelValues("throttled").Inc()
		writeProblem(w, http.StatusTooManyRequests, "rate limit exceeded", "", r.URL.Path)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBody))
	if err != nil {
		metrics.IngestRequests.WithLabelValues("error").Inc()
		writeProblem(w, http.StatusBadRequest, "unreadable body", err.Error(), r.URL.Path)
		return
	}
	var head struct {
		Topic string `json:"topic"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		metrics.IngestRequests.WithLabelValues("malformed").Inc()
		writeProblem(w, http.StatusBadRequest, "malformed body", err.Error(), r.URL.Path)
		return
	}
	evt, err := bridge.Translate(head.Topic, body)
	if err != nil {
		metrics.IngestRequests.WithLabelValues("malformed").Inc()
		if errors.Is(err, bridge.ErrNoEventName) {
			writeProblem(w, http.StatusBadRequest, "event name required",
				"no event field and topic matches no rule", r.URL.Path)
			return
		}
		writeProblem(w, http.StatusBadRequest, "malformed body", err.Error(), r.URL.Path)
		return
	}
	s.Router.Emit(evt)
	metrics.IngestRequests.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// PresenceHandler handles GET /v1/presence, listing connected users,
// optionally filtered by role.
func (s *Server) PresenceHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeProblem(w, http.StatusMethodNotAllowed, "method not allowed", "", r.URL.Path)
		return
	}
	reg := s.Gateway.Registry
	users := reg.Connected()
	if role := r.URL.Query().Get("role"); role != "" {
		users = reg.ConnectedByRole(role)
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users, "count": len(users)})
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	bridgeState := string(bridge.StateDisabled)
	if s.Bridge != nil {
		bridgeState = string(s.Bridge.State())
	}
	feedConnected := false
	if s.Feed != nil {
		feedConnected = s.Feed.Connected()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"build":            buildinfo.Info(),
		"connectedClients": s.Gateway.Registry.Count(),
		"bridge":           bridgeState,
		"changeFeed":       map[string]any{"connected": feedConnected},
	})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}
