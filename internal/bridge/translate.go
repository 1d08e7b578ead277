package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"syncgate/internal/model"
)

// ErrNoEventName marks a message that carries no explicit event name and
// whose topic matches no inference rule. Such messages are dropped silently.
var ErrNoEventName = errors.New("no event name and no matching topic rule")

type topicRule struct {
	match  string
	suffix bool
	event  string
}

// topicRules maps topic shapes to event names; ordered, first match wins.
var topicRules = []topicRule{
	{match: "deliverables/create", event: "deliverable_created"},
	{match: "deliverables/update", event: "deliverable_updated"},
	{match: "deliverables/delete", event: "deliverable_deleted"},
	{match: "sprints/create", event: "sprint_created"},
	{match: "sprints/update", event: "sprint_updated"},
	{match: "signoff", event: "signoff_requested"},
	{match: "/metrics", suffix: true, event: "qa_metrics_update"},
	{match: "/coverage", suffix: true, event: "qa_coverage_update"},
	{match: "/defects", suffix: true, event: "qa_defect_update"},
	{match: "/presence", suffix: true, event: "user_presence_update"},
}

// InferEventName derives an event name from a topic. Topics are compared in
// slash form; broker subjects with dot separators are normalized first.
func InferEventName(topic string) (string, bool) {
	t := strings.ReplaceAll(topic, ".", "/")
	for _, r := range topicRules {
		if r.suffix {
			if strings.HasSuffix(t, r.match) {
				return r.event, true
			}
		} else if strings.Contains(t, r.match) {
			return r.event, true
		}
	}
	return "", false
}

// routing fields are consumed at ingress and never forwarded as payload.
var routingFields = map[string]struct{}{
	"event": {}, "roles": {}, "targetRoles": {}, "topic": {},
}

// Translate resolves a wire message into a canonical event. Both ingress
// paths (broker subscription and HTTP ingest) run through this one function,
// so equivalent input yields identical events regardless of transport.
func Translate(topic string, raw []byte) (model.Event, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return model.Event{}, fmt.Errorf("malformed wire message: %w", err)
	}
	name, _ := m["event"].(string)
	if name == "" {
		inferred, ok := InferEventName(topic)
		if !ok {
			return model.Event{}, ErrNoEventName
		}
		name = inferred
	}

	roles := model.StringSlice(m["targetRoles"])
	if len(roles) == 0 {
		roles = model.StringSlice(m["roles"])
	}

	payload, ok := m["payload"].(map[string]any)
	if !ok {
		// No explicit payload: the message itself, minus routing fields.
		payload = make(map[string]any, len(m))
		for k, v := range m {
			if _, routing := routingFields[k]; !routing {
				payload[k] = v
			}
		}
	}
	return model.Event{Name: name, Payload: payload, TargetRoles: roles}, nil
}
