package gateway_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"syncgate/internal/auth"
	"syncgate/internal/gateway"
	"syncgate/internal/model"
	"syncgate/internal/router"
)

func newWSServer(t *testing.T) (*httptest.Server, *gateway.Registry) {
	t.Helper()
	reg := gateway.NewRegistry()
	gw := gateway.New(reg, auth.NewVerifier("dev", ""))
	rt := router.New(reg)
	gw.SetEmitter(rt)
	srv := httptest.NewServer(http.HandlerFunc(gw.WSHandler))
	t.Cleanup(srv.Close)
	return srv, reg
}

func wsURL(srv *httptest.Server, token string) string {
	u := "ws" + strings.TrimPrefix(srv.URL, "http")
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}
	return u
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, token), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) model.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env model.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
}

func TestConnectJoinsRoomsAndAcks(t *testing.T) {
	srv, reg := newWSServer(t)
	conn := dial(t, srv, "u1:qa:u1@example.com")

	env := readEnvelope(t, conn)
	if env.Name != "connected" {
		t.Fatalf("first frame: %q", env.Name)
	}
	if env.Payload["userId"] != "u1" || env.Payload["role"] != "qa" {
		t.Fatalf("ack payload: %+v", env.Payload)
	}
	if env.Timestamp.IsZero() {
		t.Fatal("ack missing timestamp")
	}

	if n := reg.Count(); n != 1 {
		t.Fatalf("registered clients: %d", n)
	}
	byRole := reg.ConnectedByRole("qa")
	if len(byRole) != 1 || byRole[0].UserID != "u1" {
		t.Fatalf("role room membership: %+v", byRole)
	}
}

func TestInvalidTokenRejectedBeforeUpgrade(t *testing.T) {
	srv, reg := newWSServer(t)

	// dev tokens need at least userId:role
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "garbage"), nil)
	if err == nil {
		t.Fatal("dial succeeded with bad token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake rejection, got %+v", resp)
	}
	if reg.Count() != 0 {
		t.Fatal("rejected connection left registry state behind")
	}
}

func TestAuthFrameAfterUpgrade(t *testing.T) {
	srv, reg := newWSServer(t)
	conn := dial(t, srv, "")

	err := conn.WriteJSON(model.ClientMessage{
		Event: "auth",
		Data:  map[string]any{"token": "u9:delivery_lead"},
	})
	if err != nil {
		t.Fatalf("write auth frame: %v", err)
	}
	if env := readEnvelope(t, conn); env.Name != "connected" {
		t.Fatalf("first frame: %q", env.Name)
	}
	if reg.Count() != 1 {
		t.Fatalf("registered clients: %d", reg.Count())
	}
}

func TestMissingAuthFrameClosesConnection(t *testing.T) {
	srv, reg := newWSServer(t)
	conn := dial(t, srv, "")

	_ = conn.WriteJSON(model.ClientMessage{Event: "ping"})
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatal("connection stayed open without auth")
	}
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close, got %v", err)
	}
	if reg.Count() != 0 {
		t.Fatal("unauthenticated client was registered")
	}
}

func TestUserOnlineAnnouncement(t *testing.T) {
	srv, _ := newWSServer(t)
	first := dial(t, srv, "u1:qa")
	if env := readEnvelope(t, first); env.Name != "connected" {
		t.Fatalf("first frame: %q", env.Name)
	}

	second := dial(t, srv, "u2:developer")
	if env := readEnvelope(t, second); env.Name != "connected" {
		t.Fatalf("second client ack: %q", env.Name)
	}

	env := readEnvelope(t, first)
	if env.Name != "user_online" || env.Payload["userId"] != "u2" {
		t.Fatalf("announcement: %+v", env)
	}
}

func TestUserOfflineOnDisconnect(t *testing.T) {
	srv, reg := newWSServer(t)
	watcher := dial(t, srv, "u1:qa")
	readEnvelope(t, watcher) // connected

	leaver := dial(t, srv, "u2:developer")
	readEnvelope(t, leaver)  // connected
	readEnvelope(t, watcher) // user_online

	_ = leaver.Close()

	env := readEnvelope(t, watcher)
	if env.Name != "user_offline" || env.Payload["userId"] != "u2" {
		t.Fatalf("offline announcement: %+v", env)
	}

	deadline := time.Now().Add(2 * time.Second)
	for reg.Count() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if reg.Count() != 1 {
		t.Fatalf("registry count after disconnect: %d", reg.Count())
	}
}

func TestPingPong(t *testing.T) {
	srv, _ := newWSServer(t)
	conn := dial(t, srv, "u1:qa")
	readEnvelope(t, conn) // connected

	if err := conn.WriteJSON(model.ClientMessage{Event: "ping", Data: map[string]any{"seq": 7}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	env := readEnvelope(t, conn)
	if env.Name != "pong" || env.Payload["seq"] != float64(7) {
		t.Fatalf("pong: %+v", env)
	}
}

func TestActivityHeartbeatBroadcast(t *testing.T) {
	srv, _ := newWSServer(t)
	watcher := dial(t, srv, "u1:qa")
	readEnvelope(t, watcher) // connected

	active := dial(t, srv, "u2:developer")
	readEnvelope(t, active)  // connected
	readEnvelope(t, watcher) // user_online

	err := active.WriteJSON(model.ClientMessage{
		Event: "user_activity",
		Data:  map[string]any{"activity": "editing"},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	env := readEnvelope(t, watcher)
	if env.Name != "user_activity_update" || env.Payload["userId"] != "u2" || env.Payload["activity"] != "editing" {
		t.Fatalf("activity update: %+v", env)
	}
}

func TestClientEventForwardStampsActor(t *testing.T) {
	srv, _ := newWSServer(t)
	watcher := dial(t, srv, "u1:qa")
	readEnvelope(t, watcher) // connected

	sender := dial(t, srv, "u2:developer")
	readEnvelope(t, sender)  // connected
	readEnvelope(t, watcher) // user_online

	err := sender.WriteJSON(model.ClientMessage{
		Event: "deliverable_updated",
		Data:  map[string]any{"deliverableId": "d1", "status": "review"},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	env := readEnvelope(t, watcher)
	if env.Name != "deliverable_updated" {
		t.Fatalf("forwarded name: %q", env.Name)
	}
	if env.Payload["actorId"] != "u2" || env.Payload["deliverableId"] != "d1" {
		t.Fatalf("forwarded payload: %+v", env.Payload)
	}
	// deliverable_updated does not exclude the sender
	if env := readEnvelope(t, sender); env.Name != "deliverable_updated" {
		t.Fatalf("sender echo: %q", env.Name)
	}
}

func TestUnknownClientEventDropped(t *testing.T) {
	srv, _ := newWSServer(t)
	watcher := dial(t, srv, "u1:qa")
	readEnvelope(t, watcher) // connected

	sender := dial(t, srv, "u2:developer")
	readEnvelope(t, sender)  // connected
	readEnvelope(t, watcher) // user_online

	_ = sender.WriteJSON(model.ClientMessage{Event: "drop_everything", Data: map[string]any{"x": 1}})
	// follow with a known event; it must be the next thing the watcher sees
	_ = sender.WriteJSON(model.ClientMessage{Event: "work_completion", Data: map[string]any{"taskId": "t1"}})

	env := readEnvelope(t, watcher)
	if env.Name != "work_completed" {
		t.Fatalf("expected the unknown event to be dropped, got %q", env.Name)
	}
}

func TestNotificationSentTargetsRecipient(t *testing.T) {
	srv, _ := newWSServer(t)
	recipient := dial(t, srv, "u1:qa")
	readEnvelope(t, recipient) // connected

	other := dial(t, srv, "u3:qa")
	readEnvelope(t, other)     // connected
	readEnvelope(t, recipient) // user_online

	sender := dial(t, srv, "u2:developer")
	readEnvelope(t, sender)    // connected
	readEnvelope(t, recipient) // user_online
	readEnvelope(t, other)     // user_online

	err := sender.WriteJSON(model.ClientMessage{
		Event: "notification_sent",
		Data:  map[string]any{"recipientId": "u1", "title": "sign-off needed"},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	env := readEnvelope(t, recipient)
	if env.Name != "notification_received" || env.Payload["title"] != "sign-off needed" {
		t.Fatalf("notification: %+v", env)
	}

	// the other qa user is not the recipient and must see nothing
	_ = other.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var stray model.Envelope
	if err := other.ReadJSON(&stray); err == nil {
		t.Fatalf("non-recipient received %+v", stray)
	}
}

func TestRoleTargetedForward(t *testing.T) {
	srv, _ := newWSServer(t)
	lead := dial(t, srv, "u1:delivery_lead")
	readEnvelope(t, lead) // connected

	dev := dial(t, srv, "u2:developer")
	readEnvelope(t, dev)  // connected
	readEnvelope(t, lead) // user_online

	err := dev.WriteJSON(model.ClientMessage{
		Event: "sprint_progress_update",
		Data:  map[string]any{"sprintId": "s1", "targetRoles": []string{"delivery_lead"}},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	env := readEnvelope(t, lead)
	if env.Name != "sprint_progress_updated" || env.Payload["sprintId"] != "s1" {
		t.Fatalf("role forward: %+v", env)
	}

	// sender is a developer, not in the target role room
	_ = dev.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var stray model.Envelope
	if err := dev.ReadJSON(&stray); err == nil {
		t.Fatalf("sender outside target role received %+v", stray)
	}
}

func TestEnvelopeShapeOnTheWire(t *testing.T) {
	srv, _ := newWSServer(t)
	conn := dial(t, srv, "u1:qa")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var frame map[string]json.RawMessage
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("frame is not a JSON object: %v", err)
	}
	for _, key := range []string{"name", "payload", "timestamp"} {
		if _, ok := frame[key]; !ok {
			t.Fatalf("frame missing %q: %s", key, raw)
		}
	}
}
