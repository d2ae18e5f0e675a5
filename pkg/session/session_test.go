package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/uhyunpark/instruction-desk/pkg/auth"
	"github.com/uhyunpark/instruction-desk/pkg/event"
	"github.com/uhyunpark/instruction-desk/pkg/instruction"
	"github.com/uhyunpark/instruction-desk/pkg/util"
)

var (
	imID     = auth.Identity{UserID: 1, Username: "im1", Role: instruction.RoleIM, Org: "desk"}
	traderID = auth.Identity{UserID: 2, Username: "trader1", Role: instruction.RoleTrader, Org: "desk"}
	adminID  = auth.Identity{UserID: 3, Username: "admin1", Role: instruction.RoleAdmin, Org: "desk"}
)

type staticAuth map[string]auth.Identity

func (a staticAuth) ResolveToken(token string) (auth.Identity, error) {
	id, ok := a[token]
	if !ok {
		return auth.Identity{}, auth.ErrAuth
	}
	return id, nil
}

var tokens = staticAuth{"im": imID, "trader": traderID, "admin": adminID}

type harness struct {
	mgr   *Manager
	bus   *event.Bus
	clock *util.ManualClock
	url   string
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	bus := event.NewBus(nil)
	clock := util.NewManualClock(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	mgr := NewManager(tokens, bus, cfg, WithClock(clock))

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := mgr.Admit(r.URL.Query().Get("token"))
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mgr.Serve(id, conn)
	}))
	t.Cleanup(func() {
		mgr.Close()
		srv.Close()
	})
	return &harness{mgr: mgr, bus: bus, clock: clock, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

func (h *harness) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.url+"?token="+token, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	waitFor(t, func() bool { return h.mgr.Count() > 0 })
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func readMessage(t *testing.T, conn *websocket.Conn) event.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg event.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("decode %q: %v", raw, err)
	}
	return msg
}

func expectClosed(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if errors.As(err, &ce) && ce.Code != code {
			t.Fatalf("close code = %d, want %d", ce.Code, code)
		}
		return
	}
}

func testEvent(typ event.Type, org string) event.Event {
	in := &instruction.Instruction{ID: 5, Org: org, CreatedBy: 1, Status: instruction.StatusSubmitted}
	ev := event.New(in, instruction.Transition{Action: instruction.ActionCreate, To: in.Status})
	ev.Type = typ
	return ev
}

func TestVisible(t *testing.T) {
	otherOrg := auth.Identity{UserID: 9, Role: instruction.RoleTrader, Org: "other"}

	tests := []struct {
		name string
		id   auth.Identity
		typ  event.Type
		org  string
		want bool
	}{
		{"trader created", traderID, event.InstructionCreated, "desk", true},
		{"trader acknowledged same org", traderID, event.InstructionAcknowledged, "desk", true},
		{"trader acknowledged other org", otherOrg, event.InstructionAcknowledged, "desk", false},
		{"trader acknowledged no org", otherOrg, event.InstructionAcknowledged, "", true},
		{"trader cancelled", traderID, event.InstructionCancelled, "desk", true},
		{"trader executed", traderID, event.InstructionExecuted, "desk", false},
		{"trader dispatched", traderID, event.InstructionDispatched, "desk", false},
		{"im created", imID, event.InstructionCreated, "desk", false},
		{"im acknowledged", imID, event.InstructionAcknowledged, "desk", true},
		{"im cancelled", imID, event.InstructionCancelled, "desk", true},
		{"im executed", imID, event.InstructionExecuted, "desk", true},
		{"im dispatched", imID, event.InstructionDispatched, "desk", false},
		{"admin dispatched", adminID, event.InstructionDispatched, "desk", true},
		{"admin created", adminID, event.InstructionCreated, "other", true},
		{"unknown role", auth.Identity{Role: "GUEST"}, event.InstructionCreated, "desk", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Visible(tt.id, testEvent(tt.typ, tt.org)); got != tt.want {
				t.Errorf("Visible() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestManager_RejectsBadToken(t *testing.T) {
	h := newHarness(t, Config{})
	_, resp, err := websocket.DefaultDialer.Dial(h.url+"?token=nope", nil)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("response = %+v", resp)
	}
	if h.mgr.Count() != 0 {
		t.Errorf("rejected handshake created %d sessions", h.mgr.Count())
	}
}

func TestManager_DeliversByRole(t *testing.T) {
	h := newHarness(t, Config{})
	trader := h.dial(t, "trader")
	im := h.dial(t, "im")
	waitFor(t, func() bool { return h.mgr.Count() == 2 })

	h.bus.Publish(testEvent(event.InstructionCreated, "desk"))
	h.bus.Publish(testEvent(event.InstructionExecuted, "desk"))

	if msg := readMessage(t, trader); msg.Type != event.InstructionCreated {
		t.Errorf("trader got %s first", msg.Type)
	}
	msg := readMessage(t, im)
	if msg.Type != event.InstructionExecuted {
		t.Fatalf("im got %s, want executed only", msg.Type)
	}
	var p event.Payload
	if err := json.Unmarshal(msg.Data, &p); err != nil || p.Seq != 2 || p.ID != 5 {
		t.Errorf("payload = %+v, %v", p, err)
	}
}

func TestManager_PingPong(t *testing.T) {
	h := newHarness(t, Config{})
	conn := h.dial(t, "admin")

	h.clock.Advance(30 * time.Second)
	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatal(err)
	}
	if msg := readMessage(t, conn); msg.Type != event.Pong {
		t.Fatalf("got %s, want pong", msg.Type)
	}

	infos := h.mgr.Sessions()
	if len(infos) != 1 || !infos[0].LastHeartbeatAt.Equal(h.clock.Now()) {
		t.Errorf("heartbeat not refreshed: %+v", infos)
	}
}

func TestManager_ProtocolErrorCloses(t *testing.T) {
	h := newHarness(t, Config{})
	conn := h.dial(t, "trader")

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"op":"subscribe"}`)); err != nil {
		t.Fatal(err)
	}
	expectClosed(t, conn, websocket.CloseUnsupportedData)
	waitFor(t, func() bool { return h.mgr.Count() == 0 })
}

func TestManager_HeartbeatTimeout(t *testing.T) {
	h := newHarness(t, Config{HeartbeatTimeout: time.Minute})
	conn := h.dial(t, "trader")

	h.clock.Advance(50 * time.Second)
	conn.WriteMessage(websocket.TextMessage, []byte("ping"))
	readMessage(t, conn)

	h.clock.Advance(20 * time.Second)
	if n := h.mgr.Sweep(); n != 0 {
		t.Fatalf("Sweep() closed %d sessions that pinged recently", n)
	}

	h.clock.Advance(41 * time.Second)
	if n := h.mgr.Sweep(); n != 1 {
		t.Fatalf("Sweep() closed %d sessions, want 1", n)
	}
	expectClosed(t, conn, websocket.CloseNormalClosure)
	if h.mgr.Count() != 0 {
		t.Errorf("Count() = %d", h.mgr.Count())
	}
}

func TestManager_RunReaps(t *testing.T) {
	h := newHarness(t, Config{HeartbeatTimeout: time.Minute, SweepInterval: time.Second})
	h.dial(t, "im")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.mgr.Run(ctx)

	waitFor(t, func() bool {
		h.clock.Advance(time.Second)
		return h.mgr.Count() == 0
	})
}

func TestManager_PresenceFollowsSessions(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	a := h.dial(t, "trader")
	waitFor(t, func() bool { on, _ := h.mgr.Presence().IsOnline(ctx, traderID.UserID); return on })

	b := h.dial(t, "trader")
	waitFor(t, func() bool { return h.mgr.Count() == 2 })

	a.Close()
	waitFor(t, func() bool { return h.mgr.Count() == 1 })
	time.Sleep(20 * time.Millisecond)
	if on, _ := h.mgr.Presence().IsOnline(ctx, traderID.UserID); !on {
		t.Error("user went offline while a second session is open")
	}

	b.Close()
	waitFor(t, func() bool { on, _ := h.mgr.Presence().IsOnline(ctx, traderID.UserID); return !on })
}

func TestSession_OverflowDrops(t *testing.T) {
	bus := event.NewBus(nil)
	mgr := NewManager(tokens, bus, Config{SendBuffer: 1})

	s := &Session{
		ID:       "s1",
		Identity: traderID,
		mgr:      mgr,
		send:     make(chan []byte, 1),
		done:     make(chan struct{}),
	}
	mgr.sessions[s.ID] = s
	mgr.perUser[traderID.UserID] = 1
	s.subID = bus.Subscribe(s.deliver)

	bus.Publish(testEvent(event.InstructionCreated, "desk"))
	select {
	case <-s.Done():
		t.Fatal("session dropped with room in its queue")
	default:
	}

	bus.Publish(testEvent(event.InstructionCreated, "desk"))
	if s.Reason() != ReasonQueueOverflow {
		t.Fatalf("reason = %s", s.Reason())
	}
	if mgr.Count() != 0 || bus.SubscriberCount() != 0 {
		t.Errorf("overflowed session still registered: sessions=%d subs=%d", mgr.Count(), bus.SubscriberCount())
	}

	// Later events are silently ignored.
	bus.Publish(testEvent(event.InstructionCreated, "desk"))
	if len(s.send) != 1 {
		t.Errorf("queue length = %d", len(s.send))
	}
}
