package syncagent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/uhyunpark/instruction-desk/pkg/auth"
	"github.com/uhyunpark/instruction-desk/pkg/event"
	"github.com/uhyunpark/instruction-desk/pkg/instruction"
)

// fakeServer serves a fixed instruction list and pushes the queued frames
// to each WebSocket connection before hanging up.
type fakeServer struct {
	mu     sync.Mutex
	list   []*instruction.Instruction
	frames [][]byte
	reject atomic.Bool
	conns  atomic.Int64
	pings  atomic.Int64
	hold   bool
}

func (f *fakeServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/instructions", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		json.NewEncoder(w).Encode(f.list)
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if f.reject.Load() || r.URL.Query().Get("token") != "good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		f.conns.Add(1)

		f.mu.Lock()
		frames := f.frames
		f.mu.Unlock()
		for _, fr := range frames {
			conn.WriteMessage(websocket.TextMessage, fr)
		}
		if !f.hold {
			return
		}
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if string(msg) == "ping" {
				f.pings.Add(1)
				conn.WriteMessage(websocket.TextMessage, event.PongFrame())
			}
		}
	})
	return mux
}

func (f *fakeServer) start(t *testing.T) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL, "good")
	c.Identity = auth.Identity{UserID: 2, Role: instruction.RoleTrader}
	return c
}

func frame(t *testing.T, typ event.Type, in *instruction.Instruction) []byte {
	t.Helper()
	ev := event.New(in, instruction.Transition{To: in.Status})
	ev.Type = typ
	raw, err := ev.Encode()
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestAgent_RefetchesOnEveryConnect(t *testing.T) {
	f := &fakeServer{list: []*instruction.Instruction{snap(1, 1, instruction.StatusSent, 2)}}
	c := f.start(t)

	a := New(c, Config{ReconnectDelay: 10 * time.Millisecond, PingInterval: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- a.Run(ctx) }()

	// The fake server hangs up right away, so the agent keeps reconnecting.
	waitFor(t, func() bool { return a.Connections() >= 3 })
	if a.Refetches() < a.Connections()-1 {
		t.Errorf("refetches=%d connections=%d", a.Refetches(), a.Connections())
	}
	if a.View().Len() != 1 {
		t.Errorf("view has %d instructions", a.View().Len())
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run() after cancel = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestAgent_AppliesEventsAndRefetchesOnUnknown(t *testing.T) {
	f := &fakeServer{hold: true, list: []*instruction.Instruction{snap(1, 1, instruction.StatusSent, 2)}}
	f.frames = [][]byte{
		frame(t, event.InstructionAcknowledged, snap(1, 1, instruction.StatusAcked, 3)),
		[]byte(`{"type":"instruction.reassigned","data":{}}`),
	}
	c := f.start(t)

	var mu sync.Mutex
	var changes []Change
	a := New(c, Config{ReconnectDelay: time.Second, PingInterval: 20 * time.Millisecond}, OnChange(func(ch Change) {
		mu.Lock()
		changes = append(changes, ch)
		mu.Unlock()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	// connect refetch + unknown-type refetch
	waitFor(t, func() bool { return a.Refetches() == 2 })
	waitFor(t, func() bool { return f.pings.Load() > 0 })

	mu.Lock()
	defer mu.Unlock()
	applied := 0
	for _, ch := range changes {
		if !ch.Refetched && ch.Type == event.InstructionAcknowledged {
			applied++
		}
	}
	if applied != 1 {
		t.Errorf("applied %d acknowledged patches, want 1", applied)
	}
	// The refetched list predates the patch; the server is the source of truth.
	if in, _ := a.View().Get(1); in.Status != instruction.StatusSent {
		t.Errorf("view status after refetch = %s", in.Status)
	}
	if a.Connections() != 1 {
		t.Errorf("connections = %d", a.Connections())
	}
}

func TestAgent_StopsWhenCredentialRejected(t *testing.T) {
	f := &fakeServer{}
	f.reject.Store(true)
	c := f.start(t)

	a := New(c, Config{ReconnectDelay: time.Millisecond})
	err := a.Run(context.Background())
	if !errors.Is(err, auth.ErrAuth) {
		t.Fatalf("Run() = %v, want ErrAuth", err)
	}
	if f.conns.Load() != 0 {
		t.Errorf("rejected handshake produced %d connections", f.conns.Load())
	}
}

func TestAgent_RetriesWhileServerDown(t *testing.T) {
	f := &fakeServer{list: []*instruction.Instruction{}}
	srv := httptest.NewServer(f.handler(t))
	url := srv.URL
	srv.Close()

	c := NewClient(url, "good")
	a := New(c, Config{ReconnectDelay: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatalf("Run() = %v, want nil after deadline", err)
	}
	if a.Connections() != 0 {
		t.Errorf("connections = %d", a.Connections())
	}
}
