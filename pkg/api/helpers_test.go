package api

import (
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/instruction-desk/pkg/storage"
)

var decimalOne = decimal.NewFromInt(1)

func jsonID(id int64) string { return strconv.FormatInt(id, 10) }

func wsURL(d *testDesk, token string) string {
	return "ws" + strings.TrimPrefix(d.srv.URL, "http") + "/ws?token=" + token
}

func dialWS(t *testing.T, d *testDesk, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(d, token), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitFor(t, func() bool { return d.sessions.Count() > 0 })
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// memJournal records accepted commands.
type memJournal struct {
	mu      sync.Mutex
	entries []storage.JournalEntry
}

func (j *memJournal) Append(e storage.JournalEntry) {
	j.mu.Lock()
	j.entries = append(j.entries, e)
	j.mu.Unlock()
}

func (j *memJournal) Close() error { return nil }

func (j *memJournal) commands() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, 0, len(j.entries))
	for _, e := range j.entries {
		out = append(out, e.Command)
	}
	return out
}
