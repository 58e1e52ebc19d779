package watch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/placqs/internal/api"
	"github.com/mattjoyce/placqs/internal/events"
	"github.com/mattjoyce/placqs/internal/outcome"
)

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	nm, ok := next.(Model)
	if !ok {
		t.Fatalf("Update returned %T", next)
	}
	return nm, cmd
}

func TestModelAppliesHealthAndLog(t *testing.T) {
	m := New(NewClient("http://127.0.0.1:1", ""), "", 20)
	if v := m.View(); v != "Connecting..." {
		t.Fatalf("View before size = %q", v)
	}

	m, _ = update(t, m, tea.WindowSizeMsg{Width: 120, Height: 40})
	m, _ = update(t, m, healthMsg{Status: "ok", Node: "sensor-01", Methods: 3, Dispatched: map[string]int64{"ok": 7}})
	if !m.connected || m.health.Node != "sensor-01" {
		t.Fatalf("health not applied: %+v", m.health)
	}

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m, _ = update(t, m, logMsg{Node: "sensor-01", Entries: []outcome.Entry{
		{ID: 2, Status: "ERR", Message: "READ_TEMP - probe offline", CreatedAt: at},
		{ID: 1, Status: "OK", Message: "PING - ctag", CreatedAt: at},
	}})
	rows := m.table.Rows()
	if len(rows) != 2 || rows[0][1] != "ERR" || rows[1][2] != "PING - ctag" {
		t.Fatalf("rows = %v", rows)
	}

	view := m.View()
	for _, want := range []string{"PLACQS WATCH", "sensor-01", "ok 7", "OUTCOME LOG", "Waiting for events"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestModelEventRefreshesLog(t *testing.T) {
	m := New(NewClient("http://127.0.0.1:1", ""), "", 20)
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 120, Height: 40})

	data, _ := json.Marshal(map[string]string{"status": "OK", "message": "PING - ctag"})
	m, cmd := update(t, m, eventMsg{ID: 4, Type: events.TypeDispatchOutcome, At: time.Now(), Data: data})
	if cmd == nil {
		t.Fatal("expected follow-up commands")
	}
	if len(m.eventLog) != 1 || m.lastEventID != 4 {
		t.Fatalf("event not recorded: %d events, last id %d", len(m.eventLog), m.lastEventID)
	}
	if !strings.Contains(m.View(), "PING - ctag") {
		t.Error("event stream does not show the outcome message")
	}

	for i := 0; i < maxEventLog+5; i++ {
		m, _ = update(t, m, eventMsg{ID: int64(10 + i), Type: events.TypeDispatchData, Data: []byte(`{}`)})
	}
	if len(m.eventLog) != maxEventLog {
		t.Fatalf("event log len = %d, want %d", len(m.eventLog), maxEventLog)
	}
	if m.eventLog[0].ID != int64(10+maxEventLog+4) {
		t.Fatalf("newest event id = %d", m.eventLog[0].ID)
	}
}

func TestModelDisconnectAndErrors(t *testing.T) {
	m := New(NewClient("http://127.0.0.1:1", ""), "", 20)
	m, _ = update(t, m, healthMsg{Status: "ok"})

	m, cmd := update(t, m, sseDisconnectedMsg{})
	if m.connected || cmd == nil {
		t.Fatalf("disconnect: connected=%v cmd=%v", m.connected, cmd)
	}

	m, _ = update(t, m, errMsg(context.DeadlineExceeded))
	if m.lastError != context.DeadlineExceeded.Error() {
		t.Fatalf("lastError = %q", m.lastError)
	}

	_, cmd = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("q should quit")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatal("q did not produce QuitMsg")
	}
}

func TestClientAgainstAPI(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var gotAuth, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/healthz":
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(api.HealthzResponse{Status: "degraded", Node: "n", StoreError: "closed"})
		case "/v1/log":
			gotQuery = r.URL.RawQuery
			_ = json.NewEncoder(w).Encode(api.LogResponse{Node: "n", Entries: []outcome.Entry{{ID: 1, Status: "OK", CreatedAt: at}}})
		case "/events":
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = w.Write([]byte("id: 3\nevent: reader.added\ndata: {\"node\":\"n\"}\n\n: keep-alive\n\n"))
		default:
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "unauthorized"})
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "k")
	ctx := context.Background()

	h, err := c.Health(ctx)
	if err != nil {
		t.Fatalf("Health() = %v", err)
	}
	if h.Status != "degraded" || h.StoreError != "closed" {
		t.Fatalf("health = %+v", h)
	}
	if gotAuth != "Bearer k" {
		t.Fatalf("Authorization = %q", gotAuth)
	}

	l, err := c.Log(ctx, "*", 5)
	if err != nil {
		t.Fatalf("Log() = %v", err)
	}
	if len(l.Entries) != 1 || !strings.Contains(gotQuery, "limit=5") || !strings.Contains(gotQuery, "node=%2A") {
		t.Fatalf("log = %+v query = %q", l, gotQuery)
	}

	ch := make(chan events.Event, 4)
	if err := c.Stream(ctx, 0, ch); err != nil {
		t.Fatalf("Stream() = %v", err)
	}
	if len(ch) != 1 {
		t.Fatalf("streamed %d events, want 1", len(ch))
	}
	ev := <-ch
	if ev.ID != 3 || ev.Type != events.TypeReaderAdded || string(ev.Data) != `{"node":"n"}` {
		t.Fatalf("event = %+v", ev)
	}

	var nf struct{}
	if err := c.getJSON(ctx, "/missing", &nf); err == nil || !strings.Contains(err.Error(), "unauthorized") {
		t.Fatalf("getJSON error = %v", err)
	}
}
