package transport

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bryanchriswhite/ScreenGuard/internal/advisory"
	"github.com/bryanchriswhite/ScreenGuard/internal/relay"
	"github.com/godbus/dbus/v5"
	"github.com/gorilla/websocket"
)

func TestDecodeDecision(t *testing.T) {
	d, err := DecodeDecision(&dbus.Signal{
		Name: DecisionSignal,
		Body: []interface{}{"close_app", "Firefox", "abc"},
	})
	if err != nil {
		t.Fatalf("DecodeDecision() error = %v", err)
	}
	if d.Kind != advisory.DecisionCloseRequested || d.SubjectName != "Firefox" || d.SessionID != "abc" {
		t.Errorf("DecodeDecision() = %+v", d)
	}
	if d.DecidedAt.IsZero() {
		t.Error("DecidedAt not set")
	}

	bad := []struct {
		name string
		body []interface{}
	}{
		{"too few", []interface{}{"dismissed"}},
		{"wrong type", []interface{}{"dismissed", int32(1), "abc"}},
		{"unknown kind", []interface{}{"explode", "", "abc"}},
	}
	for _, tt := range bad {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeDecision(&dbus.Signal{Name: DecisionSignal, Body: tt.body}); err == nil {
				t.Error("DecodeDecision() error = nil")
			}
		})
	}
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) advisory.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m advisory.Message
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBridgeFlushesPendingOnConnect(t *testing.T) {
	r := relay.New[advisory.Decision]()
	srv := httptest.NewServer(NewBridge(r))
	defer srv.Close()

	r.Publish(advisory.Decision{Kind: advisory.DecisionCloseRequested, SubjectName: "Slack", SessionID: "s1"})

	conn := dial(t, srv)
	defer conn.Close()

	m := readMessage(t, conn)
	if m.Action != "close_app" || m.AppName != "Slack" {
		t.Errorf("first message = %+v, want close_app Slack", m)
	}

	r.Publish(advisory.Decision{Kind: advisory.DecisionDismissed, SessionID: "s2"})
	m = readMessage(t, conn)
	if m.Action != "dismissed" || m.AppName != "" {
		t.Errorf("second message = %+v, want dismissed", m)
	}
}

func TestBridgeDetachesOnDisconnect(t *testing.T) {
	r := relay.New[advisory.Decision]()
	srv := httptest.NewServer(NewBridge(r))
	defer srv.Close()

	conn := dial(t, srv)
	waitFor(t, "attach", func() bool { return r.Stats().Attached })

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
	waitFor(t, "detach", func() bool { return !r.Stats().Attached })

	r.Publish(advisory.Decision{Kind: advisory.DecisionDismissed, SessionID: "s3"})
	if !r.Stats().Pending {
		t.Error("decision published with no client was not kept pending")
	}

	next := dial(t, srv)
	defer next.Close()
	if m := readMessage(t, next); m.Action != "dismissed" {
		t.Errorf("reconnect got %+v, want the pending dismissed", m)
	}
}

func TestBridgeNewestClientWins(t *testing.T) {
	r := relay.New[advisory.Decision]()
	srv := httptest.NewServer(NewBridge(r))
	defer srv.Close()

	first := dial(t, srv)
	defer first.Close()
	waitFor(t, "first attach", func() bool { return r.Stats().Attached })

	second := dial(t, srv)
	defer second.Close()
	// Give the second handler time to attach
	time.Sleep(50 * time.Millisecond)

	r.Publish(advisory.Decision{Kind: advisory.DecisionDismissed, SessionID: "s4"})
	if m := readMessage(t, second); m.Action != "dismissed" {
		t.Errorf("second client got %+v", m)
	}

	first.Close()
	time.Sleep(50 * time.Millisecond)
	if !r.Stats().Attached {
		t.Error("closing the replaced client detached the current one")
	}
}
