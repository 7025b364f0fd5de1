package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"crypto-screener/internal/fallback"
	"crypto-screener/internal/market"
)

// dialWS connects a real websocket client to the server under test.
func dialWS(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type receivedEvent struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// readEvent reads the next push event, skipping nothing.
func readEvent(t *testing.T, conn *websocket.Conn) receivedEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev receivedEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return ev
}

// readEventOfType skips events until one of the wanted type arrives.
func readEventOfType(t *testing.T, conn *websocket.Conn, typ string) receivedEvent {
	t.Helper()
	for i := 0; i < 10; i++ {
		ev := readEvent(t, conn)
		if ev.Type == typ {
			return ev
		}
	}
	t.Fatalf("no %s event received", typ)
	return receivedEvent{}
}

func TestSocketWelcome(t *testing.T) {
	s := newTestServer(t, newTestCore(t), Config{})
	conn := dialWS(t, s)

	ev := readEvent(t, conn)
	if ev.Type != eventConnected {
		t.Fatalf("first event = %s, want %s", ev.Type, eventConnected)
	}
	if ev.Timestamp.IsZero() {
		t.Fatal("missing timestamp")
	}
}

func TestSignalPush(t *testing.T) {
	tc := newTestCore(t)
	s := newTestServer(t, tc, Config{})
	conn := dialWS(t, s)
	readEvent(t, conn) // welcome

	submitSignal(t, tc, "t1", "BTCUSDT")

	ev := readEventOfType(t, conn, eventSignal)
	var sig struct {
		Symbol   string `json:"symbol"`
		TraderID string `json:"traderId"`
	}
	if err := json.Unmarshal(ev.Data, &sig); err != nil {
		t.Fatal(err)
	}
	if sig.Symbol != "BTCUSDT" || sig.TraderID != "t1" {
		t.Fatalf("signal = %+v", sig)
	}
}

func TestModePush(t *testing.T) {
	tc := newTestCore(t)
	s := newTestServer(t, tc, Config{})
	conn := dialWS(t, s)
	readEvent(t, conn) // welcome

	// Failure limit is 1, so a single stream failure degrades the mode.
	tc.degrade.RecordFailure(fallback.ServicePrimaryStream)

	ev := readEventOfType(t, conn, eventMode)
	var tr struct {
		Mode     string `json:"mode"`
		Previous string `json:"previous"`
	}
	if err := json.Unmarshal(ev.Data, &tr); err != nil {
		t.Fatal(err)
	}
	if tr.Mode != string(fallback.ModeDirectExchange) {
		t.Fatalf("mode = %s, want %s", tr.Mode, fallback.ModeDirectExchange)
	}
	if tr.Previous != string(fallback.ModeNormal) {
		t.Fatalf("previous = %s, want %s", tr.Previous, fallback.ModeNormal)
	}
}

func TestTickerPush(t *testing.T) {
	tc := newTestCore(t)
	s := newTestServer(t, tc, Config{})
	conn := dialWS(t, s)
	readEvent(t, conn) // welcome

	tc.pushTickers(map[string]market.Ticker{
		"ETHUSDT": {Symbol: "ETHUSDT", LastPrice: 3200.5},
	})

	ev := readEventOfType(t, conn, eventTickers)
	var batch map[string]market.Ticker
	if err := json.Unmarshal(ev.Data, &batch); err != nil {
		t.Fatal(err)
	}
	if batch["ETHUSDT"].LastPrice != 3200.5 {
		t.Fatalf("batch = %+v", batch)
	}
}

func TestChangedSeriesPush(t *testing.T) {
	tc := newTestCore(t)
	s := newTestServer(t, tc, Config{}, WithPushInterval(10*time.Millisecond))
	conn := dialWS(t, s)
	readEvent(t, conn) // welcome

	tc.changes.Mark("BTCUSDT", market.Interval1m)

	ev := readEventOfType(t, conn, eventKlines)
	var keys []struct {
		Symbol   string `json:"symbol"`
		Interval string `json:"interval"`
	}
	if err := json.Unmarshal(ev.Data, &keys); err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0].Symbol != "BTCUSDT" || keys[0].Interval != "1m" {
		t.Fatalf("keys = %+v", keys)
	}
}

func TestClientCountTracksConnections(t *testing.T) {
	tc := newTestCore(t)
	s := newTestServer(t, tc, Config{})

	conn := dialWS(t, s)
	waitFor(t, time.Second, func() bool { return s.hub.ClientCount() == 1 })

	conn.Close()
	waitFor(t, time.Second, func() bool { return s.hub.ClientCount() == 0 })
}

func TestShutdownClosesClients(t *testing.T) {
	tc := newTestCore(t)
	s := newTestServer(t, tc, Config{})
	conn := dialWS(t, s)
	readEvent(t, conn) // welcome

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("connection still open after shutdown")
	}
}

func TestBroadcastAfterStopIsDropped(t *testing.T) {
	tc := newTestCore(t)
	s := newTestServer(t, tc, Config{})

	s.hub.Stop()
	s.hub.Broadcast(eventSignal, "late")

	if n := s.hub.Dropped(); n != 0 {
		t.Fatalf("dropped = %d, want 0 (stopped hub discards silently)", n)
	}
}
