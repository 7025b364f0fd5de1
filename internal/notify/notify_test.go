package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"crypto-screener/internal/logging"
	"crypto-screener/internal/signals"
)

type fakeNotifier struct {
	name    string
	enabled bool
	entered chan struct{}
	gate    chan struct{}

	mu  sync.Mutex
	got []Notification
}

func (f *fakeNotifier) Send(ctx context.Context, n *Notification) error {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	f.got = append(f.got, *n)
	f.mu.Unlock()
	return nil
}

func (f *fakeNotifier) Name() string    { return f.name }
func (f *fakeNotifier) IsEnabled() bool { return f.enabled }

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

func (f *fakeNotifier) last() Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.got[len(f.got)-1]
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSignalNotificationFormat(t *testing.T) {
	sig := signals.Signal{
		Symbol:                "BTCUSDT",
		PriceAtSignal:         64250.5,
		ChangePercentAtSignal: 3.25,
		VolumeAtSignal:        1250000,
		Count:                 1,
		Source:                signals.SourceLocal,
		DetectedAt:            time.Unix(1_700_000_000, 0),
	}

	n := signalNotification(sig, "Momentum Break")
	if n.Type != TypeSignal {
		t.Fatalf("type = %s", n.Type)
	}
	if n.Title != "📊 Signal: BTCUSDT" {
		t.Fatalf("title = %q", n.Title)
	}
	for _, want := range []string{"Trader: Momentum Break", "Price: 64250.5", "+3.25%", "Volume: 1250000"} {
		if !strings.Contains(n.Message, want) {
			t.Fatalf("message %q missing %q", n.Message, want)
		}
	}
	if strings.Contains(n.Message, "Source:") {
		t.Fatal("local signals should not carry a source line")
	}
	if !n.Timestamp.Equal(sig.DetectedAt) {
		t.Fatalf("timestamp = %v", n.Timestamp)
	}

	sig.Count = 3
	sig.Source = signals.SourceRemote
	n = signalNotification(sig, "Momentum Break")
	if n.Title != "📊 Signal #3: BTCUSDT" {
		t.Fatalf("repeat title = %q", n.Title)
	}
	if !strings.Contains(n.Message, "Source: remote") {
		t.Fatalf("remote message %q missing source line", n.Message)
	}
}

func TestTelegramSendPostsMessage(t *testing.T) {
	var gotPath string
	var body struct {
		ChatID    string `json:"chat_id"`
		Text      string `json:"text"`
		ParseMode string `json:"parse_mode"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tg := NewTelegramNotifier(TelegramConfig{
		Enabled:  true,
		BotToken: "tok123",
		ChatID:   "42",
		BaseURL:  srv.URL,
	})
	if !tg.IsEnabled() {
		t.Fatal("notifier should be enabled")
	}

	err := tg.Send(context.Background(), &Notification{Title: "📊 Signal: BTCUSDT", Message: "Price: 100"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if gotPath != "/bottok123/sendMessage" {
		t.Fatalf("path = %q", gotPath)
	}
	if body.ChatID != "42" || body.ParseMode != "Markdown" {
		t.Fatalf("body = %+v", body)
	}
	if !strings.Contains(body.Text, "Signal: BTCUSDT") || !strings.Contains(body.Text, "Price: 100") {
		t.Fatalf("text = %q", body.Text)
	}
}

func TestTelegramDisabledWithoutCredentials(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	tg := NewTelegramNotifier(TelegramConfig{Enabled: true, BotToken: "", ChatID: "42", BaseURL: srv.URL})
	if tg.IsEnabled() {
		t.Fatal("missing token should disable the notifier")
	}
	if err := tg.Send(context.Background(), &Notification{Title: "x"}); err != nil {
		t.Fatalf("disabled Send should be a noop, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("disabled notifier made %d requests", calls)
	}
}

func TestTelegramErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	tg := NewTelegramNotifier(TelegramConfig{Enabled: true, BotToken: "t", ChatID: "c", BaseURL: srv.URL})
	err := tg.Send(context.Background(), &Notification{Title: "x"})
	if err == nil || !strings.Contains(err.Error(), "status 400") {
		t.Fatalf("want status error, got %v", err)
	}
}

func TestDiscordSendPostsEmbed(t *testing.T) {
	var body struct {
		Embeds []struct {
			Title       string `json:"title"`
			Description string `json:"description"`
			Color       int    `json:"color"`
			Fields      []struct {
				Name  string `json:"name"`
				Value string `json:"value"`
			} `json:"fields"`
		} `json:"embeds"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscordNotifier(DiscordConfig{Enabled: true, WebhookURL: srv.URL})
	err := d.Send(context.Background(), &Notification{
		Type:      TypeSignal,
		Title:     "📊 Signal: ETHUSDT",
		Message:   "Trader: Breakout",
		Symbol:    "ETHUSDT",
		Price:     3200.5,
		Timestamp: time.Unix(1_700_000_000, 0),
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if len(body.Embeds) != 1 {
		t.Fatalf("embeds = %d", len(body.Embeds))
	}
	e := body.Embeds[0]
	if e.Title != "📊 Signal: ETHUSDT" || e.Color != discordGreen {
		t.Fatalf("embed = %+v", e)
	}
	if len(e.Fields) != 2 || e.Fields[0].Value != "ETHUSDT" || e.Fields[1].Value != "3200.5" {
		t.Fatalf("fields = %+v", e.Fields)
	}
}

func TestDiscordErrorTypeIsRed(t *testing.T) {
	var color int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Embeds []struct {
				Color int `json:"color"`
			} `json:"embeds"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		color = body.Embeds[0].Color
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscordNotifier(DiscordConfig{Enabled: true, WebhookURL: srv.URL})
	if err := d.Send(context.Background(), &Notification{Type: TypeError, Title: "⚠️ Down"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if color != discordRed {
		t.Fatalf("color = %#x, want red", color)
	}
}

func TestDiscordErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusBadRequest)
	}))
	defer srv.Close()

	d := NewDiscordNotifier(DiscordConfig{Enabled: true, WebhookURL: srv.URL})
	err := d.Send(context.Background(), &Notification{Title: "x"})
	if err == nil || !strings.Contains(err.Error(), "status 400") {
		t.Fatalf("want status error, got %v", err)
	}
}

func TestManagerDeliversToEnabledProviders(t *testing.T) {
	m := NewManager(logging.Nop(), WithSendRate(1000))
	t.Cleanup(m.Stop)

	on := &fakeNotifier{name: "on", enabled: true}
	off := &fakeNotifier{name: "off", enabled: false}
	m.Add(on)
	m.Add(off)

	m.Send(Notification{Type: TypeInfo, Title: "hello"})
	waitFor(t, 2*time.Second, "delivery", func() bool { return on.count() == 1 })

	if off.count() != 0 {
		t.Fatal("disabled provider should not receive")
	}
	if got := on.last(); got.Title != "hello" || got.Timestamp.IsZero() {
		t.Fatalf("delivered = %+v", got)
	}
	if got := m.Providers(); len(got) != 2 {
		t.Fatalf("providers = %v", got)
	}
}

func TestManagerQueueFullDrops(t *testing.T) {
	m := NewManager(logging.Nop(), WithSendRate(1000), WithQueueSize(1))
	t.Cleanup(m.Stop)

	f := &fakeNotifier{
		name:    "slow",
		enabled: true,
		entered: make(chan struct{}, 8),
		gate:    make(chan struct{}),
	}
	m.Add(f)

	m.Send(Notification{Title: "a"})
	<-f.entered

	m.Send(Notification{Title: "b"})
	m.Send(Notification{Title: "c"})
	if got := m.Dropped(); got != 1 {
		t.Fatalf("Dropped = %d, want 1", got)
	}

	close(f.gate)
	waitFor(t, 2*time.Second, "queued deliveries", func() bool { return f.count() == 2 })
}

func TestStopCancelsInflightSend(t *testing.T) {
	m := NewManager(logging.Nop(), WithSendRate(1000))
	f := &fakeNotifier{
		name:    "stuck",
		enabled: true,
		entered: make(chan struct{}, 8),
		gate:    make(chan struct{}),
	}
	m.Add(f)

	m.Send(Notification{Title: "x"})
	<-f.entered

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not cancel the in-flight send")
	}
	if f.count() != 0 {
		t.Fatal("cancelled send should not have completed")
	}
}

func TestSendSignalThroughManager(t *testing.T) {
	m := NewManager(logging.Nop(), WithSendRate(1000))
	t.Cleanup(m.Stop)

	f := &fakeNotifier{name: "f", enabled: true}
	m.Add(f)

	m.SendSignal(signals.Signal{
		Symbol:        "SOLUSDT",
		PriceAtSignal: 155.2,
		Count:         1,
		DetectedAt:    time.Unix(1_700_000_000, 0),
	}, "Volume Spike")

	waitFor(t, 2*time.Second, "signal delivery", func() bool { return f.count() == 1 })
	got := f.last()
	if got.Type != TypeSignal || got.Symbol != "SOLUSDT" {
		t.Fatalf("delivered = %+v", got)
	}
	if !strings.Contains(got.Message, "Volume Spike") {
		t.Fatalf("message = %q", got.Message)
	}
}
