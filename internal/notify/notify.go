// Package notify pushes new-signal alerts to Telegram, Discord and
// SMTP mail. Delivery is asynchronous: callers enqueue and a single
// worker paces the sends so a burst of signals cannot stall bar
// processing or trip provider rate limits.
package notify

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/ratelimit"

	"crypto-screener/internal/signals"
)

// Type labels what a notification is about.
type Type string

const (
	TypeSignal Type = "signal"
	TypeError  Type = "error"
	TypeInfo   Type = "info"
)

const (
	sendTimeout      = 10 * time.Second
	DefaultQueueSize = 64
	// DefaultSendRate is deliveries per second across all providers.
	DefaultSendRate = 1
)

// Notification is one message for the providers to render.
type Notification struct {
	Type      Type
	Title     string
	Message   string
	Symbol    string
	Price     float64
	Timestamp time.Time
}

// Notifier is a delivery provider.
type Notifier interface {
	Send(ctx context.Context, n *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans notifications out to every enabled provider.
type Manager struct {
	logger zerolog.Logger

	mu        sync.Mutex
	notifiers []Notifier
	dropped   uint64

	queue  chan Notification
	rate   int
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	stop   sync.Once
	wg     sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithQueueSize overrides the pending-notification buffer.
func WithQueueSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.queue = make(chan Notification, n)
		}
	}
}

// WithSendRate overrides deliveries per second.
func WithSendRate(perSecond int) Option {
	return func(m *Manager) {
		if perSecond > 0 {
			m.rate = perSecond
		}
	}
}

// NewManager starts the delivery worker. Stop releases it.
func NewManager(logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		logger: logger.With().Str("component", "Notify").Logger(),
		queue:  make(chan Notification, DefaultQueueSize),
		rate:   DefaultSendRate,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.wg.Add(1)
	go m.run()
	return m
}

// Add registers a provider.
func (m *Manager) Add(n Notifier) {
	m.mu.Lock()
	m.notifiers = append(m.notifiers, n)
	m.mu.Unlock()
}

// Providers lists registered provider names.
func (m *Manager) Providers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.notifiers))
	for _, n := range m.notifiers {
		out = append(out, n.Name())
	}
	return out
}

// Send enqueues a notification. A full queue drops it.
func (m *Manager) Send(n Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	select {
	case m.queue <- n:
	default:
		m.mu.Lock()
		m.dropped++
		m.mu.Unlock()
		m.logger.Warn().Str("title", n.Title).Msg("notification queue full, dropped")
	}
}

// SendSignal formats and enqueues a new-signal alert.
func (m *Manager) SendSignal(sig signals.Signal, traderName string) {
	m.Send(signalNotification(sig, traderName))
}

// SendError enqueues an operator alert.
func (m *Manager) SendError(title, message string) {
	m.Send(Notification{
		Type:    TypeError,
		Title:   fmt.Sprintf("⚠️ %s", title),
		Message: message,
	})
}

// Dropped returns how many notifications the full queue discarded.
func (m *Manager) Dropped() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// Stop halts the worker. Queued notifications are discarded and an
// in-flight send is cancelled.
func (m *Manager) Stop() {
	m.stop.Do(func() {
		m.cancel()
		close(m.done)
		m.wg.Wait()
	})
}

func (m *Manager) run() {
	defer m.wg.Done()
	rl := ratelimit.New(m.rate)
	for {
		select {
		case <-m.done:
			return
		case n := <-m.queue:
			rl.Take()
			m.deliver(n)
		}
	}
}

func (m *Manager) deliver(n Notification) {
	m.mu.Lock()
	targets := make([]Notifier, len(m.notifiers))
	copy(targets, m.notifiers)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(m.ctx, sendTimeout)
	defer cancel()
	for _, nt := range targets {
		if !nt.IsEnabled() {
			continue
		}
		if err := nt.Send(ctx, &n); err != nil {
			m.logger.Warn().Err(err).Str("provider", nt.Name()).Msg("notification failed")
		}
	}
}

func signalNotification(sig signals.Signal, traderName string) Notification {
	title := fmt.Sprintf("📊 Signal: %s", sig.Symbol)
	if sig.Count > 1 {
		title = fmt.Sprintf("📊 Signal #%d: %s", sig.Count, sig.Symbol)
	}

	msg := fmt.Sprintf("Trader: %s\nPrice: %s\n24h change: %+.2f%%\nVolume: %s",
		traderName,
		formatFloat(sig.PriceAtSignal),
		sig.ChangePercentAtSignal,
		formatFloat(sig.VolumeAtSignal))
	if sig.Source == signals.SourceRemote {
		msg += "\nSource: remote"
	}

	return Notification{
		Type:      TypeSignal,
		Title:     title,
		Message:   msg,
		Symbol:    sig.Symbol,
		Price:     sig.PriceAtSignal,
		Timestamp: sig.DetectedAt,
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
