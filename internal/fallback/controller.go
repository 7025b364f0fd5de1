// Package fallback supervises ingestion health. Failure counters drive a
// small state machine from live streaming down to cached-only operation,
// and periodic probes climb back up once the primary path answers again.
package fallback

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
)

// Mode is the data-path the system is currently allowed to use.
type Mode string

const (
	// ModeNormal streams from the primary source.
	ModeNormal Mode = "NORMAL"
	// ModeDirectExchange polls the exchange REST API instead of streaming.
	ModeDirectExchange Mode = "DIRECT_EXCHANGE"
	// ModeCachedOnly serves stored data only; signal generation pauses.
	ModeCachedOnly Mode = "CACHED_ONLY"
	// ModeOffline means the host has no network at all.
	ModeOffline Mode = "OFFLINE"
)

// Well-known service labels for failure tracking.
const (
	ServicePrimaryStream = "primary_stream"
	ServicePrimaryREST   = "primary_rest"
	ServiceDirectPoll    = "direct_poll"
)

const (
	// DefaultPrimaryLimit is the consecutive-failure count on any primary
	// service that forces DIRECT_EXCHANGE.
	DefaultPrimaryLimit = 3
	// DefaultNetworkLimit is the failure count after entering
	// DIRECT_EXCHANGE that forces CACHED_ONLY.
	DefaultNetworkLimit = 10
	// DefaultProbeDelay is how long after a transition the first recovery
	// probe fires; probes repeat on the same cadence while degraded.
	DefaultProbeDelay = 30 * time.Second

	probeTimeout = 10 * time.Second
)

const (
	eventDegrade = "degrade"
	eventIsolate = "isolate"
	eventOffline = "offline"
	eventRecover = "recover"
)

// Transition describes one mode change.
type Transition struct {
	Mode              Mode          `json:"mode"`
	Previous          Mode          `json:"previous"`
	Reason            string        `json:"reason"`
	Timestamp         time.Time     `json:"timestamp"`
	AffectedFeatures  []string      `json:"affectedFeatures"`
	EstimatedRecovery time.Duration `json:"estimatedRecoveryMs,omitempty"`
}

// ProbeFunc checks whether the primary path is healthy again.
type ProbeFunc func(ctx context.Context) error

// Controller tracks per-service failures and owns the degradation state
// machine. All transitions are declared on the FSM; RecordFailure and the
// probe loop only fire events, never set state directly.
type Controller struct {
	mu        sync.Mutex
	machine   *fsm.FSM
	failures  map[string]int
	sinceMode int
	listeners map[int]func(Transition)
	nextID    int
	probeGen  int
	closed    bool

	probe        ProbeFunc
	probeDelay   time.Duration
	primaryLimit int
	networkLimit int
	now          func() time.Time
	logger       zerolog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithProbeDelay overrides the recovery probe cadence.
func WithProbeDelay(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.probeDelay = d
		}
	}
}

// WithLimits overrides the failure limits that trigger degradation.
func WithLimits(primary, network int) Option {
	return func(c *Controller) {
		if primary > 0 {
			c.primaryLimit = primary
		}
		if network > 0 {
			c.networkLimit = network
		}
	}
}

// NewController creates a Controller in NORMAL mode. probe may be nil, in
// which case degraded modes persist until counters are reset externally.
func NewController(probe ProbeFunc, logger zerolog.Logger, opts ...Option) *Controller {
	c := &Controller{
		failures:     make(map[string]int),
		listeners:    make(map[int]func(Transition)),
		probe:        probe,
		probeDelay:   DefaultProbeDelay,
		primaryLimit: DefaultPrimaryLimit,
		networkLimit: DefaultNetworkLimit,
		now:          time.Now,
		logger:       logger.With().Str("component", "fallback").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.machine = fsm.NewFSM(
		string(ModeNormal),
		fsm.Events{
			{Name: eventDegrade, Src: []string{string(ModeNormal)}, Dst: string(ModeDirectExchange)},
			{Name: eventIsolate, Src: []string{string(ModeDirectExchange)}, Dst: string(ModeCachedOnly)},
			{Name: eventOffline, Src: []string{string(ModeNormal), string(ModeDirectExchange), string(ModeCachedOnly)}, Dst: string(ModeOffline)},
			{Name: eventRecover, Src: []string{string(ModeDirectExchange), string(ModeCachedOnly), string(ModeOffline)}, Dst: string(ModeNormal)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				c.logger.Info().
					Str("from", e.Src).
					Str("to", e.Dst).
					Str("event", e.Event).
					Msg("fallback mode change")
			},
		},
	)
	return c
}

// Mode returns the current mode.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Mode(c.machine.Current())
}

// AddListener registers fn for transitions and returns an unsubscribe
// func. Listeners run synchronously after each transition, panics are
// contained.
func (c *Controller) AddListener(fn func(Transition)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

// RecordFailure counts one failure for the labeled service and fires the
// degradation events when limits are crossed.
func (c *Controller) RecordFailure(service string) {
	c.mu.Lock()
	c.failures[service]++
	c.sinceMode++

	var tr *Transition
	switch Mode(c.machine.Current()) {
	case ModeNormal:
		if isPrimary(service) && c.failures[service] >= c.primaryLimit {
			tr = c.fireLocked(eventDegrade, "primary service failing: "+service)
		}
	case ModeDirectExchange:
		if c.sinceMode >= c.networkLimit {
			tr = c.fireLocked(eventIsolate, "network failures while polling")
		}
	}
	var listeners []func(Transition)
	if tr != nil {
		listeners = c.snapshotListenersLocked()
	}
	c.mu.Unlock()

	c.deliver(tr, listeners)
}

// RecordSuccess zeroes the labeled service's consecutive-failure count.
// Mode recovery happens only through probes.
func (c *Controller) RecordSuccess(service string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[service] = 0
}

// SetOffline forces OFFLINE, used when the host reports no network.
func (c *Controller) SetOffline(reason string) {
	c.mu.Lock()
	var tr *Transition
	if c.machine.Can(eventOffline) {
		tr = c.fireLocked(eventOffline, reason)
	}
	var listeners []func(Transition)
	if tr != nil {
		listeners = c.snapshotListenersLocked()
	}
	c.mu.Unlock()

	c.deliver(tr, listeners)
}

// FailureCounts returns a copy of the per-service counters.
func (c *Controller) FailureCounts() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]int, len(c.failures))
	for k, v := range c.failures {
		out[k] = v
	}
	return out
}

// Close stops future probes. The controller stays readable.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.probeGen++
}

// fireLocked runs one FSM event and prepares the transition record. The
// caller holds c.mu and is responsible for delivery after unlocking.
func (c *Controller) fireLocked(event, reason string) *Transition {
	prev := Mode(c.machine.Current())
	if err := c.machine.Event(context.Background(), event); err != nil {
		c.logger.Warn().Err(err).Str("event", event).Msg("rejected transition")
		return nil
	}
	mode := Mode(c.machine.Current())
	c.sinceMode = 0

	tr := &Transition{
		Mode:             mode,
		Previous:         prev,
		Reason:           reason,
		Timestamp:        c.now(),
		AffectedFeatures: affectedFeatures(mode),
	}
	if mode != ModeNormal {
		tr.EstimatedRecovery = c.probeDelay
		c.scheduleProbeLocked()
	} else {
		c.probeGen++
		for k := range c.failures {
			c.failures[k] = 0
		}
	}
	return tr
}

// scheduleProbeLocked arms the next recovery probe. Stale probes are
// discarded through the generation counter.
func (c *Controller) scheduleProbeLocked() {
	if c.probe == nil || c.closed {
		return
	}
	c.probeGen++
	gen := c.probeGen
	time.AfterFunc(c.probeDelay, func() { c.runProbe(gen) })
}

func (c *Controller) runProbe(gen int) {
	c.mu.Lock()
	if gen != c.probeGen || c.closed || c.machine.Current() == string(ModeNormal) {
		c.mu.Unlock()
		return
	}
	probe := c.probe
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	err := probe(ctx)
	cancel()

	c.mu.Lock()
	if gen != c.probeGen || c.closed {
		c.mu.Unlock()
		return
	}
	var tr *Transition
	if err != nil {
		c.logger.Debug().Err(err).Msg("recovery probe failed")
		gen = c.probeGen
		time.AfterFunc(c.probeDelay, func() { c.runProbe(gen) })
	} else {
		tr = c.fireLocked(eventRecover, "recovery probe succeeded")
	}
	listeners := c.snapshotListenersLocked()
	c.mu.Unlock()

	c.deliver(tr, listeners)
}

func (c *Controller) snapshotListenersLocked() []func(Transition) {
	out := make([]func(Transition), 0, len(c.listeners))
	for _, fn := range c.listeners {
		out = append(out, fn)
	}
	return out
}

func (c *Controller) deliver(tr *Transition, listeners []func(Transition)) {
	if tr == nil {
		return
	}
	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Warn().Interface("panic", r).Msg("transition listener panicked")
				}
			}()
			fn(*tr)
		}()
	}
}

func isPrimary(service string) bool {
	return strings.HasPrefix(service, "primary")
}

func affectedFeatures(mode Mode) []string {
	switch mode {
	case ModeDirectExchange:
		return []string{"realtime_streams"}
	case ModeCachedOnly:
		return []string{"realtime_streams", "signal_generation", "data_refresh"}
	case ModeOffline:
		return []string{"realtime_streams", "signal_generation", "data_refresh", "historical_scan"}
	default:
		return nil
	}
}
