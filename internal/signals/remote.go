package signals

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RemoteSignal is a detection produced by another screener instance.
type RemoteSignal struct {
	ID            string             `json:"id"`
	TraderID      string             `json:"traderId"`
	Symbol        string             `json:"symbol"`
	DetectedAt    time.Time          `json:"detectedAt"`
	BarOpenTime   int64              `json:"barOpenTime"`
	Price         float64            `json:"price"`
	ChangePercent float64            `json:"changePercent"`
	Volume        float64            `json:"volume"`
	Meta          map[string]float64 `json:"meta,omitempty"`
}

// RemoteSignalFeed delivers signals detected elsewhere. The channel
// closes when the feed shuts down.
type RemoteSignalFeed interface {
	Signals() <-chan RemoteSignal
}

// AttachRemoteFeed consumes feed until ctx is done or the feed closes.
// Inbound signals bypass bar dedup: the remote side already deduped on
// its own market view. A repeat of an ID we already hold folds into the
// existing signal instead of duplicating it.
func (m *Manager) AttachRemoteFeed(ctx context.Context, feed RemoteSignalFeed) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case rs, ok := <-feed.Signals():
				if !ok {
					return
				}
				m.insertRemote(rs)
			}
		}
	}()
}

func (m *Manager) insertRemote(rs RemoteSignal) {
	if rs.Symbol == "" || rs.TraderID == "" {
		return
	}

	m.mu.Lock()
	if rs.ID != "" {
		if sig, ok := m.active[rs.ID]; ok {
			sig.Count++
			sig.LastPrice = rs.Price
			m.mu.Unlock()
			return
		}
	}

	id := rs.ID
	if id == "" {
		id = uuid.New().String()
	}
	detected := rs.DetectedAt
	if detected.IsZero() {
		detected = m.now()
	}
	sig := &Signal{
		ID:                    id,
		TraderID:              rs.TraderID,
		Symbol:                rs.Symbol,
		DetectedAt:            detected,
		BarOpenTime:           rs.BarOpenTime,
		PriceAtSignal:         rs.Price,
		ChangePercentAtSignal: rs.ChangePercent,
		VolumeAtSignal:        rs.Volume,
		LastPrice:             rs.Price,
		Count:                 1,
		Status:                StatusActive,
		Source:                SourceRemote,
		Meta:                  rs.Meta,
	}
	m.active[sig.ID] = sig
	m.emitted++
	m.log.Push(*sig)

	out := *sig
	listeners := m.snapshotListenersLocked()
	m.mu.Unlock()

	m.logger.Info().
		Str("trader", rs.TraderID).
		Str("symbol", rs.Symbol).
		Msg("remote signal")
	m.deliver(out, listeners)
}
