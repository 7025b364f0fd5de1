package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"crypto-screener/internal/signals"
)

const (
	// DefaultScreenerLimit is how many bars per series the screener
	// keeps for live evaluation.
	DefaultScreenerLimit = 1440

	// DefaultAnalysisLimit is how many bars deep-analysis fetches
	// fetch when no override is stored.
	DefaultAnalysisLimit = 500

	// MaxSignalHistoryEntries bounds the persisted dedup snapshot.
	MaxSignalHistoryEntries = 500

	// MaxSignalHistoryBytes is the hard cap on the encoded snapshot.
	MaxSignalHistoryBytes = 2 << 20
)

// ErrHistoryTooLarge is returned when a signal-history snapshot still
// exceeds the byte cap after being trimmed to the entry limit.
var ErrHistoryTooLarge = errors.New("settings: signal history exceeds size cap")

// KlineHistoryConfig controls how much history the engine retains and
// requests.
type KlineHistoryConfig struct {
	ScreenerLimit int `json:"screenerLimit"`
	AnalysisLimit int `json:"analysisLimit"`
}

// Service wraps a Store with typed accessors and defaults for the
// engine's persisted state.
type Service struct {
	store  Store
	logger zerolog.Logger
}

func NewService(store Store, logger zerolog.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger.With().Str("component", "settings").Logger(),
	}
}

// KlineHistory returns the stored history configuration, falling back
// to defaults for missing or zero fields.
func (s *Service) KlineHistory(ctx context.Context) (KlineHistoryConfig, error) {
	cfg := KlineHistoryConfig{
		ScreenerLimit: DefaultScreenerLimit,
		AnalysisLimit: DefaultAnalysisLimit,
	}
	err := s.store.Get(ctx, KeyKlineHistory, &cfg)
	if errors.Is(err, ErrNotFound) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if cfg.ScreenerLimit <= 0 {
		cfg.ScreenerLimit = DefaultScreenerLimit
	}
	if cfg.AnalysisLimit <= 0 {
		cfg.AnalysisLimit = DefaultAnalysisLimit
	}
	return cfg, nil
}

func (s *Service) SetKlineHistory(ctx context.Context, cfg KlineHistoryConfig) error {
	if cfg.ScreenerLimit <= 0 || cfg.AnalysisLimit <= 0 {
		return fmt.Errorf("settings: kline history limits must be positive")
	}
	return s.store.Set(ctx, KeyKlineHistory, cfg)
}

// DedupeThreshold returns the stored bar threshold, defaulting when
// absent or invalid.
func (s *Service) DedupeThreshold(ctx context.Context) (int, error) {
	var v int
	err := s.store.Get(ctx, KeyDedupeThreshold, &v)
	if errors.Is(err, ErrNotFound) {
		return signals.DefaultDedupeThreshold, nil
	}
	if err != nil {
		return signals.DefaultDedupeThreshold, err
	}
	if v <= 0 {
		return signals.DefaultDedupeThreshold, nil
	}
	return v, nil
}

func (s *Service) SetDedupeThreshold(ctx context.Context, bars int) error {
	if bars <= 0 {
		return fmt.Errorf("settings: dedupe threshold must be positive")
	}
	return s.store.Set(ctx, KeyDedupeThreshold, bars)
}

// Favorites returns the pinned symbol list, empty when unset.
func (s *Service) Favorites(ctx context.Context) ([]string, error) {
	var v []string
	err := s.store.Get(ctx, KeyFavorites, &v)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (s *Service) SetFavorites(ctx context.Context, symbols []string) error {
	return s.store.Set(ctx, KeyFavorites, symbols)
}

// SignalHistory returns the persisted dedup snapshot keyed by
// "traderID:symbol".
func (s *Service) SignalHistory(ctx context.Context) (map[string]signals.DedupEntry, error) {
	var v map[string]signals.DedupEntry
	err := s.store.Get(ctx, KeySignalHistory, &v)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// SetSignalHistory persists the dedup snapshot. Oversized snapshots
// are trimmed to the newest MaxSignalHistoryEntries entries by bar
// open time before writing; the trimmed blob must still fit under
// MaxSignalHistoryBytes.
func (s *Service) SetSignalHistory(ctx context.Context, entries map[string]signals.DedupEntry) error {
	if len(entries) > MaxSignalHistoryEntries {
		entries = trimHistory(entries, MaxSignalHistoryEntries)
		s.logger.Debug().
			Int("kept", len(entries)).
			Msg("signal history trimmed before persist")
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("settings: encode signal history: %w", err)
	}
	if len(raw) > MaxSignalHistoryBytes {
		return fmt.Errorf("%w: %d bytes", ErrHistoryTooLarge, len(raw))
	}
	return s.store.Set(ctx, KeySignalHistory, json.RawMessage(raw))
}

// trimHistory keeps the max newest entries by last bar open time.
func trimHistory(entries map[string]signals.DedupEntry, max int) map[string]signals.DedupEntry {
	type kv struct {
		key   string
		entry signals.DedupEntry
	}
	all := make([]kv, 0, len(entries))
	for k, e := range entries {
		all = append(all, kv{k, e})
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].entry.LastOpenTime > all[j].entry.LastOpenTime
	})
	out := make(map[string]signals.DedupEntry, max)
	for _, item := range all[:max] {
		out[item.key] = item.entry
	}
	return out
}
