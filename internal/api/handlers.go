package api

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"crypto-screener/internal/engine"
	"crypto-screener/internal/history"
	"crypto-screener/internal/market"
	"crypto-screener/internal/settings"
	"crypto-screener/internal/signals"
	"crypto-screener/internal/trader"
)

const (
	defaultSignalLimit = 100
	defaultKlineLimit  = 100
)

// intQuery parses a non-negative integer query parameter.
func intQuery(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return v, nil
}

// handleHealth reports liveness and the current data-path mode.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"mode":   s.core.Fallback().Mode(),
	})
}

// statusResponse extends the engine snapshot with server-side state.
type statusResponse struct {
	engine.Status
	WSClients int `json:"wsClients"`
}

// handleStatus returns the cross-component snapshot.
func (s *Server) handleStatus(c *gin.Context) {
	successResponse(c, statusResponse{
		Status:    s.core.Status(),
		WSClients: s.hub.ClientCount(),
	})
}

// handleTickers returns the ticker table, largest quote volume first.
func (s *Server) handleTickers(c *gin.Context) {
	limit, err := intQuery(c, "limit", 0)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	ts := s.core.Tickers().Snapshot()
	sort.Slice(ts, func(i, j int) bool { return ts[i].QuoteVolume > ts[j].QuoteVolume })
	if limit > 0 && limit < len(ts) {
		ts = ts[:limit]
	}
	successResponse(c, ts)
}

// handleKlines serves a window over one stored series.
func (s *Server) handleKlines(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))

	interval := market.Interval(c.DefaultQuery("interval", string(market.Interval1m)))
	if !interval.IsValid() {
		errorResponse(c, http.StatusBadRequest, fmt.Sprintf("unknown interval %q", interval))
		return
	}

	limit, err := intQuery(c, "limit", defaultKlineLimit)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	view, ok := s.core.Store().Series(symbol, interval)
	if !ok {
		errorResponse(c, http.StatusNotFound, fmt.Sprintf("no data for %s %s", symbol, interval))
		return
	}

	var ks []market.Kline
	if c.Query("closed") == "true" {
		ks = view.Closed()
	} else {
		ks = view.All()
	}
	if limit > 0 && len(ks) > limit {
		ks = ks[len(ks)-limit:]
	}

	successResponse(c, gin.H{
		"symbol":   symbol,
		"interval": interval,
		"klines":   ks,
	})
}

// handleListSignals returns signals filtered by the query parameters.
// trader may repeat; limit=0 returns everything.
func (s *Server) handleListSignals(c *gin.Context) {
	limit, err := intQuery(c, "limit", defaultSignalLimit)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := intQuery(c, "offset", 0)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	q := signals.Query{
		Limit:     limit,
		Offset:    offset,
		TraderIDs: c.QueryArray("trader"),
		Symbol:    strings.ToUpper(c.Query("symbol")),
	}

	switch status := signals.Status(c.Query("status")); status {
	case "", signals.StatusActive, signals.StatusClosed:
		q.Status = status
	default:
		errorResponse(c, http.StatusBadRequest, "status must be active or closed")
		return
	}

	switch source := signals.Source(c.Query("source")); source {
	case "", signals.SourceLocal, signals.SourceRemote:
		q.Source = source
	default:
		errorResponse(c, http.StatusBadRequest, "source must be local or remote")
		return
	}

	successResponse(c, s.core.Signals().List(q))
}

// handleGetSignal returns one signal by id.
func (s *Server) handleGetSignal(c *gin.Context) {
	sig, ok := s.core.Signals().Get(c.Param("id"))
	if !ok {
		errorResponse(c, http.StatusNotFound, "signal not found")
		return
	}
	successResponse(c, sig)
}

// handleCloseSignal closes an active signal.
func (s *Server) handleCloseSignal(c *gin.Context) {
	id := c.Param("id")
	if !s.core.Signals().Close(id) {
		errorResponse(c, http.StatusNotFound, "signal not found or already closed")
		return
	}
	sig, _ := s.core.Signals().Get(id)
	successResponse(c, sig)
}

// handleListTraders returns every stored trader.
func (s *Server) handleListTraders(c *gin.Context) {
	list, err := s.core.Traders().List(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to load traders")
		return
	}
	successResponse(c, list)
}

// handleGetTrader returns one trader by id.
func (s *Server) handleGetTrader(c *gin.Context) {
	t, err := s.core.Traders().Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, trader.ErrNotFound) {
		errorResponse(c, http.StatusNotFound, "trader not found")
		return
	}
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to load trader")
		return
	}
	successResponse(c, t)
}

// traderRequest is the create and update payload.
type traderRequest struct {
	Name        string              `json:"name" binding:"required"`
	Description string              `json:"description"`
	Enabled     *bool               `json:"enabled"`
	AccessTier  trader.Tier         `json:"access_tier"`
	Filter      trader.TraderFilter `json:"filter"`
}

func validTier(t trader.Tier) bool {
	switch t {
	case trader.TierAnonymous, trader.TierFree, trader.TierPro, trader.TierElite:
		return true
	}
	return false
}

// apply copies the request onto t and revalidates predicate and fields.
func (s *Server) apply(c *gin.Context, req traderRequest, t *trader.Trader) bool {
	t.Name = req.Name
	t.Description = req.Description
	t.Filter = req.Filter
	if req.Enabled != nil {
		t.Enabled = *req.Enabled
	}
	if req.AccessTier != "" {
		if !validTier(req.AccessTier) {
			errorResponse(c, http.StatusBadRequest, fmt.Sprintf("unknown access tier %q", req.AccessTier))
			return false
		}
		t.AccessTier = req.AccessTier
	}

	if err := t.Validate(); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return false
	}
	if err := s.core.Runtime().Validate(t.Filter.Code); err != nil {
		errorResponse(c, http.StatusBadRequest, "predicate rejected: "+err.Error())
		return false
	}
	if !callerPolicy(c).CanExecute(*t) {
		errorResponse(c, http.StatusForbidden, "tier does not allow this trader")
		return false
	}
	return true
}

// handleCreateTrader validates and stores a new trader.
func (s *Server) handleCreateTrader(c *gin.Context) {
	var req traderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	t := trader.New(req.Name, req.Filter)
	if !s.apply(c, req, &t) {
		return
	}

	if err := s.core.Traders().Put(c.Request.Context(), t); err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to store trader")
		return
	}
	successResponse(c, t)
}

// handleUpdateTrader replaces an existing trader's definition.
func (s *Server) handleUpdateTrader(c *gin.Context) {
	ctx := c.Request.Context()

	existing, err := s.core.Traders().Get(ctx, c.Param("id"))
	if errors.Is(err, trader.ErrNotFound) {
		errorResponse(c, http.StatusNotFound, "trader not found")
		return
	}
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to load trader")
		return
	}
	if !callerPolicy(c).CanExecute(existing) {
		errorResponse(c, http.StatusForbidden, "tier does not allow this trader")
		return
	}

	var req traderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	updated := existing
	if !s.apply(c, req, &updated) {
		return
	}
	updated.UpdatedAt = time.Now().UTC()

	if err := s.core.Traders().Put(ctx, updated); err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to store trader")
		return
	}
	successResponse(c, updated)
}

// handleDeleteTrader removes a trader.
func (s *Server) handleDeleteTrader(c *gin.Context) {
	ctx := c.Request.Context()

	existing, err := s.core.Traders().Get(ctx, c.Param("id"))
	if errors.Is(err, trader.ErrNotFound) {
		errorResponse(c, http.StatusNotFound, "trader not found")
		return
	}
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to load trader")
		return
	}
	if !callerPolicy(c).CanExecute(existing) {
		errorResponse(c, http.StatusForbidden, "tier does not allow this trader")
		return
	}

	if err := s.core.Traders().Delete(ctx, existing.ID); err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to delete trader")
		return
	}
	successResponse(c, gin.H{"message": "trader deleted"})
}

// scanRequest describes one historical scan.
type scanRequest struct {
	TraderIDs           []string `json:"traderIds"`
	Symbols             []string `json:"symbols"`
	LookbackBars        int      `json:"lookbackBars"`
	MaxSignalsPerSymbol int      `json:"maxSignalsPerSymbol"`
	RecordIndicators    bool     `json:"recordIndicators"`
}

// handleStartScan launches a historical scan. With no trader ids the
// scan runs every enabled trader the caller's tier can execute.
func (s *Server) handleStartScan(c *gin.Context) {
	ctx := c.Request.Context()

	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	policy := callerPolicy(c)
	var list []trader.Trader
	if len(req.TraderIDs) > 0 {
		for _, id := range req.TraderIDs {
			t, err := s.core.Traders().Get(ctx, id)
			if errors.Is(err, trader.ErrNotFound) {
				errorResponse(c, http.StatusBadRequest, "unknown trader "+id)
				return
			}
			if err != nil {
				errorResponse(c, http.StatusInternalServerError, "failed to load traders")
				return
			}
			if !policy.CanExecute(t) {
				errorResponse(c, http.StatusForbidden, "tier does not allow trader "+t.Name)
				return
			}
			list = append(list, t)
		}
	} else {
		all, err := s.core.Traders().List(ctx)
		if err != nil {
			errorResponse(c, http.StatusInternalServerError, "failed to load traders")
			return
		}
		for _, t := range all {
			if t.Enabled && policy.CanExecute(t) {
				list = append(list, t)
			}
		}
	}

	symbols := make([]string, 0, len(req.Symbols))
	for _, sym := range req.Symbols {
		symbols = append(symbols, strings.ToUpper(sym))
	}

	scan, err := s.core.Scanner().Start(history.ScanConfig{
		Traders:             list,
		Symbols:             symbols,
		LookbackBars:        req.LookbackBars,
		MaxSignalsPerSymbol: req.MaxSignalsPerSymbol,
		RecordIndicators:    req.RecordIndicators,
	})
	if errors.Is(err, history.ErrNoTraders) || errors.Is(err, history.ErrNoSymbols) {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to start scan")
		return
	}

	successResponse(c, scan.Status())
}

// handleListScans summarizes every tracked scan.
func (s *Server) handleListScans(c *gin.Context) {
	successResponse(c, s.core.Scanner().List())
}

// scanResponse is the per-scan payload; signals ride along only when
// requested.
type scanResponse struct {
	Status  history.Status             `json:"status"`
	Signals []history.HistoricalSignal `json:"signals,omitempty"`
}

// handleGetScan reports scan progress, with results when ?results=true.
func (s *Server) handleGetScan(c *gin.Context) {
	scan, ok := s.core.Scanner().Get(c.Param("id"))
	if !ok {
		errorResponse(c, http.StatusNotFound, "scan not found")
		return
	}

	resp := scanResponse{Status: scan.Status()}
	if c.Query("results") == "true" {
		resp.Signals = scan.Results()
	}
	successResponse(c, resp)
}

// handleDeleteScan cancels a scan and drops it from the registry.
func (s *Server) handleDeleteScan(c *gin.Context) {
	id := c.Param("id")
	scan, ok := s.core.Scanner().Get(id)
	if !ok {
		errorResponse(c, http.StatusNotFound, "scan not found")
		return
	}

	scan.Cancel()
	s.core.Scanner().Delete(id)
	successResponse(c, gin.H{"message": "scan cancelled"})
}

// settingsService fails the request when no settings backend is wired.
func (s *Server) settingsService(c *gin.Context) (*settings.Service, bool) {
	svc := s.core.Settings()
	if svc == nil {
		errorResponse(c, http.StatusServiceUnavailable, "settings store not configured")
		return nil, false
	}
	return svc, true
}

// handleGetKlineHistory returns the stored history depth configuration.
func (s *Server) handleGetKlineHistory(c *gin.Context) {
	svc, ok := s.settingsService(c)
	if !ok {
		return
	}

	cfg, err := svc.KlineHistory(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusServiceUnavailable, "settings store unavailable")
		return
	}
	successResponse(c, cfg)
}

// handleSetKlineHistory stores new history depths. The store applies
// them at the next start.
func (s *Server) handleSetKlineHistory(c *gin.Context) {
	svc, ok := s.settingsService(c)
	if !ok {
		return
	}

	var req settings.KlineHistoryConfig
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if req.ScreenerLimit <= 0 || req.AnalysisLimit <= 0 {
		errorResponse(c, http.StatusBadRequest, "limits must be positive")
		return
	}

	if err := svc.SetKlineHistory(c.Request.Context(), req); err != nil {
		errorResponse(c, http.StatusServiceUnavailable, "settings store unavailable")
		return
	}
	successResponse(c, req)
}

// handleGetDedupeThreshold returns the persisted dedup threshold.
func (s *Server) handleGetDedupeThreshold(c *gin.Context) {
	svc, ok := s.settingsService(c)
	if !ok {
		return
	}

	bars, err := svc.DedupeThreshold(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusServiceUnavailable, "settings store unavailable")
		return
	}
	successResponse(c, gin.H{"bars": bars})
}

// handleSetDedupeThreshold persists a new threshold and applies it to
// the live signal manager.
func (s *Server) handleSetDedupeThreshold(c *gin.Context) {
	svc, ok := s.settingsService(c)
	if !ok {
		return
	}

	var req struct {
		Bars int `json:"bars"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if req.Bars <= 0 {
		errorResponse(c, http.StatusBadRequest, "bars must be positive")
		return
	}

	if err := svc.SetDedupeThreshold(c.Request.Context(), req.Bars); err != nil {
		errorResponse(c, http.StatusServiceUnavailable, "settings store unavailable")
		return
	}
	s.core.Signals().SetDedupeThreshold(req.Bars)
	successResponse(c, gin.H{"bars": req.Bars})
}

// handleGetFavorites returns the pinned symbol list.
func (s *Server) handleGetFavorites(c *gin.Context) {
	svc, ok := s.settingsService(c)
	if !ok {
		return
	}

	favs, err := svc.Favorites(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusServiceUnavailable, "settings store unavailable")
		return
	}
	if favs == nil {
		favs = []string{}
	}
	successResponse(c, gin.H{"symbols": favs})
}

// handleSetFavorites persists pinned symbols and shields them from
// cleanup sweeps immediately.
func (s *Server) handleSetFavorites(c *gin.Context) {
	svc, ok := s.settingsService(c)
	if !ok {
		return
	}

	var req struct {
		Symbols []string `json:"symbols"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	for i, sym := range req.Symbols {
		req.Symbols[i] = strings.ToUpper(sym)
	}

	if err := svc.SetFavorites(c.Request.Context(), req.Symbols); err != nil {
		errorResponse(c, http.StatusServiceUnavailable, "settings store unavailable")
		return
	}
	s.core.Cleanup().SetSelected(req.Symbols)
	successResponse(c, gin.H{"symbols": req.Symbols})
}
