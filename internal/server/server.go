// Package server exposes the operator HTTP API: status and risk queries,
// grid lifecycle commands, the kill switch and the TradingView webhook.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"gridtrader/internal/alert"
	"gridtrader/internal/controller"
	"gridtrader/internal/core"
	"gridtrader/pkg/telemetry"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	readHeaderTimeout = 5 * time.Second
	maxWebhookBody    = 64 << 10
)

// Feed is the price view the status endpoints read from
type Feed interface {
	Snapshot() map[string]core.Tick
}

// Server serves the REST API and the Prometheus scrape endpoint
type Server struct {
	addr       string
	controller *controller.Controller
	alerts     *alert.Router
	risk       core.IRiskSupervisor
	feed       Feed
	logger     core.ILogger
	startedAt  time.Time

	httpServer *http.Server
}

// NewServer builds the server and its route table
func NewServer(
	addr string,
	ctrl *controller.Controller,
	alerts *alert.Router,
	riskSup core.IRiskSupervisor,
	feed Feed,
	logger core.ILogger,
) *Server {
	s := &Server{
		addr:       addr,
		controller: ctrl,
		alerts:     alerts,
		risk:       riskSup,
		feed:       feed,
		logger:     logger.WithField("component", "server"),
		startedAt:  time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/grids", s.handleGrids)
	mux.HandleFunc("GET /api/grids/{symbol}", s.handleGrid)
	mux.HandleFunc("GET /api/risk", s.handleRisk)
	mux.HandleFunc("GET /api/prices", s.handlePrices)
	mux.HandleFunc("GET /api/alerts", s.handleAlerts)
	mux.HandleFunc("POST /api/grids/{symbol}/start", s.handleStart)
	mux.HandleFunc("POST /api/pause", s.handlePauseAll)
	mux.HandleFunc("POST /api/pause/{symbol}", s.handlePause)
	mux.HandleFunc("POST /api/resume", s.handleResumeAll)
	mux.HandleFunc("POST /api/resume/{symbol}", s.handleResume)
	mux.HandleFunc("POST /api/rebalance", s.handleRebalance)
	mux.HandleFunc("POST /api/deploy", s.handleDeploy)
	mux.HandleFunc("POST /api/kill", s.handleKill)
	mux.HandleFunc("POST /api/reset-kill", s.handleResetKill)
	mux.HandleFunc("POST /api/tv-alert", s.handleWebhook)
	mux.Handle("GET /metrics", promhttp.HandlerFor(
		telemetry.GetGlobalMetrics().Registry,
		promhttp.HandlerOpts{},
	))

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Run serves until ctx ends, then drains with a short grace period
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", s.addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// ----- responses -----

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("Response encoding failed", "error", err.Error())
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps command errors to HTTP status codes. The kill latch maps
// to 403; reset-kill alone uses 409.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrUnknownSymbol):
		return http.StatusNotFound
	case errors.Is(err, core.ErrInvalidParameters):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrKilledByRisk):
		return http.StatusForbidden
	case errors.Is(err, core.ErrStopLossTripped),
		errors.Is(err, core.ErrStartBlocked):
		return http.StatusConflict
	case errors.Is(err, core.ErrExchangeUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ----- read endpoints -----

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"grid_engine":    s.controller != nil,
		"risk_manager":   s.risk != nil,
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"ts":             time.Now().UTC(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"grids":       s.controller.Snapshots(r.Context()),
		"risk":        s.risk.Snapshot(),
		"alert_stats": s.alerts.Stats(),
		"ts":          time.Now().UTC(),
	})
}

func (s *Server) handleGrids(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.controller.Snapshots(r.Context()))
}

func (s *Server) handleGrid(w http.ResponseWriter, r *http.Request) {
	snap, err := s.controller.Snapshot(r.Context(), r.PathValue("symbol"))
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.risk.Snapshot())
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	ticks := s.feed.Snapshot()
	out := make(map[string]interface{}, len(ticks))
	for sym, t := range ticks {
		out[sym] = map[string]interface{}{
			"price": t.Price,
			"ts":    t.Ts,
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol != "" {
		symbol = alert.NormalizeSymbol(symbol)
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": s.alerts.History(symbol, limit),
		"stats":  s.alerts.Stats(),
	})
}

// ----- lifecycle endpoints -----

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	symbol := r.PathValue("symbol")
	placed, err := s.controller.Start(r.Context(), symbol)
	s.writeStartOutcome(w, symbol, placed, err, "started")
}

// writeStartOutcome renders a start or resume result. The kill latch is a
// 403; stop-loss and gate refusals return 200 with a blocked body.
func (s *Server) writeStartOutcome(w http.ResponseWriter, symbol string, placed int, err error, verb string) {
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"status": verb,
			"symbol": symbol,
			"result": map[string]interface{}{"orders_placed": placed},
		})
	case errors.Is(err, core.ErrKilledByRisk):
		s.writeJSON(w, http.StatusForbidden, map[string]string{
			"status": "blocked",
			"reason": err.Error(),
		})
	case errors.Is(err, core.ErrStopLossTripped), errors.Is(err, core.ErrStartBlocked):
		s.writeJSON(w, http.StatusOK, map[string]string{
			"status": "blocked",
			"reason": err.Error(),
		})
	default:
		s.writeError(w, statusFor(err), err.Error())
	}
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Pause(r.Context(), r.PathValue("symbol")); err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handlePauseAll(w http.ResponseWriter, r *http.Request) {
	results, err := s.controller.PauseAll(r.Context())
	if err != nil {
		s.logger.Warn("Pause-all reported failures", "error", err.Error())
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "paused",
		"results": results,
	})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	symbol := r.PathValue("symbol")
	placed, err := s.controller.Resume(r.Context(), symbol)
	s.writeStartOutcome(w, symbol, placed, err, "resumed")
}

func (s *Server) handleResumeAll(w http.ResponseWriter, r *http.Request) {
	results, err := s.controller.ResumeAll(r.Context())
	if err != nil {
		s.logger.Warn("Resume-all reported failures", "error", err.Error())
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "resumed",
		"results": results,
	})
}

func (s *Server) handleRebalance(w http.ResponseWriter, r *http.Request) {
	results, err := s.controller.RebalanceAll(r.Context())
	if err != nil {
		s.logger.Warn("Rebalance reported failures", "error", err.Error())
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "rebalanced",
		"results": results,
	})
}

type deployRequest struct {
	core.GridParameters
	AutoStart bool `json:"auto_start"`
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed deploy request: "+err.Error())
		return
	}
	req.Symbol = alert.NormalizeSymbol(req.Symbol)
	if err := s.controller.Deploy(r.Context(), req.GridParameters, req.AutoStart); err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "deployed",
		"symbol": req.Symbol,
		"config": req.GridParameters,
	})
}

// ----- kill switch -----

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	reason := "manual kill via API"
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.Reason != "" {
		reason = body.Reason
	}
	results := s.controller.Kill(r.Context(), reason)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "killed",
		"reason":  reason,
		"results": results,
	})
}

func (s *Server) handleResetKill(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.ResetKill(r.Context()); err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// ----- webhook -----

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	// signature check comes before any state change
	if !s.alerts.VerifySignature(body, r.Header.Get("X-Webhook-Signature")) {
		s.writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	if killed, reason := s.risk.KillActive(); killed {
		s.writeError(w, http.StatusForbidden, "kill switch active: "+reason)
		return
	}

	res, err := s.alerts.Handle(r.Context(), body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// action carries the mapped grid command, not the raw alert verb
	out := map[string]interface{}{
		"alert":    res.Record.Symbol,
		"action":   res.Command,
		"executed": res.Record.Executed,
	}
	if res.Record.Executed {
		gridResult := map[string]interface{}{}
		switch res.Command {
		case "resume":
			gridResult["status"] = "resumed"
			gridResult["orders_placed"] = res.OrdersPlaced
		case "pause":
			gridResult["status"] = "paused"
		case "stop":
			gridResult["status"] = "stopped"
		}
		out["grid_result"] = gridResult
	}
	s.writeJSON(w, http.StatusOK, out)
}
