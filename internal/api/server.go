package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-monitor/internal/batch"
	"github.com/JakeFAU/listing-monitor/internal/config"
	"github.com/JakeFAU/listing-monitor/internal/crawler"
	"github.com/JakeFAU/listing-monitor/internal/metrics"
	"github.com/JakeFAU/listing-monitor/internal/scheduler"
	"github.com/JakeFAU/listing-monitor/internal/worker"
)

// BatchScanner scans all runnable targets for a keyword.
type BatchScanner interface {
	ScanAll(ctx context.Context, keyword string, opts crawler.ScrapeOptions) ([]batch.TargetResult, error)
}

// TickRunner runs a single monitoring tick for one target.
type TickRunner interface {
	Process(ctx context.Context, item crawler.QueueItem) (worker.Report, error)
}

// Scheduler owns the repeating registrations.
type Scheduler interface {
	Schedule(target crawler.MonitoredTarget) scheduler.Registration
	Unschedule(targetID string) bool
}

// Deps are the collaborators the handlers call into.
type Deps struct {
	Targets   crawler.TargetStore
	Scanner   BatchScanner
	Ticks     TickRunner
	Scheduler Scheduler
	Clock     crawler.Clock
}

// Server wires HTTP handlers to the scanner, worker and scheduler.
type Server struct {
	router chi.Router
	deps   Deps
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:   deps,
		cfg:    cfg,
		logger: logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/v1", func(r chi.Router) {
			r.Post("/scan", s.scanAll)
			r.Route("/targets/{target_id}", func(r chi.Router) {
				r.Post("/scan", s.scanTarget)
				r.Put("/schedule", s.resumeTarget)
				r.Delete("/schedule", s.pauseTarget)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Targets == nil {
		writeError(w, http.StatusServiceUnavailable, "target store not configured")
		return
	}
	if _, err := s.deps.Targets.ListTargets(r.Context()); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "target store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type scanRequest struct {
	Keyword     string   `json:"keyword"`
	InStockOnly bool     `json:"in_stock_only"`
	MaxPrice    *float64 `json:"max_price"`
	FastMode    bool     `json:"fast_mode"`
	MaxPages    *int     `json:"max_pages"`
}

type scanResponse struct {
	Keyword string               `json:"keyword,omitempty"`
	Results []batch.TargetResult `json:"results"`
}

func (s *Server) scanAll(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	opts, err := s.toScrapeOptions(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	results, err := s.deps.Scanner.ScanAll(r.Context(), req.Keyword, opts)
	if err != nil {
		s.logger.Error("scan all failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list targets")
		return
	}
	if results == nil {
		results = []batch.TargetResult{}
	}
	writeJSON(w, http.StatusOK, scanResponse{Keyword: req.Keyword, Results: results})
}

type tickRequest struct {
	Keyword string `json:"keyword"`
}

func (s *Server) scanTarget(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "target_id")
	var req tickRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	item := crawler.QueueItem{
		TargetID:  targetID,
		Keyword:   req.Keyword,
		Attempt:   1,
		Submitted: s.now().UnixNano(),
	}
	report, err := s.deps.Ticks.Process(r.Context(), item)
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			writeError(w, http.StatusNotFound, "target not found")
			return
		}
		s.logger.Warn("target scan failed", zap.String("target_id", targetID), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":  crawler.UserMessage(err),
			"report": report,
		})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) resumeTarget(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "target_id")
	target, ok := s.loadTarget(w, r, targetID)
	if !ok {
		return
	}
	if target.Status == crawler.TargetExpired || target.Expired(s.now()) {
		writeError(w, http.StatusConflict, "target expired")
		return
	}
	if !target.Enabled {
		writeError(w, http.StatusConflict, "target disabled")
		return
	}
	if err := s.deps.Targets.SetTargetStatus(r.Context(), targetID, crawler.TargetActive); err != nil {
		s.logger.Error("resume target failed", zap.String("target_id", targetID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to update target")
		return
	}
	target.Paused = false
	target.Status = crawler.TargetActive
	reg := s.deps.Scheduler.Schedule(target)
	writeJSON(w, http.StatusOK, map[string]any{
		"target_id": reg.TargetID,
		"keyword":   reg.Keyword,
		"interval":  reg.Interval.String(),
		"status":    crawler.TargetActive,
	})
}

func (s *Server) pauseTarget(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "target_id")
	if _, ok := s.loadTarget(w, r, targetID); !ok {
		return
	}
	removed := s.deps.Scheduler.Unschedule(targetID)
	if err := s.deps.Targets.SetTargetStatus(r.Context(), targetID, crawler.TargetPaused); err != nil {
		s.logger.Error("pause target failed", zap.String("target_id", targetID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to update target")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"target_id":   targetID,
		"unscheduled": removed,
		"status":      crawler.TargetPaused,
	})
}

func (s *Server) loadTarget(w http.ResponseWriter, r *http.Request, targetID string) (crawler.MonitoredTarget, bool) {
	target, err := s.deps.Targets.GetTarget(r.Context(), targetID)
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			writeError(w, http.StatusNotFound, "target not found")
			return crawler.MonitoredTarget{}, false
		}
		s.logger.Error("load target failed", zap.String("target_id", targetID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load target")
		return crawler.MonitoredTarget{}, false
	}
	return target, true
}

func (s *Server) toScrapeOptions(req scanRequest) (crawler.ScrapeOptions, error) {
	opts := crawler.ScrapeOptions{
		InStockOnly: req.InStockOnly,
		FastMode:    req.FastMode,
		MaxPages:    s.cfg.Scrape.MaxPages,
	}
	if req.MaxPrice != nil {
		if *req.MaxPrice < 0 {
			return opts, errors.New("max_price must be non-negative")
		}
		price := *req.MaxPrice
		opts.MaxPrice = &price
	}
	if req.MaxPages != nil {
		if *req.MaxPages < 0 {
			return opts, errors.New("max_pages must be non-negative")
		}
		opts.MaxPages = *req.MaxPages
	}
	return opts, nil
}

func (s *Server) now() time.Time {
	if s.deps.Clock != nil {
		return s.deps.Clock.Now()
	}
	return time.Now()
}

// decodeOptional decodes a JSON body into dst, treating an empty body as {}.
func decodeOptional(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", reqID),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
