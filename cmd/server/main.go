package main

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/pagelift/ocr-extraction-service/internal/config"
	"github.com/pagelift/ocr-extraction-service/internal/fault"
	"github.com/pagelift/ocr-extraction-service/internal/pipeline"
	"github.com/pagelift/ocr-extraction-service/internal/signature"
	"github.com/pagelift/ocr-extraction-service/internal/types"
)

type serverMetrics struct {
	mu            sync.RWMutex
	totalRequests int64
	activeReqs    int64
}

func (m *serverMetrics) incActive() {
	m.mu.Lock()
	m.activeReqs++
	m.totalRequests++
	m.mu.Unlock()
}
func (m *serverMetrics) decActive() {
	m.mu.Lock()
	m.activeReqs--
	m.mu.Unlock()
}
func (m *serverMetrics) get() (total, active int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalRequests, m.activeReqs
}

type server struct {
	cfg       config.Config
	log       *logrus.Logger
	processor *pipeline.Processor

	requestSem *semaphore.Weighted
	ocrSem     *semaphore.Weighted

	// Per-IP rate limiters
	limiters *sync.Map

	metrics *serverMetrics
}

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	s := &server{
		cfg:        cfg,
		log:        log,
		processor:  pipeline.New(cfg, log),
		requestSem: semaphore.NewWeighted(cfg.MaxConcurrentRequests),
		ocrSem:     semaphore.NewWeighted(cfg.MaxOCRConcurrent),
		limiters:   &sync.Map{},
		metrics:    &serverMetrics{},
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/metrics", s.withInternalAuth(s.handleMetrics))

	mux.HandleFunc("/extract",
		s.withRateLimit(
			s.withMethod("POST",
				s.withConcurrencyLimit(s.handleExtract))))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.withLogging(s.withRecovery(mux)),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	if cfg.WebhookSecret == "" {
		log.Warn("WEBHOOK_SECRET not set, signature verification disabled")
	}
	if !cfg.AzureConfigured() && !cfg.VisionConfigured() {
		log.Warn("no OCR engine configured, /extract will return no_ocr_engine")
	}

	go s.cleanupRateLimiters()

	log.WithFields(logrus.Fields{
		"addr":          srv.Addr,
		"maxConcurrent": cfg.MaxConcurrentRequests,
		"maxOCR":        cfg.MaxOCRConcurrent,
	}).Info("ocr webhook listening")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Fatal("server exited")
	}
}

func (s *server) cleanupRateLimiters() {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for range ticker.C {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		total, active := s.metrics.get()
		s.log.WithFields(logrus.Fields{
			"active":     active,
			"total":      total,
			"goroutines": runtime.NumGoroutine(),
			"memMB":      m.Alloc / (1 << 20),
		}).Info("stats")

		s.limiters.Range(func(k, _ any) bool {
			s.limiters.Delete(k)
			return true
		})
	}
}

// ---------- Handlers ----------

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_, active := s.metrics.get()
	ok := true
	code := http.StatusOK

	if active >= int64(float64(s.cfg.MaxConcurrentRequests)*s.cfg.HealthDegradeRatio) {
		ok = false
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"ok":     ok,
		"active": active,
	})
}

func (s *server) handleReady(w http.ResponseWriter, r *http.Request) {
	// Presence-only booleans; never echoes secret values.
	writeJSON(w, http.StatusOK, map[string]any{
		"azure":     s.cfg.AzureConfigured(),
		"vision":    s.cfg.VisionConfigured(),
		"signature": s.cfg.WebhookSecret != "",
		"preslice":  s.cfg.PresliceEnabled,
	})
}

func (s *server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	total, active := s.metrics.get()

	writeJSON(w, http.StatusOK, map[string]any{
		"activeRequests": active,
		"totalRequests":  total,
		"goroutines":     runtime.NumGoroutine(),
		"memAllocMB":     m.Alloc / (1 << 20),
		"memSysMB":       m.Sys / (1 << 20),
	})
}

func (s *server) handleExtract(w http.ResponseWriter, r *http.Request) {
	reqID := requestID(r)
	w.Header().Set("X-Request-ID", reqID)

	// Signature verification runs over the exact wire bytes, before any
	// JSON parsing: a re-serialized body is not guaranteed byte-identical.
	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxJSONBodyBytes+1))
	if err != nil {
		s.writeFault(w, reqID, fault.New(fault.CodeMissingFields, 400, "could not read request body"))
		return
	}
	if int64(len(body)) > s.cfg.MaxJSONBodyBytes {
		s.writeFault(w, reqID, fault.Newf(fault.CodePayloadTooLarge, 400,
			"request body exceeds %d bytes", s.cfg.MaxJSONBodyBytes))
		return
	}

	if err := signature.Verify(s.cfg.WebhookSecret, r.Header.Get("X-Signature"), body); err != nil {
		s.writeFault(w, reqID, err)
		return
	}

	var req types.ExtractRequest
	if err := decodeJSON(body, &req); err != nil {
		s.writeFault(w, reqID, fault.New(fault.CodeMissingFields, 400, "request body is not valid JSON").
			WithDetail("cause", err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ExtractTimeout)
	defer cancel()

	// OCR capacity gating
	if err := s.ocrSem.Acquire(ctx, 1); err != nil {
		s.writeFault(w, reqID, fault.New(fault.CodeOCRCapacity, 503, "OCR at capacity"))
		return
	}
	defer s.ocrSem.Release(1)

	resp, err := s.processor.Extract(ctx, req)
	if err != nil {
		s.writeFault(w, reqID, err)
		return
	}
	resp.RequestID = reqID
	writeJSON(w, http.StatusOK, resp)
}

// ---------- Middleware ----------

func (s *server) withMethod(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			s.writeFault(w, requestID(r), fault.New(fault.CodeMethodNotAllowed, http.StatusMethodNotAllowed,
				"method must be "+method))
			return
		}
		next(w, r)
	}
}

func (s *server) withInternalAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.WebhookSecret != "" {
			got := r.Header.Get("X-Internal-Auth")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.WebhookSecret)) != 1 {
				s.writeFault(w, requestID(r), fault.New(fault.CodeUnauthorized, 401, "invalid authentication"))
				return
			}
		}
		next(w, r)
	}
}

func (s *server) withConcurrencyLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.requestSem.Acquire(r.Context(), 1); err != nil {
			s.writeFault(w, requestID(r), fault.New(fault.CodeCapacity, 503, "service at capacity"))
			return
		}
		defer s.requestSem.Release(1)

		s.metrics.incActive()
		defer s.metrics.decActive()

		next(w, r)
	}
}

func (s *server) withRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limiter := s.getRateLimiter(getClientIP(r))

		if !limiter.Allow() {
			w.Header().Set("Retry-After", "60")
			s.writeFault(w, requestID(r), fault.New(fault.CodeRateLimit, http.StatusTooManyRequests,
				"rate limit exceeded"))
			return
		}
		next(w, r)
	}
}

func (s *server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.log.WithField("panic", fmt.Sprintf("%v", err)).Error("request panicked")
				s.writeFault(w, requestID(r), fault.New(fault.CodeInternal, 500, "internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &wrapWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(ww, r)

		s.log.WithFields(logrus.Fields{
			"method":    r.Method,
			"path":      sanitizeLogString(r.URL.Path),
			"status":    ww.status,
			"duration":  time.Since(start).String(),
			"requestId": ww.Header().Get("X-Request-ID"),
		}).Info("request")
	})
}

type wrapWriter struct {
	http.ResponseWriter
	status int
}

func (w *wrapWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// ---------- Helpers ----------

func (s *server) getRateLimiter(ip string) *rate.Limiter {
	if v, ok := s.limiters.Load(ip); ok {
		return v.(*rate.Limiter)
	}
	limiter := rate.NewLimiter(rate.Every(s.cfg.RateLimitEvery), s.cfg.RateLimitBurst)
	s.limiters.Store(ip, limiter)
	return limiter
}

func getClientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		if idx := strings.Index(ip, ","); idx > 0 {
			return strings.TrimSpace(ip[:idx])
		}
		return strings.TrimSpace(ip)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return strings.TrimSpace(ip)
	}

	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func requestID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Request-ID")); id != "" && len(id) <= 128 {
		return id
	}
	return uuid.NewString()
}

func decodeJSON(body []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(out); err != nil {
		return err
	}
	// Reject trailing data after the first JSON value.
	if err := dec.Decode(new(any)); err != io.EOF {
		if err == nil {
			return fmt.Errorf("unexpected trailing data")
		}
		return err
	}
	return nil
}

func sanitizeLogString(sv string) string {
	sv = strings.ReplaceAll(sv, "\n", "")
	sv = strings.ReplaceAll(sv, "\r", "")
	if len(sv) > 200 {
		sv = sv[:200] + "..."
	}
	return sv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *server) writeFault(w http.ResponseWriter, reqID string, err error) {
	f := fault.From(err)
	s.log.WithFields(logrus.Fields{
		"code":      string(f.Code),
		"status":    f.HTTPStatus,
		"message":   f.Message,
		"requestId": reqID,
	}).Warn("request failed")

	if w.Header().Get("X-Request-ID") == "" {
		w.Header().Set("X-Request-ID", reqID)
	}
	payload := map[string]any{
		"code":       string(f.Code),
		"httpStatus": f.HTTPStatus,
		"message":    f.Message,
		"requestId":  reqID,
	}
	if len(f.Detail) > 0 {
		payload["detail"] = f.Detail
	}
	writeJSON(w, f.HTTPStatus, map[string]any{"error": payload})
}
