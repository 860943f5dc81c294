package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/attendance-mail/attendance/internal/config"
	"github.com/attendance-mail/attendance/internal/history"
	"github.com/attendance-mail/attendance/internal/logger"
	"github.com/attendance-mail/attendance/internal/pipeline"
)

const (
	defaultRateLimit  = 30
	defaultRateWindow = time.Minute
	jobRetention      = 24 * time.Hour
	recentRunsLimit   = 20
)

// Runner executes one pipeline run
type Runner interface {
	Run(ctx context.Context, mode pipeline.Mode) (*pipeline.Result, error)
}

// RunLister lists audited runs. history.Store implements it.
type RunLister interface {
	GetRecentRuns(limit int) ([]history.Run, error)
}

type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

func (rl *RateLimiter) filterRecent(times []time.Time, windowStart time.Time) []time.Time {
	n := 0
	for _, t := range times {
		if t.After(windowStart) {
			times[n] = t
			n++
		}
	}
	return times[:n]
}

func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	recent := rl.filterRecent(rl.requests[key], now.Add(-rl.window))

	if len(recent) >= rl.limit {
		rl.requests[key] = recent
		return false
	}
	rl.requests[key] = append(recent, now)
	return true
}

func (rl *RateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !rl.Allow(host) {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Server exposes run triggers over HTTP
type Server struct {
	config      config.ServerConfig
	runner      Runner
	runs        RunLister
	jobManager  *JobManager
	rateLimiter *RateLimiter
	httpServer  *http.Server

	// base is the parent context of async runs
	base context.Context
}

func NewServer(cfg config.ServerConfig, runner Runner, runs RunLister) *Server {
	return &Server{
		config:      cfg,
		runner:      runner,
		runs:        runs,
		jobManager:  NewJobManager(),
		rateLimiter: NewRateLimiter(defaultRateLimit, defaultRateWindow),
		base:        context.Background(),
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	s.base = ctx
	s.httpServer = &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 10 * time.Minute, // synchronous runs wait for the mailbox
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Log.WithField("addr", s.config.Addr).Info("Starting trigger server")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("server error: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Router builds the route table
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)
		r.Use(s.rateLimiter.middleware)

		r.Post("/run/all", s.handleRun(pipeline.ModeAll))
		r.Post("/run/deductions", s.handleRun(pipeline.ModeDeductions))
		r.Post("/run/report", s.handleRun(pipeline.ModeReport))

		r.Get("/jobs/active", s.handleJobActive)
		r.Get("/jobs/{jobID}", s.handleJobStatus)
		r.Get("/runs", s.handleRuns)
	})

	return r
}

// requestLogger logs each request through logrus
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.Log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("status", ww.Status()).
			WithField("duration", time.Since(start)).
			WithField("request_id", middleware.GetReqID(r.Context())).
			Info("http request")
	})
}

// securityHeaders adds security headers to all responses
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// requireToken checks the bearer token. An empty configured token disables
// the check.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.config.Token)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.WithError(err).Warn("failed to encode response")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRun runs synchronously and returns the result, or with ?async=1
// starts the run in the background and returns the job.
func (s *Server) handleRun(mode pipeline.Mode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.jobManager.Cleanup(jobRetention)

		job, ok := s.jobManager.Start(mode)
		if !ok {
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"error": "a run is already in progress",
				"job":   job.ToJSON(),
			})
			return
		}

		runFn := func(ctx context.Context) (*pipeline.Result, error) { return s.runner.Run(ctx, mode) }

		if async := r.URL.Query().Get("async"); async == "1" || async == "true" {
			go s.jobManager.run(s.base, job, runFn)
			writeJSON(w, http.StatusAccepted, job.ToJSON())
			return
		}

		// a client disconnect must not cut a notice batch short
		s.jobManager.run(s.base, job, runFn)

		status := http.StatusOK
		if job.Status == JobStatusError {
			status = http.StatusInternalServerError
		}
		writeJSON(w, status, job.ToJSON())
	}
}

func (s *Server) handleJobActive(w http.ResponseWriter, r *http.Request) {
	job := s.jobManager.GetActive()
	if job == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"job": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"job": job.ToJSON()})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job := s.jobManager.Get(chi.URLParam(r, "jobID"))
	if job == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}
	writeJSON(w, http.StatusOK, job.ToJSON())
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeJSON(w, http.StatusOK, []history.Run{})
		return
	}
	runs, err := s.runs.GetRecentRuns(recentRunsLimit)
	if err != nil {
		logger.Log.WithError(err).Error("failed to list runs")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list runs"})
		return
	}
	if runs == nil {
		runs = []history.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}
