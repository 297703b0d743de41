package http

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"cofrinho/internal/advisory"
	"cofrinho/internal/core"
	"cofrinho/internal/forecast"
	"cofrinho/internal/replication"
	"cofrinho/internal/rollover"
)

type Server struct {
	http.Server

	engine     *rollover.Engine
	sync       *replication.Syncer
	forecaster *forecast.Forecaster
	advisor    advisory.Advisor

	rateLimiter *rateLimiter

	// Mutations to a period are serialized; concurrent edits within a process
	// would race on the read-modify-write cycle.
	editMu sync.Mutex

	shutdownOnce sync.Once
}

// Simple in-memory rate limiter
type rateLimiter struct {
	mu           sync.Mutex
	clients      map[string]*clientInfo
	stopCleanup  chan struct{}
	shutdownOnce sync.Once
}

type clientInfo struct {
	lastRequest time.Time
	requests    int
}

func newRateLimiter() *rateLimiter {
	rl := &rateLimiter{
		clients:     make(map[string]*clientInfo),
		stopCleanup: make(chan struct{}),
	}
	go rl.startCleanup()
	return rl
}

// startCleanup runs periodic cleanup to remove stale client entries
func (rl *rateLimiter) startCleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanupStaleEntries()
		case <-rl.stopCleanup:
			return
		}
	}
}

// cleanupStaleEntries removes client entries older than 10 minutes
func (rl *rateLimiter) cleanupStaleEntries() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-10 * time.Minute)
	for ip, client := range rl.clients {
		if client.lastRequest.Before(cutoff) {
			delete(rl.clients, ip)
		}
	}
}

// stop gracefully shuts down the rate limiter cleanup goroutine
func (rl *rateLimiter) stop() {
	rl.shutdownOnce.Do(func() {
		if rl.stopCleanup != nil {
			close(rl.stopCleanup)
		}
	})
}

func (rl *rateLimiter) allow(clientIP string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	client, exists := rl.clients[clientIP]

	if !exists {
		rl.clients[clientIP] = &clientInfo{
			lastRequest: now,
			requests:    1,
		}
		return true
	}

	// Reset counter if more than 1 minute has passed
	if now.Sub(client.lastRequest) > time.Minute {
		client.requests = 1
		client.lastRequest = now
		return true
	}

	// Allow up to 60 requests per minute
	client.requests++
	client.lastRequest = now

	return client.requests <= 60
}

// Shutdown gracefully shuts down the server and cleanup routines
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		if s.rateLimiter != nil {
			s.rateLimiter.stop()
		}
		shutdownErr = s.Server.Shutdown(ctx)
	})

	return shutdownErr
}

// NewServer configures routes, returning a ready-to-run http.Server. advisor
// may be nil when no advice backend is configured.
func NewServer(addr string, engine *rollover.Engine, syncer *replication.Syncer, forecaster *forecast.Forecaster, advisor advisory.Advisor) *Server {
	mux := http.NewServeMux()

	s := &Server{
		Server: http.Server{
			Addr:    addr,
			Handler: mux,
		},
		engine:      engine,
		sync:        syncer,
		forecaster:  forecaster,
		advisor:     advisor,
		rateLimiter: newRateLimiter(),
	}

	mux.HandleFunc("/healthz", handleHealth)
	mux.HandleFunc("/readyz", handleReady)

	mux.HandleFunc("GET /api/periods/{key}", s.withAPIDefaults(s.handleGetPeriod))
	mux.HandleFunc("POST /api/periods/{key}/transactions", s.withAPIDefaults(s.handleAddTransaction))
	mux.HandleFunc("PUT /api/periods/{key}/transactions/{id}", s.withAPIDefaults(s.handleUpdateTransaction))
	mux.HandleFunc("POST /api/periods/{key}/transactions/{id}/pay", s.withAPIDefaults(s.handlePayTransaction))
	mux.HandleFunc("DELETE /api/periods/{key}/transactions/{id}", s.withAPIDefaults(s.handleDeleteTransaction))
	mux.HandleFunc("PUT /api/periods/{key}/accounts/{id}", s.withAPIDefaults(s.handleUpdateAccount))
	mux.HandleFunc("PUT /api/periods/{key}/goals/{category}", s.withAPIDefaults(s.handleUpsertGoal))
	mux.HandleFunc("GET /api/forecast", s.withAPIDefaults(s.handleForecast))
	mux.HandleFunc("POST /api/advice", s.withAPIDefaults(s.handleAdvice))
	mux.HandleFunc("GET /api/sync/status", s.withAPIDefaults(s.handleSyncStatus))

	return s
}

// withAPIDefaults adds security headers, rate limiting, and request logging to responses
func (s *Server) withAPIDefaults(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Extract client IP (considering proxies)
		clientIP := r.Header.Get("X-Forwarded-For")
		if clientIP == "" {
			clientIP = r.Header.Get("X-Real-IP")
		}
		if clientIP == "" {
			clientIP = r.RemoteAddr
		}

		// Generate request ID for tracing
		requestID := generateRequestID()

		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		slog.InfoContext(ctx, "Request started",
			"request_id", requestID,
			"method", r.Method,
			"url", r.URL.Path,
			"client_ip", clientIP)

		// Apply rate limiting to mutations
		if r.Method != http.MethodGet && !s.rateLimiter.allow(clientIP) {
			slog.WarnContext(ctx, "Rate limit exceeded", "client_ip", clientIP, "method", r.Method, "url", r.URL.Path)
			w.Header().Set("Retry-After", "60")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next(rw, r)

		duration := time.Since(start)
		slog.InfoContext(ctx, "Request completed",
			"request_id", requestID,
			"method", r.Method,
			"url", r.URL.Path,
			"status", rw.statusCode,
			"duration_ms", duration.Milliseconds(),
			"client_ip", clientIP)
	}
}

type requestIDKey struct{}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// generateRequestID creates a unique request ID for tracing
func generateRequestID() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp if random fails
		return fmt.Sprintf("req_%d", time.Now().UnixNano())
	}
	return "req_" + hex.EncodeToString(bytes)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func handleReady(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// parsePeriodKey resolves the {key} path segment into a valid month.
func parsePeriodKey(r *http.Request) (core.Month, error) {
	m, err := core.ParseMonthKey(r.PathValue("key"))
	if err != nil {
		return core.Month{}, err
	}
	if err := m.Validate(); err != nil {
		return core.Month{}, err
	}
	return m, nil
}
