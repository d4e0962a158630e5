// Package health exposes liveness and metrics endpoints for the watcher.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// defaultFailureThreshold is the run of consecutive failed events after
// which the tracker reports the pipeline as degraded.
const defaultFailureThreshold = 5

// Tracker records the coarse runtime state the health endpoint reports.
// Writers are the feed listener and the pipeline; reads come from HTTP.
type Tracker struct {
	mu               sync.RWMutex
	feedConnected    bool
	lastEventAt      time.Time
	startedAt        time.Time
	consecutiveFails int
	failureThreshold int
}

func NewTracker() *Tracker {
	return &Tracker{
		startedAt:        time.Now().UTC(),
		failureThreshold: defaultFailureThreshold,
	}
}

func (t *Tracker) SetFeedConnected(connected bool) {
	t.mu.Lock()
	t.feedConnected = connected
	t.mu.Unlock()
}

func (t *Tracker) MarkEvent() {
	t.mu.Lock()
	t.lastEventAt = time.Now().UTC()
	t.mu.Unlock()
}

// MarkOutcome records whether an event completed cleanly. Any clean
// completion resets the consecutive-failure run.
func (t *Tracker) MarkOutcome(ok bool) {
	t.mu.Lock()
	if ok {
		t.consecutiveFails = 0
	} else {
		t.consecutiveFails++
	}
	t.mu.Unlock()
}

type status struct {
	Status              string    `json:"status"`
	FeedConnected       bool      `json:"feed_connected"`
	LastEventAt         time.Time `json:"last_event_at,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	UptimeSeconds       int64     `json:"uptime_seconds"`
}

func (t *Tracker) snapshot() status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := status{
		Status:              "ok",
		FeedConnected:       t.feedConnected,
		LastEventAt:         t.lastEventAt,
		ConsecutiveFailures: t.consecutiveFails,
		UptimeSeconds:       int64(time.Since(t.startedAt).Seconds()),
	}
	if !t.feedConnected || t.consecutiveFails >= t.failureThreshold {
		s.Status = "degraded"
	}
	return s
}

// Server serves /healthz and the Prometheus scrape endpoint.
type Server struct {
	srv     *http.Server
	tracker *Tracker
	logger  *slog.Logger
}

func NewServer(port int, tracker *Tracker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		tracker: tracker,
		logger:  logger.With("component", "health"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("health server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("health server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	snap := s.tracker.snapshot()
	w.Header().Set("Content-Type", "application/json")
	if snap.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.logger.Warn("encode health response", "error", err)
	}
}
