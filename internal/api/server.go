// Package api exposes the engine's triggers over HTTP: the cron tick, the
// queue push endpoints, message ingestion, and owner approval.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fenilsonani/mail-automation/internal/automation"
	"github.com/fenilsonani/mail-automation/internal/email"
	"github.com/fenilsonani/mail-automation/internal/execution"
	"github.com/fenilsonani/mail-automation/internal/logging"
	"github.com/fenilsonani/mail-automation/internal/resilience"
)

// JobTicker claims and enqueues due automation jobs.
type JobTicker interface {
	Tick(ctx context.Context, now time.Time) (automation.Counts, error)
}

// RunExecutor executes one automation job run.
type RunExecutor interface {
	Execute(ctx context.Context, runID string) error
}

// ScheduledActions delivers and cancels deferred actions.
type ScheduledActions interface {
	Deliver(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
}

// MessageProcessor runs messages through the rule engine and handles approval.
type MessageProcessor interface {
	Process(ctx context.Context, msg *email.Message) (*execution.ExecutedRule, error)
	Approve(ctx context.Context, id, actor string) (*execution.ExecutedRule, error)
	Reject(ctx context.Context, id, actor string) (*execution.ExecutedRule, error)
}

// RecordReader loads execution records.
type RecordReader interface {
	Get(ctx context.Context, id string) (*execution.ExecutedRule, error)
}

// BreakerReporter lists the circuit breaker state per upstream.
type BreakerReporter interface {
	States() map[string]resilience.State
}

// HealthCheck is one dependency checked by the health endpoint.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Deps are the collaborators served by the API.
type Deps struct {
	Scheduler  JobTicker
	Runner     RunExecutor
	Scheduled  ScheduledActions
	Processor  MessageProcessor
	Records    RecordReader
	Health     []HealthCheck
	Breakers   BreakerReporter
	SecretHash string // argon2id hash of the bearer secret; empty disables auth
	Logger     *logging.Logger
}

// Server handles trigger requests.
type Server struct {
	Deps
	logger     *logging.Logger
	limiter    *authLimiter
	startTime  time.Time
	now        func() time.Time
	httpServer *http.Server
	stop       context.CancelFunc
}

// NewServer creates an API server.
func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = logging.Discard()
	}
	return &Server{
		Deps:      d,
		logger:    d.Logger.API(),
		limiter:   newAuthLimiter(5, 15*time.Minute, 30*time.Minute),
		startTime: time.Now(),
		now:       time.Now,
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /api/cron/automation-jobs", s.withAuth(s.handleTick))
	mux.HandleFunc("POST /api/queue/automation-jobs", s.withAuth(s.handleRunJob))
	mux.HandleFunc("POST /api/queue/scheduled-actions", s.withAuth(s.handleDeliver))

	mux.HandleFunc("POST /api/messages", s.withAuth(s.handleMessage))
	mux.HandleFunc("GET /api/executed-rules/{id}", s.withAuth(s.handleGetRecord))
	mux.HandleFunc("POST /api/executed-rules/{id}/approve", s.withAuth(s.handleApprove))
	mux.HandleFunc("POST /api/executed-rules/{id}/reject", s.withAuth(s.handleReject))
	mux.HandleFunc("POST /api/scheduled-actions/{id}/cancel", s.withAuth(s.handleCancel))

	return mux
}

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	go s.sweepLimiter(ctx)

	s.logger.Info("Starting API server", "listen", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.stop != nil {
		s.stop()
	}
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) sweepLimiter(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.limiter.sweep()
		}
	}
}

// withAuth requires "Authorization: Bearer <secret>" matching SecretHash.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.SecretHash == "" {
			next(w, r)
			return
		}

		ip := clientIP(r)
		if s.limiter.blocked(ip) {
			writeError(w, http.StatusTooManyRequests, "too many failed attempts")
			return
		}

		secret, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || !VerifySecret(strings.TrimSpace(secret), s.SecretHash) {
			blocked := s.limiter.failure(ip)
			s.logger.WarnContext(r.Context(), "rejected trigger request", "ip", ip, "path", r.URL.Path, "blocked", blocked)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		s.limiter.success(ip)
		next(w, r)
	}
}
