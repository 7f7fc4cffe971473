// Package api exposes the compliance platform over REST/JSON, plus SSE and
// WebSocket event streams for live dashboards.
package api

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/buildguard/backend/internal/audit"
	"github.com/buildguard/backend/internal/db"
	"github.com/buildguard/backend/internal/events"
	"github.com/buildguard/backend/internal/ledger"
	"github.com/buildguard/backend/internal/middleware"
	"github.com/buildguard/backend/internal/monitoring"
	"github.com/buildguard/backend/internal/pipeline"
	"github.com/buildguard/backend/internal/taskqueue"
	"github.com/buildguard/backend/internal/webhooks"
)

// Server wires the platform components behind HTTP.
type Server struct {
	runner    *pipeline.Runner
	scheduler *pipeline.ScanScheduler
	ledger    *ledger.Ledger
	queue     *taskqueue.Manager
	registry  *webhooks.Registry
	fanout    *webhooks.Fanout
	health    *monitoring.Health
	bus       *events.Bus
	archive   *db.Store // optional
	limiter   *middleware.RateLimiter
	logger    *log.Logger

	mu     sync.RWMutex
	chains map[string]*audit.AuditChain // project_id -> latest finished chain

	httpServer *http.Server
}

// NewServer assembles the HTTP surface. archive may be nil when Postgres is
// not configured.
func NewServer(
	runner *pipeline.Runner,
	scheduler *pipeline.ScanScheduler,
	l *ledger.Ledger,
	queue *taskqueue.Manager,
	registry *webhooks.Registry,
	fanout *webhooks.Fanout,
	health *monitoring.Health,
	bus *events.Bus,
	archive *db.Store,
) *Server {
	return &Server{
		runner:    runner,
		scheduler: scheduler,
		ledger:    l,
		queue:     queue,
		registry:  registry,
		fanout:    fanout,
		health:    health,
		bus:       bus,
		archive:   archive,
		limiter:   middleware.NewRateLimiter(middleware.RateLimitConfig{}),
		logger:    log.New(log.Writer(), "[API] ", log.LstdFlags),
		chains:    make(map[string]*audit.AuditChain),
	}
}

// Router builds the route table. Exposed separately so tests can drive the
// handlers through httptest without binding a port.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.Use(corsMiddleware)
	r.Use(s.limiter.Middleware)

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	r.HandleFunc("/v1/pipeline/run", s.handlePipelineRun).Methods("POST")
	r.HandleFunc("/v1/chains/{project_id}", s.handleGetChain).Methods("GET")
	r.HandleFunc("/v1/chains/verify", s.handleVerifyChain).Methods("POST")
	r.HandleFunc("/v1/proofs/verify", s.handleVerifyProof).Methods("POST")

	r.HandleFunc("/v1/webhooks", s.handleListWebhooks).Methods("GET")
	r.HandleFunc("/v1/webhooks", s.handleRegisterWebhook).Methods("POST")
	r.HandleFunc("/v1/webhooks/{id}", s.handleUnregisterWebhook).Methods("DELETE")

	r.HandleFunc("/v1/scans", s.handleScanSite).Methods("POST")
	r.HandleFunc("/v1/scans/batch", s.handleScanBatch).Methods("POST")
	r.HandleFunc("/v1/reports", s.handleGenerateReport).Methods("POST")

	r.HandleFunc("/v1/tasks/{id}", s.handleTaskStatus).Methods("GET")
	r.HandleFunc("/v1/ledger", s.handleLedger).Methods("GET")

	r.HandleFunc("/v1/events/stream", s.handleSSE).Methods("GET")
	r.HandleFunc("/v1/events/ws", s.handleWebSocket).Methods("GET")

	return r
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start(port string) error {
	s.httpServer = &http.Server{
		Addr:         ":" + port,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // streaming endpoints hold connections open
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Printf("🚀 API listening on :%s", port)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) rememberChain(chain *audit.AuditChain) {
	s.mu.Lock()
	s.chains[chain.ProjectID] = chain
	s.mu.Unlock()

	if s.archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.archive.SaveChain(ctx, chain); err != nil {
			s.logger.Printf("⚠️ chain archive failed for %s: %v", chain.ProjectID, err)
		}
	}
}

func (s *Server) lookupChain(ctx context.Context, projectID string) (*audit.AuditChain, bool) {
	s.mu.RLock()
	chain, ok := s.chains[projectID]
	s.mu.RUnlock()
	if ok {
		return chain, true
	}
	if s.archive != nil {
		if chain, err := s.archive.LoadChain(ctx, projectID); err == nil {
			return chain, true
		}
	}
	return nil, false
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
