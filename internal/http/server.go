package http

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"tgledger/internal/balance"
	"tgledger/internal/core"
	"tgledger/internal/log"
	"tgledger/internal/middleware/ratelimit"
	"tgledger/internal/middleware/security"
	"tgledger/internal/middleware/trace"
	"tgledger/internal/services"
	ports "tgledger/internal/sheets"
)

const maxBodyBytes = 1 << 20

type (
	// TransactionService runs the ledger, balance and chat flows.
	TransactionService interface {
		AddToSheet(ctx context.Context, rec *core.Record) (services.AddResult, error)
		UpdateBalance(ctx context.Context, rec *core.Record) (services.UpdateResult, error)
		SendToChat(ctx context.Context, rec *core.Record) (services.ChatResult, error)
	}

	// LedgerReader serves the form helpers.
	LedgerReader interface {
		ports.LedgerReader
		RefreshSuggestions(ctx context.Context) (map[string][]string, error)
	}

	// LayoutReader exposes the detected balances table layout.
	LayoutReader interface {
		Layout(ctx context.Context) (balance.Layout, error)
	}

	// JournalReader lists leg applications.
	JournalReader interface {
		ListRecent(ctx context.Context, limit int) ([]core.JournalEntry, error)
		ListByRow(ctx context.Context, row int) ([]core.JournalEntry, error)
	}
)

// Check is a named readiness probe.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Deps are the collaborators of a Server. Journal and Balances may be nil.
type Deps struct {
	Service  TransactionService
	Ledger   LedgerReader
	Balances LayoutReader
	Journal  JournalReader
	Checks   []Check
	// RequestsPerMinute limits POST requests per client; zero uses the default.
	RequestsPerMinute int
}

// appMetrics counts application events for /metrics.
type appMetrics struct {
	uptime           time.Time
	ledgerRows       int64
	balanceFailures  int64
	chatMessages     int64
	directBalanceOps int64
}

type Server struct {
	http.Server
	deps   Deps
	logger *log.Logger

	rateLimiter      *ratelimit.Limiter
	securityDetector *security.Detector
	traceMiddleware  *trace.Middleware
	appMetrics       *appMetrics

	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run server.
func NewServer(addr string, deps Deps, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default(log.ComponentHTTP)
	}
	s := &Server{
		deps:             deps,
		logger:           logger.WithComponent(log.ComponentHTTP),
		rateLimiter:      ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: deps.RequestsPerMinute}),
		securityDetector: security.NewDetector(),
		traceMiddleware:  trace.NewMiddleware(),
		appMetrics:       &appMetrics{uptime: time.Now()},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	mux.HandleFunc("POST /api/add-to-sheet", s.handleAddToSheet)
	mux.HandleFunc("POST /api/update-sheet", s.handleUpdateSheet)
	mux.HandleFunc("POST /api/send-to-chat", s.handleSendToChat)
	mux.HandleFunc("GET /api/read_column_GoogleTable/", s.handleReadColumns)
	mux.HandleFunc("GET /api/read_GoogleTable/", s.handleReadTable)
	mux.HandleFunc("GET /api/table-structure", s.handleTableStructure)
	mux.HandleFunc("GET /api/journal", s.handleJournal)

	var h http.Handler = mux
	h = s.rateLimiter.Middleware(s.securityDetector.ExtractClientIP, s.onRateLimit, http.MethodPost)(h)
	h = s.withSuspiciousLogging(h)
	h = security.NewHeadersMiddleware(security.DefaultHeadersConfig()).Middleware(h)
	h = log.Middleware(s.logger, trace.FromRequest)(h)
	h = s.traceMiddleware.Middleware(h)

	s.Server = http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Balance application runs inside the request in sync mode.
		WriteTimeout:   60 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 16,
	}
	return s
}

// Shutdown gracefully shuts down the server and cleanup routines
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.rateLimiter.Stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}

func (s *Server) withSuspiciousLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.securityDetector.DetectSuspiciousRequest(r) {
			log.FromContext(r.Context()).WarnContext(r.Context(), "Suspicious request",
				log.FieldClientIP, s.securityDetector.ExtractClientIP(r),
				log.FieldMethod, r.Method,
				log.FieldPath, r.URL.Path)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) onRateLimit(w http.ResponseWriter, r *http.Request) {
	log.FromContext(r.Context()).WarnContext(r.Context(), "Rate limit exceeded",
		log.FieldClientIP, s.securityDetector.ExtractClientIP(r),
		log.FieldPath, r.URL.Path)
	writeError(w, http.StatusTooManyRequests, "Rate limit exceeded. Please try again later.")
}

func (s *Server) count(counter *int64) {
	atomic.AddInt64(counter, 1)
}
