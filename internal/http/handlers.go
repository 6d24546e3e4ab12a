package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"tgledger/internal/core"
	"tgledger/internal/ledger"
	"tgledger/internal/log"
	"tgledger/internal/notify"
	"tgledger/internal/services"
	ports "tgledger/internal/sheets"
)

const (
	defaultJournalLimit = 50
	maxJournalLimit     = 500
)

// errorResponse is the body of every failed API call.
type errorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Status: services.StatusError, Message: message})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var remote *core.RemoteCallError
	switch {
	case errors.Is(err, core.ErrEmptyCurrency),
		errors.Is(err, core.ErrEmptyInstance),
		errors.Is(err, core.ErrInvalidAmount),
		errors.Is(err, core.ErrInvalidRow),
		errors.Is(err, core.ErrUnknownFlag),
		errors.Is(err, notify.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrLayoutNotFound),
		errors.Is(err, core.ErrSchemaMismatch),
		errors.Is(err, ledger.ErrNoHeaders):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, ports.ErrAuth),
		errors.Is(err, ports.ErrWorksheetNotFound),
		errors.As(err, &remote):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// decodeRecord reads a JSON object body into a record.
func decodeRecord(w http.ResponseWriter, r *http.Request) (*core.Record, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	rec := core.NewRecord()
	if err := json.NewDecoder(r.Body).Decode(rec); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	return rec, nil
}

// handleRoot answers the service greeting.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Привет"})
}

// handleHealth performs basic liveness check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.appMetrics.uptime).String(),
	})
}

// handleReady performs readiness check with dependency verification
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	status := "ready"
	httpStatus := http.StatusOK
	checks := make(map[string]any)
	fail := func(name string, err error) {
		checks[name] = fmt.Sprintf("failed: %v", err)
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}

	if s.deps.Ledger == nil {
		fail("ledger", errors.New("not configured"))
	} else if headers, err := s.deps.Ledger.Headers(ctx); err != nil {
		fail("ledger", err)
	} else {
		checks["ledger"] = map[string]any{"status": "ok", "columns": len(headers)}
	}

	if s.deps.Balances != nil {
		if layout, err := s.deps.Balances.Layout(ctx); err != nil {
			fail("balances", err)
		} else {
			checks["balances"] = map[string]any{
				"status":          "ok",
				"instance_column": layout.InstanceColumn,
				"totals_row":      layout.TotalsRow,
			}
		}
	}

	for _, c := range s.deps.Checks {
		if err := c.Probe(ctx); err != nil {
			fail(c.Name, err)
		} else {
			checks[c.Name] = "ok"
		}
	}

	checks["rate_limiter"] = map[string]any{
		"active_clients": s.rateLimiter.ActiveClients(),
		"status":         "ok",
	}

	writeJSON(w, httpStatus, map[string]any{
		"status":    status,
		"timestamp": time.Now().Format(time.RFC3339),
		"checks":    checks,
	})
}

// handleMetrics provides application and security metrics in plain text format
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	securityMetrics := s.securityDetector.GetMetrics()
	rateLimitMetrics := s.rateLimiter.GetMetrics()
	traceMetrics := s.traceMiddleware.GetMetrics()

	metric := func(name, kind, help string, value int64) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
		fmt.Fprintf(w, "%s %d\n\n", name, value)
	}

	w.WriteHeader(http.StatusOK)
	metric("http_requests_total", "counter", "Total number of HTTP requests", traceMetrics.TotalRequests)
	metric("http_requests_failed_total", "counter", "HTTP requests answered with a 5xx status", traceMetrics.FailedRequests)
	metric("ledger_rows_total", "counter", "Rows appended to the ledger", atomic.LoadInt64(&s.appMetrics.ledgerRows))
	metric("balance_updates_total", "counter", "Direct balance updates applied", atomic.LoadInt64(&s.appMetrics.directBalanceOps))
	metric("balance_failures_total", "counter", "Balance applications that did not complete", atomic.LoadInt64(&s.appMetrics.balanceFailures))
	metric("chat_messages_total", "counter", "Messages posted to the chat", atomic.LoadInt64(&s.appMetrics.chatMessages))
	metric("rate_limit_hits_total", "counter", "Total rate limit hits", rateLimitMetrics.TotalHits)
	metric("rate_limit_clients", "gauge", "Clients tracked by the rate limiter", rateLimitMetrics.ClientCount)
	metric("security_suspicious_requests_total", "counter", "Requests flagged as suspicious", securityMetrics.SuspiciousRequests)
	metric("uptime_seconds", "gauge", "Application uptime in seconds", int64(time.Since(s.appMetrics.uptime).Seconds()))
}

func (s *Server) handleAddToSheet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.FromContext(ctx)

	rec, err := decodeRecord(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.deps.Service.AddToSheet(ctx, rec)
	if err != nil {
		logger.ErrorContext(ctx, "Add to sheet failed", log.FieldError, err)
		msg := strings.TrimPrefix(err.Error(), "ledger: ")
		writeError(w, statusFor(err), "Ledger error: "+msg)
		return
	}
	s.count(&s.appMetrics.ledgerRows)
	if res.Status == services.StatusPartial {
		s.count(&s.appMetrics.balanceFailures)
	}

	logger.InfoContext(ctx, "Ledger row added",
		log.FieldRow, res.Row,
		log.FieldMessageID, res.MessageID,
		log.FieldSuccess, res.Status != services.StatusPartial)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleUpdateSheet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rec, err := decodeRecord(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.deps.Service.UpdateBalance(ctx, rec)
	if err != nil {
		s.count(&s.appMetrics.balanceFailures)
		log.FromContext(ctx).ErrorContext(ctx, "Balance update failed", log.FieldError, err)
		msg := res.Message
		if msg == "" {
			msg = err.Error()
		}
		writeError(w, statusFor(err), msg)
		return
	}
	s.count(&s.appMetrics.directBalanceOps)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSendToChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rec, err := decodeRecord(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.deps.Service.SendToChat(ctx, rec)
	if err != nil {
		log.FromContext(ctx).ErrorContext(ctx, "Send to chat failed", log.FieldError, err)
		writeError(w, statusFor(err), "Ошибка: "+err.Error())
		return
	}
	s.count(&s.appMetrics.chatMessages)
	writeJSON(w, http.StatusOK, res)
}

// handleReadColumns returns the values of the requested ledger columns,
// named by repeated "columns" query parameters.
func (s *Server) handleReadColumns(w http.ResponseWriter, r *http.Request) {
	names := r.URL.Query()["columns"]
	if len(names) == 0 {
		writeError(w, http.StatusBadRequest, "columns query parameter is required")
		return
	}
	cols, err := s.deps.Ledger.ReadColumns(r.Context(), names)
	if err != nil {
		s.readFailed(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cols)
}

// handleReadTable returns every ledger column with its distinct values.
func (s *Server) handleReadTable(w http.ResponseWriter, r *http.Request) {
	cols, err := s.deps.Ledger.Suggestions(r.Context())
	if err != nil {
		s.readFailed(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cols)
}

// handleTableStructure rereads the ledger, bypassing the suggestions cache.
func (s *Server) handleTableStructure(w http.ResponseWriter, r *http.Request) {
	cols, err := s.deps.Ledger.RefreshSuggestions(r.Context())
	if err != nil {
		s.readFailed(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cols)
}

// handleJournal lists recent journal entries, or those of one ledger row
// when row is given.
func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.deps.Journal == nil {
		writeError(w, http.StatusNotFound, "journal is not configured")
		return
	}

	q := r.URL.Query()
	var (
		entries []core.JournalEntry
		err     error
	)
	if v := q.Get("row"); v != "" {
		row, convErr := strconv.Atoi(v)
		if convErr != nil || row < 2 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid row %q", v))
			return
		}
		entries, err = s.deps.Journal.ListByRow(r.Context(), row)
	} else {
		limit := defaultJournalLimit
		if v := q.Get("limit"); v != "" {
			n, convErr := strconv.Atoi(v)
			if convErr != nil || n < 1 {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", v))
				return
			}
			limit = min(n, maxJournalLimit)
		}
		entries, err = s.deps.Journal.ListRecent(r.Context(), limit)
	}
	if err != nil {
		s.readFailed(w, r, err)
		return
	}
	if entries == nil {
		entries = []core.JournalEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) readFailed(w http.ResponseWriter, r *http.Request, err error) {
	log.FromContext(r.Context()).ErrorContext(r.Context(), "Read failed",
		log.FieldPath, r.URL.Path, log.FieldError, err)
	writeError(w, statusFor(err), err.Error())
}
