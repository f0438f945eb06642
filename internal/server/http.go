package server

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/triage-ai/palisade/services/tool_gateway/internal/approval"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/audit"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/auth"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/evidence"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/gateway"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/registry"
)

const maxBodyBytes = 4 << 20

// HTTPOptions configures an HTTPServer.
type HTTPOptions struct {
	// RateLimit is requests per second per client address; 0 disables it.
	RateLimit float64
	Burst     int
	// Authenticator guards the /api routes. When nil they are open.
	Authenticator auth.Authenticator
	// AdminRoles may call the /api routes. Empty means any authenticated
	// principal.
	AdminRoles []string
	Logger     *zap.Logger
}

// HTTPServer serves the invoke endpoint and the operator query surface.
type HTTPServer struct {
	gw      *gateway.Gateway
	opts    HTTPOptions
	clients *clientLimiter
	logger  *zap.Logger
	mux     *http.ServeMux
}

func NewHTTPServer(gw *gateway.Gateway, opts HTTPOptions) *HTTPServer {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &HTTPServer{gw: gw, opts: opts, logger: opts.Logger, mux: http.NewServeMux()}
	if opts.RateLimit > 0 {
		s.clients = newClientLimiter(rate.Limit(opts.RateLimit), max(opts.Burst, 1))
	}

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("POST /v1/tools/invoke", s.handleInvoke)

	s.mux.Handle("GET /api/tools", s.admin(s.handleListTools))
	s.mux.Handle("DELETE /api/tools/{name}", s.admin(s.handleUnregisterTool))
	s.mux.Handle("GET /api/audit/entries", s.admin(s.handleAuditEntries))
	s.mux.Handle("GET /api/audit/stats", s.admin(s.handleAuditStats))
	s.mux.Handle("GET /api/audit/verify", s.admin(s.handleAuditVerify))
	s.mux.Handle("GET /api/tenants/{tenant_id}/usage", s.admin(s.handleTenantUsage))
	s.mux.Handle("POST /api/tenants/{tenant_id}/identifiers", s.admin(s.handleTenantIdentifier))
	s.mux.Handle("GET /api/approvals", s.admin(s.handlePendingApprovals))
	s.mux.Handle("POST /api/approvals/{id}/approve", s.admin(s.handleDecision(approval.StatusApproved)))
	s.mux.Handle("POST /api/approvals/{id}/deny", s.admin(s.handleDecision(approval.StatusDenied)))
	s.mux.Handle("GET /api/evidence/{id}", s.admin(s.handleEvidence))
	s.mux.Handle("GET /api/evidence/{id}/export", s.admin(s.handleEvidenceExport))
	s.mux.Handle("POST /api/evidence/validate", s.admin(s.handleEvidenceValidate))
	return s
}

// Handler returns the mux wrapped in request logging and the per-client
// limiter.
func (s *HTTPServer) Handler() http.Handler {
	return requestLogging(s.limit(s.mux), s.logger)
}

// --- Per-client rate limiting ---

// clientLimiter keeps one token bucket per client address.
type clientLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*clientEntry
}

type clientEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

const (
	maxTrackedClients = 10_000
	clientIdleTTL     = 10 * time.Minute
)

func newClientLimiter(limit rate.Limit, burst int) *clientLimiter {
	return &clientLimiter{limit: limit, burst: burst, clients: make(map[string]*clientEntry)}
}

func (c *clientLimiter) reserve(client string, now time.Time) (bool, time.Duration) {
	c.mu.Lock()
	e, ok := c.clients[client]
	if !ok {
		if len(c.clients) >= maxTrackedClients {
			for k, v := range c.clients {
				if now.Sub(v.lastSeen) > clientIdleTTL {
					delete(c.clients, k)
				}
			}
		}
		e = &clientEntry{lim: rate.NewLimiter(c.limit, c.burst)}
		c.clients[client] = e
	}
	e.lastSeen = now
	c.mu.Unlock()

	r := e.lim.ReserveN(now, 1)
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *HTTPServer) limit(next http.Handler) http.Handler {
	if s.clients == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ok, wait := s.clients.reserve(clientAddr(r), time.Now()); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- Request logging ---

func requestLogging(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.String("remote", clientAddr(r)),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// admin guards operator routes. The authenticated actor becomes the
// operator recorded in audit entries and approval decisions.
func (s *HTTPServer) admin(h func(http.ResponseWriter, *http.Request, string)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Authenticator == nil {
			h(w, r, "")
			return
		}
		token, ok := auth.BearerFromHeader(r.Header.Get("Authorization"))
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing bearer credential")
			return
		}
		p, err := s.opts.Authenticator.Authenticate(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid credential")
			return
		}
		if len(s.opts.AdminRoles) > 0 && !slices.Contains(s.opts.AdminRoles, p.Role) {
			writeError(w, http.StatusForbidden, "role "+p.Role+" may not use the operator API")
			return
		}
		h(w, r, p.ActorID)
	})
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var req gateway.Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request: "+err.Error())
		return
	}
	if req.ToolName == "" {
		writeError(w, http.StatusBadRequest, "tool_name is required")
		return
	}
	if token, ok := auth.BearerFromHeader(r.Header.Get("Authorization")); ok {
		req.Credential = token
	}

	resp := s.gw.ProcessRequest(r.Context(), &req)
	code := http.StatusOK
	if resp.Error != nil {
		code = statusFor(resp.Error)
		if resp.Error.Retryable {
			w.Header().Set("Retry-After", strconv.FormatInt((resp.Error.RetryAfterMs+999)/1000, 10))
		}
	}
	writeJSON(w, code, resp)
}

func statusFor(e *gateway.Error) int {
	switch e.Code {
	case gateway.CodeAuthFailed:
		return http.StatusUnauthorized
	case gateway.CodeRateLimited:
		return http.StatusTooManyRequests
	case gateway.CodeQuotaExceeded:
		if e.Retryable {
			return http.StatusTooManyRequests
		}
		return http.StatusForbidden
	case gateway.CodeInputBlocked, gateway.CodeInvalidArguments:
		return http.StatusBadRequest
	case gateway.CodeToolNotFound:
		return http.StatusNotFound
	case gateway.CodeToolModified:
		return http.StatusConflict
	case gateway.CodeRiskBlocked, gateway.CodeApprovalDenied:
		return http.StatusForbidden
	case gateway.CodeApprovalTimeout:
		return http.StatusServiceUnavailable
	case gateway.CodeSandboxTimeout:
		return http.StatusGatewayTimeout
	case gateway.CodeSandboxLimitExceeded:
		return http.StatusUnprocessableEntity
	case gateway.CodeHandlerNotFound:
		return http.StatusNotImplemented
	default:
		return http.StatusBadGateway
	}
}

func (s *HTTPServer) handleListTools(w http.ResponseWriter, _ *http.Request, _ string) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.gw.ListTools()})
}

func (s *HTTPServer) handleUnregisterTool(w http.ResponseWriter, r *http.Request, actor string) {
	name := r.PathValue("name")
	if err := s.gw.UnregisterTool(r.Context(), name, actor); err != nil {
		if errors.Is(err, registry.ErrToolNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleAuditEntries(w http.ResponseWriter, r *http.Request, _ string) {
	q, err := parseAuditQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.gw.QueryAudit(q))
}

func parseAuditQuery(r *http.Request) (audit.Query, error) {
	v := r.URL.Query()
	q := audit.Query{
		EventTypes: v["event_type"],
		Actor:      v.Get("actor"),
		TenantID:   v.Get("tenant_id"),
		Outcome:    audit.Outcome(v.Get("outcome")),
		RiskLevel:  v.Get("risk_level"),
		Tags:       v["tag"],
	}
	var err error
	if s := v.Get("from"); s != "" {
		if q.From, err = time.Parse(time.RFC3339, s); err != nil {
			return q, errors.New("from must be RFC 3339")
		}
	}
	if s := v.Get("to"); s != "" {
		if q.To, err = time.Parse(time.RFC3339, s); err != nil {
			return q, errors.New("to must be RFC 3339")
		}
	}
	if s := v.Get("page"); s != "" {
		if q.Page, err = strconv.Atoi(s); err != nil {
			return q, errors.New("page must be an integer")
		}
	}
	if s := v.Get("page_size"); s != "" {
		if q.PageSize, err = strconv.Atoi(s); err != nil {
			return q, errors.New("page_size must be an integer")
		}
	}
	return q, nil
}

func (s *HTTPServer) handleAuditStats(w http.ResponseWriter, _ *http.Request, _ string) {
	writeJSON(w, http.StatusOK, s.gw.AuditStats())
}

func (s *HTTPServer) handleAuditVerify(w http.ResponseWriter, _ *http.Request, _ string) {
	if err := s.gw.VerifyAudit(); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

func (s *HTTPServer) handleTenantUsage(w http.ResponseWriter, r *http.Request, _ string) {
	writeJSON(w, http.StatusOK, s.gw.TenantUsage(r.Context(), r.PathValue("tenant_id")))
}

func (s *HTTPServer) handleTenantIdentifier(w http.ResponseWriter, r *http.Request, _ string) {
	var body struct {
		Identifiers []string `json:"identifiers"`
	}
	if err := decodeBody(r, &body); err != nil || len(body.Identifiers) == 0 {
		writeError(w, http.StatusBadRequest, "identifiers are required")
		return
	}
	tenantID := r.PathValue("tenant_id")
	for _, id := range body.Identifiers {
		s.gw.RegisterTenantIdentifier(tenantID, id)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handlePendingApprovals(w http.ResponseWriter, _ *http.Request, _ string) {
	writeJSON(w, http.StatusOK, map[string]any{"pending": s.gw.PendingApprovals()})
}

func (s *HTTPServer) handleDecision(decision approval.Status) func(http.ResponseWriter, *http.Request, string) {
	return func(w http.ResponseWriter, r *http.Request, actor string) {
		var body struct {
			Approver string `json:"approver"`
			Reason   string `json:"reason"`
		}
		if r.ContentLength != 0 {
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
				return
			}
		}
		approver := actor
		if approver == "" {
			approver = body.Approver
		}
		if approver == "" {
			writeError(w, http.StatusBadRequest, "approver is required")
			return
		}

		id := r.PathValue("id")
		var err error
		if decision == approval.StatusApproved {
			err = s.gw.Approve(id, approver, body.Reason)
		} else {
			err = s.gw.Deny(id, approver, body.Reason)
		}
		if errors.Is(err, approval.ErrTicketNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ticket_id": id, "status": decision})
	}
}

func (s *HTTPServer) handleEvidence(w http.ResponseWriter, r *http.Request, _ string) {
	b, lineage, err := s.gw.Evidence(r.PathValue("id"))
	switch {
	case errors.Is(err, evidence.ErrBindingNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, gateway.ErrEvidenceDisabled):
		writeError(w, http.StatusNotImplemented, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	ids := make([]string, 0, len(lineage))
	for _, l := range lineage {
		ids = append(ids, l.ID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"binding": b, "lineage": ids})
}

// handleEvidenceExport serves the binding in the form evidence-verify reads.
func (s *HTTPServer) handleEvidenceExport(w http.ResponseWriter, r *http.Request, _ string) {
	format := r.URL.Query().Get("format")
	data, err := s.gw.ExportEvidence(r.PathValue("id"), format)
	switch {
	case errors.Is(err, evidence.ErrBindingNotFound):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, gateway.ErrEvidenceDisabled):
		writeError(w, http.StatusNotImplemented, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	contentType := "application/json"
	if format == "cbor" {
		contentType = "application/cbor"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *HTTPServer) handleEvidenceValidate(w http.ResponseWriter, r *http.Request, _ string) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	b, v, err := s.gw.ValidateEvidence(data)
	switch {
	case errors.Is(err, gateway.ErrEvidenceDisabled):
		writeError(w, http.StatusNotImplemented, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, "malformed binding: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"binding_id": b.ID,
		"valid":      v.Valid(),
		"validation": v,
	})
}

// --- JSON helpers ---

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// ErrorResp is the body of every non-gateway error response.
type ErrorResp struct {
	Detail string `json:"detail"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, ErrorResp{Detail: strings.TrimSpace(msg)})
}
