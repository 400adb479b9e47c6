// Package api is the caller-facing HTTP layer. It maps the authenticated
// tenant header onto dispatch requests and exposes tenant-checked reads
// over the context store.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/vinayprograms/taskkernel/agent"
	"github.com/vinayprograms/taskkernel/contextstore"
	kerrors "github.com/vinayprograms/taskkernel/errors"
	"github.com/vinayprograms/taskkernel/kernel"
	"github.com/vinayprograms/taskkernel/logging"
	"github.com/vinayprograms/taskkernel/ratelimit"
)

const (
	// TenantHeader carries the identity resolved by the fronting proxy.
	TenantHeader = "X-Tenant-ID"
	// RequestIDHeader is echoed on every dispatch response.
	RequestIDHeader = "X-Request-ID"

	maxBodyBytes = 1 << 20
)

// Dispatcher runs one task. *kernel.Kernel satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, in agent.Input) agent.Output
}

// Server is the caller-facing HTTP layer. The tenant of every request is
// taken from the X-Tenant-ID header set by the authenticating proxy.
type Server struct {
	Kernel    Dispatcher
	Contexts  *contextstore.Store
	// Limiter throttles POST /dispatch per tenant. Nil disables it.
	Limiter   *ratelimit.Limiter
	Logger    *logging.Logger
	StartedAt time.Time
}

// Handler returns the routed mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /dispatch", s.handleDispatch)
	mux.HandleFunc("GET /context/{id}", s.handleContextGet)
	mux.HandleFunc("DELETE /context/{id}", s.handleContextDelete)
	mux.HandleFunc("GET /context/{id}/ws", s.handleContextWS)

	return mux
}

func (s *Server) logger() *logging.Logger {
	if s.Logger == nil {
		return logging.Discard()
	}
	return s.Logger.WithComponent("api")
}

// handleHealth runs the health system task so the HTTP health route and the
// dispatch path report the same thing.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	out := s.Kernel.Dispatch(r.Context(), agent.Input{
		Task:      agent.TaskHealth.String(),
		RequestID: kernel.NewRequestID(),
	})
	if out.Data == nil {
		out.Data = map[string]any{}
	}
	if !s.StartedAt.IsZero() {
		out.Data["uptime_seconds"] = int64(time.Since(s.StartedAt).Seconds())
	}
	status := http.StatusOK
	if out.IsError() || out.Data["status"] == "draining" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, out)
}

type dispatchRequest struct {
	Task      string         `json:"task"`
	Params    map[string]any `json:"params,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// handleDispatch always answers with a well-formed Output. The tenant is
// taken from the header only; a tenant_id in the body is ignored.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := decodeJSON(http.MaxBytesReader(w, r.Body, maxBodyBytes), &req); err != nil {
		out := agent.FromError(kerrors.InvalidInput("malformed request body", kerrors.WithCause(err)))
		status := http.StatusBadRequest
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, out)
		return
	}
	if req.Task == "" {
		writeJSON(w, http.StatusBadRequest, agent.FromError(kerrors.InvalidInput("task is required")))
		return
	}

	requestID := req.RequestID
	if requestID == "" {
		requestID = r.Header.Get(RequestIDHeader)
	}
	if requestID == "" {
		requestID = kernel.NewRequestID()
	}

	tenantID := r.Header.Get(TenantHeader)
	if tenantID == "" {
		w.Header().Set(RequestIDHeader, requestID)
		writeJSON(w, http.StatusUnauthorized, agent.FromError(kerrors.InvalidInput("missing "+TenantHeader+" header")))
		return
	}
	if !s.Limiter.Allow(tenantID) {
		retry := s.Limiter.RetryAfter(tenantID)
		s.logger().Warn("dispatch rate limited", map[string]interface{}{
			"tenant":     tenantID,
			"task":       req.Task,
			"request_id": requestID,
		})
		w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())+1))
		w.Header().Set(RequestIDHeader, requestID)
		out := agent.FromError(kerrors.New(kerrors.ErrCodeRateLimited, "dispatch rate exceeded for tenant",
			kerrors.WithTenantID(tenantID), kerrors.WithTask(req.Task)))
		writeJSON(w, http.StatusTooManyRequests, out)
		return
	}

	out := s.Kernel.Dispatch(r.Context(), agent.Input{
		Task:      req.Task,
		TenantID:  tenantID,
		Params:    req.Params,
		RequestID: requestID,
	})
	w.Header().Set(RequestIDHeader, requestID)
	writeJSON(w, outputStatus(out), out)
}

func (s *Server) handleContextGet(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleContextDelete(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookup(w, r)
	if !ok {
		return
	}
	deleted, err := s.Contexts.Delete(r.Context(), rec.ID)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"context_id": rec.ID, "deleted": deleted})
}

// lookup resolves the path context against the caller's tenant and writes
// the error response itself when that fails.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (contextstore.Record, bool) {
	if s.Contexts == nil {
		writeError(w, http.StatusServiceUnavailable, kerrors.FromCode(kerrors.ErrCodeUnavailable))
		return contextstore.Record{}, false
	}
	tenantID := r.Header.Get(TenantHeader)
	if tenantID == "" {
		writeError(w, http.StatusUnauthorized, kerrors.InvalidInput("missing "+TenantHeader+" header"))
		return contextstore.Record{}, false
	}
	id := r.PathValue("id")
	rec, err := s.Contexts.Lookup(r.Context(), id, tenantID)
	if err != nil {
		if kerrors.Is(err, kerrors.ErrCodeContextForbidden) {
			s.logger().Warn("context access denied", map[string]interface{}{
				"context_id": id,
				"tenant":     tenantID,
			})
		}
		writeError(w, errorStatus(err), err)
		return contextstore.Record{}, false
	}
	return rec, true
}

func decodeJSON(body io.Reader, dest any) error {
	return json.NewDecoder(body).Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{
		"error": err.Error(),
		"code":  string(kerrors.Code(err)),
	})
}

// outputStatus picks the HTTP status for a dispatch output. The body is the
// output either way; the status only helps generic clients.
func outputStatus(out agent.Output) int {
	switch out.Status {
	case agent.StatusProcessing:
		return http.StatusAccepted
	case agent.StatusError:
		code, _ := out.Data["code"].(string)
		return codeStatus(kerrors.ErrorCode(code))
	default:
		return http.StatusOK
	}
}

func errorStatus(err error) int {
	return codeStatus(kerrors.Code(err))
}

func codeStatus(code kerrors.ErrorCode) int {
	switch code {
	case kerrors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case kerrors.ErrCodeForbidden, kerrors.ErrCodeContextForbidden:
		return http.StatusForbidden
	case kerrors.ErrCodeNotFound, kerrors.ErrCodeUnresolvedTask:
		return http.StatusNotFound
	case kerrors.ErrCodeBusy:
		return http.StatusConflict
	case kerrors.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case kerrors.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case kerrors.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	case kerrors.ErrCodeTaskFailed:
		return http.StatusBadGateway
	case kerrors.ErrCodeCanceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}
