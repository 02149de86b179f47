// Package httpapi is the inbound HTTP surface of the forwarding service.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"fwdbot/internal/clients"
	"fwdbot/internal/forwarder"
	"fwdbot/internal/platform"
	logx "fwdbot/pkg/logx"
)

// Forwarding is the operation set the routes expose.
type Forwarding interface {
	Initialize(ctx context.Context, tenantID string) (clients.SessionInfo, error)
	StartForwarding(ctx context.Context, req forwarder.StartRequest) error
	StopForwarding(ctx context.Context, tenantID string) error
	Status(tenantID string) forwarder.Status
	PersistedStatus(ctx context.Context, tenantID string) (forwarder.PersistedStatus, error)
	Preflight(ctx context.Context, req forwarder.PreflightRequest) (forwarder.PreflightResult, error)
	Destinations(ctx context.Context, tenantID string) ([]platform.Dialog, error)
}

type Options struct {
	// Token, when set, is required as a bearer token (or ?token=) on /v1 routes.
	Token   string
	Pprof   bool
	Metrics http.Handler
}

const maxBody = 1 << 20

type tenantRequest struct {
	TenantID string `json:"tenant_id"`
}

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

type api struct {
	fw  Forwarding
	log logx.Logger
}

func NewRouter(fw Forwarding, opts Options, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &api{fw: fw, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(a.accessLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(bearerAuth(opts.Token))
		if opts.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
		r.Route("/forward", func(r chi.Router) {
			r.Post("/initialize", a.initialize)
			r.Post("/begin-forwarding", a.begin)
			r.Post("/stop-continuous-forward", a.stop)
			r.Post("/start-continuous-forward", a.preflight)
			r.Post("/check-forwarding-status", a.status)
			r.Post("/get-forwarding-status", a.persisted)
		})
		r.Get("/tenants/{tenantID}/channels", a.channels)
	})
	return r
}

func (a *api) initialize(w http.ResponseWriter, r *http.Request) {
	var req tenantRequest
	if !decode(w, r, &req) {
		return
	}
	info, err := a.fw.Initialize(r.Context(), req.TenantID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: info})
}

func (a *api) begin(w http.ResponseWriter, r *http.Request) {
	var req forwarder.StartRequest
	if !decode(w, r, &req) {
		return
	}
	if err := a.fw.StartForwarding(r.Context(), req); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: a.fw.Status(req.TenantID)})
}

func (a *api) stop(w http.ResponseWriter, r *http.Request) {
	var req tenantRequest
	if !decode(w, r, &req) {
		return
	}
	if err := a.fw.StopForwarding(r.Context(), req.TenantID); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true})
}

func (a *api) preflight(w http.ResponseWriter, r *http.Request) {
	var req forwarder.PreflightRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := a.fw.Preflight(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: res})
}

func (a *api) status(w http.ResponseWriter, r *http.Request) {
	var req tenantRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.TenantID) == "" {
		a.fail(w, r, fmt.Errorf("%w: tenant id required", forwarder.ErrInvalidRequest))
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: a.fw.Status(req.TenantID)})
}

func (a *api) persisted(w http.ResponseWriter, r *http.Request) {
	var req tenantRequest
	if !decode(w, r, &req) {
		return
	}
	st, err := a.fw.PersistedStatus(r.Context(), req.TenantID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: st})
}

func (a *api) channels(w http.ResponseWriter, r *http.Request) {
	ds, err := a.fw.Destinations(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: ds})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, forwarder.ErrInvalidInterval),
		errors.Is(err, forwarder.ErrInvalidRequest),
		errors.Is(err, forwarder.ErrNoMessageAvailable),
		errors.Is(err, forwarder.ErrProbeFailed):
		return http.StatusBadRequest
	case errors.Is(err, forwarder.ErrNotInitialized):
		return http.StatusConflict
	case errors.Is(err, clients.ErrTenantNotFound):
		return http.StatusNotFound
	case errors.Is(err, clients.ErrConnection):
		return http.StatusBadGateway
	case errors.Is(err, forwarder.ErrNotRunning):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *api) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= 500 {
		a.log.Error("request failed",
			logx.String("path", r.URL.Path),
			logx.String("request_id", middleware.GetReqID(r.Context())),
			logx.Err(err),
		)
	}
	writeJSON(w, code, envelope{Error: err.Error()})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Error: "invalid json: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// bearerAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
// An empty token disables the check.
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				ah := r.Header.Get("Authorization")
				if p := "Bearer "; strings.HasPrefix(ah, p) {
					got = strings.TrimSpace(strings.TrimPrefix(ah, p))
				}
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeJSON(w, http.StatusUnauthorized, envelope{Error: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *api) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		a.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Int("bytes", ww.BytesWritten()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
