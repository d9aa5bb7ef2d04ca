package web

import (
	"fmt"
	"net/http"
	"strings"

	"breakerbox/internal/capability"
	"breakerbox/internal/metrics"
	"breakerbox/internal/panicmode"
)

const (
	codeCapabilityDisabled = "CAPABILITY_DISABLED"
	codeIntegrationPanic   = "INTEGRATION_PANIC"
)

// guardError is the body clients key on when a gated route refuses them.
type guardError struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	Capability string `json:"capability"`
}

// RequireCapability refuses requests with 503 while path resolves to
// disabled for the caller's org. The org comes from the X-Org-ID header;
// an empty header means the global context. A nil resolver fails closed.
func RequireCapability(resolver *capability.Service, path string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			org := strings.TrimSpace(r.Header.Get("X-Org-ID"))
			if resolver == nil || !resolver.IsEnabled(r.Context(), path, org) {
				metrics.CapabilityChecksTotal.WithLabelValues(path, "blocked").Inc()
				writeJSON(w, http.StatusServiceUnavailable, guardError{
					Error:      fmt.Sprintf("capability %s is disabled", path),
					Code:       codeCapabilityDisabled,
					Capability: path,
				})
				return
			}
			metrics.CapabilityChecksTotal.WithLabelValues(path, "allowed").Inc()
			next.ServeHTTP(w, r)
		})
	}
}

// RequireIntegration refuses requests with 503 while integration is in
// panic mode. Requests that do run report their response status back to the
// breaker: a 5xx counts as a failure toward auto-trip, anything else as a
// success, and during half-open recovery the single probe winner's outcome
// decides whether the breaker closes again. A nil controller passes through.
func RequireIntegration(ctrl *panicmode.Controller, integration string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ctrl == nil {
				next.ServeHTTP(w, r)
				return
			}
			decision := ctrl.Allow(r.Context(), integration)
			if !decision.Allow {
				metrics.IntegrationChecksTotal.WithLabelValues(integration, "blocked").Inc()
				writeJSON(w, http.StatusServiceUnavailable, guardError{
					Error:      fmt.Sprintf("integration %s is in panic mode", integration),
					Code:       codeIntegrationPanic,
					Capability: integration,
				})
				return
			}
			metrics.IntegrationChecksTotal.WithLabelValues(integration, "allowed").Inc()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			if rec.status >= http.StatusInternalServerError {
				_, _ = ctrl.RecordFailure(r.Context(), integration, fmt.Errorf("upstream status %d", rec.status))
				return
			}
			_, _ = ctrl.RecordSuccess(r.Context(), integration, decision.Probe)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

func (rec *statusRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
