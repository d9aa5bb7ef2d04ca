// Package web exposes the admin HTTP API of the control plane: capability
// catalog and override management, panic-mode operations, an SSE change feed,
// and the guard middleware applied to capability-gated routes.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"breakerbox/internal/capability"
	"breakerbox/internal/metrics"
	"breakerbox/internal/panicmode"
)

const maxRequestBody = 1 << 20

var marshalJSON = json.Marshal

// Pinger is the slice of the store the readiness probe needs. Nil means the
// process runs on the in-memory store and has nothing to ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server routes admin requests to the resolver and the panic controller.
// Optional collaborators (Store, RateLimiter, Goroutines, Events) are plain
// exported fields so callers wire only what they run.
type Server struct {
	Mux         *http.ServeMux
	Resolver    *capability.Service
	Panic       *panicmode.Controller
	Store       Pinger
	RateLimiter *RateLimiter
	Goroutines  *GoroutineTracker
	Logger      *slog.Logger

	Events     *EventHub
	eventsOnce sync.Once
}

func NewServer(resolver *capability.Service, ctrl *panicmode.Controller) *Server {
	s := &Server{
		Mux:      http.NewServeMux(),
		Resolver: resolver,
		Panic:    ctrl,
		Logger:   slog.Default(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.Mux.HandleFunc("/healthz", s.handleHealthz)
	s.Mux.HandleFunc("/readyz", s.handleReadyz)
	s.Mux.Handle("/metrics", metrics.Handler())
	s.Mux.Handle("/v1/capabilities", AuthMiddleware(http.HandlerFunc(s.handleCapabilities)))
	s.Mux.Handle("/v1/capabilities/", s.withRateLimit(AuthMiddleware(http.HandlerFunc(s.handleCapabilityItem))))
	s.Mux.Handle("/v1/overrides", AuthMiddleware(http.HandlerFunc(s.handleOverrides)))
	s.Mux.Handle("/v1/panic", AuthMiddleware(http.HandlerFunc(s.handlePanicList)))
	s.Mux.Handle("/v1/panic/", s.withRateLimit(AuthMiddleware(http.HandlerFunc(s.handlePanicItem))))
	s.Mux.Handle("/v1/events", AuthMiddleware(http.HandlerFunc(s.handleEventsSSE)))
	s.Mux.Handle("/v1/export", AuthMiddleware(RequireCapability(s.Resolver, "services.exports")(http.HandlerFunc(s.handleExport))))
}

// withRateLimit consults s.RateLimiter per request, so the gateway can
// install a limiter after route registration. A nil limiter admits everything.
func (s *Server) withRateLimit(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl := s.RateLimiter; rl != nil && !rl.Allow(clientIP(r)) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func (s *Server) eventHub() *EventHub {
	s.eventsOnce.Do(func() {
		if s.Events == nil {
			s.Events = NewEventHub()
		}
	})
	return s.Events
}

// Emit publishes an event to the SSE feed. The gateway bridges resolver and
// panic-controller change notifications into this.
func (s *Server) Emit(event string, data any) {
	s.eventHub().Publish(Event{Event: event, Data: data, TS: time.Now().UTC()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("write json response", "error", err)
	}
}

type capabilityView struct {
	Path           string               `json:"path"`
	Description    string               `json:"description,omitempty"`
	Category       capability.Category  `json:"category"`
	Criticality    string               `json:"criticality,omitempty"`
	DefaultEnabled bool                 `json:"default_enabled"`
	Enabled        bool                 `json:"enabled"`
	Source         capability.Source    `json:"source"`
	Override       *capability.Override `json:"override,omitempty"`
}

type overrideRequest struct {
	OrgID   string `json:"org_id"`
	Enabled *bool  `json:"enabled"`
	Reason  string `json:"reason"`
	SetBy   string `json:"set_by"`
	TTLSecs int    `json:"ttl_secs"`
}

type panicEnableRequest struct {
	Reason string `json:"reason"`
	By     string `json:"by"`
}

type panicDisableRequest struct {
	By string `json:"by"`
}

func (s *Server) capabilityView(r *http.Request, def capability.Definition, org string) capabilityView {
	res := s.Resolver.Resolve(r.Context(), def.Path, org)
	return capabilityView{
		Path:           def.Path,
		Description:    def.Description,
		Category:       def.Category(),
		Criticality:    def.Criticality,
		DefaultEnabled: def.DefaultEnabled,
		Enabled:        res.Enabled,
		Source:         res.Source,
		Override:       res.Override,
	}
}

func (s *Server) capabilityViews(r *http.Request, org string) []capabilityView {
	defs := s.Resolver.Registry().All()
	out := make([]capabilityView, 0, len(defs))
	for _, def := range defs {
		out = append(out, s.capabilityView(r, def, org))
	}
	return out
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	org := strings.TrimSpace(r.URL.Query().Get("org"))
	writeJSON(w, http.StatusOK, map[string]any{
		"org_id":          org,
		"catalog_version": s.Resolver.Registry().Version(),
		"capabilities":    s.capabilityViews(r, org),
	})
}

func (s *Server) handleCapabilityItem(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	rest := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/capabilities/"), "/")
	if strings.HasSuffix(rest, "/override") {
		s.handleOverrideWrite(w, r, strings.TrimSuffix(rest, "/override"))
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	def, ok := s.Resolver.Registry().Lookup(rest)
	if !ok {
		http.Error(w, "unknown capability", http.StatusNotFound)
		return
	}
	org := strings.TrimSpace(r.URL.Query().Get("org"))
	writeJSON(w, http.StatusOK, s.capabilityView(r, def, org))
}

func (s *Server) handleOverrideWrite(w http.ResponseWriter, r *http.Request, path string) {
	switch r.Method {
	case http.MethodPut:
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		var req overrideRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if req.Enabled == nil {
			http.Error(w, "enabled required", http.StatusBadRequest)
			return
		}
		if req.TTLSecs < 0 {
			http.Error(w, "ttl_secs must not be negative", http.StatusBadRequest)
			return
		}
		opts := capability.OverrideOptions{
			OrgID:  strings.TrimSpace(req.OrgID),
			Reason: strings.TrimSpace(req.Reason),
			SetBy:  strings.TrimSpace(req.SetBy),
		}
		if req.TTLSecs > 0 {
			expires := time.Now().UTC().Add(time.Duration(req.TTLSecs) * time.Second)
			opts.ExpiresAt = &expires
		}
		stored, err := s.Resolver.SetOverride(r.Context(), path, *req.Enabled, opts)
		if errors.Is(err, capability.ErrUnknownPath) {
			http.Error(w, "unknown capability", http.StatusBadRequest)
			return
		}
		if err != nil {
			s.Logger.Error("set override", "path", path, "error", err)
			http.Error(w, "set override failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, stored)
	case http.MethodDelete:
		org := strings.TrimSpace(r.URL.Query().Get("org"))
		err := s.Resolver.ClearOverride(r.Context(), path, org)
		if errors.Is(err, capability.ErrUnknownPath) {
			http.Error(w, "unknown capability", http.StatusBadRequest)
			return
		}
		if err != nil {
			s.Logger.Error("clear override", "path", path, "error", err)
			http.Error(w, "clear override failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleOverrides(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	org := strings.TrimSpace(r.URL.Query().Get("org"))
	rows, err := s.Resolver.Overrides(r.Context(), org)
	if err != nil {
		s.Logger.Error("list overrides", "error", err)
		http.Error(w, "list overrides failed", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []capability.Override{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"overrides": rows, "count": len(rows)})
}

func (s *Server) handlePanicList(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	states, err := s.Panic.ListAll(r.Context())
	if err != nil {
		s.Logger.Error("list panic states", "error", err)
		http.Error(w, "list panic states failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"integrations": states})
}

func (s *Server) handlePanicItem(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	rest := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/panic/"), "/")
	name, action, _ := strings.Cut(rest, "/")
	if name == "" {
		http.Error(w, "missing integration", http.StatusBadRequest)
		return
	}
	switch action {
	case "":
		s.handlePanicState(w, r, name)
	case "enable":
		s.handlePanicEnable(w, r, name)
	case "disable":
		s.handlePanicDisable(w, r, name)
	case "history":
		s.handlePanicHistory(w, r, name)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) handlePanicState(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	state, err := s.Panic.GetState(r.Context(), name)
	if errors.Is(err, panicmode.ErrUnknownIntegration) {
		http.Error(w, "unknown integration", http.StatusNotFound)
		return
	}
	if err != nil {
		s.Logger.Error("get panic state", "integration", name, "error", err)
		http.Error(w, "get panic state failed", http.StatusInternalServerError)
		return
	}
	history, err := s.Panic.History(r.Context(), name, 5)
	if err != nil {
		s.Logger.Error("get panic history", "integration", name, "error", err)
		http.Error(w, "get panic history failed", http.StatusInternalServerError)
		return
	}
	if history == nil {
		history = []panicmode.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": state, "history": history})
}

func (s *Server) handlePanicEnable(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	var req panicEnableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	state, err := s.Panic.Enable(r.Context(), name, req.Reason, req.By)
	switch {
	case errors.Is(err, panicmode.ErrUnknownIntegration):
		http.Error(w, "unknown integration", http.StatusNotFound)
		return
	case errors.Is(err, panicmode.ErrReasonRequired):
		http.Error(w, "reason required", http.StatusBadRequest)
		return
	case err != nil:
		s.Logger.Error("enable panic", "integration", name, "error", err)
		http.Error(w, "enable panic failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handlePanicDisable(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	var req panicDisableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	state, err := s.Panic.Disable(r.Context(), name, req.By)
	if errors.Is(err, panicmode.ErrUnknownIntegration) {
		http.Error(w, "unknown integration", http.StatusNotFound)
		return
	}
	if err != nil {
		s.Logger.Error("disable panic", "integration", name, "error", err)
		http.Error(w, "disable panic failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handlePanicHistory(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	entries, err := s.Panic.History(r.Context(), name, limit)
	if errors.Is(err, panicmode.ErrUnknownIntegration) {
		http.Error(w, "unknown integration", http.StatusNotFound)
		return
	}
	if err != nil {
		s.Logger.Error("panic history", "integration", name, "error", err)
		http.Error(w, "panic history failed", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []panicmode.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"integration": name, "entries": entries})
}

// handleExport dumps the effective control-plane state for the requesting
// org. The route sits behind RequireCapability("services.exports"), so
// disabling that capability turns this endpoint off end to end.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	org := strings.TrimSpace(r.Header.Get("X-Org-ID"))
	states, err := s.Panic.ListAll(r.Context())
	if err != nil {
		s.Logger.Error("export panic states", "error", err)
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"generated_at": time.Now().UTC(),
		"org_id":       org,
		"capabilities": s.capabilityViews(r, org),
		"panic":        states,
	})
}
