// Package httpapi exposes the mixer's thin ops surface: GET /healthz, GET
// /metrics (Prometheus exposition), and GET /status/{mix_id} proxying
// MixingEngine.Status. This is NOT the product-facing REST API — spec.md
// treats "the REST/CLI front end and request authentication" as an
// external collaborator and explicit Non-goal; no submission endpoint
// lives here. Grounded on the teacher's services/*/marble/handlers.go
// router-and-handler shape (gorilla/mux, a small JSON-writing helper).
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/mixer/internal/engine"
	"github.com/R3E-Network/mixer/internal/telemetry"
	"github.com/R3E-Network/mixer/pkg/logger"
)

// Server is the ops HTTP surface.
type Server struct {
	router  *mux.Router
	engine  *engine.Engine
	health  *telemetry.HealthSampler
	log     *logger.Logger
	started time.Time

	// components reports per-subsystem liveness for /healthz. The checks run
	// one after another on the request goroutine: a failing check is
	// reported under its own name without affecting the others' readings,
	// and a slow check delays the whole response.
	components map[string]func() bool
}

// New builds the ops surface router. engine may be nil in tests that only
// exercise /healthz or /metrics.
func New(eng *engine.Engine, components map[string]func() bool, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	s := &Server{
		router:     mux.NewRouter(),
		engine:     eng,
		health:     telemetry.NewHealthSampler(),
		log:        log,
		started:    time.Now(),
		components: components,
	}
	s.router.Use(telemetry.InstrumentHandler)
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.Handle("/metrics", telemetry.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/status/{mix_id}", s.handleStatus).Methods(http.MethodGet)
	return s
}

// Handler returns the http.Handler to mount on a *http.Server.
func (s *Server) Handler() http.Handler { return s.router }

type healthComponent struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type healthResponse struct {
	Status         string                      `json:"status"`
	UptimeSeconds  float64                     `json:"uptime_seconds"`
	CPUPercent     float64                     `json:"cpu_percent,omitempty"`
	MemUsedPercent float64                     `json:"mem_used_percent,omitempty"`
	Components     map[string]healthComponent  `json:"components"`
}

// handleHealthz samples host resource usage and every registered
// component's own liveness check, tolerating partial failure: a gopsutil
// sampling error degrades the payload rather than failing the whole
// request, matching spec.md §9's partial-failure-tolerated join semantics.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	comps := make(map[string]healthComponent, len(s.components))
	allOK := true
	for name, check := range s.components {
		ok := check()
		comps[name] = healthComponent{OK: ok}
		if !ok {
			allOK = false
		}
	}

	reading, err := s.health.Sample(r.Context(), nil)
	resp := healthResponse{
		Status:        statusString(allOK),
		UptimeSeconds: time.Since(s.started).Seconds(),
		Components:    comps,
	}
	if err == nil {
		resp.CPUPercent = reading.CPUPercent
		resp.MemUsedPercent = reading.MemUsedPercent
	} else {
		s.log.WithError(err).Warn("httpapi: host health sample failed, serving component health only")
	}

	writeJSON(w, http.StatusOK, resp)
}

func statusString(ok bool) string {
	if ok {
		return "healthy"
	}
	return "degraded"
}

type statusResponse struct {
	MixID              string `json:"mix_id"`
	Status             string `json:"status"`
	Strategy           string `json:"strategy,omitempty"`
	Phase              string `json:"phase,omitempty"`
	Progress           int    `json:"progress"`
	ParticipantsCount  int    `json:"participants_count,omitempty"`
	RetryCount         int    `json:"retry_count"`
	ErrorCode          string `json:"error_code,omitempty"`
	ErrorMessage       string `json:"error_message,omitempty"`
	EstimatedCompletion string `json:"estimated_completion,omitempty"`
}

// handleStatus proxies MixingEngine.Status — a pure read, no mutation
// endpoint lives on this surface.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "engine not wired")
		return
	}
	mixID := mux.Vars(r)["mix_id"]
	if mixID == "" {
		writeError(w, http.StatusBadRequest, "mix_id required")
		return
	}

	req, mctx, err := s.engine.Status(r.Context(), mixID)
	if err != nil {
		writeError(w, http.StatusNotFound, "mix request not found")
		return
	}

	resp := statusResponse{
		MixID:        req.ID,
		Status:       string(req.Status),
		RetryCount:   req.RetryCount,
		ErrorCode:    req.ErrorCode,
		ErrorMessage: req.ErrorMessage,
	}
	if mctx != nil {
		resp.Strategy = string(mctx.Strategy)
		resp.Phase = string(mctx.CurrentPhase)
		resp.Progress = mctx.Progress
		resp.ParticipantsCount = len(mctx.Participants)
		if !mctx.EstimatedCompletion.IsZero() {
			resp.EstimatedCompletion = mctx.EstimatedCompletion.UTC().Format(time.RFC3339)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
