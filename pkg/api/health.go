package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/integrity/pkg/log"
	"github.com/cuemby/integrity/pkg/metrics"
	"github.com/cuemby/integrity/pkg/monitor"
	"github.com/cuemby/integrity/pkg/transition"
	"github.com/cuemby/integrity/pkg/types"
	"github.com/rs/zerolog"
)

// HealthServer exposes the monitored resource over HTTP: health and
// readiness probes, metrics, the resource state and its actions, and health
// reports
type HealthServer struct {
	monitor *monitor.Monitor
	mux     *http.ServeMux
	server  *http.Server
	logger  zerolog.Logger
}

// NewHealthServer creates a new HTTP server for mon
func NewHealthServer(mon *monitor.Monitor) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		monitor: mon,
		mux:     mux,
		logger:  log.WithResource("api", mon.Resource()),
	}

	// Register endpoints
	mux.Handle("/health", instrument("/health", metrics.HealthHandler()))
	mux.Handle("/live", instrument("/live", metrics.LivenessHandler()))
	mux.Handle("/ready", instrument("/ready", http.HandlerFunc(hs.readyHandler)))
	mux.Handle("/state", instrument("/state", http.HandlerFunc(hs.stateHandler)))
	mux.Handle("/actions", instrument("/actions", http.HandlerFunc(hs.actionsHandler)))
	mux.Handle("/reports", instrument("/reports", http.HandlerFunc(hs.reportsHandler)))
	mux.Handle("/metrics", metrics.Handler())

	return hs
}

// Start serves on addr until Shutdown is called
func (hs *HealthServer) Start(addr string) error {
	hs.server = &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	hs.logger.Info().Str("addr", addr).Msg("HTTP API listening")
	metrics.UpdateComponent(metrics.ComponentAPI, true, "listening on "+addr)
	if err := hs.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		metrics.UpdateComponent(metrics.ComponentAPI, false, err.Error())
		return err
	}
	return nil
}

// Shutdown gracefully stops the server
func (hs *HealthServer) Shutdown(ctx context.Context) error {
	if hs.server == nil {
		return nil
	}
	return hs.server.Shutdown(ctx)
}

// GetHandler returns the HTTP handler for embedding in other servers
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}

// ReadyResponse represents the readiness check response
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// ActionRequest asks for an action on the resource state
type ActionRequest struct {
	Action string `json:"action"`
}

// ActionResponse is the outcome of an action
type ActionResponse struct {
	Resource string               `json:"resource" yaml:"resource"`
	Action   types.Action         `json:"action" yaml:"action"`
	From     types.CompositeState `json:"from" yaml:"from"`
	State    types.CompositeState `json:"state" yaml:"state"`
	Error    string               `json:"error,omitempty" yaml:"error,omitempty"`
}

// ReportRequest is a health report from a reporter
type ReportRequest struct {
	Reporter string `json:"reporter"`
	Well     bool   `json:"well"`
	Message  string `json:"message"`
}

// ReportsResponse lists the current health reports
type ReportsResponse struct {
	Resource  string            `json:"resource" yaml:"resource"`
	NotWell   map[string]string `json:"not_well" yaml:"not_well"`
	SeemsWell map[string]string `json:"seems_well" yaml:"seems_well"`
}

// ErrorResponse carries a failed request
type ErrorResponse struct {
	Error string `json:"error"`
}

// readyHandler answers 200 only while the node is sane and can admit
// business transactions
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	var failures []string

	readiness := metrics.GetReadiness()
	for name, status := range readiness.Components {
		checks[name] = status
	}
	if readiness.Status != "ready" {
		failures = append(failures, readiness.Message)
	}

	if err := hs.monitor.EvaluateSanity(); err != nil {
		checks["sanity"] = err.Error()
		failures = append(failures, "integrity check failed")
	} else {
		checks["sanity"] = "ok"
	}

	if err := hs.monitor.StartTransaction(); err != nil {
		checks["transaction"] = err.Error()
		failures = append(failures, "not accepting transactions")
	} else {
		checks["transaction"] = "ok"
	}

	status := "ready"
	code := http.StatusOK
	if len(failures) > 0 {
		status = "not ready"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   strings.Join(failures, "; "),
	})
}

func (hs *HealthServer) stateHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, hs.monitor.Status())
}

// actionsHandler applies one action. A rejected promotion answers 409 with
// the persisted (cold standby) state in the body.
func (hs *HealthServer) actionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	action, err := types.ParseAction(req.Action)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := hs.monitor.Apply(action)
	resp := actionResponse(hs.monitor.Resource(), res)
	switch {
	case errors.Is(err, types.ErrStore):
		hs.logger.Error().Err(err).Str("action", string(action)).Msg("Action failed")
		resp.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
	case errors.Is(err, types.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		hs.logger.Warn().Err(err).Str("action", string(action)).Msg("Action rejected")
		resp.Error = err.Error()
		writeJSON(w, http.StatusConflict, resp)
	default:
		hs.logger.Info().Str("action", string(action)).Str("state", res.State.String()).Msg("Action applied")
		writeJSON(w, http.StatusOK, resp)
	}
}

func actionResponse(resource string, res transition.Result) ActionResponse {
	return ActionResponse{
		Resource: resource,
		Action:   res.Action,
		From:     res.From,
		State:    res.State,
	}
}

func (hs *HealthServer) reportsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		st := hs.monitor.Status()
		writeJSON(w, http.StatusOK, ReportsResponse{
			Resource:  st.Resource,
			NotWell:   st.NotWell,
			SeemsWell: st.SeemsWell,
		})
	case http.MethodPost:
		var req ReportRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		if err := hs.monitor.AllSeemsWell(req.Reporter, req.Well, req.Message); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		st := hs.monitor.Status()
		writeJSON(w, http.StatusOK, ReportsResponse{
			Resource:  st.Resource,
			NotWell:   st.NotWell,
			SeemsWell: st.SeemsWell,
		})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, ErrorResponse{Error: msg})
}
