package httpapi

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"trustgate/internal/domain"
	"trustgate/internal/infra/middleware"
	"trustgate/internal/security"
)

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"plugins":      len(s.gw.List()),
		"trusted_keys": len(s.gw.TrustedKeys()),
	})
}

func (s *Server) listPlugins(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.gw.List())
}

type loadRequest struct {
	Archive string `json:"archive"`
}

func (s *Server) loadPlugin(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Archive == "" {
		writeError(w, fmt.Errorf("archive is required: %w", domain.ErrInvalidInput))
		return
	}
	loaded, err := s.gw.Load(r.Context(), req.Archive)
	if err != nil {
		writeError(w, err)
		return
	}
	info, err := s.gw.Info(loaded.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

type pluginView struct {
	domain.LoadedPlugin
	Usage       *domain.ResourceUsage   `json:"usage,omitempty"`
	Permissions []domain.Permission     `json:"permissions"`
	Helpers     []domain.ProcessSession `json:"helpers,omitempty"`
	Strategy    domain.RecoveryStrategy `json:"recovery_strategy"`
	Crashes     int                     `json:"crash_count"`
}

func (s *Server) getPlugin(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := s.gw.Info(id)
	if err != nil {
		writeError(w, err)
		return
	}
	v := pluginView{
		LoadedPlugin: p,
		Permissions:  s.gw.Permissions().Permissions(id),
		Helpers:      s.gw.Helpers(id),
		Strategy:     s.gw.Recovery().Strategy(id),
		Crashes:      s.gw.Recovery().CrashCount(id),
	}
	if u, ok := s.gw.Usage(id); ok {
		v.Usage = &u
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) unloadPlugin(w http.ResponseWriter, r *http.Request) {
	if err := s.gw.Unload(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type executeRequest struct {
	Command string            `json:"command"`
	Args    map[string]string `json:"args,omitempty"`
}

type executeResponse struct {
	Output     string `json:"output"`
	DurationMS int64  `json:"duration_ms"`
	MemoryUsed uint64 `json:"memory_used"`
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Command == "" {
		writeError(w, fmt.Errorf("command is required: %w", domain.ErrInvalidInput))
		return
	}
	out, err := s.gw.ExecuteOutcome(r.Context(), r.PathValue("id"), req.Command, req.Args)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, executeResponse{
		Output:     out.Output,
		DurationMS: out.Duration.Milliseconds(),
		MemoryUsed: out.MemoryUsed,
	})
}

func (s *Server) enable(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.gw.Enable(r.Context(), id, middleware.Actor(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	s.writeState(w, id)
}

type resolveRequest struct {
	Restart bool `json:"restart"`
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	if err := s.gw.ResolveRecovery(r.Context(), id, req.Restart, middleware.Actor(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	s.writeState(w, id)
}

func (s *Server) writeState(w http.ResponseWriter, id string) {
	state, err := s.gw.State(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plugin_id": id, "state": state})
}

type metricsView struct {
	Metrics     domain.PluginMetrics       `json:"metrics"`
	Performance *domain.PerformanceSummary `json:"performance,omitempty"`
}

func (s *Server) pluginMetrics(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	m, ok := s.gw.GetMetrics(id)
	if !ok {
		writeError(w, domain.NewPluginError(id, "api.metrics", domain.ErrPluginNotFound, "no metrics"))
		return
	}
	v := metricsView{Metrics: m}
	if p, ok := s.gw.GetPerformanceSummary(id); ok {
		v.Performance = &p
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) crashes(w http.ResponseWriter, r *http.Request) {
	history := s.gw.GetCrashHistory(r.PathValue("id"))
	if history == nil {
		history = []domain.CrashRecord{}
	}
	writeJSON(w, http.StatusOK, history)
}

type strategyRequest struct {
	Strategy string `json:"strategy"`
}

func (s *Server) setStrategy(w http.ResponseWriter, r *http.Request) {
	var req strategyRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	if _, err := s.gw.Info(id); err != nil {
		writeError(w, err)
		return
	}
	if err := s.gw.SetRecoveryStrategy(r.Context(), id, domain.RecoveryStrategy(req.Strategy)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plugin_id": id, "strategy": s.gw.Recovery().Strategy(id)})
}

// resetRecovery clears crash history and strategy; ?scope=history keeps the
// strategy.
func (s *Server) resetRecovery(w http.ResponseWriter, r *http.Request) {
	id, actor := r.PathValue("id"), middleware.Actor(r.Context())
	switch r.URL.Query().Get("scope") {
	case "", "all":
		s.gw.ResetRecovery(r.Context(), id, actor)
	case "history":
		s.gw.ResetCrashHistory(r.Context(), id, actor)
	default:
		writeError(w, fmt.Errorf("scope must be all or history: %w", domain.ErrInvalidInput))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) allMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.gw.GetAllMetrics())
}

func (s *Server) recoveryStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.gw.GetRecoveryStats())
}

func (s *Server) listKeys(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"fingerprints": s.gw.TrustedKeys()})
}

// addKey trusts the PEM or DER public key in the request body.
func (s *Server) addKey(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, fmt.Errorf("read key: %v: %w", err, domain.ErrInvalidInput))
		return
	}
	pub, err := security.ParsePublicKey(data)
	if err != nil {
		writeError(w, fmt.Errorf("%v: %w", err, domain.ErrInvalidInput))
		return
	}
	fp, err := s.gw.AddTrustedKey(r.Context(), pub, middleware.Actor(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"fingerprint": fp})
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.alerts.Unresolved(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(alerts))
}

func (s *Server) pluginAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.alerts.PluginAlerts(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(alerts))
}

func (s *Server) alertReport(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, fmt.Errorf("window %q: %w", v, domain.ErrInvalidInput))
			return
		}
		window = d
	}
	rep, err := s.alerts.Report(r.Context(), window)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

type resolveAlertRequest struct {
	Resolution string `json:"resolution"`
}

func (s *Server) resolveAlert(w http.ResponseWriter, r *http.Request) {
	var req resolveAlertRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Resolution == "" {
		req.Resolution = "resolved"
	}
	if err := s.alerts.Resolve(r.Context(), r.PathValue("id"), req.Resolution, middleware.Actor(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func nonNil(a []domain.Alert) []domain.Alert {
	if a == nil {
		return []domain.Alert{}
	}
	return a
}
