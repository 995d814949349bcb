package supervisor

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/hostsentry/agent/internal/config"
	"github.com/hostsentry/agent/internal/model"
	"github.com/hostsentry/agent/internal/tailer"
	"github.com/hostsentry/agent/pkg/logger"
)

var validate = validator.New()

// buildRouter assembles the local control HTTP surface (§6). Middleware
// order mirrors the teacher's router: request id and logging first, then
// rate limiting on every route.
func (s *Supervisor) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(logger.HTTPMiddleware(s.logger))
	r.Use(rateLimitMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/control", s.handleControl).Methods(http.MethodPost)

	r.HandleFunc("/api/config", s.handleGetConfig).Methods(http.MethodGet)
	r.HandleFunc("/api/config", s.handleSetConfig).Methods(http.MethodPost)
	r.HandleFunc("/api/config/reload", s.handleConfigReload).Methods(http.MethodPost)
	r.HandleFunc("/api/config/schema", s.handleConfigSchema).Methods(http.MethodGet)

	r.HandleFunc("/api/monitored-files", s.handleListSources).Methods(http.MethodGet)
	r.HandleFunc("/api/monitored-files", s.handleAddSource).Methods(http.MethodPost)
	r.HandleFunc("/api/monitored-files/{id}", s.handleUpdateSource).Methods(http.MethodPut)
	r.HandleFunc("/api/monitored-files/{id}", s.handleDeleteSource).Methods(http.MethodDelete)
	r.HandleFunc("/api/monitored-files/reload", s.handleReloadSources).Methods(http.MethodPost)

	r.HandleFunc("/api/processes", s.handleListProcesses).Methods(http.MethodGet)
	r.HandleFunc("/api/processes/{pid}", s.handleGetProcess).Methods(http.MethodGet)
	r.HandleFunc("/api/processes/{pid}/kill", s.handleKillProcess).Methods(http.MethodPost)
	r.HandleFunc("/api/processes/{pid}/history", s.handleProcessHistory).Methods(http.MethodGet)
	r.HandleFunc("/api/processes/{pid}/tree", s.handleProcessTree).Methods(http.MethodGet)

	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// --- health / status -------------------------------------------------

type healthComponent struct {
	Running bool `json:"running"`
}

func (s *Supervisor) componentHealth() map[string]healthComponent {
	s.sourcesMu.Lock()
	sourceCount := len(s.workers)
	s.sourcesMu.Unlock()

	return map[string]healthComponent{
		"sources":           {Running: sourceCount > 0},
		"sampler":           {Running: true},
		"alert_engine":      {Running: true},
		"telemetry_queue":   {Running: s.q != nil},
		"telemetry_poster":  {Running: s.post != nil},
		"event_publisher":   {Running: s.pub != nil},
		"suppression":       {Running: s.matcher != nil},
		"log_livestream":    {Running: s.logStream.Active()},
		"telemetry_livestream": {Running: s.teleStream.Active()},
	}
}

func (s *Supervisor) handleHealth(w http.ResponseWriter, r *http.Request) {
	cfg := s.currentConfig()
	components := s.componentHealth()

	allUp := true
	for _, c := range components {
		if !c.Running {
			allUp = false
			break
		}
	}

	status := "ok"
	code := http.StatusOK
	if !allUp {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":           status,
		"service":          ServiceName,
		"version":          ServiceVersion,
		"uptime_seconds":   int(time.Since(s.startedAt).Seconds()),
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
		"node_id":          s.nodeID,
		"ports": map[string]int{
			"control":   cfg.Server.Port,
			"log_ws":    cfg.Livestream.LogPort,
			"telemetry_ws": cfg.Livestream.TelemetryPort,
		},
		"components": components,
		"monitoring": map[string]any{
			"error_keyword_count": len(cfg.Monitoring.ErrorKeywords),
		},
	})
}

func (s *Supervisor) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.sourcesMu.Lock()
	sourceStatuses := make(map[string]string, len(s.workers))
	for id, w2 := range s.workers {
		sourceStatuses[id] = string(w2.tailer.State())
	}
	s.sourcesMu.Unlock()

	stats := s.matcher.GetStatistics()

	writeJSON(w, http.StatusOK, map[string]any{
		"node_id":        s.nodeID,
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"sources":        sourceStatuses,
		"suppression": map[string]any{
			"total_checks":     stats.TotalChecks,
			"total_suppressed": stats.TotalSuppressed,
			"suppression_rate": stats.SuppressionRate,
			"cache_size":       stats.CacheSize,
		},
		"log_livestream": map[string]any{
			"active": s.logStream.Active(),
			"peers":  s.logStream.PeerCount(),
		},
		"telemetry_livestream": map[string]any{
			"active": s.teleStream.Active(),
			"peers":  s.teleStream.PeerCount(),
		},
	})
}

// --- control commands --------------------------------------------------

type controlRequest struct {
	Command string `json:"command" validate:"required,oneof=start_livelogs stop_livelogs start_telemetry stop_telemetry"`
}

func (s *Supervisor) handleControl(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cfg := s.currentConfig()
	resp := map[string]any{"status": "ok"}

	switch req.Command {
	case "start_livelogs":
		s.logStream.SetActive(true)
		resp["ws_port"] = cfg.Livestream.LogPort
	case "stop_livelogs":
		s.logStream.SetActive(false)
	case "start_telemetry":
		s.teleStream.SetActive(true)
		resp["ws_port"] = cfg.Livestream.TelemetryPort
		resp["interval"] = cfg.Livestream.BroadcastInterval.Seconds()
	case "stop_telemetry":
		s.teleStream.SetActive(false)
	}

	writeJSON(w, http.StatusOK, resp)
}

// --- config --------------------------------------------------------------

func (s *Supervisor) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.currentConfig())
}

func (s *Supervisor) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	var updates map[string]any
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	for path, value := range updates {
		s.store.Set(path, value)
	}
	if err := s.store.Save(); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("saving config: %v", err))
		return
	}
	if _, err := s.applyReload(); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("applying config: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Supervisor) handleConfigReload(w http.ResponseWriter, r *http.Request) {
	changes, err := s.applyReload()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"changed": changes})
}

func (s *Supervisor) handleConfigSchema(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"type": "object",
		"properties": map[string]any{
			"app":         "AppConfig",
			"log":         "LogConfig",
			"server":      "ServerConfig",
			"monitoring":  "MonitoringConfig",
			"sources":     "[]SourceConfig",
			"suppression": "SuppressionConfig",
			"sampler":     "SamplerConfig",
			"alert":       "AlertConfig",
			"queue":       "QueueConfig",
			"poster":      "PosterConfig",
			"bus":         "BusConfig",
			"backend":     "BackendConfig",
			"heartbeat":   "HeartbeatConfig",
			"livestream":  "LivestreamConfig",
		},
	})
}

// --- monitored files (log sources) ---------------------------------------

func (s *Supervisor) handleListSources(w http.ResponseWriter, r *http.Request) {
	s.sourcesMu.Lock()
	defer s.sourcesMu.Unlock()
	sources := make([]model.LogSource, 0, len(s.workers))
	for _, wk := range s.workers {
		sources = append(sources, *wk.source)
	}
	writeJSON(w, http.StatusOK, sources)
}

func (s *Supervisor) handleAddSource(w http.ResponseWriter, r *http.Request) {
	var src model.LogSource
	if err := json.NewDecoder(r.Body).Decode(&src); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := validate.Struct(src); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	src.AutoMonitor = false // only the built-in source may carry this flag
	if src.Label == "" {
		src.Label = tailer.DeriveLabel(src.Path)
	}
	now := time.Now().UTC()
	src.CreatedAt, src.ModifiedAt = now, now

	sources := s.appendSource(toSourceConfig(src))
	s.persistSources(sources)

	s.startSourceWorker(r.Context(), &src)
	writeJSON(w, http.StatusCreated, src)
}

func (s *Supervisor) handleUpdateSource(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == autoMonitorSourceID {
		writeError(w, http.StatusForbidden, "the auto-monitor source cannot be modified")
		return
	}

	s.sourcesMu.Lock()
	wk, ok := s.workers[id]
	s.sourcesMu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "unknown source")
		return
	}

	var patch struct {
		Enabled *bool   `json:"enabled"`
		Label   *string `json:"label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if patch.Enabled != nil {
		wk.source.Enabled = *patch.Enabled
		wk.tailer.SetEnabled(*patch.Enabled)
	}
	if patch.Label != nil {
		wk.source.Label = *patch.Label
	}
	wk.source.ModifiedAt = time.Now().UTC()

	writeJSON(w, http.StatusOK, *wk.source)
}

func (s *Supervisor) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == autoMonitorSourceID {
		writeError(w, http.StatusForbidden, "the auto-monitor source cannot be deleted")
		return
	}
	if !s.stopSourceWorker(id) {
		writeError(w, http.StatusNotFound, "unknown source")
		return
	}

	sources := s.removeSource(id)
	s.persistSources(sources)

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Supervisor) handleReloadSources(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.store.Unmarshal()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.sourcesMu.Lock()
	existing := make(map[string]bool, len(s.workers))
	for id := range s.workers {
		existing[id] = true
	}
	s.sourcesMu.Unlock()

	for _, sc := range cfg.Sources {
		if existing[sc.ID] {
			continue
		}
		src := model.LogSource{
			ID: sc.ID, Path: sc.Path, Label: sc.Label,
			Priority: model.Priority(sc.Priority), Enabled: sc.Enabled,
			AutoMonitor: false,
			CreatedAt:   time.Now().UTC(), ModifiedAt: time.Now().UTC(),
		}
		s.startSourceWorker(r.Context(), &src)
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (s *Supervisor) persistSources(sources []config.SourceConfig) {
	s.store.Set("sources", sources)
	if err := s.store.Save(); err != nil {
		s.logger.Error("supervisor: persisting source list", "error", err)
	}
}
