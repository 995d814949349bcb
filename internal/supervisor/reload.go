package supervisor

import (
	"strings"

	"github.com/hostsentry/agent/internal/config"
)

// appendSource adds sc to the in-memory source list under cfgMu and
// returns the resulting slice for persistence.
func (s *Supervisor) appendSource(sc config.SourceConfig) []config.SourceConfig {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	s.cfg.Sources = append(s.cfg.Sources, sc)
	return s.cfg.Sources
}

// removeSource drops the entry with the given id from the in-memory source
// list under cfgMu and returns the resulting slice for persistence.
func (s *Supervisor) removeSource(id string) []config.SourceConfig {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	filtered := make([]config.SourceConfig, 0, len(s.cfg.Sources))
	for _, sc := range s.cfg.Sources {
		if sc.ID != id {
			filtered = append(filtered, sc)
		}
	}
	s.cfg.Sources = filtered
	return filtered
}

// applyReload re-runs the config store's layering, applies every
// hot-reloadable change in place, and returns the full set of changed
// dot-paths. Changes outside the hot-reloadable set (e.g. server.port,
// queue.database_path) are reported but require a process restart to take
// effect, per the supervisor's stated hot-apply-vs-restart split.
func (s *Supervisor) applyReload() (map[string]config.Change, error) {
	changes, err := s.store.Reload()
	if err != nil {
		return nil, err
	}

	fresh, err := s.store.Unmarshal()
	if err != nil {
		return nil, err
	}

	s.cfgMu.Lock()
	s.cfg = fresh
	s.cfgMu.Unlock()

	for path := range changes {
		if !config.IsHotReloadable(path) {
			continue
		}
		switch {
		case path == "log.level":
			// The agent's own logger is built once at startup from
			// pkg/logger; a level change here is observed on next restart.
		case strings.HasPrefix(path, "monitoring."):
			s.classifier.Recompile(fresh.Monitoring)
		case strings.HasPrefix(path, "alert.rules."):
			s.engine.UpdateRules(buildAlertRules(fresh.Alert))
		}
	}

	return changes, nil
}
