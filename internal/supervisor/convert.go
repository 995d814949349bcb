package supervisor

import (
	"time"

	"github.com/google/uuid"

	"github.com/hostsentry/agent/internal/config"
	"github.com/hostsentry/agent/internal/model"
	"github.com/hostsentry/agent/internal/tailer"
)

// buildAlertRules converts the on-disk alert config into the typed map the
// alert engine keys its state machines by.
func buildAlertRules(cfg config.AlertConfig) map[model.AlertKind]model.AlertRule {
	rules := make(map[model.AlertKind]model.AlertRule, len(cfg.Rules))
	for name, rc := range cfg.Rules {
		kind := model.AlertKind(name)
		rules[kind] = model.AlertRule{
			Kind:       kind,
			Threshold:  rc.Threshold,
			Multiplier: rc.Multiplier,
			Duration:   rc.Duration,
			Priority:   model.Priority(rc.Priority),
			Cooldown:   rc.Cooldown,
		}
	}
	return rules
}

// buildLogSources converts the configured sources plus the always-present
// auto-monitor source (the agent's own log file) into model.LogSource
// values. The auto-monitor source is always first and always enabled.
func buildLogSources(cfg *config.Config) []model.LogSource {
	sources := make([]model.LogSource, 0, len(cfg.Sources)+1)

	sources = append(sources, model.LogSource{
		ID:          autoMonitorSourceID,
		Path:        cfg.Log.Filename,
		Label:       "agent_self",
		Priority:    model.PriorityHigh,
		Enabled:     true,
		AutoMonitor: true,
		CreatedAt:   time.Now().UTC(),
		ModifiedAt:  time.Now().UTC(),
	})

	for _, sc := range cfg.Sources {
		id := sc.ID
		if id == "" {
			id = uuid.NewString()
		}
		label := sc.Label
		if label == "" {
			label = tailer.DeriveLabel(sc.Path)
		}
		sources = append(sources, model.LogSource{
			ID:          id,
			Path:        sc.Path,
			Label:       label,
			Priority:    model.Priority(sc.Priority),
			Enabled:     sc.Enabled,
			AutoMonitor: sc.AutoMonitor,
			CreatedAt:   time.Now().UTC(),
			ModifiedAt:  time.Now().UTC(),
		})
	}
	return sources
}

// toSourceConfig renders a model.LogSource back into its on-disk shape, for
// persisting control-API additions through the config store.
func toSourceConfig(s model.LogSource) config.SourceConfig {
	return config.SourceConfig{
		ID:          s.ID,
		Path:        s.Path,
		Label:       s.Label,
		Priority:    string(s.Priority),
		Enabled:     s.Enabled,
		AutoMonitor: s.AutoMonitor,
	}
}
