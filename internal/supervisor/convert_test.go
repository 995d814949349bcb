package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostsentry/agent/internal/config"
	"github.com/hostsentry/agent/internal/model"
)

func TestBuildAlertRules(t *testing.T) {
	cfg := config.AlertConfig{
		Rules: map[string]config.AlertRuleConfig{
			"cpu_high": {Threshold: 75, Duration: 300, Priority: "high", Cooldown: 1800},
		},
	}
	rules := buildAlertRules(cfg)
	require.Contains(t, rules, model.AlertCPUHigh)
	assert.Equal(t, 75.0, rules[model.AlertCPUHigh].Threshold)
	assert.Equal(t, model.PriorityHigh, rules[model.AlertCPUHigh].Priority)
	assert.Equal(t, 1800, rules[model.AlertCPUHigh].Cooldown)
}

func TestBuildLogSources_AlwaysIncludesAutoMonitorFirst(t *testing.T) {
	cfg := &config.Config{
		Log: config.LogConfig{Filename: "/var/log/hostsentry/agent.log"},
		Sources: []config.SourceConfig{
			{ID: "custom-1", Path: "/var/log/app.log", Label: "app", Priority: "medium", Enabled: true},
		},
	}
	sources := buildLogSources(cfg)
	require.Len(t, sources, 2)
	assert.Equal(t, autoMonitorSourceID, sources[0].ID)
	assert.True(t, sources[0].AutoMonitor)
	assert.Equal(t, cfg.Log.Filename, sources[0].Path)
	assert.Equal(t, "custom-1", sources[1].ID)
	assert.False(t, sources[1].AutoMonitor)
}

func TestBuildLogSources_GeneratesIDWhenMissing(t *testing.T) {
	cfg := &config.Config{
		Sources: []config.SourceConfig{
			{Path: "/var/log/other.log", Label: "other", Priority: "low", Enabled: true},
		},
	}
	sources := buildLogSources(cfg)
	require.Len(t, sources, 2)
	assert.NotEmpty(t, sources[1].ID)
}

func TestToSourceConfig_RoundTripsFields(t *testing.T) {
	src := model.LogSource{
		ID: "abc", Path: "/var/log/x.log", Label: "x",
		Priority: model.PriorityCritical, Enabled: true, AutoMonitor: false,
	}
	sc := toSourceConfig(src)
	assert.Equal(t, "abc", sc.ID)
	assert.Equal(t, "/var/log/x.log", sc.Path)
	assert.Equal(t, "critical", sc.Priority)
	assert.True(t, sc.Enabled)
}
