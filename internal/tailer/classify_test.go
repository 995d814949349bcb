package tailer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hostsentry/agent/internal/config"
	"github.com/hostsentry/agent/internal/model"
)

func testMonitoring() config.MonitoringConfig {
	return config.MonitoringConfig{
		ErrorKeywords:         []string{"err", "error", "warn", "warning", "fail", "failed", "failure", "panic", "fatal", "critical", "crit"},
		CriticalSeverityWords: []string{"panic", "fatal", "critical", "crit"},
		FailureSeverityWords:  []string{"fail", "failed", "failure"},
		ErrorSeverityWords:    []string{"err", "error"},
		WarnSeverityWords:     []string{"warn", "warning"},
		CriticalPriorityWords: []string{"panic", "fatal"},
		HighPriorityWords:     []string{"critical", "crit"},
		SelfLoopMarkers:       []string{"[hostsentry]"},
	}
}

func TestClassify_SeverityOrdering(t *testing.T) {
	c := NewClassifier(testMonitoring())

	cases := []struct {
		line string
		want model.Severity
	}{
		{"kernel panic detected", model.SeverityCritical},
		{"task failed successfully", model.SeverityFailure},
		{"connection error occurred", model.SeverityError},
		{"warning: disk almost full", model.SeverityWarn},
		{"all systems nominal", model.SeverityInfo},
	}
	for _, tc := range cases {
		severity, _ := c.Classify(tc.line)
		assert.Equal(t, tc.want, severity, tc.line)
	}
}

func TestClassify_PriorityOverridesSeverity(t *testing.T) {
	c := NewClassifier(testMonitoring())

	_, priority := c.Classify("fatal error in module x")
	assert.Equal(t, model.PriorityCritical, priority)

	_, priority = c.Classify("critical condition reached")
	assert.Equal(t, model.PriorityHigh, priority)

	_, priority = c.Classify("connection error occurred")
	assert.Equal(t, model.PriorityHigh, priority)

	_, priority = c.Classify("warning: disk almost full")
	assert.Equal(t, model.PriorityMedium, priority)

	_, priority = c.Classify("all systems nominal")
	assert.Equal(t, model.PriorityLow, priority)
}

func TestIsSelfLoop(t *testing.T) {
	c := NewClassifier(testMonitoring())
	assert.True(t, c.IsSelfLoop("[hostsentry] reloaded configuration"))
	assert.False(t, c.IsSelfLoop("application error occurred"))
}

func TestShouldEmit_RequiresErrorKeyword(t *testing.T) {
	c := NewClassifier(testMonitoring())
	assert.True(t, c.ShouldEmit("ERROR: disk full"))
	assert.False(t, c.ShouldEmit("request completed in 12ms"))
}

func TestDeriveLabel(t *testing.T) {
	cases := map[string]string{
		"/var/log/apache2/error.log":  "apache_errors",
		"/var/log/nginx/error.log":    "nginx_errors",
		"/var/log/mysql/error.log":    "mysql_errors",
		"/var/log/mariadb/error.log":  "mysql_errors",
		"/var/log/postgresql/pg.log": "postgresql_errors",
		"/var/log/syslog":             "system",
		"/var/log/messages":           "system",
		"/var/log/kern.log":           "kernel",
		"/var/log/auth.log":           "authentication",
		"/var/log/custom-app.log":     "custom-app",
	}
	for path, want := range cases {
		assert.Equal(t, want, DeriveLabel(path), path)
	}
}

func TestRecompile_PicksUpNewKeywords(t *testing.T) {
	mc := testMonitoring()
	c := NewClassifier(mc)
	assert.False(t, c.ShouldEmit("something wobbly happened"))

	mc.ErrorKeywords = append(mc.ErrorKeywords, "wobbly")
	c.Recompile(mc)
	assert.True(t, c.ShouldEmit("something wobbly happened"))
}
