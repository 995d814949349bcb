package tailer

import (
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/hostsentry/agent/internal/config"
	"github.com/hostsentry/agent/internal/model"
)

// Classifier derives severity, priority, and emission eligibility from a raw
// log line, driven by the hot-reloadable keyword sets in config.MonitoringConfig.
type Classifier struct {
	mu sync.RWMutex

	errorRegex    *regexp.Regexp
	critSeverity  []string
	failSeverity  []string
	errSeverity   []string
	warnSeverity  []string
	critPriority  []string
	highPriority  []string
	selfLoopMarks []string
}

// NewClassifier compiles the match automaton from mc.
func NewClassifier(mc config.MonitoringConfig) *Classifier {
	c := &Classifier{}
	c.Recompile(mc)
	return c
}

// Recompile rebuilds the match automaton from an updated keyword set. Called
// by the supervisor on a hot config reload of the monitoring.* paths.
func (c *Classifier) Recompile(mc config.MonitoringConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.errorRegex = compileKeywordRegex(mc.ErrorKeywords)
	c.critSeverity = lowerAll(mc.CriticalSeverityWords)
	c.failSeverity = lowerAll(mc.FailureSeverityWords)
	c.errSeverity = lowerAll(mc.ErrorSeverityWords)
	c.warnSeverity = lowerAll(mc.WarnSeverityWords)
	c.critPriority = lowerAll(mc.CriticalPriorityWords)
	c.highPriority = lowerAll(mc.HighPriorityWords)
	c.selfLoopMarks = mc.SelfLoopMarkers
}

func compileKeywordRegex(keywords []string) *regexp.Regexp {
	if len(keywords) == 0 {
		return regexp.MustCompile(`(?i)error`)
	}
	escaped := make([]string, len(keywords))
	for i, k := range keywords {
		escaped[i] = regexp.QuoteMeta(k)
	}
	return regexp.MustCompile(`(?i)(` + strings.Join(escaped, "|") + `)`)
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

// IsSelfLoop reports whether line carries one of the agent's own diagnostic
// markers and must be skipped without classification.
func (c *Classifier) IsSelfLoop(line string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, marker := range c.selfLoopMarks {
		if strings.Contains(line, marker) {
			return true
		}
	}
	return false
}

// ShouldEmit reports whether line matches the error-keyword emission gate.
func (c *Classifier) ShouldEmit(line string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.errorRegex.MatchString(line)
}

// Classify derives severity and priority for line per the ordered keyword
// checks.
func (c *Classifier) Classify(line string) (model.Severity, model.Priority) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	lower := strings.ToLower(line)
	severity := classifySeverity(lower, c.critSeverity, c.failSeverity, c.errSeverity, c.warnSeverity)
	priority := classifyPriority(lower, severity, c.critPriority, c.highPriority)
	return severity, priority
}

func classifySeverity(lower string, crit, fail, errW, warn []string) model.Severity {
	switch {
	case containsAny(lower, crit):
		return model.SeverityCritical
	case containsAny(lower, fail):
		return model.SeverityFailure
	case containsAny(lower, errW):
		return model.SeverityError
	case containsAny(lower, warn):
		return model.SeverityWarn
	default:
		return model.SeverityInfo
	}
}

func classifyPriority(lower string, severity model.Severity, critPriority, highPriority []string) model.Priority {
	switch {
	case containsAny(lower, critPriority):
		return model.PriorityCritical
	case containsAny(lower, highPriority):
		return model.PriorityHigh
	}
	switch severity {
	case model.SeverityCritical:
		return model.PriorityCritical
	case model.SeverityError, model.SeverityFailure:
		return model.PriorityHigh
	case model.SeverityWarn:
		return model.PriorityMedium
	default:
		return model.PriorityLow
	}
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// DeriveLabel maps a source path to a human label by substring heuristic.
// Falls back to the basename without extension.
func DeriveLabel(path string) string {
	lower := strings.ToLower(path)
	switch {
	case strings.Contains(lower, "apache"):
		return "apache_errors"
	case strings.Contains(lower, "nginx"):
		return "nginx_errors"
	case strings.Contains(lower, "mysql"), strings.Contains(lower, "mariadb"):
		return "mysql_errors"
	case strings.Contains(lower, "postgres"):
		return "postgresql_errors"
	case strings.Contains(lower, "syslog"), strings.Contains(lower, "messages"):
		return "system"
	case strings.Contains(lower, "kern"):
		return "kernel"
	case strings.Contains(lower, "auth"):
		return "authentication"
	default:
		base := filepath.Base(path)
		return strings.TrimSuffix(base, filepath.Ext(base))
	}
}
