package suppression

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hostsentry/agent/internal/model"
	"github.com/hostsentry/agent/pkg/metrics"
)

// cacheKey is the single slot the TTL-guarded rule cache occupies. An LRU
// cache of size 1 gives the cache slot safe concurrent Add/Peek semantics
// without a bespoke struct; there is only ever one entry.
const cacheKey = "active_rules"

// Stats summarizes the matcher's activity.
type Stats struct {
	TotalChecks     uint64
	TotalSuppressed uint64
	SuppressionRate float64
	CacheSize       int
}

// Matcher evaluates should_suppress against a TTL-cached rule set.
//
// The cache is a value replaced atomically under mu on refresh, per the
// "callback-based rule matcher" design note: the matching itself is a pure
// function over (line, node, snapshot).
type Matcher struct {
	store   RuleStore
	ttl     time.Duration
	logger  *slog.Logger
	metrics *metrics.SuppressionMetrics

	mu          sync.Mutex
	cache       *lru.Cache[string, []model.SuppressionRule]
	cachedAt    time.Time
	cacheLoaded bool

	totalChecks     uint64
	totalSuppressed uint64
}

// New builds a Matcher. ttl <= 0 defaults to 60s
func New(store RuleStore, ttl time.Duration, logger *slog.Logger, reg *metrics.Registry) *Matcher {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	cache, err := lru.New[string, []model.SuppressionRule](1)
	if err != nil {
		panic(err) // only fails for a non-positive size, which is a constant here
	}
	m := &Matcher{store: store, ttl: ttl, logger: logger, cache: cache}
	if reg != nil {
		m.metrics = reg.Suppression()
	}
	return m
}

// ShouldSuppress reports whether line should be dropped for nodeID, and the
// rule responsible. Any internal failure is swallowed (fail-open): the line
// is treated as unmatched. Matching is case-insensitive substring
// containment against rules evaluated in ascending rule-id order.
func (m *Matcher) ShouldSuppress(ctx context.Context, line, nodeID string) (bool, *model.SuppressionRule) {
	atomic.AddUint64(&m.totalChecks, 1)
	if m.metrics != nil {
		m.metrics.ChecksTotal.Inc()
	}

	rules := m.activeRules(ctx)
	lowerLine := strings.ToLower(line)

	for i := range rules {
		rule := rules[i]
		if !rule.Enabled || rule.Expired(time.Now()) {
			continue
		}
		if !rule.AppliesToNode(nodeID) {
			continue
		}
		if !strings.Contains(lowerLine, strings.ToLower(rule.MatchText)) {
			continue
		}

		atomic.AddUint64(&m.totalSuppressed, 1)
		if m.metrics != nil {
			m.metrics.SuppressedTotal.Inc()
		}
		m.recordMatch(ctx, rule.ID)
		return true, &rule
	}

	return false, nil
}

// recordMatch persists the match-count bump best-effort; failures are
// logged and never propagated.
func (m *Matcher) recordMatch(ctx context.Context, ruleID string) {
	if m.store == nil {
		return
	}
	if err := m.store.IncrementMatch(ctx, ruleID, time.Now()); err != nil {
		m.logger.Error("suppression: failed to record rule match", "rule_id", ruleID, "error", err)
	}
}

// ForceReload bypasses the TTL and reloads the rule set immediately.
func (m *Matcher) ForceReload(ctx context.Context) {
	m.refresh(ctx)
}

// activeRules returns the cached rule set, refreshing it first if the TTL
// has expired. On refresh failure, the previous cache is retained.
func (m *Matcher) activeRules(ctx context.Context) []model.SuppressionRule {
	m.mu.Lock()
	expired := !m.cacheLoaded || time.Since(m.cachedAt) >= m.ttl
	m.mu.Unlock()

	if expired {
		m.refresh(ctx)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rules, _ := m.cache.Peek(cacheKey)
	return rules
}

func (m *Matcher) refresh(ctx context.Context) {
	if m.metrics != nil {
		m.metrics.CacheReloads.Inc()
	}
	if m.store == nil {
		return
	}

	rules, err := m.store.LoadActiveRules(ctx)
	if err != nil {
		m.logger.Error("suppression: failed to reload rule cache, retaining previous cache", "error", err)
		if m.metrics != nil {
			m.metrics.FailOpenTotal.Inc()
		}
		m.mu.Lock()
		m.cachedAt = time.Now() // once a rule set has loaded, defer the next attempt until TTL elapses; before that, every call retries
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	m.cache.Add(cacheKey, rules)
	m.cachedAt = time.Now()
	m.cacheLoaded = true
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.CacheSize.Set(float64(len(rules)))
	}
}

// GetStatistics returns a snapshot of the matcher's activity counters.
func (m *Matcher) GetStatistics() Stats {
	checks := atomic.LoadUint64(&m.totalChecks)
	suppressed := atomic.LoadUint64(&m.totalSuppressed)

	rate := 0.0
	if checks > 0 {
		rate = (float64(suppressed) / float64(checks)) * 100
	}

	m.mu.Lock()
	rules, _ := m.cache.Peek(cacheKey)
	size := len(rules)
	m.mu.Unlock()

	return Stats{
		TotalChecks:     checks,
		TotalSuppressed: suppressed,
		SuppressionRate: rate,
		CacheSize:       size,
	}
}
