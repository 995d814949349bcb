package suppression

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostsentry/agent/internal/model"
)

type memRuleStore struct {
	mu        sync.Mutex
	rules     []model.SuppressionRule
	loadErr   error
	loadCalls int
	matched   map[string]int
}

func newMemRuleStore(rules ...model.SuppressionRule) *memRuleStore {
	return &memRuleStore{rules: rules, matched: map[string]int{}}
}

func (s *memRuleStore) LoadActiveRules(ctx context.Context) ([]model.SuppressionRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadCalls++
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	out := make([]model.SuppressionRule, len(s.rules))
	copy(out, s.rules)
	return out, nil
}

func (s *memRuleStore) IncrementMatch(ctx context.Context, ruleID string, matchedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.matched[ruleID]++
	return nil
}

func (s *memRuleStore) Close() error { return nil }

func boolPtr(s string) *string { return &s }

func TestShouldSuppress_MatchesCaseInsensitiveSubstring(t *testing.T) {
	store := newMemRuleStore(model.SuppressionRule{
		ID: "1", Name: "conn-refused", MatchText: "Connection Refused", Enabled: true,
	})
	m := New(store, time.Minute, nil, nil)

	suppressed, rule := m.ShouldSuppress(context.Background(), "2024-01-01 ERROR: connection refused by peer", "node-a")

	require.True(t, suppressed)
	require.NotNil(t, rule)
	assert.Equal(t, "1", rule.ID)
	assert.Equal(t, 1, store.matched["1"])
}

func TestShouldSuppress_NodeScopeExcludesOtherNodes(t *testing.T) {
	store := newMemRuleStore(model.SuppressionRule{
		ID: "1", MatchText: "disk full", Enabled: true, NodeScope: boolPtr("node-a"),
	})
	m := New(store, time.Minute, nil, nil)

	suppressed, _ := m.ShouldSuppress(context.Background(), "disk full on /var", "node-b")
	assert.False(t, suppressed)

	suppressed, _ = m.ShouldSuppress(context.Background(), "disk full on /var", "node-a")
	assert.True(t, suppressed)
}

func TestShouldSuppress_ExpiredAndDisabledRulesNeverMatch(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	store := newMemRuleStore(
		model.SuppressionRule{ID: "1", MatchText: "expired rule", Enabled: true, ExpiresAt: &past},
		model.SuppressionRule{ID: "2", MatchText: "disabled rule", Enabled: false},
	)
	m := New(store, time.Minute, nil, nil)

	suppressed, _ := m.ShouldSuppress(context.Background(), "this is an expired rule match", "node-a")
	assert.False(t, suppressed)

	suppressed, _ = m.ShouldSuppress(context.Background(), "this is a disabled rule match", "node-a")
	assert.False(t, suppressed)
}

func TestShouldSuppress_AscendingIDTieBreak(t *testing.T) {
	store := newMemRuleStore(
		model.SuppressionRule{ID: "1", MatchText: "error", Enabled: true},
		model.SuppressionRule{ID: "2", MatchText: "error", Enabled: true},
	)
	m := New(store, time.Minute, nil, nil)

	_, rule := m.ShouldSuppress(context.Background(), "some error happened", "node-a")
	require.NotNil(t, rule)
	assert.Equal(t, "1", rule.ID)
}

func TestShouldSuppress_FailsOpenOnStoreError(t *testing.T) {
	store := newMemRuleStore()
	store.loadErr = fmt.Errorf("boom")
	m := New(store, time.Minute, nil, nil)

	suppressed, rule := m.ShouldSuppress(context.Background(), "anything at all", "node-a")
	assert.False(t, suppressed)
	assert.Nil(t, rule)
}

func TestCache_RespectsTTLAndForceReload(t *testing.T) {
	store := newMemRuleStore(model.SuppressionRule{ID: "1", MatchText: "x", Enabled: true})
	m := New(store, 10*time.Millisecond, nil, nil)

	m.ShouldSuppress(context.Background(), "x", "node-a")
	firstCalls := store.loadCalls
	assert.Equal(t, 1, firstCalls)

	m.ShouldSuppress(context.Background(), "x", "node-a")
	assert.Equal(t, firstCalls, store.loadCalls, "second call within TTL should not reload")

	time.Sleep(20 * time.Millisecond)
	m.ShouldSuppress(context.Background(), "x", "node-a")
	assert.Greater(t, store.loadCalls, firstCalls, "call after TTL expiry should reload")

	m.ForceReload(context.Background())
	assert.Greater(t, store.loadCalls, firstCalls+1)
}

func TestGetStatistics_ComputesRate(t *testing.T) {
	store := newMemRuleStore(model.SuppressionRule{ID: "1", MatchText: "boom", Enabled: true})
	m := New(store, time.Minute, nil, nil)

	m.ShouldSuppress(context.Background(), "boom happened", "node-a")
	m.ShouldSuppress(context.Background(), "all clear", "node-a")

	stats := m.GetStatistics()
	assert.EqualValues(t, 2, stats.TotalChecks)
	assert.EqualValues(t, 1, stats.TotalSuppressed)
	assert.InDelta(t, 50.0, stats.SuppressionRate, 0.001)
	assert.Equal(t, 1, stats.CacheSize)
}
