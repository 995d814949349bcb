package alert

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostsentry/agent/internal/model"
)

func cpuRules() map[model.AlertKind]model.AlertRule {
	return map[model.AlertKind]model.AlertRule{
		model.AlertCPUCritical: {
			Kind: model.AlertCPUCritical, Threshold: 90, Duration: 1, Priority: model.PriorityCritical, Cooldown: 5,
		},
	}
}

func TestTransition_ClearsBreachWhenUnderThreshold(t *testing.T) {
	e := New(cpuRules(), "http://example.invalid/tickets", "", "host-a", nil, nil)
	e.Evaluate(model.MetricSnapshot{CPUPercent: 50})
	st := e.State(model.AlertCPUCritical)
	assert.Nil(t, st.BreachStarted)
	assert.Nil(t, st.LastFired)
}

func TestTransition_SetsBreachStartedWithoutEmittingImmediately(t *testing.T) {
	e := New(cpuRules(), "http://example.invalid/tickets", "", "host-a", nil, nil)
	e.Evaluate(model.MetricSnapshot{CPUPercent: 95})
	st := e.State(model.AlertCPUCritical)
	require.NotNil(t, st.BreachStarted)
	assert.Nil(t, st.LastFired)
}

func TestTransition_ZeroDurationEmitsOnFirstOverSample(t *testing.T) {
	rules := cpuRules()
	rules[model.AlertCPUCritical] = model.AlertRule{
		Kind: model.AlertCPUCritical, Threshold: 90, Duration: 0, Priority: model.PriorityCritical, Cooldown: 5,
	}

	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := New(rules, srv.URL, "", "host-a", nil, nil)
	e.Evaluate(model.MetricSnapshot{CPUPercent: 95})
	st := e.State(model.AlertCPUCritical)
	require.NotNil(t, st.LastFired)
	assert.Nil(t, st.BreachStarted)

	require.Eventually(t, func() bool { return received.Load() >= 1 }, time.Second, 10*time.Millisecond)
}

func TestTransition_PositiveDurationWaitsForSustainedBreach(t *testing.T) {
	e := New(cpuRules(), "http://example.invalid/tickets", "", "host-a", nil, nil)

	e.Evaluate(model.MetricSnapshot{CPUPercent: 95})
	first := e.State(model.AlertCPUCritical)
	require.NotNil(t, first.BreachStarted)
	assert.Nil(t, first.LastFired)

	time.Sleep(1100 * time.Millisecond)

	e.Evaluate(model.MetricSnapshot{CPUPercent: 95})
	st := e.State(model.AlertCPUCritical)
	require.NotNil(t, st.LastFired)
	assert.Nil(t, st.BreachStarted)
}

func TestTransition_CooldownSuppressesRefire(t *testing.T) {
	rules := map[model.AlertKind]model.AlertRule{
		model.AlertCPUCritical: {Kind: model.AlertCPUCritical, Threshold: 90, Duration: 0, Priority: model.PriorityCritical, Cooldown: 3600},
	}
	e := New(rules, "http://example.invalid/tickets", "", "host-a", nil, nil)
	e.Evaluate(model.MetricSnapshot{CPUPercent: 95})
	e.Evaluate(model.MetricSnapshot{CPUPercent: 95})
	first := e.State(model.AlertCPUCritical)
	require.NotNil(t, first.LastFired)

	e.Evaluate(model.MetricSnapshot{CPUPercent: 95})
	second := e.State(model.AlertCPUCritical)
	assert.Nil(t, second.BreachStarted)
	assert.Equal(t, *first.LastFired, *second.LastFired)
}

func TestNetworkSpike_RequiresMinimumSampleHistory(t *testing.T) {
	rules := map[model.AlertKind]model.AlertRule{
		model.AlertNetworkSpike: {Kind: model.AlertNetworkSpike, Multiplier: 3, Duration: 0, Priority: model.PriorityMedium, Cooldown: 5},
	}
	e := New(rules, "http://example.invalid/tickets", "", "host-a", nil, nil)

	for i := 0; i < networkSpikeMinSamples-1; i++ {
		e.Evaluate(model.MetricSnapshot{NetRXRateBps: 100, NetTXRateBps: 100})
	}
	st := e.State(model.AlertNetworkSpike)
	assert.Nil(t, st.BreachStarted)
}

func TestNetworkSpike_FiresAfterSustainedSpikeAboveMean(t *testing.T) {
	rules := map[model.AlertKind]model.AlertRule{
		model.AlertNetworkSpike: {Kind: model.AlertNetworkSpike, Multiplier: 3, Duration: 0, Priority: model.PriorityMedium, Cooldown: 5},
	}
	e := New(rules, "http://example.invalid/tickets", "", "host-a", nil, nil)

	for i := 0; i < networkSpikeMinSamples; i++ {
		e.Evaluate(model.MetricSnapshot{NetRXRateBps: 100, NetTXRateBps: 100})
	}
	e.Evaluate(model.MetricSnapshot{NetRXRateBps: 1000, NetTXRateBps: 100})
	e.Evaluate(model.MetricSnapshot{NetRXRateBps: 1000, NetTXRateBps: 100})

	st := e.State(model.AlertNetworkSpike)
	assert.NotNil(t, st.LastFired)
}

func TestEvaluate_IgnoresKindsWithNoConfiguredRule(t *testing.T) {
	e := New(map[model.AlertKind]model.AlertRule{}, "http://example.invalid/tickets", "", "host-a", nil, nil)
	assert.NotPanics(t, func() {
		e.Evaluate(model.MetricSnapshot{CPUPercent: 99, ProcessCount: 10000})
	})
}

func TestPercentOf_ZeroTotalIsZero(t *testing.T) {
	assert.Equal(t, 0.0, percentOf(10, 0))
}

func TestMaxDiskPercent_PicksWorstMount(t *testing.T) {
	disks := []model.DiskUsage{{Mount: "/", UsedPercent: 40}, {Mount: "/data", UsedPercent: 87.5}}
	assert.Equal(t, 87.5, maxDiskPercent(disks))
}

func TestPostTicket_ReturnsErrorOnServerFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := &http.Client{Timeout: time.Second}
	err := PostTicket(context.Background(), client, srv.URL, "", Ticket{Kind: model.AlertCPUCritical})
	require.Error(t, err)
}

func TestPostTicket_SucceedsOn2xxAndSetsAuthHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client := &http.Client{Timeout: time.Second}
	err := PostTicket(context.Background(), client, srv.URL, "secret-token", Ticket{Kind: model.AlertDiskHigh})
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret-token", gotAuth)
}
