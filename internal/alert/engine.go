// Package alert implements the Alert Engine: per-kind threshold state
// machines evaluated against every MetricSnapshot, emitting ticket payloads
// to the control plane when a sustained breach is confirmed.
package alert

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"text/template"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hostsentry/agent/internal/model"
	"github.com/hostsentry/agent/pkg/metrics"
)

// networkSpikeMinSamples is the minimum number of snapshots folded into the
// running mean before network_spike is allowed to emit.
const networkSpikeMinSamples = 20

// networkSpikeWindowSize bounds how many past samples the network spike
// rule's running mean remembers, so a multi-day uptime doesn't dilute a
// recent sustained spike into an average of mostly quiet history.
const networkSpikeWindowSize = 300

var (
	titleTemplate = template.Must(template.New("ticket-title").Parse(
		"{{.KindLabel}} on {{.Hostname}}: {{printf \"%.1f\" .Value}} sustained for {{.DurationMinutes}}m",
	))
	descriptionTemplate = template.Must(template.New("ticket-description").Parse(
		`Alert: {{.KindLabel}}
Host: {{.Hostname}}
Priority: {{.Priority}}

Observed value: {{printf "%.2f" .Value}}
Sustained duration: {{.DurationMinutes}} minute(s)
Fired at: {{.FiredAt}}

This alert was raised by the host agent's alert engine after the condition
held continuously for at least the configured duration without clearing.
`,
	))
)

// Ticket is the payload handed to the control plane for one alert firing.
type Ticket struct {
	Kind        model.AlertKind `json:"kind"`
	Priority    model.Priority  `json:"priority"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Value       float64         `json:"value"`
	Hostname    string          `json:"hostname"`
	FiredAt     time.Time       `json:"fired_at"`
}

type ticketTemplateData struct {
	KindLabel       string
	Hostname        string
	Priority        model.Priority
	Value           float64
	DurationMinutes int
	FiredAt         string
}

// runningMean tracks the mean of the last networkSpikeWindowSize samples
// used by the network spike rule. The window is an LRU cache keyed by a
// monotonic sequence number: inserting past capacity evicts the oldest
// sample, giving a bounded sliding window without a manual ring buffer.
type runningMean struct {
	mu    sync.Mutex
	seq   uint64
	cache *lru.Cache[uint64, float64]
}

func newRunningMean() *runningMean {
	cache, err := lru.New[uint64, float64](networkSpikeWindowSize)
	if err != nil {
		panic(err) // only fails for a non-positive size, which is a constant here
	}
	return &runningMean{cache: cache}
}

func (r *runningMean) observe(v float64) (mean float64, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	r.cache.Add(r.seq, v)

	keys := r.cache.Keys()
	sum := 0.0
	for _, k := range keys {
		if val, ok := r.cache.Peek(k); ok {
			sum += val
		}
	}
	n = len(keys)
	if n == 0 {
		return 0, 0
	}
	return sum / float64(n), n
}

// Engine evaluates every MetricSnapshot against the configured AlertRules
// and emits tickets on sustained breaches. A single Engine is meant to be
// driven by one caller at a time (the sampler's fan-out), but Evaluate is
// safe for concurrent use regardless.
type Engine struct {
	mu    sync.Mutex
	rules map[model.AlertKind]model.AlertRule
	state map[model.AlertKind]*model.AlertState

	rxMean *runningMean
	txMean *runningMean

	hostname    string
	ticketURL   string
	bearerToken string

	client  *http.Client
	logger  *slog.Logger
	metrics *metrics.AlertMetrics
}

// New builds an Engine. ticketURL is the fixed control-plane endpoint for
// alert ticket submission; bearerToken may be empty.
func New(rules map[model.AlertKind]model.AlertRule, ticketURL, bearerToken, hostname string, logger *slog.Logger, reg *metrics.Registry) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		rules:       rules,
		state:       make(map[model.AlertKind]*model.AlertState, len(rules)),
		rxMean:      newRunningMean(),
		txMean:      newRunningMean(),
		hostname:    hostname,
		ticketURL:   ticketURL,
		bearerToken: bearerToken,
		client:      &http.Client{Timeout: 5 * time.Second},
		logger:      logger,
	}
	for kind := range rules {
		e.state[kind] = &model.AlertState{}
	}
	if reg != nil {
		e.metrics = reg.Alert()
	}
	return e
}

// Evaluate runs every configured rule against snap. Rule evaluation is
// serialized by Engine's lock so concurrent calls never race on state.
func (e *Engine) Evaluate(snap model.MetricSnapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	e.evaluateThreshold(model.AlertCPUCritical, snap.CPUPercent, now)
	e.evaluateThreshold(model.AlertCPUHigh, snap.CPUPercent, now)

	memPct := percentOf(snap.MemUsedBytes, snap.MemTotalBytes)
	e.evaluateThreshold(model.AlertMemoryCritical, memPct, now)
	e.evaluateThreshold(model.AlertMemoryHigh, memPct, now)

	diskPct := maxDiskPercent(snap.Disks)
	e.evaluateThreshold(model.AlertDiskCritical, diskPct, now)
	e.evaluateThreshold(model.AlertDiskHigh, diskPct, now)

	e.evaluateThreshold(model.AlertHighProcessCount, float64(snap.ProcessCount), now)
	e.evaluateNetworkSpike(snap, now)
}

// UpdateRules replaces the active rule set on a hot config reload of
// alert.rules.*. Existing per-kind state is preserved for kinds that
// remain, so an in-progress breach isn't reset by a threshold tweak; new
// kinds get fresh state.
func (e *Engine) UpdateRules(rules map[model.AlertKind]model.AlertRule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = rules
	for kind := range rules {
		if _, ok := e.state[kind]; !ok {
			e.state[kind] = &model.AlertState{}
		}
	}
}

// State returns a snapshot of kind's current breach/cooldown state, for
// diagnostics and tests. The returned pointers are copies.
func (e *Engine) State(kind model.AlertKind) model.AlertState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.state[kind]
	if !ok {
		return model.AlertState{}
	}
	return *st
}

func (e *Engine) stateFor(kind model.AlertKind) *model.AlertState {
	st, ok := e.state[kind]
	if !ok {
		st = &model.AlertState{}
		e.state[kind] = st
	}
	return st
}

// evaluateThreshold applies the standard breach/cooldown/duration state
// machine for a simple "value over threshold" rule.
func (e *Engine) evaluateThreshold(kind model.AlertKind, value float64, now time.Time) {
	rule, ok := e.rules[kind]
	if !ok {
		return
	}
	if e.metrics != nil {
		e.metrics.EvaluationsTotal.WithLabelValues(string(kind)).Inc()
	}
	e.transition(kind, rule, value >= rule.Threshold, value, now)
}

// evaluateNetworkSpike folds the current sample into the running mean for
// each direction and, once enough history exists, applies the standard
// state machine against whichever direction spiked furthest.
func (e *Engine) evaluateNetworkSpike(snap model.MetricSnapshot, now time.Time) {
	rule, ok := e.rules[model.AlertNetworkSpike]
	if !ok {
		return
	}
	rxMean, rxN := e.rxMean.observe(snap.NetRXRateBps)
	txMean, txN := e.txMean.observe(snap.NetTXRateBps)

	if e.metrics != nil {
		e.metrics.EvaluationsTotal.WithLabelValues(string(model.AlertNetworkSpike)).Inc()
	}
	if rxN < networkSpikeMinSamples || txN < networkSpikeMinSamples {
		return
	}

	breached := false
	value := 0.0
	if rxMean > 0 && snap.NetRXRateBps > rxMean*rule.Multiplier {
		breached = true
		value = snap.NetRXRateBps
	}
	if txMean > 0 && snap.NetTXRateBps > txMean*rule.Multiplier && snap.NetTXRateBps > value {
		breached = true
		value = snap.NetTXRateBps
	}
	e.transition(model.AlertNetworkSpike, rule, breached, value, now)
}

// transition implements the shared breach/cooldown/duration state machine
// described for every alert rule: clear on recovery, cooldown suppresses a
// re-fire, breach start is recorded on first crossing, and duration gates
// the actual emission.
func (e *Engine) transition(kind model.AlertKind, rule model.AlertRule, over bool, value float64, now time.Time) {
	st := e.stateFor(kind)

	if !over {
		st.BreachStarted = nil
		return
	}

	cooldown := time.Duration(rule.Cooldown) * time.Second
	if st.LastFired != nil && now.Sub(*st.LastFired) < cooldown {
		return
	}

	if st.BreachStarted == nil {
		start := now
		st.BreachStarted = &start
	}

	duration := time.Duration(rule.Duration) * time.Second
	if now.Sub(*st.BreachStarted) >= duration {
		e.emit(kind, rule, value, now)
		fired := now
		st.LastFired = &fired
		st.BreachStarted = nil
	}
}

// emit builds and fire-and-forgets a ticket POST. Failures are logged and
// never reverse the state transition that already happened.
func (e *Engine) emit(kind model.AlertKind, rule model.AlertRule, value float64, now time.Time) {
	durationMinutes := rule.Duration / 60
	ticket := Ticket{
		Kind:        kind,
		Priority:    rule.Priority,
		Value:       value,
		Hostname:    e.hostname,
		FiredAt:     now,
		Title:       renderTemplate(titleTemplate, kind, e.hostname, rule.Priority, value, durationMinutes, now),
		Description: renderTemplate(descriptionTemplate, kind, e.hostname, rule.Priority, value, durationMinutes, now),
	}

	if e.metrics != nil {
		e.metrics.EmittedTotal.WithLabelValues(string(kind)).Inc()
	}

	go e.postTicket(ticket)
}

func (e *Engine) postTicket(ticket Ticket) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := PostTicket(ctx, e.client, e.ticketURL, e.bearerToken, ticket); err != nil {
		e.logger.Error("alert: ticket submission failed", "kind", ticket.Kind, "error", err)
		if e.metrics != nil {
			e.metrics.EmitErrors.WithLabelValues(string(ticket.Kind)).Inc()
		}
	}
}

func renderTemplate(tmpl *template.Template, kind model.AlertKind, hostname string, priority model.Priority, value float64, durationMinutes int, now time.Time) string {
	var buf bytes.Buffer
	data := ticketTemplateData{
		KindLabel:       kindLabel(kind),
		Hostname:        hostname,
		Priority:        priority,
		Value:           value,
		DurationMinutes: durationMinutes,
		FiredAt:         now.UTC().Format(time.RFC3339),
	}
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Sprintf("%s alert on %s", kindLabel(kind), hostname)
	}
	return buf.String()
}

func kindLabel(kind model.AlertKind) string {
	return strings.ReplaceAll(string(kind), "_", " ")
}

func percentOf(used, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(used) / float64(total) * 100
}

func maxDiskPercent(disks []model.DiskUsage) float64 {
	max := 0.0
	for _, d := range disks {
		if d.UsedPercent > max {
			max = d.UsedPercent
		}
	}
	return max
}
