package supervisor

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/hostsentry/agent/internal/model"
)

// processRecorder keeps a bounded-retention history of the top-process
// samples already collected by the sampler, so /api/processes/{pid}/history
// can answer without a second gopsutil sweep of its own.
type processRecorder struct {
	mu        sync.Mutex
	retention time.Duration
	samples   map[int32][]recordedSample
}

type recordedSample struct {
	At   time.Time
	Info model.ProcessInfo
}

func newProcessRecorder(retention time.Duration) *processRecorder {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &processRecorder{retention: retention, samples: make(map[int32][]recordedSample)}
}

// Record appends every process in snap's top-N list, pruning entries older
// than the retention window.
func (p *processRecorder) Record(snap model.MetricSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := time.Now().Add(-p.retention)
	for _, info := range snap.TopProcesses {
		list := append(p.samples[info.PID], recordedSample{At: snap.Timestamp, Info: info})
		pruned := list[:0]
		for _, s := range list {
			if s.At.After(cutoff) {
				pruned = append(pruned, s)
			}
		}
		p.samples[info.PID] = pruned
	}
}

func (p *processRecorder) History(pid int32, since time.Time) []recordedSample {
	p.mu.Lock()
	defer p.mu.Unlock()
	all := p.samples[pid]
	out := make([]recordedSample, 0, len(all))
	for _, s := range all {
		if s.At.After(since) {
			out = append(out, s)
		}
	}
	return out
}

// alertFanout implements sampler.AlertSink, forwarding every snapshot to
// both the alert engine and the process history recorder so the sampler's
// fan-out list doesn't need a fourth bespoke consumer slot.
type alertFanout struct {
	engine  alertEvaluator
	history *processRecorder
}

type alertEvaluator interface {
	Evaluate(snap model.MetricSnapshot)
}

func (a *alertFanout) Evaluate(snap model.MetricSnapshot) {
	a.engine.Evaluate(snap)
	a.history.Record(snap)
}

func parsePID(r *http.Request) (int32, bool) {
	raw := mux.Vars(r)["pid"]
	n, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		return 0, false
	}
	return int32(n), true
}

func toProcessInfo(p *process.Process) model.ProcessInfo {
	name, _ := p.Name()
	ppid, _ := p.Ppid()
	cmdline, _ := p.Cmdline()
	cpuPct, _ := p.CPUPercent()
	memPct, _ := p.MemoryPercent()
	rss := uint64(0)
	if mi, err := p.MemoryInfo(); err == nil && mi != nil {
		rss = mi.RSS
	}
	return model.ProcessInfo{
		PID: p.Pid, PPID: ppid, Name: name,
		CPUPct: cpuPct, MemPct: memPct, RSSBytes: rss, Cmdline: cmdline,
	}
}

func (s *Supervisor) handleListProcesses(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	sortBy := r.URL.Query().Get("sortBy")

	procs, err := process.Processes()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing processes: "+err.Error())
		return
	}

	infos := make([]model.ProcessInfo, 0, len(procs))
	for _, p := range procs {
		infos = append(infos, toProcessInfo(p))
	}

	switch sortBy {
	case "memory":
		sort.Slice(infos, func(i, j int) bool { return infos[i].MemPct > infos[j].MemPct })
	default:
		sort.Slice(infos, func(i, j int) bool { return infos[i].CPUPct > infos[j].CPUPct })
	}
	if len(infos) > limit {
		infos = infos[:limit]
	}

	writeJSON(w, http.StatusOK, infos)
}

func (s *Supervisor) handleGetProcess(w http.ResponseWriter, r *http.Request) {
	pid, ok := parsePID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid pid")
		return
	}
	p, err := process.NewProcess(pid)
	if err != nil {
		writeError(w, http.StatusNotFound, "process not found")
		return
	}
	writeJSON(w, http.StatusOK, toProcessInfo(p))
}

type killRequest struct {
	Force bool `json:"force"`
}

func (s *Supervisor) handleKillProcess(w http.ResponseWriter, r *http.Request) {
	pid, ok := parsePID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid pid")
		return
	}
	var req killRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}
	}

	p, err := process.NewProcess(pid)
	if err != nil {
		writeError(w, http.StatusNotFound, "process not found")
		return
	}

	if req.Force {
		err = p.Kill()
	} else {
		err = p.Terminate()
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "signaling process: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "signaled"})
}

func (s *Supervisor) handleProcessHistory(w http.ResponseWriter, r *http.Request) {
	pid, ok := parsePID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid pid")
		return
	}
	hours := 1
	if v := r.URL.Query().Get("hours"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			hours = n
		}
	}
	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	samples := s.history.History(pid, since)

	out := make([]map[string]any, 0, len(samples))
	for _, sample := range samples {
		out = append(out, map[string]any{
			"timestamp": sample.At.UTC().Format(time.RFC3339),
			"process":   sample.Info,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Supervisor) handleProcessTree(w http.ResponseWriter, r *http.Request) {
	pid, ok := parsePID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid pid")
		return
	}
	p, err := process.NewProcess(pid)
	if err != nil {
		writeError(w, http.StatusNotFound, "process not found")
		return
	}

	children, err := p.Children()
	if err != nil {
		children = nil // leaf process; gopsutil returns an error for "no children" on some platforms
	}

	childInfos := make([]model.ProcessInfo, 0, len(children))
	for _, c := range children {
		childInfos = append(childInfos, toProcessInfo(c))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"process":  toProcessInfo(p),
		"children": childInfos,
	})
}
