// Package sampler implements the Metric Sampler: periodic collection of
// host resource utilization into a canonical MetricSnapshot, fanned out to
// the live-stream broadcast tap, the Telemetry Queue, and the Alert Engine.
package sampler

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/hostsentry/agent/internal/model"
	"github.com/hostsentry/agent/pkg/metrics"
)

const (
	minInterval  = time.Second
	cpuWindow    = 100 * time.Millisecond
	topProcesses = 5
)

// BroadcastTap receives every snapshot for the telemetry live-stream.
type BroadcastTap interface {
	BroadcastSnapshot(snap model.MetricSnapshot)
}

// QueueSink receives the canonical POST-form payload for durable delivery.
type QueueSink interface {
	Enqueue(payload []byte) (int64, error)
}

// AlertSink receives every snapshot for threshold evaluation.
type AlertSink interface {
	Evaluate(snap model.MetricSnapshot)
}

type netCounters struct {
	at   time.Time
	rx   uint64
	tx   uint64
}

type diskCounters struct {
	at        time.Time
	readBytes uint64
	writeBytes uint64
}

// Sampler periodically produces MetricSnapshots and fans them out to its
// three consumers. Consumers are optional: a nil tap/sink is skipped, which
// lets the sampler run standalone in tests or before the rest of the agent
// is wired up.
type Sampler struct {
	nodeID      string
	machineUUID string
	interval    time.Duration
	logger      *slog.Logger
	metrics     *metrics.SamplerMetrics

	broadcast BroadcastTap
	queue     QueueSink
	alert     AlertSink

	mu       sync.Mutex
	prevNet  *netCounters
	prevDisk *diskCounters
}

// New builds a Sampler. A non-positive interval falls back to the 3-second
// default; any other interval is clamped to a 1-second floor.
func New(nodeID, machineUUID string, interval time.Duration, logger *slog.Logger, reg *metrics.Registry) *Sampler {
	if interval <= 0 {
		interval = 3 * time.Second
	} else if interval < minInterval {
		interval = minInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sampler{nodeID: nodeID, machineUUID: machineUUID, interval: interval, logger: logger}
	if reg != nil {
		s.metrics = reg.Sampler()
	}
	return s
}

// SetConsumers wires the three fan-out destinations. Call before Run.
func (s *Sampler) SetConsumers(broadcast BroadcastTap, queue QueueSink, alert AlertSink) {
	s.broadcast = broadcast
	s.queue = queue
	s.alert = alert
}

// Run samples at the configured interval until ctx is canceled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := s.Sample(ctx)
			s.fanOut(snap)
		}
	}
}

// Sample collects one MetricSnapshot. Sub-collector failures are logged,
// counted, and leave the corresponding field at its zero value rather than
// aborting the whole sample.
func (s *Sampler) Sample(ctx context.Context) model.MetricSnapshot {
	start := time.Now()
	snap := model.MetricSnapshot{
		NodeID:      s.nodeID,
		MachineUUID: s.machineUUID,
		Timestamp:   time.Now().UTC(),
	}

	s.sampleCPU(ctx, &snap)
	s.sampleLoad(ctx, &snap)
	s.sampleMemory(ctx, &snap)
	s.sampleDisks(ctx, &snap)
	s.sampleNetwork(ctx, &snap)
	s.sampleProcesses(ctx, &snap)
	s.sampleUptime(ctx, &snap)

	if s.metrics != nil {
		s.metrics.SamplesTotal.Inc()
		s.metrics.SampleDuration.Observe(time.Since(start).Seconds())
	}
	return snap
}

func (s *Sampler) recordError(field string, err error) {
	s.logger.Warn("sampler: collector failed", "field", field, "error", err)
	if s.metrics != nil {
		s.metrics.SampleErrors.WithLabelValues(field).Inc()
	}
}

func (s *Sampler) sampleCPU(ctx context.Context, snap *model.MetricSnapshot) {
	overall, err := cpu.PercentWithContext(ctx, cpuWindow, false)
	if err != nil {
		s.recordError("cpu", err)
	} else if len(overall) > 0 {
		snap.CPUPercent = overall[0]
	}

	perCore, err := cpu.PercentWithContext(ctx, 0, true)
	if err != nil {
		s.recordError("cpu_per_core", err)
		return
	}
	snap.CPUPerCore = perCore
}

func (s *Sampler) sampleLoad(ctx context.Context, snap *model.MetricSnapshot) {
	if runtime.GOOS == "windows" {
		return
	}
	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		s.recordError("load", err)
		return
	}
	snap.Load1, snap.Load5, snap.Load15 = avg.Load1, avg.Load5, avg.Load15
}

func (s *Sampler) sampleMemory(ctx context.Context, snap *model.MetricSnapshot) {
	v, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		s.recordError("memory", err)
		return
	}
	snap.MemTotalBytes = v.Total
	snap.MemUsedBytes = v.Used
	snap.MemAvailableBytes = v.Available
}

// sampleDisks reports utilization for every mounted partition, skipping
// mounts that fail a permission check, and computes an aggregate read/write
// rate when a prior sample exists.
func (s *Sampler) sampleDisks(ctx context.Context, snap *model.MetricSnapshot) {
	partitions, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		s.recordError("disk_partitions", err)
		return
	}

	seen := make(map[string]bool, len(partitions))
	for _, p := range partitions {
		if seen[p.Mountpoint] {
			continue
		}
		seen[p.Mountpoint] = true

		usage, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil {
			continue
		}
		snap.Disks = append(snap.Disks, model.DiskUsage{
			Mount:       p.Mountpoint,
			TotalBytes:  usage.Total,
			UsedBytes:   usage.Used,
			UsedPercent: usage.UsedPercent,
		})
	}

	io, err := disk.IOCountersWithContext(ctx)
	if err != nil {
		s.recordError("disk_io", err)
		return
	}
	var read, write uint64
	for _, c := range io {
		read += c.ReadBytes
		write += c.WriteBytes
	}

	now := time.Now()
	s.mu.Lock()
	prev := s.prevDisk
	s.prevDisk = &diskCounters{at: now, readBytes: read, writeBytes: write}
	s.mu.Unlock()

	if prev != nil && prev.at.Before(now) {
		elapsed := now.Sub(prev.at).Seconds()
		if elapsed > 0 {
			snap.DiskReadMBs = bytesDeltaToMBs(read, prev.readBytes, elapsed)
			snap.DiskWriteMBs = bytesDeltaToMBs(write, prev.writeBytes, elapsed)
		}
	}
}

func (s *Sampler) sampleNetwork(ctx context.Context, snap *model.MetricSnapshot) {
	counters, err := psnet.IOCountersWithContext(ctx, false)
	if err != nil {
		s.recordError("network", err)
		return
	}
	if len(counters) == 0 {
		return
	}
	total := counters[0]
	snap.NetRXBytes = total.BytesRecv
	snap.NetTXBytes = total.BytesSent

	now := time.Now()
	s.mu.Lock()
	prev := s.prevNet
	s.prevNet = &netCounters{at: now, rx: total.BytesRecv, tx: total.BytesSent}
	s.mu.Unlock()

	if prev != nil && prev.at.Before(now) {
		elapsed := now.Sub(prev.at).Seconds()
		if elapsed > 0 {
			snap.NetRXRateBps = rateOf(total.BytesRecv, prev.rx, elapsed)
			snap.NetTXRateBps = rateOf(total.BytesSent, prev.tx, elapsed)
		}
	}
}

// sampleProcesses lists the top-N processes by memory percent, capped at 5.
func (s *Sampler) sampleProcesses(ctx context.Context, snap *model.MetricSnapshot) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		s.recordError("processes", err)
		return
	}
	snap.ProcessCount = len(procs)

	infos := make([]model.ProcessInfo, 0, len(procs))
	for _, p := range procs {
		memPct, err := p.MemoryPercentWithContext(ctx)
		if err != nil {
			continue
		}
		name, _ := p.NameWithContext(ctx)
		ppid, _ := p.PpidWithContext(ctx)
		cmdline, _ := p.CmdlineWithContext(ctx)
		rss := uint64(0)
		if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
			rss = mi.RSS
		}
		cpuPct, _ := p.CPUPercentWithContext(ctx)

		infos = append(infos, model.ProcessInfo{
			PID:      p.Pid,
			PPID:     ppid,
			Name:     name,
			CPUPct:   cpuPct,
			MemPct:   memPct,
			RSSBytes: rss,
			Cmdline:  cmdline,
		})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].MemPct > infos[j].MemPct })
	if len(infos) > topProcesses {
		infos = infos[:topProcesses]
	}
	snap.TopProcesses = infos
}

func (s *Sampler) sampleUptime(ctx context.Context, snap *model.MetricSnapshot) {
	up, err := host.UptimeWithContext(ctx)
	if err != nil {
		s.recordError("uptime", err)
		return
	}
	snap.UptimeSeconds = up
}

// fanOut delivers snap to every wired consumer. Queue encoding failures are
// logged; they never block the broadcast or alert paths.
func (s *Sampler) fanOut(snap model.MetricSnapshot) {
	if s.broadcast != nil {
		s.broadcast.BroadcastSnapshot(snap)
	}
	if s.alert != nil {
		s.alert.Evaluate(snap)
	}
	if s.queue != nil {
		payload, err := json.Marshal(snap)
		if err != nil {
			s.logger.Error("sampler: marshal snapshot for queue", "error", err)
		} else if _, err := s.queue.Enqueue(payload); err != nil {
			s.logger.Error("sampler: enqueue snapshot", "error", err)
		}
	}
}

func rateOf(current, prev uint64, elapsedSeconds float64) float64 {
	if current < prev {
		return 0
	}
	return float64(current-prev) / elapsedSeconds
}

func bytesDeltaToMBs(current, prev uint64, elapsedSeconds float64) float64 {
	if current < prev {
		return 0
	}
	const mb = 1024 * 1024
	return (float64(current-prev) / mb) / elapsedSeconds
}
