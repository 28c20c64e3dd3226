package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessMetrics holds CPU and memory usage of the server process.
type ProcessMetrics struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

var (
	cpuPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "craftvisor",
			Subsystem: "server",
			Name:      "cpu_percent",
			Help:      "CPU usage of the server process.",
		}, []string{"name"},
	)
	memoryRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "craftvisor",
			Subsystem: "server",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of the server process.",
		}, []string{"name"},
	)
)

// Sampler keeps one gopsutil handle per pid so CPUPercent measures the
// interval between consecutive calls.
type Sampler struct {
	mu   sync.Mutex
	pid  int32
	proc *process.Process
}

func NewSampler() *Sampler { return &Sampler{} }

// Sample returns current usage of pid.
func (s *Sampler) Sample(pid int) (*ProcessMetrics, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("invalid pid %d", pid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// #nosec G115 -- pids fit in int32
	p32 := int32(pid)
	if s.proc == nil || s.pid != p32 {
		proc, err := process.NewProcess(p32)
		if err != nil {
			return nil, fmt.Errorf("failed to create process handle: %w", err)
		}
		s.proc, s.pid = proc, p32
	}
	proc := s.proc

	cpu, err := proc.CPUPercent()
	if err != nil {
		slog.Debug("Failed to get CPU percent", "pid", pid, "error", err)
		cpu = 0
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return nil, fmt.Errorf("failed to get memory info: %w", err)
	}
	threads, err := proc.NumThreads()
	if err != nil {
		threads = 0
	}
	m := &ProcessMetrics{
		PID:        p32,
		CPUPercent: cpu,
		MemoryMB:   float64(memInfo.RSS) / 1024 / 1024,
		MemoryRSS:  memInfo.RSS,
		MemoryVMS:  memInfo.VMS,
		NumThreads: threads,
		Timestamp:  time.Now(),
	}
	if runtime.GOOS != "windows" {
		if fds, err := proc.NumFDs(); err == nil {
			m.NumFDs = fds
		}
	}
	return m, nil
}

// Collect samples the pid returned by pidFn every interval and exports the
// result as gauges until ctx is done. A zero pid clears the gauges.
func (s *Sampler) Collect(ctx context.Context, name string, interval time.Duration, pidFn func() int) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if !regOK.Load() {
			continue
		}
		pid := pidFn()
		if pid == 0 {
			cpuPercent.WithLabelValues(name).Set(0)
			memoryRSS.WithLabelValues(name).Set(0)
			continue
		}
		m, err := s.Sample(pid)
		if err != nil {
			slog.Debug("Failed to collect metrics for server", "name", name, "pid", pid, "error", err)
			continue
		}
		cpuPercent.WithLabelValues(name).Set(m.CPUPercent)
		memoryRSS.WithLabelValues(name).Set(float64(m.MemoryRSS))
	}
}
