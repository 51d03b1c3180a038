package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// DefaultSampleInterval is how often worker resources are sampled.
const DefaultSampleInterval = 15 * time.Second

// ResourceSample holds CPU and memory figures for the worker process.
type ResourceSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceSampler periodically samples the supervised worker with gopsutil
// and exports the figures as gauges labelled by worker name.
type ResourceSampler struct {
	name     string
	interval time.Duration
	log      *slog.Logger

	mu   sync.RWMutex
	last ResourceSample
	ok   bool

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

// NewResourceSampler creates a sampler for the worker called name.
func NewResourceSampler(name string, interval time.Duration, log *slog.Logger) *ResourceSampler {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	if log == nil {
		log = slog.Default()
	}
	gauge := func(n, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      n,
			Help:      help,
		}, []string{"name"})
	}
	return &ResourceSampler{
		name:       name,
		interval:   interval,
		log:        log,
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of the worker process."),
		memoryMB:   gauge("memory_mb", "Resident memory of the worker process in MB."),
		numThreads: gauge("num_threads", "Number of threads of the worker process."),
		numFDs:     gauge("num_fds", "Number of open file descriptors of the worker process (Unix only)."),
	}
}

// Register registers the sampler gauges with the provided registerer.
func (s *ResourceSampler) Register(r prometheus.Registerer) error {
	collectors := []prometheus.Collector{s.cpuPercent, s.memoryMB, s.numThreads}
	if runtime.GOOS != "windows" {
		collectors = append(collectors, s.numFDs)
	}
	for _, c := range collectors {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Run samples pid() every interval until ctx is done. A pid of 0 means no
// worker is alive and clears the exported gauges.
func (s *ResourceSampler) Run(ctx context.Context, pid func() int) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.collect(pid())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *ResourceSampler) collect(pid int) {
	if pid <= 0 {
		s.clear()
		return
	}
	sample, err := Sample(pid)
	if err != nil {
		s.log.Debug("failed to sample worker resources", "pid", pid, "error", err)
		s.clear()
		return
	}
	s.cpuPercent.WithLabelValues(s.name).Set(sample.CPUPercent)
	s.memoryMB.WithLabelValues(s.name).Set(sample.MemoryMB)
	s.numThreads.WithLabelValues(s.name).Set(float64(sample.NumThreads))
	if runtime.GOOS != "windows" {
		s.numFDs.WithLabelValues(s.name).Set(float64(sample.NumFDs))
	}
	s.mu.Lock()
	s.last, s.ok = sample, true
	s.mu.Unlock()
}

func (s *ResourceSampler) clear() {
	s.cpuPercent.DeleteLabelValues(s.name)
	s.memoryMB.DeleteLabelValues(s.name)
	s.numThreads.DeleteLabelValues(s.name)
	s.numFDs.DeleteLabelValues(s.name)
	s.mu.Lock()
	s.last, s.ok = ResourceSample{}, false
	s.mu.Unlock()
}

// Last returns the most recent sample, if the worker was alive at that time.
func (s *ResourceSampler) Last() (ResourceSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.ok
}

// Sample reads CPU, memory and thread figures for pid.
func Sample(pid int) (ResourceSample, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return ResourceSample{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return ResourceSample{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	out := ResourceSample{
		PID:       int32(pid),
		MemoryMB:  float64(memInfo.RSS) / 1024 / 1024,
		MemoryRSS: memInfo.RSS,
		MemoryVMS: memInfo.VMS,
		Timestamp: time.Now(),
	}
	// CPU and thread counts are best effort
	if cpu, err := proc.CPUPercent(); err == nil {
		out.CPUPercent = cpu
	}
	if n, err := proc.NumThreads(); err == nil {
		out.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := proc.NumFDs(); err == nil {
			out.NumFDs = n
		}
	}
	return out, nil
}
