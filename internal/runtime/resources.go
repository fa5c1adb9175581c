package runtime

import (
	"runtime"
	rtmetrics "runtime/metrics"
	"sync"
	"time"
)

const cpuSecondsMetric = "/sched/cpu:seconds"

// ResourceUsage is a coarse snapshot of the process footprint.
type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

// resourceTracker derives CPU utilisation from the difference between two
// consecutive snapshots. The first snapshot reports zero CPU.
type resourceTracker struct {
	mu      sync.Mutex
	sample  []rtmetrics.Sample
	lastCPU float64
	lastAt  time.Time
	numCPU  float64
	now     func() time.Time
}

func newResourceTracker() *resourceTracker {
	return &resourceTracker{
		sample: []rtmetrics.Sample{{Name: cpuSecondsMetric}},
		numCPU: float64(runtime.NumCPU()),
		now:    time.Now,
	}
}

func (r *resourceTracker) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rtmetrics.Read(r.sample)
	value := r.sample[0].Value
	now := r.now()

	usage := ResourceUsage{Goroutines: runtime.NumGoroutine()}
	if value.Kind() == rtmetrics.KindFloat64 {
		cpu := value.Float64()
		if !r.lastAt.IsZero() {
			if wall := now.Sub(r.lastAt).Seconds(); wall > 0 && r.numCPU > 0 {
				usage.CPUPercent = (cpu - r.lastCPU) / wall / r.numCPU * 100
			}
		}
		r.lastCPU = cpu
	}
	r.lastAt = now

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	usage.MemoryBytes = mem.Alloc
	return usage
}
