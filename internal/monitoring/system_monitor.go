package monitoring

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

var (
	cpuPercentGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatc_cpu_percent",
		Help: "Process CPU usage percentage",
	})
	memoryGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatc_memory_bytes",
		Help: "Process resident memory in bytes",
	})
	goroutineGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatc_goroutines",
		Help: "Current goroutine count",
	})
)

func init() {
	prometheus.MustRegister(cpuPercentGauge, memoryGauge, goroutineGauge)
}

// SystemMetrics holds one sample of process resource usage.
type SystemMetrics struct {
	CPUPercent  float64
	MemoryBytes uint64
	Goroutines  int
	Timestamp   time.Time
}

// SystemMonitor samples CPU, memory and goroutine counts on a fixed
// interval, logs them and exports them as Prometheus gauges. One instance
// per process.
type SystemMonitor struct {
	logger zerolog.Logger
	proc   *process.Process

	mu      sync.RWMutex
	metrics SystemMetrics

	wg sync.WaitGroup
}

// NewSystemMonitor builds an unstarted monitor. If the own-process handle
// cannot be obtained, sampling falls back to host-wide CPU.
func NewSystemMonitor(logger zerolog.Logger) *SystemMonitor {
	sm := &SystemMonitor{
		logger: logger.With().Str("component", "system_monitor").Logger(),
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		sm.proc = p
	}
	return sm
}

// Start launches the sampling loop; it stops when ctx is cancelled.
func (sm *SystemMonitor) Start(ctx context.Context, interval time.Duration) {
	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		defer RecoverPanic(sm.logger, "system_monitor", nil)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		sm.sample()
		for {
			select {
			case <-ticker.C:
				sm.sample()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Wait blocks until the sampling loop has exited.
func (sm *SystemMonitor) Wait() { sm.wg.Wait() }

// Current returns the most recent sample.
func (sm *SystemMonitor) Current() SystemMetrics {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.metrics
}

func (sm *SystemMonitor) sample() {
	var m SystemMetrics
	m.Timestamp = time.Now()
	m.Goroutines = runtime.NumGoroutine()

	if sm.proc != nil {
		if pct, err := sm.proc.CPUPercent(); err == nil {
			m.CPUPercent = pct
		}
		if mi, err := sm.proc.MemoryInfo(); err == nil && mi != nil {
			m.MemoryBytes = mi.RSS
		}
	} else if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		m.CPUPercent = pcts[0]
	}

	sm.mu.Lock()
	sm.metrics = m
	sm.mu.Unlock()

	cpuPercentGauge.Set(m.CPUPercent)
	memoryGauge.Set(float64(m.MemoryBytes))
	goroutineGauge.Set(float64(m.Goroutines))

	sm.logger.Debug().
		Float64("cpu_percent", m.CPUPercent).
		Uint64("memory_bytes", m.MemoryBytes).
		Int("goroutines", m.Goroutines).
		Msg("System sample")
}
