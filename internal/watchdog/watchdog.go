// Package watchdog samples host resources and raises alerts on the
// event bus when disk, memory, or CPU load crosses the configured
// thresholds. Alerts are deduplicated per (metric, severity) within a
// cooldown window so a sustained condition does not flood the bus.
package watchdog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"

	"github.com/crewd/crewd/internal/common/config"
	"github.com/crewd/crewd/internal/common/logger"
	"github.com/crewd/crewd/internal/events"
	"github.com/crewd/crewd/internal/events/bus"
)

// Alert severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Metric keys carried on alert events.
const (
	MetricDisk = "disk"
	MetricMem  = "memory"
	MetricCPU  = "cpu"
)

// Sample is one point-in-time reading of the watched resources.
// CPUPct is load1 normalized by core count and expressed as a
// percentage, so 100 means every core fully busy regardless of how
// many the host has.
type Sample struct {
	DiskUsedPct float64
	MemUsedPct  float64
	CPUPct      float64
}

// Sampler produces resource samples. The default reads the host via
// gopsutil; tests inject their own.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

type hostSampler struct {
	path string
}

// NewHostSampler samples the filesystem containing path plus host
// memory and load.
func NewHostSampler(path string) Sampler {
	return &hostSampler{path: path}
}

func (h *hostSampler) Sample(ctx context.Context) (Sample, error) {
	var s Sample

	du, err := disk.UsageWithContext(ctx, h.path)
	if err != nil {
		return s, fmt.Errorf("disk usage: %w", err)
	}
	s.DiskUsedPct = du.UsedPercent

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return s, fmt.Errorf("memory usage: %w", err)
	}
	s.MemUsedPct = vm.UsedPercent

	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return s, fmt.Errorf("load average: %w", err)
	}
	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return s, fmt.Errorf("cpu count: %w", err)
	}
	s.CPUPct = perCorePct(avg.Load1, cores)

	return s, nil
}

// perCorePct converts a load average into a percentage of total core
// capacity. A load of 2.0 on 16 cores is 12.5, on 1 core 200.
func perCorePct(load1 float64, cores int) float64 {
	if cores < 1 {
		cores = 1
	}
	return load1 / float64(cores) * 100
}

// Watchdog polls the sampler and publishes threshold alerts.
type Watchdog struct {
	cfg     config.WatchdogConfig
	sampler Sampler
	bus     bus.EventBus
	logger  *logger.Logger
	now     func() time.Time

	mu        sync.Mutex
	lastAlert map[string]time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

// NewWatchdog creates a watchdog over the given sampler.
func NewWatchdog(cfg config.WatchdogConfig, sampler Sampler, eventBus bus.EventBus, log *logger.Logger) *Watchdog {
	return &Watchdog{
		cfg:       cfg,
		sampler:   sampler,
		bus:       eventBus,
		logger:    log.WithFields(zap.String("component", "watchdog")),
		now:       time.Now,
		lastAlert: make(map[string]time.Time),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the sampling loop.
func (w *Watchdog) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run()
	w.logger.Info("watchdog started",
		zap.Duration("poll_interval", w.cfg.PollInterval()),
		zap.Float64("disk_warn_pct", w.cfg.DiskWarnPct),
		zap.Float64("mem_warn_pct", w.cfg.MemWarnPct),
	)
}

// Stop halts the sampling loop.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *Watchdog) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.PollInterval())
	defer ticker.Stop()

	// One sample up front so a machine already in trouble alerts at
	// boot, not a full interval later.
	w.poll()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

// Poll takes one sample and evaluates thresholds. Exported for tests
// and for an on-demand health probe.
func (w *Watchdog) Poll() {
	w.poll()
}

func (w *Watchdog) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sample, err := w.sampler.Sample(ctx)
	if err != nil {
		w.logger.Warn("resource sample failed", zap.Error(err))
		return
	}

	w.evaluate(MetricDisk, sample.DiskUsedPct, w.cfg.DiskWarnPct, w.cfg.DiskCritPct,
		"disk usage at %.1f%%")
	w.evaluate(MetricMem, sample.MemUsedPct, w.cfg.MemWarnPct, w.cfg.MemCritPct,
		"memory usage at %.1f%%")
	w.evaluate(MetricCPU, sample.CPUPct, w.cfg.CPUWarnPct, w.cfg.CPUCritPct,
		"cpu load at %.0f%% of core capacity")
}

// evaluate raises at most one alert per sample for the metric, at the
// highest severity the value reaches.
func (w *Watchdog) evaluate(metric string, value, warn, crit float64, format string) {
	var severity string
	switch {
	case crit > 0 && value >= crit:
		severity = SeverityCritical
	case warn > 0 && value >= warn:
		severity = SeverityWarning
	default:
		return
	}

	if !w.shouldAlert(metric, severity) {
		return
	}
	w.publishAlert(metric, severity, fmt.Sprintf(format, value), value)
}

// shouldAlert enforces the per-(metric, severity) cooldown.
func (w *Watchdog) shouldAlert(metric, severity string) bool {
	key := metric + "/" + severity
	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()
	if last, ok := w.lastAlert[key]; ok && now.Sub(last) < w.cfg.AlertCooldown() {
		return false
	}
	w.lastAlert[key] = now
	return true
}

func (w *Watchdog) publishAlert(metric, severity, message string, value float64) {
	w.logger.Warn("resource alert",
		zap.String("metric", metric),
		zap.String("severity", severity),
		zap.Float64("value", value),
	)

	event := bus.NewEvent("watchdog_alert", "watchdog", map[string]interface{}{
		"key":      metric,
		"severity": severity,
		"message":  message,
		"value":    value,
		"ts":       w.now().UTC().Format(time.RFC3339),
	})
	if err := w.bus.Publish(context.Background(), events.WatchdogAlert, event); err != nil {
		w.logger.Warn("failed to publish watchdog alert", zap.Error(err))
	}
}
