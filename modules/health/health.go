package health

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/sagalog/saga/modules/alarms"
	"github.com/sagalog/saga/pkg/model"
)

const groupingKey = "system-health"

// breachSource tags the records emitted for threshold breaches.
const breachSource = "system-health"

// Names of the predefined alarms this module maintains.
const (
	AlarmCPU    = "System CPU Usage Alert"
	AlarmMemory = "System Memory Usage Alert"
	AlarmDisk   = "System Disk Usage Alert"
	AlarmHealth = "System Health Check Alert"
)

var (
	metricCPUPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "saga",
		Name:      "health_cpu_percent",
		Help:      "System-wide CPU utilization.",
	})
	metricMemoryPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "saga",
		Name:      "health_memory_percent",
		Help:      "Virtual memory utilization.",
	})
	metricDiskPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "saga",
		Name:      "health_disk_percent",
		Help:      "Disk utilization of the monitored path.",
	})
	metricHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "saga",
		Name:      "health_status",
		Help:      "1 while every sampled resource is below its threshold.",
	})
)

type Config struct {
	SampleInterval time.Duration `yaml:"sample_interval"`
	DiskPath       string        `yaml:"disk_path"`

	CPUThreshold    float64 `yaml:"cpu_threshold_percent"`
	MemoryThreshold float64 `yaml:"memory_threshold_percent"`
	DiskThreshold   float64 `yaml:"disk_threshold_percent"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.SampleInterval = 60 * time.Second
	cfg.DiskPath = "/"
	cfg.CPUThreshold = 90
	cfg.MemoryThreshold = 90
	cfg.DiskThreshold = 85

	f.DurationVar(&cfg.SampleInterval, prefix+".sample-interval", cfg.SampleInterval, "Interval between system samples.")
	f.StringVar(&cfg.DiskPath, prefix+".disk-path", cfg.DiskPath, "Mount point monitored for disk usage.")
	f.Float64Var(&cfg.CPUThreshold, prefix+".cpu-threshold-percent", cfg.CPUThreshold, "CPU percentage that triggers the predefined alarm.")
	f.Float64Var(&cfg.MemoryThreshold, prefix+".memory-threshold-percent", cfg.MemoryThreshold, "Memory percentage that triggers the predefined alarm.")
	f.Float64Var(&cfg.DiskThreshold, prefix+".disk-threshold-percent", cfg.DiskThreshold, "Disk percentage that triggers the predefined alarm.")
}

func (cfg *Config) Validate() error {
	if cfg.SampleInterval <= 0 {
		return fmt.Errorf("sample_interval must be greater than 0, got %s", cfg.SampleInterval)
	}
	return nil
}

// Buffer is the ingest sink breach records are pushed through, satisfied by
// modules/bufferer.
type Buffer interface {
	Add(record model.LogRecord)
}

// Monitor samples system resources and maintains the predefined health
// alarms. Threshold breaches are ingested as log records whose message
// matches the predefined alarm query, so the standard alarm evaluation path
// picks them up.
type Monitor struct {
	services.Service

	cfg    Config
	store  *alarms.Store
	buffer Buffer
	logger log.Logger
}

func New(cfg Config, store *alarms.Store, buffer Buffer, logger log.Logger) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Monitor{
		cfg:    cfg,
		store:  store,
		buffer: buffer,
		logger: logger,
	}
	m.Service = services.NewTimerService(cfg.SampleInterval, m.starting, m.sample, nil)
	return m, nil
}

func (m *Monitor) starting(_ context.Context) error {
	return m.ensureAlarms()
}

// ensureAlarms creates or updates the four predefined alarms.
func (m *Monitor) ensureAlarms() error {
	predefined := []alarms.Alarm{
		m.predefinedAlarm(AlarmCPU, fmt.Sprintf("system cpu usage above %.0f", m.cfg.CPUThreshold)),
		m.predefinedAlarm(AlarmMemory, fmt.Sprintf("system memory usage above %.0f", m.cfg.MemoryThreshold)),
		m.predefinedAlarm(AlarmDisk, fmt.Sprintf("system disk usage above %.0f", m.cfg.DiskThreshold)),
		m.predefinedAlarm(AlarmHealth, "system health degraded"),
	}

	for _, a := range predefined {
		existing, err := m.store.GetByName(a.Name)
		if err == nil {
			a.ID = existing.ID
			a.Enabled = existing.Enabled
			a.Channels = existing.Channels
			if err := m.store.Update(a); err != nil {
				return fmt.Errorf("updating predefined alarm %q: %w", a.Name, err)
			}
			continue
		}
		if _, err := m.store.Create(a); err != nil {
			return fmt.Errorf("creating predefined alarm %q: %w", a.Name, err)
		}
	}
	return nil
}

func (m *Monitor) predefinedAlarm(name, query string) alarms.Alarm {
	return alarms.Alarm{
		Name:        name,
		Query:       query,
		Condition:   "count >",
		Threshold:   0,
		Enabled:     true,
		Window:      5 * time.Minute,
		GroupingKey: groupingKey,
		Channels:    []alarms.NotificationChannel{{Type: alarms.ChannelEmail, Destination: "ops"}},
	}
}

func (m *Monitor) sample(ctx context.Context) error {
	healthy := true

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		level.Warn(m.logger).Log("msg", "cpu sample failed", "err", err)
	} else if len(percents) > 0 {
		metricCPUPercent.Set(percents[0])
		if percents[0] > m.cfg.CPUThreshold {
			healthy = false
			m.reportBreach(fmt.Sprintf("system cpu usage above %.0f", m.cfg.CPUThreshold), percents[0])
		}
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		level.Warn(m.logger).Log("msg", "memory sample failed", "err", err)
	} else {
		metricMemoryPercent.Set(vm.UsedPercent)
		if vm.UsedPercent > m.cfg.MemoryThreshold {
			healthy = false
			m.reportBreach(fmt.Sprintf("system memory usage above %.0f", m.cfg.MemoryThreshold), vm.UsedPercent)
		}
	}

	if du, err := disk.UsageWithContext(ctx, m.cfg.DiskPath); err != nil {
		level.Warn(m.logger).Log("msg", "disk sample failed", "err", err)
	} else {
		metricDiskPercent.Set(du.UsedPercent)
		if du.UsedPercent > m.cfg.DiskThreshold {
			healthy = false
			m.reportBreach(fmt.Sprintf("system disk usage above %.0f", m.cfg.DiskThreshold), du.UsedPercent)
		}
	}

	if healthy {
		metricHealthy.Set(1)
	} else {
		metricHealthy.Set(0)
		m.reportBreach("system health degraded", 0)
	}
	return nil
}

// reportBreach logs the breach and pushes it into the ingest buffer. The
// record message is the predefined alarm query, and the raw content carries
// the sample time so repeated breaches survive index dedup.
func (m *Monitor) reportBreach(message string, percent float64) {
	level.Warn(m.logger).Log("msg", message, "percent", fmt.Sprintf("%.1f", percent))

	rec := model.NewRecord(breachSource, fmt.Sprintf("%s percent=%.1f sampled=%d", message, percent, time.Now().UnixNano()))
	rec.Level = model.LevelWarn
	rec.Message = message
	rec.Metadata["percent"] = fmt.Sprintf("%.1f", percent)
	m.buffer.Add(rec)
}
