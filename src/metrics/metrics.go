// Package metrics 迁移运行指标，写入 node_exporter textfile 采集目录
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tripledger/tripledger/src/pkg/migration"
)

// Collectors 迁移相关指标
type Collectors struct {
	registry *prometheus.Registry

	runs          *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	schemaVersion prometheus.Gauge
	pending       prometheus.Gauge
}

var _ migration.Observer = (*Collectors)(nil)

// New 创建指标并注册到独立的 Registry
func New() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripledger_migration_runs_total",
			Help: "Cumulative number of migration runs by outcome.",
		}, []string{"outcome"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tripledger_migration_step_duration_seconds",
			Help:    "Duration of each applied migration step.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"version"}),
		schemaVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tripledger_schema_version",
			Help: "Schema version of the ledger database after the last run.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tripledger_migration_pending",
			Help: "Number of pending migrations at the start of the last run.",
		}),
	}
	c.registry.MustRegister(c.runs, c.stepDuration, c.schemaVersion, c.pending)
	return c
}

// Registry 返回底层 Registry
func (c *Collectors) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collectors) RunStarted(from, _ uint, pending int) {
	c.schemaVersion.Set(float64(from))
	c.pending.Set(float64(pending))
}

func (c *Collectors) StepApplied(version uint, took time.Duration) {
	c.stepDuration.WithLabelValues(strconv.FormatUint(uint64(version), 10)).Observe(took.Seconds())
}

func (c *Collectors) RunFinished(outcome migration.Outcome, version uint) {
	c.runs.WithLabelValues(string(outcome)).Inc()
	c.schemaVersion.Set(float64(version))
	if outcome == migration.OutcomeSuccess || outcome == migration.OutcomeNoop {
		c.pending.Set(0)
	}
}

// WriteTextfile 将指标写入文件，path 为空时不做任何事
func (c *Collectors) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
