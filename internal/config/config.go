package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/fleetmon/fleetmon/internal/models"
)

// Defaults for the monitor loop. The idle rule mirrors the CloudWatch
// sampling granularity: 3 samples at a 300s period cover 15 minutes.
const (
	DefaultCPUMetric        = "AWS/EC2/CPUUtilization"
	DefaultPeriodSec        = 300
	DefaultStatistic        = "Average"
	DefaultIdleWindow       = 3
	DefaultIdleThreshold    = 0.5 // percent CPU, 0-100 scale
	DefaultIntervalSec      = 3600
	DefaultWarmupSec        = 900
	DefaultWorkers          = 4
	DefaultFetchAttempts    = 4
	DefaultMarginSec        = 1800
	DefaultWorkerNameSuffix = "_toil-worker"

	// Minimum history the idle window must cover before an instance
	// may be flagged.
	minIdleCoverage = 15 * time.Minute
)

// Metric describes one CloudWatch metric to collect. The unit is
// explicit so threshold semantics are never guessed from the namespace.
type Metric struct {
	Namespace string `yaml:"namespace"`
	Name      string `yaml:"name"`
	Unit      string `yaml:"unit"`
	Statistic string `yaml:"statistic"`
	PeriodSec int    `yaml:"period_sec"`
}

// MetricName returns the metric's identifier.
func (m Metric) MetricName() models.MetricName {
	return models.MetricName{Namespace: m.Namespace, Name: m.Name}
}

// Config holds the settings for one cluster run.
type Config struct {
	RunID       string `yaml:"run_id"`
	ClusterName string `yaml:"cluster_name"`
	Namespace   string `yaml:"namespace"` // cgcloud namespace prefixed to worker Name tags
	Region      string `yaml:"region"`
	OutputDir   string `yaml:"output_dir"`

	Metrics       []Metric `yaml:"metrics"`
	CPUMetric     string   `yaml:"cpu_metric"`
	IdleWindow    int      `yaml:"idle_window"`
	IdleThreshold float64  `yaml:"idle_threshold"`

	IntervalSec   int `yaml:"interval_sec"`
	WarmupSec     int `yaml:"warmup_sec"`
	Workers       int `yaml:"workers"`
	FetchAttempts int `yaml:"fetch_attempts"`
	MarginSec     int `yaml:"watermark_margin_sec"`
}

// Load reads and parses a YAML config file, filling in defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "jtvivian"
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "."
	}
	if len(cfg.Metrics) == 0 {
		cfg.Metrics = DefaultMetrics()
	}
	for i := range cfg.Metrics {
		if cfg.Metrics[i].Statistic == "" {
			cfg.Metrics[i].Statistic = DefaultStatistic
		}
		if cfg.Metrics[i].PeriodSec == 0 {
			cfg.Metrics[i].PeriodSec = DefaultPeriodSec
		}
	}
	if cfg.CPUMetric == "" {
		cfg.CPUMetric = DefaultCPUMetric
	}
	if cfg.IdleWindow == 0 {
		cfg.IdleWindow = DefaultIdleWindow
	}
	if cfg.IdleThreshold == 0 {
		cfg.IdleThreshold = DefaultIdleThreshold
	}
	if cfg.IntervalSec == 0 {
		cfg.IntervalSec = DefaultIntervalSec
	}
	if cfg.WarmupSec == 0 {
		cfg.WarmupSec = DefaultWarmupSec
	}
	if cfg.Workers == 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.FetchAttempts == 0 {
		cfg.FetchAttempts = DefaultFetchAttempts
	}
	if cfg.MarginSec == 0 {
		cfg.MarginSec = DefaultMarginSec
	}
}

// Validate performs minimal validation for required fields and rejects
// idle windows that cover less than 15 minutes of history.
func Validate(cfg Config) error {
	if cfg.ClusterName == "" {
		return fmt.Errorf("cluster_name is required")
	}
	if cfg.IdleThreshold <= 0 || cfg.IdleThreshold > 100 {
		return fmt.Errorf("idle_threshold must be in (0, 100] percent, got %v", cfg.IdleThreshold)
	}
	cpu, err := models.ParseMetricName(cfg.CPUMetric)
	if err != nil {
		return fmt.Errorf("cpu_metric: %w", err)
	}
	var cpuCfg *Metric
	for i, m := range cfg.Metrics {
		if m.Namespace == "" || m.Name == "" {
			return fmt.Errorf("metrics[%d]: namespace and name are required", i)
		}
		if m.Unit == "" {
			return fmt.Errorf("metrics[%d] (%s): unit is required", i, m.MetricName())
		}
		if m.MetricName() == cpu {
			cpuCfg = &cfg.Metrics[i]
		}
	}
	if cpuCfg == nil {
		return fmt.Errorf("cpu_metric %s is not in the metrics list", cfg.CPUMetric)
	}
	coverage := time.Duration(cfg.IdleWindow*cpuCfg.PeriodSec) * time.Second
	if coverage < minIdleCoverage {
		return fmt.Errorf("idle_window %d x period %ds covers %s, need at least %s",
			cfg.IdleWindow, cpuCfg.PeriodSec, coverage, minIdleCoverage)
	}
	return nil
}

// DefaultMetrics returns the metric set collected for a toil worker
// fleet: the AWS/EC2 hypervisor metrics plus the CGCloud agent ones.
func DefaultMetrics() []Metric {
	return []Metric{
		{Namespace: "AWS/EC2", Name: "CPUUtilization", Unit: "Percent"},
		{Namespace: "CGCloud", Name: "MemUsage", Unit: "Percent"},
		{Namespace: "CGCloud", Name: "DiskUsage_mnt_ephemeral", Unit: "Percent"},
		{Namespace: "CGCloud", Name: "DiskUsage_root", Unit: "Percent"},
		{Namespace: "AWS/EC2", Name: "NetworkIn", Unit: "Bytes"},
		{Namespace: "AWS/EC2", Name: "NetworkOut", Unit: "Bytes"},
		{Namespace: "AWS/EC2", Name: "DiskWriteOps", Unit: "Count"},
		{Namespace: "AWS/EC2", Name: "DiskReadOps", Unit: "Count"},
	}
}

// Interval returns the collection interval as a duration.
func (c Config) Interval() time.Duration { return time.Duration(c.IntervalSec) * time.Second }

// Warmup returns the pre-collection warm-up delay as a duration.
func (c Config) Warmup() time.Duration { return time.Duration(c.WarmupSec) * time.Second }

// Margin returns the watermark safety margin as a duration.
func (c Config) Margin() time.Duration { return time.Duration(c.MarginSec) * time.Second }

// WorkerNameTag returns the Name tag value shared by all workers in
// this namespace.
func (c Config) WorkerNameTag() string { return c.Namespace + DefaultWorkerNameSuffix }
