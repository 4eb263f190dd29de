// SPDX-FileCopyrightText: 2025 The Hybridsched Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"gopkg.in/yaml.v3"
)

// MonitorMode selects what the window sampler aggregates.
type MonitorMode string

const (
	// ModeProcess sums all threads into one set of totals.
	ModeProcess MonitorMode = "process"
	// ModeSplit additionally records separate P-only and E-only totals.
	ModeSplit MonitorMode = "split"
	// ModeMain restricts sampling to the main thread.
	ModeMain MonitorMode = "main"
)

// PredictorKind selects the daemon's placement pathway.
type PredictorKind string

const (
	// PredictorLinear scores the two per-class linear throughput models.
	PredictorLinear PredictorKind = "linear"
	// PredictorCategory selects among Compute/IO/Memory coresets.
	PredictorCategory PredictorKind = "category"
)

// Config represents the complete application configuration.
type (
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	}

	Host struct {
		SysFS  string `yaml:"sysfs"`
		ProcFS string `yaml:"procfs"`
	}

	Training struct {
		Enabled bool   `yaml:"enabled"`
		// Force pins every thread of the target to one class: "P" or "E".
		Force         string `yaml:"force"`
		WarmupWindows int    `yaml:"warmupWindows"`
		RunID         string `yaml:"runId"`
		Workload      string `yaml:"workload"`
		DatasetCSV    string `yaml:"datasetCsv"`
	}

	Monitor struct {
		Mode     MonitorMode   `yaml:"mode"`
		Interval time.Duration `yaml:"interval"`
		Coreset  string        `yaml:"coreset"`
		// PBoundary is the index-based P/E classification fallback used
		// when sysfs exposes no core type.
		PBoundary int      `yaml:"pBoundary"`
		Socket    string   `yaml:"socket"`
		Training  Training `yaml:"training"`
	}

	CategorySets struct {
		Compute string `yaml:"compute"`
		IO      string `yaml:"io"`
		Memory  string `yaml:"memory"`
		// Single-CPU fallbacks applied when the allocator cannot satisfy
		// a class's minimum.
		ComputeFallback string `yaml:"computeFallback"`
		IOFallback      string `yaml:"ioFallback"`
		MemoryFallback  string `yaml:"memoryFallback"`
	}

	Telemetry struct {
		DecisionCSV   string `yaml:"decisionCsv"`
		AllocationCSV string `yaml:"allocationCsv"`
		ListenAddress string `yaml:"listenAddress"`
		Metrics       bool   `yaml:"metrics"`
	}

	Scheduler struct {
		Socket     string        `yaml:"socket"`
		Tick       time.Duration `yaml:"tick"`
		ModelP     string        `yaml:"modelP"`
		ModelE     string        `yaml:"modelE"`
		Hysteresis float64       `yaml:"hysteresis"`
		Predictor  PredictorKind `yaml:"predictor"`
		// Coresets used by the linear pathway
		PSet   string `yaml:"pset"`
		ESet   string `yaml:"eset"`
		AllSet string `yaml:"allset"`
		// Category pathway configuration
		Category  CategorySets `yaml:"category"`
		Telemetry Telemetry    `yaml:"telemetry"`
	}

	Config struct {
		Log       Log       `yaml:"log"`
		Host      Host      `yaml:"host"`
		Monitor   Monitor   `yaml:"monitor"`
		Scheduler Scheduler `yaml:"scheduler"`
	}
)

const (
	// Flags
	LogLevelFlag  = "log.level"
	LogFormatFlag = "log.format"

	SysFSFlag  = "host.sysfs"
	ProcFSFlag = "host.procfs"

	MonitorModeFlag     = "monitor.mode"
	MonitorIntervalFlag = "monitor.interval"
	MonitorCoresetFlag  = "monitor.coreset"
	MonitorSocketFlag   = "monitor.socket"

	SchedSocketFlag     = "scheduler.socket"
	SchedTickFlag       = "scheduler.tick"
	SchedModelPFlag     = "scheduler.model-p"
	SchedModelEFlag     = "scheduler.model-e"
	SchedPredictorFlag  = "scheduler.predictor"
	SchedHysteresisFlag = "scheduler.hysteresis"
)

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Host: Host{
			SysFS:  "/sys",
			ProcFS: "/proc",
		},
		Monitor: Monitor{
			Mode:      ModeProcess,
			Interval:  100 * time.Millisecond,
			Coreset:   "0-15",
			PBoundary: 8,
			Socket:    "/tmp/scheduler_socket",
		},
		Scheduler: Scheduler{
			Socket:     "/tmp/scheduler_socket",
			Tick:       100 * time.Millisecond,
			ModelP:     "model_P.json",
			ModelE:     "model_E.json",
			Hysteresis: 0.15,
			Predictor:  PredictorLinear,
			PSet:       "0-7",
			ESet:       "8-15",
			AllSet:     "0-15",
			Category: CategorySets{
				Compute:         "0-7",
				IO:              "8-15",
				Memory:          "0-7",
				ComputeFallback: "0",
				IOFallback:      "16",
				MemoryFallback:  "1",
			},
			Telemetry: Telemetry{
				DecisionCSV:   "classifier_val.csv",
				AllocationCSV: "core_allocation.csv",
				ListenAddress: ":28282",
			},
		},
	}
}

// Load loads configuration from an io.Reader.
func Load(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.sanitize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile loads configuration from a file.
func FromFile(filePath string) (*Config, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	return Load(file)
}

type ConfigUpdaterFn func(*Config) error

// RegisterFlags registers command-line flags with the kingpin app and
// returns a ConfigUpdaterFn that overlays only the flags the user
// explicitly set, so the command line overrides config file settings.
func RegisterFlags(app *kingpin.Application) ConfigUpdaterFn {
	flagsSet := map[string]bool{}

	app.PreAction(func(ctx *kingpin.ParseContext) error {
		flagsSet = map[string]bool{}
		for _, element := range ctx.Elements {
			if flag, ok := element.Clause.(*kingpin.FlagClause); ok && element.Value != nil {
				flagsSet[flag.Model().Name] = true
			}
		}
		return nil
	})

	logLevel := app.Flag(LogLevelFlag, "Logging level: debug, info, warn, error").Default("info").Enum("debug", "info", "warn", "error")
	logFormat := app.Flag(LogFormatFlag, "Logging format: text or json").Default("text").Enum("text", "json")

	sysfs := app.Flag(SysFSFlag, "Path to sysfs").Default("/sys").String()
	procfs := app.Flag(ProcFSFlag, "Path to procfs").Default("/proc").String()

	mode := app.Flag(MonitorModeFlag, "Telemetry mode: process, split or main").Default(string(ModeProcess)).Enum("process", "split", "main")
	interval := app.Flag(MonitorIntervalFlag, "Sampling window interval").Default("100ms").Duration()
	coreset := app.Flag(MonitorCoresetFlag, "Admin coreset the monitor observes").Default("0-15").String()
	monSocket := app.Flag(MonitorSocketFlag, "Scheduler socket the monitor reports to").Default("/tmp/scheduler_socket").String()

	schedSocket := app.Flag(SchedSocketFlag, "Unix socket the scheduler listens on").Default("/tmp/scheduler_socket").String()
	schedTick := app.Flag(SchedTickFlag, "Scheduler processing tick").Default("100ms").Duration()
	modelP := app.Flag(SchedModelPFlag, "Path to the P-core placement model").Default("model_P.json").String()
	modelE := app.Flag(SchedModelEFlag, "Path to the E-core placement model").Default("model_E.json").String()
	predictor := app.Flag(SchedPredictorFlag, "Placement pathway: linear or category").Default(string(PredictorLinear)).Enum("linear", "category")
	hysteresis := app.Flag(SchedHysteresisFlag, "Relative margin a switch must clear").Default("0.15").Float64()

	return func(cfg *Config) error {
		if flagsSet[LogLevelFlag] {
			cfg.Log.Level = *logLevel
		}
		if flagsSet[LogFormatFlag] {
			cfg.Log.Format = *logFormat
		}
		if flagsSet[SysFSFlag] {
			cfg.Host.SysFS = *sysfs
		}
		if flagsSet[ProcFSFlag] {
			cfg.Host.ProcFS = *procfs
		}
		if flagsSet[MonitorModeFlag] {
			cfg.Monitor.Mode = MonitorMode(*mode)
		}
		if flagsSet[MonitorIntervalFlag] {
			cfg.Monitor.Interval = *interval
		}
		if flagsSet[MonitorCoresetFlag] {
			cfg.Monitor.Coreset = *coreset
		}
		if flagsSet[MonitorSocketFlag] {
			cfg.Monitor.Socket = *monSocket
		}
		if flagsSet[SchedSocketFlag] {
			cfg.Scheduler.Socket = *schedSocket
		}
		if flagsSet[SchedTickFlag] {
			cfg.Scheduler.Tick = *schedTick
		}
		if flagsSet[SchedModelPFlag] {
			cfg.Scheduler.ModelP = *modelP
		}
		if flagsSet[SchedModelEFlag] {
			cfg.Scheduler.ModelE = *modelE
		}
		if flagsSet[SchedPredictorFlag] {
			cfg.Scheduler.Predictor = PredictorKind(*predictor)
		}
		if flagsSet[SchedHysteresisFlag] {
			cfg.Scheduler.Hysteresis = *hysteresis
		}

		cfg.sanitize()
		return cfg.Validate()
	}
}

func (c *Config) sanitize() {
	c.Log.Level = strings.TrimSpace(c.Log.Level)
	c.Log.Format = strings.TrimSpace(c.Log.Format)
	c.Monitor.Coreset = strings.TrimSpace(c.Monitor.Coreset)
	c.Monitor.Training.Force = strings.ToUpper(strings.TrimSpace(c.Monitor.Training.Force))
}

// Validate checks for configuration errors.
func (c *Config) Validate() error {
	var errs []string

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("invalid log level: %s", c.Log.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("invalid log format: %s", c.Log.Format))
	}

	switch c.Monitor.Mode {
	case ModeProcess, ModeSplit, ModeMain:
	default:
		errs = append(errs, fmt.Sprintf("invalid monitor mode: %s", c.Monitor.Mode))
	}

	if c.Monitor.Interval <= 0 {
		errs = append(errs, fmt.Sprintf("invalid monitor interval: %s", c.Monitor.Interval))
	}
	if c.Monitor.Coreset == "" {
		errs = append(errs, "monitor coreset must not be empty")
	}
	if f := c.Monitor.Training.Force; f != "" && f != "P" && f != "E" && f != "NONE" {
		errs = append(errs, fmt.Sprintf("invalid training force class: %s", f))
	}
	if c.Monitor.Training.WarmupWindows < 0 {
		errs = append(errs, "warmup windows must not be negative")
	}

	switch c.Scheduler.Predictor {
	case PredictorLinear, PredictorCategory:
	default:
		errs = append(errs, fmt.Sprintf("invalid scheduler predictor: %s", c.Scheduler.Predictor))
	}
	if c.Scheduler.Tick <= 0 {
		errs = append(errs, fmt.Sprintf("invalid scheduler tick: %s", c.Scheduler.Tick))
	}
	if c.Scheduler.Hysteresis < 0 {
		errs = append(errs, fmt.Sprintf("invalid hysteresis: %f", c.Scheduler.Hysteresis))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, ", "))
	}
	return nil
}

func (c *Config) String() string {
	bytes, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<unprintable config: %v>", err)
	}
	return string(bytes)
}
