// SPDX-FileCopyrightText: 2025 The Hybridsched Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"strconv"
)

// Environment variables honored by the monitor agent. These keep the
// original env-driven training workflow working without touching the
// config file: the environment overlays file and flag settings.
const (
	EnvMonitorMode   = "MONITOR_MODE"
	EnvTrainingMode  = "TRAINING_MODE"
	EnvMonitorForce  = "MONITOR_FORCE"
	EnvWarmupWindows = "WARMUP_WINDOWS"
	EnvRunID         = "RUN_ID"
	EnvWorkloadName  = "WORKLOAD_NAME"
	EnvDatasetCSV    = "DATASET_CSV"
)

// ApplyEnvOverrides overlays the documented environment variables onto
// the monitor section. lookup is os.LookupEnv in production.
func (c *Config) ApplyEnvOverrides(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvMonitorMode); ok {
		switch MonitorMode(v) {
		case ModeProcess, ModeSplit, ModeMain:
			c.Monitor.Mode = MonitorMode(v)
		default:
			return fmt.Errorf("invalid %s: %q", EnvMonitorMode, v)
		}
	}

	if v, ok := lookup(EnvTrainingMode); ok {
		enabled, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %q", EnvTrainingMode, v)
		}
		c.Monitor.Training.Enabled = enabled == 1
	}

	if v, ok := lookup(EnvMonitorForce); ok {
		c.Monitor.Training.Force = v
	}

	if v, ok := lookup(EnvWarmupWindows); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid %s: %q", EnvWarmupWindows, v)
		}
		c.Monitor.Training.WarmupWindows = n
	}

	if v, ok := lookup(EnvRunID); ok {
		c.Monitor.Training.RunID = v
	}
	if v, ok := lookup(EnvWorkloadName); ok {
		c.Monitor.Training.Workload = v
	}
	if v, ok := lookup(EnvDatasetCSV); ok {
		c.Monitor.Training.DatasetCSV = v
	}

	c.sanitize()
	return c.Validate()
}
