// SPDX-FileCopyrightText: 2025 The Hybridsched Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"log/slog"
	"time"

	"k8s.io/utils/clock"

	"github.com/K0toulas/hybridsched/config"
)

type Opts struct {
	logger   *slog.Logger
	clock    clock.WithTicker
	mode     config.MonitorMode
	interval time.Duration
	training config.Training
	dataset  *DatasetWriter
}

// DefaultOpts returns a new Opts with defaults set.
func DefaultOpts() Opts {
	return Opts{
		logger:   slog.Default(),
		clock:    clock.RealClock{},
		mode:     config.ModeProcess,
		interval: 100 * time.Millisecond,
	}
}

// OptionFn sets one or more options in the Opts struct.
type OptionFn func(*Opts)

func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

func WithClock(c clock.WithTicker) OptionFn {
	return func(o *Opts) {
		o.clock = c
	}
}

func WithMode(mode config.MonitorMode) OptionFn {
	return func(o *Opts) {
		o.mode = mode
	}
}

func WithInterval(interval time.Duration) OptionFn {
	return func(o *Opts) {
		o.interval = interval
	}
}

func WithTraining(training config.Training) OptionFn {
	return func(o *Opts) {
		o.training = training
	}
}

func WithDataset(w *DatasetWriter) OptionFn {
	return func(o *Opts) {
		o.dataset = w
	}
}
