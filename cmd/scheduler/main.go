// SPDX-FileCopyrightText: 2025 The Hybridsched Authors
// SPDX-License-Identifier: Apache-2.0

// The scheduler daemon listens on the control socket for window records
// from monitor agents and places each observed process on P or E cores
// via CPU affinity.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"github.com/alecthomas/kingpin/v2"

	"github.com/K0toulas/hybridsched/config"
	"github.com/K0toulas/hybridsched/internal/cpuset"
	"github.com/K0toulas/hybridsched/internal/exporter/prometheus"
	"github.com/K0toulas/hybridsched/internal/logger"
	"github.com/K0toulas/hybridsched/internal/sched"
	"github.com/K0toulas/hybridsched/internal/service"
	"github.com/K0toulas/hybridsched/internal/wire"
)

func main() {
	app := kingpin.New("hybridsched-scheduler",
		"Placement daemon for hybrid-core scheduling")

	configFile := app.Flag("config", "Path to a YAML config file").String()
	updateConfig := config.RegisterFlags(app)

	shutdown := app.Flag("shutdown", "Send the shutdown sentinel to a running daemon and exit").Bool()
	metrics := app.Flag("metrics", "Expose Prometheus metrics").Bool()
	coreset := app.Arg("coreset", "Coreset to pin the daemon itself to").String()

	kingpin.MustParse(app.Parse(os.Args[1:]))

	cfg := config.DefaultConfig()
	if *configFile != "" {
		var err error
		if cfg, err = config.FromFile(*configFile); err != nil {
			fatal(err)
		}
	}
	if err := updateConfig(cfg); err != nil {
		fatal(err)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)

	if *shutdown {
		if err := wire.NewClient(log, cfg.Scheduler.Socket).SendShutdown(); err != nil {
			log.Error("shutdown request failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := run(cfg, log, *coreset, *metrics); err != nil {
		log.Error("scheduler failed", "error", err)
		os.Exit(1)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func run(cfg *config.Config, log *slog.Logger, coreset string, metrics bool) error {
	if coreset == "" {
		return fmt.Errorf("a coreset argument is required")
	}
	pinSet, err := cpuset.ParseSet(coreset)
	if err != nil {
		return fmt.Errorf("invalid coreset argument: %w", err)
	}

	affinity := cpuset.NewController(log, cfg.Host.ProcFS)
	if err := affinity.Apply(os.Getpid(), pinSet); err != nil {
		return fmt.Errorf("pinning scheduler to %s: %w", pinSet.String(), err)
	}
	log.Info("scheduler pinned", "coreset", pinSet.String())

	daemon, err := sched.NewDaemon(cfg.Scheduler, affinity, sched.WithLogger(log))
	if err != nil {
		return err
	}

	services := []service.Service{
		service.NewSignalHandler(os.Interrupt, syscall.SIGTERM),
		daemon,
	}
	if metrics || cfg.Scheduler.Telemetry.Metrics {
		services = append(services,
			prometheus.NewExporter(daemon.Stats(), cfg.Scheduler.Telemetry.ListenAddress,
				prometheus.WithLogger(log)))
	}

	if err := service.Init(log, services); err != nil {
		return err
	}
	return service.Run(context.Background(), log, services)
}
