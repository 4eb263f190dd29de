// SPDX-FileCopyrightText: 2025 The Hybridsched Authors
// SPDX-License-Identifier: Apache-2.0

// The monitor agent attaches to a target process (or spawns one),
// samples per-thread hardware counters and I/O at a fixed cadence, and
// streams window summaries to the scheduler daemon.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	"github.com/alecthomas/kingpin/v2"

	"github.com/K0toulas/hybridsched/config"
	"github.com/K0toulas/hybridsched/internal/cpuset"
	"github.com/K0toulas/hybridsched/internal/logger"
	"github.com/K0toulas/hybridsched/internal/monitor"
	"github.com/K0toulas/hybridsched/internal/resource"
	"github.com/K0toulas/hybridsched/internal/service"
	"github.com/K0toulas/hybridsched/internal/topology"
	"github.com/K0toulas/hybridsched/internal/wire"
)

func main() {
	app := kingpin.New("hybridsched-monitor",
		"Per-thread performance monitor for hybrid-core placement scheduling")

	configFile := app.Flag("config", "Path to a YAML config file").String()
	updateConfig := config.RegisterFlags(app)

	targetPID := app.Flag("pid", "PID of an already-running target process").Int()
	command := app.Arg("command", "Command to spawn and monitor").Strings()

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
	if err := cfg.ApplyEnvOverrides(os.LookupEnv); err != nil {
		fatal(err)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err := run(cfg, log, *targetPID, *command); err != nil {
		log.Error("monitor failed", "error", err)
		os.Exit(1)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func run(cfg *config.Config, log *slog.Logger, targetPID int, command []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pid, err := resolveTarget(ctx, log, targetPID, command)
	if err != nil {
		return err
	}

	topo, err := topology.New(log, cfg.Host.SysFS, cfg.Monitor.Coreset, cfg.Monitor.PBoundary)
	if err != nil {
		return err
	}

	reader, err := resource.NewProcReader(cfg.Host.ProcFS, pid)
	if err != nil {
		return err
	}

	opts := []monitor.OptionFn{
		monitor.WithLogger(log),
		monitor.WithMode(cfg.Monitor.Mode),
		monitor.WithInterval(cfg.Monitor.Interval),
		monitor.WithTraining(cfg.Monitor.Training),
	}
	if cfg.Monitor.Training.Enabled && cfg.Monitor.Training.DatasetCSV != "" {
		dataset, err := monitor.OpenDataset(cfg.Monitor.Training.DatasetCSV)
		if err != nil {
			return err
		}
		opts = append(opts, monitor.WithDataset(dataset))
	}

	sampler, err := monitor.NewWindowSampler(pid, topo, reader,
		wire.NewClient(log, cfg.Monitor.Socket),
		monitor.NewSessionOpener(log, topo),
		cpuset.NewController(log, cfg.Host.ProcFS),
		opts...)
	if err != nil {
		return err
	}

	services := []service.Service{
		service.NewSignalHandler(os.Interrupt, syscall.SIGTERM),
		sampler,
	}

	if err := service.Init(log, services); err != nil {
		return err
	}
	return service.Run(ctx, log, services)
}

// resolveTarget either validates the given PID or spawns the command
// and monitors the child.
func resolveTarget(ctx context.Context, log *slog.Logger, targetPID int, command []string) (int, error) {
	if targetPID > 0 && len(command) > 0 {
		return 0, fmt.Errorf("--pid and a command are mutually exclusive")
	}

	if targetPID > 0 {
		if err := syscall.Kill(targetPID, 0); err != nil {
			return 0, fmt.Errorf("target pid %d: %w", targetPID, err)
		}
		return targetPID, nil
	}

	if len(command) == 0 {
		return 0, fmt.Errorf("either --pid or a command to spawn is required")
	}

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawning %s: %w", command[0], err)
	}

	log.Info("spawned target", "pid", cmd.Process.Pid, "command", command[0])
	go func() {
		if err := cmd.Wait(); err != nil {
			log.Info("target exited", "error", err)
		}
	}()
	return cmd.Process.Pid, nil
}
