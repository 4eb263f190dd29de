// SPDX-FileCopyrightText: 2025 The Hybridsched Authors
// SPDX-License-Identifier: Apache-2.0

// Package monitor implements the window sampler: the periodic loop that
// walks the thread registry, reads counter and I/O deltas, and pushes
// one window summary per tick to the scheduler daemon.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"k8s.io/utils/clock"

	"github.com/K0toulas/hybridsched/config"
	"github.com/K0toulas/hybridsched/internal/cpuset"
	"github.com/K0toulas/hybridsched/internal/perf"
	"github.com/K0toulas/hybridsched/internal/resource"
	"github.com/K0toulas/hybridsched/internal/topology"
	"github.com/K0toulas/hybridsched/internal/wire"
)

// ErrTargetExited signals that the monitored process is gone and the
// sampler loop should stop.
var ErrTargetExited = errors.New("target process exited")

// RecordSender delivers window records to the scheduler. *wire.Client
// is the production implementation.
type RecordSender interface {
	Send(pid int, startup bool, rec *wire.Record) error
}

// SessionOpener creates a started perf session for a thread on its
// current core class.
type SessionOpener func(tid, cpuHint int, class topology.CoreClass) (perf.SessionReader, error)

// AffinityApplier pins a single TID; used by training mode to hold
// every thread on the forced class.
type AffinityApplier interface {
	Apply(pid int, set cpuset.Set) error
}

// NewSessionOpener returns the production opener backed by
// perf_event_open with the topology's PMU type ids.
func NewSessionOpener(logger *slog.Logger, topo *topology.Topology) SessionOpener {
	return func(tid, cpuHint int, class topology.CoreClass) (perf.SessionReader, error) {
		sess, err := perf.OpenSession(logger, tid, cpuHint, class, topo.PMUType(class))
		if err != nil {
			return nil, err
		}
		if err := sess.Start(); err != nil {
			_ = sess.Close()
			return nil, err
		}
		return sess, nil
	}
}

// WindowSampler drives the sampling loop for one target process.
type WindowSampler struct {
	logger *slog.Logger
	clock  clock.WithTicker

	mode     config.MonitorMode
	interval time.Duration
	training config.Training
	dataset  *DatasetWriter

	pid         int
	topo        *topology.Topology
	reader      resource.ProcReader
	registry    *resource.Registry
	sender      RecordSender
	openSession SessionOpener
	affinity    AffinityApplier

	forcedSet   cpuset.Set
	forcedReady bool

	start      time.Time
	prevExecMS float64
	prevProcIO resource.IOCounters
	windowIdx  uint64
	fullWarned bool
}

// NewWindowSampler builds a sampler for one target PID. In training mode
// with a forced class, an empty forced set is a startup error.
func NewWindowSampler(pid int, topo *topology.Topology, reader resource.ProcReader,
	sender RecordSender, opener SessionOpener, affinity AffinityApplier,
	applyOpts ...OptionFn,
) (*WindowSampler, error) {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	ws := &WindowSampler{
		logger:      opts.logger.With("service", "monitor"),
		clock:       opts.clock,
		mode:        opts.mode,
		interval:    opts.interval,
		training:    opts.training,
		dataset:     opts.dataset,
		pid:         pid,
		topo:        topo,
		reader:      reader,
		registry:    resource.NewRegistry(),
		sender:      sender,
		openSession: opener,
		affinity:    affinity,
		prevExecMS:  -1,
	}

	if opts.training.Enabled {
		switch opts.training.Force {
		case "P":
			ws.forcedSet = topo.PSet()
			ws.forcedReady = true
		case "E":
			ws.forcedSet = topo.ESet()
			ws.forcedReady = true
		}
		if ws.forcedReady && ws.forcedSet.Empty() {
			return nil, fmt.Errorf("forced class %s has no CPUs in coreset %s",
				opts.training.Force, topo.Coreset().String())
		}
	}

	return ws, nil
}

func (ws *WindowSampler) Name() string {
	return "monitor"
}

// Init establishes the I/O and timing baselines, pins the target when
// training forces a class, and broadcasts the startup record.
func (ws *WindowSampler) Init() error {
	if !ws.reader.Alive() {
		return fmt.Errorf("target pid %d: %w", ws.pid, ErrTargetExited)
	}

	ws.start = ws.clock.Now()
	if io, err := ws.reader.ProcessIO(); err == nil {
		ws.prevProcIO = io
	} else {
		ws.logger.Warn("process io baseline unavailable", "pid", ws.pid, "error", err)
	}

	if ws.forcedReady {
		if err := ws.affinity.Apply(ws.pid, ws.forcedSet); err != nil {
			return fmt.Errorf("training: pinning pid %d to %s: %w", ws.pid, ws.forcedSet.String(), err)
		}
		ws.logger.Info("training mode", "force", ws.training.Force,
			"coreset", ws.forcedSet.String(), "warmupWindows", ws.training.WarmupWindows)
	}

	// the first record a PID sends carries the startup flag and no data
	if err := ws.sender.Send(ws.pid, true, &wire.Record{}); err != nil {
		ws.logger.Warn("startup notification dropped", "error", err)
	}
	return nil
}

func (ws *WindowSampler) Run(ctx context.Context) error {
	ticker := ws.clock.NewTicker(ws.interval)
	defer ticker.Stop()

	ws.logger.Info("sampling", "pid", ws.pid, "interval", ws.interval, "mode", ws.mode)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			if err := ws.Sample(); err != nil {
				if errors.Is(err, ErrTargetExited) {
					ws.logger.Info("target terminated, stopping sampler", "pid", ws.pid)
					return nil
				}
				return err
			}
		}
	}
}

func (ws *WindowSampler) Shutdown() error {
	ws.registry.Close()
	if ws.dataset != nil {
		return ws.dataset.Close()
	}
	return nil
}

// Sample performs one complete window: registry sync, per-thread
// collection, ratio derivation, and emission.
func (ws *WindowSampler) Sample() error {
	if !ws.reader.Alive() {
		return ErrTargetExited
	}

	tids, err := ws.reader.Threads()
	if err != nil {
		return ErrTargetExited
	}
	if ws.mode == config.ModeMain {
		tids = []int{ws.pid}
	}

	if _, full := ws.registry.Sync(tids); full && !ws.fullWarned {
		ws.logger.Warn("thread limit reached, new threads are unmonitored",
			"limit", resource.MaxThreads)
		ws.fullWarned = true
	}

	ws.windowIdx++

	if ws.forcedReady {
		for _, tid := range tids {
			if err := ws.affinity.Apply(tid, ws.forcedSet); err != nil {
				ws.logger.Debug("training repin failed", "tid", tid, "error", err)
			}
		}
	}

	win := ws.collect()
	ws.finalize(win)

	if err := ws.sender.Send(ws.pid, false, &win.Record); err != nil {
		// the scheduler is a best-effort consumer; drop the sample
		ws.logger.Debug("record dropped", "error", err)
	}

	if ws.dataset != nil && ws.training.Enabled && ws.windowIdx > uint64(ws.training.WarmupWindows) {
		if err := ws.dataset.Append(win, ws.windowIdx, ws.training); err != nil {
			ws.logger.Warn("dataset row dropped", "error", err)
		}
	}
	return nil
}

// collect walks the registry under its lock and accumulates the window.
func (ws *WindowSampler) collect() *Window {
	win := &Window{}
	pcoresSeen := map[int]bool{}
	ecoresSeen := map[int]bool{}
	hwThreads := 0
	pthreads := 0

	ws.registry.ForEachActive(func(_ int, th *resource.Thread) {
		cpu, err := ws.reader.CPUOf(th.TID)
		if err != nil || !ws.topo.InCoreset(cpu) {
			// exited between scan and read, or wandered off the coreset
			th.Deactivate()
			return
		}

		hwThreads++
		class := ws.topo.Classify(cpu)
		if cpu < 64 {
			th.CPUMask |= 1 << uint(cpu)
		}
		if class == topology.ClassP {
			pthreads++
			pcoresSeen[cpu] = true
		} else {
			ecoresSeen[cpu] = true
		}

		if tio, err := ws.reader.ThreadIO(th.TID); err == nil {
			if !th.IOInitialized {
				th.PrevIO = tio
				th.IOInitialized = true
			} else {
				d := tio.Delta(th.PrevIO)
				th.PrevIO = tio
				if class == topology.ClassP {
					win.PIO.Add(d)
				} else {
					win.EIO.Add(d)
				}
			}
		} else {
			th.ResetIO()
		}

		// reopen on first sight or migration; the tick only re-establishes
		// the baseline so the next delta is attributable to one class
		if th.Session == nil || th.Session.Class() != class {
			th.CloseSession()
			sess, err := ws.openSession(th.TID, cpu, class)
			if err != nil {
				ws.logger.Warn("perf session open failed", "tid", th.TID, "cpu", cpu, "error", err)
				return
			}
			th.Session = sess
			return
		}

		var delta perf.Values
		if err := th.Session.ReadDelta(&delta); err != nil {
			return
		}
		totals := counterTotals(delta)
		addTotals(&win.Record.CounterTotals, totals)
		if class == topology.ClassP {
			addTotals(&win.PTotals, totals)
		} else {
			addTotals(&win.ETotals, totals)
		}
	})

	win.Record.ThreadCount = int32(ws.registry.Len())
	win.Record.HWThreadCount = int32(hwThreads)
	win.Record.PThreadCount = int32(pthreads)
	win.Record.PCoreCount = int32(len(pcoresSeen))
	win.Record.ECoreCount = int32(len(ecoresSeen))
	win.Record.TotalCores = win.Record.PCoreCount + win.Record.ECoreCount
	return win
}

// finalize computes the process-wide I/O delta, the derived ratios and
// the window timing.
func (ws *WindowSampler) finalize(win *Window) {
	if pio, err := ws.reader.ProcessIO(); err == nil {
		win.Record.IO = ioDeltas(pio.Delta(ws.prevProcIO))
		ws.prevProcIO = pio
	}

	win.Record.Ratios = computeRatios(win.Record.CounterTotals, win.Record.IO)
	if ws.mode == config.ModeSplit {
		win.PRatios = computeRatios(win.PTotals, ioDeltas(win.PIO))
		win.ERatios = computeRatios(win.ETotals, ioDeltas(win.EIO))
	}

	execMS := float64(ws.clock.Now().Sub(ws.start)) / float64(time.Millisecond)
	win.Record.ExecTimeMS = execMS
	if ws.prevExecMS >= 0 {
		win.Record.DTMS = execMS - ws.prevExecMS
	}
	ws.prevExecMS = execMS
}

// Registry exposes the thread table for inspection.
func (ws *WindowSampler) Registry() *resource.Registry {
	return ws.registry
}
