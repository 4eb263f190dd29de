// SPDX-FileCopyrightText: 2025 The Hybridsched Authors
// SPDX-License-Identifier: Apache-2.0

// Package sched implements the placement daemon: a single-threaded loop
// that drains window records from the control socket, scores the
// per-class placement models and applies CPU affinity with hysteresis.
package sched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"
	"k8s.io/utils/clock"

	"github.com/K0toulas/hybridsched/config"
	"github.com/K0toulas/hybridsched/internal/cpuset"
	"github.com/K0toulas/hybridsched/internal/model"
	"github.com/K0toulas/hybridsched/internal/wire"
)

// scoreWindowMS is the nominal window length used to derive the
// cycles_per_ms feature from the cycle delta.
const scoreWindowMS = 100.0

// Affinity is the subset of the affinity controller the daemon uses.
type Affinity interface {
	ApplyProcess(pid int, set cpuset.Set) error
	Verify(pid int) (cpuset.Set, error)
}

// Daemon is the scheduler service.
type Daemon struct {
	logger *slog.Logger
	clock  clock.WithTicker
	cfg    config.Scheduler

	affinity Affinity
	alive    func(pid int) bool

	modelP *model.Linear
	modelE *model.Linear

	pSet   cpuset.Set
	eSet   cpuset.Set
	allSet cpuset.Set

	queue *queue
	stats *Stats

	allocator *categoryAllocator
	counts    CategoryCounts

	decisions   *DecisionLog
	allocations *AllocationLog

	ln *net.UnixListener
}

type DaemonOpts struct {
	logger *slog.Logger
	clock  clock.WithTicker
	alive  func(pid int) bool
}

func DefaultDaemonOpts() DaemonOpts {
	return DaemonOpts{
		logger: slog.Default(),
		clock:  clock.RealClock{},
		alive:  processAlive,
	}
}

type DaemonOptionFn func(*DaemonOpts)

func WithLogger(logger *slog.Logger) DaemonOptionFn {
	return func(o *DaemonOpts) { o.logger = logger }
}

func WithClock(c clock.WithTicker) DaemonOptionFn {
	return func(o *DaemonOpts) { o.clock = c }
}

// WithLivenessProbe overrides the signal-0 process probe.
func WithLivenessProbe(alive func(pid int) bool) DaemonOptionFn {
	return func(o *DaemonOpts) { o.alive = alive }
}

// processAlive probes a PID with signal 0; only ESRCH means gone.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return !errors.Is(err, unix.ESRCH)
}

// NewDaemon builds the daemon. Models are loaded in Init so that a bad
// model file fails startup before the socket is bound.
func NewDaemon(cfg config.Scheduler, affinity Affinity, applyOpts ...DaemonOptionFn) (*Daemon, error) {
	opts := DefaultDaemonOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	pSet, err := cpuset.ParseSet(cfg.PSet)
	if err != nil {
		return nil, fmt.Errorf("invalid pset: %w", err)
	}
	eSet, err := cpuset.ParseSet(cfg.ESet)
	if err != nil {
		return nil, fmt.Errorf("invalid eset: %w", err)
	}
	allSet, err := cpuset.ParseSet(cfg.AllSet)
	if err != nil {
		return nil, fmt.Errorf("invalid allset: %w", err)
	}

	return &Daemon{
		logger:   opts.logger.With("service", "scheduler"),
		clock:    opts.clock,
		cfg:      cfg,
		affinity: affinity,
		alive:    opts.alive,
		pSet:     pSet,
		eSet:     eSet,
		allSet:   allSet,
		queue:    newQueue(),
		stats:    NewStats(),
	}, nil
}

func (d *Daemon) Name() string {
	return "scheduler"
}

// Stats exposes the daemon's counters to exporters.
func (d *Daemon) Stats() *Stats {
	return d.stats
}

// Init loads the models, opens the telemetry sinks and binds the
// control socket, in that order: a model failure must prevent the bind.
func (d *Daemon) Init() error {
	var err error
	if d.modelP, err = model.Load(d.cfg.ModelP); err != nil {
		return fmt.Errorf("loading P model: %w", err)
	}
	if d.modelE, err = model.Load(d.cfg.ModelE); err != nil {
		return fmt.Errorf("loading E model: %w", err)
	}

	if d.cfg.Predictor == config.PredictorCategory {
		d.allocator = newCategoryAllocator(d.logger, d.cfg.Category, d.pSet, d.eSet)
	}

	if path := d.cfg.Telemetry.DecisionCSV; path != "" {
		if d.decisions, err = OpenDecisionLog(path); err != nil {
			return err
		}
	}
	if path := d.cfg.Telemetry.AllocationCSV; path != "" && d.allocator != nil {
		cpus := append(d.pSet.CPUs(), d.eSet.CPUs()...)
		if d.allocations, err = OpenAllocationLog(path, cpus); err != nil {
			return err
		}
	}

	addr, err := net.ResolveUnixAddr("unix", d.cfg.Socket)
	if err != nil {
		return fmt.Errorf("resolving socket path %s: %w", d.cfg.Socket, err)
	}
	_ = os.Remove(d.cfg.Socket)
	if d.ln, err = net.ListenUnix("unix", addr); err != nil {
		return fmt.Errorf("binding %s: %w", d.cfg.Socket, err)
	}

	d.logger.Info("listening", "socket", d.cfg.Socket, "predictor", d.cfg.Predictor,
		"pset", d.pSet.String(), "eset", d.eSet.String(), "hysteresis", d.cfg.Hysteresis)
	return nil
}

// Run drives the outer loop: drain all connectable clients, process the
// queue once, sleep one tick. On the shutdown sentinel the backlog is
// processed before returning.
func (d *Daemon) Run(ctx context.Context) error {
	ticker := d.clock.NewTicker(d.cfg.Tick)
	defer ticker.Stop()

	for {
		shutdown := d.drain()
		d.ProcessQueue()
		if shutdown {
			d.logger.Info("shutdown sentinel received, exiting")
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
		}
	}
}

func (d *Daemon) Shutdown() error {
	if d.ln != nil {
		_ = d.ln.Close()
		_ = os.Remove(d.cfg.Socket)
	}
	if d.decisions != nil {
		_ = d.decisions.Close()
	}
	if d.allocations != nil {
		_ = d.allocations.Close()
	}
	return nil
}

// drain accepts every currently connectable client. Each connection
// contributes exactly one message and is closed immediately after.
func (d *Daemon) drain() (shutdown bool) {
	for {
		_ = d.ln.SetDeadline(time.Now().Add(time.Millisecond))
		conn, err := d.ln.Accept()
		if err != nil {
			if !errors.Is(err, os.ErrDeadlineExceeded) && !errors.Is(err, net.ErrClosed) {
				d.logger.Warn("accept failed", "error", err)
			}
			return shutdown
		}
		if d.handleConn(conn) {
			shutdown = true
		}
	}
}

// handleConn reads one (pid, startup, record) message. Reads are
// bounded by a deadline so a stalled client cannot block the daemon.
func (d *Daemon) handleConn(conn net.Conn) (shutdown bool) {
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))

	pid, err := wire.ReadPID(conn)
	if err != nil {
		d.logger.Warn("dropping client", "error", err)
		return false
	}
	if pid == wire.ShutdownPID {
		return true
	}

	startup, rec, err := wire.ReadRest(conn)
	if err != nil {
		d.logger.Warn("incomplete record", "pid", pid, "error", err)
		return false
	}

	d.stats.observeRecord(startup == 1)
	if !d.queue.add(pid, rec, startup == 1) {
		d.logger.Warn("queue full, dropping record", "pid", pid)
	}
	return false
}

// ProcessQueue runs one deterministic processing pass in insertion
// order.
func (d *Daemon) ProcessQueue() {
	var masks Masks
	if d.allocator != nil {
		masks = d.allocator.Allocate(d.counts)
		if d.allocations != nil {
			if err := d.allocations.Append(d.counts, masks); err != nil {
				d.logger.Warn("allocation row dropped", "error", err)
			}
		}
	}

	var counts CategoryCounts
	for _, e := range d.queue.snapshotEntries() {
		d.processEntry(e, masks, &counts)
	}
	d.counts = counts
	d.stats.setQueueSize(d.queue.size())
}

func (d *Daemon) processEntry(e *queueEntry, masks Masks, counts *CategoryCounts) {
	pid := int(e.pid)
	if !d.alive(pid) {
		d.logger.Info("process gone, evicting", "pid", pid)
		d.queue.remove(e.pid)
		d.stats.observeEviction()
		return
	}

	rec := e.current
	if len(e.history) > 0 || e.hasLastUsed {
		hist := make([]wire.Ratios, len(e.history))
		for i := range e.history {
			hist[i] = e.history[i].Ratios
		}
		var last *wire.Ratios
		if e.hasLastUsed {
			last = &e.lastUsed.Ratios
		}
		rec.Ratios = smoothRatios(e.current.Ratios, hist, last)
	}

	var yP, yE float64
	var chosen cpuset.Set
	predicted := "N/A"

	switch {
	case e.startup:
		chosen = d.allSet
		predicted = "Startup"

	case d.allocator != nil:
		cat := classify(rec.Classifier)
		predicted = cat.String()
		switch cat {
		case CategoryCompute:
			counts.Compute += int(rec.ThreadCount)
		case CategoryIO:
			counts.IO += int(rec.ThreadCount)
		case CategoryMemory:
			counts.Memory += int(rec.ThreadCount)
		}
		set, err := cpuset.ParseSet(masks.For(cat))
		if err != nil {
			d.logger.Error("unusable category coreset, using all cores",
				"category", predicted, "error", err)
			set = d.allSet
		}
		chosen = set

	default:
		var ok bool
		yP, yE, ok = d.score(&rec)
		if !ok {
			// non-finite features: fail open onto all cores
			chosen = d.allSet
			break
		}
		chosen = d.decide(e, yP, yE)
	}

	if err := d.affinity.ApplyProcess(pid, chosen); err != nil {
		d.logger.Warn("affinity apply failed", "pid", pid, "coreset", chosen.String(), "error", err)
	}
	if d.logger.Enabled(context.Background(), slog.LevelDebug) {
		if actual, err := d.affinity.Verify(pid); err == nil {
			d.logger.Debug("placement", "pid", pid, "chosen", chosen.String(),
				"actual", actual.String(), "yP", yP, "yE", yE)
		}
	}

	d.stats.observeDecision(chosen.String(), yP, yE)
	if d.decisions != nil {
		if err := d.decisions.Append(e.pid, &rec, yP, yE, chosen.String(), predicted); err != nil {
			d.logger.Warn("decision row dropped", "error", err)
		}
	}

	e.predictedCategory = predicted
	e.settle(rec)
}

// score evaluates both models on the record's feature vector. ok is
// false when any feature is non-finite.
func (d *Daemon) score(rec *wire.Record) (yP, yE float64, ok bool) {
	cyclesPerMS := float64(rec.CounterTotals[wire.CounterCycles]) / scoreWindowMS
	x := [model.NumFeatures]float64{
		cyclesPerMS,
		rec.Ratios.IPC,
		rec.Ratios.CacheMissRatio,
		rec.Ratios.MemStallPerMemInst,
		rec.Ratios.MemStallPerInst,
	}
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, 0, false
		}
	}
	return d.modelP.Predict(x), d.modelE.Predict(x), true
}

// decide applies hysteresis: the other class must beat the current one
// by the configured relative margin before the process moves. The first
// decision for a PID simply takes the higher score.
func (d *Daemon) decide(e *queueEntry, yP, yE float64) cpuset.Set {
	if !e.hasLastOnP {
		e.lastOnP = yP >= yE
		e.hasLastOnP = true
	}

	margin := 1.0 + d.cfg.Hysteresis
	onP := e.lastOnP
	if onP {
		if yE > margin*yP {
			onP = false
		}
	} else {
		if yP > margin*yE {
			onP = true
		}
	}
	e.lastOnP = onP

	if onP {
		return d.pSet
	}
	return d.eSet
}
