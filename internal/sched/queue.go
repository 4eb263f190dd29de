// SPDX-FileCopyrightText: 2025 The Hybridsched Authors
// SPDX-License-Identifier: Apache-2.0

package sched

import (
	"math"

	"github.com/K0toulas/hybridsched/internal/wire"
)

// MaxQueue bounds the number of PIDs the daemon tracks at once.
const MaxQueue = 2048

// historyStart and historyMax bound the per-PID record history: the
// capacity grows geometrically from historyStart and is capped at
// historyMax, dropping the oldest record when full.
const (
	historyStart = 4
	historyMax   = 64
)

// queueEntry tracks one observed PID between processing ticks.
type queueEntry struct {
	pid     int32
	current wire.Record
	// history holds every record received since the last processing
	// pass, oldest first; the newest is also current.
	history []wire.Record

	lastUsed    wire.Record
	hasLastUsed bool

	startup bool

	// hysteresis state
	lastOnP    bool
	hasLastOnP bool

	predictedCategory string
}

func newQueueEntry(pid int32) *queueEntry {
	return &queueEntry{
		pid:     pid,
		history: make([]wire.Record, 0, historyStart),
	}
}

// push folds a freshly received record into the entry.
func (e *queueEntry) push(rec wire.Record, startup bool) {
	if len(e.history) >= historyMax {
		copy(e.history, e.history[1:])
		e.history = e.history[:historyMax-1]
	}
	e.history = append(e.history, rec)
	e.current = rec
	e.startup = startup
}

// settle records the outcome of a processing pass: the (smoothed)
// record becomes the last-used term and the history restarts.
func (e *queueEntry) settle(used wire.Record) {
	e.startup = false
	e.lastUsed = used
	e.hasLastUsed = true
	e.current = used
	e.history = e.history[:0]
}

// queue is the daemon's table of observed PIDs, processed in insertion
// order. Single-threaded by construction: the daemon owns it outright.
type queue struct {
	entries []*queueEntry
	byPID   map[int32]*queueEntry
}

func newQueue() *queue {
	return &queue{
		byPID: make(map[int32]*queueEntry),
	}
}

// add creates or updates the entry for a PID. Returns false when the
// queue is at capacity and the PID is unknown.
func (q *queue) add(pid int32, rec wire.Record, startup bool) bool {
	if e, ok := q.byPID[pid]; ok {
		e.push(rec, startup)
		return true
	}
	if len(q.entries) >= MaxQueue {
		return false
	}
	e := newQueueEntry(pid)
	e.push(rec, startup)
	q.entries = append(q.entries, e)
	q.byPID[pid] = e
	return true
}

func (q *queue) remove(pid int32) {
	e, ok := q.byPID[pid]
	if !ok {
		return
	}
	delete(q.byPID, pid)
	for i, cand := range q.entries {
		if cand == e {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}
}

func (q *queue) size() int { return len(q.entries) }

// snapshotEntries returns the entries in insertion order for one
// processing pass; the slice is a copy so evictions mid-pass are safe.
func (q *queue) snapshotEntries() []*queueEntry {
	return append([]*queueEntry(nil), q.entries...)
}

// smoothRatios applies the exponential history smoothing: the current
// record weighs 1, each history record 1/2, 1/4, … (oldest first), and
// the optional last-used term takes the next weight; the sum is divided
// by the total weight. Non-finite components degrade to 0.
func smoothRatios(current wire.Ratios, history []wire.Ratios, lastUsed *wire.Ratios) wire.Ratios {
	denominator := 1.0
	weights := make([]float64, len(history))
	for i := range history {
		weights[i] = math.Ldexp(1, -(i + 1))
		denominator += weights[i]
	}
	lastWeight := 0.0
	if lastUsed != nil {
		lastWeight = math.Ldexp(1, -(len(history) + 1))
		denominator += lastWeight
	}

	acc := scaleRatios(current, 1.0)
	for i, h := range history {
		acc = addRatios(acc, scaleRatios(h, weights[i]))
	}
	if lastUsed != nil {
		acc = addRatios(acc, scaleRatios(*lastUsed, lastWeight))
	}

	return mapRatios(acc, func(v float64) float64 {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0
		}
		return v / denominator
	})
}

func scaleRatios(r wire.Ratios, w float64) wire.Ratios {
	return mapRatios(r, func(v float64) float64 { return v * w })
}

func addRatios(a, b wire.Ratios) wire.Ratios {
	return wire.Ratios{
		IPC:                 a.IPC + b.IPC,
		CacheMissRatio:      a.CacheMissRatio + b.CacheMissRatio,
		UopsPerCycle:        a.UopsPerCycle + b.UopsPerCycle,
		MemStallPerMemInst:  a.MemStallPerMemInst + b.MemStallPerMemInst,
		MemStallPerInst:     a.MemStallPerInst + b.MemStallPerInst,
		FaultRatePerMemInst: a.FaultRatePerMemInst + b.FaultRatePerMemInst,
		RCharPerCycle:       a.RCharPerCycle + b.RCharPerCycle,
		WCharPerCycle:       a.WCharPerCycle + b.WCharPerCycle,
		RBytesPerCycle:      a.RBytesPerCycle + b.RBytesPerCycle,
		WBytesPerCycle:      a.WBytesPerCycle + b.WBytesPerCycle,
	}
}

func mapRatios(r wire.Ratios, fn func(float64) float64) wire.Ratios {
	return wire.Ratios{
		IPC:                 fn(r.IPC),
		CacheMissRatio:      fn(r.CacheMissRatio),
		UopsPerCycle:        fn(r.UopsPerCycle),
		MemStallPerMemInst:  fn(r.MemStallPerMemInst),
		MemStallPerInst:     fn(r.MemStallPerInst),
		FaultRatePerMemInst: fn(r.FaultRatePerMemInst),
		RCharPerCycle:       fn(r.RCharPerCycle),
		WCharPerCycle:       fn(r.WCharPerCycle),
		RBytesPerCycle:      fn(r.RBytesPerCycle),
		WBytesPerCycle:      fn(r.WBytesPerCycle),
	}
}
