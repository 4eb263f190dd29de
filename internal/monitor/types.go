// SPDX-FileCopyrightText: 2025 The Hybridsched Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"github.com/K0toulas/hybridsched/internal/perf"
	"github.com/K0toulas/hybridsched/internal/resource"
	"github.com/K0toulas/hybridsched/internal/wire"
)

// Window is one completed sampling window: the wire record plus the
// split-mode P-only and E-only buckets that only the training dataset
// consumes.
type Window struct {
	Record wire.Record

	// per-class buckets, filled in every mode; the per-class ratios are
	// only computed in split mode and stay zero otherwise
	PTotals [wire.NumCounters]int64
	ETotals [wire.NumCounters]int64
	PIO     resource.IOCounters
	EIO     resource.IOCounters
	PRatios wire.Ratios
	ERatios wire.Ratios
}

// counterTotals maps the per-session event deltas into the wire
// counter order.
func counterTotals(d perf.Values) [wire.NumCounters]int64 {
	var t [wire.NumCounters]int64
	t[wire.CounterInstructions] = int64(d[perf.InstructionsRetired])
	t[wire.CounterCacheMisses] = int64(d[perf.CacheLoadMiss])
	t[wire.CounterCycles] = int64(d[perf.CoreCycles])
	t[wire.CounterMemInstructions] = int64(d[perf.MemoryInstructionsRetired])
	t[wire.CounterPageFaults] = int64(d[perf.PageFaults])
	t[wire.CounterMemStallCycles] = int64(d[perf.MemoryStallCycles])
	t[wire.CounterUopsRetired] = int64(d[perf.UopsRetired])
	return t
}

func addTotals(dst *[wire.NumCounters]int64, src [wire.NumCounters]int64) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// safeDiv implements the ratio guard: 0 when the denominator is 0, so
// ratios are finite for any nonnegative input.
func safeDiv(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

// computeRatios derives the window ratios from counter totals and the
// window's I/O deltas. A ratio that depends on an event missing on the
// PMU (uops on P cores) evaluates to 0.
func computeRatios(totals [wire.NumCounters]int64, io wire.IODeltas) wire.Ratios {
	inst := float64(totals[wire.CounterInstructions])
	misses := float64(totals[wire.CounterCacheMisses])
	cycles := float64(totals[wire.CounterCycles])
	memInst := float64(totals[wire.CounterMemInstructions])
	faults := float64(totals[wire.CounterPageFaults])
	memStall := float64(totals[wire.CounterMemStallCycles])
	uops := float64(totals[wire.CounterUopsRetired])

	return wire.Ratios{
		IPC:                 safeDiv(inst, cycles),
		CacheMissRatio:      safeDiv(misses, memInst),
		UopsPerCycle:        safeDiv(uops, cycles),
		MemStallPerMemInst:  safeDiv(memStall, memInst),
		MemStallPerInst:     safeDiv(memStall, inst),
		FaultRatePerMemInst: safeDiv(faults, memInst),
		RCharPerCycle:       safeDiv(float64(io.RChar), cycles),
		WCharPerCycle:       safeDiv(float64(io.WChar), cycles),
		RBytesPerCycle:      safeDiv(float64(io.ReadBytes), cycles),
		WBytesPerCycle:      safeDiv(float64(io.WriteBytes), cycles),
	}
}

func ioDeltas(c resource.IOCounters) wire.IODeltas {
	return wire.IODeltas{
		RChar:      c.RChar,
		WChar:      c.WChar,
		SyscR:      c.SyscR,
		SyscW:      c.SyscW,
		ReadBytes:  c.ReadBytes,
		WriteBytes: c.WriteBytes,
	}
}
