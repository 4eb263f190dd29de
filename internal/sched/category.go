// SPDX-FileCopyrightText: 2025 The Hybridsched Authors
// SPDX-License-Identifier: Apache-2.0

package sched

import (
	"log/slog"

	"github.com/K0toulas/hybridsched/config"
	"github.com/K0toulas/hybridsched/internal/cpuset"
	"github.com/K0toulas/hybridsched/internal/wire"
)

// Category is a coarse workload class produced by the pluggable
// classifier pathway.
type Category int

const (
	CategoryCompute Category = iota
	CategoryIO
	CategoryMemory
)

func (c Category) String() string {
	switch c {
	case CategoryCompute:
		return "Compute"
	case CategoryIO:
		return "I/O"
	default:
		return "Memory"
	}
}

// CategoryCounts is the number of threads currently attributed to each
// category across all tracked PIDs.
type CategoryCounts struct {
	Compute int
	IO      int
	Memory  int
}

func (c CategoryCounts) total() int { return c.Compute + c.IO + c.Memory }

// Masks are the coresets assigned to each category for one tick.
type Masks struct {
	Compute string
	IO      string
	Memory  string
}

func (m Masks) For(cat Category) string {
	switch cat {
	case CategoryCompute:
		return m.Compute
	case CategoryIO:
		return m.IO
	default:
		return m.Memory
	}
}

// categoryAllocator splits the machine between the three categories in
// proportion to their thread counts. P cores are shared between compute
// and memory; E cores go to I/O first and spill over as needed.
type categoryAllocator struct {
	logger *slog.Logger
	cfg    config.CategorySets

	pcores []int
	ecores []int

	prev Masks
}

func newCategoryAllocator(logger *slog.Logger, cfg config.CategorySets, pset, eset cpuset.Set) *categoryAllocator {
	return &categoryAllocator{
		logger: logger.With("service", "allocator"),
		cfg:    cfg,
		pcores: pset.CPUs(),
		ecores: eset.CPUs(),
		prev:   Masks{Compute: cfg.Compute, IO: cfg.IO, Memory: cfg.Memory},
	}
}

// Allocate computes the per-category coresets for the given thread
// counts. With no threads at all, the configured static sets apply.
func (a *categoryAllocator) Allocate(counts CategoryCounts) Masks {
	if counts.total() == 0 {
		masks := Masks{Compute: a.cfg.Compute, IO: a.cfg.IO, Memory: a.cfg.Memory}
		a.prev = masks
		return masks
	}

	totalCores := len(a.pcores) + len(a.ecores)

	activeCompute := counts.Compute > 0
	activeIO := counts.IO > 0
	activeMemory := counts.Memory > 0

	// memory threads are down-weighted so compute keeps more cores per
	// thread; memory-bound workloads saturate bandwidth long before cores
	effectiveCompute := counts.Compute
	effectiveMemory := counts.Memory >> 2
	effectiveIO := counts.IO
	totalEffective := effectiveCompute + effectiveMemory + effectiveIO
	if totalEffective == 0 {
		totalEffective = 1
	}

	activeClasses := 0
	for _, active := range []bool{activeCompute, activeIO, activeMemory} {
		if active {
			activeClasses++
		}
	}
	remaining := totalCores - activeClasses

	desired := func(active bool, effective int) int {
		if !active {
			return 0
		}
		return 1 + remaining*effective/totalEffective
	}
	desiredCompute := desired(activeCompute, effectiveCompute)
	desiredIO := desired(activeIO, effectiveIO)
	desiredMemory := desired(activeMemory, effectiveMemory)

	pcores := append([]int(nil), a.pcores...)
	ecores := append([]int(nil), a.ecores...)

	var computeCores, ioCores, memoryCores []int

	// split P cores between compute and memory in proportion
	if pWeight := effectiveCompute + effectiveMemory; pWeight > 0 {
		pCompute := len(pcores) * effectiveCompute / pWeight
		take := min(pCompute, len(pcores))
		computeCores = append(computeCores, pcores[:take]...)
		pcores = pcores[take:]
		desiredCompute = max(desiredCompute-take, 0)

		// memory takes the P cores compute did not
		take = len(pcores)
		if !activeMemory {
			take = 0
		}
		memoryCores = append(memoryCores, pcores[:take]...)
		pcores = pcores[take:]
		desiredMemory = max(desiredMemory-take, 0)
	}

	// E cores serve I/O first
	if activeIO && desiredIO > 0 {
		take := min(desiredIO, len(ecores))
		ioCores = append(ioCores, ecores[:take]...)
		ecores = ecores[take:]
		desiredIO -= take
	}
	// spillover: leftover P cores to I/O
	if activeIO && desiredIO > 0 && len(pcores) > 0 {
		take := min(desiredIO, len(pcores))
		ioCores = append(ioCores, pcores[:take]...)
		pcores = pcores[take:]
	}
	// leftover cores to compute, then memory
	if activeCompute && desiredCompute > 0 {
		take := min(desiredCompute, len(ecores))
		computeCores = append(computeCores, ecores[:take]...)
		ecores = ecores[take:]
	}
	if activeMemory && desiredMemory > 0 {
		take := min(desiredMemory, len(ecores))
		memoryCores = append(memoryCores, ecores[:take]...)
		ecores = ecores[take:]
	}

	masks := Masks{
		Compute: cpuset.Format(computeCores),
		IO:      cpuset.Format(ioCores),
		Memory:  cpuset.Format(memoryCores),
	}

	// configured single-CPU fallbacks when a class came up empty
	if masks.Compute == "" && activeCompute {
		masks.Compute = a.cfg.ComputeFallback
	}
	if masks.IO == "" && activeIO {
		masks.IO = a.cfg.IOFallback
	}
	if masks.Memory == "" && activeMemory {
		masks.Memory = a.cfg.MemoryFallback
	}

	if overlaps(computeCores, ioCores, memoryCores) {
		a.logger.Error("overlapping category coresets, keeping previous allocation",
			"compute", masks.Compute, "io", masks.IO, "memory", masks.Memory)
		return a.prev
	}

	a.logger.Debug("allocated category coresets",
		"compute", masks.Compute, "io", masks.IO, "memory", masks.Memory)
	a.prev = masks
	return masks
}

func overlaps(sets ...[]int) bool {
	seen := map[int]bool{}
	for _, set := range sets {
		for _, cpu := range set {
			if seen[cpu] {
				return true
			}
			seen[cpu] = true
		}
	}
	return false
}

// classify picks the category with the highest classifier probability.
// Slots 0..2 of the record carry compute, io and memory probabilities.
func classify(probs [wire.NumClassifierSlots]float64) Category {
	compute, io, memory := probs[0], probs[1], probs[2]
	switch {
	case compute > io && compute > memory:
		return CategoryCompute
	case io > compute && io > memory:
		return CategoryIO
	default:
		return CategoryMemory
	}
}
