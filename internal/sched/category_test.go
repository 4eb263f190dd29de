// SPDX-FileCopyrightText: 2025 The Hybridsched Authors
// SPDX-License-Identifier: Apache-2.0

package sched

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/K0toulas/hybridsched/config"
	"github.com/K0toulas/hybridsched/internal/cpuset"
	"github.com/K0toulas/hybridsched/internal/wire"
)

func testAllocator(t *testing.T) *categoryAllocator {
	t.Helper()
	pset, err := cpuset.ParseSet("0-7")
	require.NoError(t, err)
	eset, err := cpuset.ParseSet("8-15")
	require.NoError(t, err)

	cfg := config.DefaultConfig().Scheduler.Category
	return newCategoryAllocator(slog.New(slog.NewTextHandler(io.Discard, nil)), cfg, pset, eset)
}

func TestAllocateNoThreadsUsesStaticSets(t *testing.T) {
	a := testAllocator(t)
	masks := a.Allocate(CategoryCounts{})

	assert.Equal(t, "0-7", masks.Compute)
	assert.Equal(t, "8-15", masks.IO)
	assert.Equal(t, "0-7", masks.Memory)
}

func TestAllocateComputeOnlyGetsPCores(t *testing.T) {
	a := testAllocator(t)
	masks := a.Allocate(CategoryCounts{Compute: 8})

	cpus, err := cpuset.Parse(masks.Compute)
	require.NoError(t, err)
	assert.Contains(t, cpus, 0, "compute keeps the P cores")
	assert.Empty(t, masks.IO)
	assert.Empty(t, masks.Memory)
}

func TestAllocateIOPrefersECores(t *testing.T) {
	a := testAllocator(t)
	masks := a.Allocate(CategoryCounts{Compute: 4, IO: 4})

	ioCPUs, err := cpuset.Parse(masks.IO)
	require.NoError(t, err)
	for _, cpu := range ioCPUs {
		if cpu < 8 {
			// spillover is allowed only after all E cores are taken
			assert.GreaterOrEqual(t, len(ioCPUs), 8, "P core in io set implies E cores exhausted")
		}
	}
}

func TestAllocateDisjointMasks(t *testing.T) {
	a := testAllocator(t)
	masks := a.Allocate(CategoryCounts{Compute: 3, IO: 2, Memory: 8})

	seen := map[int]bool{}
	for _, coreset := range []string{masks.Compute, masks.IO, masks.Memory} {
		if coreset == "" {
			continue
		}
		cpus, err := cpuset.Parse(coreset)
		require.NoError(t, err)
		for _, cpu := range cpus {
			assert.False(t, seen[cpu], "cpu %d assigned twice", cpu)
			seen[cpu] = true
		}
	}
}

func TestAllocateMemoryFallback(t *testing.T) {
	a := testAllocator(t)
	// one memory thread: the >>2 down-weight zeroes its P share, compute
	// takes all P cores and I/O all E cores, so memory comes up empty and
	// the allocator falls back to the configured single CPU
	masks := a.Allocate(CategoryCounts{Compute: 1, IO: 16, Memory: 1})

	assert.NotEmpty(t, masks.Memory)
	assert.Equal(t, "1", masks.Memory)
}

func TestClassify(t *testing.T) {
	var probs [wire.NumClassifierSlots]float64

	probs[0], probs[1], probs[2] = 0.7, 0.2, 0.1
	assert.Equal(t, CategoryCompute, classify(probs))

	probs[0], probs[1], probs[2] = 0.1, 0.8, 0.1
	assert.Equal(t, CategoryIO, classify(probs))

	probs[0], probs[1], probs[2] = 0.2, 0.2, 0.6
	assert.Equal(t, CategoryMemory, classify(probs))

	// ties resolve to memory, the conservative middle ground
	probs[0], probs[1], probs[2] = 0.3, 0.3, 0.3
	assert.Equal(t, CategoryMemory, classify(probs))
}
