// SPDX-FileCopyrightText: 2025 The Hybridsched Authors
// SPDX-License-Identifier: Apache-2.0

// Package topology classifies logical CPUs of a hybrid processor as
// performance (P) or efficiency (E) cores and resolves the PMU type id of
// each class. Counter encodings are PMU specific, so every perf session
// must select the PMU matching the core its thread runs on.
package topology

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/K0toulas/hybridsched/internal/cpuset"
)

// CoreClass distinguishes the two CPU classes of a hybrid part.
type CoreClass int

const (
	ClassP CoreClass = iota
	ClassE
)

func (c CoreClass) String() string {
	if c == ClassP {
		return "P"
	}
	return "E"
}

const (
	// sysfs core_type values by common convention
	coreTypePerformance = 1
	coreTypeEfficiency  = 2

	// PMU type ids used when /sys/devices/{cpu_core,cpu_atom}/type is absent
	fallbackPMUTypeCore = 4
	fallbackPMUTypeAtom = 10

	// DefaultBoundary is the index-based classification fallback: CPUs below
	// the boundary are treated as P cores when sysfs gives no answer.
	DefaultBoundary = 8
)

// Topology holds the P/E partition of the administrator-configured coreset.
type Topology struct {
	logger *slog.Logger

	sysfsRoot string
	boundary  int

	coreset cpuset.Set
	pset    cpuset.Set
	eset    cpuset.Set

	classes map[int]CoreClass

	warnOnce sync.Once
}

// New enumerates the coreset and classifies each CPU in it.
func New(logger *slog.Logger, sysfsRoot, coreset string, boundary int) (*Topology, error) {
	if sysfsRoot == "" {
		sysfsRoot = "/sys"
	}
	if boundary <= 0 {
		boundary = DefaultBoundary
	}

	set, err := cpuset.ParseSet(coreset)
	if err != nil {
		return nil, fmt.Errorf("invalid coreset %q: %w", coreset, err)
	}

	t := &Topology{
		logger:    logger.With("service", "topology"),
		sysfsRoot: sysfsRoot,
		boundary:  boundary,
		coreset:   set,
		classes:   make(map[int]CoreClass),
	}

	var pcpus, ecpus []int
	for _, cpu := range set.CPUs() {
		class := t.classifySysfs(cpu)
		t.classes[cpu] = class
		if class == ClassP {
			pcpus = append(pcpus, cpu)
		} else {
			ecpus = append(ecpus, cpu)
		}
	}
	t.pset = cpuset.NewSet(pcpus)
	t.eset = cpuset.NewSet(ecpus)

	t.logger.Info("classified coreset",
		"coreset", set.String(), "pset", t.pset.String(), "eset", t.eset.String())
	return t, nil
}

// Classify returns the class of a CPU. CPUs outside the known coreset are
// classified on the fly.
func (t *Topology) Classify(cpu int) CoreClass {
	if class, ok := t.classes[cpu]; ok {
		return class
	}
	return t.classifySysfs(cpu)
}

// InCoreset reports whether the CPU belongs to the admin coreset.
func (t *Topology) InCoreset(cpu int) bool { return t.coreset.Contains(cpu) }

// Coreset returns the administrator-configured CPU set.
func (t *Topology) Coreset() cpuset.Set { return t.coreset }

// PSet returns the P cores of the coreset.
func (t *Topology) PSet() cpuset.Set { return t.pset }

// ESet returns the E cores of the coreset.
func (t *Topology) ESet() cpuset.Set { return t.eset }

// ClassSet returns the coreset restricted to one class.
func (t *Topology) ClassSet(class CoreClass) cpuset.Set {
	if class == ClassP {
		return t.pset
	}
	return t.eset
}

// PMUType resolves the kernel PMU type id of a class from
// /sys/devices/{cpu_core,cpu_atom}/type, with hardcoded fallbacks.
func (t *Topology) PMUType(class CoreClass) uint32 {
	name := "cpu_core"
	fallback := uint32(fallbackPMUTypeCore)
	if class == ClassE {
		name = "cpu_atom"
		fallback = fallbackPMUTypeAtom
	}

	raw, err := os.ReadFile(filepath.Join(t.sysfsRoot, "devices", name, "type"))
	if err != nil {
		return fallback
	}
	id, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || id < 0 {
		return fallback
	}
	return uint32(id)
}

// classifySysfs reads core_type, then thread_siblings_list, and finally
// falls back to the index boundary heuristic.
func (t *Topology) classifySysfs(cpu int) CoreClass {
	topoDir := filepath.Join(t.sysfsRoot, "devices", "system", "cpu",
		fmt.Sprintf("cpu%d", cpu), "topology")

	if raw, err := os.ReadFile(filepath.Join(topoDir, "core_type")); err == nil {
		switch coreType, _ := strconv.Atoi(strings.TrimSpace(string(raw))); coreType {
		case coreTypePerformance:
			return ClassP
		case coreTypeEfficiency:
			return ClassE
		}
	}

	if raw, err := os.ReadFile(filepath.Join(topoDir, "thread_siblings_list")); err == nil {
		// a sibling pair indicates an SMT-capable P core, a singleton an E core
		if strings.ContainsAny(strings.TrimSpace(string(raw)), ",-") {
			return ClassP
		}
		return ClassE
	}

	t.warnOnce.Do(func() {
		t.logger.Warn("cpu topology not readable, falling back to index heuristic",
			"sysfs", t.sysfsRoot, "boundary", t.boundary)
	})
	return t.boundaryClass(cpu)
}

func (t *Topology) boundaryClass(cpu int) CoreClass {
	if cpu < t.boundary {
		return ClassP
	}
	return ClassE
}
