// SPDX-FileCopyrightText: 2025 The Hybridsched Authors
// SPDX-License-Identifier: Apache-2.0

package cpuset

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

// Set is an affinity mask built from a list of CPU indices.
type Set struct {
	cpus []int
	mask unix.CPUSet
}

// NewSet builds a Set from CPU indices.
func NewSet(cpus []int) Set {
	var mask unix.CPUSet
	for _, cpu := range cpus {
		mask.Set(cpu)
	}
	sorted := make([]int, len(cpus))
	copy(sorted, cpus)
	return Set{cpus: sorted, mask: mask}
}

// ParseSet parses a coreset string into a Set.
func ParseSet(coreset string) (Set, error) {
	cpus, err := Parse(coreset)
	if err != nil {
		return Set{}, err
	}
	return NewSet(cpus), nil
}

func (s Set) CPUs() []int { return append([]int(nil), s.cpus...) }

func (s Set) Contains(cpu int) bool { return s.mask.IsSet(cpu) }

func (s Set) Empty() bool { return s.mask.Count() == 0 }

func (s Set) String() string { return Format(s.cpus) }

// Controller applies affinity masks to processes and their tasks.
type Controller struct {
	logger *slog.Logger

	// procfs root, overridable for tests
	procRoot string
}

func NewController(logger *slog.Logger, procRoot string) *Controller {
	if procRoot == "" {
		procRoot = "/proc"
	}
	return &Controller{
		logger:   logger.With("service", "affinity"),
		procRoot: procRoot,
	}
}

// Apply sets the affinity mask of a single PID or TID.
func (c *Controller) Apply(pid int, set Set) error {
	if set.Empty() {
		return fmt.Errorf("empty cpu set for pid %d", pid)
	}
	if err := unix.SchedSetaffinity(pid, &set.mask); err != nil {
		return fmt.Errorf("sched_setaffinity pid %d: %w", pid, err)
	}
	c.logger.Debug("pinned", "pid", pid, "coreset", set.String())
	return nil
}

// ApplyProcess sets the affinity mask of a PID and of every task listed
// under /proc/<pid>/task. Tasks that vanish mid-walk are skipped.
func (c *Controller) ApplyProcess(pid int, set Set) error {
	if err := c.Apply(pid, set); err != nil {
		return err
	}

	tids, err := c.Tasks(pid)
	if err != nil {
		return fmt.Errorf("listing tasks of pid %d: %w", pid, err)
	}
	for _, tid := range tids {
		if tid == pid {
			continue
		}
		if err := c.Apply(tid, set); err != nil {
			// thread exit races are expected here
			c.logger.Debug("skipping task", "tid", tid, "error", err)
		}
	}
	return nil
}

// Tasks lists the TIDs of a process.
func (c *Controller) Tasks(pid int) ([]int, error) {
	entries, err := os.ReadDir(filepath.Join(c.procRoot, strconv.Itoa(pid), "task"))
	if err != nil {
		return nil, err
	}
	tids := make([]int, 0, len(entries))
	for _, e := range entries {
		tid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		tids = append(tids, tid)
	}
	return tids, nil
}

// Verify re-reads the actual affinity of a PID and logs it.
func (c *Controller) Verify(pid int) (Set, error) {
	var mask unix.CPUSet
	if err := unix.SchedGetaffinity(pid, &mask); err != nil {
		return Set{}, fmt.Errorf("sched_getaffinity pid %d: %w", pid, err)
	}

	var cpus []int
	for cpu := 0; cpu < MaxCPUs; cpu++ {
		if mask.IsSet(cpu) {
			cpus = append(cpus, cpu)
		}
	}
	actual := NewSet(cpus)
	c.logger.Info("affinity verified", "pid", pid, "coreset", actual.String())
	return actual, nil
}
