// SPDX-FileCopyrightText: 2025 The Hybridsched Authors
// SPDX-License-Identifier: Apache-2.0

package resource

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/prometheus/procfs"
)

// IOCounters mirrors the six fields of /proc/<pid>/io (and the per-task
// equivalent). Values are absolute; callers compute deltas against their
// stored previous snapshot.
type IOCounters struct {
	RChar      uint64
	WChar      uint64
	SyscR      uint64
	SyscW      uint64
	ReadBytes  uint64
	WriteBytes uint64
}

// Delta returns cur − prev field-wise.
func (cur IOCounters) Delta(prev IOCounters) IOCounters {
	return IOCounters{
		RChar:      cur.RChar - prev.RChar,
		WChar:      cur.WChar - prev.WChar,
		SyscR:      cur.SyscR - prev.SyscR,
		SyscW:      cur.SyscW - prev.SyscW,
		ReadBytes:  cur.ReadBytes - prev.ReadBytes,
		WriteBytes: cur.WriteBytes - prev.WriteBytes,
	}
}

// Add accumulates other into c field-wise.
func (c *IOCounters) Add(other IOCounters) {
	c.RChar += other.RChar
	c.WChar += other.WChar
	c.SyscR += other.SyscR
	c.SyscW += other.SyscW
	c.ReadBytes += other.ReadBytes
	c.WriteBytes += other.WriteBytes
}

// ProcReader is the sampler's view of the target process in /proc.
// Tests substitute fakes; the procfs implementation below is the only
// production one.
type ProcReader interface {
	// Threads lists the TIDs currently present under task/.
	Threads() ([]int, error)
	// CPUOf returns the CPU the thread last ran on (stat field 39).
	CPUOf(tid int) (int, error)
	// ProcessIO reads the process-wide I/O counters.
	ProcessIO() (IOCounters, error)
	// ThreadIO reads one thread's I/O counters.
	ThreadIO(tid int) (IOCounters, error)
	// Alive reports whether the target process still exists.
	Alive() bool
}

// procFSReader implements ProcReader on top of prometheus/procfs.
type procFSReader struct {
	fs   procfs.FS
	root string
	pid  int
}

var _ ProcReader = (*procFSReader)(nil)

// NewProcReader opens a reader for one target PID rooted at procfsPath
// (normally "/proc").
func NewProcReader(procfsPath string, pid int) (ProcReader, error) {
	if procfsPath == "" {
		procfsPath = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(procfsPath)
	if err != nil {
		return nil, fmt.Errorf("opening procfs at %s: %w", procfsPath, err)
	}
	return &procFSReader{fs: fs, root: procfsPath, pid: pid}, nil
}

func (r *procFSReader) Threads() ([]int, error) {
	entries, err := os.ReadDir(filepath.Join(r.root, strconv.Itoa(r.pid), "task"))
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
	sort.Ints(tids)
	return tids, nil
}

func (r *procFSReader) CPUOf(tid int) (int, error) {
	proc, err := r.fs.Thread(r.pid, tid)
	if err != nil {
		return -1, err
	}
	stat, err := proc.Stat()
	if err != nil {
		return -1, err
	}
	return int(stat.Processor), nil
}

func (r *procFSReader) ProcessIO() (IOCounters, error) {
	proc, err := r.fs.Proc(r.pid)
	if err != nil {
		return IOCounters{}, err
	}
	return r.readIO(proc)
}

func (r *procFSReader) ThreadIO(tid int) (IOCounters, error) {
	proc, err := r.fs.Thread(r.pid, tid)
	if err != nil {
		return IOCounters{}, err
	}
	return r.readIO(proc)
}

func (r *procFSReader) readIO(proc procfs.Proc) (IOCounters, error) {
	io, err := proc.IO()
	if err != nil {
		return IOCounters{}, err
	}
	return IOCounters{
		RChar:      io.RChar,
		WChar:      io.WChar,
		SyscR:      io.SyscR,
		SyscW:      io.SyscW,
		ReadBytes:  io.ReadBytes,
		WriteBytes: io.WriteBytes,
	}, nil
}

func (r *procFSReader) Alive() bool {
	_, err := os.Stat(filepath.Join(r.root, strconv.Itoa(r.pid)))
	return err == nil
}
