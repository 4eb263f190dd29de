// SPDX-FileCopyrightText: 2025 The Hybridsched Authors
// SPDX-License-Identifier: Apache-2.0

package perf

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/K0toulas/hybridsched/internal/topology"
)

// SessionReader is the sampling-facing view of a Session. The window
// sampler only ever needs the class the session was opened for and the
// per-tick deltas; tests substitute in-memory fakes.
type SessionReader interface {
	Class() topology.CoreClass
	ReadDelta(out *Values) error
	Close() error
}

// Session owns up to seven kernel counters for one thread, configured
// with the encodings of the thread's current core class. The counters
// follow the thread (cpu = -1); only the encodings are class-bound.
type Session struct {
	logger *slog.Logger

	tid     int
	class   topology.CoreClass
	lastCPU int

	// fds[event] holds zero, one or two descriptors; empty means the
	// event is unsupported on this class and reads as zero.
	fds [NumEvents][]int

	prev   Values
	opened bool
}

var _ SessionReader = (*Session)(nil)

// OpenSession creates counters for every supported logical event of the
// class. Events the PMU rejects are left absent; the session opens as
// long as at least one counter could be created.
func OpenSession(logger *slog.Logger, tid, cpuHint int, class topology.CoreClass, pmuType uint32) (*Session, error) {
	s := &Session{
		logger:  logger,
		tid:     tid,
		class:   class,
		lastCPU: cpuHint,
	}

	total := 0
	for ev := LogicalEvent(0); int(ev) < NumEvents; ev++ {
		attrs := attrsFor(class, pmuType, ev)
		if attrs == nil {
			s.logger.Debug("event unsupported on class, skipping",
				"tid", tid, "event", ev.String(), "class", class.String())
			continue
		}
		for i := range attrs {
			fd, err := unix.PerfEventOpen(&attrs[i], tid, -1, -1, unix.PERF_FLAG_FD_CLOEXEC)
			if err != nil {
				s.logger.Debug("perf_event_open failed, counting event as zero",
					"tid", tid, "event", ev.String(), "error", err)
				continue
			}
			s.fds[ev] = append(s.fds[ev], fd)
			total++
		}
	}

	if total == 0 {
		s.Close()
		return nil, fmt.Errorf("no counters could be opened for tid %d on class %s", tid, class)
	}

	s.opened = true
	return s, nil
}

func (s *Session) TID() int { return s.tid }

func (s *Session) Class() topology.CoreClass { return s.class }

func (s *Session) LastCPU() int { return s.lastCPU }

// ObserveCPU records the CPU the thread was last seen on.
func (s *Session) ObserveCPU(cpu int) { s.lastCPU = cpu }

// Start resets and enables every counter and establishes the delta
// baseline, so the first ReadDelta after Start reports only activity
// since Start.
func (s *Session) Start() error {
	if !s.opened {
		return fmt.Errorf("session for tid %d is closed", s.tid)
	}
	s.forEachFD(func(fd int) {
		_ = unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_RESET, 0)
		_ = unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_ENABLE, 0)
	})

	var baseline Values
	s.readRaw(&baseline)
	s.prev = baseline
	return nil
}

// ReadRaw reads the cumulative counter values. Counters that fail to
// read produce zero in their slot.
func (s *Session) ReadRaw(out *Values) error {
	if !s.opened {
		return fmt.Errorf("session for tid %d is closed", s.tid)
	}
	s.forEachFD(func(fd int) {
		_ = unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_DISABLE, 0)
	})
	s.readRaw(out)
	s.forEachFD(func(fd int) {
		_ = unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_ENABLE, 0)
	})
	return nil
}

// ReadDelta reads the counters and returns the difference against the
// previous read, advancing the baseline.
func (s *Session) ReadDelta(out *Values) error {
	var cur Values
	if err := s.ReadRaw(&cur); err != nil {
		return err
	}
	*out = cur.Delta(s.prev)
	s.prev = cur
	return nil
}

// Close releases all descriptors. It is idempotent.
func (s *Session) Close() error {
	for ev := range s.fds {
		for _, fd := range s.fds[ev] {
			_ = unix.Close(fd)
		}
		s.fds[ev] = nil
	}
	s.opened = false
	return nil
}

func (s *Session) forEachFD(fn func(fd int)) {
	for ev := range s.fds {
		for _, fd := range s.fds[ev] {
			fn(fd)
		}
	}
}

// readRaw accumulates the counter values per logical event. The read
// format includes time_enabled and time_running, so each counter yields
// three u64s; only the value is used.
func (s *Session) readRaw(out *Values) {
	var buf [24]byte
	for ev := range s.fds {
		var sum uint64
		for _, fd := range s.fds[ev] {
			n, err := unix.Read(fd, buf[:])
			if err != nil || n < 8 {
				continue
			}
			sum += binary.NativeEndian.Uint64(buf[:8])
		}
		out[ev] = sum
	}
}
