// SPDX-FileCopyrightText: 2025 The Hybridsched Authors
// SPDX-License-Identifier: Apache-2.0

// Package perf owns the kernel performance-counter sessions of monitored
// threads. A session is valid only while its thread stays on one core
// class: the P and E PMUs encode the same logical event differently, so a
// migrating thread needs its counters reopened with the other class's
// encodings.
package perf

import (
	"golang.org/x/sys/unix"

	"github.com/K0toulas/hybridsched/internal/topology"
)

// LogicalEvent identifies one of the seven counters sampled per thread.
type LogicalEvent int

const (
	InstructionsRetired LogicalEvent = iota
	CoreCycles
	// MemoryInstructionsRetired is the sum of retired loads and stores; it
	// is backed by two kernel counters.
	MemoryInstructionsRetired
	// CacheLoadMiss is the L3 load miss count on P cores and the L2 load
	// miss count on E cores.
	CacheLoadMiss
	MemoryStallCycles
	PageFaults
	// UopsRetired is only supported by the E-core PMU.
	UopsRetired

	NumEvents int = iota
)

var eventNames = [NumEvents]string{
	"instructions_retired",
	"core_cycles",
	"memory_instructions_retired",
	"cache_load_miss",
	"memory_stall_cycles",
	"page_faults",
	"uops_retired",
}

func (e LogicalEvent) String() string {
	if int(e) < 0 || int(e) >= NumEvents {
		return "unknown"
	}
	return eventNames[e]
}

// Values holds one raw or delta sample of all logical events. Events
// absent on the session's PMU read as zero.
type Values [NumEvents]uint64

// Delta returns cur − prev element-wise.
func (cur Values) Delta(prev Values) Values {
	var d Values
	for i := range cur {
		d[i] = cur[i] - prev[i]
	}
	return d
}

// Add accumulates other into v element-wise.
func (v *Values) Add(other Values) {
	for i := range v {
		v[i] += other[i]
	}
}

// rawConfig packs an event/umask/cmask triple the way the perf_event_attr
// config field expects them for core PMU events.
func rawConfig(event, umask, cmask uint64) uint64 {
	return event | umask<<8 | cmask<<24
}

// attrsFor returns the perf_event_attr list backing a logical event on
// the given core class, or nil when the class's PMU does not support it.
// MemoryInstructionsRetired expands to two attrs (loads + stores).
func attrsFor(class topology.CoreClass, pmuType uint32, ev LogicalEvent) []unix.PerfEventAttr {
	if ev == PageFaults {
		return []unix.PerfEventAttr{newAttr(unix.PERF_TYPE_SOFTWARE, unix.PERF_COUNT_SW_PAGE_FAULTS)}
	}

	var configs []uint64
	switch ev {
	case InstructionsRetired:
		// INST_RETIRED.ANY
		configs = []uint64{rawConfig(0xC0, 0x00, 0)}
	case CoreCycles:
		// CPU_CLK_UNHALTED.THREAD / CORE
		configs = []uint64{rawConfig(0x3C, 0x00, 0)}
	case MemoryInstructionsRetired:
		// MEM_INST_RETIRED.ALL_LOADS + ALL_STORES (same encodings on both PMUs)
		configs = []uint64{rawConfig(0xD0, 0x81, 0), rawConfig(0xD0, 0x82, 0)}
	case CacheLoadMiss:
		if class == topology.ClassP {
			// MEM_LOAD_RETIRED.L3_MISS
			configs = []uint64{rawConfig(0xD1, 0x20, 0)}
		} else {
			// MEM_LOAD_UOPS_RETIRED.L2_MISS
			configs = []uint64{rawConfig(0xD1, 0x10, 0)}
		}
	case MemoryStallCycles:
		if class == topology.ClassP {
			// CYCLE_ACTIVITY.CYCLES_MEM_ANY
			configs = []uint64{rawConfig(0xA3, 0x10, 0x10)}
		} else {
			// MEM_BOUND_STALLS.LOAD
			configs = []uint64{rawConfig(0x34, 0x07, 0)}
		}
	case UopsRetired:
		if class == topology.ClassP {
			return nil
		}
		// UOPS_RETIRED.ALL
		configs = []uint64{rawConfig(0xC2, 0x00, 0)}
	default:
		return nil
	}

	attrs := make([]unix.PerfEventAttr, len(configs))
	for i, config := range configs {
		attrs[i] = newAttr(pmuType, config)
	}
	return attrs
}

func newAttr(pmuType uint32, config uint64) unix.PerfEventAttr {
	return unix.PerfEventAttr{
		Type:        pmuType,
		Size:        unix.PERF_ATTR_SIZE_VER7,
		Config:      config,
		Bits:        unix.PerfBitDisabled | unix.PerfBitExcludeHv,
		Read_format: unix.PERF_FORMAT_TOTAL_TIME_ENABLED | unix.PERF_FORMAT_TOTAL_TIME_RUNNING,
	}
}

// SupportedEvents lists the logical events a class's PMU can count.
func SupportedEvents(class topology.CoreClass) []LogicalEvent {
	events := make([]LogicalEvent, 0, NumEvents)
	for ev := LogicalEvent(0); int(ev) < NumEvents; ev++ {
		if ev == UopsRetired && class == topology.ClassP {
			continue
		}
		events = append(events, ev)
	}
	return events
}
