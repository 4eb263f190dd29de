// SPDX-FileCopyrightText: 2025 The Hybridsched Authors
// SPDX-License-Identifier: Apache-2.0

package sched

import "sync"

// Stats is the daemon's observable state, consumed by the Prometheus
// exporter. The daemon itself is single-threaded; the mutex only guards
// against concurrent scrapes.
type Stats struct {
	mu sync.RWMutex

	queueSize     int
	decisions     map[string]uint64 // coreset label -> count
	evictions     uint64
	recordsTotal  uint64
	startupsTotal uint64
	lastYP        float64
	lastYE        float64
}

func NewStats() *Stats {
	return &Stats{
		decisions: make(map[string]uint64),
	}
}

func (s *Stats) observeRecord(startup bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordsTotal++
	if startup {
		s.startupsTotal++
	}
}

func (s *Stats) observeDecision(chosen string, yP, yE float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions[chosen]++
	s.lastYP = yP
	s.lastYE = yE
}

func (s *Stats) observeEviction() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictions++
}

func (s *Stats) setQueueSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queueSize = n
}

// Snapshot returns a copy for exporters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	decisions := make(map[string]uint64, len(s.decisions))
	for k, v := range s.decisions {
		decisions[k] = v
	}
	return StatsSnapshot{
		QueueSize:     s.queueSize,
		Decisions:     decisions,
		Evictions:     s.evictions,
		RecordsTotal:  s.recordsTotal,
		StartupsTotal: s.startupsTotal,
		LastYP:        s.lastYP,
		LastYE:        s.lastYE,
	}
}

type StatsSnapshot struct {
	QueueSize     int
	Decisions     map[string]uint64
	Evictions     uint64
	RecordsTotal  uint64
	StartupsTotal uint64
	LastYP        float64
	LastYE        float64
}
