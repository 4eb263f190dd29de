// SPDX-FileCopyrightText: 2025 The Hybridsched Authors
// SPDX-License-Identifier: Apache-2.0

// Package resource tracks the threads of the target process and their
// /proc-derived state. Thread discovery polls /proc/<pid>/task; an
// appearing TID is a create event, a vanished one an exit event.
package resource

import (
	"errors"
	"sync"

	"github.com/K0toulas/hybridsched/internal/perf"
)

// MaxThreads bounds the registry. Threads beyond the limit are not
// monitored; the scheduler still sees the process as a whole.
const MaxThreads = 64

// ErrRegistryFull is returned by Alloc when all slots are active.
var ErrRegistryFull = errors.New("thread registry full")

// Thread is one slot of the registry. Slots are owned by the Registry
// and only touched under its lock; the sampler holds short-lived
// references during one iteration.
type Thread struct {
	TID    int
	Active bool

	// Session is the perf counter session for the thread's current core
	// class; nil until the sampler first sees the thread on a CPU.
	Session perf.SessionReader

	// CPUMask accumulates the CPUs the thread has been observed on.
	CPUMask uint64

	// I/O delta baseline
	PrevIO        IOCounters
	IOInitialized bool
}

// ResetIO clears the I/O baseline so the next observation starts fresh
// instead of producing a bogus delta.
func (t *Thread) ResetIO() {
	t.PrevIO = IOCounters{}
	t.IOInitialized = false
}

// Deactivate retires the slot in place. Callers inside ForEachActive use
// this instead of Registry.Deactivate, which would re-enter the lock.
func (t *Thread) Deactivate() {
	t.CloseSession()
	t.ResetIO()
	t.Active = false
}

// CloseSession closes and clears the perf session, if any.
func (t *Thread) CloseSession() {
	if t.Session != nil {
		_ = t.Session.Close()
		t.Session = nil
	}
}

// Registry is a bounded table of the target's threads. A single mutex
// serializes every mutation; sampling bursts are short and thread
// creation is comparatively rare, so a coarse lock is adequate.
type Registry struct {
	mu      sync.Mutex
	entries []*Thread
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make([]*Thread, 0, MaxThreads),
	}
}

// Alloc registers a thread, reusing an inactive slot when one exists and
// appending otherwise. Returns ErrRegistryFull at capacity.
func (r *Registry) Alloc(tid int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allocLocked(tid)
}

func (r *Registry) allocLocked(tid int) (int, error) {
	for i, th := range r.entries {
		if !th.Active {
			*th = Thread{TID: tid, Active: true}
			return i, nil
		}
	}
	if len(r.entries) >= MaxThreads {
		return -1, ErrRegistryFull
	}
	r.entries = append(r.entries, &Thread{TID: tid, Active: true})
	return len(r.entries) - 1, nil
}

// Find returns the slot index of an active thread, or -1.
func (r *Registry) Find(tid int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findLocked(tid)
}

func (r *Registry) findLocked(tid int) int {
	for i, th := range r.entries {
		if th.Active && th.TID == tid {
			return i
		}
	}
	return -1
}

// Deactivate closes the slot's session and marks it reusable.
func (r *Registry) Deactivate(idx int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx < 0 || idx >= len(r.entries) {
		return
	}
	th := r.entries[idx]
	th.CloseSession()
	th.ResetIO()
	th.Active = false
}

// Sync reconciles the registry against the TIDs currently present in the
// target: unseen TIDs are allocated, vanished ones deactivated. It
// returns the number of newly registered threads and whether the
// capacity limit was hit.
func (r *Registry) Sync(tids []int) (added int, full bool) {
	present := make(map[int]bool, len(tids))
	for _, tid := range tids {
		present[tid] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, th := range r.entries {
		if th.Active && !present[th.TID] {
			th.CloseSession()
			th.ResetIO()
			th.Active = false
		}
	}

	for _, tid := range tids {
		if r.findLocked(tid) >= 0 {
			continue
		}
		if _, err := r.allocLocked(tid); err != nil {
			full = true
			continue
		}
		added++
	}
	return added, full
}

// ForEachActive runs fn for every active slot while holding the
// registry lock. fn must not call back into the registry.
func (r *Registry) ForEachActive(fn func(idx int, th *Thread)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, th := range r.entries {
		if th.Active {
			fn(i, th)
		}
	}
}

// ActiveCount returns the number of active slots.
func (r *Registry) ActiveCount() int {
	n := 0
	r.ForEachActive(func(int, *Thread) { n++ })
	return n
}

// Len returns the number of slots ever allocated (active or not).
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close closes every session and deactivates all slots.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, th := range r.entries {
		th.CloseSession()
		th.Active = false
	}
}
