// SPDX-FileCopyrightText: 2025 The Hybridsched Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/K0toulas/hybridsched/config"
	"github.com/K0toulas/hybridsched/internal/cpuset"
	"github.com/K0toulas/hybridsched/internal/perf"
	"github.com/K0toulas/hybridsched/internal/resource"
	"github.com/K0toulas/hybridsched/internal/topology"
	"github.com/K0toulas/hybridsched/internal/wire"
)

const testPID = 1000

// fakeProcReader scripts the target's /proc state.
type fakeProcReader struct {
	mu      sync.Mutex
	alive   bool
	tids    []int
	cpus    map[int]int // tid -> cpu; missing entry = unreadable stat
	io      map[int]resource.IOCounters
	procIO  resource.IOCounters
	ioError map[int]bool
}

func newFakeProcReader() *fakeProcReader {
	return &fakeProcReader{
		alive:   true,
		tids:    []int{testPID},
		cpus:    map[int]int{testPID: 0},
		io:      map[int]resource.IOCounters{},
		ioError: map[int]bool{},
	}
}

func (f *fakeProcReader) Threads() ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.alive {
		return nil, errors.New("no such process")
	}
	return append([]int(nil), f.tids...), nil
}

func (f *fakeProcReader) CPUOf(tid int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cpu, ok := f.cpus[tid]
	if !ok {
		return -1, errors.New("stat: no such file or directory")
	}
	return cpu, nil
}

func (f *fakeProcReader) ProcessIO() (resource.IOCounters, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procIO, nil
}

func (f *fakeProcReader) ThreadIO(tid int) (resource.IOCounters, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ioError[tid] {
		return resource.IOCounters{}, errors.New("io: no such file or directory")
	}
	return f.io[tid], nil
}

func (f *fakeProcReader) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeProcReader) setThread(tid, cpu int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	found := false
	for _, t := range f.tids {
		if t == tid {
			found = true
		}
	}
	if !found {
		f.tids = append(f.tids, tid)
	}
	f.cpus[tid] = cpu
}

func (f *fakeProcReader) removeThread(tid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tids := f.tids[:0]
	for _, t := range f.tids {
		if t != tid {
			tids = append(tids, t)
		}
	}
	f.tids = tids
	delete(f.cpus, tid)
}

// fakeSession returns a scripted delta per ReadDelta call.
type fakeSession struct {
	class  topology.CoreClass
	delta  perf.Values
	reads  int
	closed bool
}

func (s *fakeSession) Class() topology.CoreClass { return s.class }

func (s *fakeSession) ReadDelta(out *perf.Values) error {
	s.reads++
	*out = s.delta
	return nil
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

// sessionFactory hands out fakeSessions and remembers them per tid.
type sessionFactory struct {
	mu       sync.Mutex
	delta    perf.Values
	sessions map[int][]*fakeSession
	failFor  map[int]bool
}

func newSessionFactory(delta perf.Values) *sessionFactory {
	return &sessionFactory{
		delta:    delta,
		sessions: map[int][]*fakeSession{},
		failFor:  map[int]bool{},
	}
}

func (f *sessionFactory) opener() SessionOpener {
	return func(tid, cpuHint int, class topology.CoreClass) (perf.SessionReader, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failFor[tid] {
			return nil, errors.New("perf_event_open: permission denied")
		}
		s := &fakeSession{class: class, delta: f.delta}
		f.sessions[tid] = append(f.sessions[tid], s)
		return s, nil
	}
}

func (f *sessionFactory) sessionsFor(tid int) []*fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeSession(nil), f.sessions[tid]...)
}

// fakeSender captures emitted records.
type fakeSender struct {
	mu      sync.Mutex
	records []wire.Message
	err     error
}

func (f *fakeSender) Send(pid int, startup bool, rec *wire.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	msg := wire.Message{PID: int32(pid), Record: *rec}
	if startup {
		msg.Startup = 1
	}
	f.records = append(f.records, msg)
	return nil
}

func (f *fakeSender) last(t *testing.T) wire.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.records)
	return f.records[len(f.records)-1]
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

// fakeAffinity records Apply calls.
type fakeAffinity struct {
	mu      sync.Mutex
	applied []string
}

func (f *fakeAffinity) Apply(pid int, set cpuset.Set) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, fmt.Sprintf("%d:%s", pid, set.String()))
	return nil
}

func testTopology(t *testing.T) *topology.Topology {
	t.Helper()
	// empty sysfs tree: the index boundary classifies 0-7 as P, 8-15 as E
	topo, err := topology.New(testLogger(), t.TempDir(), "0-15", 8)
	require.NoError(t, err)
	return topo
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type samplerEnv struct {
	reader  *fakeProcReader
	factory *sessionFactory
	sender  *fakeSender
	aff     *fakeAffinity
	clock   *clocktesting.FakeClock
	ws      *WindowSampler
}

func newSamplerEnv(t *testing.T, opts ...OptionFn) *samplerEnv {
	t.Helper()
	env := &samplerEnv{
		reader:  newFakeProcReader(),
		factory: newSessionFactory(perf.Values{1000, 500, 200, 10, 2, 50, 300}),
		sender:  &fakeSender{},
		aff:     &fakeAffinity{},
		clock:   clocktesting.NewFakeClock(time.Now()),
	}

	allOpts := append([]OptionFn{
		WithLogger(testLogger()),
		WithClock(env.clock),
	}, opts...)

	ws, err := NewWindowSampler(testPID, testTopology(t), env.reader,
		env.sender, env.factory.opener(), env.aff, allOpts...)
	require.NoError(t, err)
	env.ws = ws
	return env
}

func (e *samplerEnv) tick(t *testing.T, d time.Duration) {
	t.Helper()
	e.clock.Step(d)
	require.NoError(t, e.ws.Sample())
}

func TestInitSendsStartupRecord(t *testing.T) {
	env := newSamplerEnv(t)
	require.NoError(t, env.ws.Init())

	msg := env.sender.last(t)
	assert.Equal(t, int32(testPID), msg.PID)
	assert.Equal(t, int32(1), msg.Startup)
	assert.Equal(t, wire.Record{}, msg.Record, "startup record carries no data")
}

func TestFirstTickIsBaselineOnly(t *testing.T) {
	env := newSamplerEnv(t)
	require.NoError(t, env.ws.Init())

	env.tick(t, 100*time.Millisecond)
	msg := env.sender.last(t)
	assert.Zero(t, msg.Record.CounterTotals[wire.CounterInstructions],
		"first sight of a thread only opens its session")
	assert.Equal(t, int32(1), msg.Record.HWThreadCount)

	env.tick(t, 100*time.Millisecond)
	msg = env.sender.last(t)
	assert.Equal(t, int64(1000), msg.Record.CounterTotals[wire.CounterInstructions])
	assert.Equal(t, int64(500), msg.Record.CounterTotals[wire.CounterCycles])
	assert.Equal(t, int64(200), msg.Record.CounterTotals[wire.CounterMemInstructions])
}

func TestMigrationYieldsBaselineOnlyTick(t *testing.T) {
	env := newSamplerEnv(t)
	require.NoError(t, env.ws.Init())
	env.reader.setThread(1001, 2) // second thread on a P core

	env.tick(t, 100*time.Millisecond) // baseline for both
	env.tick(t, 100*time.Millisecond) // both contribute

	// thread 1001 migrates P -> E
	env.reader.setThread(1001, 11)
	env.tick(t, 100*time.Millisecond)

	// old session closed, a new one opened for class E
	sessions := env.factory.sessionsFor(1001)
	require.Len(t, sessions, 2)
	assert.True(t, sessions[0].closed)
	assert.Equal(t, topology.ClassP, sessions[0].class)
	assert.Equal(t, topology.ClassE, sessions[1].class)

	// the migrated thread contributed nothing this window; the other did
	msg := env.sender.last(t)
	assert.Equal(t, int64(1000), msg.Record.CounterTotals[wire.CounterInstructions])

	// next tick both contribute again
	env.tick(t, 100*time.Millisecond)
	msg = env.sender.last(t)
	assert.Equal(t, int64(2000), msg.Record.CounterTotals[wire.CounterInstructions])
}

func TestThreadExitMidSampling(t *testing.T) {
	env := newSamplerEnv(t)
	require.NoError(t, env.ws.Init())
	env.reader.setThread(1001, 3)

	env.tick(t, 100*time.Millisecond)

	// stat vanishes but the task listing still contains the tid
	env.reader.mu.Lock()
	delete(env.reader.cpus, 1001)
	env.reader.mu.Unlock()

	env.tick(t, 100*time.Millisecond)
	msg := env.sender.last(t)
	assert.Equal(t, int32(1), msg.Record.HWThreadCount, "exited thread is not counted")

	sessions := env.factory.sessionsFor(1001)
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].closed, "exited thread's session must be closed")
}

func TestThreadOutsideCoresetDeactivated(t *testing.T) {
	env := newSamplerEnv(t)
	require.NoError(t, env.ws.Init())
	env.reader.setThread(1001, 20) // outside 0-15

	env.tick(t, 100*time.Millisecond)
	msg := env.sender.last(t)
	assert.Equal(t, int32(1), msg.Record.HWThreadCount)
}

func TestSplitModeTotalsPartition(t *testing.T) {
	env := newSamplerEnv(t, WithMode(config.ModeSplit))
	require.NoError(t, env.ws.Init())
	env.reader.setThread(1001, 2)  // P
	env.reader.setThread(1002, 10) // E

	env.tick(t, 100*time.Millisecond) // baselines
	env.tick(t, 100*time.Millisecond)

	// main thread on CPU 0 (P) + 1001 (P) + 1002 (E)
	msg := env.sender.last(t)
	assert.Equal(t, int64(3000), msg.Record.CounterTotals[wire.CounterInstructions])
	assert.Equal(t, int32(2), msg.Record.PThreadCount)
	assert.Equal(t, int32(2), msg.Record.PCoreCount)
	assert.Equal(t, int32(1), msg.Record.ECoreCount)
	assert.Equal(t, int32(3), msg.Record.TotalCores)
}

func TestCoreCountsAreUniquePerWindow(t *testing.T) {
	env := newSamplerEnv(t)
	require.NoError(t, env.ws.Init())
	env.reader.setThread(1001, 0) // same P core as the main thread

	env.tick(t, 100*time.Millisecond)
	msg := env.sender.last(t)
	assert.Equal(t, int32(2), msg.Record.PThreadCount)
	assert.Equal(t, int32(1), msg.Record.PCoreCount, "two threads on one core count it once")
}

func TestRatiosZeroOnZeroDenominator(t *testing.T) {
	env := newSamplerEnv(t)
	env.factory.delta = perf.Values{} // all-zero deltas
	require.NoError(t, env.ws.Init())

	env.tick(t, 100*time.Millisecond)
	env.tick(t, 100*time.Millisecond)

	r := env.sender.last(t).Record.Ratios
	for name, v := range map[string]float64{
		"IPC": r.IPC, "CMR": r.CacheMissRatio, "UopsPerCycle": r.UopsPerCycle,
		"MemStallPerMemInst": r.MemStallPerMemInst, "MemStallPerInst": r.MemStallPerInst,
		"FaultRate": r.FaultRatePerMemInst, "RCharPerCycle": r.RCharPerCycle,
	} {
		assert.Zero(t, v, "%s must be 0 when its denominator is 0", name)
	}
}

func TestDTMSTracksClock(t *testing.T) {
	env := newSamplerEnv(t)
	require.NoError(t, env.ws.Init())

	env.tick(t, 100*time.Millisecond)
	first := env.sender.last(t).Record
	assert.Equal(t, 100.0, first.ExecTimeMS)
	assert.Zero(t, first.DTMS, "first window has no previous tick")

	env.tick(t, 150*time.Millisecond)
	second := env.sender.last(t).Record
	assert.Equal(t, 250.0, second.ExecTimeMS)
	assert.Equal(t, 150.0, second.DTMS)
}

func TestSenderFailureDropsSample(t *testing.T) {
	// a dropped startup notification is non-fatal
	env := newSamplerEnv(t)
	env.sender.err = errors.New("connection refused")
	require.NoError(t, env.ws.Init())

	// and socket errors during sampling must not stop the loop
	env.clock.Step(100 * time.Millisecond)
	assert.NoError(t, env.ws.Sample())

	// once the daemon is back, records flow again
	env.sender.err = nil
	env.tick(t, 100*time.Millisecond)
	assert.Positive(t, env.sender.count())
}

func TestTargetExitStopsSampling(t *testing.T) {
	env := newSamplerEnv(t)
	require.NoError(t, env.ws.Init())

	env.reader.mu.Lock()
	env.reader.alive = false
	env.reader.mu.Unlock()

	env.clock.Step(100 * time.Millisecond)
	assert.ErrorIs(t, env.ws.Sample(), ErrTargetExited)
}

func TestMainModeRestrictsToMainThread(t *testing.T) {
	env := newSamplerEnv(t, WithMode(config.ModeMain))
	require.NoError(t, env.ws.Init())
	env.reader.setThread(1001, 2)

	env.tick(t, 100*time.Millisecond)
	assert.Empty(t, env.factory.sessionsFor(1001), "main mode ignores worker threads")
	assert.NotEmpty(t, env.factory.sessionsFor(testPID))
}

func TestTrainingRepinsEveryWindow(t *testing.T) {
	env := newSamplerEnv(t, WithTraining(config.Training{Enabled: true, Force: "E"}))
	require.NoError(t, env.ws.Init())

	env.aff.mu.Lock()
	initial := len(env.aff.applied)
	env.aff.mu.Unlock()
	require.Positive(t, initial, "Init pins the target process")

	env.reader.setThread(1001, 9)
	env.tick(t, 100*time.Millisecond)

	env.aff.mu.Lock()
	defer env.aff.mu.Unlock()
	assert.Contains(t, env.aff.applied, "1000:8-15")
	assert.Contains(t, env.aff.applied, "1001:8-15")
}

func TestTrainingForcedSetMustNotBeEmpty(t *testing.T) {
	// coreset with no E cores, forcing E
	topo, err := topology.New(testLogger(), t.TempDir(), "0-7", 8)
	require.NoError(t, err)

	_, err = NewWindowSampler(testPID, topo, newFakeProcReader(),
		&fakeSender{}, newSessionFactory(perf.Values{}).opener(), &fakeAffinity{},
		WithLogger(testLogger()),
		WithTraining(config.Training{Enabled: true, Force: "E"}))
	require.Error(t, err)
	assert.ErrorContains(t, err, "no CPUs")
}

func TestSessionOpenFailureRetriesNextTick(t *testing.T) {
	env := newSamplerEnv(t)
	require.NoError(t, env.ws.Init())
	env.factory.mu.Lock()
	env.factory.failFor[testPID] = true
	env.factory.mu.Unlock()

	env.tick(t, 100*time.Millisecond)
	assert.Empty(t, env.factory.sessionsFor(testPID))

	env.factory.mu.Lock()
	env.factory.failFor[testPID] = false
	env.factory.mu.Unlock()

	env.tick(t, 100*time.Millisecond)
	assert.Len(t, env.factory.sessionsFor(testPID), 1, "open retried on the next tick")
}

func TestThreadLimit(t *testing.T) {
	env := newSamplerEnv(t)
	require.NoError(t, env.ws.Init())

	for i := 0; i < resource.MaxThreads+10; i++ {
		env.reader.setThread(2000+i, i%16)
	}
	env.tick(t, 100*time.Millisecond)

	assert.Equal(t, resource.MaxThreads, env.ws.Registry().Len(),
		"registry never grows past the limit")
}

func TestProcessIODelta(t *testing.T) {
	env := newSamplerEnv(t)
	env.reader.procIO = resource.IOCounters{RChar: 1000, WChar: 100}
	require.NoError(t, env.ws.Init())

	env.reader.mu.Lock()
	env.reader.procIO = resource.IOCounters{RChar: 1500, WChar: 150, SyscR: 7}
	env.reader.mu.Unlock()

	env.tick(t, 100*time.Millisecond)
	msg := env.sender.last(t)
	assert.Equal(t, uint64(500), msg.Record.IO.RChar)
	assert.Equal(t, uint64(50), msg.Record.IO.WChar)
	assert.Equal(t, uint64(7), msg.Record.IO.SyscR)
}

func TestThreadIOErrorResetsBaseline(t *testing.T) {
	env := newSamplerEnv(t, WithMode(config.ModeSplit))
	require.NoError(t, env.ws.Init())
	env.reader.io[testPID] = resource.IOCounters{RChar: 100}

	env.tick(t, 100*time.Millisecond) // io baseline

	// io file unreadable this tick
	env.reader.mu.Lock()
	env.reader.ioError[testPID] = true
	env.reader.mu.Unlock()
	env.tick(t, 100*time.Millisecond)

	// io returns with a much larger value; the delta must restart from a
	// fresh baseline instead of spanning the gap
	env.reader.mu.Lock()
	env.reader.ioError[testPID] = false
	env.reader.io[testPID] = resource.IOCounters{RChar: 100000}
	env.reader.mu.Unlock()

	// this tick only re-establishes the io baseline, so the huge jump is
	// never attributed to any window (the main thread runs on a P core)
	env.clock.Step(100 * time.Millisecond)
	win := env.ws.collect()
	assert.Zero(t, win.PIO.RChar, "thread io jump across the gap must not be attributed")
	env.tick(t, 100*time.Millisecond)
	msg := env.sender.last(t)
	assert.Zero(t, msg.Record.IO.RChar, "process io unchanged throughout")
}
