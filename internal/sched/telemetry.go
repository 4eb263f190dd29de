// SPDX-FileCopyrightText: 2025 The Hybridsched Authors
// SPDX-License-Identifier: Apache-2.0

package sched

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"github.com/jszwec/csvutil"

	"github.com/K0toulas/hybridsched/internal/cpuset"
	"github.com/K0toulas/hybridsched/internal/wire"
)

// decisionRow is one scheduling decision in the telemetry CSV.
type decisionRow struct {
	PID          int32   `csv:"pid"`
	PThreads     int32   `csv:"p_threads"`
	PCores       int32   `csv:"p_cores"`
	ECores       int32   `csv:"e_cores"`
	Inst         int64   `csv:"d_inst"`
	CacheMisses  int64   `csv:"d_cache_miss"`
	Cycles       int64   `csv:"d_cycles"`
	MemInst      int64   `csv:"d_mem"`
	Faults       int64   `csv:"d_pf"`
	MemStall     int64   `csv:"d_mem_stall"`
	Uops         int64   `csv:"d_uops"`
	IPC          float64 `csv:"IPC"`
	CMR          float64 `csv:"Cache_Miss_Ratio"`
	UopsPerCycle float64 `csv:"Uop_per_Cycle"`
	MSPM         float64 `csv:"MemStall_per_Mem"`
	MSPI         float64 `csv:"MemStall_per_Inst"`
	FaultRate    float64 `csv:"FaultRate_per_mem"`
	ExecTimeMS   float64 `csv:"t_ms"`
	YP           float64 `csv:"y_p"`
	YE           float64 `csv:"y_e"`
	Chosen       string  `csv:"chosen_coreset"`
	Predicted    string  `csv:"predicted_class"`
}

// DecisionLog appends one row per scheduling decision.
type DecisionLog struct {
	file *os.File
	w    *csv.Writer
	enc  *csvutil.Encoder
}

// OpenDecisionLog opens the decision CSV for appending; the header is
// written only when the file is empty.
func OpenDecisionLog(path string) (*DecisionLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening decision log %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	w := csv.NewWriter(f)
	enc := csvutil.NewEncoder(w)
	enc.AutoHeader = info.Size() == 0
	return &DecisionLog{file: f, w: w, enc: enc}, nil
}

func (l *DecisionLog) Append(pid int32, rec *wire.Record, yP, yE float64, chosen, predicted string) error {
	row := decisionRow{
		PID:          pid,
		PThreads:     rec.PThreadCount,
		PCores:       rec.PCoreCount,
		ECores:       rec.ECoreCount,
		Inst:         rec.CounterTotals[wire.CounterInstructions],
		CacheMisses:  rec.CounterTotals[wire.CounterCacheMisses],
		Cycles:       rec.CounterTotals[wire.CounterCycles],
		MemInst:      rec.CounterTotals[wire.CounterMemInstructions],
		Faults:       rec.CounterTotals[wire.CounterPageFaults],
		MemStall:     rec.CounterTotals[wire.CounterMemStallCycles],
		Uops:         rec.CounterTotals[wire.CounterUopsRetired],
		IPC:          rec.Ratios.IPC,
		CMR:          rec.Ratios.CacheMissRatio,
		UopsPerCycle: rec.Ratios.UopsPerCycle,
		MSPM:         rec.Ratios.MemStallPerMemInst,
		MSPI:         rec.Ratios.MemStallPerInst,
		FaultRate:    rec.Ratios.FaultRatePerMemInst,
		ExecTimeMS:   rec.ExecTimeMS,
		YP:           yP,
		YE:           yE,
		Chosen:       chosen,
		Predicted:    predicted,
	}
	if err := l.enc.Encode(row); err != nil {
		return err
	}
	l.w.Flush()
	return l.w.Error()
}

func (l *DecisionLog) Close() error {
	l.w.Flush()
	return l.file.Close()
}

// AllocationLog records the per-tick category coreset assignment, one
// column per CPU. The column set depends on the machine, so this log
// writes plain CSV instead of a tagged struct.
type AllocationLog struct {
	file *os.File
	w    *csv.Writer
	cpus []int
}

func OpenAllocationLog(path string, cpus []int) (*AllocationLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening allocation log %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	l := &AllocationLog{file: f, w: csv.NewWriter(f), cpus: cpus}
	if info.Size() == 0 {
		header := []string{"compute_threads", "io_threads", "memory_threads"}
		for _, cpu := range cpus {
			header = append(header, fmt.Sprintf("core_%d", cpu))
		}
		if err := l.w.Write(header); err != nil {
			f.Close()
			return nil, err
		}
		l.w.Flush()
	}
	return l, nil
}

// Append writes one allocation row: thread counts plus the category
// index each CPU is assigned to (0 compute, 1 io, 2 memory).
func (l *AllocationLog) Append(counts CategoryCounts, masks Masks) error {
	assignment := map[int]int{}
	for cat, coreset := range map[Category]string{
		CategoryCompute: masks.Compute,
		CategoryIO:      masks.IO,
		CategoryMemory:  masks.Memory,
	} {
		cpus, err := cpuset.Parse(coreset)
		if err != nil {
			continue
		}
		for _, cpu := range cpus {
			assignment[cpu] = int(cat)
		}
	}

	row := []string{
		strconv.Itoa(counts.Compute),
		strconv.Itoa(counts.IO),
		strconv.Itoa(counts.Memory),
	}
	for _, cpu := range l.cpus {
		row = append(row, strconv.Itoa(assignment[cpu]))
	}
	if err := l.w.Write(row); err != nil {
		return err
	}
	l.w.Flush()
	return l.w.Error()
}

func (l *AllocationLog) Close() error {
	l.w.Flush()
	return l.file.Close()
}
