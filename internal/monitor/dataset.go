// SPDX-FileCopyrightText: 2025 The Hybridsched Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"encoding/csv"
	"fmt"
	"os"

	"github.com/jszwec/csvutil"

	"github.com/K0toulas/hybridsched/config"
	"github.com/K0toulas/hybridsched/internal/wire"
)

// datasetRow is one training sample. Column names are the training
// pipeline's contract; the header is written only when the file is
// empty so runs can append to a shared dataset.
type datasetRow struct {
	RunID     string  `csv:"run_id"`
	Workload  string  `csv:"workload"`
	Force     string  `csv:"force"`
	WindowIdx uint64  `csv:"window_idx"`
	TMS       float64 `csv:"t_ms"`
	DTMS      float64 `csv:"dt_ms"`

	HWThreads    int32 `csv:"hw_threads"`
	PCoreThreads int32 `csv:"pcore_threads"`
	PCoreCount   int32 `csv:"pcore_count"`
	ECoreCount   int32 `csv:"ecore_count"`

	DInst      int64 `csv:"d_inst"`
	DCycles    int64 `csv:"d_cycles"`
	DMem       int64 `csv:"d_mem"`
	DCacheMiss int64 `csv:"d_cache_miss"`
	DPF        int64 `csv:"d_pf"`
	DMemStall  int64 `csv:"d_mem_stall"`
	DUops      int64 `csv:"d_uops"`

	DInstP      int64 `csv:"d_inst_p"`
	DCyclesP    int64 `csv:"d_cycles_p"`
	DMemP       int64 `csv:"d_mem_p"`
	DCacheMissP int64 `csv:"d_cache_miss_p"`
	DPFP        int64 `csv:"d_pf_p"`
	DMemStallP  int64 `csv:"d_mem_stall_p"`
	DUopsP      int64 `csv:"d_uops_p"`

	DInstE      int64 `csv:"d_inst_e"`
	DCyclesE    int64 `csv:"d_cycles_e"`
	DMemE       int64 `csv:"d_mem_e"`
	DCacheMissE int64 `csv:"d_cache_miss_e"`
	DPFE        int64 `csv:"d_pf_e"`
	DMemStallE  int64 `csv:"d_mem_stall_e"`
	DUopsE      int64 `csv:"d_uops_e"`

	RCharP      uint64 `csv:"rchar_p"`
	WCharP      uint64 `csv:"wchar_p"`
	SyscRP      uint64 `csv:"syscr_p"`
	SyscWP      uint64 `csv:"syscw_p"`
	ReadBytesP  uint64 `csv:"read_bytes_p"`
	WriteBytesP uint64 `csv:"write_bytes_p"`

	RCharE      uint64 `csv:"rchar_e"`
	WCharE      uint64 `csv:"wchar_e"`
	SyscRE      uint64 `csv:"syscr_e"`
	SyscWE      uint64 `csv:"syscw_e"`
	ReadBytesE  uint64 `csv:"read_bytes_e"`
	WriteBytesE uint64 `csv:"write_bytes_e"`

	InstPerMS   float64 `csv:"inst_per_ms"`
	CyclesPerMS float64 `csv:"cycles_per_ms"`

	IPC             float64 `csv:"IPC"`
	CPI             float64 `csv:"CPI"`
	CacheMissRatio  float64 `csv:"Cache_Miss_Ratio"`
	UopPerCycle     float64 `csv:"Uop_per_Cycle"`
	MemStallPerMem  float64 `csv:"MemStall_per_Mem"`
	MemStallPerInst float64 `csv:"MemStall_per_Inst"`
	FaultRatePerMem float64 `csv:"FaultRate_per_mem"`
	RCharPerCycle   float64 `csv:"RChar_per_Cycle"`
	WCharPerCycle   float64 `csv:"WChar_per_Cycle"`
	RBytesPerCycle  float64 `csv:"RBytes_per_Cycle"`
	WBytesPerCycle  float64 `csv:"WBytes_per_Cycle"`

	IPCP             float64 `csv:"IPC_p"`
	CacheMissRatioP  float64 `csv:"Cache_Miss_Ratio_p"`
	UopPerCycleP     float64 `csv:"Uop_per_Cycle_p"`
	MemStallPerMemP  float64 `csv:"MemStall_per_Mem_p"`
	MemStallPerInstP float64 `csv:"MemStall_per_Inst_p"`
	FaultRatePerMemP float64 `csv:"FaultRate_per_mem_p"`
	RCharPerCycleP   float64 `csv:"RChar_per_Cycle_p"`
	WCharPerCycleP   float64 `csv:"WChar_per_Cycle_p"`
	RBytesPerCycleP  float64 `csv:"RBytes_per_Cycle_p"`
	WBytesPerCycleP  float64 `csv:"WBytes_per_Cycle_p"`

	IPCE             float64 `csv:"IPC_e"`
	CacheMissRatioE  float64 `csv:"Cache_Miss_Ratio_e"`
	UopPerCycleE     float64 `csv:"Uop_per_Cycle_e"`
	MemStallPerMemE  float64 `csv:"MemStall_per_Mem_e"`
	MemStallPerInstE float64 `csv:"MemStall_per_Inst_e"`
	FaultRatePerMemE float64 `csv:"FaultRate_per_mem_e"`
	RCharPerCycleE   float64 `csv:"RChar_per_Cycle_e"`
	WCharPerCycleE   float64 `csv:"WChar_per_Cycle_e"`
	RBytesPerCycleE  float64 `csv:"RBytes_per_Cycle_e"`
	WBytesPerCycleE  float64 `csv:"WBytes_per_Cycle_e"`
}

// DatasetWriter appends labelled window rows to the training CSV.
type DatasetWriter struct {
	file *os.File
	w    *csv.Writer
	enc  *csvutil.Encoder
}

// OpenDataset opens (or creates) the dataset file for appending. The
// header row is only written when the file is empty.
func OpenDataset(path string) (*DatasetWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening dataset %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat dataset %s: %w", path, err)
	}

	w := csv.NewWriter(f)
	enc := csvutil.NewEncoder(w)
	enc.AutoHeader = info.Size() == 0

	return &DatasetWriter{file: f, w: w, enc: enc}, nil
}

// Append writes one window as a labelled row.
func (d *DatasetWriter) Append(win *Window, windowIdx uint64, training config.Training) error {
	row := buildRow(win, windowIdx, training)
	if err := d.enc.Encode(row); err != nil {
		return fmt.Errorf("encoding dataset row: %w", err)
	}
	d.w.Flush()
	return d.w.Error()
}

func (d *DatasetWriter) Close() error {
	d.w.Flush()
	return d.file.Close()
}

func buildRow(win *Window, windowIdx uint64, training config.Training) datasetRow {
	rec := &win.Record

	force := training.Force
	if force == "" {
		force = "NONE"
	}
	runID := training.RunID
	if runID == "" {
		runID = "run"
	}
	workload := training.Workload
	if workload == "" {
		workload = "workload"
	}

	dInst := float64(rec.CounterTotals[wire.CounterInstructions])
	dCycles := float64(rec.CounterTotals[wire.CounterCycles])

	row := datasetRow{
		RunID:     runID,
		Workload:  workload,
		Force:     force,
		WindowIdx: windowIdx,
		TMS:       rec.ExecTimeMS,
		DTMS:      rec.DTMS,

		HWThreads:    rec.HWThreadCount,
		PCoreThreads: rec.PThreadCount,
		PCoreCount:   rec.PCoreCount,
		ECoreCount:   rec.ECoreCount,

		DInst:      rec.CounterTotals[wire.CounterInstructions],
		DCycles:    rec.CounterTotals[wire.CounterCycles],
		DMem:       rec.CounterTotals[wire.CounterMemInstructions],
		DCacheMiss: rec.CounterTotals[wire.CounterCacheMisses],
		DPF:        rec.CounterTotals[wire.CounterPageFaults],
		DMemStall:  rec.CounterTotals[wire.CounterMemStallCycles],
		DUops:      rec.CounterTotals[wire.CounterUopsRetired],

		DInstP:      win.PTotals[wire.CounterInstructions],
		DCyclesP:    win.PTotals[wire.CounterCycles],
		DMemP:       win.PTotals[wire.CounterMemInstructions],
		DCacheMissP: win.PTotals[wire.CounterCacheMisses],
		DPFP:        win.PTotals[wire.CounterPageFaults],
		DMemStallP:  win.PTotals[wire.CounterMemStallCycles],
		DUopsP:      win.PTotals[wire.CounterUopsRetired],

		DInstE:      win.ETotals[wire.CounterInstructions],
		DCyclesE:    win.ETotals[wire.CounterCycles],
		DMemE:       win.ETotals[wire.CounterMemInstructions],
		DCacheMissE: win.ETotals[wire.CounterCacheMisses],
		DPFE:        win.ETotals[wire.CounterPageFaults],
		DMemStallE:  win.ETotals[wire.CounterMemStallCycles],
		DUopsE:      win.ETotals[wire.CounterUopsRetired],

		RCharP:      win.PIO.RChar,
		WCharP:      win.PIO.WChar,
		SyscRP:      win.PIO.SyscR,
		SyscWP:      win.PIO.SyscW,
		ReadBytesP:  win.PIO.ReadBytes,
		WriteBytesP: win.PIO.WriteBytes,

		RCharE:      win.EIO.RChar,
		WCharE:      win.EIO.WChar,
		SyscRE:      win.EIO.SyscR,
		SyscWE:      win.EIO.SyscW,
		ReadBytesE:  win.EIO.ReadBytes,
		WriteBytesE: win.EIO.WriteBytes,

		InstPerMS:   safeDiv(dInst, rec.DTMS),
		CyclesPerMS: safeDiv(dCycles, rec.DTMS),

		IPC:             rec.Ratios.IPC,
		CPI:             safeDiv(dCycles, dInst),
		CacheMissRatio:  rec.Ratios.CacheMissRatio,
		UopPerCycle:     rec.Ratios.UopsPerCycle,
		MemStallPerMem:  rec.Ratios.MemStallPerMemInst,
		MemStallPerInst: rec.Ratios.MemStallPerInst,
		FaultRatePerMem: rec.Ratios.FaultRatePerMemInst,
		RCharPerCycle:   rec.Ratios.RCharPerCycle,
		WCharPerCycle:   rec.Ratios.WCharPerCycle,
		RBytesPerCycle:  rec.Ratios.RBytesPerCycle,
		WBytesPerCycle:  rec.Ratios.WBytesPerCycle,

		IPCP:             win.PRatios.IPC,
		CacheMissRatioP:  win.PRatios.CacheMissRatio,
		UopPerCycleP:     win.PRatios.UopsPerCycle,
		MemStallPerMemP:  win.PRatios.MemStallPerMemInst,
		MemStallPerInstP: win.PRatios.MemStallPerInst,
		FaultRatePerMemP: win.PRatios.FaultRatePerMemInst,
		RCharPerCycleP:   win.PRatios.RCharPerCycle,
		WCharPerCycleP:   win.PRatios.WCharPerCycle,
		RBytesPerCycleP:  win.PRatios.RBytesPerCycle,
		WBytesPerCycleP:  win.PRatios.WBytesPerCycle,

		IPCE:             win.ERatios.IPC,
		CacheMissRatioE:  win.ERatios.CacheMissRatio,
		UopPerCycleE:     win.ERatios.UopsPerCycle,
		MemStallPerMemE:  win.ERatios.MemStallPerMemInst,
		MemStallPerInstE: win.ERatios.MemStallPerInst,
		FaultRatePerMemE: win.ERatios.FaultRatePerMemInst,
		RCharPerCycleE:   win.ERatios.RCharPerCycle,
		WCharPerCycleE:   win.ERatios.WCharPerCycle,
		RBytesPerCycleE:  win.ERatios.RBytesPerCycle,
		WBytesPerCycleE:  win.ERatios.WBytesPerCycle,
	}
	return row
}
