// SPDX-FileCopyrightText: 2025 The Hybridsched Authors
// SPDX-License-Identifier: Apache-2.0

package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/K0toulas/hybridsched/internal/sched"
)

// statsCollector translates the daemon's stats snapshot into metrics at
// scrape time.
type statsCollector struct {
	stats *sched.Stats

	queueSize     *prometheus.Desc
	decisions     *prometheus.Desc
	evictions     *prometheus.Desc
	recordsTotal  *prometheus.Desc
	startupsTotal *prometheus.Desc
	lastScore     *prometheus.Desc
}

func newStatsCollector(stats *sched.Stats) *statsCollector {
	return &statsCollector{
		stats: stats,
		queueSize: prometheus.NewDesc(
			"hybridsched_queue_size",
			"Number of PIDs currently tracked by the scheduler",
			nil, nil),
		decisions: prometheus.NewDesc(
			"hybridsched_decisions_total",
			"Placement decisions by chosen coreset",
			[]string{"coreset"}, nil),
		evictions: prometheus.NewDesc(
			"hybridsched_evictions_total",
			"PIDs evicted because the process terminated",
			nil, nil),
		recordsTotal: prometheus.NewDesc(
			"hybridsched_records_total",
			"Window records received from monitors",
			nil, nil),
		startupsTotal: prometheus.NewDesc(
			"hybridsched_startup_records_total",
			"Startup-flagged records received from monitors",
			nil, nil),
		lastScore: prometheus.NewDesc(
			"hybridsched_last_model_score",
			"Most recent model prediction by core class",
			[]string{"class"}, nil),
	}
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queueSize
	ch <- c.decisions
	ch <- c.evictions
	ch <- c.recordsTotal
	ch <- c.startupsTotal
	ch <- c.lastScore
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.stats.Snapshot()

	ch <- prometheus.MustNewConstMetric(c.queueSize, prometheus.GaugeValue, float64(snap.QueueSize))
	for coreset, count := range snap.Decisions {
		ch <- prometheus.MustNewConstMetric(c.decisions, prometheus.CounterValue, float64(count), coreset)
	}
	ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(snap.Evictions))
	ch <- prometheus.MustNewConstMetric(c.recordsTotal, prometheus.CounterValue, float64(snap.RecordsTotal))
	ch <- prometheus.MustNewConstMetric(c.startupsTotal, prometheus.CounterValue, float64(snap.StartupsTotal))
	ch <- prometheus.MustNewConstMetric(c.lastScore, prometheus.GaugeValue, snap.LastYP, "P")
	ch <- prometheus.MustNewConstMetric(c.lastScore, prometheus.GaugeValue, snap.LastYE, "E")
}
