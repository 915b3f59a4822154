// Package metrics exports kernel scheduler statistics to Prometheus.
package metrics

import (
	"github.com/google/uuid"
	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"

	"kthreads/internal/kernel/threads"
	"kthreads/internal/logger"
)

// StatsSource is what the collector reads. *threads.Kernel implements it.
type StatsSource interface {
	Stats() threads.Stats
	BootID() uuid.UUID
	MLFQS() bool
}

// SchedulerCollector implements prometheus.Collector for the scheduler
// counters. It holds no state of its own: every scrape reads a fresh snapshot
// of the kernel's atomic counters, so it is safe to scrape while the kernel
// runs.
type SchedulerCollector struct {
	src StatsSource
	log log.Logger

	// Metric Descriptors
	ticksDesc       *prometheus.Desc
	switchesDesc    *prometheus.Desc
	eventsDesc      *prometheus.Desc
	createdDesc     *prometheus.Desc
	exitedDesc      *prometheus.Desc
	liveDesc        *prometheus.Desc
	readyDesc       *prometheus.Desc
	loadAvgDesc     *prometheus.Desc
	runLengthDesc   *prometheus.Desc
	timerTicksDesc  *prometheus.Desc
	runLengthBounds []float64
}

// NewSchedulerCollector creates a collector for src. Every series carries the
// boot id and scheduler mode as constant labels.
func NewSchedulerCollector(src StatsSource) *SchedulerCollector {
	scheduler := "priority"
	if src.MLFQS() {
		scheduler = "mlfqs"
	}
	constLabels := prometheus.Labels{
		"boot_id":   src.BootID().String(),
		"scheduler": scheduler,
	}

	return &SchedulerCollector{
		src:             src,
		log:             logger.Component("metrics"),
		runLengthBounds: threads.RunLengthBounds[:],

		// Initialize descriptors once
		ticksDesc: prometheus.NewDesc(
			"kthreads_cpu_ticks_total",
			"Timer ticks by what the CPU was running: idle, kernel or user.",
			[]string{"mode"}, constLabels,
		),
		timerTicksDesc: prometheus.NewDesc(
			"kthreads_timer_ticks_total",
			"Timer interrupts since boot.",
			nil, constLabels,
		),
		switchesDesc: prometheus.NewDesc(
			"kthreads_context_switches_total",
			"Total number of context switches.",
			nil, constLabels,
		),
		eventsDesc: prometheus.NewDesc(
			"kthreads_scheduler_events_total",
			"Scheduler events by kind.",
			[]string{"event"}, constLabels,
		),
		createdDesc: prometheus.NewDesc(
			"kthreads_threads_created_total",
			"Threads created since boot.",
			nil, constLabels,
		),
		exitedDesc: prometheus.NewDesc(
			"kthreads_threads_exited_total",
			"Threads that have exited since boot.",
			nil, constLabels,
		),
		liveDesc: prometheus.NewDesc(
			"kthreads_threads_live",
			"Thread control blocks currently allocated, including main and idle.",
			nil, constLabels,
		),
		readyDesc: prometheus.NewDesc(
			"kthreads_threads_ready",
			"Threads on the ready queue.",
			nil, constLabels,
		),
		loadAvgDesc: prometheus.NewDesc(
			"kthreads_load_average",
			"MLFQS load average, sampled once per second of timer ticks.",
			nil, constLabels,
		),
		runLengthDesc: prometheus.NewDesc(
			"kthreads_run_length_ticks",
			"Histogram of the ticks a thread ran before each context switch.",
			nil, constLabels,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *SchedulerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.ticksDesc
	ch <- c.timerTicksDesc
	ch <- c.switchesDesc
	ch <- c.eventsDesc
	ch <- c.createdDesc
	ch <- c.exitedDesc
	ch <- c.liveDesc
	ch <- c.readyDesc
	ch <- c.loadAvgDesc
	ch <- c.runLengthDesc
}

// Collect implements prometheus.Collector.
func (c *SchedulerCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()

	for _, m := range []struct {
		mode  string
		ticks uint64
	}{
		{"idle", s.IdleTicks},
		{"kernel", s.KernelTicks},
		{"user", s.UserTicks},
	} {
		ch <- prometheus.MustNewConstMetric(c.ticksDesc, prometheus.CounterValue, float64(m.ticks), m.mode)
	}
	ch <- prometheus.MustNewConstMetric(c.timerTicksDesc, prometheus.CounterValue, float64(s.Ticks))
	ch <- prometheus.MustNewConstMetric(c.switchesDesc, prometheus.CounterValue, float64(s.ContextSwitches))

	for _, e := range []struct {
		event string
		count uint64
	}{
		{"yield", s.Yields},
		{"preemption", s.Preemptions},
		{"block", s.Blocks},
		{"unblock", s.Unblocks},
		{"donation", s.Donations},
	} {
		ch <- prometheus.MustNewConstMetric(c.eventsDesc, prometheus.CounterValue, float64(e.count), e.event)
	}

	ch <- prometheus.MustNewConstMetric(c.createdDesc, prometheus.CounterValue, float64(s.ThreadsCreated))
	ch <- prometheus.MustNewConstMetric(c.exitedDesc, prometheus.CounterValue, float64(s.ThreadsExited))
	ch <- prometheus.MustNewConstMetric(c.liveDesc, prometheus.GaugeValue, float64(s.LiveThreads))
	ch <- prometheus.MustNewConstMetric(c.readyDesc, prometheus.GaugeValue, float64(s.ReadyThreads))
	ch <- prometheus.MustNewConstMetric(c.loadAvgDesc, prometheus.GaugeValue, float64(s.LoadAvg100)/100)

	// Convert the individual bucket counts to the cumulative counts required by Prometheus.
	buckets := make(map[float64]uint64, len(c.runLengthBounds))
	var cumulative uint64
	for i, bound := range c.runLengthBounds {
		cumulative += s.RunBuckets[i]
		buckets[bound] = cumulative
	}
	ch <- prometheus.MustNewConstHistogram(c.runLengthDesc, s.RunCount, float64(s.RunSum), buckets)

	c.log.Debug().Uint64("switches", s.ContextSwitches).Msg("Collected scheduler metrics")
}
