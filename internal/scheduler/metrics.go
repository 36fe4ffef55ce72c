package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/koji-project/koji-scheduler/internal/scheduler/database"
)

// MetricsCollector exports both metrics the scheduling loop increments directly (tick
// duration, assignments, refusals, lock contention) and a handful of gauges that need a
// fresh database read to compute (free tasks, eligible hosts, load ratio per host). The
// gauges are recomputed asynchronously on a timer and served from an atomic snapshot rather
// than on every scrape, the same split the teacher's MetricsCollector uses.
type MetricsCollector struct {
	hostRepo database.HostRepository
	taskRepo database.TaskRepository

	refreshPeriod time.Duration
	clock         clock.Clock
	state         atomic.Value // []prometheus.Metric

	tickDuration  prometheus.Histogram
	tasksAssigned *prometheus.CounterVec
	refusals      *prometheus.CounterVec
	lockSkipped   prometheus.Counter

	tasksFreeDesc     *prometheus.Desc
	hostsEligibleDesc *prometheus.Desc
	hostLoadRatioDesc *prometheus.Desc
}

func NewMetricsCollector(hostRepo database.HostRepository, taskRepo database.TaskRepository, refreshPeriod time.Duration) *MetricsCollector {
	return &MetricsCollector{
		hostRepo:      hostRepo,
		taskRepo:      taskRepo,
		refreshPeriod: refreshPeriod,
		clock:         clock.RealClock{},

		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "koji_scheduler_tick_duration_seconds",
			Help: "Duration of a scheduling tick that actually ran (lock acquired, interval elapsed).",
		}),
		tasksAssigned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "koji_scheduler_tasks_assigned_total",
			Help: "Tasks assigned to a host, labeled by channel:arch bin.",
		}, []string{"bin"}),
		refusals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "koji_scheduler_refusals_total",
			Help: "Refusals recorded, labeled by soft/hard.",
		}, []string{"kind"}),
		lockSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "koji_scheduler_lock_skipped_total",
			Help: "Ticks skipped because the scheduler advisory lock was held elsewhere.",
		}),

		tasksFreeDesc: prometheus.NewDesc("koji_scheduler_tasks_free",
			"Free tasks awaiting assignment, labeled by bin.", []string{"bin"}, nil),
		hostsEligibleDesc: prometheus.NewDesc("koji_scheduler_hosts_eligible",
			"Eligible hosts, labeled by bin.", []string{"bin"}, nil),
		hostLoadRatioDesc: prometheus.NewDesc("koji_scheduler_host_load_ratio",
			"Current task_load / capacity for each host.", []string{"host"}, nil),
	}
}

// Describe satisfies prometheus.Collector for the directly-held metrics plus the
// asynchronously refreshed gauges.
func (c *MetricsCollector) Describe(out chan<- *prometheus.Desc) {
	c.tickDuration.Describe(out)
	c.tasksAssigned.Describe(out)
	c.refusals.Describe(out)
	c.lockSkipped.Describe(out)
	out <- c.tasksFreeDesc
	out <- c.hostsEligibleDesc
	out <- c.hostLoadRatioDesc
}

// Collect satisfies prometheus.Collector, forwarding the directly-held metrics plus
// whatever gauge snapshot the last refresh produced.
func (c *MetricsCollector) Collect(out chan<- prometheus.Metric) {
	c.tickDuration.Collect(out)
	c.tasksAssigned.Collect(out)
	c.refusals.Collect(out)
	c.lockSkipped.Collect(out)

	if snapshot, ok := c.state.Load().([]prometheus.Metric); ok {
		for _, m := range snapshot {
			out <- m
		}
	}
}

// Run refreshes the gauge snapshot on a timer until ctx is cancelled.
func (c *MetricsCollector) Run(ctx context.Context) error {
	ticker := c.clock.NewTicker(c.refreshPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			if err := c.refresh(ctx); err != nil {
				log.WithError(err).Warn("error refreshing scheduler metrics")
			}
		}
	}
}

func (c *MetricsCollector) refresh(ctx context.Context) error {
	hosts, err := c.hostRepo.GetEnabledHosts(ctx)
	if err != nil {
		return err
	}
	tasks, err := c.taskRepo.FreeTasks(ctx)
	if err != nil {
		return err
	}

	var snapshot []prometheus.Metric

	freeByBin := make(map[string]int)
	for _, t := range tasks {
		freeByBin[taskBin(t)]++
	}
	for bin, n := range freeByBin {
		snapshot = append(snapshot, prometheus.MustNewConstMetric(c.tasksFreeDesc, prometheus.GaugeValue, float64(n), bin))
	}

	eligibleByBin := make(map[string]int)
	for _, h := range hosts {
		if !h.Ready || h.LastUpdate == nil {
			continue
		}
		ratio := h.TaskLoad
		if h.Capacity > 0 {
			ratio = h.TaskLoad / h.Capacity
		}
		snapshot = append(snapshot, prometheus.MustNewConstMetric(c.hostLoadRatioDesc, prometheus.GaugeValue, ratio, h.Name))

		for _, bin := range hostBins(h.Channels, h.Arches) {
			eligibleByBin[bin]++
		}
	}
	for bin, n := range eligibleByBin {
		snapshot = append(snapshot, prometheus.MustNewConstMetric(c.hostsEligibleDesc, prometheus.GaugeValue, float64(n), bin))
	}

	c.state.Store(snapshot)
	return nil
}

func (c *MetricsCollector) RecordTickDuration(d time.Duration) {
	c.tickDuration.Observe(d.Seconds())
}

func (c *MetricsCollector) RecordAssigned(bin string) {
	c.tasksAssigned.WithLabelValues(bin).Inc()
}

func (c *MetricsCollector) RecordRefusal(soft bool) {
	kind := "hard"
	if soft {
		kind = "soft"
	}
	c.refusals.WithLabelValues(kind).Inc()
}

func (c *MetricsCollector) RecordLockSkipped() {
	c.lockSkipped.Inc()
}
