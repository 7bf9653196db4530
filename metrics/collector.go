// Package metrics exports controller state to prometheus. Values are read
// from a fresh snapshot on every scrape.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gaohao-creator/turbocore/pubsub"
	"github.com/gaohao-creator/turbocore/threadpool"
)

const DefaultNamespace = "turbocore"

type SchedulerStats struct {
	Name string
	Jobs int
}

// Snapshot is one reading of everything the collector exports.
type Snapshot struct {
	Pools          []threadpool.Stats
	Schedulers     []SchedulerStats
	Slots          []threadpool.SlotStats
	Bus            pubsub.Stats
	Daemons        int
	ErrorsReported uint64
}

type Collector struct {
	source func() Snapshot

	poolCap     *prometheus.Desc
	poolWorkers *prometheus.Desc
	poolQueued  *prometheus.Desc
	jobs        *prometheus.Desc
	slotsInUse  *prometheus.Desc
	slotsMax    *prometheus.Desc
	busTopics   *prometheus.Desc
	busSubs     *prometheus.Desc
	busPending  *prometheus.Desc
	daemons     *prometheus.Desc
	errors      *prometheus.Desc
}

func NewCollector(namespace string, source func() Snapshot) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	desc := func(subsystem, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
	}
	return &Collector{
		source:      source,
		poolCap:     desc("pool", "capacity", "Maximum workers of the pool, 0 if unbounded.", "pool"),
		poolWorkers: desc("pool", "workers", "Workers of the pool by state.", "pool", "state"),
		poolQueued:  desc("pool", "queued", "Callables waiting on a worker queue.", "pool"),
		jobs:        desc("scheduler", "jobs", "Jobs waiting on the scheduler.", "scheduler"),
		slotsInUse:  desc("slots", "in_use", "Thread slots held.", "slot"),
		slotsMax:    desc("slots", "max", "Thread slot capacity.", "slot"),
		busTopics:   desc("pubsub", "topics", "Topics with at least one subscriber."),
		busSubs:     desc("pubsub", "subscriptions", "Live subscriptions."),
		busPending:  desc("pubsub", "pending", "Publications waiting for the next drain."),
		daemons:     desc("", "daemons", "Registered daemon jobs."),
		errors:      desc("", "errors_reported_total", "Errors reported by background work."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.poolCap, c.poolWorkers, c.poolQueued,
		c.jobs,
		c.slotsInUse, c.slotsMax,
		c.busTopics, c.busSubs, c.busPending,
		c.daemons, c.errors,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.source()
	gauge := func(d *prometheus.Desc, v int, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), labels...)
	}
	for _, p := range s.Pools {
		gauge(c.poolCap, p.Cap, p.Name)
		gauge(c.poolWorkers, p.Running, p.Name, "running")
		gauge(c.poolWorkers, p.Idle, p.Name, "idle")
		gauge(c.poolWorkers, p.Busy, p.Name, "busy")
		gauge(c.poolQueued, p.Queued, p.Name)
	}
	for _, sc := range s.Schedulers {
		gauge(c.jobs, sc.Jobs, sc.Name)
	}
	for _, sl := range s.Slots {
		gauge(c.slotsInUse, sl.Current, sl.Type)
		gauge(c.slotsMax, sl.Max, sl.Type)
	}
	gauge(c.busTopics, s.Bus.Topics)
	gauge(c.busSubs, s.Bus.Subscriptions)
	gauge(c.busPending, s.Bus.Pending)
	gauge(c.daemons, s.Daemons)
	ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(s.ErrorsReported))
}

// Register builds a collector over source and registers it with reg.
func Register(reg prometheus.Registerer, namespace string, source func() Snapshot) (*Collector, error) {
	c := NewCollector(namespace, source)
	if err := reg.Register(c); err != nil {
		return nil, err
	}
	return c, nil
}
