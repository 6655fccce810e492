// ============================================================================
// rtkernel Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Export scheduler, worker-pool and resource-monitor state
//
// Metric families:
//
//   1. Event counters (pushed by the kernel and pool observers):
//      - rtkernel_context_switches_total
//      - rtkernel_tasks_spawned_total{kind}
//      - rtkernel_tasks_exited_total{kind,reason}
//      - rtkernel_requests_submitted_total{mode,class}
//      - rtkernel_requests_completed_total{class,outcome}
//      - rtkernel_requests_timed_out_total{class}
//      - rtkernel_requests_rejected_total{class,reason}
//      - rtkernel_workers_spawned_total{class}
//      - rtkernel_workers_retired_total{class,reason}
//
//   2. Latency (Histogram, in ticks):
//      - rtkernel_request_latency_ticks{class}
//
//   3. Scrape-time gauges (read from the kernel snapshot):
//      - rtkernel_tick, rtkernel_ready_tasks, rtkernel_cpu_load_percent
//      - rtkernel_memory_bytes{category}, rtkernel_net_memory_ceiling_bytes
//      - rtkernel_consistency_errors
//      - rtkernel_task_cpu_ticks{task,handle}
//      - rtkernel_task_memory_bytes{task,handle,category}
//      - rtkernel_task_open_handles{task,handle}
//      - rtkernel_task_stack_peak_bytes{task,handle}
//
// Prometheus query examples:
//
//   # worker-pool rejection rate
//   rate(rtkernel_requests_rejected_total[1m])
//
//   # 95th percentile submit latency in ticks
//   histogram_quantile(0.95, rtkernel_request_latency_ticks_bucket)
//
//   # busiest tasks
//   topk(5, rate(rtkernel_task_cpu_ticks[1m]))
//
// HTTP endpoint:
//   /metrics on metrics.port, served by `rtkernel run`
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/ChuLiYu/rtkernel/internal/kernel"
	"github.com/ChuLiYu/rtkernel/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rtkernel"

// Collector records kernel and worker-pool events. It satisfies both
// kernel.Observer and worker.Observer.
type Collector struct {
	switches       prometheus.Counter
	tasksSpawned   *prometheus.CounterVec
	tasksExited    *prometheus.CounterVec
	reqSubmitted   *prometheus.CounterVec
	reqCompleted   *prometheus.CounterVec
	reqTimedOut    *prometheus.CounterVec
	reqRejected    *prometheus.CounterVec
	workersSpawned *prometheus.CounterVec
	workersRetired *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
}

// NewCollector creates the event metrics and registers them with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		switches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_switches_total",
			Help:      "Total number of context switches",
		}),
		tasksSpawned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_spawned_total",
			Help:      "Total number of tasks created",
		}, []string{"kind"}),
		tasksExited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_exited_total",
			Help:      "Total number of tasks that exited, by reason",
		}, []string{"kind", "reason"}),
		reqSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_submitted_total",
			Help:      "Total number of requests accepted by the dispatcher",
		}, []string{"mode", "class"}),
		reqCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_completed_total",
			Help:      "Total number of requests executed, by outcome",
		}, []string{"class", "outcome"}),
		reqTimedOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_timed_out_total",
			Help:      "Total number of requests whose caller gave up waiting",
		}, []string{"class"}),
		reqRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_rejected_total",
			Help:      "Total number of requests refused without execution",
		}, []string{"class", "reason"}),
		workersSpawned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workers_spawned_total",
			Help:      "Total number of kworkers created",
		}, []string{"class"}),
		workersRetired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workers_retired_total",
			Help:      "Total number of kworkers removed from the pool",
		}, []string{"class", "reason"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency_ticks",
			Help:      "Submit-to-completion latency in ticks",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"class"}),
	}

	reg.MustRegister(
		c.switches,
		c.tasksSpawned,
		c.tasksExited,
		c.reqSubmitted,
		c.reqCompleted,
		c.reqTimedOut,
		c.reqRejected,
		c.workersSpawned,
		c.workersRetired,
		c.requestLatency,
	)
	return c
}

// ContextSwitch counts a switch.
func (c *Collector) ContextSwitch(from, to types.Handle) {
	c.switches.Inc()
}

func (c *Collector) TaskSpawned(kind types.TaskKind) {
	c.tasksSpawned.WithLabelValues(kind.String()).Inc()
}

func (c *Collector) TaskExited(kind types.TaskKind, reason string) {
	c.tasksExited.WithLabelValues(kind.String(), reason).Inc()
}

func (c *Collector) RequestSubmitted(mode string, class types.OpClass) {
	c.reqSubmitted.WithLabelValues(mode, class.String()).Inc()
}

// RequestCompleted records the outcome and latency of an executed request.
func (c *Collector) RequestCompleted(class types.OpClass, latency types.Ticks, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.reqCompleted.WithLabelValues(class.String(), outcome).Inc()
	c.requestLatency.WithLabelValues(class.String()).Observe(float64(latency))
}

func (c *Collector) RequestTimedOut(class types.OpClass) {
	c.reqTimedOut.WithLabelValues(class.String()).Inc()
}

func (c *Collector) RequestRejected(class types.OpClass, reason string) {
	c.reqRejected.WithLabelValues(class.String(), reason).Inc()
}

func (c *Collector) WorkerSpawned(class types.OpClass) {
	c.workersSpawned.WithLabelValues(class.String()).Inc()
}

func (c *Collector) WorkerRetired(class types.OpClass, reason string) {
	c.workersRetired.WithLabelValues(class.String(), reason).Inc()
}

// SnapshotFunc returns the current kernel state.
type SnapshotFunc func() kernel.Snapshot

// StateCollector reads the kernel snapshot at scrape time.
type StateCollector struct {
	snapshot SnapshotFunc

	tick        *prometheus.Desc
	ready       *prometheus.Desc
	cpuLoad     *prometheus.Desc
	memory      *prometheus.Desc
	netCeiling  *prometheus.Desc
	consistency *prometheus.Desc
	taskCPU     *prometheus.Desc
	taskMemory  *prometheus.Desc
	taskOpen    *prometheus.Desc
	taskStack   *prometheus.Desc
}

// NewStateCollector creates a collector over fn.
func NewStateCollector(fn SnapshotFunc) *StateCollector {
	name := func(n string) string { return prometheus.BuildFQName(namespace, "", n) }
	task := []string{"task", "handle"}
	return &StateCollector{
		snapshot:    fn,
		tick:        prometheus.NewDesc(name("tick"), "Current scheduler tick", nil, nil),
		ready:       prometheus.NewDesc(name("ready_tasks"), "Tasks in the ready queues", nil, nil),
		cpuLoad:     prometheus.NewDesc(name("cpu_load_percent"), "Share of non-idle ticks", nil, nil),
		memory:      prometheus.NewDesc(name("memory_bytes"), "Bytes in use per category", []string{"category"}, nil),
		netCeiling:  prometheus.NewDesc(name("net_memory_ceiling_bytes"), "Network memory ceiling (0 = unlimited)", nil, nil),
		consistency: prometheus.NewDesc(name("consistency_errors"), "Saturated counter updates since boot", nil, nil),
		taskCPU:     prometheus.NewDesc(name("task_cpu_ticks"), "Ticks charged to the task", task, nil),
		taskMemory:  prometheus.NewDesc(name("task_memory_bytes"), "Bytes held by the task", append(task, "category"), nil),
		taskOpen:    prometheus.NewDesc(name("task_open_handles"), "Open resource handles held by the task", task, nil),
		taskStack:   prometheus.NewDesc(name("task_stack_peak_bytes"), "Deepest stack use of the task", task, nil),
	}
}

// Describe implements prometheus.Collector.
func (s *StateCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		s.tick, s.ready, s.cpuLoad, s.memory, s.netCeiling,
		s.consistency, s.taskCPU, s.taskMemory, s.taskOpen, s.taskStack,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (s *StateCollector) Collect(ch chan<- prometheus.Metric) {
	snap := s.snapshot()
	g := snap.Global

	ch <- prometheus.MustNewConstMetric(s.tick, prometheus.CounterValue, float64(snap.Tick))
	ch <- prometheus.MustNewConstMetric(s.ready, prometheus.GaugeValue, float64(snap.Ready))
	ch <- prometheus.MustNewConstMetric(s.cpuLoad, prometheus.GaugeValue, g.CPULoad())
	for cat := types.MemCategory(0); cat < types.NumMemCategories; cat++ {
		ch <- prometheus.MustNewConstMetric(s.memory, prometheus.GaugeValue, float64(g.Memory[cat]), cat.String())
	}
	ch <- prometheus.MustNewConstMetric(s.netCeiling, prometheus.GaugeValue, float64(g.NetMemCeiling))
	ch <- prometheus.MustNewConstMetric(s.consistency, prometheus.CounterValue, float64(g.ConsistencyErrors))

	for _, t := range snap.Tasks {
		h := t.Handle.String()
		ch <- prometheus.MustNewConstMetric(s.taskCPU, prometheus.CounterValue, float64(t.Usage.CPUTicks), t.Name, h)
		for cat := types.MemCategory(0); cat < types.NumMemCategories; cat++ {
			ch <- prometheus.MustNewConstMetric(s.taskMemory, prometheus.GaugeValue,
				float64(t.Usage.InUse[cat]), t.Name, h, cat.String())
		}
		ch <- prometheus.MustNewConstMetric(s.taskOpen, prometheus.GaugeValue, float64(t.Usage.Open), t.Name, h)
		ch <- prometheus.MustNewConstMetric(s.taskStack, prometheus.GaugeValue, float64(t.StackPeak), t.Name, h)
	}
}

// NewServer returns an HTTP server exposing g on /metrics at port.
func NewServer(port int, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
