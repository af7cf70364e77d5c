package app

import (
	"github.com/prometheus/client_golang/prometheus"

	"kairos-exec/internal/coordinator"
	"kairos-exec/internal/planner"
	"kairos-exec/internal/resilience"
)

// 标签取值为闭集，刷新时逐项写入，数量归零的状态不会残留旧值。
var (
	metricPlanStatuses = []planner.PlanStatus{
		planner.PlanPending, planner.PlanActive, planner.PlanCompleted,
		planner.PlanFailed, planner.PlanCancelled,
	}
	metricSliceStatuses = []planner.SliceStatus{
		planner.SlicePending, planner.SliceSubmitted, planner.SliceFilled,
		planner.SliceFailed, planner.SliceSkipped, planner.SliceCancelled,
	}
	metricTaskStates = []coordinator.State{
		coordinator.StateQueued, coordinator.StateRunning, coordinator.StateRetrying,
		coordinator.StateSucceeded, coordinator.StateFailed,
	}
)

// metrics 持有进程私有的 Prometheus 注册表，随 Tick 刷新，经 /metrics 暴露。
type metrics struct {
	registry *prometheus.Registry

	plans      *prometheus.GaugeVec
	slices     *prometheus.GaugeVec
	breakers   *prometheus.GaugeVec
	tasks      *prometheus.GaugeVec
	queueDepth prometheus.Gauge
	inFlight   prometheus.Gauge
	blocks     prometheus.Gauge
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		plans: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kairos_plan_count",
			Help: "执行计划数量，按状态拆分",
		}, []string{"status"}),
		slices: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kairos_slice_count",
			Help: "切片数量，按状态拆分",
		}, []string{"status"}),
		breakers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kairos_breaker_state",
			Help: "熔断器状态 (0=closed 1=open 2=half_open)",
		}, []string{"service"}),
		tasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kairos_task_count",
			Help: "协调器任务数量，按状态拆分",
		}, []string{"state"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kairos_task_queue_depth",
			Help: "内存就绪队列深度",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kairos_tasks_in_flight",
			Help: "正在执行的任务数",
		}),
		blocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kairos_active_block_count",
			Help: "处于封锁状态的账户交易对数量",
		}),
	}

	m.registry.MustRegister(m.plans, m.slices, m.breakers, m.tasks,
		m.queueDepth, m.inFlight, m.blocks)
	return m
}

// observePlans 写入计划与切片的状态分布。
func (m *metrics) observePlans(plans map[planner.PlanStatus]int, slices map[planner.SliceStatus]int) {
	for _, status := range metricPlanStatuses {
		m.plans.WithLabelValues(string(status)).Set(float64(plans[status]))
	}
	for _, status := range metricSliceStatuses {
		m.slices.WithLabelValues(string(status)).Set(float64(slices[status]))
	}
}

// observeBreakers 写入各服务熔断器的数值状态。
func (m *metrics) observeBreakers(snaps []resilience.Snapshot) {
	m.breakers.Reset()
	for _, snap := range snaps {
		m.breakers.WithLabelValues(snap.ServiceID).Set(float64(snap.State))
	}
}

// observeCoordinator 写入任务状态分布与队列深度。
func (m *metrics) observeCoordinator(snap coordinator.HealthSnapshot) {
	for _, state := range metricTaskStates {
		m.tasks.WithLabelValues(string(state)).Set(float64(snap.TaskStates[string(state)]))
	}
	m.queueDepth.Set(float64(snap.QueueDepth))
	m.inFlight.Set(float64(snap.InFlight))
}

func (m *metrics) observeBlocks(count int) {
	m.blocks.Set(float64(count))
}
