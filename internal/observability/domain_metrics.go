package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	tasksCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsql_tasks_created_total",
			Help: "Total number of conversational tasks created.",
		},
	)
	tasksFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsql_tasks_finished_total",
			Help: "Total number of tasks that reached a terminal status.",
		},
		[]string{"status"},
	)
	taskDurationMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatsql_task_duration_ms",
			Help:    "Task run time from creation to terminal status in milliseconds.",
			Buckets: []float64{100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000},
		},
	)
	tasksInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsql_tasks_in_flight",
			Help: "Current number of tasks holding a run slot.",
		},
	)
	sessionBusyRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsql_session_busy_rejections_total",
			Help: "Total number of messages rejected because the session already had an active task.",
		},
	)
	pipelineRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsql_pipeline_rejections_total",
			Help: "Total number of SQL pipeline failures by stage and error kind.",
		},
		[]string{"stage", "kind"},
	)
	pipelineDeclinedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsql_pipeline_declined_total",
			Help: "Total number of turns where the model produced no SQL.",
		},
	)
	queryExecutionMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatsql_query_execution_ms",
			Help:    "Target database execution latency in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 5000, 15000, 30000},
		},
	)
	streamSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsql_stream_subscribers",
			Help: "Current number of stream subscriptions across sessions.",
		},
	)
	streamEventsPublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsql_stream_events_published_total",
			Help: "Total number of events published to the stream broker.",
		},
	)
	streamEventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsql_stream_events_dropped_total",
			Help: "Total number of non-terminal events dropped for slow subscribers.",
		},
	)
	relayEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsql_stream_relay_events_total",
			Help: "Total number of events forwarded through the cross-instance relay.",
		},
		[]string{"direction"},
	)
	archiveWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsql_archive_writes_total",
			Help: "Total number of result archive writes by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		tasksCreatedTotal,
		tasksFinishedTotal,
		taskDurationMs,
		tasksInFlight,
		sessionBusyRejectionsTotal,
		pipelineRejectionsTotal,
		pipelineDeclinedTotal,
		queryExecutionMs,
		streamSubscribers,
		streamEventsPublishedTotal,
		streamEventsDroppedTotal,
		relayEventsTotal,
		archiveWritesTotal,
	)
}

func IncrementTasksCreated() {
	tasksCreatedTotal.Inc()
}

func ObserveTaskFinished(status string, elapsed time.Duration) {
	tasksFinishedTotal.WithLabelValues(status).Inc()
	taskDurationMs.Observe(float64(elapsed.Milliseconds()))
}

func AddTasksInFlight(delta int) {
	tasksInFlight.Add(float64(delta))
}

func IncrementSessionBusyRejections() {
	sessionBusyRejectionsTotal.Inc()
}

func IncrementPipelineRejection(stage, kind string) {
	pipelineRejectionsTotal.WithLabelValues(stage, kind).Inc()
}

func IncrementPipelineDeclined() {
	pipelineDeclinedTotal.Inc()
}

func ObserveQueryExecution(elapsed time.Duration) {
	queryExecutionMs.Observe(float64(elapsed.Milliseconds()))
}

func AddStreamSubscribers(delta int) {
	streamSubscribers.Add(float64(delta))
}

func IncrementStreamEventsPublished() {
	streamEventsPublishedTotal.Inc()
}

func IncrementStreamEventsDropped(count int) {
	if count > 0 {
		streamEventsDroppedTotal.Add(float64(count))
	}
}

func IncrementRelayEvents(direction string) {
	relayEventsTotal.WithLabelValues(direction).Inc()
}

func IncrementArchiveWrites(outcome string) {
	archiveWritesTotal.WithLabelValues(outcome).Inc()
}
