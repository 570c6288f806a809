package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Matcher Metrics
	MessagesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "automation_messages_processed_total",
		Help: "Total number of inbound messages run through the rule matcher",
	})

	RuleMatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "automation_rule_matches_total",
		Help: "Rule match outcomes by deciding layer",
	}, []string{"layer"})

	ConditionResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "automation_condition_results_total",
		Help: "Condition gate evaluations by type and result",
	}, []string{"type", "result"})

	ClassifierDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "automation_classifier_duration_seconds",
		Help:    "Time taken by AI classification calls",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	// Executor Metrics
	ExecutedRules = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "automation_executed_rules_total",
		Help: "Executed rules by terminal status",
	}, []string{"status"})

	ActionResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "automation_actions_total",
		Help: "Action attempts by type and result",
	}, []string{"type", "result"})

	// Scheduled Action Metrics
	ScheduledActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "automation_scheduled_actions_total",
		Help: "Scheduled action lifecycle events",
	}, []string{"event"})

	// Scheduler Metrics
	SchedulerTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "automation_scheduler_ticks_total",
		Help: "Total number of scheduler invocations",
	})

	SchedulerJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "automation_scheduler_jobs_total",
		Help: "Due automation jobs by claim outcome",
	}, []string{"outcome"})

	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "automation_job_runs_total",
		Help: "Automation job runs by final status",
	}, []string{"status"})

	// Queue Metrics
	QueueEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "automation_queue_enqueued_total",
		Help: "Tasks enqueued per queue",
	}, []string{"queue"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "automation_queue_depth",
		Help: "Pending tasks per queue",
	}, []string{"queue"})

	HandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "automation_queue_handler_duration_seconds",
		Help:    "Time taken by queue handlers",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"queue"})

	// Error Metrics
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "automation_errors_total",
		Help: "Total errors by component",
	}, []string{"component", "type"})
)

// RecordMatch records which layer decided a message
func RecordMatch(layer string) {
	MessagesProcessed.Inc()
	RuleMatches.WithLabelValues(layer).Inc()
}

// RecordCondition records a condition gate evaluation
func RecordCondition(conditionType string, passed bool) {
	ConditionResults.WithLabelValues(conditionType, result(passed)).Inc()
}

// RecordAction records an action attempt
func RecordAction(actionType string, success bool) {
	ActionResults.WithLabelValues(actionType, result(success)).Inc()
}

// RecordSchedulerTick records one scheduler invocation's counters
func RecordSchedulerTick(claimed, queued, skipped, failed int) {
	SchedulerTicks.Inc()
	SchedulerJobs.WithLabelValues("claimed").Add(float64(claimed))
	SchedulerJobs.WithLabelValues("queued").Add(float64(queued))
	SchedulerJobs.WithLabelValues("skipped").Add(float64(skipped))
	SchedulerJobs.WithLabelValues("failed").Add(float64(failed))
}

// RecordError records an error
func RecordError(component, errorType string) {
	Errors.WithLabelValues(component, errorType).Inc()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
