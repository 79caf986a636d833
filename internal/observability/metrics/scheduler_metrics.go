// Package metrics exposes Prometheus instrumentation for the billing engine.
package metrics

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	addondomain "github.com/smallbiznis/bolton/internal/addon/domain"
	paymentdomain "github.com/smallbiznis/bolton/internal/payment/domain"
	"gorm.io/gorm"
)

const (
	SchedulerJobReasonDeadlineExceeded = "deadline_exceeded"
	SchedulerJobReasonRecordNotFound   = "record_not_found"
	SchedulerJobReasonGateway          = "gateway"
	SchedulerJobReasonBusinessRule     = "business_rule"
	SchedulerJobReasonUnknown          = "unknown"
)

// SchedulerMetrics captures billing scheduler health signals.
type SchedulerMetrics struct {
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobErrors      *prometheus.CounterVec
	jobSkipped     *prometheus.CounterVec
	batchProcessed *prometheus.CounterVec
	runLoopLag     prometheus.Observer
}

var (
	schedulerMetricsOnce sync.Once
	schedulerMetrics     *SchedulerMetrics
)

// Scheduler returns the singleton scheduler metrics registry.
func Scheduler() *SchedulerMetrics {
	schedulerMetricsOnce.Do(func() {
		schedulerMetrics = newSchedulerMetrics(prometheus.DefaultRegisterer)
	})
	return schedulerMetrics
}

// ResetSchedulerMetricsForTest resets the singleton for tests.
func ResetSchedulerMetricsForTest() {
	schedulerMetricsOnce = sync.Once{}
	schedulerMetrics = nil
}

func newSchedulerMetrics(registerer prometheus.Registerer) *SchedulerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bolton_scheduler_job_runs_total",
		Help: "Scheduler job runs by name.",
	}, []string{"job"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bolton_scheduler_job_duration_seconds",
		Help:    "Scheduler job latency to protect billing batch freshness.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bolton_scheduler_job_errors_total",
		Help: "Scheduler job errors by low-cardinality reason.",
	}, []string{"job", "reason"})
	jobSkipped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bolton_scheduler_job_skipped_total",
		Help: "Scheduler ticks skipped because the previous run was still in flight.",
	}, []string{"job"})
	batchProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bolton_scheduler_batch_processed_total",
		Help: "Instances processed per job to gauge billing throughput.",
	}, []string{"job"})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "bolton_scheduler_runloop_lag_seconds",
		Help:    "Scheduler run loop lag beyond the configured interval.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	for _, collector := range []prometheus.Collector{jobRuns, jobDuration, jobErrors, jobSkipped, batchProcessed, runLoopLag} {
		if err := registerer.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				panic(err)
			}
		}
	}

	return &SchedulerMetrics{
		jobRuns:        jobRuns,
		jobDuration:    jobDuration,
		jobErrors:      jobErrors,
		jobSkipped:     jobSkipped,
		batchProcessed: batchProcessed,
		runLoopLag:     runLoopLag,
	}
}

func (m *SchedulerMetrics) IncJobRun(job string) {
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *SchedulerMetrics) ObserveJobDuration(job string, d time.Duration) {
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *SchedulerMetrics) IncJobError(job string, err error) {
	m.jobErrors.WithLabelValues(job, ClassifySchedulerJobReason(err)).Inc()
}

func (m *SchedulerMetrics) IncJobSkipped(job string) {
	m.jobSkipped.WithLabelValues(job).Inc()
}

func (m *SchedulerMetrics) AddBatchProcessed(job string, n int) {
	if n <= 0 {
		return
	}
	m.batchProcessed.WithLabelValues(job).Add(float64(n))
}

func (m *SchedulerMetrics) ObserveRunLoopLag(lag time.Duration) {
	m.runLoopLag.Observe(lag.Seconds())
}

// ClassifySchedulerJobReason maps an error to a low-cardinality reason label.
func ClassifySchedulerJobReason(err error) string {
	switch {
	case err == nil:
		return SchedulerJobReasonUnknown
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return SchedulerJobReasonDeadlineExceeded
	case errors.Is(err, gorm.ErrRecordNotFound), errors.Is(err, addondomain.ErrInstanceNotFound):
		return SchedulerJobReasonRecordNotFound
	case errors.Is(err, paymentdomain.ErrGatewayFailure):
		return SchedulerJobReasonGateway
	case errors.Is(err, addondomain.ErrInvalidTransition), errors.Is(err, addondomain.ErrNotUsageBased):
		return SchedulerJobReasonBusinessRule
	default:
		return SchedulerJobReasonUnknown
	}
}
