package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline holds the Prometheus collectors for the lecture and question
// pipelines. A nil *Pipeline is valid and records nothing.
type Pipeline struct {
	// Stage metrics
	StageDuration *prometheus.HistogramVec
	StageFailures *prometheus.CounterVec
	EmptyResults  *prometheus.CounterVec

	// Flow metrics
	ChunksReceived    prometheus.Counter
	QuestionsReceived prometheus.Counter
	SummariesCreated  prometheus.Counter
	AnswersCreated    prometheus.Counter
	StaleDropped      *prometheus.CounterVec

	// Bus metrics
	BusDelivered *prometheus.CounterVec
	BusFailed    *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. A nil reg uses
// the default registerer.
func New(reg prometheus.Registerer) *Pipeline {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Pipeline{
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "milo_stage_duration_seconds",
			Help:    "Duration of pipeline stages",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		}, []string{"stage"}),
		StageFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "milo_stage_failures_total",
			Help: "Total number of failed pipeline stages",
		}, []string{"stage"}),
		EmptyResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "milo_generator_empty_results_total",
			Help: "Total number of generator calls that produced no usable text",
		}, []string{"stage"}),

		ChunksReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "milo_chunks_received_total",
			Help: "Total number of lecture audio chunks accepted",
		}),
		QuestionsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "milo_questions_received_total",
			Help: "Total number of question uploads accepted",
		}),
		SummariesCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "milo_summaries_generated_total",
			Help: "Total number of lecture summaries generated",
		}),
		AnswersCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "milo_answers_generated_total",
			Help: "Total number of question answers generated",
		}),
		StaleDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "milo_stale_work_dropped_total",
			Help: "Total number of results discarded because their session was reset",
		}, []string{"stage"}),

		BusDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "milo_bus_delivered_total",
			Help: "Total number of bus messages handled successfully",
		}, []string{"topic"}),
		BusFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "milo_bus_failed_total",
			Help: "Total number of bus messages whose listener failed",
		}, []string{"topic"}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "milo_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "milo_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// ObserveStage records how long stage took and whether it failed.
func (m *Pipeline) ObserveStage(stage string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(time.Since(started).Seconds())
	if err != nil {
		m.StageFailures.WithLabelValues(stage).Inc()
	}
}

func (m *Pipeline) RecordEmptyResult(stage string) {
	if m == nil {
		return
	}
	m.EmptyResults.WithLabelValues(stage).Inc()
}

func (m *Pipeline) RecordChunkReceived() {
	if m == nil {
		return
	}
	m.ChunksReceived.Inc()
}

func (m *Pipeline) RecordQuestionReceived() {
	if m == nil {
		return
	}
	m.QuestionsReceived.Inc()
}

func (m *Pipeline) RecordSummary() {
	if m == nil {
		return
	}
	m.SummariesCreated.Inc()
}

func (m *Pipeline) RecordAnswer() {
	if m == nil {
		return
	}
	m.AnswersCreated.Inc()
}

func (m *Pipeline) RecordStale(stage string) {
	if m == nil {
		return
	}
	m.StaleDropped.WithLabelValues(stage).Inc()
}

// Delivered and Failed let the bus report listener outcomes.
func (m *Pipeline) Delivered(topic string) {
	if m == nil {
		return
	}
	m.BusDelivered.WithLabelValues(topic).Inc()
}

func (m *Pipeline) Failed(topic string) {
	if m == nil {
		return
	}
	m.BusFailed.WithLabelValues(topic).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Pipeline) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
