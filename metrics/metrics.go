// Package metrics records the progress of workflows as Prometheus metrics,
// and request latency in an HDR histogram, for end of run summaries.
package metrics

import (
	"sync"
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
	"github.com/joeycumines/go-kvpipe/batch"
	"github.com/joeycumines/go-kvpipe/workflow"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// DefaultNamespace prefixes every metric name.
	DefaultNamespace = "kvpipe"

	// latencies are recorded in microseconds, up to a minute
	histMin     = 1
	histMax     = int64(time.Minute / time.Microsecond)
	histSigFigs = 3
)

type (
	// Recorder implements workflow.Observer and prometheus.Collector.
	// It is safe to use for any number of concurrent workflows.
	Recorder struct {
		requests     *prometheus.CounterVec
		latency      prometheus.Histogram
		inFlight     prometheus.Gauge
		pipeCount    prometheus.Gauge
		transitions  *prometheus.CounterVec
		batchRecords *prometheus.CounterVec

		// WithLabelValues is a heavy operation, resolved once
		requestsOK     prometheus.Counter
		requestsFailed prometheus.Counter

		mu    sync.Mutex
		hist  *hdrhistogram.Histogram
		start time.Time
	}

	// Summary aggregates request latency.
	Summary struct {
		Elapsed time.Duration
		Count   int64
		QPS     float64
		Mean    time.Duration
		Min     time.Duration
		Max     time.Duration
		P50     time.Duration
		P99     time.Duration
		P999    time.Duration
	}
)

var (
	_ workflow.Observer    = (*Recorder)(nil)
	_ prometheus.Collector = (*Recorder)(nil)
)

// New returns a Recorder, using namespace (or DefaultNamespace, if empty)
// for metric names. It must be registered to be exported.
func New(namespace string) *Recorder {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	r := Recorder{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "window",
				Name:      "requests_total",
				Help:      "Number of completed write requests, by outcome.",
			}, []string{"outcome"}),
		latency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "window",
				Name:      "request_duration_seconds",
				Help:      "Bucketed histogram of write request latency (s), from issue to completion.",
				Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 16),
			}),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "window",
				Name:      "in_flight_requests",
				Help:      "Number of issued write requests that have not completed.",
			}),
		pipeCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "window",
				Name:      "pipe_count",
				Help:      "Current pipeline fill count, of the most recently updated window.",
			}),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "workflow",
				Name:      "transitions_total",
				Help:      "Number of workflow state transitions, by target state.",
			}, []string{"state"}),
		batchRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "batch",
				Name:      "records_total",
				Help:      "Number of records read back by batch reads, by result.",
			}, []string{"result"}),
		hist:  hdrhistogram.New(histMin, histMax, histSigFigs),
		start: time.Now(),
	}
	r.requestsOK = r.requests.WithLabelValues("ok")
	r.requestsFailed = r.requests.WithLabelValues("error")
	return &r
}

// Describe implements prometheus.Collector.
func (r *Recorder) Describe(ch chan<- *prometheus.Desc) {
	r.requests.Describe(ch)
	r.latency.Describe(ch)
	r.inFlight.Describe(ch)
	r.pipeCount.Describe(ch)
	r.transitions.Describe(ch)
	r.batchRecords.Describe(ch)
}

// Collect implements prometheus.Collector.
func (r *Recorder) Collect(ch chan<- prometheus.Metric) {
	r.requests.Collect(ch)
	r.latency.Collect(ch)
	r.inFlight.Collect(ch)
	r.pipeCount.Collect(ch)
	r.transitions.Collect(ch)
	r.batchRecords.Collect(ch)
}

// RequestIssued implements window.Observer.
func (r *Recorder) RequestIssued(int) {
	r.inFlight.Inc()
}

// RequestCompleted implements window.Observer.
func (r *Recorder) RequestCompleted(_ int, latency time.Duration, err error) {
	r.inFlight.Dec()
	if err != nil {
		r.requestsFailed.Inc()
	} else {
		r.requestsOK.Inc()
	}
	r.latency.Observe(latency.Seconds())

	us := max(latency.Microseconds(), histMin)
	r.mu.Lock()
	// values beyond the trackable range are dropped
	_ = r.hist.RecordValue(us)
	r.mu.Unlock()
}

// PipeCountChanged implements window.Observer.
func (r *Recorder) PipeCountChanged(pipeCount int) {
	r.pipeCount.Set(float64(pipeCount))
}

// StateChanged implements workflow.Observer.
func (r *Recorder) StateChanged(_, to workflow.State) {
	r.transitions.WithLabelValues(to.String()).Inc()
}

// BatchCompleted implements workflow.Observer.
func (r *Recorder) BatchCompleted(report batch.Report) {
	if report.Err != nil {
		r.batchRecords.WithLabelValues("batch_error").Add(float64(report.Total))
		return
	}
	r.batchRecords.WithLabelValues("found").Add(float64(report.Found))
	r.batchRecords.WithLabelValues("not_found").Add(float64(report.NotFound))
	r.batchRecords.WithLabelValues("error").Add(float64(report.Failed))
}

// Summary returns the latency summary, of every request completed so far.
func (r *Recorder) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Summary{
		Elapsed: time.Since(r.start),
		Count:   r.hist.TotalCount(),
	}
	if s.Count == 0 {
		return s
	}
	us := func(v int64) time.Duration { return time.Duration(v) * time.Microsecond }
	s.Mean = time.Duration(r.hist.Mean() * float64(time.Microsecond))
	s.Min = us(r.hist.Min())
	s.Max = us(r.hist.Max())
	s.P50 = us(r.hist.ValueAtPercentile(50))
	s.P99 = us(r.hist.ValueAtPercentile(99))
	s.P999 = us(r.hist.ValueAtPercentile(99.9))
	if secs := s.Elapsed.Seconds(); secs > 0 {
		s.QPS = float64(s.Count) / secs
	}
	return s
}

// Reset clears the latency histogram, and restarts the elapsed clock. The
// Prometheus metrics are cumulative, and are not reset.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hist.Reset()
	r.start = time.Now()
}
