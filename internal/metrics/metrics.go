// Package metrics provides Prometheus metrics for the rainfall scorer: dataset loading,
// model inference, inference passes, evaluation results and the scored-row sink.
package metrics

import (
	"rainfall-scorer/internal/evaluation"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the scorer.
type Metrics struct {
	// Dataset metrics
	RowsLoaded  prometheus.Counter // Rows accepted by the CSV loader
	RowsSkipped prometheus.Counter // Rows rejected as malformed or non-numeric

	// Inference metrics
	Predictions      prometheus.Counter   // Successful model predictions
	Failures         prometheus.Counter   // Failed inference calls
	NaNResults       prometheus.Counter   // Predictions short-circuited to NaN
	Timeouts         prometheus.Counter   // Inference calls that hit the deadline
	InferenceLatency prometheus.Histogram // End-to-end inference latency
	ModelAge         prometheus.Gauge     // Age of the loaded model file
	ModelReady       prometheus.Gauge     // 1 while a model and scaler are loaded

	// Pass metrics
	Passes       prometheus.Counter   // Completed inference passes
	PassDuration prometheus.Histogram // Wall time of a full pass

	// Evaluation metrics, labelled by metric name
	Evaluation *prometheus.GaugeVec

	// Sink metrics
	SinkPublished prometheus.Counter // Scored rows written to the sink
	SinkErrors    prometheus.Counter // Failed sink writes
}

// New creates and registers all metrics on the default registry.
func New(namespace string) *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer, namespace)
}

// NewWithRegistry creates metrics on registerer (useful for testing).
func NewWithRegistry(registerer prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		RowsLoaded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_loaded_total",
			Help:      "Total number of CSV rows accepted by the loader",
		}),
		RowsSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_skipped_total",
			Help:      "Total number of CSV rows skipped as invalid",
		}),
		Predictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "predictions_total",
			Help:      "Total number of model predictions made",
		}),
		Failures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inference_failures_total",
			Help:      "Total number of failed inference calls",
		}),
		NaNResults: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nan_results_total",
			Help:      "Total number of predictions returned as NaN",
		}),
		Timeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inference_timeouts_total",
			Help:      "Total number of inference calls that timed out",
		}),
		InferenceLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_latency_seconds",
			Help:      "Model inference latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}),
		ModelAge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_age_seconds",
			Help:      "Age of the loaded model file in seconds",
		}),
		ModelReady: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_ready",
			Help:      "1 when a model and scaler are loaded, 0 otherwise",
		}),
		Passes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "passes_total",
			Help:      "Total number of completed inference passes",
		}),
		PassDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pass_duration_seconds",
			Help:      "Duration of a full inference pass in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 15),
		}),
		Evaluation: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "evaluation_score",
			Help:      "Last regression evaluation result by metric",
		}, []string{"metric"}),
		SinkPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_messages_total",
			Help:      "Total number of scored rows published to the sink",
		}),
		SinkErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_errors_total",
			Help:      "Total number of failed sink publishes",
		}),
	}
}

func (m *Metrics) MLPredictionsInc()          { m.Predictions.Inc() }
func (m *Metrics) MLFailuresInc()             { m.Failures.Inc() }
func (m *Metrics) MLNaNResultsInc()           { m.NaNResults.Inc() }
func (m *Metrics) MLTimeoutsInc()             { m.Timeouts.Inc() }
func (m *Metrics) MLLatencyObserve(v float64) { m.InferenceLatency.Observe(v) }
func (m *Metrics) MLModelAgeSet(v float64)    { m.ModelAge.Set(v) }

func (m *Metrics) MLModelReadySet(ready bool) {
	if ready {
		m.ModelReady.Set(1)
		return
	}
	m.ModelReady.Set(0)
}

// DatasetLoaded records the outcome of one CSV load.
func (m *Metrics) DatasetLoaded(rows, skipped int) {
	m.RowsLoaded.Add(float64(rows))
	m.RowsSkipped.Add(float64(skipped))
}

// PassCompleted records a finished inference pass.
func (m *Metrics) PassCompleted(seconds float64) {
	m.Passes.Inc()
	m.PassDuration.Observe(seconds)
}

// EvaluationSet publishes the latest evaluation. NaN values (such as an undefined MAPE)
// are exported as is.
func (m *Metrics) EvaluationSet(r evaluation.Metrics) {
	m.Evaluation.WithLabelValues("rmse").Set(r.RMSE)
	m.Evaluation.WithLabelValues("mae").Set(r.MAE)
	m.Evaluation.WithLabelValues("mape").Set(r.MAPE)
	m.Evaluation.WithLabelValues("median_abs_error").Set(r.MedianAbsError)
	m.Evaluation.WithLabelValues("explained_variance").Set(r.ExplainedVariance)
}
