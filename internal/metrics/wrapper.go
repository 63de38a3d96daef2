package metrics

import "github.com/prometheus/client_golang/prometheus"

// Interfaces for metrics to avoid circular imports
type MetricsCounter interface {
	Inc()
}

// MetricsWrapper hands out narrow views of individual metrics, e.g. for the sink.
type MetricsWrapper struct {
	m *Metrics
}

func NewWrapper(m *Metrics) *MetricsWrapper {
	return &MetricsWrapper{m: m}
}

func (w *MetricsWrapper) SinkPublished() MetricsCounter {
	return &CounterWrapper{w.m.SinkPublished}
}

func (w *MetricsWrapper) SinkErrors() MetricsCounter {
	return &CounterWrapper{w.m.SinkErrors}
}

type CounterWrapper struct {
	c prometheus.Counter
}

func (cw *CounterWrapper) Inc() {
	cw.c.Inc()
}
