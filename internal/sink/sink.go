package sink

import (
	"context"
	"errors"
	"log"

	"github.com/technosupport/ts-sentinel/internal/event"
	"github.com/technosupport/ts-sentinel/internal/metrics"
)

// Sink receives finished analysis results. Emit must be idempotent per
// event id: the worker pool may redeliver a result after a partial
// failure.
type Sink interface {
	Name() string
	Emit(ctx context.Context, res *event.AnalysisResult) error
}

// MultiSink fans a result out to every configured sink. One sink failing
// does not stop delivery to the others.
type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) Name() string { return "multi" }

func (m *MultiSink) Emit(ctx context.Context, res *event.AnalysisResult) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Emit(ctx, res); err != nil {
			metrics.SinkEmitsTotal.WithLabelValues(s.Name(), "error").Inc()
			log.Printf("[ERROR] Sink (%s): Emit failed for event %s: %v", s.Name(), res.EventID, err)
			errs = append(errs, err)
			continue
		}
		metrics.SinkEmitsTotal.WithLabelValues(s.Name(), "ok").Inc()
	}
	return errors.Join(errs...)
}
