package events

import (
	"context"

	"github.com/mcdev12/lastclick/go/internal/metrics"
)

// MetricPublisher wraps a Publisher with metrics collection
type MetricPublisher struct {
	publisher Publisher
}

func NewMetricPublisher(publisher Publisher) *MetricPublisher {
	return &MetricPublisher{publisher: publisher}
}

func (p *MetricPublisher) Publish(ctx context.Context, env Envelope) error {
	err := p.publisher.Publish(ctx, env)
	recordEvent("out", env.EventType, err)
	return err
}

func recordEvent(direction, eventType string, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	metrics.EventsTotal.WithLabelValues(direction, eventType, status).Inc()
}
