package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds all swarm metrics instruments.
type Metrics struct {
	MessagesSent       metric.Int64Counter
	SendErrors         metric.Int64Counter
	MessagesDelivered  metric.Int64Counter
	DuplicatesDropped  metric.Int64Counter
	PollInterval       metric.Float64Histogram
	SubtasksDispatched metric.Int64Counter
	SubtaskDuration    metric.Float64Histogram
	TaskDuration       metric.Float64Histogram
	ActiveTasks        metric.Int64UpDownCounter
	OracleCallDuration metric.Float64Histogram
	OracleErrors       metric.Int64Counter
	WorkerTransitions  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.MessagesSent, err = meter.Int64Counter("swarm.transport.sent",
		metric.WithDescription("Messages handed to a transport medium"),
	)
	if err != nil {
		return nil, err
	}

	m.SendErrors, err = meter.Int64Counter("swarm.transport.send_errors",
		metric.WithDescription("Failed send attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesDelivered, err = meter.Int64Counter("swarm.transport.delivered",
		metric.WithDescription("Messages passed to an agent handler"),
	)
	if err != nil {
		return nil, err
	}

	m.DuplicatesDropped, err = meter.Int64Counter("swarm.transport.duplicates",
		metric.WithDescription("Redelivered messages dropped by the recent-id set"),
	)
	if err != nil {
		return nil, err
	}

	m.PollInterval, err = meter.Float64Histogram("swarm.transport.poll_interval",
		metric.WithDescription("Wait between mailbox polls in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SubtasksDispatched, err = meter.Int64Counter("swarm.subtask.dispatched",
		metric.WithDescription("Subtask assignments sent"),
	)
	if err != nil {
		return nil, err
	}

	m.SubtaskDuration, err = meter.Float64Histogram("swarm.subtask.duration",
		metric.WithDescription("Time from dispatch to subtask result in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("swarm.task.duration",
		metric.WithDescription("Collaborative task duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveTasks, err = meter.Int64UpDownCounter("swarm.task.active",
		metric.WithDescription("Collaborative tasks currently ACTIVE"),
	)
	if err != nil {
		return nil, err
	}

	m.OracleCallDuration, err = meter.Float64Histogram("swarm.oracle.duration",
		metric.WithDescription("Oracle call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.OracleErrors, err = meter.Int64Counter("swarm.oracle.errors",
		metric.WithDescription("Oracle call error count"),
	)
	if err != nil {
		return nil, err
	}

	m.WorkerTransitions, err = meter.Int64Counter("swarm.worker.transitions",
		metric.WithDescription("Worker queue state transitions"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns instruments that record nothing, for components built
// without a provider.
func NoopMetrics() *Metrics {
	m, err := NewMetrics(noop.NewMeterProvider().Meter(ScopeName))
	if err != nil {
		// The noop meter never fails to create instruments.
		panic(err)
	}
	return m
}
