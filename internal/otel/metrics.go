package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all taskpilot metrics instruments.
type Metrics struct {
	BroadcastsSent     metric.Int64Counter
	BroadcastsFiltered metric.Int64Counter
	ActiveConnections  metric.Int64UpDownCounter
	BridgedEvents      metric.Int64Counter
	FramesRejected     metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.BroadcastsSent, err = meter.Int64Counter("taskpilot.broadcast.sent",
		metric.WithDescription("Envelopes written to connected clients"),
	)
	if err != nil {
		return nil, err
	}

	m.BroadcastsFiltered, err = meter.Int64Counter("taskpilot.broadcast.filtered",
		metric.WithDescription("Envelopes skipped by subscription filters"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveConnections, err = meter.Int64UpDownCounter("taskpilot.connections.active",
		metric.WithDescription("Currently connected event-feed clients"),
	)
	if err != nil {
		return nil, err
	}

	m.BridgedEvents, err = meter.Int64Counter("taskpilot.bridge.events",
		metric.WithDescription("Domain events translated by the event bridge"),
	)
	if err != nil {
		return nil, err
	}

	m.FramesRejected, err = meter.Int64Counter("taskpilot.protocol.rejected",
		metric.WithDescription("Inbound client frames rejected with an error frame"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
