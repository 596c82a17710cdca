package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "agentbridge"

// Metrics holds all AgentBridge metric instruments.
type Metrics struct {
	RunsStarted      metric.Int64Counter
	RunsFinished     metric.Int64Counter
	RunsFailed       metric.Int64Counter
	EnvelopesEmitted metric.Int64Counter
	Decisions        metric.Int64Counter
	SuspensionWait   metric.Float64Histogram
	RunDuration      metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.RunsStarted, err = meter.Int64Counter("agentbridge.runs.started",
		metric.WithDescription("Number of runs started"))
	if err != nil {
		return nil, err
	}

	m.RunsFinished, err = meter.Int64Counter("agentbridge.runs.finished",
		metric.WithDescription("Number of runs finished successfully"))
	if err != nil {
		return nil, err
	}

	m.RunsFailed, err = meter.Int64Counter("agentbridge.runs.failed",
		metric.WithDescription("Number of runs ended by a run error"))
	if err != nil {
		return nil, err
	}

	m.EnvelopesEmitted, err = meter.Int64Counter("agentbridge.envelopes.emitted",
		metric.WithDescription("Number of protocol envelopes stamped and fanned out"))
	if err != nil {
		return nil, err
	}

	m.Decisions, err = meter.Int64Counter("agentbridge.approvals.decisions",
		metric.WithDescription("Number of human approval decisions recorded"))
	if err != nil {
		return nil, err
	}

	m.SuspensionWait, err = meter.Float64Histogram("agentbridge.suspension.wait_seconds",
		metric.WithDescription("Time spent awaiting human input"))
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("agentbridge.run.duration_seconds",
		metric.WithDescription("Run duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
