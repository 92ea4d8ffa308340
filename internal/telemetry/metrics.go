package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// AgentMetrics holds the instruments recorded by the turn-processing path.
type AgentMetrics struct {
	TurnsStarted    metric.Int64Counter
	TurnsCompleted  metric.Int64Counter
	TurnsFailed     metric.Int64Counter
	TurnDuration    metric.Float64Histogram
	ToolInvocations metric.Int64Counter
	ToolDuration    metric.Float64Histogram
	ModelTokens     metric.Int64Counter
}

// NewAgentMetrics creates the turn-processing instrument set on the global
// meter provider.
func NewAgentMetrics(scope string) (*AgentMetrics, error) {
	meter := Meter(scope)
	m := &AgentMetrics{}

	var err error
	if m.TurnsStarted, err = meter.Int64Counter("koe.turns.started",
		metric.WithDescription("Turns accepted for processing")); err != nil {
		return nil, fmt.Errorf("telemetry: create instrument: %w", err)
	}
	if m.TurnsCompleted, err = meter.Int64Counter("koe.turns.completed",
		metric.WithDescription("Turns that produced a final response")); err != nil {
		return nil, fmt.Errorf("telemetry: create instrument: %w", err)
	}
	if m.TurnsFailed, err = meter.Int64Counter("koe.turns.failed",
		metric.WithDescription("Turns that ended with the fallback response")); err != nil {
		return nil, fmt.Errorf("telemetry: create instrument: %w", err)
	}
	if m.TurnDuration, err = meter.Float64Histogram("koe.turn.duration",
		metric.WithDescription("End-to-end turn processing time"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("telemetry: create instrument: %w", err)
	}
	if m.ToolInvocations, err = meter.Int64Counter("koe.tool.invocations",
		metric.WithDescription("Tool executions requested by the model")); err != nil {
		return nil, fmt.Errorf("telemetry: create instrument: %w", err)
	}
	if m.ToolDuration, err = meter.Float64Histogram("koe.tool.duration",
		metric.WithDescription("Tool execution time"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("telemetry: create instrument: %w", err)
	}
	if m.ModelTokens, err = meter.Int64Counter("koe.model.tokens",
		metric.WithDescription("Tokens consumed by chat completions")); err != nil {
		return nil, fmt.Errorf("telemetry: create instrument: %w", err)
	}

	return m, nil
}
