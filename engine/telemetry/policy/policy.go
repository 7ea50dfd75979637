package policy

// Runtime-tunable telemetry knobs, swapped atomically so hot paths read an
// immutable snapshot instead of taking locks.

import "time"

type TelemetryPolicy struct {
	Health  HealthPolicy
	Tracing TracingPolicy
	Events  EventBusPolicy
}

type HealthPolicy struct {
	ProbeTTL                 time.Duration
	PipelineMinSamples       int64
	PipelineDegradedRatio    float64
	PipelineUnhealthyRatio   float64
	RetryRingDegradedDepth   int
	RetryRingUnhealthyDepth  int
	BreakerDegradedOpenCount int
}

type TracingPolicy struct {
	SamplePercent float64
}

type EventBusPolicy struct {
	MaxSubscriberBuffer int
}

// Default returns the policy the engine starts with. Downstream alerting may
// assume these semantics; adjust carefully.
func Default() TelemetryPolicy {
	return TelemetryPolicy{
		Health: HealthPolicy{
			ProbeTTL:                 2 * time.Second,
			PipelineMinSamples:       10,
			PipelineDegradedRatio:    0.50,
			PipelineUnhealthyRatio:   0.80,
			RetryRingDegradedDepth:   500,
			RetryRingUnhealthyDepth:  900,
			BreakerDegradedOpenCount: 1,
		},
		Tracing: TracingPolicy{SamplePercent: 20},
		Events:  EventBusPolicy{MaxSubscriberBuffer: 1024},
	}
}

// Normalize ensures sane bounds without mutating the original; returns a cleaned copy.
func (p TelemetryPolicy) Normalize() TelemetryPolicy {
	c := p
	if c.Health.ProbeTTL <= 0 {
		c.Health.ProbeTTL = 2 * time.Second
	}
	if c.Health.PipelineMinSamples <= 0 {
		c.Health.PipelineMinSamples = 10
	}
	if c.Health.PipelineDegradedRatio <= 0 {
		c.Health.PipelineDegradedRatio = 0.50
	}
	if c.Health.PipelineUnhealthyRatio <= 0 {
		c.Health.PipelineUnhealthyRatio = 0.80
	}
	if c.Health.RetryRingDegradedDepth <= 0 {
		c.Health.RetryRingDegradedDepth = 500
	}
	if c.Health.RetryRingUnhealthyDepth <= 0 {
		c.Health.RetryRingUnhealthyDepth = 900
	}
	if c.Health.BreakerDegradedOpenCount <= 0 {
		c.Health.BreakerDegradedOpenCount = 1
	}
	if c.Tracing.SamplePercent < 0 {
		c.Tracing.SamplePercent = 0
	}
	if c.Tracing.SamplePercent > 100 {
		c.Tracing.SamplePercent = 100
	}
	if c.Events.MaxSubscriberBuffer <= 0 {
		c.Events.MaxSubscriberBuffer = 1024
	}
	return c
}
