package engine

import "sync/atomic"

// Metrics holds engine-wide execution counters.
type Metrics struct {
	instancesStarted   atomic.Int64
	instancesCompleted atomic.Int64
	instancesFailed    atomic.Int64
	instancesCancelled atomic.Int64
	stepsDispatched    atomic.Int64
	stepsRetried       atomic.Int64
	stepsSkipped       atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of the engine counters.
type MetricsSnapshot struct {
	InstancesStarted   int64 `json:"instancesStarted"`
	InstancesCompleted int64 `json:"instancesCompleted"`
	InstancesFailed    int64 `json:"instancesFailed"`
	InstancesCancelled int64 `json:"instancesCancelled"`
	StepsDispatched    int64 `json:"stepsDispatched"`
	StepsRetried       int64 `json:"stepsRetried"`
	StepsSkipped       int64 `json:"stepsSkipped"`
}

// Snapshot returns a copy of the current counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		InstancesStarted:   m.instancesStarted.Load(),
		InstancesCompleted: m.instancesCompleted.Load(),
		InstancesFailed:    m.instancesFailed.Load(),
		InstancesCancelled: m.instancesCancelled.Load(),
		StepsDispatched:    m.stepsDispatched.Load(),
		StepsRetried:       m.stepsRetried.Load(),
		StepsSkipped:       m.stepsSkipped.Load(),
	}
}
