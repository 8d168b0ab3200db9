package models

import "time"

// EngineStatus is the lifecycle state of the engine.
type EngineStatus string

const (
	EngineStopped  EngineStatus = "stopped"
	EngineRunning  EngineStatus = "running"
	EngineDraining EngineStatus = "draining"
)

// PhaseCounts is a per-phase ({plan,schedule}) counter map, used for
// malformed-response and repair bookkeeping.
type PhaseCounts map[string]int

// Stats accumulates counters across the engine's lifetime. Mutations always
// happen behind the owning Engine's mutex.
type Stats struct {
	TotalCycles          int64       `json:"totalCycles"`
	JobsProcessed        int64       `json:"jobsProcessed"`
	SuccessCount         int64       `json:"successCount"`
	FailureCount         int64       `json:"failureCount"`
	EndpointCalls        int64       `json:"endpointCalls"`
	AICalls              int64       `json:"aiCalls"`
	MalformedByPhase     PhaseCounts `json:"malformedByPhase"`
	RepairAttemptsByPhase PhaseCounts `json:"repairAttemptsByPhase"`
	RepairSuccessesByPhase PhaseCounts `json:"repairSuccessesByPhase"`
	RepairFailuresByPhase PhaseCounts `json:"repairFailuresByPhase"`
	TotalCycleDurationMs  int64       `json:"totalCycleDurationMs"`
}

// AverageCycleDurationMs returns the running mean cycle duration, or 0 if no
// cycle has completed yet.
func (s *Stats) AverageCycleDurationMs() float64 {
	if s.TotalCycles == 0 {
		return 0
	}
	return float64(s.TotalCycleDurationMs) / float64(s.TotalCycles)
}

func newPhaseCounts() PhaseCounts {
	return PhaseCounts{"plan": 0, "schedule": 0}
}

// NewStats returns a zeroed Stats with phase maps initialized.
func NewStats() Stats {
	return Stats{
		MalformedByPhase:       newPhaseCounts(),
		RepairAttemptsByPhase:  newPhaseCounts(),
		RepairSuccessesByPhase: newPhaseCounts(),
		RepairFailuresByPhase:  newPhaseCounts(),
	}
}

// EngineState is a snapshot of the engine's in-memory state, copied out under
// the Engine's mutex. It is never persisted wholesale; getEngineMetrics
// exposes it.
type EngineState struct {
	Status             EngineStatus `json:"status"`
	LastProcessingTime time.Time    `json:"lastProcessingTime"`
	Stats              Stats        `json:"stats"`
}

// DisabledEndpointEntry is one entry of the DisabledEndpointMap.
type DisabledEndpointEntry struct {
	UntilCycle int64  `json:"untilCycle"`
	Reason     string `json:"reason"`
}

// EndpointKey identifies a (job, endpoint) pair, the unit the circuit
// breaker and escalation map key on.
type EndpointKey struct {
	JobID      string
	EndpointID string
}
