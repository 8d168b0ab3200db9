package models

import "time"

// ExecutionContext carries ambient information about the host the engine
// runs on, surfaced to the AI planner as part of JobContext.
type ExecutionContext struct {
	CurrentTime       time.Time         `json:"current_time"`
	SystemEnvironment SystemEnvironment `json:"system_environment"`
}

// SystemEnvironment describes the machine class the engine is running on,
// sourced from gopsutil at engine startup.
type SystemEnvironment struct {
	CPUCount       int     `json:"cpu_count"`
	TotalMemoryMB  uint64  `json:"total_memory_mb"`
	AvailMemoryMB  uint64  `json:"avail_memory_mb"`
	HostUptimeSecs uint64  `json:"host_uptime_secs"`
	LoadAverage1M  float64 `json:"load_average_1m,omitempty"`
}

// JobContext is the transient, per-cycle view of a job built by the store
// adapter and consumed by the AI agent adapter and endpoint executor. It is
// owned exclusively by the cycle processor for the duration of one job's
// pipeline run.
type JobContext struct {
	Job              Job               `json:"job"`
	Endpoints        []Endpoint        `json:"endpoints"`
	Messages         []Message         `json:"messages"`
	EndpointUsage    []EndpointUsage   `json:"endpoint_usage"`
	ExecutionContext ExecutionContext  `json:"execution_context"`
}
