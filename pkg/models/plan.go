package models

// ExecutionStrategy selects how the executor dispatches a plan's endpoint
// calls.
type ExecutionStrategy string

const (
	StrategySequential ExecutionStrategy = "sequential"
	StrategyParallel   ExecutionStrategy = "parallel"
)

// EndpointCall is one instruction within a plan: which endpoint to invoke,
// at what priority, with what payload, and under what per-call policy.
type EndpointCall struct {
	EndpointID string         `json:"endpointId"`
	Priority   int            `json:"priority"`
	Critical   bool           `json:"critical"`
	DependsOn  []string       `json:"dependsOn"`
	TimeoutMs  int            `json:"timeoutMs"`
	MaxRetries int            `json:"maxRetries"`
	Payload    map[string]any `json:"payload"`
}

// Usage mirrors the model adapter's token accounting shape.
type Usage struct {
	InputTokens        int `json:"inputTokens"`
	OutputTokens        int `json:"outputTokens"`
	TotalTokens         int `json:"totalTokens"`
	CachedInputTokens   int `json:"cachedInputTokens,omitempty"`
	ReasoningTokens     int `json:"reasoningTokens,omitempty"`
}

// AIAgentPlanResponse is the structured object the AI agent adapter's
// planExecution operation returns.
type AIAgentPlanResponse struct {
	ExecutionStrategy ExecutionStrategy `json:"executionStrategy"`
	ConcurrencyLimit  int               `json:"concurrencyLimit"`
	EndpointCalls     []EndpointCall    `json:"endpointCalls"`
	Reasoning         string            `json:"reasoning"`
	Confidence        float64           `json:"confidence"`
	Usage             *Usage            `json:"usage,omitempty"`
}

// AIAgentScheduleResponse is the structured object the AI agent adapter's
// finalizeSchedule operation returns.
type AIAgentScheduleResponse struct {
	NextRunAt  string  `json:"nextRunAt"`
	Reasoning  string  `json:"reasoning"`
	Confidence float64 `json:"confidence"`
	Usage      *Usage  `json:"usage,omitempty"`
}
