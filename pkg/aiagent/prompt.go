package aiagent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nightcrew/skedge/pkg/models"
)

// PromptOptimizationConfig controls the deterministic tail-window
// optimization applied to a job's message history and endpoint usage
// before either AI call.
type PromptOptimizationConfig struct {
	Enabled                  bool
	MaxMessages              int
	MinRecentMessages        int
	MaxEndpointUsageEntries  int
}

func DefaultPromptOptimizationConfig() PromptOptimizationConfig {
	return PromptOptimizationConfig{
		Enabled:                 true,
		MaxMessages:             20,
		MinRecentMessages:       5,
		MaxEndpointUsageEntries: 20,
	}
}

// OptimizeContext is the pure, deterministic function described in §9's
// "prompt context as lazy sequence" design note: it keeps every system
// message, then a tail window of the most recent non-system messages, and
// truncates endpoint usage to its own tail window. Given the same jc and
// cfg it always returns the same result — it never looks outside jc, so
// context stays scoped to the single job it was built for.
func OptimizeContext(jc models.JobContext, cfg PromptOptimizationConfig) (messages []models.Message, usage []models.EndpointUsage) {
	if !cfg.Enabled {
		return jc.Messages, jc.EndpointUsage
	}

	var systemMsgs, otherMsgs []models.Message
	for _, m := range jc.Messages {
		if m.Role == models.RoleSystem {
			systemMsgs = append(systemMsgs, m)
		} else {
			otherMsgs = append(otherMsgs, m)
		}
	}

	keep := cfg.MaxMessages
	if cfg.MinRecentMessages > keep {
		keep = cfg.MinRecentMessages
	}
	if keep > len(otherMsgs) {
		keep = len(otherMsgs)
	}
	tail := otherMsgs[len(otherMsgs)-keep:]

	combined := append(append([]models.Message{}, systemMsgs...), tail...)
	if len(combined) > cfg.MaxMessages && cfg.MaxMessages > 0 {
		overflow := len(combined) - cfg.MaxMessages
		// System messages are always preserved even if this would otherwise
		// truncate below cfg.MaxMessages; trim from the non-system tail only.
		if overflow < len(tail) {
			tail = tail[overflow:]
		} else {
			tail = nil
		}
		combined = append(append([]models.Message{}, systemMsgs...), tail...)
	}

	usageCap := cfg.MaxEndpointUsageEntries
	usageEntries := jc.EndpointUsage
	if usageCap > 0 && len(usageEntries) > usageCap {
		usageEntries = usageEntries[len(usageEntries)-usageCap:]
	}

	return combined, usageEntries
}

// BuildPlanPrompt renders the optimized context into the prompt text sent
// to the model adapter for the "plan" phase.
func BuildPlanPrompt(jc models.JobContext, cfg PromptOptimizationConfig) string {
	messages, usage := OptimizeContext(jc, cfg)

	var b strings.Builder
	fmt.Fprintf(&b, "Job: %s\n", jc.Job.Definition)
	fmt.Fprintf(&b, "Current time: %s\n", jc.ExecutionContext.CurrentTime.UTC().Format("2006-01-02T15:04:05Z"))
	if jc.ExecutionContext.SystemEnvironment.CPUCount > 0 {
		fmt.Fprintf(&b, "Host: %d CPUs, %dMB total memory\n",
			jc.ExecutionContext.SystemEnvironment.CPUCount,
			jc.ExecutionContext.SystemEnvironment.TotalMemoryMB)
	}

	b.WriteString("Available endpoints:\n")
	for _, ep := range jc.Endpoints {
		fmt.Fprintf(&b, "- %s %s %s\n", ep.ID, ep.Method, ep.URL)
	}

	b.WriteString("Recent messages:\n")
	for _, m := range messages {
		fmt.Fprintf(&b, "[%s] %s\n", m.Role, m.Content)
	}

	b.WriteString("Recent endpoint usage:\n")
	for _, u := range usage {
		fmt.Fprintf(&b, "- %s success=%v latencyMs=%d\n", u.EndpointID, u.Success, u.LatencyMs)
	}

	b.WriteString("Produce an execution plan as a structured object matching the plan schema.")
	return b.String()
}

// BuildSchedulePrompt renders the optimized context plus this cycle's
// results into the prompt text sent for the "schedule" phase.
func BuildSchedulePrompt(jc models.JobContext, results models.ExecutionResults, cfg PromptOptimizationConfig) string {
	messages, usage := OptimizeContext(jc, cfg)

	var b strings.Builder
	fmt.Fprintf(&b, "Job: %s\n", jc.Job.Definition)
	fmt.Fprintf(&b, "Current time: %s\n", jc.ExecutionContext.CurrentTime.UTC().Format("2006-01-02T15:04:05Z"))

	resultsJSON, _ := json.Marshal(results)
	fmt.Fprintf(&b, "Execution results: %s\n", string(resultsJSON))

	b.WriteString("Recent messages:\n")
	for _, m := range messages {
		fmt.Fprintf(&b, "[%s] %s\n", m.Role, m.Content)
	}
	b.WriteString("Recent endpoint usage:\n")
	for _, u := range usage {
		fmt.Fprintf(&b, "- %s success=%v latencyMs=%d\n", u.EndpointID, u.Success, u.LatencyMs)
	}

	b.WriteString("Produce the next run time as a structured object matching the schedule schema. It must be strictly in the future.")
	return b.String()
}
