package aiagent

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/nightcrew/skedge/pkg/engineerr"
	"github.com/nightcrew/skedge/pkg/models"
)

// SchemaSet holds the JSON Schema documents the adapter validates plan and
// schedule responses against.
type SchemaSet struct {
	Plan     json.RawMessage
	Schedule json.RawMessage
}

// PlanSchema is the default JSON Schema for AIAgentPlanResponse.
var PlanSchema = json.RawMessage(`{
  "type": "object",
  "required": ["executionStrategy", "concurrencyLimit", "endpointCalls", "confidence"],
  "properties": {
    "executionStrategy": {"type": "string", "enum": ["sequential", "parallel"]},
    "concurrencyLimit": {"type": "integer", "minimum": 1},
    "endpointCalls": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["endpointId", "priority"],
        "properties": {
          "endpointId": {"type": "string"},
          "priority": {"type": "integer"},
          "critical": {"type": "boolean"},
          "dependsOn": {"type": "array", "items": {"type": "string"}},
          "timeoutMs": {"type": "integer"},
          "maxRetries": {"type": "integer"}
        }
      }
    },
    "reasoning": {"type": "string"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1}
  }
}`)

// ScheduleSchema is the default JSON Schema for AIAgentScheduleResponse.
var ScheduleSchema = json.RawMessage(`{
  "type": "object",
  "required": ["nextRunAt", "confidence"],
  "properties": {
    "nextRunAt": {"type": "string"},
    "reasoning": {"type": "string"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1}
  }
}`)

// DefaultSchemas is the SchemaSet used when the caller doesn't supply one.
func DefaultSchemas() SchemaSet {
	return SchemaSet{Plan: PlanSchema, Schedule: ScheduleSchema}
}

// ValidateSchema rejects obj if it does not conform to schema, per §4.5
// step 3. It returns a plain error on any failure to parse or structurally
// conform; callers wrap it as a Schema ModelError.
func ValidateSchema(schema json.RawMessage, obj json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	schemaLoader := gojsonschema.NewBytesLoader(schema)
	docLoader := gojsonschema.NewBytesLoader(obj)

	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return fmt.Errorf("Error parsing response against schema: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("schema validation failed: %v", msgs)
	}
	return nil
}

// validatePlanSemantics enforces §4.5 step 4's plan rules, accumulating
// human-readable issues and returning them as one error only when
// non-empty AND cfg.SemanticStrict.
func validatePlanSemantics(resp models.AIAgentPlanResponse, cfg Config) error {
	var issues []string

	if resp.ExecutionStrategy == models.StrategyParallel && resp.ConcurrencyLimit < 2 {
		issues = append(issues, "parallel strategy requires concurrencyLimit >= 2")
	}

	ids := make(map[string]struct{}, len(resp.EndpointCalls))
	for _, c := range resp.EndpointCalls {
		if _, dup := ids[c.EndpointID]; dup {
			issues = append(issues, fmt.Sprintf("endpoint %s appears more than once in the plan", c.EndpointID))
		}
		ids[c.EndpointID] = struct{}{}
	}
	for _, c := range resp.EndpointCalls {
		for _, dep := range c.DependsOn {
			if dep == c.EndpointID {
				issues = append(issues, fmt.Sprintf("endpoint %s depends on itself", c.EndpointID))
				continue
			}
			if _, ok := ids[dep]; !ok {
				issues = append(issues, fmt.Sprintf("endpoint %s depends on unknown endpoint %s", c.EndpointID, dep))
			}
		}
		if c.Critical && c.Priority < 1 {
			issues = append(issues, fmt.Sprintf("critical endpoint %s must have priority >= 1", c.EndpointID))
		}
	}

	if cyc := findDependencyCycle(resp.EndpointCalls); cyc != "" {
		issues = append(issues, fmt.Sprintf("dependsOn graph contains a cycle: %s", cyc))
	}

	return raiseIfNeeded(issues, cfg, "plan")
}

// findDependencyCycle walks the dependsOn graph with the standard
// white/gray/black DFS coloring and returns a human-readable description of
// the first cycle found, or "" if the graph is a DAG. runParallel assumes
// dependsOn is acyclic (it waits on each dependency's done channel); an
// undetected cycle would hang every endpoint in the cycle until
// cycleTimeout cancels the context instead of failing validation up front.
func findDependencyCycle(calls []models.EndpointCall) string {
	deps := make(map[string][]string, len(calls))
	for _, c := range calls {
		deps[c.EndpointID] = c.DependsOn
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(calls))
	var path []string

	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		path = append(path, id)
		for _, dep := range deps[id] {
			switch color[dep] {
			case gray:
				return cycleDescription(append(path, dep))
			case white:
				if _, known := deps[dep]; known {
					if desc := visit(dep); desc != "" {
						return desc
					}
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return ""
	}

	for _, c := range calls {
		if color[c.EndpointID] == white {
			if desc := visit(c.EndpointID); desc != "" {
				return desc
			}
		}
	}
	return ""
}

func cycleDescription(path []string) string {
	// path ends with the node that closes the cycle back to an earlier
	// entry; trim the prefix that isn't part of the cycle itself.
	start := 0
	for i, id := range path[:len(path)-1] {
		if id == path[len(path)-1] {
			start = i
			break
		}
	}
	desc := ""
	for _, id := range path[start:] {
		if desc != "" {
			desc += " -> "
		}
		desc += id
	}
	return desc
}

// validateScheduleSemantics enforces §4.5 step 4's schedule rules.
func validateScheduleSemantics(resp models.AIAgentScheduleResponse, cfg Config) error {
	var issues []string

	parsed, err := time.Parse(time.RFC3339, resp.NextRunAt)
	if err != nil {
		issues = append(issues, fmt.Sprintf("nextRunAt does not parse as a date: %v", err))
	} else if !parsed.After(time.Now()) {
		issues = append(issues, "nextRunAt must be strictly in the future")
	}

	if resp.Confidence < 0 || resp.Confidence > 1 {
		issues = append(issues, "confidence must be in [0,1]")
	}

	return raiseIfNeeded(issues, cfg, "schedule")
}

func raiseIfNeeded(issues []string, cfg Config, phase string) error {
	if len(issues) == 0 {
		return nil
	}
	if !cfg.SemanticStrict {
		return nil
	}
	err := fmt.Errorf("Semantic validation failed: %v", issues)
	return engineerr.NewModelError(engineerr.ModelSemantic, phase, err)
}
