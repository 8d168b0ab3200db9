// Package aiagent wraps the narrow AI model adapter with the pipeline the
// engine requires around it: prompt optimization, schema validation,
// semantic validation, a single-shot repair loop, malformed-response
// classification and metrics emission.
package aiagent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nightcrew/skedge/internal/tracing"
	"github.com/nightcrew/skedge/pkg/engineerr"
	"github.com/nightcrew/skedge/pkg/models"
)

// GenerateResult is the structured object + metadata a ModelAdapter call
// returns.
type GenerateResult struct {
	Object       json.RawMessage
	Text         string
	Usage        models.Usage
	FinishReason string
}

// ModelAdapter is the narrow boundary to an AI vendor SDK: it turns a
// prompt and a target schema into a structured object. Implementations
// (httpmodel.Client) own the vendor-specific transport; this interface is
// the only thing the rest of the engine depends on.
type ModelAdapter interface {
	GenerateStructured(ctx context.Context, prompt string, schema json.RawMessage) (GenerateResult, error)
}

// MetricsEvent is one entry of the metrics event stream §4.5/§6 describe.
type MetricsEvent struct {
	Type       string // call, repairAttempt, repairSuccess, repairFailure, malformed
	Phase      string // plan, schedule
	Category   string
	JobID      string
	EndpointID string
	LatencyMs  int64
	Attempts   int
}

// MetricsHook receives every MetricsEvent the adapter emits.
type MetricsHook func(MetricsEvent)

// Config controls the AI agent adapter's pipeline behavior, matching the
// configuration fields enumerated for aiAgent.
type Config struct {
	Model                    string
	ValidateSemantics        bool
	SemanticStrict           bool
	RepairMalformedResponses bool
	MetricsHook              MetricsHook
	PromptOptimization       PromptOptimizationConfig
}

func DefaultConfig(model string) Config {
	return Config{
		Model:                    model,
		ValidateSemantics:        true,
		SemanticStrict:           true,
		RepairMalformedResponses: false,
		PromptOptimization:       DefaultPromptOptimizationConfig(),
	}
}

// Adapter is the AI agent adapter: planExecution and finalizeSchedule.
type Adapter struct {
	model  ModelAdapter
	cfg    Config
	schema SchemaSet
}

func New(model ModelAdapter, cfg Config, schemas SchemaSet) *Adapter {
	return &Adapter{model: model, cfg: cfg, schema: schemas}
}

func (a *Adapter) emit(evt MetricsEvent) {
	if a.cfg.MetricsHook != nil {
		a.cfg.MetricsHook(evt)
	}
}

// PlanExecution runs the full pipeline for the "plan" phase and returns a
// validated AIAgentPlanResponse.
func (a *Adapter) PlanExecution(ctx context.Context, jc models.JobContext) (models.AIAgentPlanResponse, error) {
	const phase = "plan"
	a.emit(MetricsEvent{Type: "call", Phase: phase})
	prompt := BuildPlanPrompt(jc, a.cfg.PromptOptimization)

	obj, usage, err := a.generateWithRepair(ctx, phase, prompt, a.schema.Plan, func(raw json.RawMessage) error {
		var resp models.AIAgentPlanResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return engineerr.NewModelError(engineerr.ModelSchema, phase, fmt.Errorf("schema parse error: %w", err))
		}
		return validatePlanSemantics(resp, a.cfg)
	})
	if err != nil {
		return models.AIAgentPlanResponse{}, err
	}

	var resp models.AIAgentPlanResponse
	if err := json.Unmarshal(obj, &resp); err != nil {
		return models.AIAgentPlanResponse{}, engineerr.NewModelError(engineerr.ModelSchema, phase, err)
	}
	if resp.Usage == nil {
		resp.Usage = &usage
	}
	return resp, nil
}

// FinalizeSchedule runs the full pipeline for the "schedule" phase and
// returns a validated AIAgentScheduleResponse.
func (a *Adapter) FinalizeSchedule(ctx context.Context, jc models.JobContext, results models.ExecutionResults) (models.AIAgentScheduleResponse, error) {
	const phase = "schedule"
	a.emit(MetricsEvent{Type: "call", Phase: phase})
	prompt := BuildSchedulePrompt(jc, results, a.cfg.PromptOptimization)

	obj, usage, err := a.generateWithRepair(ctx, phase, prompt, a.schema.Schedule, func(raw json.RawMessage) error {
		var resp models.AIAgentScheduleResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return engineerr.NewModelError(engineerr.ModelSchema, phase, fmt.Errorf("schema parse error: %w", err))
		}
		return validateScheduleSemantics(resp, a.cfg)
	})
	if err != nil {
		return models.AIAgentScheduleResponse{}, err
	}

	var resp models.AIAgentScheduleResponse
	if err := json.Unmarshal(obj, &resp); err != nil {
		return models.AIAgentScheduleResponse{}, engineerr.NewModelError(engineerr.ModelSchema, phase, err)
	}
	if resp.Usage == nil {
		resp.Usage = &usage
	}
	return resp, nil
}

// generateWithRepair implements steps 2-6 of the §4.5 pipeline: structured
// generation, schema + semantic validation (via validate), the single-shot
// repair loop, and terminal malformed-response classification.
func (a *Adapter) generateWithRepair(ctx context.Context, phase, prompt string, schema json.RawMessage, validate func(json.RawMessage) error) (json.RawMessage, models.Usage, error) {
	raw, usage, err := a.generateAndValidate(ctx, phase, prompt, schema, validate)
	if err == nil {
		return raw, usage, nil
	}

	if !a.shouldRepair(err) {
		a.classifyAndEmit(phase, err, "", "")
		return nil, models.Usage{}, err
	}

	a.bumpRepairAttempt(phase)
	raw, usage, rerr := a.generateAndValidate(ctx, phase, prompt, schema, validate)
	if rerr == nil {
		a.bumpRepairSuccess(phase)
		return raw, usage, nil
	}

	a.bumpRepairFailure(phase)
	a.classifyAndEmit(phase, rerr, "", "")
	return nil, models.Usage{}, rerr
}

func (a *Adapter) generateAndValidate(ctx context.Context, phase, prompt string, schema json.RawMessage, validate func(json.RawMessage) error) (json.RawMessage, models.Usage, error) {
	spanCtx, span := tracing.StartSpan(ctx, "ai.generate")
	span.SetAttributes(attribute.String("ai.phase", phase))
	defer span.End()

	result, err := a.model.GenerateStructured(spanCtx, prompt, schema)
	if err != nil {
		err = engineerr.NewModelError(engineerr.ModelVendor, phase, err)
		tracing.SetError(spanCtx, err)
		return nil, models.Usage{}, err
	}
	if len(result.Object) == 0 {
		err := engineerr.NewModelError(engineerr.ModelEmpty, phase, fmt.Errorf("empty response"))
		tracing.SetError(spanCtx, err)
		return nil, models.Usage{}, err
	}
	if err := ValidateSchema(a.schemaFor(phase), result.Object); err != nil {
		err = engineerr.NewModelError(engineerr.ModelSchema, phase, err)
		tracing.SetError(spanCtx, err)
		return nil, models.Usage{}, err
	}
	if a.cfg.ValidateSemantics {
		if err := validate(result.Object); err != nil {
			tracing.SetError(spanCtx, err)
			return nil, models.Usage{}, err
		}
	}
	span.SetAttributes(
		attribute.Int("ai.usage.inputTokens", result.Usage.InputTokens),
		attribute.Int("ai.usage.outputTokens", result.Usage.OutputTokens),
	)
	return result.Object, result.Usage, nil
}

func (a *Adapter) schemaFor(phase string) json.RawMessage {
	if phase == "schedule" {
		return a.schema.Schedule
	}
	return a.schema.Plan
}

// shouldRepair gates the single-shot repair loop on config and on the
// error message matching the documented pattern.
func (a *Adapter) shouldRepair(err error) bool {
	if !a.cfg.RepairMalformedResponses {
		return false
	}
	me, ok := engineerr.AsModelError(err)
	if !ok || !me.Repairable() {
		return false
	}
	return repairablePattern.MatchString(err.Error())
}

func (a *Adapter) bumpRepairAttempt(phase string) {
	a.emit(MetricsEvent{Type: "repairAttempt", Phase: phase})
}

func (a *Adapter) bumpRepairSuccess(phase string) {
	a.emit(MetricsEvent{Type: "repairSuccess", Phase: phase})
}

func (a *Adapter) bumpRepairFailure(phase string) {
	a.emit(MetricsEvent{Type: "repairFailure", Phase: phase})
}

func (a *Adapter) classifyAndEmit(phase string, err error, jobID, endpointID string) {
	category := ClassifyMalformed(err)
	a.emit(MetricsEvent{Type: "malformed", Phase: phase, Category: string(category), JobID: jobID, EndpointID: endpointID})
}

// nowUTCISO8601 is used by callers building schedule-related prompts; kept
// here so prompt.go and validate.go share one time source.
func nowUTCISO8601() string {
	return time.Now().UTC().Format(time.RFC3339)
}
