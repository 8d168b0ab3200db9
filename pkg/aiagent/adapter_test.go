package aiagent

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nightcrew/skedge/pkg/models"
)

// scriptedModel returns one GenerateResult (or error) per call, in order,
// repeating the last entry once exhausted.
type scriptedModel struct {
	calls   int
	results []GenerateResult
	errs    []error
}

func (m *scriptedModel) GenerateStructured(ctx context.Context, prompt string, schema json.RawMessage) (GenerateResult, error) {
	i := m.calls
	if i >= len(m.results) {
		i = len(m.results) - 1
	}
	m.calls++
	var err error
	if i < len(m.errs) {
		err = m.errs[i]
	}
	return m.results[i], err
}

func validPlanObject() json.RawMessage {
	obj := models.AIAgentPlanResponse{
		ExecutionStrategy: models.StrategySequential,
		ConcurrencyLimit:  1,
		EndpointCalls: []models.EndpointCall{
			{EndpointID: "ep-1", Priority: 1},
		},
		Confidence: 0.9,
	}
	data, _ := json.Marshal(obj)
	return data
}

func baseJobContext() models.JobContext {
	return models.JobContext{
		Job:       models.Job{Definition: "poll a feed every hour"},
		Endpoints: []models.Endpoint{{Method: "GET", URL: "http://example.invalid"}},
	}
}

func TestPlanExecutionHappyPath(t *testing.T) {
	model := &scriptedModel{results: []GenerateResult{{Object: validPlanObject(), Usage: models.Usage{TotalTokens: 10}}}}
	a := New(model, DefaultConfig("test-model"), DefaultSchemas())

	resp, err := a.PlanExecution(context.Background(), baseJobContext())
	require.NoError(t, err)
	assert.Equal(t, models.StrategySequential, resp.ExecutionStrategy)
	assert.Len(t, resp.EndpointCalls, 1)
}

func TestPlanExecutionRepairsOnSchemaFailureWhenEnabled(t *testing.T) {
	model := &scriptedModel{results: []GenerateResult{
		{Object: json.RawMessage(`{"not":"a plan"}`)},
		{Object: validPlanObject()},
	}}
	cfg := DefaultConfig("test-model")
	cfg.RepairMalformedResponses = true
	var events []MetricsEvent
	cfg.MetricsHook = func(e MetricsEvent) { events = append(events, e) }
	a := New(model, cfg, DefaultSchemas())

	resp, err := a.PlanExecution(context.Background(), baseJobContext())
	require.NoError(t, err)
	assert.Equal(t, models.StrategySequential, resp.ExecutionStrategy)
	assert.Equal(t, 2, model.calls)

	var sawRepairAttempt, sawRepairSuccess bool
	for _, e := range events {
		if e.Type == "repairAttempt" {
			sawRepairAttempt = true
		}
		if e.Type == "repairSuccess" {
			sawRepairSuccess = true
		}
	}
	assert.True(t, sawRepairAttempt)
	assert.True(t, sawRepairSuccess)
}

func TestPlanExecutionDoesNotRepairWhenDisabled(t *testing.T) {
	model := &scriptedModel{results: []GenerateResult{
		{Object: json.RawMessage(`{"not":"a plan"}`)},
		{Object: validPlanObject()},
	}}
	cfg := DefaultConfig("test-model")
	cfg.RepairMalformedResponses = false
	a := New(model, cfg, DefaultSchemas())

	_, err := a.PlanExecution(context.Background(), baseJobContext())
	assert.Error(t, err)
	assert.Equal(t, 1, model.calls, "no repair attempt should be made")
}

func TestFinalizeScheduleRejectsPastNextRunAt(t *testing.T) {
	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	obj, _ := json.Marshal(models.AIAgentScheduleResponse{NextRunAt: past, Confidence: 0.5})
	model := &scriptedModel{results: []GenerateResult{{Object: obj}}}
	a := New(model, DefaultConfig("test-model"), DefaultSchemas())

	_, err := a.FinalizeSchedule(context.Background(), baseJobContext(), models.ExecutionResults{})
	assert.Error(t, err)
}

func TestFinalizeScheduleHappyPath(t *testing.T) {
	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	obj, _ := json.Marshal(models.AIAgentScheduleResponse{NextRunAt: future, Confidence: 0.8, Reasoning: "looks healthy"})
	model := &scriptedModel{results: []GenerateResult{{Object: obj}}}
	a := New(model, DefaultConfig("test-model"), DefaultSchemas())

	resp, err := a.FinalizeSchedule(context.Background(), baseJobContext(), models.ExecutionResults{})
	require.NoError(t, err)
	assert.Equal(t, future, resp.NextRunAt)
}
