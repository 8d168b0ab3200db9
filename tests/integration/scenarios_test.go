// Package integration exercises the documented end-to-end scenarios
// against in-memory fakes of store.Store and aiagent.ModelAdapter: no
// network, no database, fakes of the same shape as the unit-level packages'
// own, assembled into one full cycle.Processor per the spec's worked examples.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/nightcrew/skedge/pkg/aiagent"
	"github.com/nightcrew/skedge/pkg/breaker"
	"github.com/nightcrew/skedge/pkg/cycle"
	"github.com/nightcrew/skedge/pkg/executor"
	"github.com/nightcrew/skedge/pkg/models"
)

const (
	epA = "00000000-0000-0000-0000-00000000000a"
	epB = "00000000-0000-0000-0000-00000000000b"
	epC = "00000000-0000-0000-0000-00000000000c"
	epD = "00000000-0000-0000-0000-00000000000d"
)

type memStore struct {
	mu        sync.Mutex
	jobs      []models.Job
	locked    map[string]bool
	endpoints []models.Endpoint
	schedules map[string]time.Time
	reasons   map[string]string
	errors    []string
}

func newMemStore(jobs []models.Job, endpoints []models.Endpoint) *memStore {
	return &memStore{
		jobs:      jobs,
		endpoints: endpoints,
		locked:    make(map[string]bool),
		schedules: make(map[string]time.Time),
		reasons:   make(map[string]string),
	}
}

func (s *memStore) GetJobsToProcess(ctx context.Context, max int) ([]models.Job, error) {
	return s.jobs, nil
}
func (s *memStore) LockJob(ctx context.Context, jobID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked[jobID] {
		return false, nil
	}
	s.locked[jobID] = true
	return true, nil
}
func (s *memStore) UnlockJob(ctx context.Context, jobID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locked, jobID)
	return nil
}
func (s *memStore) GetJobContext(ctx context.Context, jobID string, window int) (*models.JobContext, error) {
	return &models.JobContext{
		Job:       models.Job{ID: uuid.MustParse(jobID)},
		Endpoints: s.endpoints,
	}, nil
}
func (s *memStore) RecordExecutionPlan(ctx context.Context, jobID string, plan models.AIAgentPlanResponse) error {
	return nil
}
func (s *memStore) RecordEndpointResults(ctx context.Context, jobID string, results []models.EndpointExecutionResult) error {
	return nil
}
func (s *memStore) RecordExecutionSummary(ctx context.Context, jobID string, summary models.ExecutionSummary) error {
	return nil
}
func (s *memStore) UpdateJobSchedule(ctx context.Context, jobID string, nextRunAt time.Time, reasoning string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[jobID] = nextRunAt
	s.reasons[jobID] = reasoning
	return nil
}
func (s *memStore) RecordJobError(ctx context.Context, jobID, phase string, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, phase)
	return nil
}
func (s *memStore) UpdateJobTokenUsage(ctx context.Context, jobID string, delta models.TokenUsage) error {
	return nil
}
func (s *memStore) UpdateExecutionStatus(ctx context.Context, jobID string, status models.JobStatus) error {
	return nil
}
func (s *memStore) GetEngineMetrics(ctx context.Context) (map[string]int64, error) { return nil, nil }

// scriptedModel serves a fixed sequence of structured responses, one per
// GenerateStructured call, so a test can script a repair round-trip.
type scriptedModel struct {
	mu    sync.Mutex
	calls int
	objs  []json.RawMessage
}

func (m *scriptedModel) GenerateStructured(ctx context.Context, prompt string, schema json.RawMessage) (aiagent.GenerateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.calls
	if i >= len(m.objs) {
		i = len(m.objs) - 1
	}
	m.calls++
	return aiagent.GenerateResult{Object: m.objs[i]}, nil
}

func futureSchedule() json.RawMessage {
	obj, _ := json.Marshal(models.AIAgentScheduleResponse{
		NextRunAt:  time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		Confidence: 0.9,
		Reasoning:  "steady state",
	})
	return obj
}

func endpoint(id string) models.Endpoint {
	return models.Endpoint{ID: uuid.MustParse(id), Method: "POST", URL: "http://example.invalid/" + id}
}

// scriptedCaller dispatches per-endpoint scripted (status, body, err, delay)
// sequences, one entry consumed per call.
type scriptedCaller struct {
	mu      sync.Mutex
	scripts map[string][]struct {
		status int
		body   string
		err    error
		delay  time.Duration
	}
	attempts map[string]int
}

func (c *scriptedCaller) Call(ctx context.Context, ep models.Endpoint, call models.EndpointCall, attempt int) (int, string, error) {
	c.mu.Lock()
	script := c.scripts[call.EndpointID]
	idx := c.attempts[call.EndpointID]
	c.attempts[call.EndpointID]++
	c.mu.Unlock()

	if idx >= len(script) {
		idx = len(script) - 1
	}
	entry := script[idx]
	if entry.delay > 0 {
		select {
		case <-time.After(entry.delay):
		case <-ctx.Done():
			return 0, "", ctx.Err()
		}
	}
	return entry.status, entry.body, entry.err
}

type ScenarioSuite struct {
	suite.Suite
}

func TestScenarioSuite(t *testing.T) {
	suite.Run(t, new(ScenarioSuite))
}

// S1: empty batch.
func (s *ScenarioSuite) TestS1EmptyBatch() {
	st := newMemStore(nil, nil)
	model := &scriptedModel{objs: []json.RawMessage{futureSchedule()}}
	ai := aiagent.New(model, aiagent.DefaultConfig("test"), aiagent.DefaultSchemas())
	exec := executor.New(&scriptedCaller{}, 1000, 1, rand.New(rand.NewPCG(1, 1)))
	proc := cycle.New(st, ai, exec, breaker.NewRegistry(breaker.DefaultConfig()), cycle.DefaultConfig("owner"), rand.New(rand.NewPCG(2, 2)))

	result, err := proc.RunCycle(context.Background(), 1)
	s.Require().NoError(err)
	s.Equal(0, result.JobsProcessed)
	s.Equal(0, model.calls, "no AI call should happen on an empty batch")
	s.Empty(st.locked)
}

// S2: sequential strategy aborts remaining calls after a critical failure.
func (s *ScenarioSuite) TestS2SequentialCriticalAbort() {
	plan := models.AIAgentPlanResponse{
		ExecutionStrategy: models.StrategySequential,
		ConcurrencyLimit:  1,
		Confidence:        0.9,
		EndpointCalls: []models.EndpointCall{
			{EndpointID: epA, Priority: 1, Critical: false},
			{EndpointID: epB, Priority: 2, Critical: true, MaxRetries: 0},
			{EndpointID: epC, Priority: 3},
		},
	}
	caller := &scriptedCaller{scripts: map[string][]struct {
		status int
		body   string
		err    error
		delay  time.Duration
	}{
		epA: {{status: 200}},
		epB: {{status: 500, err: fmt.Errorf("server error")}},
		epC: {{status: 200}},
	}}
	exec := executor.New(caller, 1000, 1, rand.New(rand.NewPCG(1, 1)))
	endpoints := []models.Endpoint{endpoint(epA), endpoint(epB), endpoint(epC)}

	results := exec.Run(context.Background(), endpoints, plan)

	s.Require().Len(results.Results, 2, "C must never run after B's critical failure")
	s.Equal(epA, results.Results[0].EndpointID)
	s.True(results.Results[0].Success)
	s.Equal(epB, results.Results[1].EndpointID)
	s.False(results.Results[1].Success)
	s.Equal(1, results.Summary.SuccessCount)
	s.Equal(1, results.Summary.FailureCount)
}

// S3: bounded parallel execution runs within the expected wall-clock window.
func (s *ScenarioSuite) TestS3ParallelConcurrency() {
	calls := []models.EndpointCall{
		{EndpointID: epA, Priority: 1}, {EndpointID: epB, Priority: 1},
		{EndpointID: epC, Priority: 1}, {EndpointID: epD, Priority: 1},
	}
	caller := &scriptedCaller{scripts: map[string][]struct {
		status int
		body   string
		err    error
		delay  time.Duration
	}{
		epA: {{status: 200, delay: 100 * time.Millisecond}},
		epB: {{status: 200, delay: 100 * time.Millisecond}},
		epC: {{status: 200, delay: 100 * time.Millisecond}},
		epD: {{status: 200, delay: 100 * time.Millisecond}},
	}}
	exec := executor.New(caller, 1000, 2, rand.New(rand.NewPCG(1, 1)))

	plan := models.AIAgentPlanResponse{
		ExecutionStrategy: models.StrategyParallel,
		ConcurrencyLimit:  2,
		EndpointCalls:     calls,
	}
	endpoints := []models.Endpoint{endpoint(epA), endpoint(epB), endpoint(epC), endpoint(epD)}

	start := time.Now()
	results := exec.Run(context.Background(), endpoints, plan)
	elapsed := time.Since(start)

	s.Len(results.Results, 4)
	s.GreaterOrEqual(elapsed, 200*time.Millisecond)
	s.Less(elapsed, 400*time.Millisecond)
}

// S4: a malformed plan (concurrencyLimit=1 under parallel strategy) is
// repaired on the single retry when repair is enabled.
func (s *ScenarioSuite) TestS4RepairSuccessForPlan() {
	badPlan, _ := json.Marshal(models.AIAgentPlanResponse{
		ExecutionStrategy: models.StrategyParallel,
		ConcurrencyLimit:  1,
		Confidence:        0.9,
		EndpointCalls:     []models.EndpointCall{{EndpointID: epA, Priority: 1}},
	})
	goodPlan, _ := json.Marshal(models.AIAgentPlanResponse{
		ExecutionStrategy: models.StrategyParallel,
		ConcurrencyLimit:  2,
		Confidence:        0.9,
		EndpointCalls:     []models.EndpointCall{{EndpointID: epA, Priority: 1}},
	})
	model := &scriptedModel{objs: []json.RawMessage{badPlan, goodPlan}}

	cfg := aiagent.DefaultConfig("test")
	cfg.RepairMalformedResponses = true
	var events []aiagent.MetricsEvent
	cfg.MetricsHook = func(e aiagent.MetricsEvent) { events = append(events, e) }
	ai := aiagent.New(model, cfg, aiagent.DefaultSchemas())

	resp, err := ai.PlanExecution(context.Background(), models.JobContext{Job: models.Job{Definition: "x"}})
	s.Require().NoError(err)
	s.Equal(2, resp.ConcurrencyLimit)

	var sawAttempt, sawSuccess, sawMalformed bool
	for _, e := range events {
		switch e.Type {
		case "repairAttempt":
			sawAttempt = true
		case "repairSuccess":
			sawSuccess = true
		case "malformed":
			sawMalformed = true
		}
	}
	s.True(sawAttempt)
	s.True(sawSuccess)
	s.False(sawMalformed, "a successful repair should not also emit malformed")
}

// S5: a schedule response with a past nextRunAt is rejected, and the job
// falls back to the pipeline's own backoff reschedule.
func (s *ScenarioSuite) TestS5ScheduleInThePast() {
	planObj, _ := json.Marshal(models.AIAgentPlanResponse{
		ExecutionStrategy: models.StrategySequential,
		ConcurrencyLimit:  1,
		Confidence:        0.9,
		EndpointCalls:     []models.EndpointCall{{EndpointID: epA, Priority: 1}},
	})
	pastSchedule, _ := json.Marshal(models.AIAgentScheduleResponse{
		NextRunAt:  time.Now().Add(-60 * time.Second).UTC().Format(time.RFC3339),
		Confidence: 0.9,
	})
	model := &scriptedModel{objs: []json.RawMessage{planObj, pastSchedule}}
	ai := aiagent.New(model, aiagent.DefaultConfig("test"), aiagent.DefaultSchemas())

	caller := &scriptedCaller{scripts: map[string][]struct {
		status int
		body   string
		err    error
		delay  time.Duration
	}{epA: {{status: 200}}}}
	exec := executor.New(caller, 1000, 1, rand.New(rand.NewPCG(1, 1)))

	jobID := uuid.New()
	st := newMemStore([]models.Job{{ID: jobID}}, []models.Endpoint{endpoint(epA)})
	proc := cycle.New(st, ai, exec, breaker.NewRegistry(breaker.DefaultConfig()), cycle.DefaultConfig("owner"), rand.New(rand.NewPCG(2, 2)))

	result, err := proc.RunCycle(context.Background(), 1)
	s.Require().NoError(err)
	s.Equal(1, result.JobsProcessed)
	s.Equal(0, result.SuccessCount)
	s.Equal(1, result.FailureCount)
	s.Contains(st.errors, "schedule")
	s.Contains(st.reasons[jobID.String()], "fallback backoff")
	s.True(st.schedules[jobID.String()].After(time.Now()))
}

// S6: an endpoint call that fails once (503) then succeeds records
// attempts=2, success=true, and never trips the circuit breaker.
func (s *ScenarioSuite) TestS6EndpointRetryThenSuccess() {
	caller := &scriptedCaller{scripts: map[string][]struct {
		status int
		body   string
		err    error
		delay  time.Duration
	}{
		epA: {
			{status: 503, err: fmt.Errorf("service unavailable")},
			{status: 200},
		},
	}}
	exec := executor.New(caller, 1000, 1, rand.New(rand.NewPCG(1, 1)))
	br := breaker.NewRegistry(breaker.Config{FailureThreshold: 3, CooldownCycles: 1})

	plan := models.AIAgentPlanResponse{
		ExecutionStrategy: models.StrategySequential,
		EndpointCalls:     []models.EndpointCall{{EndpointID: epA, Priority: 1, MaxRetries: 2}},
	}
	results := exec.Run(context.Background(), []models.Endpoint{endpoint(epA)}, plan)

	s.Require().Len(results.Results, 1)
	s.True(results.Results[0].Success)
	s.Equal(2, results.Results[0].Attempts)

	br.RecordSuccess("job-1", epA)
	s.Equal(0, br.EscalationCount("job-1", epA))
}
