package cycle

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nightcrew/skedge/pkg/aiagent"
	"github.com/nightcrew/skedge/pkg/breaker"
	"github.com/nightcrew/skedge/pkg/executor"
	"github.com/nightcrew/skedge/pkg/models"
)

// fakeStore is an in-memory store.Store sufficient for exercising the
// single-job pipeline: one job, recording every call made to it.
type fakeStore struct {
	mu sync.Mutex

	jobs      []models.Job
	locked    map[string]bool
	plans     map[string]models.AIAgentPlanResponse
	results   map[string][]models.EndpointExecutionResult
	summaries map[string]models.ExecutionSummary
	schedules map[string]struct {
		nextRunAt time.Time
		reasoning string
	}
	errors []string

	failGetContext bool
}

func newFakeStore(jobs []models.Job) *fakeStore {
	return &fakeStore{
		jobs:   jobs,
		locked: make(map[string]bool),
		plans:  make(map[string]models.AIAgentPlanResponse),
		results: make(map[string][]models.EndpointExecutionResult),
		summaries: make(map[string]models.ExecutionSummary),
		schedules: make(map[string]struct {
			nextRunAt time.Time
			reasoning string
		}),
	}
}

func (s *fakeStore) GetJobsToProcess(ctx context.Context, max int) ([]models.Job, error) {
	return s.jobs, nil
}

func (s *fakeStore) LockJob(ctx context.Context, jobID, leaseOwner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked[jobID] {
		return false, nil
	}
	s.locked[jobID] = true
	return true, nil
}

func (s *fakeStore) UnlockJob(ctx context.Context, jobID, leaseOwner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locked, jobID)
	return nil
}

func (s *fakeStore) GetJobContext(ctx context.Context, jobID string, messageWindow int) (*models.JobContext, error) {
	if s.failGetContext {
		return nil, fmt.Errorf("boom")
	}
	return &models.JobContext{
		Job:       models.Job{ID: uuid.MustParse(jobID), Definition: "test job"},
		Endpoints: []models.Endpoint{{ID: uuid.MustParse(epA), Method: "GET", URL: "http://example.invalid"}},
	}, nil
}

func (s *fakeStore) RecordExecutionPlan(ctx context.Context, jobID string, plan models.AIAgentPlanResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[jobID] = plan
	return nil
}

func (s *fakeStore) RecordEndpointResults(ctx context.Context, jobID string, results []models.EndpointExecutionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[jobID] = results
	return nil
}

func (s *fakeStore) RecordExecutionSummary(ctx context.Context, jobID string, summary models.ExecutionSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries[jobID] = summary
	return nil
}

func (s *fakeStore) UpdateJobSchedule(ctx context.Context, jobID string, nextRunAt time.Time, reasoning string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[jobID] = struct {
		nextRunAt time.Time
		reasoning string
	}{nextRunAt, reasoning}
	return nil
}

func (s *fakeStore) RecordJobError(ctx context.Context, jobID string, phase string, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, phase)
	return nil
}

func (s *fakeStore) UpdateJobTokenUsage(ctx context.Context, jobID string, delta models.TokenUsage) error {
	return nil
}

func (s *fakeStore) UpdateExecutionStatus(ctx context.Context, jobID string, status models.JobStatus) error {
	return nil
}

func (s *fakeStore) GetEngineMetrics(ctx context.Context) (map[string]int64, error) {
	return nil, nil
}

const epA = "00000000-0000-0000-0000-00000000000a"

type scriptedModel struct {
	planObj     json.RawMessage
	scheduleObj json.RawMessage
}

func (m *scriptedModel) GenerateStructured(ctx context.Context, prompt string, schema json.RawMessage) (aiagent.GenerateResult, error) {
	if len(m.planObj) > 0 {
		obj := m.planObj
		m.planObj = nil
		return aiagent.GenerateResult{Object: obj}, nil
	}
	return aiagent.GenerateResult{Object: m.scheduleObj}, nil
}

type fakeCaller struct{}

func (fakeCaller) Call(ctx context.Context, endpoint models.Endpoint, call models.EndpointCall, attempt int) (int, string, error) {
	return 200, `{"ok":true}`, nil
}

func newTestProcessor(st *fakeStore) *Processor {
	planObj, _ := json.Marshal(models.AIAgentPlanResponse{
		ExecutionStrategy: models.StrategySequential,
		ConcurrencyLimit:  1,
		EndpointCalls:     []models.EndpointCall{{EndpointID: epA, Priority: 1}},
		Confidence:        0.9,
	})
	scheduleObj, _ := json.Marshal(models.AIAgentScheduleResponse{
		NextRunAt:  time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		Confidence: 0.9,
		Reasoning:  "all good",
	})

	ai := aiagent.New(&scriptedModel{planObj: planObj, scheduleObj: scheduleObj}, aiagent.DefaultConfig("test"), aiagent.DefaultSchemas())
	exec := executor.New(fakeCaller{}, 1000, 1, rand.New(rand.NewPCG(1, 1)))
	br := breaker.NewRegistry(breaker.DefaultConfig())

	cfg := DefaultConfig("test-owner")
	return New(st, ai, exec, br, cfg, rand.New(rand.NewPCG(2, 2)))
}

func TestRunCycleHappyPath(t *testing.T) {
	jobID := uuid.New()
	st := newFakeStore([]models.Job{{ID: jobID}})
	p := newTestProcessor(st)

	result, err := p.RunCycle(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, result.JobsProcessed)
	assert.Equal(t, 1, result.SuccessCount)
	assert.Equal(t, 0, result.FailureCount)

	assert.Contains(t, st.schedules, jobID.String())
	assert.Contains(t, st.plans, jobID.String())
	assert.Empty(t, st.locked, "job should be unlocked after processing")
}

func TestRunCycleSkipsAlreadyLockedJob(t *testing.T) {
	jobID := uuid.New()
	st := newFakeStore([]models.Job{{ID: jobID}})
	st.locked[jobID.String()] = true
	p := newTestProcessor(st)

	result, err := p.RunCycle(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 0, result.JobsProcessed, "a job whose lease could not be acquired doesn't count")
}

func TestRunCycleRecordsErrorAndFallbackBackoffOnContextFailure(t *testing.T) {
	jobID := uuid.New()
	st := newFakeStore([]models.Job{{ID: jobID}})
	st.failGetContext = true
	p := newTestProcessor(st)

	result, err := p.RunCycle(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, result.JobsProcessed)
	assert.Equal(t, 0, result.SuccessCount)
	assert.Equal(t, 1, result.FailureCount)

	assert.Contains(t, st.errors, "context")
	sched, ok := st.schedules[jobID.String()]
	require.True(t, ok)
	assert.Contains(t, sched.reasoning, "fallback backoff")
	assert.True(t, sched.nextRunAt.After(time.Now()))
}

func TestFilterDisabledRemovesDisabledEndpoints(t *testing.T) {
	st := newFakeStore(nil)
	p := newTestProcessor(st)

	br := breaker.NewRegistry(breaker.Config{FailureThreshold: 1, CooldownCycles: 1})
	p.breaker = br
	br.RecordFinalFailure("job-1", epA, 1)

	plan := models.AIAgentPlanResponse{EndpointCalls: []models.EndpointCall{{EndpointID: epA}}}
	filtered := p.filterDisabled("job-1", plan, 1)
	assert.Empty(t, filtered.EndpointCalls)
}
