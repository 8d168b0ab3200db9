package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nightcrew/skedge/pkg/cycle"
	"github.com/nightcrew/skedge/pkg/models"
)

type fakeProcessor struct {
	calls     int32
	blockUntil chan struct{} // if non-nil, RunCycle blocks until this is closed
	result    cycle.Result
	err       error
}

func (f *fakeProcessor) RunCycle(ctx context.Context, cycleNumber int64) (cycle.Result, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.blockUntil != nil {
		select {
		case <-f.blockUntil:
		case <-ctx.Done():
			return cycle.Result{}, ctx.Err()
		}
	}
	return f.result, f.err
}

type fakeStore struct{}

func (fakeStore) GetJobsToProcess(ctx context.Context, max int) ([]models.Job, error) { return nil, nil }
func (fakeStore) LockJob(ctx context.Context, jobID, leaseOwner string, ttl time.Duration) (bool, error) {
	return true, nil
}
func (fakeStore) UnlockJob(ctx context.Context, jobID, leaseOwner string) error { return nil }
func (fakeStore) GetJobContext(ctx context.Context, jobID string, messageWindow int) (*models.JobContext, error) {
	return nil, nil
}
func (fakeStore) RecordExecutionPlan(ctx context.Context, jobID string, plan models.AIAgentPlanResponse) error {
	return nil
}
func (fakeStore) RecordEndpointResults(ctx context.Context, jobID string, results []models.EndpointExecutionResult) error {
	return nil
}
func (fakeStore) RecordExecutionSummary(ctx context.Context, jobID string, summary models.ExecutionSummary) error {
	return nil
}
func (fakeStore) UpdateJobSchedule(ctx context.Context, jobID string, nextRunAt time.Time, reasoning string) error {
	return nil
}
func (fakeStore) RecordJobError(ctx context.Context, jobID string, phase string, err error) error {
	return nil
}
func (fakeStore) UpdateJobTokenUsage(ctx context.Context, jobID string, delta models.TokenUsage) error {
	return nil
}
func (fakeStore) UpdateExecutionStatus(ctx context.Context, jobID string, status models.JobStatus) error {
	return nil
}
func (fakeStore) GetEngineMetrics(ctx context.Context) (map[string]int64, error) {
	return map[string]int64{"ACTIVE": 1}, nil
}

func TestValidateEngineConfigRejectsNonPositiveValues(t *testing.T) {
	_, err := New(Config{IntervalMs: 0, CycleTimeoutMs: 1000}, &fakeProcessor{}, fakeStore{})
	assert.Error(t, err)

	_, err = New(Config{IntervalMs: 1000, CycleTimeoutMs: 0}, &fakeProcessor{}, fakeStore{})
	assert.Error(t, err)

	_, err = New(Config{IntervalMs: 1000, CycleTimeoutMs: 1000}, &fakeProcessor{}, fakeStore{})
	assert.NoError(t, err)
}

func TestEngineStartRunsAndStopDrains(t *testing.T) {
	proc := &fakeProcessor{result: cycle.Result{JobsProcessed: 2, SuccessCount: 2}}
	eng, err := New(Config{IntervalMs: 20, CycleTimeoutMs: 1000}, proc, fakeStore{})
	require.NoError(t, err)

	require.NoError(t, eng.Start(context.Background()))
	assert.Equal(t, models.EngineRunning, eng.Status())

	time.Sleep(120 * time.Millisecond)
	eng.Stop()

	assert.Equal(t, models.EngineStopped, eng.Status())
	assert.GreaterOrEqual(t, atomic.LoadInt32(&proc.calls), int32(2))

	_, persisted, err := eng.MetricsSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), persisted["ACTIVE"])
}

func TestEngineCoalescesOverlappingTicks(t *testing.T) {
	block := make(chan struct{})
	proc := &fakeProcessor{blockUntil: block}
	eng, err := New(Config{IntervalMs: 10, CycleTimeoutMs: 5000}, proc, fakeStore{})
	require.NoError(t, err)

	require.NoError(t, eng.Start(context.Background()))
	time.Sleep(80 * time.Millisecond) // several ticks elapse while the first cycle blocks
	close(block)
	time.Sleep(30 * time.Millisecond)
	eng.Stop()

	assert.LessOrEqual(t, atomic.LoadInt32(&proc.calls), int32(2), "overlapping ticks must coalesce, not queue")
}

func TestStartTwiceRejected(t *testing.T) {
	eng, err := New(Config{IntervalMs: 1000, CycleTimeoutMs: 1000}, &fakeProcessor{}, fakeStore{})
	require.NoError(t, err)

	require.NoError(t, eng.Start(context.Background()))
	defer eng.Stop()

	assert.Error(t, eng.Start(context.Background()))
}
