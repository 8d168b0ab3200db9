// Package store defines the typed facade over the persistence layer the
// rest of the engine depends on. The engine never imports a driver package
// directly — only this interface — so the cycle processor and AI agent
// adapter can be tested against an in-memory fake.
package store

import (
	"context"
	"time"

	"github.com/nightcrew/skedge/pkg/models"
)

// Store is the persistence façade consumed by the cycle processor. All
// operations may fail with an *engineerr.StoreError of kind
// StoreUnavailable, Conflict or NotFound.
type Store interface {
	// GetJobsToProcess returns up to max jobs with nextRunAt <= now that are
	// not currently locked, ordered by nextRunAt ascending then job id for
	// determinism.
	GetJobsToProcess(ctx context.Context, max int) ([]models.Job, error)

	// LockJob attempts to atomically acquire the job's lease. Returns true
	// iff the lock was acquired (compare-and-set on lockedBy == nil OR
	// lockedAt+ttl < now).
	LockJob(ctx context.Context, jobID, leaseOwner string, ttl time.Duration) (bool, error)

	// UnlockJob releases the job's lease. Idempotent.
	UnlockJob(ctx context.Context, jobID, leaseOwner string) error

	// GetJobContext builds the transient JobContext for jobID, with
	// messages truncated server-side to a bounded window.
	GetJobContext(ctx context.Context, jobID string, messageWindow int) (*models.JobContext, error)

	RecordExecutionPlan(ctx context.Context, jobID string, plan models.AIAgentPlanResponse) error
	RecordEndpointResults(ctx context.Context, jobID string, results []models.EndpointExecutionResult) error
	RecordExecutionSummary(ctx context.Context, jobID string, summary models.ExecutionSummary) error
	UpdateJobSchedule(ctx context.Context, jobID string, nextRunAt time.Time, reasoning string) error
	RecordJobError(ctx context.Context, jobID string, phase string, err error) error
	UpdateJobTokenUsage(ctx context.Context, jobID string, delta models.TokenUsage) error
	UpdateExecutionStatus(ctx context.Context, jobID string, status models.JobStatus) error

	// GetEngineMetrics returns a persisted-side metrics snapshot (job
	// counts by status); combined with the in-memory EngineState.Stats by
	// the engine for its getEngineMetrics surface.
	GetEngineMetrics(ctx context.Context) (map[string]int64, error)
}
