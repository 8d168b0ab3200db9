// Package postgres is the engine's Store implementation over GORM and
// PostgreSQL, adapted from a job-store lineage that used the same
// connection-pool tuning, AutoMigrate and fluent query idiom for a
// different entity set.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nightcrew/skedge/pkg/engineerr"
	"github.com/nightcrew/skedge/pkg/models"
)

// Store is the PostgreSQL-backed implementation of store.Store.
type Store struct {
	db            *gorm.DB
	messageWindow int

	envMu sync.RWMutex
	env   models.SystemEnvironment
}

// SetSystemEnvironment updates the SystemEnvironment stamped onto every
// JobContext GetJobContext builds from here on. The engine calls this once
// at startup and again on any periodic refresh.
func (s *Store) SetSystemEnvironment(env models.SystemEnvironment) {
	s.envMu.Lock()
	defer s.envMu.Unlock()
	s.env = env
}

func (s *Store) systemEnvironment() models.SystemEnvironment {
	s.envMu.RLock()
	defer s.envMu.RUnlock()
	return s.env
}

// New opens a GORM connection, tunes the pool and migrates every entity the
// engine persists.
func New(connString string) (*Store, error) {
	cfg := &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Warn),
		PrepareStmt: true,
	}

	db, err := gorm.Open(postgres.Open(connString), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(
		&models.Job{},
		&models.Endpoint{},
		&models.Message{},
		&models.EndpointUsage{},
		&models.PlanRecord{},
		&models.ResultRecord{},
		&models.SummaryRecord{},
		&models.JobErrorRecord{},
	); err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return &Store{db: db, messageWindow: 200}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) GetJobsToProcess(ctx context.Context, max int) ([]models.Job, error) {
	var jobs []models.Job
	result := s.db.WithContext(ctx).
		Where("status = ?", models.JobStatusActive).
		Where("next_run_at <= ?", time.Now()).
		Where("locked_by IS NULL").
		Order("next_run_at asc, id asc").
		Limit(max).
		Find(&jobs)
	if result.Error != nil {
		return nil, engineerr.NewStoreError(engineerr.StoreUnavailable, "GetJobsToProcess", result.Error)
	}
	return jobs, nil
}

// LockJob performs a compare-and-set UPDATE: it only succeeds if the job is
// currently unlocked or its lease has expired.
func (s *Store) LockJob(ctx context.Context, jobID, leaseOwner string, ttl time.Duration) (bool, error) {
	id, err := uuid.Parse(jobID)
	if err != nil {
		return false, engineerr.NewStoreError(engineerr.StoreNotFound, "LockJob", err)
	}
	now := time.Now()
	expiry := now.Add(-ttl)

	result := s.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("id = ?", id).
		Where("locked_by IS NULL OR locked_at < ?", expiry).
		Updates(map[string]interface{}{
			"locked_by": leaseOwner,
			"locked_at": now,
		})
	if result.Error != nil {
		return false, engineerr.NewStoreError(engineerr.StoreUnavailable, "LockJob", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *Store) UnlockJob(ctx context.Context, jobID, leaseOwner string) error {
	id, err := uuid.Parse(jobID)
	if err != nil {
		return engineerr.NewStoreError(engineerr.StoreNotFound, "UnlockJob", err)
	}
	result := s.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("id = ? AND locked_by = ?", id, leaseOwner).
		Updates(map[string]interface{}{
			"locked_by": nil,
			"locked_at": nil,
		})
	if result.Error != nil {
		return engineerr.NewStoreError(engineerr.StoreUnavailable, "UnlockJob", result.Error)
	}
	return nil
}

func (s *Store) GetJobContext(ctx context.Context, jobID string, messageWindow int) (*models.JobContext, error) {
	id, err := uuid.Parse(jobID)
	if err != nil {
		return nil, engineerr.NewStoreError(engineerr.StoreNotFound, "GetJobContext", err)
	}

	var job models.Job
	if err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, engineerr.NewStoreError(engineerr.StoreNotFound, "GetJobContext", err)
		}
		return nil, engineerr.NewStoreError(engineerr.StoreUnavailable, "GetJobContext", err)
	}

	var endpoints []models.Endpoint
	if err := s.db.WithContext(ctx).Where("job_id = ?", id).Find(&endpoints).Error; err != nil {
		return nil, engineerr.NewStoreError(engineerr.StoreUnavailable, "GetJobContext", err)
	}

	if messageWindow <= 0 {
		messageWindow = s.messageWindow
	}
	var messages []models.Message
	if err := s.db.WithContext(ctx).
		Where("job_id = ?", id).
		Order("sequence desc").
		Limit(messageWindow).
		Find(&messages).Error; err != nil {
		return nil, engineerr.NewStoreError(engineerr.StoreUnavailable, "GetJobContext", err)
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	var usage []models.EndpointUsage
	if err := s.db.WithContext(ctx).
		Where("job_id = ?", id).
		Order("timestamp desc").
		Limit(messageWindow).
		Find(&usage).Error; err != nil {
		return nil, engineerr.NewStoreError(engineerr.StoreUnavailable, "GetJobContext", err)
	}
	for i, j := 0, len(usage)-1; i < j; i, j = i+1, j-1 {
		usage[i], usage[j] = usage[j], usage[i]
	}

	return &models.JobContext{
		Job:           job,
		Endpoints:     endpoints,
		Messages:      messages,
		EndpointUsage: usage,
		ExecutionContext: models.ExecutionContext{
			CurrentTime:       time.Now(),
			SystemEnvironment: s.systemEnvironment(),
		},
	}, nil
}

func (s *Store) RecordExecutionPlan(ctx context.Context, jobID string, plan models.AIAgentPlanResponse) error {
	id, err := uuid.Parse(jobID)
	if err != nil {
		return engineerr.NewStoreError(engineerr.StoreNotFound, "RecordExecutionPlan", err)
	}
	rec := &models.PlanRecord{
		JobID:             id,
		ExecutionStrategy: plan.ExecutionStrategy,
		ConcurrencyLimit:  plan.ConcurrencyLimit,
		EndpointCalls:     models.EndpointCallList(plan.EndpointCalls),
		Reasoning:         plan.Reasoning,
		Confidence:        plan.Confidence,
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return engineerr.NewStoreError(engineerr.StoreUnavailable, "RecordExecutionPlan", err)
	}
	return nil
}

func (s *Store) RecordEndpointResults(ctx context.Context, jobID string, results []models.EndpointExecutionResult) error {
	id, err := uuid.Parse(jobID)
	if err != nil {
		return engineerr.NewStoreError(engineerr.StoreNotFound, "RecordEndpointResults", err)
	}

	if err := s.validateResultsAgainstPlan(ctx, id, results); err != nil {
		return err
	}

	records := make([]models.ResultRecord, 0, len(results))
	for _, r := range results {
		records = append(records, models.ResultRecord{
			JobID:          id,
			EndpointID:     r.EndpointID,
			Success:        r.Success,
			HTTPStatus:     r.HTTPStatus,
			LatencyMs:      r.LatencyMs,
			Attempts:       r.Attempts,
			Classification: r.Classification,
			BodySummary:    r.BodySummary,
			Error:          r.Error,
		})
	}
	if len(records) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Create(&records).Error; err != nil {
		return engineerr.NewStoreError(engineerr.StoreUnavailable, "RecordEndpointResults", err)
	}
	return nil
}

// validateResultsAgainstPlan rejects a result set naming an endpoint ID that
// wasn't in the job's most recently recorded plan, per the recordEndpointResults
// contract. A job with no recorded plan yet can't have a valid result set.
func (s *Store) validateResultsAgainstPlan(ctx context.Context, jobID uuid.UUID, results []models.EndpointExecutionResult) error {
	if len(results) == 0 {
		return nil
	}

	var rec models.PlanRecord
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at DESC").
		First(&rec).Error
	if err != nil {
		return engineerr.NewStoreError(engineerr.StoreNotFound, "RecordEndpointResults",
			fmt.Errorf("no recorded plan for job %s: %w", jobID, err))
	}

	planned := make(map[string]struct{}, len(rec.EndpointCalls))
	for _, c := range rec.EndpointCalls {
		planned[c.EndpointID] = struct{}{}
	}
	for _, r := range results {
		if _, ok := planned[r.EndpointID]; !ok {
			return engineerr.NewStoreError(engineerr.StoreNotFound, "RecordEndpointResults",
				fmt.Errorf("endpoint %s not present in recorded plan for job %s", r.EndpointID, jobID))
		}
	}
	return nil
}

func (s *Store) RecordExecutionSummary(ctx context.Context, jobID string, summary models.ExecutionSummary) error {
	id, err := uuid.Parse(jobID)
	if err != nil {
		return engineerr.NewStoreError(engineerr.StoreNotFound, "RecordExecutionSummary", err)
	}
	rec := &models.SummaryRecord{
		JobID:           id,
		StartTime:       summary.StartTime,
		EndTime:         summary.EndTime,
		TotalDurationMs: summary.TotalDurationMs,
		SuccessCount:    summary.SuccessCount,
		FailureCount:    summary.FailureCount,
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return engineerr.NewStoreError(engineerr.StoreUnavailable, "RecordExecutionSummary", err)
	}
	return nil
}

func (s *Store) UpdateJobSchedule(ctx context.Context, jobID string, nextRunAt time.Time, reasoning string) error {
	id, err := uuid.Parse(jobID)
	if err != nil {
		return engineerr.NewStoreError(engineerr.StoreNotFound, "UpdateJobSchedule", err)
	}
	updates := map[string]interface{}{
		"next_run_at": nextRunAt,
		"last_run_at": time.Now(),
	}
	// A fallback reschedule after a pipeline failure (see cycle.Processor.fail)
	// must not erase the consecutive-failure count recordJobError just
	// incremented; only a schedule reached via the success path resets it.
	if !strings.HasPrefix(reasoning, fallbackReasoningPrefix) {
		updates["consecutive_failures"] = 0
	}

	result := s.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return engineerr.NewStoreError(engineerr.StoreUnavailable, "UpdateJobSchedule", result.Error)
	}
	if result.RowsAffected == 0 {
		return engineerr.NewStoreError(engineerr.StoreNotFound, "UpdateJobSchedule", nil)
	}
	return nil
}

// fallbackReasoningPrefix marks a reschedule written by the cycle
// processor's failure path rather than a validated AI schedule decision.
const fallbackReasoningPrefix = "fallback backoff"

func (s *Store) RecordJobError(ctx context.Context, jobID string, phase string, jobErr error) error {
	id, err := uuid.Parse(jobID)
	if err != nil {
		return engineerr.NewStoreError(engineerr.StoreNotFound, "RecordJobError", err)
	}
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}
	rec := &models.JobErrorRecord{JobID: id, Phase: phase, Message: msg}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return engineerr.NewStoreError(engineerr.StoreUnavailable, "RecordJobError", err)
	}
	s.db.WithContext(ctx).Model(&models.Job{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_error":           msg,
			"consecutive_failures": gorm.Expr("consecutive_failures + 1"),
		})
	return nil
}

func (s *Store) UpdateJobTokenUsage(ctx context.Context, jobID string, delta models.TokenUsage) error {
	id, err := uuid.Parse(jobID)
	if err != nil {
		return engineerr.NewStoreError(engineerr.StoreNotFound, "UpdateJobTokenUsage", err)
	}
	var job models.Job
	if err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return engineerr.NewStoreError(engineerr.StoreUnavailable, "UpdateJobTokenUsage", err)
	}
	job.TokenUsageTotal.Add(delta)
	if err := s.db.WithContext(ctx).Model(&models.Job{}).Where("id = ?", id).
		Update("token_usage_total", job.TokenUsageTotal).Error; err != nil {
		return engineerr.NewStoreError(engineerr.StoreUnavailable, "UpdateJobTokenUsage", err)
	}
	return nil
}

func (s *Store) UpdateExecutionStatus(ctx context.Context, jobID string, status models.JobStatus) error {
	id, err := uuid.Parse(jobID)
	if err != nil {
		return engineerr.NewStoreError(engineerr.StoreNotFound, "UpdateExecutionStatus", err)
	}
	result := s.db.WithContext(ctx).Model(&models.Job{}).Where("id = ?", id).Update("status", status)
	if result.Error != nil {
		return engineerr.NewStoreError(engineerr.StoreUnavailable, "UpdateExecutionStatus", result.Error)
	}
	return nil
}

func (s *Store) GetEngineMetrics(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64)
	rows, err := s.db.WithContext(ctx).
		Model(&models.Job{}).
		Select("status, count(*) as count").
		Group("status").
		Rows()
	if err != nil {
		return nil, engineerr.NewStoreError(engineerr.StoreUnavailable, "GetEngineMetrics", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, engineerr.NewStoreError(engineerr.StoreUnavailable, "GetEngineMetrics", err)
		}
		out["jobs_"+status] = count
	}
	return out, nil
}
