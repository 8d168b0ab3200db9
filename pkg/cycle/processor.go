// Package cycle implements the per-cycle pipeline: claim due jobs, and for
// each, optimize context, plan, execute, summarize, schedule — updating the
// engine's shared counters as it goes.
package cycle

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nightcrew/skedge/internal/metrics"
	"github.com/nightcrew/skedge/internal/tracing"
	"github.com/nightcrew/skedge/pkg/aiagent"
	"github.com/nightcrew/skedge/pkg/breaker"
	"github.com/nightcrew/skedge/pkg/classify"
	"github.com/nightcrew/skedge/pkg/engineerr"
	"github.com/nightcrew/skedge/pkg/executor"
	"github.com/nightcrew/skedge/pkg/models"
	"github.com/nightcrew/skedge/pkg/store"
)

// Config controls one processor's batch size, per-cycle concurrency and
// leasing/backoff parameters, matching the execution/scheduler
// configuration sections.
type Config struct {
	MaxBatchSize   int
	JobConcurrency int
	LeaseOwner     string
	LeaseTTL       time.Duration
	MessageWindow  int

	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

func DefaultConfig(leaseOwner string) Config {
	return Config{
		MaxBatchSize:   20,
		JobConcurrency: 5,
		LeaseOwner:     leaseOwner,
		LeaseTTL:       5 * time.Minute,
		MessageWindow:  50,
		BackoffInitial: 5 * time.Second,
		BackoffMax:     5 * time.Minute,
	}
}

// Result is the outcome of one RunCycle call, merged into EngineState.stats
// by the caller.
type Result struct {
	JobsProcessed int
	SuccessCount  int
	FailureCount  int
	DurationMs    int64
}

// BreakerCache optionally persists disabled-endpoint entries. The processor
// only writes and deletes entries; nothing loads them back into the breaker
// registry, so a restarted engine starts with every breaker closed.
// pkg/store/breaker.Cache satisfies this.
type BreakerCache interface {
	Put(ctx context.Context, jobID, endpointID string, entry models.DisabledEndpointEntry) error
	Delete(ctx context.Context, jobID, endpointID string) error
}

// Processor runs one cycle at a time against a Store, AI agent adapter and
// endpoint executor.
type Processor struct {
	store        store.Store
	ai           *aiagent.Adapter
	exec         *executor.Executor
	breaker      *breaker.Registry
	breakerCache BreakerCache
	cfg          Config
	rng          *rand.Rand
}

func New(st store.Store, ai *aiagent.Adapter, exec *executor.Executor, br *breaker.Registry, cfg Config, rng *rand.Rand) *Processor {
	return &Processor{store: st, ai: ai, exec: exec, breaker: br, cfg: cfg, rng: rng}
}

// WithBreakerCache attaches a persistence cache for disabled-endpoint
// entries; returns p for chaining at construction time.
func (p *Processor) WithBreakerCache(c BreakerCache) *Processor {
	p.breakerCache = c
	return p
}

// RunCycle claims up to cfg.MaxBatchSize due jobs and processes each, up to
// cfg.JobConcurrency concurrently.
func (p *Processor) RunCycle(ctx context.Context, cycleNumber int64) (Result, error) {
	start := time.Now()

	jobs, err := p.store.GetJobsToProcess(ctx, p.cfg.MaxBatchSize)
	if err != nil {
		return Result{}, err
	}
	if len(jobs) == 0 {
		return Result{DurationMs: time.Since(start).Milliseconds()}, nil
	}

	sem := semaphore.NewWeighted(int64(p.cfg.JobConcurrency))
	var mu sync.Mutex
	var wg sync.WaitGroup
	result := Result{}

	for _, job := range jobs {
		job := job
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			ok, succeeded := p.processJob(ctx, job, cycleNumber)
			if !ok {
				return
			}
			mu.Lock()
			result.JobsProcessed++
			if succeeded {
				result.SuccessCount++
			} else {
				result.FailureCount++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	result.DurationMs = time.Since(start).Milliseconds()
	return result, nil
}

// processJob runs the single-job pipeline of §4.6 steps 1-8. The first
// return value reports whether the job's lease was acquired (skipped jobs
// don't count toward jobsProcessed); the second reports whether the
// pipeline completed without error.
func (p *Processor) processJob(ctx context.Context, job models.Job, cycleNumber int64) (acquired bool, succeeded bool) {
	jobID := job.ID.String()

	locked, err := p.store.LockJob(ctx, jobID, p.cfg.LeaseOwner, p.cfg.LeaseTTL)
	if err != nil || !locked {
		return false, false
	}
	// The lease is released even when ctx was cancelled (cycle timeout).
	defer p.store.UnlockJob(context.WithoutCancel(ctx), jobID, p.cfg.LeaseOwner)

	jc, err := p.store.GetJobContext(ctx, jobID, p.cfg.MessageWindow)
	if err != nil {
		p.fail(ctx, job, "context", err)
		return true, false
	}

	planCtx, planSpan := tracing.StartSpan(ctx, "job.plan", trace.WithAttributes(attribute.String("job.id", jobID)))
	plan, err := p.ai.PlanExecution(planCtx, *jc)
	if err != nil {
		tracing.SetError(planCtx, err)
		planSpan.End()
		p.fail(ctx, job, "plan", err)
		return true, false
	}
	if err := p.store.RecordExecutionPlan(planCtx, jobID, plan); err != nil {
		tracing.SetError(planCtx, err)
		planSpan.End()
		p.fail(ctx, job, "plan", err)
		return true, false
	}
	planSpan.End()

	execCtx, execSpan := tracing.StartSpan(ctx, "job.execute", trace.WithAttributes(attribute.String("job.id", jobID)))
	filteredPlan := p.filterDisabled(jobID, plan, cycleNumber)
	execCtx = executor.WithJobMeta(execCtx, jobID, cycleNumber)
	results := p.exec.Run(execCtx, jc.Endpoints, filteredPlan)
	p.updateBreaker(ctx, jobID, results, cycleNumber)
	execSpan.SetAttributes(
		attribute.Int("job.execute.successCount", results.Summary.SuccessCount),
		attribute.Int("job.execute.failureCount", results.Summary.FailureCount),
	)

	if err := p.store.RecordEndpointResults(execCtx, jobID, results.Results); err != nil {
		tracing.SetError(execCtx, err)
		execSpan.End()
		p.fail(ctx, job, "execute", err)
		return true, false
	}
	if err := p.store.RecordExecutionSummary(execCtx, jobID, results.Summary); err != nil {
		tracing.SetError(execCtx, err)
		execSpan.End()
		p.fail(ctx, job, "execute", err)
		return true, false
	}
	execSpan.End()

	scheduleCtx, scheduleSpan := tracing.StartSpan(ctx, "job.schedule", trace.WithAttributes(attribute.String("job.id", jobID)))
	defer scheduleSpan.End()

	schedule, err := p.ai.FinalizeSchedule(scheduleCtx, *jc, results)
	if err != nil {
		tracing.SetError(scheduleCtx, err)
		p.fail(ctx, job, "schedule", err)
		return true, false
	}

	nextRunAt, err := time.Parse(time.RFC3339, schedule.NextRunAt)
	if err != nil {
		tracing.SetError(scheduleCtx, err)
		p.fail(ctx, job, "schedule", err)
		return true, false
	}
	if err := p.store.UpdateJobSchedule(scheduleCtx, jobID, nextRunAt, schedule.Reasoning); err != nil {
		tracing.SetError(scheduleCtx, err)
		p.fail(ctx, job, "schedule", err)
		return true, false
	}

	return true, true
}

// filterDisabled removes endpoint calls whose (job, endpoint) pair is
// currently disabled by the circuit breaker, per §4.3/§4.6 step 3.
func (p *Processor) filterDisabled(jobID string, plan models.AIAgentPlanResponse, cycleNumber int64) models.AIAgentPlanResponse {
	if p.breaker == nil {
		return plan
	}
	disabled := p.breaker.DisabledSetForJob(jobID, cycleNumber)
	if len(disabled) == 0 {
		return plan
	}
	filtered := make([]models.EndpointCall, 0, len(plan.EndpointCalls))
	for _, c := range plan.EndpointCalls {
		if _, skip := disabled[c.EndpointID]; skip {
			continue
		}
		filtered = append(filtered, c)
	}
	plan.EndpointCalls = filtered
	return plan
}

// updateBreaker feeds each endpoint result's final outcome into the circuit
// breaker registry, writing a disabled-entry cache entry when a breaker trips
// and deleting the entry after a successful call.
func (p *Processor) updateBreaker(ctx context.Context, jobID string, results models.ExecutionResults, cycleNumber int64) {
	if p.breaker == nil {
		return
	}
	for _, r := range results.Results {
		if r.Success {
			p.breaker.RecordSuccess(jobID, r.EndpointID)
			if p.breakerCache != nil {
				_ = p.breakerCache.Delete(ctx, jobID, r.EndpointID)
			}
			continue
		}
		disabled, entry := p.breaker.RecordFinalFailure(jobID, r.EndpointID, cycleNumber)
		if disabled {
			metrics.CircuitBreakerTrips.Inc()
			if p.breakerCache != nil {
				_ = p.breakerCache.Put(ctx, jobID, r.EndpointID, entry)
			}
		}
	}
	metrics.DisabledEndpoints.Set(float64(p.breaker.DisabledCount(cycleNumber)))
}

// fail implements §4.6 step 7: record the error, then reschedule with a
// fallback backoff derived from the job's consecutive failure count. If ctx
// was cancelled, the error is recorded as an EngineError of kind Cancelled,
// and the store writes run on a context detached from that cancellation.
func (p *Processor) fail(ctx context.Context, job models.Job, phase string, err error) {
	jobID := job.ID.String()
	if ctx.Err() != nil {
		err = engineerr.NewEngineError(engineerr.EngineCancelled, err)
		ctx = context.WithoutCancel(ctx)
	}
	_ = p.store.RecordJobError(ctx, jobID, phase, err)

	delay := classify.JobBackoff(job.ConsecutiveFailures+1, p.cfg.BackoffInitial, p.cfg.BackoffMax, p.rng)
	nextRunAt := time.Now().Add(delay)
	_ = p.store.UpdateJobSchedule(ctx, jobID, nextRunAt, "fallback backoff after pipeline failure")
}
