// Package executor dispatches a plan's endpoint calls against a job's
// endpoints, sequentially or bounded-parallel, honoring priority order,
// dependsOn edges, criticality and per-call retry/timeout policy.
package executor

import (
	"context"
	"errors"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nightcrew/skedge/internal/metrics"
	"github.com/nightcrew/skedge/internal/tracing"
	"github.com/nightcrew/skedge/pkg/classify"
	"github.com/nightcrew/skedge/pkg/engineerr"
	"github.com/nightcrew/skedge/pkg/models"
)

type jobMetaKey struct{}

type jobMeta struct {
	jobID       string
	cycleNumber int64
}

// WithJobMeta attaches the current job id and cycle number to ctx so a
// Caller implementation (HTTPCaller's optional archiver) can key archived
// artifacts without Call's signature growing job-specific parameters.
func WithJobMeta(ctx context.Context, jobID string, cycleNumber int64) context.Context {
	return context.WithValue(ctx, jobMetaKey{}, jobMeta{jobID: jobID, cycleNumber: cycleNumber})
}

// JobMetaFromContext retrieves what WithJobMeta attached, if anything.
func JobMetaFromContext(ctx context.Context) (jobID string, cycleNumber int64, ok bool) {
	m, ok := ctx.Value(jobMetaKey{}).(jobMeta)
	if !ok {
		return "", 0, false
	}
	return m.jobID, m.cycleNumber, true
}

// Caller performs one HTTP attempt against an endpoint and reports the
// classification inputs for the result. Implementations (HTTPCaller)
// own the actual transport; tests substitute a fake.
type Caller interface {
	Call(ctx context.Context, endpoint models.Endpoint, call models.EndpointCall, attempt int) (httpStatus int, bodySummary string, err error)
}

// Executor runs a plan's endpoint calls per the configured strategy.
type Executor struct {
	caller              Caller
	defaultTimeoutMs    int
	defaultConcurrency  int
	rng                 *rand.Rand
}

// New builds an Executor. rng must be supplied explicitly (never the global
// math/rand source) so retry backoff stays deterministic given a seed.
func New(caller Caller, defaultTimeoutMs, defaultConcurrency int, rng *rand.Rand) *Executor {
	return &Executor{
		caller:             caller,
		defaultTimeoutMs:   defaultTimeoutMs,
		defaultConcurrency: defaultConcurrency,
		rng:                rng,
	}
}

// Run dispatches plan against endpoints (already filtered of disabled
// endpoints by the cycle processor), honoring plan.ExecutionStrategy.
func (e *Executor) Run(ctx context.Context, endpoints []models.Endpoint, plan models.AIAgentPlanResponse) models.ExecutionResults {
	byID := make(map[string]models.Endpoint, len(endpoints))
	for _, ep := range endpoints {
		byID[ep.ID.String()] = ep
	}

	start := time.Now()
	var results []models.EndpointExecutionResult
	switch plan.ExecutionStrategy {
	case models.StrategyParallel:
		results = e.runParallel(ctx, byID, plan)
	default:
		results = e.runSequential(ctx, byID, plan)
	}
	end := time.Now()

	summary := models.ExecutionSummary{
		StartTime:       start,
		EndTime:         end,
		TotalDurationMs: end.Sub(start).Milliseconds(),
	}
	for _, r := range results {
		if r.Success {
			summary.SuccessCount++
		} else {
			summary.FailureCount++
		}
	}

	return models.ExecutionResults{Results: results, Summary: summary}
}

// runSequential sorts calls by priority ascending (ties: input order) and
// aborts remaining calls on the failure of a critical endpoint.
func (e *Executor) runSequential(ctx context.Context, byID map[string]models.Endpoint, plan models.AIAgentPlanResponse) []models.EndpointExecutionResult {
	calls := make([]models.EndpointCall, len(plan.EndpointCalls))
	copy(calls, plan.EndpointCalls)
	sort.SliceStable(calls, func(i, j int) bool { return calls[i].Priority < calls[j].Priority })

	results := make([]models.EndpointExecutionResult, 0, len(calls))
	for _, call := range calls {
		ep, ok := byID[call.EndpointID]
		if !ok {
			continue
		}
		result := e.dispatch(ctx, ep, call)
		results = append(results, result)
		if !result.Success && call.Critical {
			break
		}
	}
	return results
}

// runParallel bounds concurrency by plan.ConcurrencyLimit, respecting
// dependsOn as a DAG: an endpoint does not dispatch until every dependency
// has completed (success or final fail). It never short-circuits on a
// critical failure — the failure is recorded and surfaces in the summary.
func (e *Executor) runParallel(ctx context.Context, byID map[string]models.Endpoint, plan models.AIAgentPlanResponse) []models.EndpointExecutionResult {
	limit := plan.ConcurrencyLimit
	if limit < 1 {
		limit = e.defaultConcurrency
	}
	sem := semaphore.NewWeighted(int64(limit))

	done := make(map[string]chan struct{}, len(plan.EndpointCalls))
	for _, call := range plan.EndpointCalls {
		done[call.EndpointID] = make(chan struct{})
	}

	var mu sync.Mutex
	results := make([]models.EndpointExecutionResult, 0, len(plan.EndpointCalls))
	var wg sync.WaitGroup

	for _, call := range plan.EndpointCalls {
		call := call
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(done[call.EndpointID])

			for _, dep := range call.DependsOn {
				if ch, ok := done[dep]; ok {
					select {
					case <-ch:
					case <-ctx.Done():
						mu.Lock()
						results = append(results, abortedResult(call.EndpointID))
						mu.Unlock()
						return
					}
				}
			}

			ep, ok := byID[call.EndpointID]
			if !ok {
				return
			}

			if err := sem.Acquire(ctx, 1); err != nil {
				mu.Lock()
				results = append(results, abortedResult(call.EndpointID))
				mu.Unlock()
				return
			}
			result := e.dispatch(ctx, ep, call)
			sem.Release(1)

			mu.Lock()
			results = append(results, result)
			mu.Unlock()
		}()
	}

	wg.Wait()
	return results
}

func abortedResult(endpointID string) models.EndpointExecutionResult {
	return models.EndpointExecutionResult{
		EndpointID:     endpointID,
		Success:        false,
		Classification: string(classify.Classify(endpointID, classify.Attempt{Aborted: true}).Kind),
		Error:          classify.ErrCancelled.Error(),
	}
}

// dispatch runs one endpoint call to completion, including its retry
// policy, and returns the final EndpointExecutionResult.
func (e *Executor) dispatch(ctx context.Context, ep models.Endpoint, call models.EndpointCall) models.EndpointExecutionResult {
	ctx, span := tracing.StartSpan(ctx, "endpoint.call")
	span.SetAttributes(attribute.String("endpoint.id", call.EndpointID))
	defer span.End()

	timeoutMs := call.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = e.defaultTimeoutMs
	}
	maxRetries := call.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	policy := classify.DefaultRetryPolicy(maxRetries + 1)

	start := time.Now()
	var classifiedErr *engineerr.EndpointError
	var classifiedAttempt int
	var result models.EndpointExecutionResult

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		callCtx := ctx
		var cancel context.CancelFunc
		if timeoutMs > 0 {
			callCtx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
		}
		httpStatus, bodySummary, err := e.caller.Call(callCtx, ep, call, attempt)
		if cancel != nil {
			cancel()
		}

		aborted := ctx.Err() != nil
		cerr := classify.Classify(call.EndpointID, classify.Attempt{Aborted: aborted, HTTPStatus: httpStatus, Err: err})

		if err == nil && httpStatus > 0 && httpStatus < 400 {
			result = models.EndpointExecutionResult{
				EndpointID:     call.EndpointID,
				Success:        true,
				Classification: "success",
				HTTPStatus:     httpStatus,
				LatencyMs:      time.Since(start).Milliseconds(),
				Attempts:       attempt,
				BodySummary:    bodySummary,
			}
			break
		}

		classifiedErr = cerr
		classifiedAttempt = attempt

		if aborted || !policy.ShouldRetry(attempt, cerr) {
			break
		}
		if werr := policy.Wait(ctx, attempt, e.rng); werr != nil {
			break
		}
	}

	if result.Classification == "" {
		result = models.EndpointExecutionResult{
			EndpointID: call.EndpointID,
			Success:    false,
			LatencyMs:  time.Since(start).Milliseconds(),
		}
		if classifiedErr != nil {
			result.Attempts = classifiedAttempt
			result.Classification = string(classifiedErr.Kind)
			result.HTTPStatus = classifiedErr.HTTPStatus
			result.Error = classifiedErr.Error()
		} else {
			result.Attempts = 1
			result.Classification = "unknown"
			result.Error = "no attempt recorded"
		}
	}

	span.SetAttributes(
		attribute.Bool("endpoint.success", result.Success),
		attribute.String("endpoint.classification", result.Classification),
		attribute.Int("endpoint.attempts", result.Attempts),
		attribute.Int("endpoint.httpStatus", result.HTTPStatus),
	)
	if !result.Success {
		tracing.SetError(ctx, errors.New(result.Error))
	}

	metrics.RecordEndpointCall(call.EndpointID, result.Classification, float64(result.LatencyMs)/1000)
	return result
}
