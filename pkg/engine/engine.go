// Package engine owns the process lifecycle: a ticker-driven loop that
// triggers cycle.Processor.RunCycle on a fixed cadence, coalescing overlapping
// ticks, tracking stopped/running/draining state, and exposing a metrics
// snapshot combining in-memory Stats with the store's persisted counts.
// Adapted from the teacher's own ticker/select run loop — context done,
// ticker.C, a second housekeeping ticker — generalized from a leader-elected
// cron dispatcher into a single-process cycle loop with no coordination
// dependency.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nightcrew/skedge/internal/logx"
	"github.com/nightcrew/skedge/internal/metrics"
	"github.com/nightcrew/skedge/internal/tracing"
	"github.com/nightcrew/skedge/pkg/cycle"
	"github.com/nightcrew/skedge/pkg/models"
	"github.com/nightcrew/skedge/pkg/store"
	"go.uber.org/zap"
)

// Config controls the engine's own cadence and safety limits, independent of
// the cycle processor's batch/concurrency settings.
type Config struct {
	IntervalMs     int
	CycleTimeoutMs int
	// EnvironmentRefreshInterval controls how often the gopsutil-sourced
	// SystemEnvironment snapshot is refreshed. Zero disables refresh after
	// the initial snapshot taken at Start.
	EnvironmentRefreshInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		IntervalMs:                 10_000,
		CycleTimeoutMs:             120_000,
		EnvironmentRefreshInterval: 5 * time.Minute,
	}
}

// validateEngineConfig rejects a Config that would never make forward
// progress: a non-positive interval spins the ticker forever, a non-positive
// cycle timeout means every cycle's context is already expired.
func validateEngineConfig(cfg Config) error {
	if cfg.IntervalMs <= 0 {
		return fmt.Errorf("engine: intervalMs must be > 0")
	}
	if cfg.CycleTimeoutMs <= 0 {
		return fmt.Errorf("engine: cycleTimeoutMs must be > 0")
	}
	return nil
}

// systemEnvironmentSetter is implemented by store adapters that stamp a
// SystemEnvironment snapshot onto every JobContext they build. It's an
// optional interface — a fake store in tests need not implement it.
type systemEnvironmentSetter interface {
	SetSystemEnvironment(models.SystemEnvironment)
}

// Engine owns the process lifecycle around one cycle.Processor: start,
// periodic triggering, graceful drain, and a metrics snapshot.
type Engine struct {
	cfg       Config
	processor Processor
	st        store.Store

	mu          sync.Mutex
	status      models.EngineStatus
	stats       models.Stats
	lastRunAt   time.Time
	cycleNumber int64
	running     bool // a cycle is currently in flight; gates overlap coalescing

	stopCh   chan struct{}
	doneCh   chan struct{}
	cancelFn context.CancelFunc
}

// Processor is the narrow interface onto cycle.Processor the engine depends
// on, so tests can substitute a fake.
type Processor interface {
	RunCycle(ctx context.Context, cycleNumber int64) (cycle.Result, error)
}

// New constructs an Engine. st is used to stamp the SystemEnvironment
// snapshot at Start, if it implements systemEnvironmentSetter.
func New(cfg Config, proc Processor, st store.Store) (*Engine, error) {
	if err := validateEngineConfig(cfg); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:       cfg,
		processor: proc,
		st:        st,
		status:    models.EngineStopped,
		stats:     models.NewStats(),
	}, nil
}

// Start snapshots the system environment, transitions to running, and
// begins the ticker loop in a background goroutine. It returns once the
// first snapshot is taken; the loop itself runs until Stop is called or ctx
// is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.status != models.EngineStopped {
		e.mu.Unlock()
		return fmt.Errorf("engine: Start called while status is %s", e.status)
	}
	e.status = models.EngineRunning
	e.mu.Unlock()

	e.refreshSystemEnvironment()

	runCtx, cancel := context.WithCancel(ctx)
	e.cancelFn = cancel
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})

	go e.loop(runCtx)
	return nil
}

// Stop requests the loop drain: it stops accepting new ticks, waits for any
// in-flight cycle to finish, then transitions to stopped. It blocks until
// the loop goroutine has exited.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.status != models.EngineRunning {
		e.mu.Unlock()
		return
	}
	e.status = models.EngineDraining
	e.mu.Unlock()

	close(e.stopCh)
	if e.cancelFn != nil {
		defer e.cancelFn()
	}
	<-e.doneCh

	e.mu.Lock()
	e.status = models.EngineStopped
	e.mu.Unlock()
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.doneCh)

	ticker := time.NewTicker(time.Duration(e.cfg.IntervalMs) * time.Millisecond)
	defer ticker.Stop()

	var envTickC <-chan time.Time
	if e.cfg.EnvironmentRefreshInterval > 0 {
		envTicker := time.NewTicker(e.cfg.EnvironmentRefreshInterval)
		defer envTicker.Stop()
		envTickC = envTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-envTickC:
			e.refreshSystemEnvironment()
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// errCycleInFlight is returned by ProcessCycle when a tick is coalesced. tick
// checks for it specifically so a coalesced tick logs the Warn below once,
// not also an Error.
var errCycleInFlight = errors.New("engine: a cycle is already in flight")

// tick runs exactly one cycle if one isn't already in flight; an overlapping
// tick is dropped (coalesced) rather than queued, per the engine's
// at-most-one-cycle-in-flight invariant. Errors are logged, not returned,
// since the ticker loop has no caller to hand them to.
func (e *Engine) tick(ctx context.Context) {
	if _, err := e.ProcessCycle(ctx); err != nil && !errors.Is(err, errCycleInFlight) {
		logx.Error("cycle failed", zap.Error(err))
	}
}

// ProcessCycle runs exactly one cycle synchronously and returns its result,
// for callers that want to drive a cycle directly rather than through the
// ticker loop (tests, and a manual "run once now" operator action). It
// shares the ticker loop's coalescing guard, so calling it while a
// ticker-triggered cycle is in flight returns errCycleInFlight instead of
// running concurrently.
func (e *Engine) ProcessCycle(ctx context.Context) (cycle.Result, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		logx.Warn("cycle coalesced: previous cycle still running")
		return cycle.Result{}, errCycleInFlight
	}
	e.running = true
	e.cycleNumber++
	cycleNumber := e.cycleNumber
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.lastRunAt = time.Now()
		e.mu.Unlock()
	}()

	cycleCtx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.CycleTimeoutMs)*time.Millisecond)
	defer cancel()

	spanCtx, span := tracing.StartSpan(cycleCtx, "cycle")
	span.SetAttributes(attribute.Int64("cycle.number", cycleNumber))
	defer span.End()

	result, err := e.processor.RunCycle(spanCtx, cycleNumber)
	if err != nil {
		tracing.SetError(spanCtx, err)
		return cycle.Result{}, err
	}

	e.mu.Lock()
	e.stats.TotalCycles++
	e.stats.JobsProcessed += int64(result.JobsProcessed)
	e.stats.SuccessCount += int64(result.SuccessCount)
	e.stats.FailureCount += int64(result.FailureCount)
	e.stats.TotalCycleDurationMs += result.DurationMs
	e.mu.Unlock()

	span.SetAttributes(
		attribute.Int("cycle.jobsProcessed", result.JobsProcessed),
		attribute.Int("cycle.successCount", result.SuccessCount),
		attribute.Int("cycle.failureCount", result.FailureCount),
	)

	metrics.RecordCycle(float64(result.DurationMs)/1000.0, result.SuccessCount, result.FailureCount)
	logx.Info("cycle complete",
		zap.Int64("cycle", cycleNumber),
		zap.Int("jobsProcessed", result.JobsProcessed),
		zap.Int("succeeded", result.SuccessCount),
		zap.Int("failed", result.FailureCount),
		zap.Int64("durationMs", result.DurationMs),
	)

	return result, nil
}

// refreshSystemEnvironment samples CPU/memory/uptime/load via gopsutil and
// stamps it onto the store, if the store supports it.
func (e *Engine) refreshSystemEnvironment() {
	setter, ok := e.st.(systemEnvironmentSetter)
	if !ok {
		return
	}

	env := models.SystemEnvironment{CPUCount: cpuCount()}
	if vm, err := mem.VirtualMemory(); err == nil {
		env.TotalMemoryMB = vm.Total / (1024 * 1024)
		env.AvailMemoryMB = vm.Available / (1024 * 1024)
	}
	if info, err := host.Info(); err == nil {
		env.HostUptimeSecs = info.Uptime
	}
	if avg, err := load.Avg(); err == nil {
		env.LoadAverage1M = avg.Load1
	}

	setter.SetSystemEnvironment(env)
}

func cpuCount() int {
	counts, err := cpu.Counts(true)
	if err != nil || counts == 0 {
		return 1
	}
	return counts
}

// Status returns the engine's current lifecycle status.
func (e *Engine) Status() models.EngineStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// MetricsSnapshot merges in-memory Stats with the store's persisted job
// counts, per §4.7's getEngineMetrics surface.
func (e *Engine) MetricsSnapshot(ctx context.Context) (models.EngineState, map[string]int64, error) {
	e.mu.Lock()
	state := models.EngineState{
		Status:             e.status,
		LastProcessingTime: e.lastRunAt,
		Stats:              e.stats,
	}
	e.mu.Unlock()

	persisted, err := e.st.GetEngineMetrics(ctx)
	if err != nil {
		return state, nil, err
	}
	return state, persisted, nil
}
