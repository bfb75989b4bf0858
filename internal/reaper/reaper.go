// Package reaper implements the TTL-Aware Expiry Reaper: the scheduled,
// leader-elected, atomic sweep that reconciles the total-user counter and
// the secondary indices with actual primary-store membership as entries
// expire.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pulsehub/profile-engine/internal/core/resilience"
	"github.com/pulsehub/profile-engine/internal/events"
	"github.com/pulsehub/profile-engine/internal/index"
	"github.com/pulsehub/profile-engine/internal/profile"
	"github.com/pulsehub/profile-engine/internal/pulseerr"
	"github.com/pulsehub/profile-engine/internal/store"
	"github.com/pulsehub/profile-engine/pkg/metrics"
)

const (
	schedulerLeaseKey = "pulsehub:lease:reaper:scheduler"
	manualLeaseKey    = "pulsehub:lease:reaper:manual"
)

// reconcileScript implements the normative reconciliation contract:
// KEYS[1]=expiry index, KEYS[2]=counter, ARGV[1]=primary-key prefix,
// ARGV[2]=now-ms, ARGV[3]=batch-size.
const reconcileScript = `
local candidates = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2], 'LIMIT', 0, tonumber(ARGV[3]))
if #candidates == 0 then
	return {0, 0, 0}
end

local absent = {}
for i = 1, #candidates do
	local exists = redis.call('EXISTS', ARGV[1] .. candidates[i])
	if exists == 0 then
		absent[#absent + 1] = candidates[i]
	end
end

if #absent > 0 then
	redis.call('DECRBY', KEYS[2], #absent)
	redis.call('ZREM', KEYS[1], unpack(absent))
end

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
local remaining = redis.call('ZCOUNT', KEYS[1], '-inf', ARGV[2])

return {#absent, #candidates, remaining}
`

// Config holds the reaper's tunables (environment/config surface).
type Config struct {
	BatchSize        int
	MaxIterations    int
	LockExpireTime   time.Duration
	MaxExecutionTime time.Duration
}

// DefaultConfig returns the documented default tunables.
func DefaultConfig() Config {
	return Config{
		BatchSize:        1000,
		MaxIterations:    100,
		LockExpireTime:   50 * time.Minute,
		MaxExecutionTime: 45 * time.Minute,
	}
}

// Validate enforces the cross-field bound LockExpireTime > MaxExecutionTime,
// so a straggler tick cannot collide with the next scheduled one.
func (c Config) Validate() error {
	if c.BatchSize <= 0 || c.BatchSize > 10000 {
		return pulseerr.Invalid("reaper: batch_size %d out of range [1, 10000]", c.BatchSize)
	}
	if c.MaxIterations <= 0 {
		return pulseerr.Invalid("reaper: max_iterations must be > 0")
	}
	if c.LockExpireTime <= c.MaxExecutionTime {
		return pulseerr.Invalid("reaper: lock_expire_time (%s) must exceed max_execution_time (%s)", c.LockExpireTime, c.MaxExecutionTime)
	}
	return nil
}

// Result is the triple one completed tick returns, plus how many batches it took.
type Result struct {
	ActuallyExpired int64
	Candidates      int64
	Remaining       int64
	Iterations      int
}

// ErrLeaseContention is returned (never wrapped as a domain error kind) when
// a tick finds the lease already held; callers should treat it as "skip,
// not fail".
var ErrLeaseContention = errors.New("reaper: lease already held")

// Status is the snapshot returned by Status().
type Status struct {
	Running               bool
	OverdueCandidateCount int64
	CurrentUserCount      int64
	NextScheduledAt       time.Time
}

// Scanner is implemented by stores that can enumerate primary keys via a
// non-blocking cursor scan. Only counter:reset needs this, so it is kept
// narrow here rather than folded into internal/store.Store.
type Scanner interface {
	ScanKeys(ctx context.Context, prefix string) ([]string, error)
}

// transientChecker retries an error only when its lower-cased text names a
// transient transport or load condition.
type transientChecker struct{}

var transientSubstrings = []string{"connection", "timeout", "busy", "loading", "overload"}

func (transientChecker) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range transientSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Reaper runs reconciliation ticks against a store.Store.
type Reaper struct {
	store   store.Store
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.ReaperMetrics

	retryPolicy *resilience.RetryPolicy
	nextRun     func() time.Time
	running     bool
	cleanupBus  *events.CleanupBus
}

// New creates a Reaper. cfg is validated; a zero Config is replaced with
// DefaultConfig().
func New(s store.Store, cfg Config, logger *slog.Logger, m *metrics.ReaperMetrics) (*Reaper, error) {
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		store:   s,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		retryPolicy: &resilience.RetryPolicy{
			MaxRetries:   3,
			BaseDelay:    200 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
			ErrorChecker: transientChecker{},
			Logger:       logger,
		},
	}, nil
}

// SetNextRunFunc wires in the scheduler's next-fire-time lookup (typically
// backed by a robfig/cron *cron.Cron entry), used by Status.
func (r *Reaper) SetNextRunFunc(f func() time.Time) {
	r.nextRun = f
}

// SetCleanupBus wires in the outbound CleanupBus that run() publishes its
// one terminal event per tick to. Left nil, a reaper simply logs instead of
// publishing, matching how other optional collaborators are wired in this
// codebase (e.g. SetNextRunFunc).
func (r *Reaper) SetCleanupBus(bus *events.CleanupBus) {
	r.cleanupBus = bus
}

// RunScheduled executes one tick under the scheduler's lease key. Exactly
// one process-wide reaper executes per tick; a concurrent attempt
// short-circuits via ErrLeaseContention.
func (r *Reaper) RunScheduled(ctx context.Context) (Result, error) {
	return r.run(ctx, schedulerLeaseKey)
}

// RunManual executes one tick under a distinct operator lease key so it
// cannot collide with the scheduled tick.
func (r *Reaper) RunManual(ctx context.Context) (Result, error) {
	return r.run(ctx, manualLeaseKey)
}

func (r *Reaper) run(ctx context.Context, leaseKey string) (Result, error) {
	taskID := uuid.NewString()
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.MaxExecutionTime)
	defer cancel()

	token, ok, err := r.store.Acquire(ctx, leaseKey, r.cfg.LockExpireTime)
	if err != nil {
		r.emitFailed(taskID, err)
		return Result{}, pulseerr.Transient(err)
	}
	if !ok {
		r.logger.Info("reaper: lease contention, skipping tick", "lease_key", leaseKey, "task_id", taskID)
		if r.metrics != nil {
			r.metrics.LeaseContention.Inc()
		}
		return Result{}, ErrLeaseContention
	}

	r.running = true
	defer func() {
		r.running = false
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer releaseCancel()
		if relErr := r.store.Release(releaseCtx, leaseKey, token); relErr != nil {
			r.logger.Warn("reaper: lease release failed", "error", relErr, "task_id", taskID)
		}
	}()

	result, err := r.reconcile(ctx)
	duration := time.Since(start)

	if err != nil {
		r.emitFailed(taskID, err)
		if r.metrics != nil {
			r.metrics.CyclesTotal.WithLabelValues("failure").Inc()
		}
		return result, err
	}

	if r.metrics != nil {
		r.metrics.CyclesTotal.WithLabelValues("success").Inc()
		r.metrics.CycleDuration.Observe(duration.Seconds())
		r.metrics.KeysReclaimedTotal.Add(float64(result.ActuallyExpired))
		r.metrics.LastCycleTimestamp.Set(float64(time.Now().Unix()))
	}
	r.logger.Info("reaper: cycle completed",
		"task_id", taskID,
		"total_expired", result.ActuallyExpired,
		"total_candidates", result.Candidates,
		"iterations", result.Iterations,
		"duration", duration)
	r.emitCompleted(taskID, result)
	return result, nil
}

func (r *Reaper) emitCompleted(taskID string, result Result) {
	if r.cleanupBus == nil {
		return
	}
	r.cleanupBus.Publish(events.CleanupCompleted{
		TaskID:          taskID,
		TotalExpired:    result.ActuallyExpired,
		TotalCandidates: result.Candidates,
		Remaining:       result.Remaining,
		Iterations:      result.Iterations,
		CompletedAt:     time.Now().UTC(),
	})
}

// reconcile runs reconciliation batches until the expiry index reports no
// remaining entries with score <= now, or the iteration cap is reached.
// Cancellation is honored only at batch boundaries.
func (r *Reaper) reconcile(ctx context.Context) (Result, error) {
	var total Result

	for total.Iterations < r.cfg.MaxIterations {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}

		batch, err := resilience.WithRetryFunc(ctx, r.retryPolicy, func() (batchResult, error) {
			return r.runBatch(ctx)
		})
		if err != nil {
			return total, err
		}

		total.ActuallyExpired += batch.expired
		total.Candidates += batch.candidates
		total.Remaining = batch.remaining
		total.Iterations++

		if batch.remaining <= 0 {
			break
		}

		select {
		case <-ctx.Done():
			return total, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}

	return total, nil
}

type batchResult struct {
	expired, candidates, remaining int64
}

func (r *Reaper) runBatch(ctx context.Context) (batchResult, error) {
	nowMs := time.Now().UnixMilli()
	raw, err := r.store.Eval(ctx, reconcileScript,
		[]string{index.ExpiryIndexKey, index.CounterKey},
		profile.ProfilePrefix, nowMs, r.cfg.BatchSize)
	if err != nil {
		return batchResult{}, err
	}
	return parseTriple(raw)
}

func parseTriple(raw any) (batchResult, error) {
	items, ok := raw.([]any)
	if !ok || len(items) != 3 {
		return batchResult{}, pulseerr.Fatal(fmt.Errorf("reaper: unexpected reconciliation result shape: %#v", raw))
	}
	vals := make([]int64, 3)
	for i, item := range items {
		n, ok := item.(int64)
		if !ok {
			return batchResult{}, pulseerr.Fatal(fmt.Errorf("reaper: non-integer reconciliation field %d: %#v", i, item))
		}
		vals[i] = n
	}
	return batchResult{expired: vals[0], candidates: vals[1], remaining: vals[2]}, nil
}

// Status reports the reaper's current state for the operator-facing status
// query.
func (r *Reaper) Status(ctx context.Context) (Status, error) {
	nowMs := float64(time.Now().UnixMilli())
	overdue, err := r.store.CountInScoreRange(ctx, index.ExpiryIndexKey, 0, nowMs)
	if err != nil {
		return Status{}, err
	}
	count, err := r.store.GetCounter(ctx, index.CounterKey)
	if err != nil {
		return Status{}, err
	}
	var next time.Time
	if r.nextRun != nil {
		next = r.nextRun()
	}
	return Status{
		Running:               r.running,
		OverdueCandidateCount: overdue,
		CurrentUserCount:      count,
		NextScheduledAt:       next,
	}, nil
}

// CounterReset re-scans the primary store with a non-blocking cursor scan
// and rebuilds the expiry index and total-user counter from scratch. Used
// to recover from index drift detected out-of-band.
func (r *Reaper) CounterReset(ctx context.Context) (int64, error) {
	scanner, ok := r.store.(Scanner)
	if !ok {
		return 0, pulseerr.Fatal(fmt.Errorf("reaper: backing store does not support key scanning"))
	}

	keys, err := scanner.ScanKeys(ctx, profile.ProfilePrefix)
	if err != nil {
		return 0, err
	}
	if _, err := r.store.Delete(ctx, index.ExpiryIndexKey); err != nil {
		return 0, err
	}

	var rebuilt int64
	for _, key := range keys {
		userID := strings.TrimPrefix(key, profile.ProfilePrefix)
		ttl, err := r.store.GetTTL(ctx, key)
		if err != nil || ttl <= 0 {
			continue
		}
		expiryMs := float64(time.Now().Add(ttl).UnixMilli())
		if err := r.store.AddWithScore(ctx, index.ExpiryIndexKey, userID, expiryMs); err != nil {
			return rebuilt, err
		}
		rebuilt++
	}

	if err := r.store.SetCounter(ctx, index.CounterKey, rebuilt); err != nil {
		return rebuilt, err
	}
	return rebuilt, nil
}

func (r *Reaper) emitFailed(taskID string, cause error) {
	r.logger.Error("reaper: cycle failed",
		"task_id", taskID,
		"error", cause,
		"timestamp", time.Now())
	if r.cleanupBus == nil {
		return
	}
	r.cleanupBus.Publish(events.CleanupFailed{
		TaskID:      taskID,
		Error:       cause.Error(),
		CompletedAt: time.Now().UTC(),
	})
}
