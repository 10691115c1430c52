package harvest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"bitbucket.org/datafocusmx/renec_backend/config"
	"bitbucket.org/datafocusmx/renec_backend/models"
	"bitbucket.org/datafocusmx/renec_backend/utils"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
)

var (
	ErrHarvestRunning    = errors.New("a harvest run is already in progress")
	ErrNoActiveRun       = errors.New("no active harvest run")
	ErrUnknownComponents = errors.New("no recognized components requested")
)

// kindSyncer is what the coordinator needs from the orchestrator.
type kindSyncer interface {
	Sync(ctx context.Context, run *RunContext, kind string, opts DriverOptions) (*SyncResult, error)
}

// Coordinator serializes harvest runs. At most one run is active per
// process; the in-memory guard is authoritative and the redis lock is
// only a best-effort cross-replica hint.
type Coordinator struct {
	mu     sync.Mutex
	active *HarvestRun
	last   *HarvestRun
	runCtx *RunContext
	syncer kindSyncer
	logger *logrus.Logger
}

func NewCoordinator(syncer kindSyncer, logger *logrus.Logger) *Coordinator {
	return &Coordinator{syncer: syncer, logger: logger}
}

// StartHarvest registers a new run and executes it asynchronously.
// Returns ErrHarvestRunning while a previous run is still active.
func (c *Coordinator) StartHarvest(ctx context.Context, req StartHarvestRequest) (*HarvestRun, error) {
	components, err := normalizeComponents(req.Components)
	if req.Mode == ModeProbe {
		// A probe only touches the standards catalog.
		components = []string{models.KindStandard}
		if req.MaxPages == 0 {
			req.MaxPages = 1
		}
	} else if err != nil {
		return nil, err
	}

	start := time.Now()
	run := &HarvestRun{
		Id:         fmt.Sprintf("%s-%s", req.Mode, start.Format("20060102150405")),
		Mode:       req.Mode,
		Status:     RunStatusRunning,
		Components: components,
		StartedAt:  start,
	}

	c.mu.Lock()
	if c.active != nil && c.active.Status == RunStatusRunning {
		c.mu.Unlock()
		return nil, ErrHarvestRunning
	}
	c.active = run
	c.runCtx = NewRunContext(run.Id)
	runContext := c.runCtx
	// Snapshot before the run goroutine starts mutating the struct.
	snap := run.snapshot()
	c.mu.Unlock()

	execCtx := detachContext(ctx, run.Id)
	go c.execute(execCtx, run, runContext, req)

	return snap, nil
}

// StopHarvest requests cancellation of the active run. The run flips to
// failed immediately; in-flight kind syncs stop at the next record.
func (c *Coordinator) StopHarvest(runId string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil || c.active.Status != RunStatusRunning {
		return ErrNoActiveRun
	}
	if runId != "" && c.active.Id != runId {
		return fmt.Errorf("run %s is not active", runId)
	}

	c.runCtx.Cancel()
	c.active.Status = RunStatusFailed
	return nil
}

// ActiveRun returns a snapshot of the running harvest or nil when idle.
// The copy keeps readers off the struct the run goroutine mutates.
func (c *Coordinator) ActiveRun() *HarvestRun {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil && c.active.Status == RunStatusRunning {
		return c.active.snapshot()
	}
	return nil
}

// LastRun returns a snapshot of the most recently finished harvest, if any.
func (c *Coordinator) LastRun() *HarvestRun {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return nil
	}
	return c.last.snapshot()
}

func (c *Coordinator) execute(ctx context.Context, run *HarvestRun, runContext *RunContext, req StartHarvestRequest) {
	// Best effort only. A lost redis never blocks harvesting; overlap
	// across replicas just wastes polite requests.
	var lock *redislock.Lock
	if locker := config.GetRedisLock(); locker != nil {
		var err error
		lock, err = locker.Obtain(ctx, "lock:renec:harvest", 30*time.Minute, nil)
		if err != nil {
			c.logger.WithFields(logrus.Fields{
				"module": "harvest",
				"runId":  run.Id,
			}).Warn("could not obtain harvest lock, continuing")
			lock = nil
		}
	}
	if lock != nil {
		defer func() { _ = lock.Release(ctx) }()
	}

	opts := DriverOptions{
		MaxPages:    req.MaxPages,
		PoliteDelay: politeDelayFromEnv(),
	}

	failed := false

	// Standards sync first so relationship reconciliation on the later
	// kinds can resolve codes against a fresh catalog.
	if containsKind(run.Components, models.KindStandard) {
		failed = c.runKind(ctx, run, runContext, models.KindStandard, opts) || failed
	}

	rest := make([]string, 0, 2)
	for _, kind := range []string{models.KindCertifier, models.KindCenter} {
		if containsKind(run.Components, kind) {
			rest = append(rest, kind)
		}
	}

	if req.Concurrent && len(rest) == 2 && !runContext.Cancelled() {
		var wg sync.WaitGroup
		results := make([]bool, len(rest))
		for i, kind := range rest {
			wg.Add(1)
			go func(i int, kind string) {
				defer wg.Done()
				results[i] = c.runKind(ctx, run, runContext, kind, opts)
			}(i, kind)
		}
		wg.Wait()
		for _, f := range results {
			failed = failed || f
		}
	} else {
		for _, kind := range rest {
			if runContext.Cancelled() {
				break
			}
			failed = c.runKind(ctx, run, runContext, kind, opts) || failed
		}
	}

	now := time.Now()
	c.mu.Lock()
	run.EndedAt = &now
	if runContext.Cancelled() || failed {
		run.Status = RunStatusFailed
	} else {
		run.Status = RunStatusCompleted
	}
	c.last = run
	if c.active == run {
		c.active = nil
		c.runCtx = nil
	}
	c.mu.Unlock()

	// The mirror changed; cached freshness and report snapshots are stale.
	_ = config.RemoveRedisKey("renec:freshness", "renec:report:extraction")

	c.logger.WithFields(logrus.Fields{
		"module":   "harvest",
		"runId":    run.Id,
		"status":   run.Status,
		"duration": now.Sub(run.StartedAt).String(),
	}).Info("harvest run finished")
}

// runKind runs one kind sync and reports whether it failed.
func (c *Coordinator) runKind(ctx context.Context, run *HarvestRun, runContext *RunContext, kind string, opts DriverOptions) bool {
	res, err := c.syncer.Sync(ctx, runContext, kind, opts)

	c.mu.Lock()
	if res != nil {
		run.Results = append(run.Results, res)
	}
	c.mu.Unlock()

	if err != nil {
		config.LogError(c.logger, "harvest", "runKind", run.Id+" "+kind, nil, err)
		return true
	}
	return false
}

// StaleKinds reports which kinds have rows older than the freshness
// threshold. Used by the scheduled probe to decide between a full
// harvest and a light one.
func (c *Coordinator) StaleKinds(ctx context.Context) ([]string, error) {
	cutoff := time.Now().Add(-time.Duration(freshnessThresholdDays()) * 24 * time.Hour)
	var stale []string
	for _, kind := range []string{models.KindStandard, models.KindCertifier, models.KindCenter} {
		count, err := models.CountStaleEntities(ctx, kind, cutoff)
		if err != nil {
			return nil, err
		}
		if count > 0 {
			stale = append(stale, kind)
		}
	}
	return stale, nil
}

// FreshnessReport is the payload of the admin freshness endpoint.
type FreshnessReport struct {
	ThresholdDays int             `json:"thresholdDays"`
	CheckedAt     time.Time       `json:"checkedAt"`
	Kinds         []KindFreshness `json:"kinds"`
}

type KindFreshness struct {
	Kind       string `json:"kind"`
	StaleCount int64  `json:"staleCount"`
}

func (c *Coordinator) Freshness(ctx context.Context) (*FreshnessReport, error) {
	var cached FreshnessReport
	if found, err := config.GetRedisObject("renec:freshness", &cached); err == nil && found {
		return &cached, nil
	}

	days := freshnessThresholdDays()
	cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour)
	report := &FreshnessReport{
		ThresholdDays: days,
		CheckedAt:     time.Now(),
	}
	for _, kind := range []string{models.KindStandard, models.KindCertifier, models.KindCenter} {
		count, err := models.CountStaleEntities(ctx, kind, cutoff)
		if err != nil {
			return nil, err
		}
		report.Kinds = append(report.Kinds, KindFreshness{Kind: kind, StaleCount: count})
	}

	_ = config.SetRedisObject("renec:freshness", report, 5*time.Minute)
	return report, nil
}

// normalizeComponents maps the requested component list onto known
// kinds in canonical order. An empty list means everything; a list
// with no recognized kind is a caller mistake, not a full harvest.
func normalizeComponents(components []string) ([]string, error) {
	all := []string{models.KindStandard, models.KindCertifier, models.KindCenter}
	if len(components) == 0 {
		return all, nil
	}
	selected := make(map[string]bool, len(components))
	for _, comp := range components {
		selected[strings.ToLower(strings.TrimSpace(comp))] = true
	}
	out := make([]string, 0, len(all))
	for _, kind := range all {
		if selected[kind] {
			out = append(out, kind)
		}
	}
	if len(out) == 0 {
		return nil, ErrUnknownComponents
	}
	return out, nil
}

func containsKind(kinds []string, kind string) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// detachContext keeps request metadata but drops the caller's deadline
// so the run survives the triggering HTTP request.
func detachContext(ctx context.Context, runId string) context.Context {
	out := context.Background()
	if correlationId, ok := utils.GetCorrelationIdFromContext(ctx); ok {
		out = utils.SetCorrelationIdInContext(out, correlationId)
	}
	if triggeredBy, ok := utils.GetTriggeredByFromContext(ctx); ok {
		out = utils.SetTriggeredByInContext(out, triggeredBy)
	}
	return utils.SetHarvestRunIdInContext(out, runId)
}

func politeDelayFromEnv() time.Duration {
	if v := strings.TrimSpace(os.Getenv("RENEC_POLITE_DELAY_MS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return 500 * time.Millisecond
}

func freshnessThresholdDays() int {
	if v := strings.TrimSpace(os.Getenv("FRESHNESS_THRESHOLD_DAYS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 7
}
