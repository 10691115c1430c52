package harvest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// fakeSyncer records the kinds it was asked to sync and can be made to
// block until released or cancelled.
type fakeSyncer struct {
	mu       sync.Mutex
	kinds    []string
	blocking bool
	results  map[string]*SyncResult
	err      error
}

func (f *fakeSyncer) Sync(ctx context.Context, run *RunContext, kind string, opts DriverOptions) (*SyncResult, error) {
	f.mu.Lock()
	f.kinds = append(f.kinds, kind)
	f.mu.Unlock()

	if f.blocking {
		for !run.Cancelled() {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Millisecond):
			}
		}
		return &SyncResult{Kind: kind}, ErrHarvestStopped
	}

	if f.err != nil {
		return nil, f.err
	}
	if res, ok := f.results[kind]; ok {
		return res, nil
	}
	return &SyncResult{Kind: kind, Processed: 1, Created: 1}, nil
}

func (f *fakeSyncer) syncedKinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.kinds))
	copy(out, f.kinds)
	return out
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func waitForFinish(t *testing.T, c *Coordinator) *HarvestRun {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if run := c.LastRun(); run != nil {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("harvest run did not finish in time")
	return nil
}

func TestCoordinator_SingleFlight(t *testing.T) {
	syncer := &fakeSyncer{blocking: true}
	c := NewCoordinator(syncer, newTestLogger())

	run, err := c.StartHarvest(context.Background(), StartHarvestRequest{Mode: ModeHarvest})
	if err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	if run.Status != RunStatusRunning {
		t.Fatalf("expected running status, got %s", run.Status)
	}

	if _, err := c.StartHarvest(context.Background(), StartHarvestRequest{Mode: ModeHarvest}); !errors.Is(err, ErrHarvestRunning) {
		t.Fatalf("expected ErrHarvestRunning, got %v", err)
	}

	if err := c.StopHarvest(run.Id); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	finished := waitForFinish(t, c)
	if finished.Status != RunStatusFailed {
		t.Fatalf("stopped run should be failed, got %s", finished.Status)
	}

	// The slot is free again.
	if _, err := c.StartHarvest(context.Background(), StartHarvestRequest{Mode: ModeProbe}); err != nil {
		t.Fatalf("start after stop failed: %v", err)
	}
}

func TestCoordinator_StandardsSyncFirst(t *testing.T) {
	syncer := &fakeSyncer{}
	c := NewCoordinator(syncer, newTestLogger())

	if _, err := c.StartHarvest(context.Background(), StartHarvestRequest{Mode: ModeHarvest}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	run := waitForFinish(t, c)
	if run.Status != RunStatusCompleted {
		t.Fatalf("expected completed, got %s", run.Status)
	}

	kinds := syncer.syncedKinds()
	if len(kinds) != 3 {
		t.Fatalf("expected 3 kinds synced, got %v", kinds)
	}
	if kinds[0] != "standards" {
		t.Fatalf("standards must sync before relationship-bearing kinds, got order %v", kinds)
	}
}

func TestCoordinator_ProbeOnlyTouchesStandards(t *testing.T) {
	syncer := &fakeSyncer{}
	c := NewCoordinator(syncer, newTestLogger())

	run, err := c.StartHarvest(context.Background(), StartHarvestRequest{Mode: ModeProbe})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if len(run.Components) != 1 || run.Components[0] != "standards" {
		t.Fatalf("probe should select standards only, got %v", run.Components)
	}

	waitForFinish(t, c)
	if kinds := syncer.syncedKinds(); len(kinds) != 1 {
		t.Fatalf("probe synced extra kinds: %v", kinds)
	}
}

func TestCoordinator_ComponentSelection(t *testing.T) {
	syncer := &fakeSyncer{}
	c := NewCoordinator(syncer, newTestLogger())

	_, err := c.StartHarvest(context.Background(), StartHarvestRequest{
		Mode:       ModeHarvest,
		Components: []string{"centers", "unknown"},
	})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitForFinish(t, c)

	kinds := syncer.syncedKinds()
	if len(kinds) != 1 || kinds[0] != "centers" {
		t.Fatalf("expected centers only, got %v", kinds)
	}
}

func TestCoordinator_AllUnknownComponentsRejected(t *testing.T) {
	c := NewCoordinator(&fakeSyncer{}, newTestLogger())

	_, err := c.StartHarvest(context.Background(), StartHarvestRequest{
		Mode:       ModeHarvest,
		Components: []string{"estandars", "bogus"},
	})
	if !errors.Is(err, ErrUnknownComponents) {
		t.Fatalf("expected ErrUnknownComponents, got %v", err)
	}
	if run := c.ActiveRun(); run != nil {
		t.Fatalf("rejected request must not register a run, got %+v", run)
	}

	// Probe mode picks its own components and ignores the bad list.
	if _, err := c.StartHarvest(context.Background(), StartHarvestRequest{
		Mode:       ModeProbe,
		Components: []string{"bogus"},
	}); err != nil {
		t.Fatalf("probe with unknown components failed: %v", err)
	}
	waitForFinish(t, c)
}

func TestCoordinator_RunReadsAreSnapshots(t *testing.T) {
	syncer := &fakeSyncer{blocking: true}
	c := NewCoordinator(syncer, newTestLogger())

	started, err := c.StartHarvest(context.Background(), StartHarvestRequest{Mode: ModeHarvest})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	observed := c.ActiveRun()
	if observed == nil {
		t.Fatal("expected an active run")
	}
	if len(observed.Results) != 0 {
		t.Fatalf("no kind has finished yet, got results %+v", observed.Results)
	}

	if err := c.StopHarvest(started.Id); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	finished := waitForFinish(t, c)

	// The copies handed out earlier stay frozen at observation time.
	if started.Status != RunStatusRunning || observed.Status != RunStatusRunning {
		t.Fatalf("earlier reads mutated: started=%s observed=%s", started.Status, observed.Status)
	}
	if len(observed.Results) != 0 || observed.EndedAt != nil {
		t.Fatalf("earlier read picked up later writes: %+v", observed)
	}

	// And mutating a returned run never reaches the coordinator.
	finished.Status = "scribbled"
	finished.Results = append(finished.Results, &SyncResult{Kind: "scribbled"})
	again := c.LastRun()
	if again.Status != RunStatusFailed {
		t.Fatalf("caller writes leaked into the coordinator: %s", again.Status)
	}
	for _, res := range again.Results {
		if res.Kind == "scribbled" {
			t.Fatal("caller-appended result leaked into the coordinator")
		}
	}
}

func TestCoordinator_TotalsAggregateResults(t *testing.T) {
	syncer := &fakeSyncer{results: map[string]*SyncResult{
		"standards":  {Kind: "standards", Processed: 5, Created: 3, Updated: 1, Skipped: 1, Pages: 2},
		"certifiers": {Kind: "certifiers", Processed: 4, Created: 2, Skipped: 1, ErrorCount: 1, Pages: 3},
		"centers":    {Kind: "centers", Processed: 2, Skipped: 2, Pages: 1},
	}}
	c := NewCoordinator(syncer, newTestLogger())

	if _, err := c.StartHarvest(context.Background(), StartHarvestRequest{Mode: ModeHarvest}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	run := waitForFinish(t, c)

	want := RunTotals{Items: 11, Created: 5, Updated: 1, Skipped: 4, Errors: 1, Pages: 6}
	if run.Totals != want {
		t.Fatalf("expected totals %+v, got %+v", want, run.Totals)
	}
}

func TestCoordinator_SyncerErrorFailsRun(t *testing.T) {
	syncer := &fakeSyncer{err: errors.New("driver blew up")}
	c := NewCoordinator(syncer, newTestLogger())

	if _, err := c.StartHarvest(context.Background(), StartHarvestRequest{Mode: ModeHarvest}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	run := waitForFinish(t, c)
	if run.Status != RunStatusFailed {
		t.Fatalf("expected failed run, got %s", run.Status)
	}
	// All kinds are still attempted; one bad kind does not starve the rest.
	if kinds := syncer.syncedKinds(); len(kinds) != 3 {
		t.Fatalf("expected all kinds attempted, got %v", kinds)
	}
}

func TestCoordinator_ActiveRunNilWhenIdle(t *testing.T) {
	c := NewCoordinator(&fakeSyncer{}, newTestLogger())
	if run := c.ActiveRun(); run != nil {
		t.Fatalf("expected nil active run before any start, got %+v", run)
	}

	if _, err := c.StartHarvest(context.Background(), StartHarvestRequest{Mode: ModeHarvest}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitForFinish(t, c)
	if run := c.ActiveRun(); run != nil {
		t.Fatalf("expected nil active run after completion, got %+v", run)
	}
}

func TestCoordinator_RunIdEncodesModeAndTime(t *testing.T) {
	c := NewCoordinator(&fakeSyncer{}, newTestLogger())
	run, err := c.StartHarvest(context.Background(), StartHarvestRequest{Mode: ModeProbe})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if len(run.Id) != len("probe-20060102150405") || run.Id[:6] != "probe-" {
		t.Fatalf("unexpected run id format: %s", run.Id)
	}
	waitForFinish(t, c)
}

func TestCoordinator_StopWithoutActiveRun(t *testing.T) {
	c := NewCoordinator(&fakeSyncer{}, newTestLogger())
	if err := c.StopHarvest(""); !errors.Is(err, ErrNoActiveRun) {
		t.Fatalf("expected ErrNoActiveRun, got %v", err)
	}
}
