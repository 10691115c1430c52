package harvest

import (
	"sync/atomic"
	"time"
)

const (
	ModeProbe   = "probe"
	ModeHarvest = "harvest"
)

const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// RawRecord is a single unparsed record as emitted by a driver. The
// upstream API is not consistent about key names, so accessors take
// alias lists.
type RawRecord map[string]any

// Record pairs a raw record with the URL it was fetched from and the
// 1-based page it came from.
type Record struct {
	Data RawRecord
	URL  string
	Page int
}

// DriverOptions tunes a single driver pass.
type DriverOptions struct {
	// MaxPages caps pagination. Zero means no cap.
	MaxPages int

	// PoliteDelay is the pause between page fetches.
	PoliteDelay time.Duration
}

// StartHarvestRequest is the body accepted by the trigger endpoint and
// the Pub/Sub push payload.
type StartHarvestRequest struct {
	Mode       string   `json:"mode" binding:"required,oneof=probe harvest"`
	Components []string `json:"components"`
	MaxPages   int      `json:"maxPages" binding:"omitempty,min=0,max=500"`
	Concurrent bool     `json:"concurrent"`
}

// SyncResult aggregates the per-record outcomes of one kind sync.
// Pages is the highest page number seen on the record stream.
type SyncResult struct {
	Kind       string `json:"kind"`
	Processed  int    `json:"processed"`
	Created    int    `json:"created"`
	Updated    int    `json:"updated"`
	Skipped    int    `json:"skipped"`
	ErrorCount int    `json:"errorCount"`
	Pages      int    `json:"pages"`
	DurationMs int64  `json:"durationMs"`
}

// RunTotals aggregates per-kind results into run-level counters.
type RunTotals struct {
	Items   int `json:"items"`
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
	Pages   int `json:"pages"`
}

// HarvestRun is the in-memory record of one coordinator run. Persistent
// history lives in the sync_jobs table; this struct only backs the
// active-run endpoint.
type HarvestRun struct {
	Id         string        `json:"id"`
	Mode       string        `json:"mode"`
	Status     string        `json:"status"`
	Components []string      `json:"components"`
	StartedAt  time.Time     `json:"startedAt"`
	EndedAt    *time.Time    `json:"endedAt,omitempty"`
	Results    []*SyncResult `json:"results"`
	Totals     RunTotals     `json:"totals"`
}

// snapshot deep-copies the run so callers can read and marshal it while
// the run goroutine keeps appending results. The coordinator calls this
// with its mutex held; the copy is never mutated afterwards.
func (r *HarvestRun) snapshot() *HarvestRun {
	out := *r
	out.Components = append([]string(nil), r.Components...)
	out.Results = make([]*SyncResult, len(r.Results))
	out.Totals = RunTotals{}
	for i, res := range r.Results {
		cp := *res
		out.Results[i] = &cp
		out.Totals.Items += cp.Processed
		out.Totals.Created += cp.Created
		out.Totals.Updated += cp.Updated
		out.Totals.Skipped += cp.Skipped
		out.Totals.Errors += cp.ErrorCount
		out.Totals.Pages += cp.Pages
	}
	return &out
}

// RunContext carries the cooperative cancellation flag for a run. The
// sync loop checks it between records, so a stop request takes effect
// at the next record boundary rather than mid-write.
type RunContext struct {
	runId     string
	cancelled atomic.Bool
}

func NewRunContext(runId string) *RunContext {
	return &RunContext{runId: runId}
}

func (rc *RunContext) RunId() string {
	return rc.runId
}

func (rc *RunContext) Cancel() {
	rc.cancelled.Store(true)
}

func (rc *RunContext) Cancelled() bool {
	return rc.cancelled.Load()
}
