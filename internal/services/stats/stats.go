// Package stats accumulates counters for the pipeline process and for each run,
// and raises a single alert when process failures cross a threshold.
package stats

import (
	"sync"
	"sync/atomic"
	"time"

	"cycletime-ingest/internal/models"
	"cycletime-ingest/internal/services/lifecycle"
)

// Snapshot is a point-in-time copy of the counters
type Snapshot struct {
	UptimeSeconds float64 `json:"uptime_seconds"`
	SuccessRate   float64 `json:"success_rate"`

	FilesArchived    int64 `json:"files_archived"`
	FilesQuarantined int64 `json:"files_quarantined"`
	FilesDeferred    int64 `json:"files_deferred"`
	MoveFailures     int64 `json:"move_failures"`

	PagesSucceeded int64 `json:"pages_succeeded"`
	PagesFailed    int64 `json:"pages_failed"`
	FetchFailures  int64 `json:"fetch_failures"`

	RecordsProcessed int64 `json:"records_processed"`
	RecordsUpserted  int64 `json:"records_upserted"`
	RecordsInserted  int64 `json:"records_inserted"`
	RecordsUpdated   int64 `json:"records_updated"`
	RecordsSkipped   int64 `json:"records_skipped"`
	RecordsFailed    int64 `json:"records_failed"`
}

// Failures is the count compared against the alert threshold
func (s Snapshot) Failures() int64 {
	return s.FilesQuarantined + s.MoveFailures + s.PagesFailed
}

// AlertFunc receives the snapshot that crossed the threshold
type AlertFunc func(Snapshot)

// Collector is safe for concurrent use
type Collector struct {
	startTime time.Time
	now       func() time.Time

	filesArchived, filesQuarantined, filesDeferred, moveFailures atomic.Int64
	pagesSucceeded, pagesFailed, fetchFailures                   atomic.Int64

	processed, upserted, inserted, updated, skipped, failed atomic.Int64

	threshold int64
	onAlert   AlertFunc
	alertOnce sync.Once

	parent *Collector // set on run collectors
}

// NewCollector creates a collector. A threshold of 0 disables the alert.
func NewCollector(threshold int, onAlert AlertFunc) *Collector {
	return &Collector{
		startTime: time.Now(),
		now:       time.Now,
		threshold: int64(threshold),
		onAlert:   onAlert,
	}
}

// NewRun returns a collector for one run. Its snapshot holds only that run's totals
// and its uptime is the run's duration. Everything it records also reaches c.
func (c *Collector) NewRun() *Collector {
	return &Collector{
		startTime: c.now(),
		now:       c.now,
		parent:    c,
	}
}

// RecordFile accounts one lifecycle outcome
func (c *Collector) RecordFile(res lifecycle.Result) {
	if c.parent != nil {
		c.parent.RecordFile(res)
	}
	c.recordBatch(res.Batch)
	switch {
	case res.MoveErr != nil:
		c.moveFailures.Add(1)
	case res.Deferred:
		c.filesDeferred.Add(1)
	case res.State == lifecycle.Archived:
		c.filesArchived.Add(1)
	case res.State == lifecycle.Quarantined:
		c.filesQuarantined.Add(1)
	}
	c.checkAlert()
}

// RecordPage accounts one API page batch
func (c *Collector) RecordPage(batch *models.ImportBatch, err error) {
	if c.parent != nil {
		c.parent.RecordPage(batch, err)
	}
	c.recordBatch(batch)
	if err != nil {
		c.pagesFailed.Add(1)
	} else {
		c.pagesSucceeded.Add(1)
	}
	c.checkAlert()
}

// RecordFetchFailure accounts an endpoint whose page fetch gave up
func (c *Collector) RecordFetchFailure() {
	if c.parent != nil {
		c.parent.RecordFetchFailure()
	}
	c.fetchFailures.Add(1)
}

func (c *Collector) recordBatch(b *models.ImportBatch) {
	if b == nil {
		return
	}
	c.processed.Add(int64(b.Processed))
	c.upserted.Add(int64(b.Upserted))
	c.inserted.Add(int64(b.Inserted))
	c.updated.Add(int64(b.Updated))
	c.skipped.Add(int64(b.Skipped))
	c.failed.Add(int64(b.Failed))
}

func (c *Collector) checkAlert() {
	if c.threshold <= 0 || c.onAlert == nil {
		return
	}
	snap := c.Snapshot()
	if snap.Failures() > c.threshold {
		c.alertOnce.Do(func() { c.onAlert(snap) })
	}
}

// Snapshot returns the current counters
func (c *Collector) Snapshot() Snapshot {
	s := Snapshot{
		UptimeSeconds:    c.now().Sub(c.startTime).Seconds(),
		FilesArchived:    c.filesArchived.Load(),
		FilesQuarantined: c.filesQuarantined.Load(),
		FilesDeferred:    c.filesDeferred.Load(),
		MoveFailures:     c.moveFailures.Load(),
		PagesSucceeded:   c.pagesSucceeded.Load(),
		PagesFailed:      c.pagesFailed.Load(),
		FetchFailures:    c.fetchFailures.Load(),
		RecordsProcessed: c.processed.Load(),
		RecordsUpserted:  c.upserted.Load(),
		RecordsInserted:  c.inserted.Load(),
		RecordsUpdated:   c.updated.Load(),
		RecordsSkipped:   c.skipped.Load(),
		RecordsFailed:    c.failed.Load(),
	}

	total := s.FilesArchived + s.FilesQuarantined + s.MoveFailures + s.PagesSucceeded + s.PagesFailed
	s.SuccessRate = 1
	if total > 0 {
		s.SuccessRate = float64(s.FilesArchived+s.PagesSucceeded) / float64(total)
	}
	return s
}
