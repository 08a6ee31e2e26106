package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"text/tabwriter"
	"time"

	"cycletime-ingest/internal/api"
	"cycletime-ingest/internal/config"
	"cycletime-ingest/internal/crypto"
	"cycletime-ingest/internal/database"
	"cycletime-ingest/internal/models"
	"cycletime-ingest/internal/services/lifecycle"
	"cycletime-ingest/internal/services/loader"
	"cycletime-ingest/internal/services/normalize"
	"cycletime-ingest/internal/services/retry"
	"cycletime-ingest/internal/services/scheduler"
	"cycletime-ingest/internal/services/stats"
	"cycletime-ingest/internal/services/watch"

	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Run triggers
const (
	TriggerManual  = "manual"
	TriggerStartup = "startup"
	TriggerCron    = "cron"
)

// Run statuses
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunCancelled = "cancelled"
	RunFailed    = "failed"
)

// App struct - main application state
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *gorm.DB
	store  *database.Store

	stats     *stats.Collector
	loader    *loader.Loader
	lifecycle *lifecycle.Manager
	scheduler *scheduler.Service
	ingestor  *scheduler.APIIngestor // nil when the API source is disabled

	// a file scan and an API pass of the same kind never overlap
	scanMu sync.Mutex
	apiMu  sync.Mutex
}

// RunSummary is what a run reports on completion
type RunSummary struct {
	RunID    string         `json:"run_id"`
	Trigger  string         `json:"trigger"`
	Status   string         `json:"status"`
	Files    int            `json:"files"`
	Duration string         `json:"duration"`
	Stats    stats.Snapshot `json:"stats"`
}

// openStore connects the database under the connection retry policy
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*gorm.DB, *database.Store, error) {
	db, err := database.Open(ctx, cfg.Database, retryPolicy(cfg, logger, "connect"))
	if err != nil {
		return nil, nil, err
	}
	return db, database.NewStore(db, logger), nil
}

func retryPolicy(cfg *config.Config, logger *slog.Logger, op string) retry.Policy {
	return retry.Policy{
		MaxAttempts: cfg.Pipeline.MaxRetries,
		BaseDelay:   cfg.Pipeline.RetryBaseDelay,
		Notify: func(attempt int, err error, delay time.Duration) {
			if delay > 0 {
				logger.Warn("retrying", "op", op, "attempt", attempt, "delay", delay, "error", err)
			}
		},
	}
}

// NewApp resolves credentials, connects the store and wires every service.
// Credential problems are returned as *config.FatalConfigurationError.
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var client *api.Client
	if cfg.API.Enabled {
		secret, err := resolveAPISecret(cfg, logger)
		if err != nil {
			return nil, err
		}
		client = api.NewClient(api.ClientConfig{
			BaseURL:  cfg.API.BaseURL,
			Auth:     cfg.API.Auth,
			Username: cfg.API.Username,
			Secret:   secret,
			Timeout:  cfg.API.Timeout,
		})
	}

	db, store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, logger: logger, db: db, store: store}
	a.stats = stats.NewCollector(cfg.Pipeline.AlertThreshold, a.alert)

	normalizer := normalize.NewNormalizer(normalize.Options{
		RoundCycle:  cfg.Pipeline.RoundCycle,
		DateFormats: cfg.Pipeline.DateFormats,
		TimeFormats: cfg.Pipeline.TimeFormats,
	})
	a.loader = loader.NewLoader(store, normalizer, loader.Config{
		ErrorBudget: cfg.Pipeline.ErrorBudget,
		Connect:     retryPolicy(cfg, logger, "begin"),
		Delimiter:   cfg.Source.DelimiterRune(),
	}, logger)

	a.lifecycle = lifecycle.NewManager(a.loader, store, lifecycle.Config{
		UnlockRetries: cfg.Pipeline.FileUnlockRetries,
		UnlockWait:    cfg.Pipeline.FileUnlockWait,
		BackupDir:     cfg.Source.BackupDir,
		ErrorDir:      cfg.Source.ErrorDir,
		Process:       retryPolicy(cfg, logger, "load"),
		Move:          retryPolicy(cfg, logger, "move"),
	}, lifecycle.WithLogger(logger))

	a.scheduler = scheduler.NewService(a.lifecycle, cfg.Pipeline.Workers, a.stats.RecordFile, logger)

	if client != nil {
		a.ingestor = scheduler.NewAPIIngestor(client, a.loader, cfg.API.Endpoints, retryPolicy(cfg, logger, "fetch"), logger)
		a.ingestor.OnFetchFailure = func(endpoint string, err error) {
			store.LogError(context.Background(), models.ErrorLog{
				Message:    fmt.Sprintf("endpoint %s aborted: %v", endpoint, err),
				Severity:   models.SeverityError,
				SourcePath: endpoint,
			})
		}
	}
	return a, nil
}

// resolveAPISecret finds the API secret; auth modes other than none require one
func resolveAPISecret(cfg *config.Config, logger *slog.Logger) (string, error) {
	if cfg.API.Auth == api.AuthNone {
		return "", nil
	}
	secret, source, err := crypto.ResolveSecret(os.LookupEnv, crypto.SecretRefs{
		Token:    cfg.API.Token,
		TokenEnc: cfg.API.TokenEnc,
		User:     cfg.API.Username,
	})
	if err != nil {
		return "", &config.FatalConfigurationError{Field: "api.token", Message: err.Error()}
	}
	if source == crypto.SourceNone {
		return "", &config.FatalConfigurationError{
			Field:   "api.token",
			Message: fmt.Sprintf("%s auth needs a secret (%s, api.token, api.token_enc or keychain)", cfg.API.Auth, crypto.EnvToken),
		}
	}
	logger.Debug("api secret resolved", "source", source)
	return secret, nil
}

// Close releases the database
func (a *App) Close() error {
	return closeDB(a.db)
}

func closeDB(db *gorm.DB) error {
	return database.Close(db)
}

// RunOnce scans the drop tree and polls the API concurrently, then records the run
func (a *App) RunOnce(ctx context.Context, trigger string) (*RunSummary, error) {
	return a.execute(ctx, trigger, true, a.ingestor != nil)
}

func (a *App) execute(ctx context.Context, trigger string, files, apiPass bool) (*RunSummary, error) {
	run := &models.IngestRun{Trigger: trigger, Status: RunRunning, StartedAt: time.Now()}
	if err := a.store.RecordRun(ctx, run); err != nil {
		a.logger.Warn("failed to record run start", "error", err)
	}
	a.logger.Info("run started", "run_id", run.ID, "trigger", trigger, "files", files, "api", apiPass)

	// per-run totals; the process collector still sees every outcome
	runStats := a.stats.NewRun()

	// the two sources are independent: a failed scan never cancels the API pass
	var (
		g       errgroup.Group
		scanned int
	)
	if files {
		g.Go(func() error {
			n, err := a.scanFiles(ctx, runStats)
			scanned = n
			return err
		})
	}
	if apiPass {
		g.Go(func() error {
			a.apiMu.Lock()
			defer a.apiMu.Unlock()
			return a.ingestor.Run(ctx, runStats)
		})
	}
	err := g.Wait()

	completed := time.Now()
	run.CompletedAt = &completed
	switch {
	case ctx.Err() != nil:
		run.Status = RunCancelled
	case err != nil:
		run.Status = RunFailed
	default:
		run.Status = RunCompleted
	}

	snap := runStats.Snapshot()
	if raw, mErr := json.Marshal(snap); mErr == nil {
		run.Results = datatypes.JSON(raw)
	}
	if rErr := a.store.RecordRun(context.WithoutCancel(ctx), run); rErr != nil {
		a.logger.Warn("failed to record run", "run_id", run.ID, "error", rErr)
	}

	summary := &RunSummary{
		RunID:    run.ID,
		Trigger:  trigger,
		Status:   run.Status,
		Files:    scanned,
		Duration: completed.Sub(run.StartedAt).Round(time.Millisecond).String(),
		Stats:    snap,
	}
	a.logger.Info("run finished",
		"run_id", run.ID,
		"status", run.Status,
		"files", scanned,
		"archived", snap.FilesArchived,
		"quarantined", snap.FilesQuarantined,
		"pages_ok", snap.PagesSucceeded,
		"pages_failed", snap.PagesFailed,
		"success_rate", snap.SuccessRate)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return summary, err
}

// scanFiles discovers drop files and waits until each submitted one is handled
func (a *App) scanFiles(ctx context.Context, runStats *stats.Collector) (int, error) {
	a.scanMu.Lock()
	defer a.scanMu.Unlock()

	tasks, err := lifecycle.Discover(a.cfg.Source.Root, a.cfg.Source.Extension, a.cfg.Source.BackupDir, a.cfg.Source.ErrorDir)
	if err != nil {
		return 0, err
	}
	a.logger.Info("scan complete", "root", a.cfg.Source.Root, "files", len(tasks))
	results := a.scheduler.RunFiles(ctx, tasks, runStats.RecordFile)
	return len(results), nil
}

// Serve runs a startup pass, then watches the drop tree and fires cron triggers until ctx ends
func (a *App) Serve(ctx context.Context) error {
	if _, err := a.RunOnce(ctx, TriggerStartup); err != nil {
		a.logger.Error("startup run failed", "error", err)
	}

	periodic := scheduler.NewPeriodic(ctx, a.logger)
	if a.ingestor != nil && a.cfg.Schedule.APICron != "" {
		if err := periodic.Add("api", a.cfg.Schedule.APICron, func(ctx context.Context) {
			if _, err := a.execute(ctx, TriggerCron, false, true); err != nil {
				a.logger.Error("scheduled api pass failed", "error", err)
			}
		}); err != nil {
			return &config.FatalConfigurationError{Field: "schedule.api_cron", Message: err.Error()}
		}
	}
	if a.cfg.Schedule.RescanCron != "" {
		if err := periodic.Add("rescan", a.cfg.Schedule.RescanCron, func(ctx context.Context) {
			if _, err := a.execute(ctx, TriggerCron, true, false); err != nil {
				a.logger.Error("scheduled rescan failed", "error", err)
			}
		}); err != nil {
			return &config.FatalConfigurationError{Field: "schedule.rescan_cron", Message: err.Error()}
		}
	}

	var wg sync.WaitGroup
	if a.cfg.Source.Watch {
		w := watch.New(watch.Config{
			Root:   a.cfg.Source.Root,
			Ext:    a.cfg.Source.Extension,
			Skip:   []string{a.cfg.Source.BackupDir, a.cfg.Source.ErrorDir},
			Settle: a.cfg.Pipeline.SettleDelay,
		}, a.scheduler, a.logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				a.logger.Error("watch stopped", "error", err)
			}
		}()
	}

	periodic.Start()
	a.logger.Info("serving", "watch", a.cfg.Source.Watch, "api_cron", a.cfg.Schedule.APICron, "rescan_cron", a.cfg.Schedule.RescanCron)

	<-ctx.Done()
	a.logger.Info("shutting down")
	periodic.Stop()
	wg.Wait()
	a.scheduler.Wait()
	a.logger.Info("shutdown complete", "stats", a.stats.Snapshot())
	return nil
}

// alert is the failure-threshold hook; delivery beyond the log is out of scope
func (a *App) alert(snap stats.Snapshot) {
	a.logger.Error("failure threshold exceeded",
		"threshold", a.cfg.Pipeline.AlertThreshold,
		"failures", snap.Failures(),
		"quarantined", snap.FilesQuarantined,
		"move_failures", snap.MoveFailures,
		"pages_failed", snap.PagesFailed)
}

// printStatus writes the latest runs and batches
func printStatus(ctx context.Context, store *database.Store, w io.Writer, limit int) error {
	counts, err := store.Counts(ctx)
	if err != nil {
		return fmt.Errorf("failed to count rows: %w", err)
	}
	runs, err := store.RecentRuns(ctx, limit)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	batches, err := store.RecentBatches(ctx, limit)
	if err != nil {
		return fmt.Errorf("failed to list batches: %w", err)
	}

	fmt.Fprintf(w, "cycle_times=%d api_records=%d import_batches=%d error_log=%d\n\n",
		counts.CycleTimes, counts.APIRecords, counts.Batches, counts.Errors)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tTRIGGER\tSTATUS\tSTARTED\tDURATION")
	for _, r := range runs {
		duration := "-"
		if r.CompletedAt != nil {
			duration = r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Trigger, r.Status, r.StartedAt.Format(time.RFC3339), duration)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(w)

	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BATCH\tSOURCE\tSTATUS\tPROCESSED\tINSERTED\tUPDATED\tSKIPPED\tFAILED")
	for _, b := range batches {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
			b.BatchID, b.Source, b.Status, b.Processed, b.Inserted, b.Updated, b.Skipped, b.Failed)
	}
	return tw.Flush()
}
