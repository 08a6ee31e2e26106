package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cycletime-ingest/internal/api"
	"cycletime-ingest/internal/config"
	"cycletime-ingest/internal/crypto"
	"cycletime-ingest/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Source.Root = filepath.Join(dir, "drop")
	cfg.Source.Watch = false
	cfg.Database.URL = "sqlite://" + filepath.Join(dir, "ingest.db")
	cfg.Database.MaxOpenConns = 4
	cfg.Database.MaxIdleConns = 2
	cfg.Pipeline.RetryBaseDelay = time.Millisecond
	cfg.Pipeline.FileUnlockWait = time.Millisecond
	cfg.Schedule.APICron = ""
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.Source.Root, "MachineA"), 0755))
	return cfg
}

func dropFile(t *testing.T, cfg *config.Config, machine, name, content string) string {
	t.Helper()
	path := filepath.Join(cfg.Source.Root, machine, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	app, err := NewApp(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	return app
}

func TestRunOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("Should load and archive drop files and record the run", func(t *testing.T) {
		cfg := testConfig(t)
		path := dropFile(t, cfg, "MachineA", "a.csv", "2025-01-01,08:00:00,WP001,ORD123,OP456,MAT789,45.5\n2025-01-01,08:01:00,WP001,ORD123,OP456,MAT789,46\n")
		app := newTestApp(t, cfg)

		summary, err := app.RunOnce(ctx, TriggerManual)
		require.NoError(t, err)
		assert.Equal(t, RunCompleted, summary.Status)
		assert.Equal(t, 1, summary.Files)
		assert.EqualValues(t, 1, summary.Stats.FilesArchived)
		assert.EqualValues(t, 2, summary.Stats.RecordsInserted)

		_, err = os.Stat(path)
		assert.True(t, os.IsNotExist(err))
		archived, err := filepath.Glob(filepath.Join(cfg.Source.Root, "MachineA", "Backup", "*_a.csv"))
		require.NoError(t, err)
		assert.Len(t, archived, 1)

		runs, err := app.store.RecentRuns(ctx, 5)
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, RunCompleted, runs[0].Status)
		assert.Contains(t, string(runs[0].Results), "files_archived")
	})

	t.Run("Should update instead of duplicating on re-delivery", func(t *testing.T) {
		cfg := testConfig(t)
		app := newTestApp(t, cfg)

		dropFile(t, cfg, "MachineA", "a.csv", "2025-01-01,08:00:00,WP001,ORD123,OP456,MAT789,45.5\n")
		_, err := app.RunOnce(ctx, TriggerManual)
		require.NoError(t, err)

		dropFile(t, cfg, "MachineA", "a.csv", "2025-01-01,08:00:00,WP001,ORD123,OP456,MAT789,47\n")
		summary, err := app.RunOnce(ctx, TriggerManual)
		require.NoError(t, err)
		assert.EqualValues(t, 1, summary.Stats.RecordsUpdated)
		assert.Zero(t, summary.Stats.RecordsInserted, "The summary holds only this run's totals")
		assert.EqualValues(t, 1, summary.Stats.FilesArchived)

		total := app.stats.Snapshot()
		assert.EqualValues(t, 2, total.FilesArchived)
		assert.EqualValues(t, 1, total.RecordsInserted)

		runs, err := app.store.RecentRuns(ctx, 5)
		require.NoError(t, err)
		require.Len(t, runs, 2)
		for _, r := range runs {
			assert.Contains(t, string(r.Results), `"files_archived":1`)
		}

		counts, err := app.store.Counts(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, counts.CycleTimes)
		assert.EqualValues(t, 2, counts.Batches)
	})

	t.Run("Should poll the API alongside the file scan", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if r.URL.Query().Get("page") == "1" {
				_, _ = w.Write([]byte(`{"items":[{"machineName":"M1","timestamp":"2025-01-01T08:00:00Z","cycleTime":12.5}],"pager":{"pageCount":2}}`))
				return
			}
			_, _ = w.Write([]byte(`{"items":[]}`))
		}))
		defer srv.Close()

		cfg := testConfig(t)
		cfg.API.Enabled = true
		cfg.API.BaseURL = srv.URL
		cfg.API.Endpoints = []api.Endpoint{{Name: "events", Path: "/events"}}
		app := newTestApp(t, cfg)

		summary, err := app.RunOnce(ctx, TriggerManual)
		require.NoError(t, err)
		assert.EqualValues(t, 1, summary.Stats.PagesSucceeded)

		counts, err := app.store.Counts(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, counts.APIRecords)
	})

	t.Run("Should mark the run failed when the drop root is missing", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Source.Root = filepath.Join(t.TempDir(), "missing")
		app := newTestApp(t, cfg)

		summary, err := app.RunOnce(ctx, TriggerManual)
		require.Error(t, err)
		assert.Equal(t, RunFailed, summary.Status)
	})

	t.Run("Should finish the API pass when the file scan fails", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// answer after the scan has already failed
			time.Sleep(50 * time.Millisecond)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"items":[{"machineName":"M1","timestamp":"2025-01-01T08:00:00Z","cycleTime":12.5}],"pager":{"pageCount":1}}`))
		}))
		defer srv.Close()

		cfg := testConfig(t)
		cfg.Source.Root = filepath.Join(t.TempDir(), "missing")
		cfg.API.Enabled = true
		cfg.API.BaseURL = srv.URL
		cfg.API.Endpoints = []api.Endpoint{{Name: "events", Path: "/events"}}
		app := newTestApp(t, cfg)

		summary, err := app.RunOnce(ctx, TriggerManual)
		require.Error(t, err)
		assert.Equal(t, RunFailed, summary.Status)
		assert.EqualValues(t, 1, summary.Stats.PagesSucceeded)
		assert.Zero(t, summary.Stats.FetchFailures)

		counts, err := app.store.Counts(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, counts.APIRecords)
	})

	t.Run("Should log an aborted endpoint under its name", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		cfg := testConfig(t)
		cfg.API.Enabled = true
		cfg.API.BaseURL = srv.URL
		cfg.API.Endpoints = []api.Endpoint{{Name: "events", Path: "/events"}}
		app := newTestApp(t, cfg)

		summary, err := app.RunOnce(ctx, TriggerManual)
		require.NoError(t, err)
		assert.EqualValues(t, 1, summary.Stats.FetchFailures)

		var entries []models.ErrorLog
		require.NoError(t, app.store.DB().Where("source_path = ?", "events").Find(&entries).Error)
		require.Len(t, entries, 1)
		assert.Equal(t, models.SeverityError, entries[0].Severity)
	})
}

func TestNewApp(t *testing.T) {
	keyring.MockInit()

	t.Run("Should refuse bearer auth without a secret", func(t *testing.T) {
		t.Setenv(crypto.EnvToken, "")
		cfg := testConfig(t)
		cfg.API.Enabled = true
		cfg.API.BaseURL = "https://mes.example.com"
		cfg.API.Auth = api.AuthBearer
		cfg.API.Endpoints = []api.Endpoint{{Name: "events", Path: "/events"}}

		_, err := NewApp(context.Background(), cfg, nil)
		var fatal *config.FatalConfigurationError
		require.ErrorAs(t, err, &fatal)
		assert.Equal(t, "api.token", fatal.Field)
	})

	t.Run("Should take the secret from the keychain", func(t *testing.T) {
		t.Setenv(crypto.EnvToken, "")
		require.NoError(t, crypto.SetSecret("", "s3cret"))
		t.Cleanup(func() { _ = crypto.DeleteSecret("") })

		cfg := testConfig(t)
		cfg.API.Enabled = true
		cfg.API.BaseURL = "https://mes.example.com"
		cfg.API.Auth = api.AuthBearer
		cfg.API.Endpoints = []api.Endpoint{{Name: "events", Path: "/events"}}

		app := newTestApp(t, cfg)
		assert.NotNil(t, app.ingestor)
	})
}

func TestServe(t *testing.T) {
	t.Run("Should run the startup pass and stop on cancellation", func(t *testing.T) {
		cfg := testConfig(t)
		dropFile(t, cfg, "MachineA", "a.csv", "2025-01-01,08:00:00,WP001,ORD123,OP456,MAT789,45.5\n")
		cfg.Schedule.RescanCron = "@every 1h"
		app := newTestApp(t, cfg)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- app.Serve(ctx) }()

		require.Eventually(t, func() bool {
			return app.stats.Snapshot().FilesArchived == 1
		}, 5*time.Second, 10*time.Millisecond)
		cancel()

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("Serve did not return after cancellation")
		}

		runs, err := app.store.RecentRuns(context.Background(), 5)
		require.NoError(t, err)
		require.NotEmpty(t, runs)
		assert.Equal(t, TriggerStartup, runs[0].Trigger)
	})
}

func TestPrintStatus(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	dropFile(t, cfg, "MachineA", "a.csv", "2025-01-01,08:00:00,WP001,ORD123,OP456,MAT789,45.5\n")
	app := newTestApp(t, cfg)
	_, err := app.RunOnce(ctx, TriggerManual)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, printStatus(ctx, app.store, &out, 5))
	assert.Contains(t, out.String(), "cycle_times=1")
	assert.Contains(t, out.String(), TriggerManual)
	assert.Contains(t, out.String(), "a.csv")
}
