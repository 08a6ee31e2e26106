package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cycletime-ingest/internal/models"
	"cycletime-ingest/internal/services/loader"
	"cycletime-ingest/internal/services/retry"
)

// timestampLayout prefixes archived and quarantined file names
const timestampLayout = "20060102_150405.000000"

// FileLoader loads one drop file as a batch
type FileLoader interface {
	RunFile(ctx context.Context, path, machine string) (*models.ImportBatch, error)
}

// Manager moves drop files through lock wait, loading and archive or quarantine
type Manager struct {
	loader   FileLoader
	sink     loader.ErrorSink
	cfg      Config
	probe    LockProbe
	observer Observer
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *slog.Logger
}

// NewManager creates a lifecycle manager
func NewManager(l FileLoader, sink loader.ErrorSink, cfg Config, opts ...Option) *Manager {
	if cfg.UnlockRetries < 1 {
		cfg.UnlockRetries = 1
	}
	if cfg.BackupDir == "" {
		cfg.BackupDir = "Backup"
	}
	if cfg.ErrorDir == "" {
		cfg.ErrorDir = "Error"
	}
	m := &Manager{
		loader: l,
		sink:   sink,
		cfg:    cfg,
		probe:  probeLock,
		now:    time.Now,
		sleep:  retry.Sleep,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "lifecycle")
	return m
}

// Process drives task to a terminal state, or leaves it in place when ctx is cancelled
func (m *Manager) Process(ctx context.Context, task *FileTask) (res Result) {
	res = Result{Path: task.Path, Machine: task.Machine}
	defer func() { res.State = task.State }()

	if err := m.advance(task, LockWaiting); err != nil {
		res.Err = err
		return res
	}

	if err := m.waitUnlocked(ctx, task); err != nil {
		switch {
		case errors.Is(err, ErrLockTimeout), errors.Is(err, ErrUnreadable):
			m.quarantine(ctx, task, &res, err)
		default:
			// cancelled or vanished: nothing was loaded, leave the file alone
			res.Deferred = true
			res.Err = err
			m.logger.Info("file deferred", "path", task.Path, "reason", err)
		}
		return res
	}

	if err := m.advance(task, Processing); err != nil {
		res.Err = err
		return res
	}

	policy := m.cfg.Process
	userNotify := policy.Notify
	policy.Notify = func(attempt int, err error, delay time.Duration) {
		if delay > 0 {
			m.logger.Warn("file load failed, retrying",
				"path", task.Path, "attempt", attempt, "delay", delay, "error", err)
		}
		if userNotify != nil {
			userNotify(attempt, err, delay)
		}
	}

	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		res.Attempts++
		// an in-flight batch always runs to commit or rollback
		batch, err := m.loader.RunFile(context.WithoutCancel(ctx), task.Path, task.Machine)
		res.Batch = batch
		return err
	})
	switch {
	case err == nil:
		m.archive(ctx, task, &res)
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		res.Deferred = true
		res.Err = err
		m.logger.Info("file deferred", "path", task.Path, "attempts", res.Attempts, "reason", err)
	default:
		m.quarantine(ctx, task, &res, err)
	}
	return res
}

// waitUnlocked probes until the writer releases the file, the probes run out or ctx ends
func (m *Manager) waitUnlocked(ctx context.Context, task *FileTask) error {
	var lastErr error
	for probe := 1; probe <= m.cfg.UnlockRetries; probe++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := m.probe(task.Path)
		if err == nil {
			return nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrVanished, task.Path)
		}
		// an open refused for permissions is not contention; waiting cannot help
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) && errors.Is(err, fs.ErrPermission) {
			return fmt.Errorf("%w: %v", ErrUnreadable, err)
		}
		lastErr = err
		m.logger.Debug("file locked", "path", task.Path, "probe", probe, "error", err)

		if probe < m.cfg.UnlockRetries {
			if err := m.sleep(ctx, m.cfg.UnlockWait); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("%w (%d probes): %v", ErrLockTimeout, m.cfg.UnlockRetries, lastErr)
}

func (m *Manager) archive(ctx context.Context, task *FileTask, res *Result) {
	dest, err := m.move(ctx, task, m.cfg.BackupDir)
	if err != nil {
		m.moveFailed(ctx, task, res, err)
		return
	}
	res.Destination = dest
	if err := m.advance(task, Archived); err != nil {
		res.Err = err
	}
}

func (m *Manager) quarantine(ctx context.Context, task *FileTask, res *Result, cause error) {
	res.Err = cause
	m.sink.LogError(ctx, models.ErrorLog{
		Message:     fmt.Sprintf("quarantined %s: %v", task.Name(), cause),
		Severity:    models.SeverityError,
		MachineName: task.Machine,
		SourcePath:  task.Path,
		BatchID:     batchID(res.Batch),
	})

	dest, err := m.move(ctx, task, m.cfg.ErrorDir)
	if err != nil {
		m.moveFailed(ctx, task, res, err)
		return
	}
	res.Destination = dest
	if err := m.advance(task, Quarantined); err != nil {
		res.Err = errors.Join(cause, err)
	}
}

func (m *Manager) moveFailed(ctx context.Context, task *FileTask, res *Result, err error) {
	res.MoveErr = err
	m.logger.Error("file move failed", "path", task.Path, "state", task.State, "error", err)
	m.sink.LogError(ctx, models.ErrorLog{
		Message:     fmt.Sprintf("failed to move %s: %v", task.Name(), err),
		Severity:    models.SeverityCritical,
		MachineName: task.Machine,
		SourcePath:  task.Path,
		BatchID:     batchID(res.Batch),
	})
}

// move renames the file into <machine dir>/<dir>/<timestamp>_<name>
func (m *Manager) move(ctx context.Context, task *FileTask, dir string) (string, error) {
	targetDir := filepath.Join(filepath.Dir(task.Path), dir)
	name := m.now().Format(timestampLayout) + "_" + task.Name()

	// the file has been handled, so the move completes even during shutdown
	return retry.Execute(context.WithoutCancel(ctx), m.cfg.Move, func(ctx context.Context) (string, error) {
		if err := os.MkdirAll(targetDir, 0755); err != nil {
			return "", fmt.Errorf("failed to create %s: %w", targetDir, err)
		}
		dest, err := uniquePath(filepath.Join(targetDir, name))
		if err != nil {
			return "", err
		}
		if err := os.Rename(task.Path, dest); err != nil {
			return "", fmt.Errorf("failed to move to %s: %w", dest, err)
		}
		return dest, nil
	})
}

// uniquePath appends _1, _2 ... before the extension until the name is free
func uniquePath(path string) (string, error) {
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	candidate := path
	for i := 1; ; i++ {
		_, err := os.Lstat(candidate)
		if errors.Is(err, fs.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
		candidate = fmt.Sprintf("%s_%d%s", stem, i, ext)
	}
}

func (m *Manager) advance(task *FileTask, to State) error {
	from := task.State
	if err := task.transition(to); err != nil {
		m.logger.Error("rejected transition", "path", task.Path, "from", from, "to", to)
		return err
	}
	m.logger.Info("file transition", "path", task.Path, "machine", task.Machine, "from", from, "to", to)
	if m.observer != nil {
		m.observer(task, from, to)
	}
	return nil
}

func batchID(b *models.ImportBatch) string {
	if b == nil {
		return ""
	}
	return b.BatchID
}
