package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"cycletime-ingest/internal/models"
	"cycletime-ingest/internal/services/retry"
)

// State is a position in a drop file's lifecycle
type State string

const (
	Discovered  State = "discovered"
	LockWaiting State = "lock_waiting"
	Processing  State = "processing"
	Archived    State = "archived"
	Quarantined State = "quarantined"
)

// transitions lists the legal successors of every state. Terminal states have none.
var transitions = map[State][]State{
	Discovered:  {LockWaiting},
	LockWaiting: {Processing, Quarantined},
	Processing:  {Archived, Quarantined},
}

// Terminal reports whether no transition leaves s
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// CanTransition reports whether from -> to is legal
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

var (
	// ErrLockTimeout means the file stayed locked by its writer for every probe
	ErrLockTimeout = errors.New("file still locked after waiting")
	// ErrInvalidTransition is returned for a transition missing from the table
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	// ErrVanished means the file disappeared before it could be processed
	ErrVanished = errors.New("file disappeared before processing")
	// ErrUnreadable means the service may not open the file at all
	ErrUnreadable = errors.New("file not readable")
)

// FileTask tracks one discovered drop file
type FileTask struct {
	Path    string
	Machine string
	State   State

	// History holds every state the task has entered, in order
	History []State
}

// NewFileTask builds the task for a drop file. The machine is the name of the parent directory.
func NewFileTask(path string) *FileTask {
	return &FileTask{
		Path:    path,
		Machine: filepath.Base(filepath.Dir(path)),
		State:   Discovered,
		History: []State{Discovered},
	}
}

// Name returns the file's base name
func (t *FileTask) Name() string {
	return filepath.Base(t.Path)
}

func (t *FileTask) transition(to State) error {
	if !CanTransition(t.State, to) {
		return fmt.Errorf("%w: %s -> %s (%s)", ErrInvalidTransition, t.State, to, t.Path)
	}
	t.State = to
	t.History = append(t.History, to)
	return nil
}

// Result is the outcome of one Process call
type Result struct {
	Path     string
	Machine  string
	State    State
	Attempts int
	// Batch is the summary of the last load attempt, nil when the loader never ran
	Batch *models.ImportBatch
	// Destination is where the file was moved to
	Destination string
	// Deferred is set when cancellation left the file in place for a later run
	Deferred bool
	// Err is the reason for quarantine or deferral
	Err error
	// MoveErr is set when the final archive/quarantine move failed; the file stays in the drop directory
	MoveErr error
}

// Observer is notified of every state change
type Observer func(task *FileTask, from, to State)

// LockProbe returns nil when the writer has released the file
type LockProbe func(path string) error

// Config holds lifecycle settings
type Config struct {
	UnlockRetries int
	UnlockWait    time.Duration
	BackupDir     string
	ErrorDir      string
	// Process retries the loader on failure
	Process retry.Policy
	// Move retries archive and quarantine moves
	Move retry.Policy
}

// Option configures a Manager
type Option func(*Manager)

// WithObserver registers a transition hook
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithLockProbe replaces the platform lock probe
func WithLockProbe(p LockProbe) Option {
	return func(m *Manager) { m.probe = p }
}

// WithClock replaces time.Now for destination names
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithSleep replaces the wait between lock probes
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) { m.sleep = sleep }
}

// WithLogger sets the structured logger
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}
