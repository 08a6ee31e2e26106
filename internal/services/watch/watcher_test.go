package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cycletime-ingest/internal/services/lifecycle"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSubmitter struct {
	mu    sync.Mutex
	tasks []*lifecycle.FileTask
}

func (r *recordingSubmitter) Submit(ctx context.Context, task *lifecycle.FileTask) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, task)
	return true
}

func (r *recordingSubmitter) paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, t := range r.tasks {
		out = append(out, t.Path)
	}
	return out
}

func startWatcher(t *testing.T, root string) (*recordingSubmitter, context.CancelFunc, <-chan error) {
	t.Helper()
	sub := &recordingSubmitter{}
	w := New(Config{Root: root, Ext: ".csv", Skip: []string{"Backup", "Error"}, Settle: 50 * time.Millisecond}, sub, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case <-w.Ready():
	case err := <-done:
		t.Fatalf("watcher stopped early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher not ready")
	}
	return sub, cancel, done
}

func TestWatcher(t *testing.T) {
	t.Run("Should submit a file once it settles", func(t *testing.T) {
		root := t.TempDir()
		machine := filepath.Join(root, "MachineX")
		require.NoError(t, os.MkdirAll(machine, 0755))
		sub, cancel, done := startWatcher(t, root)
		defer cancel()

		path := filepath.Join(machine, "cycles.csv")
		require.NoError(t, os.WriteFile(path, []byte("a\n"), 0644))
		for i := 0; i < 3; i++ {
			f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
			require.NoError(t, err)
			_, _ = f.WriteString("b\n")
			require.NoError(t, f.Close())
			time.Sleep(10 * time.Millisecond)
		}

		require.Eventually(t, func() bool { return len(sub.paths()) > 0 }, 5*time.Second, 10*time.Millisecond)
		time.Sleep(150 * time.Millisecond)
		assert.Equal(t, []string{path}, sub.paths(), "Writes within the settle delay coalesce")
		assert.Equal(t, "MachineX", sub.tasks[0].Machine)
		assert.Equal(t, lifecycle.Discovered, sub.tasks[0].State)

		cancel()
		assert.NoError(t, <-done)
	})

	t.Run("Should ignore other extensions and archive directories", func(t *testing.T) {
		root := t.TempDir()
		machine := filepath.Join(root, "MachineX")
		require.NoError(t, os.MkdirAll(filepath.Join(machine, "Backup"), 0755))
		sub, cancel, _ := startWatcher(t, root)
		defer cancel()

		require.NoError(t, os.WriteFile(filepath.Join(machine, "notes.txt"), nil, 0644))
		require.NoError(t, os.WriteFile(filepath.Join(machine, "Backup", "old.csv"), nil, 0644))
		require.NoError(t, os.WriteFile(filepath.Join(root, "loose.csv"), nil, 0644))

		time.Sleep(300 * time.Millisecond)
		assert.Empty(t, sub.paths())
	})

	t.Run("Should pick up new machine directories", func(t *testing.T) {
		root := t.TempDir()
		sub, cancel, _ := startWatcher(t, root)
		defer cancel()

		machine := filepath.Join(root, "MachineY")
		require.NoError(t, os.MkdirAll(machine, 0755))
		path := filepath.Join(machine, "cycles.csv")
		require.NoError(t, os.WriteFile(path, []byte("a\n"), 0644))

		require.Eventually(t, func() bool {
			for _, p := range sub.paths() {
				if p == path {
					return true
				}
			}
			return false
		}, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("Should not submit files removed before settling", func(t *testing.T) {
		root := t.TempDir()
		machine := filepath.Join(root, "MachineX")
		require.NoError(t, os.MkdirAll(machine, 0755))
		sub, cancel, _ := startWatcher(t, root)
		defer cancel()

		path := filepath.Join(machine, "tmp.csv")
		require.NoError(t, os.WriteFile(path, nil, 0644))
		require.NoError(t, os.Remove(path))

		time.Sleep(300 * time.Millisecond)
		assert.Empty(t, sub.paths())
	})

	t.Run("Should fail for a missing root", func(t *testing.T) {
		w := New(Config{Root: filepath.Join(t.TempDir(), "missing"), Ext: ".csv"}, &recordingSubmitter{}, nil)
		assert.Error(t, w.Run(context.Background()))
	})
}

func TestSettleTimers(t *testing.T) {
	t.Run("Should keep a re-armed timer when the previous one fires late", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "a.csv")
		require.NoError(t, os.WriteFile(path, nil, 0644))
		sub := &recordingSubmitter{}
		w := New(Config{Root: dir, Ext: ".csv", Settle: time.Hour}, sub, nil)
		ctx := context.Background()

		w.arm(ctx, path)
		w.mu.Lock()
		current := w.timers[path]
		w.mu.Unlock()

		// a timer that already fired and was replaced by arm
		w.fire(ctx, path, &settleTimer{})

		w.mu.Lock()
		assert.Same(t, current, w.timers[path], "The late fire must not drop the current timer")
		w.mu.Unlock()
		assert.Equal(t, []string{path}, sub.paths())

		w.shutdown()
		w.mu.Lock()
		assert.Empty(t, w.timers)
		w.mu.Unlock()
	})
}
