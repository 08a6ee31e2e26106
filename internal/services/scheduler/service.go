package scheduler

import (
	"context"
	"log/slog"
	"sync"

	"cycletime-ingest/internal/services/lifecycle"

	"golang.org/x/sync/semaphore"
)

// Service runs file lifecycles on a bounded worker pool. A path is scheduled at most
// once while it is pending or running, whichever trigger submits it.
type Service struct {
	processor FileProcessor
	sem       *semaphore.Weighted
	onResult  ResultFunc
	logger    *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

// NewService creates a new scheduler service
func NewService(processor FileProcessor, workers int, onResult ResultFunc, logger *slog.Logger) *Service {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		processor: processor,
		sem:       semaphore.NewWeighted(int64(workers)),
		onResult:  onResult,
		logger:    logger.With("component", "scheduler"),
		inflight:  make(map[string]struct{}),
	}
}

// Submit schedules task and returns immediately. Its outcome goes to the service's
// onResult. It returns false when the path is already pending or ctx is done.
func (s *Service) Submit(ctx context.Context, task *lifecycle.FileTask) bool {
	return s.submit(ctx, task, nil)
}

// RunFiles submits every task and waits for the ones it scheduled. Outcomes go to
// record, the run's own accounting, instead of onResult; a nil record falls back to onResult.
func (s *Service) RunFiles(ctx context.Context, tasks []*lifecycle.FileTask, record ResultFunc) []lifecycle.Result {
	if record == nil {
		record = s.onResult
	}
	var (
		run     sync.WaitGroup
		mu      sync.Mutex
		results []lifecycle.Result
	)
	collect := func(res lifecycle.Result) {
		mu.Lock()
		results = append(results, res)
		mu.Unlock()
	}

	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		run.Add(1)
		if !s.submit(ctx, task, func(res *lifecycle.Result) {
			defer run.Done()
			if res != nil {
				if record != nil {
					record(*res)
				}
				collect(*res)
			}
		}) {
			run.Done()
		}
	}
	run.Wait()
	return results
}

// Wait blocks until every submitted task has finished
func (s *Service) Wait() {
	s.wg.Wait()
}

// InFlight returns the number of pending or running tasks
func (s *Service) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// submit claims the path and starts a goroutine that waits for a worker slot.
// done, when set, is called once the task finishes and replaces onResult; res is nil if it never ran.
func (s *Service) submit(ctx context.Context, task *lifecycle.FileTask, done func(res *lifecycle.Result)) bool {
	if ctx.Err() != nil {
		return false
	}

	s.mu.Lock()
	if _, pending := s.inflight[task.Path]; pending {
		s.mu.Unlock()
		s.logger.Debug("file already scheduled", "path", task.Path)
		return false
	}
	s.inflight[task.Path] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		var res *lifecycle.Result
		defer func() {
			s.mu.Lock()
			delete(s.inflight, task.Path)
			s.mu.Unlock()
			if done != nil {
				done(res)
			}
			s.wg.Done()
		}()

		if err := s.sem.Acquire(ctx, 1); err != nil {
			s.logger.Info("file deferred before start", "path", task.Path, "reason", err)
			return
		}
		defer s.sem.Release(1)
		// Acquire may succeed on a cancelled context
		if err := ctx.Err(); err != nil {
			s.logger.Info("file deferred before start", "path", task.Path, "reason", err)
			return
		}

		r := s.processor.Process(ctx, task)
		res = &r
		if done == nil && s.onResult != nil {
			s.onResult(r)
		}
	}()
	return true
}
