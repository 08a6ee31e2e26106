package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/robfig/cron/v3"
)

// Periodic fires named jobs on cron schedules. A job that is still running when its
// next tick arrives is skipped for that tick.
type Periodic struct {
	cron   *cron.Cron
	ctx    context.Context
	logger *slog.Logger
}

// NewPeriodic creates a cron runner whose jobs receive ctx
func NewPeriodic(ctx context.Context, logger *slog.Logger) *Periodic {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "cron")
	// Create cron scheduler with seconds support
	c := cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.Recover(cronLogger{logger}), cron.SkipIfStillRunning(cronLogger{logger})),
	)
	return &Periodic{cron: c, ctx: ctx, logger: logger}
}

// Add registers job under a 5- or 6-field expression
func (p *Periodic) Add(name, expr string, job func(ctx context.Context)) error {
	normalized, err := normalizeCron(expr)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	_, err = p.cron.AddFunc(normalized, func() {
		if p.ctx.Err() != nil {
			return
		}
		p.logger.Info("cron job triggered", "job", name)
		job(p.ctx)
	})
	if err != nil {
		return fmt.Errorf("%s: failed to schedule %q: %w", name, expr, err)
	}
	p.logger.Info("scheduled job", "job", name, "cron", normalized)
	return nil
}

// Start begins firing jobs
func (p *Periodic) Start() {
	p.cron.Start()
}

// Stop stops the scheduler and waits for running jobs
func (p *Periodic) Stop() {
	ctx := p.cron.Stop()
	<-ctx.Done()
	p.logger.Info("cron stopped")
}

// normalizeCron converts 5-field cron to 6-field format by prepending seconds
// (robfig/cron with WithSeconds() expects 6 fields)
func normalizeCron(cronExpr string) (string, error) {
	fields := strings.Fields(cronExpr)
	if len(fields) > 0 && strings.HasPrefix(fields[0], "@") {
		expr := strings.Join(fields, " ")
		if _, err := cron.ParseStandard(expr); err != nil {
			return "", fmt.Errorf("invalid cron expression: %w", err)
		}
		return expr, nil
	}

	switch len(fields) {
	case 6:
		expr := strings.Join(fields, " ")
		parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(expr); err != nil {
			return "", fmt.Errorf("invalid cron expression: %w", err)
		}
		return expr, nil
	case 5:
		expr := strings.Join(fields, " ")
		if _, err := cron.ParseStandard(expr); err != nil {
			return "", fmt.Errorf("invalid cron expression: %w", err)
		}
		// Prepend seconds (0 = run at 0 seconds of the minute)
		return "0 " + expr, nil
	}

	return "", fmt.Errorf("invalid cron expression: expected 5 or 6 fields, got %d", len(fields))
}

// cronLogger adapts slog to cron.Logger
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
