// Package schedule fires pipeline runs on a cron expression.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/zulandar/pulse/internal/logging"
)

// parser accepts standard 5-field cron expressions (minute, hour, dom,
// month, dow) and descriptors such as @hourly.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse validates expr.
func Parse(expr string) (cron.Schedule, error) {
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("schedule: parse %q: %w", expr, err)
	}
	return s, nil
}

// Next returns the first fire time of expr after from.
func Next(expr string, from time.Time) (time.Time, error) {
	s, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return s.Next(from), nil
}

// Job is one scheduled unit of work.
type Job func(ctx context.Context) error

// Opts configures a Scheduler.
type Opts struct {
	Expr       string
	Job        Job
	RunOnStart bool // fire once immediately before waiting for the schedule
	Logger     *zap.Logger
}

// Scheduler runs a Job on a cron schedule. A firing that comes due while
// the previous run is still going is skipped.
type Scheduler struct {
	expr       string
	job        Job
	runOnStart bool
	log        *zap.Logger
}

// New validates opts and returns a Scheduler.
func New(opts Opts) (*Scheduler, error) {
	if opts.Job == nil {
		return nil, fmt.Errorf("schedule: job is required")
	}
	if _, err := Parse(opts.Expr); err != nil {
		return nil, err
	}
	return &Scheduler{
		expr:       opts.Expr,
		job:        opts.Job,
		runOnStart: opts.RunOnStart,
		log:        logging.OrNop(opts.Logger).Named("schedule"),
	}, nil
}

// Run blocks until ctx is cancelled, then waits for a running job to
// finish.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC))
	wrapped := s.wrap(ctx)
	if _, err := c.AddJob(s.expr, wrapped); err != nil {
		return fmt.Errorf("schedule: %w", err)
	}

	c.Start()
	if next, err := Next(s.expr, time.Now().UTC()); err == nil {
		s.log.Info("scheduler started", zap.String("cron", s.expr), zap.Time("next", next))
	}
	if s.runOnStart {
		go wrapped.Run()
	}

	<-ctx.Done()
	<-c.Stop().Done()
	s.log.Info("scheduler stopped")
	return nil
}

// wrap adapts the job to cron, skipping overlapping runs and recovering
// panics.
func (s *Scheduler) wrap(ctx context.Context) cron.Job {
	logger := cronLogger{s.log}
	return cron.NewChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)).Then(cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		if err := s.job(ctx); err != nil {
			s.log.Error("scheduled run failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
			return
		}
		s.log.Info("scheduled run finished", zap.Duration("elapsed", time.Since(start)))
	}))
}

// cronLogger routes cron's logging through zap.
type cronLogger struct {
	log *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Infow(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
