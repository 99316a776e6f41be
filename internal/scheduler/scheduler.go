// Package scheduler gates migration runs on cron expressions.
//
// A migration is often only allowed to send during an agreed window (say,
// business hours in the recipient's timezone). The scheduler parses standard
// 5-field cron expressions and blocks run start until the next firing.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// parser accepts the standard 5-field form (min, hour, dom, month, dow).
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Parse validates a cron expression.
func Parse(expr string) (cron.Schedule, error) {
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return schedule, nil
}

// NextAfter returns the first firing of expr strictly after t.
func NextAfter(expr string, t time.Time) (time.Time, error) {
	schedule, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(t), nil
}

// WaitUntilNext blocks until the next firing of expr, or until ctx is
// cancelled. It returns immediately with an error for a bad expression.
func WaitUntilNext(ctx context.Context, expr string) error {
	next, err := NextAfter(expr, time.Now())
	if err != nil {
		return err
	}
	wait := time.Until(next)
	slog.Info("Scheduler WaitUntilNext: waiting for start window", "cron", expr, "next", next, "wait", wait)

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Scheduler runs recurring tasks on cron expressions. Panicking tasks are
// recovered and logged rather than killing the process.
type Scheduler struct {
	cron *cron.Cron
}

// New creates and starts a cron scheduler.
func New() *Scheduler {
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules task on expr. It returns an error if the expression is
// invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// Stop stops the scheduler and waits for running tasks to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
