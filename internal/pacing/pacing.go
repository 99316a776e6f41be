// Package pacing enforces inter-send delays and a daily volume ceiling so a
// migration run never bursts in a way the destination channel could read as
// abuse.
package pacing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Default pacing configuration
const (
	// DefaultMinDelay is the default floor delay between sends.
	DefaultMinDelay = 3 * time.Second
	// DefaultMaxDelay is the default ceiling for the randomized delay.
	DefaultMaxDelay = 8 * time.Second
	// DefaultDailyCeiling is the default maximum attempts per rolling day.
	DefaultDailyCeiling = 400
	// dailyWindow is the rolling window over which the ceiling applies.
	dailyWindow = 24 * time.Hour
)

// ErrRateCeiling signals that the rolling daily attempt ceiling is reached.
// The executor treats this as fatal for the run, not as a per-job failure.
var ErrRateCeiling = errors.New("daily send ceiling reached")

// Config holds the pacing parameters for one run.
type Config struct {
	MinDelay     time.Duration
	MaxDelay     time.Duration
	DailyCeiling int
}

// Validate checks the pacing parameters.
func (c Config) Validate() error {
	if c.MinDelay < 0 || c.MaxDelay < 0 {
		return fmt.Errorf("pacing delays cannot be negative")
	}
	if c.MaxDelay < c.MinDelay {
		return fmt.Errorf("pacing max delay %s is below min delay %s", c.MaxDelay, c.MinDelay)
	}
	if c.DailyCeiling < 0 {
		return fmt.Errorf("daily ceiling cannot be negative")
	}
	return nil
}

// Controller gates the executor before each delivery attempt. It is not safe
// for concurrent use; the executor is strictly serial by design.
type Controller struct {
	cfg Config

	// injectable for tests
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	randInt func(n int64) int64

	lastSend    time.Time
	windowStart time.Time
	windowCount int
}

// New creates a pacing controller. Zero-valued config fields fall back to
// the package defaults.
func New(cfg Config) (*Controller, error) {
	if cfg.MinDelay == 0 && cfg.MaxDelay == 0 {
		cfg.MinDelay = DefaultMinDelay
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.DailyCeiling == 0 {
		cfg.DailyCeiling = DefaultDailyCeiling
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Controller{
		cfg:     cfg,
		now:     time.Now,
		sleep:   sleepContext,
		randInt: rand.Int64N,
	}, nil
}

// Wait blocks until the next attempt is allowed: it first tops up the floor
// delay relative to the last successful send (so a fast failure never lets
// the next send through early), then waits a uniform random delay in
// [MinDelay, MaxDelay]. If the rolling daily ceiling is reached it returns
// ErrRateCeiling immediately instead of waiting.
func (c *Controller) Wait(ctx context.Context) error {
	now := c.now()

	if !c.windowStart.IsZero() && now.Sub(c.windowStart) >= dailyWindow {
		slog.Debug("Pacer.Wait: daily window expired, resetting counter",
			"window_start", c.windowStart, "attempts", c.windowCount)
		c.windowStart = time.Time{}
		c.windowCount = 0
	}
	if c.windowCount >= c.cfg.DailyCeiling {
		return fmt.Errorf("%w: %d attempts since %s", ErrRateCeiling, c.windowCount, c.windowStart.Format(time.RFC3339))
	}

	if !c.lastSend.IsZero() {
		if elapsed := now.Sub(c.lastSend); elapsed < c.cfg.MinDelay {
			gap := c.cfg.MinDelay - elapsed
			slog.Debug("Pacer.Wait: topping up floor delay", "gap", gap)
			if err := c.sleep(ctx, gap); err != nil {
				return err
			}
		}
	}

	delay := c.cfg.MinDelay
	if spread := int64(c.cfg.MaxDelay - c.cfg.MinDelay); spread > 0 {
		delay += time.Duration(c.randInt(spread + 1))
	}
	slog.Debug("Pacer.Wait: waiting before attempt", "delay", delay, "window_attempts", c.windowCount)
	if err := c.sleep(ctx, delay); err != nil {
		return err
	}

	if c.windowStart.IsZero() {
		c.windowStart = c.now()
	}
	c.windowCount++
	return nil
}

// NoteSend records a successful send, anchoring the floor delay for the
// next attempt.
func (c *Controller) NoteSend(t time.Time) {
	c.lastSend = t
}

// WindowCount returns the number of attempts in the current rolling window.
func (c *Controller) WindowCount() int {
	return c.windowCount
}

// sleepContext waits for d or until the context is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
