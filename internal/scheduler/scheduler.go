package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc performs one unit of work. Returning more=true asks for an immediate rerun.
type TickFunc func(ctx context.Context) (more bool, err error)

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	StartupDelay time.Duration
	// MaxBackoff caps the delay after consecutive failures. Defaults to 10x Interval.
	MaxBackoff time.Duration
}

// Scheduler drives a polling job: fixed interval when idle, back-to-back while
// behind, exponential backoff while failing.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	if opts.MaxBackoff < opts.Interval {
		opts.MaxBackoff = 10 * opts.Interval
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks, invoking tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if err := sleep(ctx, s.opts.StartupDelay); err != nil {
		return err
	}

	failures := 0
	for {
		more, err := tick(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var delay time.Duration
		switch {
		case err != nil:
			failures++
			delay = s.backoff(failures)
			s.logger.Error().Err(err).Int("failures", failures).Dur("retry_in", delay).Msg("tick execution failed")
		case more:
			failures = 0
			continue
		default:
			failures = 0
			delay = s.opts.Interval
		}

		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (s *Scheduler) backoff(failures int) time.Duration {
	delay := s.opts.Interval
	for i := 1; i < failures && delay < s.opts.MaxBackoff; i++ {
		delay *= 2
	}
	return min(delay, s.opts.MaxBackoff)
}

func sleep(ctx context.Context, d time.Duration) error {
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
