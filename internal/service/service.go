package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"token-sentinel/internal/storage"
)

// lockKeyBase namespaces default per-chain advisory lock keys.
const lockKeyBase int64 = 0x7453_0000_0000

// Runner is a long-running chain collector.
type Runner interface {
	Run(ctx context.Context) error
}

// Chain binds a collector to the advisory lock that guards it.
type Chain struct {
	ChainID uint64
	Name    string
	LockKey int64
	Runner  Runner
}

// Options tune standby and retention behaviour.
type Options struct {
	// LockRetry is how often a standby instance retries a held chain lock.
	LockRetry time.Duration
	// Retention deletes alerts older than this; zero keeps everything.
	Retention     time.Duration
	RetentionTick time.Duration
}

// Service 负责按链运行采集器：每条链持有一个 advisory lock，多实例部署时只有一个实例在采集。
type Service struct {
	opts   Options
	chains []Chain
	locker storage.AdvisoryLocker
	alerts storage.AlertStore
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs the monitoring service. locker and alerts may be nil when no database is configured.
func New(opts Options, chains []Chain, locker storage.AdvisoryLocker, alerts storage.AlertStore, logger zerolog.Logger) *Service {
	if opts.LockRetry <= 0 {
		opts.LockRetry = 30 * time.Second
	}
	if opts.RetentionTick <= 0 {
		opts.RetentionTick = time.Hour
	}
	for i := range chains {
		if chains[i].LockKey == 0 {
			chains[i].LockKey = lockKeyBase + int64(chains[i].ChainID)
		}
	}
	return &Service{
		opts:   opts,
		chains: chains,
		locker: locker,
		alerts: alerts,
		logger: logger.With().Str("component", "service").Logger(),
		now:    time.Now,
	}
}

// Run drives every chain until ctx is cancelled or one of them fails.
func (s *Service) Run(ctx context.Context) error {
	if len(s.chains) == 0 {
		return errors.New("no chains configured")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, chain := range s.chains {
		g.Go(func() error {
			return s.runChain(gctx, chain)
		})
	}
	if s.alerts != nil && s.opts.Retention > 0 {
		g.Go(func() error {
			s.sweepLoop(gctx)
			return nil
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Service) runChain(ctx context.Context, chain Chain) error {
	logger := s.logger.With().Uint64("chain", chain.ChainID).Str("chain_name", chain.Name).Logger()

	unlock, err := s.acquireLock(ctx, chain, logger)
	if err != nil {
		return err
	}
	if unlock != nil {
		defer unlock()
	}

	logger.Info().Msg("chain collector active")
	if err := chain.Runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("chain %d: %w", chain.ChainID, err)
	}
	return nil
}

// acquireLock blocks in standby until the chain lock is free.
func (s *Service) acquireLock(ctx context.Context, chain Chain, logger zerolog.Logger) (func(), error) {
	if s.locker == nil {
		return nil, nil
	}
	for {
		unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, chain.LockKey)
		if err != nil {
			return nil, fmt.Errorf("acquire advisory lock for chain %d: %w", chain.ChainID, err)
		}
		if acquired {
			return unlock, nil
		}
		logger.Debug().Int64("lock_key", chain.LockKey).Msg("chain lock held elsewhere; standing by")

		timer := time.NewTimer(s.opts.LockRetry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Service) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.RetentionTick)
	defer ticker.Stop()
	for {
		s.Sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep deletes alerts past the retention horizon.
func (s *Service) Sweep(ctx context.Context) {
	cutoff := s.now().UTC().Add(-s.opts.Retention)
	removed, err := s.alerts.DeleteAlertsBefore(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("alert retention sweep failed")
		}
		return
	}
	if removed > 0 {
		s.logger.Info().Int64("removed", removed).Time("cutoff", cutoff).Msg("expired alerts removed")
	}
}
