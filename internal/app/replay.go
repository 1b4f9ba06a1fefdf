package app

import (
	"context"
	"fmt"
	"io"
	"os"

	"token-sentinel/internal/alerting"
	"token-sentinel/internal/collector"
	"token-sentinel/internal/pipeline"
)

// Replay runs recorded events (JSON lines, "-" for stdin) through the detection pipeline.
func (a *App) Replay(ctx context.Context, opts ReplayOptions) error {
	var in io.Reader = os.Stdin
	if opts.Path != "" && opts.Path != "-" {
		f, err := os.Open(opts.Path)
		if err != nil {
			return fmt.Errorf("open replay input: %w", err)
		}
		defer f.Close()
		in = f
	}

	coordinator, finish, err := a.offlinePipeline(ctx, opts.Deliver)
	if err != nil {
		return err
	}
	defer finish()

	summary, err := collector.Replay(ctx, in, coordinator, a.Logger)
	if err != nil {
		return err
	}
	a.Logger.Info().
		Int("lines", summary.Lines).
		Int("events", summary.Events).
		Int("malformed", summary.Malformed).
		Int("alerts", summary.Alerts).
		Msg("replay complete")
	return nil
}

// offlinePipeline builds a coordinator for replay and backfill. Without deliver, alerts are only logged.
func (a *App) offlinePipeline(ctx context.Context, deliver bool) (*pipeline.Coordinator, func(), error) {
	var (
		notifiers  []alerting.Notifier
		closeStore func()
		closeExecs = func() {}
	)
	if deliver {
		store, closer, err := a.openStore(ctx)
		if err != nil {
			return nil, nil, err
		}
		closeStore = closer
		notifiers, closeExecs, err = a.newNotifiers(store)
		if err != nil {
			if closeStore != nil {
				closeStore()
			}
			return nil, nil, err
		}
	} else {
		notifiers = []alerting.Notifier{alerting.NewLogNotifier(a.Logger)}
	}

	dispatcher := a.newDispatcher(notifiers)
	dispatcher.Start(ctx)

	coordinator, err := pipeline.Build(a.Config, dispatcher, a.Logger)
	if err != nil {
		dispatcher.Close()
		closeExecs()
		if closeStore != nil {
			closeStore()
		}
		return nil, nil, err
	}

	finish := func() {
		coordinator.Close()
		dispatcher.Close()
		closeExecs()
		if closeStore != nil {
			closeStore()
		}
	}
	return coordinator, finish, nil
}
