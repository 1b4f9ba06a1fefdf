package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"token-sentinel/internal/alerting"
	"token-sentinel/internal/cooldown"
	"token-sentinel/internal/detector"
	"token-sentinel/internal/filter"
	"token-sentinel/internal/metrics"
	"token-sentinel/internal/stats"
	"token-sentinel/internal/transfer"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("pipeline: closed")

// Options tune detector fan-out.
type Options struct {
	// Concurrency bounds detectors evaluated in parallel for one event.
	Concurrency int
}

// Coordinator 串联过滤链、滚动统计、检测器与冷却，最终把告警交给 Sink。
type Coordinator struct {
	opts      Options
	filters   *filter.Chain
	stats     *stats.Store
	detectors []detector.Detector
	cooldown  *cooldown.Manager
	sink      alerting.Sink
	logger    zerolog.Logger

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

// New assembles a coordinator from its parts.
func New(opts Options, filters *filter.Chain, store *stats.Store, detectors []detector.Detector, cd *cooldown.Manager, sink alerting.Sink, logger zerolog.Logger) *Coordinator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = max(len(detectors), 1)
	}
	return &Coordinator{
		opts:      opts,
		filters:   filters,
		stats:     store,
		detectors: detectors,
		cooldown:  cd,
		sink:      sink,
		logger:    logger.With().Str("component", "pipeline").Logger(),
	}
}

// Submit runs one event through the pipeline and returns the alerts handed to the sink.
// Calls for the same chain must be serialised by the caller to keep window order.
func (c *Coordinator) Submit(ctx context.Context, ev transfer.Event) ([]alerting.Alert, error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, ErrClosed
	}
	c.inflight.Add(1)
	c.mu.RUnlock()
	defer c.inflight.Done()

	chain := strconv.FormatUint(ev.ChainID, 10)
	if err := ev.Validate(); err != nil {
		metrics.EventsIngested.WithLabelValues(chain, "malformed").Inc()
		c.logger.Warn().Err(err).Str("event", ev.Ref()).Msg("dropping malformed event")
		return nil, err
	}

	if ok, by := c.filters.Accept(ev); !ok {
		metrics.EventsIngested.WithLabelValues(chain, "filtered").Inc()
		metrics.EventsFiltered.WithLabelValues(by).Inc()
		c.logger.Debug().Str("event", ev.Ref()).Str("filter", by).Msg("event filtered")
		return nil, nil
	}
	metrics.EventsIngested.WithLabelValues(chain, "accepted").Inc()

	c.stats.Observe(ev.ChainID, ev.TokenKey(), ev.Amount, ev.Timestamp)

	candidates := c.runDetectors(ctx, ev)

	emitted := make([]alerting.Alert, 0, len(candidates))
	for _, alert := range candidates {
		if !c.cooldown.ShouldEmit(alert.ChainID, alert.Detector, alert.EntityKey, alert.Timestamp) {
			metrics.AlertsTotal.WithLabelValues(alert.Detector, "suppressed").Inc()
			c.logger.Debug().Str("detector", alert.Detector).Str("entity", alert.EntityKey).Msg("alert suppressed by cooldown")
			continue
		}
		metrics.AlertsTotal.WithLabelValues(alert.Detector, "emitted").Inc()
		if c.sink != nil {
			c.sink.Publish(alert)
		}
		emitted = append(emitted, alert)
	}
	return emitted, nil
}

// runDetectors evaluates all enabled detectors concurrently and returns their alerts in registration order.
func (c *Coordinator) runDetectors(ctx context.Context, ev transfer.Event) []alerting.Alert {
	results := make([]*alerting.Alert, len(c.detectors))

	var g errgroup.Group
	g.SetLimit(c.opts.Concurrency)
	for i, d := range c.detectors {
		if !d.Enabled() {
			continue
		}
		g.Go(func() error {
			alert, err := c.runSingleDetector(ctx, d, ev)
			if err != nil {
				metrics.DetectorErrors.WithLabelValues(d.Name()).Inc()
				c.logger.Error().Err(err).Str("detector", d.Name()).Str("event", ev.Ref()).Msg("detector failed")
				return nil
			}
			results[i] = alert
			return nil
		})
	}
	_ = g.Wait()

	alerts := make([]alerting.Alert, 0, len(results))
	for _, alert := range results {
		if alert != nil {
			alerts = append(alerts, *alert)
		}
	}
	return alerts
}

// runSingleDetector isolates one detector; a panic is converted into an error.
func (c *Coordinator) runSingleDetector(ctx context.Context, d detector.Detector, ev transfer.Event) (alert *alerting.Alert, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			alert, err = nil, fmt.Errorf("detector panic: %v", r)
		}
		metrics.ObserveDetector(d.Name(), time.Since(start))
	}()
	return d.Detect(ctx, ev)
}

// Close stops accepting events and waits for in-flight ones.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.inflight.Wait()
}

// Detectors lists the names of the enabled detectors.
func (c *Coordinator) Detectors() []string {
	names := make([]string, 0, len(c.detectors))
	for _, d := range c.detectors {
		if d.Enabled() {
			names = append(names, d.Name())
		}
	}
	return names
}
