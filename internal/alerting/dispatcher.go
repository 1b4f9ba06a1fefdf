package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"token-sentinel/internal/metrics"
)

// Recorder persists alerts for auditing.
type Recorder interface {
	RecordAlert(ctx context.Context, alert Alert) error
}

// StoreNotifier adapts a Recorder to the Notifier interface.
type StoreNotifier struct {
	recorder Recorder
}

// NewStoreNotifier builds the persistence executor.
func NewStoreNotifier(recorder Recorder) *StoreNotifier {
	return &StoreNotifier{recorder: recorder}
}

func (n *StoreNotifier) Name() string { return "store" }

func (n *StoreNotifier) Notify(ctx context.Context, alert Alert) error {
	return n.recorder.RecordAlert(ctx, alert)
}

// DispatcherOptions size the delivery buffer.
type DispatcherOptions struct {
	Buffer  int
	Workers int
	// Timeout bounds a single executor call.
	Timeout time.Duration
}

// Dispatcher 负责异步投递告警：缓冲区满时直接丢弃，不阻塞检测流程。
type Dispatcher struct {
	opts      DispatcherOptions
	notifiers []Notifier
	queue     chan Alert
	logger    zerolog.Logger

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
}

// NewDispatcher wires executors behind a bounded buffer.
func NewDispatcher(opts DispatcherOptions, logger zerolog.Logger, notifiers ...Notifier) *Dispatcher {
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	return &Dispatcher{
		opts:      opts,
		notifiers: notifiers,
		queue:     make(chan Alert, opts.Buffer),
		logger:    logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Start launches the delivery workers. Deliveries outlive ctx so that Close can drain the buffer.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true

	base := context.WithoutCancel(ctx)
	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for alert := range d.queue {
				metrics.DispatchQueueDepth.Set(float64(len(d.queue)))
				d.deliver(base, alert)
			}
		}()
	}
}

// Publish enqueues alert and reports whether it was accepted.
func (d *Dispatcher) Publish(alert Alert) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}

	select {
	case d.queue <- alert:
		metrics.DispatchQueueDepth.Set(float64(len(d.queue)))
		return true
	default:
		metrics.AlertsTotal.WithLabelValues(alert.Detector, "dropped").Inc()
		d.logger.Warn().Str("alert_id", alert.ID).Str("detector", alert.Detector).Msg("dispatch buffer full; alert dropped")
		return false
	}
}

// Close stops accepting alerts and waits for buffered ones to be delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	started := d.started
	close(d.queue)
	d.mu.Unlock()

	if !started {
		// Nothing will consume the buffer; deliver inline.
		for alert := range d.queue {
			d.deliver(context.Background(), alert)
		}
		return
	}
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, alert Alert) {
	for _, n := range d.notifiers {
		callCtx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
		err := n.Notify(callCtx, alert)
		cancel()

		if err != nil {
			metrics.DispatchTotal.WithLabelValues(n.Name(), "error").Inc()
			d.logger.Error().Err(err).Str("executor", n.Name()).Str("alert_id", alert.ID).Msg("alert delivery failed")
			continue
		}
		metrics.DispatchTotal.WithLabelValues(n.Name(), "ok").Inc()
	}
}

var (
	_ Sink     = (*Dispatcher)(nil)
	_ Notifier = (*StoreNotifier)(nil)
)
