package detector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"token-sentinel/internal/alerting"
	"token-sentinel/internal/transfer"
)

// WashTradingOptions configure the wash-trading detector.
type WashTradingOptions struct {
	Enabled bool
	Window  time.Duration
	// CycleLength is the minimum number of hops of a closed cycle.
	CycleLength int
	MaxHops     int
	MaxPaths    int
}

// WashTrading detects funds of one token returning to their origin within the window.
type WashTrading struct {
	opts WashTradingOptions

	mu      sync.Mutex
	indexes perChain[pathIndex]
}

// NewWashTrading builds the detector.
func NewWashTrading(opts WashTradingOptions) *WashTrading {
	if opts.Window <= 0 {
		opts.Window = time.Hour
	}
	if opts.CycleLength <= 0 {
		opts.CycleLength = 3
	}
	if opts.MaxHops < opts.CycleLength {
		opts.MaxHops = opts.CycleLength * 2
	}
	return &WashTrading{
		opts:    opts,
		indexes: newPerChain(func() *pathIndex { return newPathIndex(opts.Window, opts.MaxPaths) }),
	}
}

func (d *WashTrading) Name() string  { return NameWashTrading }
func (d *WashTrading) Enabled() bool { return d.opts.Enabled }

func (d *WashTrading) Detect(_ context.Context, ev transfer.Event) (*alerting.Alert, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := ev.Timestamp
	index := d.indexes.get(ev.ChainID)
	index.expire(now)

	h := hopOf(ev)
	scope := ev.TokenKey()
	var closed *path

	consider := func(p *path) {
		if p.head() != p.tail() {
			index.add(tailKey(scope, ev), p)
			return
		}
		if p.len() >= d.opts.CycleLength && (closed == nil || p.len() > closed.len()) {
			closed = p
		}
	}

	extended := make([]*path, 0)
	for _, p := range index.open(scope+":"+lower(ev.From.Hex()), now) {
		if p.len() >= d.opts.MaxHops || p.end().After(h.at) {
			continue
		}
		// Cycles must be simple: the only address allowed to repeat is the origin.
		if ev.To != p.head() && p.visits(ev.To) {
			continue
		}
		extended = append(extended, p.extend(h))
	}
	consider(newPath(h))
	for _, p := range extended {
		consider(p)
	}

	if closed == nil {
		return nil, nil
	}

	alert := alerting.NewAlert(d.Name(), scope+":"+lower(closed.head().Hex()), ev)
	alert.Severity = alerting.SeverityCritical
	alert.Title = fmt.Sprintf("Circular %s transfers", ev.Token.Symbol)
	alert.Message = fmt.Sprintf("%s closed a %d-hop cycle within %s",
		closed.route(), closed.len(), closed.end().Sub(closed.start()))
	alert.Data["cycle"] = closed.route()
	alert.Data["hops"] = closed.len()
	alert.Data["txs"] = closed.txs()
	return &alert, nil
}

func tailKey(scope string, ev transfer.Event) string {
	return scope + ":" + lower(ev.To.Hex())
}

var _ Detector = (*WashTrading)(nil)
