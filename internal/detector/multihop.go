package detector

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"token-sentinel/internal/alerting"
	"token-sentinel/internal/transfer"
)

// MultiHopOptions configure the multi-hop detector.
type MultiHopOptions struct {
	Enabled      bool
	Window       time.Duration
	MinAddresses int
	MinTokens    int
	MaxHops      int
	MaxPaths     int
}

// MultiHop 识别时间窗口内跨多个地址和代币的链式转账路径，典型如套利。
type MultiHop struct {
	opts MultiHopOptions

	mu      sync.Mutex
	indexes perChain[pathIndex]
}

// NewMultiHop builds the detector.
func NewMultiHop(opts MultiHopOptions) *MultiHop {
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	if opts.MaxHops <= 0 {
		opts.MaxHops = 6
	}
	return &MultiHop{
		opts:    opts,
		indexes: newPerChain(func() *pathIndex { return newPathIndex(opts.Window, opts.MaxPaths) }),
	}
}

func (d *MultiHop) Name() string  { return NameMultiHop }
func (d *MultiHop) Enabled() bool { return d.opts.Enabled }

func (d *MultiHop) Detect(_ context.Context, ev transfer.Event) (*alerting.Alert, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := ev.Timestamp
	index := d.indexes.get(ev.ChainID)
	index.expire(now)

	h := hopOf(ev)
	created := []*path{newPath(h)}
	for _, p := range index.open(ev.AddressKey(ev.From), now) {
		if p.len() >= d.opts.MaxHops || p.end().After(h.at) {
			continue
		}
		created = append(created, p.extend(h))
	}

	var best *path
	toKey := ev.AddressKey(ev.To)
	for _, p := range created {
		index.add(toKey, p)
		if p.len() < 2 || p.addresses() < d.opts.MinAddresses || len(p.tokens()) < d.opts.MinTokens {
			continue
		}
		if best == nil || p.len() > best.len() {
			best = p
		}
	}
	if best == nil {
		return nil, nil
	}

	tokens := best.tokens()
	alert := alerting.NewAlert(d.Name(), ev.AddressKey(best.head()), ev)
	alert.Title = "Multi-hop transfer path"
	alert.Message = fmt.Sprintf("%s across %d hops and tokens %s within %s",
		best.route(), best.len(), strings.Join(tokens, ","), best.end().Sub(best.start()))
	alert.Data["route"] = best.route()
	alert.Data["hops"] = best.len()
	alert.Data["addresses"] = best.addresses()
	alert.Data["tokens"] = tokens
	alert.Data["txs"] = best.txs()
	return &alert, nil
}

// OpenPaths reports how many paths are currently tracked across all chains.
func (d *MultiHop) OpenPaths() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	d.indexes.each(func(x *pathIndex) { n += x.size() })
	return n
}

var _ Detector = (*MultiHop)(nil)
