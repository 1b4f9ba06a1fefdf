package detector

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"token-sentinel/internal/alerting"
	"token-sentinel/internal/transfer"
	"token-sentinel/internal/window"
)

const recomputeEvery = 1024

// HighFrequencyOptions configure the high-frequency detector.
type HighFrequencyOptions struct {
	Enabled bool
	// WindowSize is the number of recent timestamps kept per address.
	WindowSize   int
	MinTransfers int
	// Threshold is the number of standard deviations above the population mean.
	Threshold float64
	// MinSpan floors the elapsed time used as the frequency denominator.
	MinSpan time.Duration
	// IdleTTL evicts addresses without activity for this long.
	IdleTTL time.Duration
}

type activity struct {
	stamps *window.Ring[time.Time]
	freq   float64
	last   time.Time
}

type touch struct {
	key string
	at  time.Time
}

// population is the address activity of one chain.
type population struct {
	addrs   map[string]*activity
	touches window.Queue[touch]
	sum     float64
	sumSq   float64
	updates int
}

// HighFrequency 比较单个地址的转账频率与同链全体地址频率分布。
type HighFrequency struct {
	opts HighFrequencyOptions

	mu     sync.Mutex
	chains perChain[population]
}

// NewHighFrequency builds the detector with defaults for unset bounds.
func NewHighFrequency(opts HighFrequencyOptions) *HighFrequency {
	if opts.WindowSize <= 0 {
		opts.WindowSize = 100
	}
	if opts.MinSpan <= 0 {
		opts.MinSpan = time.Minute
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = time.Hour
	}
	return &HighFrequency{
		opts:   opts,
		chains: newPerChain(func() *population { return &population{addrs: make(map[string]*activity)} }),
	}
}

func (d *HighFrequency) Name() string  { return NameHighFrequency }
func (d *HighFrequency) Enabled() bool { return d.opts.Enabled }

func (d *HighFrequency) Detect(_ context.Context, ev transfer.Event) (*alerting.Alert, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := ev.Timestamp
	pop := d.chains.get(ev.ChainID)
	pop.evict(now, d.opts.IdleTTL)

	parties := []common.Address{ev.From}
	if ev.To != ev.From {
		parties = append(parties, ev.To)
	}
	for _, addr := range parties {
		pop.record(ev.AddressKey(addr), now, d.opts)
	}

	pop.updates++
	if pop.updates%recomputeEvery == 0 {
		pop.recompute()
	}

	n := float64(len(pop.addrs))
	if n < 2 {
		return nil, nil
	}
	mean := pop.sum / n
	variance := pop.sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	stddev := math.Sqrt(variance)
	limit := mean + d.opts.Threshold*stddev

	var (
		flagged common.Address
		best    *activity
	)
	for _, addr := range parties {
		act := pop.addrs[ev.AddressKey(addr)]
		if act.stamps.Len() < d.opts.MinTransfers || act.freq <= limit {
			continue
		}
		if best == nil || act.freq > best.freq {
			flagged, best = addr, act
		}
	}
	if best == nil {
		return nil, nil
	}

	alert := alerting.NewAlert(d.Name(), ev.AddressKey(flagged), ev)
	alert.Title = "High-frequency transfer activity"
	alert.Message = fmt.Sprintf("%s made %d transfers at %.4f/s (population mean %.4f/s, stddev %.4f)",
		flagged.Hex(), best.stamps.Len(), best.freq, mean, stddev)
	alert.Data["address"] = flagged.Hex()
	alert.Data["frequency"] = best.freq
	alert.Data["mean"] = mean
	alert.Data["stddev"] = stddev
	alert.Data["transfers"] = best.stamps.Len()
	return &alert, nil
}

// Tracked reports the number of addresses tracked across all chains.
func (d *HighFrequency) Tracked() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	d.chains.each(func(pop *population) { n += len(pop.addrs) })
	return n
}

func (pop *population) record(key string, now time.Time, opts HighFrequencyOptions) {
	act, ok := pop.addrs[key]
	if !ok {
		act = &activity{stamps: window.NewRing[time.Time](opts.WindowSize)}
		pop.addrs[key] = act
	} else {
		pop.sum -= act.freq
		pop.sumSq -= act.freq * act.freq
	}

	act.stamps.Push(now)
	act.last = now
	act.freq = frequency(act.stamps, now, opts.MinSpan)

	pop.sum += act.freq
	pop.sumSq += act.freq * act.freq
	pop.touches.Push(touch{key: key, at: now})
}

func (pop *population) evict(now time.Time, ttl time.Duration) {
	cutoff := now.Add(-ttl)
	pop.touches.PopWhile(func(tc touch) bool { return tc.at.Before(cutoff) }, func(tc touch) {
		act, ok := pop.addrs[tc.key]
		if !ok || !act.last.Equal(tc.at) {
			return
		}
		pop.sum -= act.freq
		pop.sumSq -= act.freq * act.freq
		delete(pop.addrs, tc.key)
	})
}

// recompute rebuilds the running sums to shed floating point drift.
func (pop *population) recompute() {
	pop.sum, pop.sumSq = 0, 0
	for _, act := range pop.addrs {
		pop.sum += act.freq
		pop.sumSq += act.freq * act.freq
	}
}

func frequency(stamps *window.Ring[time.Time], now time.Time, minSpan time.Duration) float64 {
	first, ok := stamps.Front()
	if !ok {
		return 0
	}
	span := now.Sub(first)
	if span < minSpan {
		span = minSpan
	}
	return float64(stamps.Len()) / span.Seconds()
}

var _ Detector = (*HighFrequency)(nil)
