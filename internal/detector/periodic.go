package detector

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"token-sentinel/internal/alerting"
	"token-sentinel/internal/transfer"
	"token-sentinel/internal/window"
)

// PeriodicTransferOptions configure the periodic-transfer detector.
type PeriodicTransferOptions struct {
	Enabled      bool
	Window       time.Duration
	MinTransfers int
	// MaxVariation is the largest coefficient of variation of the intervals still considered regular.
	MaxVariation float64
	// MaxSamples caps the timestamps kept per sender.
	MaxSamples int
}

type schedule struct {
	stamps *window.Ring[time.Time]
	last   time.Time
}

// PeriodicTransfer flags senders whose outgoing transfers follow a regular cadence.
type PeriodicTransfer struct {
	opts PeriodicTransferOptions

	mu     sync.Mutex
	chains perChain[scheduleBook]
}

// scheduleBook holds the senders of one chain.
type scheduleBook struct {
	senders map[string]*schedule
	touches window.Queue[touch]
}

// NewPeriodicTransfer builds the detector.
func NewPeriodicTransfer(opts PeriodicTransferOptions) *PeriodicTransfer {
	if opts.Window <= 0 {
		opts.Window = 7 * 24 * time.Hour
	}
	if opts.MinTransfers < 3 {
		opts.MinTransfers = 3
	}
	if opts.MaxSamples < opts.MinTransfers {
		opts.MaxSamples = opts.MinTransfers * 4
	}
	return &PeriodicTransfer{
		opts:   opts,
		chains: newPerChain(func() *scheduleBook { return &scheduleBook{senders: make(map[string]*schedule)} }),
	}
}

func (d *PeriodicTransfer) Name() string  { return NamePeriodicTransfer }
func (d *PeriodicTransfer) Enabled() bool { return d.opts.Enabled }

func (d *PeriodicTransfer) Detect(_ context.Context, ev transfer.Event) (*alerting.Alert, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := ev.Timestamp
	cutoff := now.Add(-d.opts.Window)
	book := d.chains.get(ev.ChainID)
	book.touches.PopWhile(func(tc touch) bool { return tc.at.Before(cutoff) }, func(tc touch) {
		if s, ok := book.senders[tc.key]; ok && s.last.Equal(tc.at) {
			delete(book.senders, tc.key)
		}
	})

	key := ev.AddressKey(ev.From)
	s, ok := book.senders[key]
	if !ok {
		s = &schedule{stamps: window.NewRing[time.Time](d.opts.MaxSamples)}
		book.senders[key] = s
	}
	s.stamps.Push(now)
	s.last = now
	book.touches.Push(touch{key: key, at: now})
	for {
		front, ok := s.stamps.Front()
		if !ok || !front.Before(cutoff) {
			break
		}
		s.stamps.PopFront()
	}

	if s.stamps.Len() < d.opts.MinTransfers {
		return nil, nil
	}
	mean, cv := intervalVariation(s.stamps)
	if mean <= 0 || cv > d.opts.MaxVariation {
		return nil, nil
	}

	interval := time.Duration(mean * float64(time.Second)).Round(time.Second)
	alert := alerting.NewAlert(d.Name(), key, ev)
	alert.Severity = alerting.SeverityInfo
	alert.Title = "Periodic transfers"
	alert.Message = fmt.Sprintf("%s sent %d transfers roughly every %s (variation %.3f)",
		ev.From.Hex(), s.stamps.Len(), interval, cv)
	alert.Data["address"] = ev.From.Hex()
	alert.Data["interval_seconds"] = mean
	alert.Data["variation"] = cv
	return &alert, nil
}

// intervalVariation returns the mean interval in seconds and its coefficient of variation.
func intervalVariation(stamps *window.Ring[time.Time]) (float64, float64) {
	intervals := make([]float64, 0, stamps.Len())
	var prev time.Time
	stamps.Each(func(ts time.Time) {
		if !prev.IsZero() {
			intervals = append(intervals, ts.Sub(prev).Seconds())
		}
		prev = ts
	})
	if len(intervals) == 0 {
		return 0, 0
	}

	var sum float64
	for _, v := range intervals {
		sum += v
	}
	mean := sum / float64(len(intervals))
	if mean <= 0 {
		return mean, 0
	}

	var sq float64
	for _, v := range intervals {
		sq += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sq/float64(len(intervals))) / mean
}

var _ Detector = (*PeriodicTransfer)(nil)
