package stats

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"token-sentinel/internal/window"
)

// Options bound the retention of the rolling store.
type Options struct {
	// SampleSize caps the number of recent amounts kept per token.
	SampleSize int
	// Window drops samples older than this horizon. Zero keeps samples until displaced.
	Window time.Duration
}

// Snapshot is a point-in-time view of one token's rolling statistics.
type Snapshot struct {
	Count int
	Sum   decimal.Decimal
	Mean  decimal.Decimal
}

// Reader exposes read-only access for filters.
type Reader interface {
	Snapshot(chainID uint64, key string, now time.Time) Snapshot
}

type sample struct {
	amount decimal.Decimal
	at     time.Time
}

type series struct {
	samples *window.Ring[sample]
	sum     decimal.Decimal
	last    time.Time
}

type touch struct {
	key string
	at  time.Time
}

// partition holds the series of one chain. Each chain expires against its own clock.
type partition struct {
	series  map[string]*series
	touches window.Queue[touch]
}

// Store 维护每个代币最近成交额的滚动均值。
// Only the pipeline writes to it, after an event has been accepted.
type Store struct {
	opts Options

	mu     sync.RWMutex
	chains map[uint64]*partition
}

// New constructs an empty store.
func New(opts Options) *Store {
	if opts.SampleSize <= 0 {
		opts.SampleSize = 100
	}
	return &Store{opts: opts, chains: make(map[uint64]*partition)}
}

// Observe records an accepted amount for key at the given chain time.
func (s *Store) Observe(chainID uint64, key string, amount decimal.Decimal, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.chains[chainID]
	if !ok {
		p = &partition{series: make(map[string]*series)}
		s.chains[chainID] = p
	}
	sr, ok := p.series[key]
	if !ok {
		sr = &series{samples: window.NewRing[sample](s.opts.SampleSize)}
		p.series[key] = sr
	}

	if old, evicted := sr.samples.Push(sample{amount: amount, at: at}); evicted {
		sr.sum = sr.sum.Sub(old.amount)
	}
	sr.sum = sr.sum.Add(amount)
	if at.After(sr.last) {
		sr.last = at
	}

	if s.opts.Window > 0 {
		s.expire(sr, at)
		p.touches.Push(touch{key: key, at: at})
		s.sweep(p, at)
	}
}

// Snapshot returns the statistics of key, ignoring samples older than the window.
func (s *Store) Snapshot(chainID uint64, key string, now time.Time) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.chains[chainID]
	if !ok {
		return Snapshot{}
	}
	sr, ok := p.series[key]
	if !ok {
		return Snapshot{}
	}

	count := sr.samples.Len()
	sum := sr.sum
	if s.opts.Window > 0 {
		cutoff := now.Add(-s.opts.Window)
		stale := true
		sr.samples.Each(func(smp sample) {
			if stale && smp.at.Before(cutoff) {
				count--
				sum = sum.Sub(smp.amount)
				return
			}
			stale = false
		})
	}
	if count <= 0 {
		return Snapshot{}
	}

	return Snapshot{
		Count: count,
		Sum:   sum,
		Mean:  sum.Div(decimal.NewFromInt(int64(count))),
	}
}

// Len reports how many tokens are tracked across all chains.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, p := range s.chains {
		n += len(p.series)
	}
	return n
}

func (s *Store) expire(sr *series, now time.Time) {
	cutoff := now.Add(-s.opts.Window)
	for {
		front, ok := sr.samples.Front()
		if !ok || !front.at.Before(cutoff) {
			return
		}
		sr.samples.PopFront()
		sr.sum = sr.sum.Sub(front.amount)
	}
}

// sweep drops tokens of one chain that have seen no sample within the window.
func (s *Store) sweep(p *partition, now time.Time) {
	cutoff := now.Add(-s.opts.Window)
	p.touches.PopWhile(func(tc touch) bool { return tc.at.Before(cutoff) }, func(tc touch) {
		sr, ok := p.series[tc.key]
		if ok && sr.last.Equal(tc.at) {
			delete(p.series, tc.key)
		}
	})
}
