package detector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"token-sentinel/internal/alerting"
	"token-sentinel/internal/transfer"
	"token-sentinel/internal/window"
)

// Flow directions reported by the continuous-flow detector.
const (
	FlowAccumulation = "accumulation"
	FlowDistribution = "distribution"
)

// ContinuousFlowOptions configure the continuous-flow detector.
type ContinuousFlowOptions struct {
	Enabled      bool
	Window       time.Duration
	MinTransfers int
	// DirectionThreshold is the minimum share of volume moving in the dominant direction.
	DirectionThreshold float64
	// MinVolume ignores flows whose total volume is below it.
	MinVolume float64
}

type flowEntry struct {
	amount decimal.Decimal
	at     time.Time
}

type flowState struct {
	entries window.Queue[flowEntry]
	in      decimal.Decimal
	out     decimal.Decimal
	last    time.Time
}

func (s *flowState) push(e flowEntry) {
	s.entries.Push(e)
	if e.amount.IsNegative() {
		s.out = s.out.Sub(e.amount)
	} else {
		s.in = s.in.Add(e.amount)
	}
	s.last = e.at
}

func (s *flowState) expire(cutoff time.Time) {
	s.entries.PopWhile(func(e flowEntry) bool { return e.at.Before(cutoff) }, func(e flowEntry) {
		if e.amount.IsNegative() {
			s.out = s.out.Add(e.amount)
		} else {
			s.in = s.in.Sub(e.amount)
		}
	})
}

type flowSignal struct {
	addr      common.Address
	direction string
	fraction  decimal.Decimal
	state     *flowState
}

// ContinuousFlow 跟踪地址在某代币上的资金净流向，持续单向流入或流出时告警。
type ContinuousFlow struct {
	opts      ContinuousFlowOptions
	threshold decimal.Decimal
	minVolume decimal.Decimal

	mu     sync.Mutex
	chains perChain[flowBook]
}

// flowBook holds the flows of one chain.
type flowBook struct {
	flows   map[string]*flowState
	touches window.Queue[touch]
}

// NewContinuousFlow builds the detector.
func NewContinuousFlow(opts ContinuousFlowOptions) *ContinuousFlow {
	if opts.Window <= 0 {
		opts.Window = time.Hour
	}
	return &ContinuousFlow{
		opts:      opts,
		threshold: decimal.NewFromFloat(opts.DirectionThreshold),
		minVolume: decimal.NewFromFloat(opts.MinVolume),
		chains:    newPerChain(func() *flowBook { return &flowBook{flows: make(map[string]*flowState)} }),
	}
}

func (d *ContinuousFlow) Name() string  { return NameContinuousFlow }
func (d *ContinuousFlow) Enabled() bool { return d.opts.Enabled }

func (d *ContinuousFlow) Detect(_ context.Context, ev transfer.Event) (*alerting.Alert, error) {
	// A self-transfer moves nothing in or out.
	if ev.From == ev.To {
		return nil, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := ev.Timestamp
	cutoff := now.Add(-d.opts.Window)
	book := d.chains.get(ev.ChainID)
	book.evict(cutoff)

	var best *flowSignal
	// Recipient first so that ties favour accumulation.
	for _, side := range []struct {
		addr   common.Address
		amount decimal.Decimal
	}{
		{ev.To, ev.Amount},
		{ev.From, ev.Amount.Neg()},
	} {
		key := d.key(ev, side.addr)
		state, ok := book.flows[key]
		if !ok {
			state = &flowState{}
			book.flows[key] = state
		}
		state.push(flowEntry{amount: side.amount, at: now})
		state.expire(cutoff)
		book.touches.Push(touch{key: key, at: now})

		if sig := d.evaluate(side.addr, state); sig != nil && (best == nil || sig.fraction.GreaterThan(best.fraction)) {
			best = sig
		}
	}
	if best == nil {
		return nil, nil
	}

	alert := alerting.NewAlert(d.Name(), d.key(ev, best.addr)+":"+best.direction, ev)
	alert.Title = fmt.Sprintf("Continuous %s %s", ev.Token.Symbol, best.direction)
	alert.Message = fmt.Sprintf("%s: %s%% of %d %s transfers within %s flowed %s (in %s, out %s)",
		best.addr.Hex(), best.fraction.Mul(decimal.NewFromInt(100)).StringFixed(1), best.state.entries.Len(),
		ev.Token.Symbol, d.opts.Window, directionVerb(best.direction), best.state.in.String(), best.state.out.String())
	alert.Data["address"] = best.addr.Hex()
	alert.Data["direction"] = best.direction
	alert.Data["fraction"] = best.fraction.String()
	alert.Data["inflow"] = best.state.in.String()
	alert.Data["outflow"] = best.state.out.String()
	return &alert, nil
}

func (d *ContinuousFlow) evaluate(addr common.Address, state *flowState) *flowSignal {
	if state.entries.Len() < d.opts.MinTransfers {
		return nil
	}
	total := state.in.Add(state.out)
	if !total.IsPositive() || total.LessThan(d.minVolume) {
		return nil
	}

	direction, dominant := FlowAccumulation, state.in
	if state.out.GreaterThan(state.in) {
		direction, dominant = FlowDistribution, state.out
	}
	fraction := dominant.Div(total)
	if fraction.LessThan(d.threshold) {
		return nil
	}
	return &flowSignal{addr: addr, direction: direction, fraction: fraction, state: state}
}

func (d *ContinuousFlow) key(ev transfer.Event, addr common.Address) string {
	return ev.AddressKey(addr) + ":" + ev.Token.ID()
}

func (b *flowBook) evict(cutoff time.Time) {
	b.touches.PopWhile(func(tc touch) bool { return tc.at.Before(cutoff) }, func(tc touch) {
		state, ok := b.flows[tc.key]
		if ok && state.last.Equal(tc.at) {
			delete(b.flows, tc.key)
		}
	})
}

func directionVerb(direction string) string {
	if direction == FlowAccumulation {
		return "in"
	}
	return "out"
}

var _ Detector = (*ContinuousFlow)(nil)
