package detector

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"token-sentinel/internal/transfer"
	"token-sentinel/internal/window"
)

type hop struct {
	from   common.Address
	to     common.Address
	token  string
	symbol string
	at     time.Time
	tx     common.Hash
}

func hopOf(ev transfer.Event) hop {
	return hop{
		from:   ev.From,
		to:     ev.To,
		token:  ev.Token.ID(),
		symbol: ev.Token.Symbol,
		at:     ev.Timestamp,
		tx:     ev.TxHash,
	}
}

// path is an immutable chain of hops where each recipient is the next sender.
type path struct {
	hops []hop
}

func newPath(h hop) *path {
	return &path{hops: []hop{h}}
}

func (p *path) head() common.Address { return p.hops[0].from }
func (p *path) tail() common.Address { return p.hops[len(p.hops)-1].to }
func (p *path) start() time.Time     { return p.hops[0].at }
func (p *path) end() time.Time       { return p.hops[len(p.hops)-1].at }
func (p *path) len() int             { return len(p.hops) }

func (p *path) extend(h hop) *path {
	hops := make([]hop, len(p.hops), len(p.hops)+1)
	copy(hops, p.hops)
	return &path{hops: append(hops, h)}
}

// visits reports whether addr appears anywhere on the path.
func (p *path) visits(addr common.Address) bool {
	if p.head() == addr {
		return true
	}
	for _, h := range p.hops {
		if h.to == addr {
			return true
		}
	}
	return false
}

func (p *path) addresses() int {
	seen := map[common.Address]struct{}{p.head(): {}}
	for _, h := range p.hops {
		seen[h.to] = struct{}{}
	}
	return len(seen)
}

func (p *path) tokens() []string {
	seen := make(map[string]struct{}, len(p.hops))
	symbols := make([]string, 0, len(p.hops))
	for _, h := range p.hops {
		if _, ok := seen[h.token]; ok {
			continue
		}
		seen[h.token] = struct{}{}
		symbols = append(symbols, h.symbol)
	}
	return symbols
}

func (p *path) route() string {
	parts := make([]string, 0, len(p.hops)+1)
	parts = append(parts, transfer.ShortAddress(p.head()))
	for _, h := range p.hops {
		parts = append(parts, transfer.ShortAddress(h.to))
	}
	return strings.Join(parts, " -> ")
}

func (p *path) txs() []string {
	out := make([]string, len(p.hops))
	for i, h := range p.hops {
		out[i] = h.tx.Hex()
	}
	return out
}

// pathIndex keeps the open paths of a time window indexed by their tail.
// Paths are extended incrementally as hops arrive, so no traversal runs per event.
type pathIndex struct {
	window   time.Duration
	maxPaths int

	tails   map[string][]*path
	touches window.Queue[touch]
}

func newPathIndex(span time.Duration, maxPaths int) *pathIndex {
	if maxPaths <= 0 {
		maxPaths = 128
	}
	return &pathIndex{window: span, maxPaths: maxPaths, tails: make(map[string][]*path)}
}

func (x *pathIndex) cutoff(now time.Time) time.Time {
	return now.Add(-x.window)
}

// expire drops paths whose first hop has left the window.
func (x *pathIndex) expire(now time.Time) {
	cutoff := x.cutoff(now)
	x.touches.PopWhile(func(tc touch) bool { return tc.at.Before(cutoff) }, func(tc touch) {
		x.prune(tc.key, cutoff)
	})
}

// open returns the live paths ending at key.
func (x *pathIndex) open(key string, now time.Time) []*path {
	return x.prune(key, x.cutoff(now))
}

func (x *pathIndex) add(key string, p *path) {
	paths := x.tails[key]
	if len(paths) >= x.maxPaths {
		paths = paths[len(paths)-x.maxPaths+1:]
	}
	x.tails[key] = append(paths, p)
	x.touches.Push(touch{key: key, at: p.end()})
}

func (x *pathIndex) prune(key string, cutoff time.Time) []*path {
	paths, ok := x.tails[key]
	if !ok {
		return nil
	}
	live := paths[:0]
	for _, p := range paths {
		if !p.start().Before(cutoff) {
			live = append(live, p)
		}
	}
	if len(live) == 0 {
		delete(x.tails, key)
		return nil
	}
	x.tails[key] = live
	return live
}

func (x *pathIndex) size() int {
	n := 0
	for _, paths := range x.tails {
		n += len(paths)
	}
	return n
}
