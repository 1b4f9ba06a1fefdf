package cooldown

import (
	"sync"
	"time"

	"token-sentinel/internal/window"
)

type key struct {
	detector string
	entity   string
}

type emission struct {
	key key
	at  time.Time
}

// ledger is the cooldown state of one chain, pruned against that chain's clock.
type ledger struct {
	last    map[key]time.Time
	history window.Queue[emission]
}

// Manager 对 (检测器, 实体) 做告警去重：冷却期内的重复告警直接丢弃。
type Manager struct {
	cooldown time.Duration

	mu     sync.Mutex
	chains map[uint64]*ledger
}

// New creates a manager. A non-positive cooldown lets every alert through.
func New(cooldown time.Duration) *Manager {
	return &Manager{cooldown: cooldown, chains: make(map[uint64]*ledger)}
}

// ShouldEmit reports whether an alert for (detector, entity) on chainID at now may be emitted and,
// if so, records it. now is the chain time of the triggering event.
func (m *Manager) ShouldEmit(chainID uint64, detector, entity string, now time.Time) bool {
	if m.cooldown <= 0 {
		return true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.chains[chainID]
	if !ok {
		l = &ledger{last: make(map[key]time.Time)}
		m.chains[chainID] = l
	}
	l.prune(now, m.cooldown)

	k := key{detector: detector, entity: entity}
	if last, ok := l.last[k]; ok && now.Sub(last) < m.cooldown {
		return false
	}
	l.last[k] = now
	l.history.Push(emission{key: k, at: now})
	return true
}

// Len reports how many entries are cooling down across all chains.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, l := range m.chains {
		n += len(l.last)
	}
	return n
}

// prune forgets entries whose cooldown has elapsed; they would be emitted anyway.
func (l *ledger) prune(now time.Time, cooldown time.Duration) {
	l.history.PopWhile(func(e emission) bool { return now.Sub(e.at) >= cooldown }, func(e emission) {
		if last, ok := l.last[e.key]; ok && last.Equal(e.at) {
			delete(l.last, e.key)
		}
	})
}
