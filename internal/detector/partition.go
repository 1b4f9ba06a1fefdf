package detector

// perChain keeps one state per chain so that each chain evicts against its own clock.
// Chains advance independently; a chain catching up must not lose state to one ahead of it.
type perChain[T any] struct {
	states map[uint64]*T
	fresh  func() *T
}

func newPerChain[T any](fresh func() *T) perChain[T] {
	return perChain[T]{states: make(map[uint64]*T), fresh: fresh}
}

func (p perChain[T]) get(chainID uint64) *T {
	s, ok := p.states[chainID]
	if !ok {
		s = p.fresh()
		p.states[chainID] = s
	}
	return s
}

func (p perChain[T]) each(fn func(*T)) {
	for _, s := range p.states {
		fn(s)
	}
}
