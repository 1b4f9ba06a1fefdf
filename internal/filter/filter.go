package filter

import (
	"token-sentinel/internal/transfer"
)

// Filter 决定一条转账是否进入检测阶段。实现不得修改共享状态。
type Filter interface {
	Name() string
	Enabled() bool
	Accept(ev transfer.Event) bool
}

// Chain evaluates filters in order and stops at the first rejection.
type Chain struct {
	filters []Filter
}

// NewChain keeps the given evaluation order.
func NewChain(filters ...Filter) *Chain {
	kept := make([]Filter, 0, len(filters))
	for _, f := range filters {
		if f != nil {
			kept = append(kept, f)
		}
	}
	return &Chain{filters: kept}
}

// Accept returns false together with the rejecting filter's name.
func (c *Chain) Accept(ev transfer.Event) (bool, string) {
	for _, f := range c.filters {
		if !f.Enabled() {
			continue
		}
		if !f.Accept(ev) {
			return false, f.Name()
		}
	}
	return true, ""
}

// Names lists the enabled filters in evaluation order.
func (c *Chain) Names() []string {
	names := make([]string, 0, len(c.filters))
	for _, f := range c.filters {
		if f.Enabled() {
			names = append(names, f.Name())
		}
	}
	return names
}
