package transfer

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AddressSet is an immutable membership set of addresses.
type AddressSet map[common.Address]struct{}

// ParseAddressSet validates and collects hex addresses.
func ParseAddressSet(values []string) (AddressSet, error) {
	set := make(AddressSet, len(values))
	for _, raw := range values {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !common.IsHexAddress(raw) {
			return nil, fmt.Errorf("invalid address %q", raw)
		}
		set[common.HexToAddress(raw)] = struct{}{}
	}
	return set, nil
}

// Has reports membership.
func (s AddressSet) Has(addr common.Address) bool {
	_, ok := s[addr]
	return ok
}

// Either reports whether the sender or the recipient of ev is in the set.
func (s AddressSet) Either(ev Event) bool {
	return s.Has(ev.From) || s.Has(ev.To)
}

// Union merges sets into a new one.
func Union(sets ...AddressSet) AddressSet {
	out := make(AddressSet)
	for _, set := range sets {
		for addr := range set {
			out[addr] = struct{}{}
		}
	}
	return out
}

// TokenSet matches tokens by contract address or by symbol.
type TokenSet struct {
	addresses AddressSet
	symbols   map[string]struct{}
}

// ParseTokenSet accepts a mix of contract addresses and symbols.
func ParseTokenSet(values []string) TokenSet {
	set := TokenSet{addresses: make(AddressSet), symbols: make(map[string]struct{})}
	for _, raw := range values {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if common.IsHexAddress(raw) {
			set.addresses[common.HexToAddress(raw)] = struct{}{}
			continue
		}
		set.symbols[strings.ToUpper(raw)] = struct{}{}
	}
	return set
}

// Match reports whether the token is watched.
func (s TokenSet) Match(t Token) bool {
	if !t.Native && s.addresses.Has(t.Address) {
		return true
	}
	_, ok := s.symbols[strings.ToUpper(t.Symbol)]
	return ok
}

// Len returns the number of entries.
func (s TokenSet) Len() int {
	return len(s.addresses) + len(s.symbols)
}

// Watchlist groups the watched addresses and tokens.
type Watchlist struct {
	Addresses AddressSet
	Tokens    TokenSet
}

// Touches reports whether ev involves a watched address or token.
func (w Watchlist) Touches(ev Event) bool {
	return w.Addresses.Either(ev) || w.Tokens.Match(ev.Token)
}
