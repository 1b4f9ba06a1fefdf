package threshold

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultKey names the fallback entry of the threshold map.
const DefaultKey = "DEFAULT"

// Table resolves the significance threshold of a token symbol.
type Table struct {
	symbols     map[string]decimal.Decimal
	fallback    decimal.Decimal
	stablecoin  decimal.Decimal
	stablecoins map[string]struct{}
}

// New builds a table. The symbol map must carry a DEFAULT entry; keys are matched case-insensitively.
// A zero stablecoin threshold disables the stablecoin class.
func New(symbols map[string]float64, stablecoin float64, stablecoins []string) (*Table, error) {
	t := &Table{
		symbols:     make(map[string]decimal.Decimal, len(symbols)),
		stablecoins: make(map[string]struct{}, len(stablecoins)),
	}

	for symbol, value := range symbols {
		if value <= 0 {
			return nil, fmt.Errorf("threshold for %s must be greater than zero", symbol)
		}
		t.symbols[strings.ToUpper(strings.TrimSpace(symbol))] = decimal.NewFromFloat(value)
	}

	fallback, ok := t.symbols[DefaultKey]
	if !ok {
		return nil, fmt.Errorf("threshold map requires a %s entry", DefaultKey)
	}
	t.fallback = fallback
	delete(t.symbols, DefaultKey)

	if stablecoin < 0 {
		return nil, fmt.Errorf("stablecoin threshold cannot be negative")
	}
	t.stablecoin = decimal.NewFromFloat(stablecoin)
	for _, symbol := range stablecoins {
		t.stablecoins[strings.ToUpper(strings.TrimSpace(symbol))] = struct{}{}
	}

	return t, nil
}

// Lookup 按 精确符号 → 稳定币类别 → DEFAULT 的顺序取阈值。
func (t *Table) Lookup(symbol string) decimal.Decimal {
	key := strings.ToUpper(symbol)
	if v, ok := t.symbols[key]; ok {
		return v
	}
	if t.stablecoin.IsPositive() {
		if _, ok := t.stablecoins[key]; ok {
			return t.stablecoin
		}
	}
	return t.fallback
}
