package transfer

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ErrMalformed marks events that fail validation and must not reach filters or detectors.
var ErrMalformed = errors.New("transfer: malformed event")

// NativeKey identifies the chain's native coin in token-scoped keys.
const NativeKey = "native"

// Token describes the asset moved by a transfer.
type Token struct {
	Address  common.Address `json:"address"`
	Native   bool           `json:"native"`
	Symbol   string         `json:"symbol"`
	Decimals uint8          `json:"decimals"`
}

// ID returns the chain-local identity of the token.
func (t Token) ID() string {
	if t.Native {
		return NativeKey
	}
	return strings.ToLower(t.Address.Hex())
}

// Event 是一次已归一化的链上转账记录，构造后不可修改。
type Event struct {
	ChainID             uint64          `json:"chain_id"`
	TxHash              common.Hash     `json:"tx_hash"`
	LogIndex            uint            `json:"log_index"`
	BlockNumber         uint64          `json:"block_number"`
	Timestamp           time.Time       `json:"timestamp"`
	From                common.Address  `json:"from"`
	To                  common.Address  `json:"to"`
	Token               Token           `json:"token"`
	Amount              decimal.Decimal `json:"amount"`
	ViaDEX              bool            `json:"via_dex"`
	ContractInteraction bool            `json:"contract_interaction"`
}

// Validate rejects events the engine cannot reason about.
func (e Event) Validate() error {
	switch {
	case e.Amount.IsNegative():
		return fmt.Errorf("%w: negative amount %s", ErrMalformed, e.Amount.String())
	case e.Timestamp.IsZero():
		return fmt.Errorf("%w: missing timestamp", ErrMalformed)
	case strings.TrimSpace(e.Token.Symbol) == "":
		return fmt.Errorf("%w: missing token symbol", ErrMalformed)
	case !e.Token.Native && e.Token.Address == (common.Address{}):
		return fmt.Errorf("%w: token %s has no contract address", ErrMalformed, e.Token.Symbol)
	}
	return nil
}

// TokenKey scopes the token to its chain.
func (e Event) TokenKey() string {
	return fmt.Sprintf("%d:%s", e.ChainID, e.Token.ID())
}

// AddressKey scopes an address to the event's chain.
func (e Event) AddressKey(addr common.Address) string {
	return AddressKey(e.ChainID, addr)
}

// Ref renders a short human reference for logs and alert text.
func (e Event) Ref() string {
	return fmt.Sprintf("%d/%s#%d", e.ChainID, e.TxHash.Hex(), e.LogIndex)
}

// AddressKey builds the chain-qualified key of an address.
func AddressKey(chainID uint64, addr common.Address) string {
	return fmt.Sprintf("%d:%s", chainID, strings.ToLower(addr.Hex()))
}

// ShortAddress abbreviates an address for alert text.
func ShortAddress(addr common.Address) string {
	hex := addr.Hex()
	return hex[:6] + "..." + hex[len(hex)-4:]
}
