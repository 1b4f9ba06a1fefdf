package collector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"

	"token-sentinel/internal/transfer"
)

const erc20ABIJSON = `[
{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"},
{"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"}
]`

const defaultDecimals = 18

var (
	erc20ABI abi.ABI

	// TransferTopic is keccak256("Transfer(address,address,uint256)").
	TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic("failed to parse ERC-20 ABI: " + err.Error())
	}
	erc20ABI = parsed
}

// errNotTransfer marks logs that share the topic but not the ERC-20 layout (ERC-721 indexes the id).
var errNotTransfer = errors.New("not an erc20 transfer log")

type rawTransfer struct {
	from  common.Address
	to    common.Address
	value *big.Int
}

func decodeTransfer(lg types.Log) (rawTransfer, error) {
	if len(lg.Topics) != 3 || lg.Topics[0] != TransferTopic {
		return rawTransfer{}, errNotTransfer
	}
	outputs, err := erc20ABI.Unpack("Transfer", lg.Data)
	if err != nil {
		return rawTransfer{}, fmt.Errorf("unpack transfer data: %w", err)
	}
	if len(outputs) != 1 {
		return rawTransfer{}, errNotTransfer
	}
	value, ok := outputs[0].(*big.Int)
	if !ok {
		return rawTransfer{}, errors.New("failed to decode transfer value")
	}
	return rawTransfer{
		from:  common.BytesToAddress(lg.Topics[1].Bytes()),
		to:    common.BytesToAddress(lg.Topics[2].Bytes()),
		value: value,
	}, nil
}

// isReverted reports whether the node executed the call and the contract reverted it.
// Transport failures are not reverts and stay retryable.
func isReverted(err error) bool {
	if err == nil {
		return false
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}

// tokenCache resolves symbol and decimals once per contract.
// A contract whose metadata calls revert is cached with an empty symbol and its logs are skipped.
type tokenCache struct {
	reader ChainReader
	logger zerolog.Logger

	mu     sync.Mutex
	tokens map[common.Address]transfer.Token
}

func newTokenCache(reader ChainReader, logger zerolog.Logger) *tokenCache {
	return &tokenCache{reader: reader, logger: logger, tokens: make(map[common.Address]transfer.Token)}
}

func (c *tokenCache) get(ctx context.Context, addr common.Address) (transfer.Token, error) {
	c.mu.Lock()
	tok, ok := c.tokens[addr]
	c.mu.Unlock()
	if ok {
		return tok, nil
	}

	symbol, err := c.symbol(ctx, addr)
	if err == nil {
		var decimals uint8
		decimals, err = c.decimals(ctx, addr)
		tok = transfer.Token{Address: addr, Symbol: symbol, Decimals: decimals}
	}
	switch {
	case isReverted(err):
		c.logger.Warn().Err(err).Str("token", addr.Hex()).Msg("token metadata reverted; its transfers will be skipped")
		tok = transfer.Token{Address: addr, Decimals: defaultDecimals}
	case err != nil:
		return transfer.Token{}, err
	}

	c.mu.Lock()
	c.tokens[addr] = tok
	c.mu.Unlock()
	return tok, nil
}

func (c *tokenCache) call(ctx context.Context, addr common.Address, method string) ([]byte, error) {
	payload, err := erc20ABI.Pack(method)
	if err != nil {
		return nil, err
	}
	return c.reader.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
}

// symbol falls back to bytes32 decoding (MKR style) and finally to the short address.
func (c *tokenCache) symbol(ctx context.Context, addr common.Address) (string, error) {
	res, err := c.call(ctx, addr, "symbol")
	if err != nil {
		return "", fmt.Errorf("call symbol on %s: %w", addr.Hex(), err)
	}
	if outputs, err := erc20ABI.Unpack("symbol", res); err == nil && len(outputs) == 1 {
		if s, ok := outputs[0].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s), nil
		}
	}
	if len(res) == 32 {
		if s := string(bytes.TrimRight(res, "\x00")); s != "" {
			return s, nil
		}
	}
	return transfer.ShortAddress(addr), nil
}

func (c *tokenCache) decimals(ctx context.Context, addr common.Address) (uint8, error) {
	res, err := c.call(ctx, addr, "decimals")
	if err != nil {
		return 0, fmt.Errorf("call decimals on %s: %w", addr.Hex(), err)
	}
	outputs, err := erc20ABI.Unpack("decimals", res)
	if err != nil || len(outputs) != 1 {
		return defaultDecimals, nil
	}
	if d, ok := outputs[0].(uint8); ok {
		return d, nil
	}
	return defaultDecimals, nil
}
