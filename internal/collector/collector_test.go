package collector

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"token-sentinel/internal/alerting"
	"token-sentinel/internal/transfer"
)

var (
	usdtAddr = common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7")
	alice    = common.HexToAddress("0xa11ce00000000000000000000000000000000001")
	bob      = common.HexToAddress("0xb0b0000000000000000000000000000000000002")
	router   = common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D")
	genesis  = uint64(1_700_000_000)
)

type fakeReader struct {
	mu      sync.Mutex
	head    uint64
	logs    []types.Log
	blocks  map[uint64]*types.Block
	txs     map[common.Hash]*types.Transaction
	err     error
	queries []ethereum.FilterQuery

	// callErr fails every contract call for the listed tokens.
	callErr map[common.Address]error
}

func (f *fakeReader) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1), f.err }

func (f *fakeReader) BlockNumber(context.Context) (uint64, error) { return f.head, f.err }

func (f *fakeReader) HeaderByNumber(_ context.Context, n *big.Int) (*types.Header, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &types.Header{Number: n, Time: genesis + n.Uint64()*12}, nil
}

func (f *fakeReader) BlockByNumber(ctx context.Context, n *big.Int) (*types.Block, error) {
	if f.err != nil {
		return nil, f.err
	}
	if b, ok := f.blocks[n.Uint64()]; ok {
		return b, nil
	}
	header, _ := f.HeaderByNumber(ctx, n)
	return types.NewBlockWithHeader(header), nil
}

func (f *fakeReader) TransactionByHash(_ context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	if tx, ok := f.txs[hash]; ok {
		return tx, false, nil
	}
	return nil, false, ethereum.NotFound
}

func (f *fakeReader) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	var out []types.Log
	for _, lg := range f.logs {
		if lg.BlockNumber >= q.FromBlock.Uint64() && lg.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, lg)
		}
	}
	return out, nil
}

func (f *fakeReader) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	if err, ok := f.callErr[*msg.To]; ok {
		return nil, err
	}
	method, err := erc20ABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "symbol":
		return method.Outputs.Pack("USDT")
	case "decimals":
		return method.Outputs.Pack(uint8(6))
	}
	return nil, errors.New("unexpected call")
}

func transferLog(block uint64, index uint, from, to common.Address, units int64) types.Log {
	data, err := erc20ABI.Events["Transfer"].Inputs.NonIndexed().Pack(new(big.Int).Mul(big.NewInt(units), big.NewInt(1_000_000)))
	if err != nil {
		panic(err)
	}
	return types.Log{
		Address:     usdtAddr,
		Topics:      []common.Hash{TransferTopic, common.BytesToHash(from.Bytes()), common.BytesToHash(to.Bytes())},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.BigToHash(big.NewInt(int64(block*1000 + uint64(index)))),
		Index:       index,
	}
}

type recordingSink struct {
	events []transfer.Event
	err    error
}

func (r *recordingSink) Submit(_ context.Context, ev transfer.Event) ([]alerting.Alert, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	if r.err != nil {
		return nil, r.err
	}
	r.events = append(r.events, ev)
	return nil, nil
}

func newTestCollector(reader ChainReader, sink Submitter, cp Checkpoints, mutate func(*Options)) *Collector {
	opts := Options{
		ChainID:          1,
		Name:             "ethereum",
		Tokens:           []common.Address{usdtAddr},
		MaxBlocksPerScan: 5,
		StartBlock:       100,
		Confirmations:    2,
		RequestTimeout:   time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return New(opts, reader, sink, cp, zerolog.Nop())
}

func TestScanDecodesTransfersInBlockOrder(t *testing.T) {
	reader := &fakeReader{
		head: 110,
		logs: []types.Log{
			transferLog(101, 0, alice, bob, 150000),
			transferLog(103, 4, bob, alice, 25),
			transferLog(106, 0, alice, bob, 1),
		},
	}
	sink := &recordingSink{}
	cp := NewMemoryCheckpoints()
	c := newTestCollector(reader, sink, cp, nil)

	more, err := c.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if !more {
		t.Fatal("blocks 105-108 are still pending")
	}
	if len(sink.events) != 2 {
		t.Fatalf("events = %d, want 2 from blocks 100-104", len(sink.events))
	}

	first := sink.events[0]
	if !first.Amount.Equal(decimal.NewFromInt(150000)) || first.Token.Symbol != "USDT" || first.Token.Decimals != 6 {
		t.Fatalf("first event decoded wrong: %+v", first)
	}
	if first.From != alice || first.To != bob {
		t.Fatalf("addresses decoded wrong: %s -> %s", first.From.Hex(), first.To.Hex())
	}
	if want := time.Unix(int64(genesis+101*12), 0).UTC(); !first.Timestamp.Equal(want) {
		t.Fatalf("timestamp = %s, want %s", first.Timestamp, want)
	}

	saved, ok, _ := cp.GetCheckpoint(context.Background(), 1)
	if !ok || saved.LastBlock != 104 {
		t.Fatalf("checkpoint = %+v ok=%v", saved, ok)
	}

	more, err = c.Scan(context.Background())
	if err != nil || more {
		t.Fatalf("second scan: more=%v err=%v", more, err)
	}
	if len(sink.events) != 3 || c.Next() != 109 {
		t.Fatalf("after catch-up events=%d next=%d", len(sink.events), c.Next())
	}
}

func TestScanResumesFromCheckpoint(t *testing.T) {
	reader := &fakeReader{head: 300}
	cp := NewMemoryCheckpoints()
	_ = cp.SetCheckpoint(context.Background(), 1, 200)

	c := newTestCollector(reader, &recordingSink{}, cp, nil)
	if _, err := c.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(reader.queries) != 1 || reader.queries[0].FromBlock.Uint64() != 201 {
		t.Fatalf("queries = %+v", reader.queries)
	}
}

func TestScanStartsAtHeadWithoutStartBlock(t *testing.T) {
	reader := &fakeReader{head: 500}
	c := newTestCollector(reader, &recordingSink{}, nil, func(o *Options) { o.StartBlock = 0 })
	if _, err := c.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if reader.queries[0].FromBlock.Uint64() != 498 {
		t.Fatalf("from = %d, want safe head 498", reader.queries[0].FromBlock.Uint64())
	}
}

func TestScanSkipsNonERC20Logs(t *testing.T) {
	nft := transferLog(101, 0, alice, bob, 1)
	nft.Topics = append(nft.Topics, common.BigToHash(big.NewInt(7)))
	nft.Data = nil
	removed := transferLog(101, 1, alice, bob, 1)
	removed.Removed = true

	reader := &fakeReader{head: 104, logs: []types.Log{nft, removed}}
	sink := &recordingSink{}
	c := newTestCollector(reader, sink, nil, nil)
	if _, err := c.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(sink.events) != 0 {
		t.Fatalf("events = %+v", sink.events)
	}
}

func TestScanMarksRouterCalls(t *testing.T) {
	key, _ := crypto.GenerateKey()
	signer := types.LatestSignerForChainID(big.NewInt(1))
	tx, err := types.SignTx(types.NewTx(&types.LegacyTx{Nonce: 1, To: &router, Gas: 21000, GasPrice: big.NewInt(1), Data: []byte{1, 2, 3, 4}}), signer, key)
	if err != nil {
		t.Fatalf("SignTx: %v", err)
	}
	lg := transferLog(101, 0, alice, bob, 10)
	lg.TxHash = tx.Hash()

	reader := &fakeReader{head: 104, logs: []types.Log{lg}, txs: map[common.Hash]*types.Transaction{tx.Hash(): tx}}
	sink := &recordingSink{}
	c := newTestCollector(reader, sink, nil, func(o *Options) {
		o.DetectContractCalls = true
		o.DEXRouters = transfer.AddressSet{router: {}}
	})
	if _, err := c.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(sink.events) != 1 || !sink.events[0].ViaDEX || !sink.events[0].ContractInteraction {
		t.Fatalf("events = %+v", sink.events)
	}
}

func TestScanNativeTransfers(t *testing.T) {
	key, _ := crypto.GenerateKey()
	sender := crypto.PubkeyToAddress(key.PublicKey)
	signer := types.LatestSignerForChainID(big.NewInt(1))
	oneEth := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

	value, err := types.SignTx(types.NewTx(&types.LegacyTx{Nonce: 0, To: &bob, Value: oneEth, Gas: 21000, GasPrice: big.NewInt(1)}), signer, key)
	if err != nil {
		t.Fatalf("SignTx: %v", err)
	}
	zero, _ := types.SignTx(types.NewTx(&types.LegacyTx{Nonce: 1, To: &bob, Value: big.NewInt(0), Gas: 21000, GasPrice: big.NewInt(1)}), signer, key)

	header := &types.Header{Number: big.NewInt(102), Time: genesis + 102*12}
	block := types.NewBlockWithHeader(header).WithBody(types.Body{Transactions: types.Transactions{value, zero}})

	reader := &fakeReader{head: 104, blocks: map[uint64]*types.Block{102: block}}
	sink := &recordingSink{}
	c := newTestCollector(reader, sink, nil, func(o *Options) {
		o.Tokens = nil
		o.IncludeNative = true
	})
	if _, err := c.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(sink.events) != 1 {
		t.Fatalf("events = %d, want only the value-bearing transfer", len(sink.events))
	}
	ev := sink.events[0]
	if !ev.Token.Native || ev.Token.Symbol != "ETH" || ev.From != sender || !ev.Amount.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("native event = %+v", ev)
	}
	if ev.TokenKey() != "1:native" {
		t.Fatalf("token key = %s", ev.TokenKey())
	}
}

func TestScanKeepsCheckpointOnFailure(t *testing.T) {
	reader := &fakeReader{head: 110, logs: []types.Log{transferLog(101, 0, alice, bob, 1)}}
	cp := NewMemoryCheckpoints()
	c := newTestCollector(reader, &recordingSink{err: errors.New("pipeline closed")}, cp, nil)

	if _, err := c.Scan(context.Background()); err == nil {
		t.Fatal("submit failure must surface")
	}
	if _, ok, _ := cp.GetCheckpoint(context.Background(), 1); ok {
		t.Fatal("checkpoint must not advance past unsubmitted events")
	}
	if c.Next() != 100 {
		t.Fatalf("next = %d, want 100", c.Next())
	}
}

type revertError struct{}

func (revertError) Error() string          { return "execution reverted" }
func (revertError) ErrorData() interface{} { return "0x" }

func TestScanSkipsTokenWithRevertingMetadata(t *testing.T) {
	broken := common.HexToAddress("0x1111111111111111111111111111111111111111")
	bad := transferLog(101, 0, alice, bob, 500)
	bad.Address = broken

	for name, callErr := range map[string]error{
		"rpc data error":   revertError{},
		"reverted message": errors.New("call failed: execution reverted: not implemented"),
	} {
		t.Run(name, func(t *testing.T) {
			reader := &fakeReader{
				head: 106,
				logs: []types.Log{
					transferLog(100, 0, alice, bob, 10),
					bad,
					transferLog(102, 0, bob, alice, 20),
				},
				callErr: map[common.Address]error{broken: callErr},
			}
			sink := &recordingSink{}
			cp := NewMemoryCheckpoints()
			c := newTestCollector(reader, sink, cp, func(o *Options) { o.Tokens = append(o.Tokens, broken) })

			if _, err := c.Scan(context.Background()); err != nil {
				t.Fatalf("Scan: %v", err)
			}
			if len(sink.events) != 2 || sink.events[0].BlockNumber != 100 || sink.events[1].BlockNumber != 102 {
				t.Fatalf("events = %+v, want the two USDT transfers", sink.events)
			}
			saved, ok, _ := cp.GetCheckpoint(context.Background(), 1)
			if !ok || saved.LastBlock != 104 {
				t.Fatalf("checkpoint = %+v ok=%v, want 104", saved, ok)
			}
		})
	}
}

func TestScanRetriesTokenMetadataTransportErrors(t *testing.T) {
	reader := &fakeReader{
		head:    106,
		logs:    []types.Log{transferLog(101, 0, alice, bob, 10)},
		callErr: map[common.Address]error{usdtAddr: errors.New("dial tcp: connection reset by peer")},
	}
	sink := &recordingSink{}
	cp := NewMemoryCheckpoints()
	c := newTestCollector(reader, sink, cp, nil)

	if _, err := c.Scan(context.Background()); err == nil {
		t.Fatal("transport failure must surface")
	}
	if _, ok, _ := cp.GetCheckpoint(context.Background(), 1); ok {
		t.Fatal("checkpoint must not advance")
	}

	reader.callErr = nil
	if _, err := c.Scan(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(sink.events) != 1 || sink.events[0].Token.Symbol != "USDT" {
		t.Fatalf("events = %+v, want the resolved transfer", sink.events)
	}
}

func TestFailoverStopsOnRevert(t *testing.T) {
	first := &fakeReader{callErr: map[common.Address]error{usdtAddr: revertError{}}}
	second := &fakeReader{}
	f := NewFailover(zerolog.Nop(), first, second)

	payload, _ := erc20ABI.Pack("symbol")
	if _, err := f.CallContract(context.Background(), ethereum.CallMsg{To: &usdtAddr, Data: payload}, nil); !isReverted(err) {
		t.Fatalf("err = %v, want the revert", err)
	}
	if f.current != 0 {
		t.Fatal("a revert is not an endpoint failure")
	}
}

func TestFailoverSwitchesEndpoint(t *testing.T) {
	broken := &fakeReader{err: errors.New("connection refused")}
	healthy := &fakeReader{head: 42}
	f := NewFailover(zerolog.Nop(), broken, healthy)

	head, err := f.BlockNumber(context.Background())
	if err != nil || head != 42 {
		t.Fatalf("head=%d err=%v", head, err)
	}
	if f.current != 1 {
		t.Fatalf("current = %d, want sticky switch to 1", f.current)
	}

	healthy.err = errors.New("down too")
	if _, err := f.BlockNumber(context.Background()); err == nil {
		t.Fatal("all endpoints failing should return an error")
	}
}

func TestReplay(t *testing.T) {
	input := strings.Join([]string{
		`# captured from mainnet`,
		`{"chain_id":1,"tx_hash":"` + common.BigToHash(big.NewInt(1)).Hex() + `","block_number":5,"timestamp":"2024-01-01T00:00:00Z","from":"` + alice.Hex() + `","to":"` + bob.Hex() + `","token":{"address":"` + usdtAddr.Hex() + `","symbol":"USDT","decimals":6},"amount":"150000"}`,
		``,
		`not json`,
		`{"chain_id":1,"tx_hash":"` + common.BigToHash(big.NewInt(2)).Hex() + `","timestamp":"2024-01-01T00:00:10Z","from":"` + alice.Hex() + `","to":"` + bob.Hex() + `","token":{"address":"` + usdtAddr.Hex() + `","symbol":"USDT","decimals":6},"amount":"-1"}`,
	}, "\n")

	sink := &recordingSink{}
	summary, err := Replay(context.Background(), strings.NewReader(input), sink, zerolog.Nop())
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if summary.Lines != 5 || summary.Events != 1 || summary.Malformed != 2 {
		t.Fatalf("summary = %+v", summary)
	}
	if !sink.events[0].Amount.Equal(decimal.NewFromInt(150000)) {
		t.Fatalf("amount = %s", sink.events[0].Amount)
	}
}

func TestParseTokens(t *testing.T) {
	if _, err := ParseTokens([]string{"0xzz"}); err == nil {
		t.Fatal("invalid address accepted")
	}
	got, err := ParseTokens([]string{" " + usdtAddr.Hex() + " "})
	if err != nil || len(got) != 1 || got[0] != usdtAddr {
		t.Fatalf("got %v err %v", got, err)
	}
}

func TestBackfillLeavesCheckpointAlone(t *testing.T) {
	reader := &fakeReader{
		head: 1000,
		logs: []types.Log{
			transferLog(10, 0, alice, bob, 1),
			transferLog(12, 0, alice, bob, 2),
			transferLog(30, 0, alice, bob, 3),
		},
	}
	sink := &recordingSink{}
	cp := NewMemoryCheckpoints()
	c := newTestCollector(reader, sink, cp, nil)

	summary, err := c.Backfill(context.Background(), 10, 21)
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if summary.Blocks != 12 || summary.Events != 2 {
		t.Fatalf("summary = %+v", summary)
	}
	if len(reader.queries) != 3 {
		t.Fatalf("queries = %d, want chunks 10-14, 15-19, 20-21", len(reader.queries))
	}
	if _, ok, _ := cp.GetCheckpoint(context.Background(), 1); ok {
		t.Fatal("backfill must not move the live checkpoint")
	}
	if _, err := c.Backfill(context.Background(), 5, 4); err == nil {
		t.Fatal("inverted range accepted")
	}
}
