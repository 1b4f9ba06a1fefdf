package detector

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"token-sentinel/internal/alerting"
	"token-sentinel/internal/threshold"
	"token-sentinel/internal/transfer"
)

var (
	t0   = time.Unix(1_700_000_000, 0).UTC()
	usdt = transfer.Token{Address: common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7"), Symbol: "USDT", Decimals: 6}
	weth = transfer.Token{Address: common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"), Symbol: "WETH", Decimals: 18}
	dai  = transfer.Token{Address: common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F"), Symbol: "DAI", Decimals: 18}
)

func addr(n int) common.Address {
	return common.BigToAddress(big.NewInt(int64(0x1000 + n)))
}

func xfer(from, to common.Address, token transfer.Token, amount int64, at time.Duration) transfer.Event {
	return transfer.Event{
		ChainID:   1,
		TxHash:    common.BytesToHash([]byte(fmt.Sprintf("%s-%s-%s", from.Hex(), to.Hex(), at))),
		Timestamp: t0.Add(at),
		From:      from,
		To:        to,
		Token:     token,
		Amount:    decimal.NewFromInt(amount),
	}
}

func detect(t *testing.T, d Detector, ev transfer.Event) *alerting.Alert {
	t.Helper()
	alert, err := d.Detect(context.Background(), ev)
	if err != nil {
		t.Fatalf("%s: unexpected error: %v", d.Name(), err)
	}
	return alert
}

func TestSignificantTransfer(t *testing.T) {
	table, err := threshold.New(map[string]float64{"USDT": 100000, "DEFAULT": 500}, 0, nil)
	if err != nil {
		t.Fatalf("threshold: %v", err)
	}
	d := NewSignificantTransfer(true, table)
	a, b := addr(1), addr(2)

	alert := detect(t, d, xfer(a, b, usdt, 150000, 0))
	if alert == nil {
		t.Fatal("150000 USDT 应触发告警")
	}
	if alert.Severity != alerting.SeverityWarning {
		t.Fatalf("severity = %s", alert.Severity)
	}
	if !strings.Contains(alert.EntityKey, "1:"+usdt.ID()) {
		t.Fatalf("entity key should be token scoped: %s", alert.EntityKey)
	}

	if alert := detect(t, d, xfer(a, b, usdt, 99999, time.Second)); alert != nil {
		t.Fatal("below threshold should not alert")
	}
	if alert := detect(t, d, xfer(a, b, weth, 500, time.Second)); alert == nil {
		t.Fatal("DEFAULT threshold applies to unknown symbols")
	}
	if alert := detect(t, d, xfer(a, b, usdt, 1_000_000, time.Second)); alert == nil || alert.Severity != alerting.SeverityCritical {
		t.Fatal("ten times the threshold is critical")
	}
}

func TestWatchedDetectors(t *testing.T) {
	watched := addr(7)
	da := NewWatchedAddress(true, transfer.AddressSet{watched: {}})
	if alert := detect(t, da, xfer(addr(1), watched, usdt, 1, 0)); alert == nil || alert.Data["role"] != "recipient" {
		t.Fatalf("watched recipient should alert: %+v", alert)
	}
	if alert := detect(t, da, xfer(addr(1), addr(2), usdt, 1, 0)); alert != nil {
		t.Fatal("unrelated transfer should not alert")
	}
	if NewWatchedAddress(true, nil).Enabled() {
		t.Fatal("empty watch list disables the detector")
	}

	dt := NewWatchedToken(true, transfer.ParseTokenSet([]string{"weth"}))
	if alert := detect(t, dt, xfer(addr(1), addr(2), weth, 1, 0)); alert == nil {
		t.Fatal("watched token should alert")
	}
	if alert := detect(t, dt, xfer(addr(1), addr(2), usdt, 1, 0)); alert != nil {
		t.Fatal("USDT is not watched")
	}
}

func TestHighFrequencyAbstainsWithSinglePopulation(t *testing.T) {
	d := NewHighFrequency(HighFrequencyOptions{Enabled: true, WindowSize: 50, MinTransfers: 2, Threshold: 0})
	self := addr(1)
	for i := 0; i < 40; i++ {
		if alert := detect(t, d, xfer(self, self, usdt, 1, time.Duration(i)*time.Second)); alert != nil {
			t.Fatalf("单一地址时不应告警 (i=%d)", i)
		}
	}
	if d.Tracked() != 1 {
		t.Fatalf("tracked = %d", d.Tracked())
	}
}

func TestHighFrequencyFlagsOutlier(t *testing.T) {
	d := NewHighFrequency(HighFrequencyOptions{Enabled: true, WindowSize: 50, MinTransfers: 5, Threshold: 2})

	for i := 0; i < 8; i++ {
		ev := xfer(addr(10+i), addr(30+i), usdt, 1, time.Duration(i)*time.Second)
		if alert := detect(t, d, ev); alert != nil {
			t.Fatalf("background traffic should not alert: %+v", alert)
		}
	}

	x, y := addr(1), addr(2)
	var flagged *alerting.Alert
	for i := 0; i < 10; i++ {
		if alert := detect(t, d, xfer(x, y, usdt, 1, 10*time.Second+time.Duration(i)*time.Second)); alert != nil {
			flagged = alert
			break
		}
	}
	if flagged == nil {
		t.Fatal("burst of transfers should be flagged")
	}
	if flagged.EntityKey != transfer.AddressKey(1, x) {
		t.Fatalf("ties go to the sender, got %s", flagged.EntityKey)
	}
}

func TestHighFrequencyEvictsIdleAddresses(t *testing.T) {
	d := NewHighFrequency(HighFrequencyOptions{Enabled: true, MinTransfers: 1, IdleTTL: time.Minute})
	detect(t, d, xfer(addr(1), addr(2), usdt, 1, 0))
	detect(t, d, xfer(addr(3), addr(4), usdt, 1, 2*time.Minute))
	if d.Tracked() != 2 {
		t.Fatalf("tracked = %d, want 2", d.Tracked())
	}
}

func TestWashTradingCycle(t *testing.T) {
	x, y, z := addr(1), addr(2), addr(3)
	d := NewWashTrading(WashTradingOptions{Enabled: true, Window: 60 * time.Second, CycleLength: 3})

	if alert := detect(t, d, xfer(x, y, usdt, 100, 0)); alert != nil {
		t.Fatal("single hop is not a cycle")
	}
	if alert := detect(t, d, xfer(y, z, usdt, 100, 20*time.Second)); alert != nil {
		t.Fatal("open path is not a cycle")
	}
	alert := detect(t, d, xfer(z, x, usdt, 100, 40*time.Second))
	if alert == nil {
		t.Fatal("X→Y→Z→X within the window should alert")
	}
	if alert.Data["hops"] != 3 {
		t.Fatalf("hops = %v", alert.Data["hops"])
	}
	route, _ := alert.Data["cycle"].(string)
	if strings.Count(route, "->") != 3 || !strings.HasPrefix(route, transfer.ShortAddress(x)) {
		t.Fatalf("cycle route = %q", route)
	}
}

func TestWashTradingWindowShift(t *testing.T) {
	x, y, z := addr(1), addr(2), addr(3)
	d := NewWashTrading(WashTradingOptions{Enabled: true, Window: 60 * time.Second, CycleLength: 3})

	detect(t, d, xfer(x, y, usdt, 100, 0))
	detect(t, d, xfer(y, z, usdt, 100, 20*time.Second))
	if alert := detect(t, d, xfer(z, x, usdt, 100, 61*time.Second)); alert != nil {
		t.Fatal("first hop left the window; no alert expected")
	}
}

func TestWashTradingIsPerToken(t *testing.T) {
	x, y, z := addr(1), addr(2), addr(3)
	d := NewWashTrading(WashTradingOptions{Enabled: true, Window: time.Minute, CycleLength: 3})

	detect(t, d, xfer(x, y, usdt, 100, 0))
	detect(t, d, xfer(y, z, usdt, 100, time.Second))
	if alert := detect(t, d, xfer(z, x, dai, 100, 2*time.Second)); alert != nil {
		t.Fatal("cycle across different tokens is not wash trading")
	}
}

func TestWashTradingShortCycleBelowThreshold(t *testing.T) {
	x, y := addr(1), addr(2)
	d := NewWashTrading(WashTradingOptions{Enabled: true, Window: time.Minute, CycleLength: 3})
	detect(t, d, xfer(x, y, usdt, 100, 0))
	if alert := detect(t, d, xfer(y, x, usdt, 100, time.Second)); alert != nil {
		t.Fatal("two-hop round trip is below circular_transfer_threshold")
	}
}

func TestMultiHop(t *testing.T) {
	a, b, c, e := addr(1), addr(2), addr(3), addr(4)
	d := NewMultiHop(MultiHopOptions{Enabled: true, Window: time.Minute, MinAddresses: 3, MinTokens: 2})

	if alert := detect(t, d, xfer(a, b, usdt, 100, 0)); alert != nil {
		t.Fatal("one hop is not multi-hop")
	}
	alert := detect(t, d, xfer(b, c, weth, 1, 5*time.Second))
	if alert == nil {
		t.Fatal("A→B (USDT), B→C (WETH) spans 3 addresses and 2 tokens")
	}
	if alert.EntityKey != transfer.AddressKey(1, a) {
		t.Fatalf("entity should be the path origin, got %s", alert.EntityKey)
	}

	if alert := detect(t, d, xfer(c, e, weth, 1, 2*time.Minute)); alert != nil {
		t.Fatal("hop outside the window must not extend stale paths")
	}
	if d.OpenPaths() != 1 {
		t.Fatalf("open paths = %d, want 1", d.OpenPaths())
	}
}

func TestMultiHopSingleTokenBelowMinTokens(t *testing.T) {
	a, b, c := addr(1), addr(2), addr(3)
	d := NewMultiHop(MultiHopOptions{Enabled: true, Window: time.Minute, MinAddresses: 3, MinTokens: 2})
	detect(t, d, xfer(a, b, usdt, 100, 0))
	if alert := detect(t, d, xfer(b, c, usdt, 100, time.Second)); alert != nil {
		t.Fatal("single-token path should not alert with min_tokens=2")
	}
}

func TestContinuousFlowAccumulation(t *testing.T) {
	target := addr(99)
	d := NewContinuousFlow(ContinuousFlowOptions{Enabled: true, Window: time.Hour, MinTransfers: 10, DirectionThreshold: 0.8})

	var alert *alerting.Alert
	for i := 0; i < 10; i++ {
		alert = detect(t, d, xfer(addr(i+1), target, usdt, 100, time.Duration(i)*time.Minute))
		if i < 9 && alert != nil {
			t.Fatalf("alert before min_transfers reached (i=%d)", i)
		}
	}
	if alert == nil {
		t.Fatal("10 inbound transfers should raise an accumulation alert")
	}
	if alert.Data["direction"] != FlowAccumulation {
		t.Fatalf("direction = %v", alert.Data["direction"])
	}
	if alert.Data["address"] != target.Hex() {
		t.Fatalf("address = %v", alert.Data["address"])
	}
}

func TestContinuousFlowMixedDirection(t *testing.T) {
	target := addr(99)
	d := NewContinuousFlow(ContinuousFlowOptions{Enabled: true, Window: time.Hour, MinTransfers: 4, DirectionThreshold: 0.8})
	detect(t, d, xfer(addr(1), target, usdt, 100, 0))
	detect(t, d, xfer(target, addr(2), usdt, 100, time.Minute))
	detect(t, d, xfer(addr(3), target, usdt, 100, 2*time.Minute))
	if alert := detect(t, d, xfer(target, addr(4), usdt, 100, 3*time.Minute)); alert != nil {
		t.Fatalf("balanced flow should not alert: %+v", alert)
	}
}

func TestContinuousFlowDistribution(t *testing.T) {
	source := addr(50)
	d := NewContinuousFlow(ContinuousFlowOptions{Enabled: true, Window: time.Hour, MinTransfers: 3, DirectionThreshold: 0.9})
	var alert *alerting.Alert
	for i := 0; i < 3; i++ {
		alert = detect(t, d, xfer(source, addr(60+i), dai, 10, time.Duration(i)*time.Second))
	}
	if alert == nil || alert.Data["direction"] != FlowDistribution {
		t.Fatalf("expected distribution alert, got %+v", alert)
	}
}

func TestPeriodicTransfer(t *testing.T) {
	sender := addr(5)
	d := NewPeriodicTransfer(PeriodicTransferOptions{Enabled: true, Window: 24 * time.Hour, MinTransfers: 4, MaxVariation: 0.1})

	var alert *alerting.Alert
	for i := 0; i < 4; i++ {
		alert = detect(t, d, xfer(sender, addr(6), usdt, 10, time.Duration(i)*time.Hour))
	}
	if alert == nil {
		t.Fatal("hourly transfers should be flagged as periodic")
	}

	irregular := NewPeriodicTransfer(PeriodicTransferOptions{Enabled: true, Window: 24 * time.Hour, MinTransfers: 4, MaxVariation: 0.1})
	offsets := []time.Duration{0, time.Minute, 3 * time.Hour, 3*time.Hour + 5*time.Minute}
	for _, off := range offsets {
		alert = detect(t, irregular, xfer(sender, addr(6), usdt, 10, off))
	}
	if alert != nil {
		t.Fatal("irregular intervals should not alert")
	}
}

func TestContinuousFlowFirstAlertAtMinTransfers(t *testing.T) {
	target := addr(99)
	d := NewContinuousFlow(ContinuousFlowOptions{Enabled: true, Window: time.Hour, MinTransfers: 3, DirectionThreshold: 0.8})

	first := -1
	for i := 0; i < 10; i++ {
		alert := detect(t, d, xfer(addr(i+1), target, usdt, 100, time.Duration(i)*time.Minute))
		if alert != nil && first < 0 {
			first = i
			if alert.Data["direction"] != FlowAccumulation || alert.Data["address"] != target.Hex() {
				t.Fatalf("unexpected alert %+v", alert.Data)
			}
		}
	}
	if first != 2 {
		t.Fatalf("first accumulation alert on transfer %d, want the 3rd", first+1)
	}
}

// on moves an event to another chain.
func on(chainID uint64, ev transfer.Event) transfer.Event {
	ev.ChainID = chainID
	return ev
}

// farAhead is a chain 1 event two hours past t0, used to advance one chain's clock.
func farAhead() transfer.Event {
	return on(1, xfer(addr(500), addr(501), weth, 1, 2*time.Hour))
}

func TestContinuousFlowChainsDoNotEvictEachOther(t *testing.T) {
	target := addr(99)
	d := NewContinuousFlow(ContinuousFlowOptions{Enabled: true, Window: time.Hour, MinTransfers: 3, DirectionThreshold: 0.8})

	detect(t, d, on(56, xfer(addr(1), target, usdt, 100, 0)))
	detect(t, d, on(56, xfer(addr(2), target, usdt, 100, 10*time.Second)))
	detect(t, d, farAhead())
	alert := detect(t, d, on(56, xfer(addr(3), target, usdt, 100, 20*time.Second)))
	if alert == nil {
		t.Fatal("chain 56 flow was evicted by chain 1 time")
	}
	if alert.EntityKey != transfer.AddressKey(56, target)+":"+usdt.ID()+":"+FlowAccumulation {
		t.Fatalf("entity = %s", alert.EntityKey)
	}
}

func TestWashTradingChainsDoNotEvictEachOther(t *testing.T) {
	x, y, z := addr(1), addr(2), addr(3)
	d := NewWashTrading(WashTradingOptions{Enabled: true, Window: time.Minute, CycleLength: 3})

	detect(t, d, on(56, xfer(x, y, usdt, 100, 0)))
	detect(t, d, on(56, xfer(y, z, usdt, 100, 10*time.Second)))
	detect(t, d, farAhead())
	if alert := detect(t, d, on(56, xfer(z, x, usdt, 100, 20*time.Second))); alert == nil {
		t.Fatal("chain 56 cycle X→Y→Z→X lost after a chain 1 event")
	}
}

func TestWashTradingCycleDoesNotSpanChains(t *testing.T) {
	x, y, z := addr(1), addr(2), addr(3)
	d := NewWashTrading(WashTradingOptions{Enabled: true, Window: time.Minute, CycleLength: 3})

	detect(t, d, on(56, xfer(x, y, usdt, 100, 0)))
	detect(t, d, on(56, xfer(y, z, usdt, 100, time.Second)))
	if alert := detect(t, d, on(1, xfer(z, x, usdt, 100, 2*time.Second))); alert != nil {
		t.Fatal("hops on different chains must not close a cycle")
	}
}

func TestMultiHopChainsDoNotEvictEachOther(t *testing.T) {
	a, b, c := addr(1), addr(2), addr(3)
	d := NewMultiHop(MultiHopOptions{Enabled: true, Window: time.Minute, MinAddresses: 3, MinTokens: 2})

	detect(t, d, on(56, xfer(a, b, usdt, 100, 0)))
	detect(t, d, farAhead())
	if alert := detect(t, d, on(56, xfer(b, c, weth, 1, 5*time.Second))); alert == nil {
		t.Fatal("chain 56 path lost after a chain 1 event")
	}
}

func TestHighFrequencyChainsDoNotEvictEachOther(t *testing.T) {
	d := NewHighFrequency(HighFrequencyOptions{Enabled: true, MinTransfers: 1, IdleTTL: time.Hour})
	detect(t, d, on(56, xfer(addr(1), addr(2), usdt, 1, 0)))
	detect(t, d, farAhead())
	if d.Tracked() != 4 {
		t.Fatalf("tracked = %d, want 4", d.Tracked())
	}
}

func TestPeriodicTransferChainsDoNotEvictEachOther(t *testing.T) {
	sender := addr(5)
	d := NewPeriodicTransfer(PeriodicTransferOptions{Enabled: true, Window: time.Hour, MinTransfers: 4, MaxVariation: 0.1})

	for i := 0; i < 3; i++ {
		detect(t, d, on(56, xfer(sender, addr(6), usdt, 10, time.Duration(i)*time.Minute)))
	}
	detect(t, d, farAhead())
	if alert := detect(t, d, on(56, xfer(sender, addr(6), usdt, 10, 3*time.Minute))); alert == nil {
		t.Fatal("chain 56 schedule lost after a chain 1 event")
	}
}
