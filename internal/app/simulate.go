package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"token-sentinel/internal/alerting"
	"token-sentinel/internal/transfer"
)

// SimulateAlert 构造一条模拟告警，同步发送到所有已启用的通道，用于验证通道配置。
func (a *App) SimulateAlert(ctx context.Context, symbol string, amount decimal.Decimal) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	notifiers, closeExecs, err := a.newNotifiers(store)
	if err != nil {
		return err
	}
	defer closeExecs()
	if len(notifiers) == 0 {
		return errors.New("no executors enabled")
	}

	alert := simulatedAlert(symbol, amount, time.Now().UTC())

	var failed int
	for _, n := range notifiers {
		callCtx, cancel := context.WithTimeout(ctx, a.Config.Pipeline.NotifyTimeout)
		err := n.Notify(callCtx, alert)
		cancel()
		if err != nil {
			failed++
			a.Logger.Error().Err(err).Str("executor", n.Name()).Msg("simulated alert delivery failed")
			continue
		}
		a.Logger.Info().Str("executor", n.Name()).Str("alert_id", alert.ID).Msg("simulated alert delivered")
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d executors failed", failed, len(notifiers))
	}
	return nil
}

func simulatedAlert(symbol string, amount decimal.Decimal, at time.Time) alerting.Alert {
	ev := transfer.Event{
		ChainID:   1,
		Timestamp: at,
		From:      common.HexToAddress("0x000000000000000000000000000000000000dEaD"),
		To:        common.HexToAddress("0x000000000000000000000000000000000000bEEF"),
		Token:     transfer.Token{Native: true, Symbol: symbol, Decimals: 18},
		Amount:    amount,
	}
	alert := alerting.NewAlert("simulated", "simulated:"+ev.AddressKey(ev.From), ev)
	alert.Severity = alerting.SeverityInfo
	alert.Title = fmt.Sprintf("Simulated %s alert", symbol)
	alert.Message = fmt.Sprintf("%s %s from %s to %s (test message, no action needed)",
		amount.String(), symbol, transfer.ShortAddress(ev.From), transfer.ShortAddress(ev.To))
	alert.Data["simulated"] = true
	return alert
}
