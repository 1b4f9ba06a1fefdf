package detector

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"token-sentinel/internal/alerting"
	"token-sentinel/internal/threshold"
	"token-sentinel/internal/transfer"
)

var criticalMultiple = decimal.NewFromInt(10)

// SignificantTransfer flags transfers at or above the token's threshold.
type SignificantTransfer struct {
	enabled    bool
	thresholds *threshold.Table
}

// NewSignificantTransfer builds the detector around the shared threshold table.
func NewSignificantTransfer(enabled bool, thresholds *threshold.Table) *SignificantTransfer {
	return &SignificantTransfer{enabled: enabled, thresholds: thresholds}
}

func (d *SignificantTransfer) Name() string  { return NameSignificantTransfer }
func (d *SignificantTransfer) Enabled() bool { return d.enabled }

func (d *SignificantTransfer) Detect(_ context.Context, ev transfer.Event) (*alerting.Alert, error) {
	limit := d.thresholds.Lookup(ev.Token.Symbol)
	if ev.Amount.LessThan(limit) {
		return nil, nil
	}

	entity := fmt.Sprintf("%s:%s->%s", ev.TokenKey(), lower(ev.From.Hex()), lower(ev.To.Hex()))
	alert := alerting.NewAlert(d.Name(), entity, ev)
	if ev.Amount.GreaterThanOrEqual(limit.Mul(criticalMultiple)) {
		alert.Severity = alerting.SeverityCritical
	}
	alert.Title = fmt.Sprintf("Significant %s transfer", ev.Token.Symbol)
	alert.Message = fmt.Sprintf("%s %s from %s to %s (threshold %s)",
		ev.Amount.String(), ev.Token.Symbol, ev.From.Hex(), ev.To.Hex(), limit.String())
	alert.Data["threshold"] = limit.String()
	alert.Data["from"] = ev.From.Hex()
	alert.Data["to"] = ev.To.Hex()
	return &alert, nil
}

// WatchedAddress flags any transfer touching a watched address.
type WatchedAddress struct {
	enabled   bool
	addresses transfer.AddressSet
}

// NewWatchedAddress builds the watched-address detector.
func NewWatchedAddress(enabled bool, addresses transfer.AddressSet) *WatchedAddress {
	return &WatchedAddress{enabled: enabled, addresses: addresses}
}

func (d *WatchedAddress) Name() string  { return NameWatchedAddress }
func (d *WatchedAddress) Enabled() bool { return d.enabled && len(d.addresses) > 0 }

func (d *WatchedAddress) Detect(_ context.Context, ev transfer.Event) (*alerting.Alert, error) {
	watched, role := ev.From, "sender"
	switch {
	case d.addresses.Has(ev.From):
	case d.addresses.Has(ev.To):
		watched, role = ev.To, "recipient"
	default:
		return nil, nil
	}

	alert := alerting.NewAlert(d.Name(), ev.AddressKey(watched), ev)
	alert.Severity = alerting.SeverityInfo
	alert.Title = "Watched address activity"
	alert.Message = fmt.Sprintf("%s is the %s of %s %s (%s -> %s)",
		watched.Hex(), role, ev.Amount.String(), ev.Token.Symbol, ev.From.Hex(), ev.To.Hex())
	alert.Data["address"] = watched.Hex()
	alert.Data["role"] = role
	return &alert, nil
}

// WatchedToken flags any transfer of a watched token.
type WatchedToken struct {
	enabled bool
	tokens  transfer.TokenSet
}

// NewWatchedToken builds the watched-token detector.
func NewWatchedToken(enabled bool, tokens transfer.TokenSet) *WatchedToken {
	return &WatchedToken{enabled: enabled, tokens: tokens}
}

func (d *WatchedToken) Name() string  { return NameWatchedToken }
func (d *WatchedToken) Enabled() bool { return d.enabled && d.tokens.Len() > 0 }

func (d *WatchedToken) Detect(_ context.Context, ev transfer.Event) (*alerting.Alert, error) {
	if !d.tokens.Match(ev.Token) {
		return nil, nil
	}
	alert := alerting.NewAlert(d.Name(), ev.TokenKey(), ev)
	alert.Severity = alerting.SeverityInfo
	alert.Title = fmt.Sprintf("Watched token %s moved", ev.Token.Symbol)
	alert.Message = fmt.Sprintf("%s %s from %s to %s", ev.Amount.String(), ev.Token.Symbol, ev.From.Hex(), ev.To.Hex())
	alert.Data["token"] = ev.Token.ID()
	return &alert, nil
}

var (
	_ Detector = (*SignificantTransfer)(nil)
	_ Detector = (*WatchedAddress)(nil)
	_ Detector = (*WatchedToken)(nil)
)
