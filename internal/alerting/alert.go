package alerting

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"token-sentinel/internal/transfer"
)

// Severity ranks alerts for routing and display.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert 是检测器产出的一条告警。
type Alert struct {
	ID          string          `json:"id"`
	Detector    string          `json:"detector"`
	EntityKey   string          `json:"entity_key"`
	Severity    Severity        `json:"severity"`
	Title       string          `json:"title"`
	Message     string          `json:"message"`
	ChainID     uint64          `json:"chain_id"`
	TxHash      string          `json:"tx_hash"`
	BlockNumber uint64          `json:"block_number"`
	TokenSymbol string          `json:"token_symbol"`
	Amount      decimal.Decimal `json:"amount"`
	Timestamp   time.Time       `json:"timestamp"`
	Data        map[string]any  `json:"data,omitempty"`
}

// NewAlert seeds an alert from the triggering event.
func NewAlert(detector, entityKey string, ev transfer.Event) Alert {
	return Alert{
		ID:          uuid.NewString(),
		Detector:    detector,
		EntityKey:   entityKey,
		Severity:    SeverityWarning,
		ChainID:     ev.ChainID,
		TxHash:      ev.TxHash.Hex(),
		BlockNumber: ev.BlockNumber,
		TokenSymbol: ev.Token.Symbol,
		Amount:      ev.Amount,
		Timestamp:   ev.Timestamp,
		Data:        make(map[string]any),
	}
}
