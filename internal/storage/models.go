package storage

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"token-sentinel/internal/alerting"
)

// AlertRecord is an emitted alert as persisted for auditing.
type AlertRecord struct {
	ID          int64
	AlertID     string
	Detector    string
	EntityKey   string
	Severity    string
	Title       string
	Message     string
	ChainID     uint64
	TxHash      string
	BlockNumber uint64
	TokenSymbol string
	Amount      decimal.Decimal
	EventTS     time.Time
	Data        json.RawMessage
	CreatedAt   time.Time
}

// Checkpoint records the last fully processed block of a chain.
type Checkpoint struct {
	ChainID   uint64
	LastBlock uint64
	UpdatedAt time.Time
}

// RecordFromAlert flattens an alert into its table shape.
func RecordFromAlert(alert alerting.Alert) (AlertRecord, error) {
	data := alert.Data
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return AlertRecord{}, fmt.Errorf("marshal alert data: %w", err)
	}
	return AlertRecord{
		AlertID:     alert.ID,
		Detector:    alert.Detector,
		EntityKey:   alert.EntityKey,
		Severity:    string(alert.Severity),
		Title:       alert.Title,
		Message:     alert.Message,
		ChainID:     alert.ChainID,
		TxHash:      alert.TxHash,
		BlockNumber: alert.BlockNumber,
		TokenSymbol: alert.TokenSymbol,
		Amount:      alert.Amount,
		EventTS:     alert.Timestamp.UTC(),
		Data:        raw,
	}, nil
}

// Alert rebuilds the domain alert; malformed data decodes to an empty map.
func (r AlertRecord) Alert() alerting.Alert {
	data := map[string]any{}
	if len(r.Data) > 0 {
		_ = json.Unmarshal(r.Data, &data)
	}
	return alerting.Alert{
		ID:          r.AlertID,
		Detector:    r.Detector,
		EntityKey:   r.EntityKey,
		Severity:    alerting.Severity(r.Severity),
		Title:       r.Title,
		Message:     r.Message,
		ChainID:     r.ChainID,
		TxHash:      r.TxHash,
		BlockNumber: r.BlockNumber,
		TokenSymbol: r.TokenSymbol,
		Amount:      r.Amount,
		Timestamp:   r.EventTS,
		Data:        data,
	}
}
