package detector

import (
	"context"
	"strings"

	"token-sentinel/internal/alerting"
	"token-sentinel/internal/transfer"
)

// Detector names double as the cooldown namespace and the metrics label.
const (
	NameSignificantTransfer = "significant_transfer"
	NameHighFrequency       = "high_frequency"
	NameMultiHop            = "multi_hop"
	NameWashTrading         = "wash_trading"
	NameContinuousFlow      = "continuous_flow"
	NamePeriodicTransfer    = "periodic_transfer"
	NameWatchedAddress      = "watched_address"
	NameWatchedToken        = "watched_token"
)

// Detector evaluates one accepted event and yields at most one alert.
// Implementations own their windowed state and must be safe for concurrent use.
type Detector interface {
	Name() string
	Enabled() bool
	Detect(ctx context.Context, ev transfer.Event) (*alerting.Alert, error)
}

func lower(s string) string {
	return strings.ToLower(s)
}
