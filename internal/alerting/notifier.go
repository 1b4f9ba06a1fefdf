package alerting

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

// Notifier 定义告警输送接口。实现需支持并发调用。
type Notifier interface {
	Name() string
	Notify(ctx context.Context, alert Alert) error
}

// Sink accepts alerts without blocking the caller.
type Sink interface {
	Publish(alert Alert) bool
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier builds the log executor.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) Notify(_ context.Context, alert Alert) error {
	n.logger.WithLevel(logLevel(alert.Severity)).
		Str("alert_id", alert.ID).
		Str("detector", alert.Detector).
		Str("entity", alert.EntityKey).
		Uint64("chain_id", alert.ChainID).
		Str("tx", alert.TxHash).
		Str("token", alert.TokenSymbol).
		Str("amount", alert.Amount.String()).
		Time("observed_at", alert.Timestamp).
		Msg(alert.Title + ": " + alert.Message)
	return nil
}

func logLevel(s Severity) zerolog.Level {
	switch s {
	case SeverityCritical:
		return zerolog.ErrorLevel
	case SeverityWarning:
		return zerolog.WarnLevel
	default:
		return zerolog.InfoLevel
	}
}

// guard throttles and circuit-breaks calls to a remote push service.
type guard struct {
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[struct{}]
}

func newGuard(name string, perSecond float64, burst int, logger zerolog.Logger) *guard {
	g := &guard{
		breaker: gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
			},
		}),
	}
	if perSecond > 0 {
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return g
}

func (g *guard) do(ctx context.Context, fn func() error) error {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}
	_, err := g.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

func renderMessage(alert Alert) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[%s] %s\n", strings.ToUpper(string(alert.Severity)), alert.Title))
	builder.WriteString(alert.Message)
	builder.WriteString("\n")
	builder.WriteString(fmt.Sprintf("Detector: %s\n", alert.Detector))
	builder.WriteString(fmt.Sprintf("Chain: %d  Block: %d\n", alert.ChainID, alert.BlockNumber))
	if alert.TxHash != "" {
		builder.WriteString(fmt.Sprintf("Tx: %s\n", alert.TxHash))
	}
	builder.WriteString(fmt.Sprintf("Time: %s UTC", alert.Timestamp.UTC().Format(time.RFC3339)))
	return builder.String()
}

var _ Notifier = (*LogNotifier)(nil)
