package collector

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"token-sentinel/internal/transfer"
)

const maxReplayLine = 1 << 20

// ReplaySummary reports what a replay fed into the pipeline.
type ReplaySummary struct {
	Lines     int
	Events    int
	Malformed int
	Alerts    int
}

// Replay feeds JSON-lines encoded events to sink in file order. Blank lines and lines
// starting with # are skipped; undecodable lines count as malformed.
func Replay(ctx context.Context, r io.Reader, sink Submitter, logger zerolog.Logger) (ReplaySummary, error) {
	var summary ReplaySummary

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxReplayLine)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Lines++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var ev transfer.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			summary.Malformed++
			logger.Warn().Err(err).Int("line", summary.Lines).Msg("undecodable replay line")
			continue
		}

		alerts, err := sink.Submit(ctx, ev)
		if errors.Is(err, transfer.ErrMalformed) {
			summary.Malformed++
			continue
		}
		if err != nil {
			return summary, fmt.Errorf("line %d: %w", summary.Lines, err)
		}
		summary.Events++
		summary.Alerts += len(alerts)
	}
	if err := scanner.Err(); err != nil {
		return summary, fmt.Errorf("read replay input: %w", err)
	}
	return summary, nil
}
