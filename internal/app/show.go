package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"token-sentinel/internal/storage"
)

// Show prints recent alerts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show alerts")
	}
	if closeStore != nil {
		defer closeStore()
	}

	records, err := store.ListRecentAlerts(ctx, opts.Limit)
	if err != nil {
		return err
	}
	return renderAlerts(os.Stdout, filterDetector(records, opts.Detector))
}

func filterDetector(records []storage.AlertRecord, detector string) []storage.AlertRecord {
	if detector == "" {
		return records
	}
	out := records[:0:0]
	for _, rec := range records {
		if strings.EqualFold(rec.Detector, detector) {
			out = append(out, rec)
		}
	}
	return out
}

func renderAlerts(w io.Writer, records []storage.AlertRecord) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "no alerts found")
		return err
	}

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tSeverity\tDetector\tChain\tToken\tAmount\tTitle")

	for _, rec := range records {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			rec.EventTS.UTC().Format(time.RFC3339),
			strings.ToUpper(rec.Severity),
			rec.Detector,
			rec.ChainID,
			rec.TokenSymbol,
			rec.Amount.StringFixed(4),
			sanitizeInline(rec.Title),
		)
	}

	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	cleaned = strings.ReplaceAll(cleaned, "\t", " ")
	return cleaned
}
