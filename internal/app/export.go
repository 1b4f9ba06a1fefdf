package app

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"token-sentinel/internal/storage"
)

// Export renders historical alerts as CSV and/or a PNG of alert counts per bucket and detector.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-7 * 24 * time.Hour)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	records, err := store.ListAlertsBetween(ctx, from, to, opts.MaxPoints)
	if err != nil {
		return err
	}
	if len(records) == opts.MaxPoints {
		a.Logger.Warn().Int("max_points", opts.MaxPoints).Msg("export truncated; narrow the window or raise --max-points")
	}
	records = filterDetector(records, opts.Detector)
	if len(records) == 0 {
		a.Logger.Info().Msg("no alerts found for export window")
		return nil
	}

	a.Logger.Info().Int("exported", len(records)).Time("from", from).Time("to", to).Msg("exporting alerts")

	if opts.CSVPath != "" {
		if err := writeAlertsCSV(opts.CSVPath, records); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		bucket := a.Config.Export.Bucket
		if opts.Bucket > 0 {
			bucket = opts.Bucket
		}
		if err := writeAlertsPNG(opts.PNGPath, bucketAlerts(records, bucket)); err != nil {
			return err
		}
	}

	return nil
}

// detectorSeries is the per-bucket alert count of one detector.
type detectorSeries struct {
	Detector string
	Buckets  []time.Time
	Counts   []float64
}

// bucketAlerts counts alerts per detector per bucket. Every series shares the same dense bucket axis.
func bucketAlerts(records []storage.AlertRecord, bucket time.Duration) []detectorSeries {
	if len(records) == 0 {
		return nil
	}
	if bucket <= 0 {
		bucket = time.Hour
	}

	first := records[0].EventTS.UTC().Truncate(bucket)
	last := first
	counts := make(map[string]map[time.Time]float64)
	for _, rec := range records {
		b := rec.EventTS.UTC().Truncate(bucket)
		if b.Before(first) {
			first = b
		}
		if b.After(last) {
			last = b
		}
		if counts[rec.Detector] == nil {
			counts[rec.Detector] = make(map[time.Time]float64)
		}
		counts[rec.Detector][b]++
	}

	var axis []time.Time
	for b := first; !b.After(last); b = b.Add(bucket) {
		axis = append(axis, b)
	}

	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	series := make([]detectorSeries, 0, len(names))
	for _, name := range names {
		s := detectorSeries{Detector: name, Buckets: axis, Counts: make([]float64, len(axis))}
		for i, b := range axis {
			s.Counts[i] = counts[name][b]
		}
		series = append(series, s)
	}
	return series
}

func writeAlertsCSV(path string, records []storage.AlertRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"event_ts", "alert_id", "detector", "severity", "entity_key", "chain_id", "block_number", "tx_hash", "token_symbol", "amount", "title", "message"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range records {
		record := []string{
			rec.EventTS.UTC().Format(time.RFC3339),
			rec.AlertID,
			rec.Detector,
			rec.Severity,
			rec.EntityKey,
			strconv.FormatUint(rec.ChainID, 10),
			strconv.FormatUint(rec.BlockNumber, 10),
			rec.TxHash,
			rec.TokenSymbol,
			rec.Amount.String(),
			rec.Title,
			rec.Message,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeAlertsPNG(path string, series []detectorSeries) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	countFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Alerts per bucket",
			ValueFormatter: countFormatter,
		},
	}
	for _, s := range series {
		x, y := s.Buckets, s.Counts
		if len(x) == 1 {
			// go-chart needs two points to draw a line.
			x = []time.Time{x[0], x[0].Add(time.Minute)}
			y = []float64{y[0], y[0]}
		}
		graph.Series = append(graph.Series, chart.TimeSeries{
			Name:    s.Detector,
			XValues: x,
			YValues: y,
		})
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
