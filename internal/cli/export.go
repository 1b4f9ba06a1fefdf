package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"token-sentinel/internal/app"
)

var (
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
	exportDetector  string
	exportBucket    time.Duration
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export stored alerts as CSV and/or a PNG of alert counts per detector",
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportBucket < 0 {
			return fmt.Errorf("--bucket must not be negative")
		}

		from, err := parseTimeFlag("from", exportFrom)
		if err != nil {
			return err
		}
		to, err := parseTimeFlag("to", exportTo)
		if err != nil {
			return err
		}

		return getApp().Export(cmd.Context(), app.ExportOptions{
			From:      from,
			To:        to,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
			Detector:  exportDetector,
			Bucket:    exportBucket,
		})
	},
}

// parseTimeFlag returns nil for an unset flag.
func parseTimeFlag(name, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s value: %w", name, err)
	}
	return &t, nil
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start of the window (RFC3339, inclusive), defaults to 7 days before --to")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End of the window (RFC3339, exclusive), defaults to now")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write the alert count chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write alerts as CSV")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum alerts to read (defaults to export.max_data_points)")
	exportCmd.Flags().StringVar(&exportDetector, "detector", "", "Only export alerts raised by this detector")
	exportCmd.Flags().DurationVar(&exportBucket, "bucket", 0, "Chart bucket width (defaults to export.bucket)")
}
