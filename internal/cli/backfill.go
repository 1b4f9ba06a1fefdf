package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"token-sentinel/internal/app"
)

var (
	backfillChain   uint64
	backfillFrom    uint64
	backfillTo      uint64
	backfillDeliver bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Scan a historical block range of one chain through the pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		if backfillChain == 0 {
			return fmt.Errorf("--chain must be provided")
		}
		if backfillFrom > backfillTo {
			return fmt.Errorf("--from-block must not exceed --to-block")
		}

		opts := app.BackfillOptions{
			ChainID:   backfillChain,
			FromBlock: backfillFrom,
			ToBlock:   backfillTo,
			Deliver:   backfillDeliver,
		}

		return getApp().Backfill(cmd.Context(), opts)
	},
}

func init() {
	backfillCmd.Flags().Uint64Var(&backfillChain, "chain", 0, "Chain id as configured under chains")
	backfillCmd.Flags().Uint64Var(&backfillFrom, "from-block", 0, "First block to scan (inclusive)")
	backfillCmd.Flags().Uint64Var(&backfillTo, "to-block", 0, "Last block to scan (inclusive)")
	backfillCmd.Flags().BoolVar(&backfillDeliver, "deliver", false, "Send alerts to the configured executors instead of only logging them")
	_ = backfillCmd.MarkFlagRequired("to-block")
}
