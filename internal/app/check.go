package app

import (
	"fmt"
	"io"
	"strings"

	"token-sentinel/internal/pipeline"
)

// CheckConfig assembles the pipeline and the collectors' options without connecting anywhere,
// then prints what would run.
func (a *App) CheckConfig(w io.Writer) error {
	coordinator, err := pipeline.Build(a.Config, nil, a.Logger)
	if err != nil {
		return err
	}
	defer coordinator.Close()

	fmt.Fprintf(w, "app: %s (%s)\n", a.Config.App.Name, a.Config.App.Environment)
	for _, chain := range a.Config.Chains {
		opts, err := a.collectorOptions(chain)
		if err != nil {
			return fmt.Errorf("chain %d: %w", chain.ChainID, err)
		}
		fmt.Fprintf(w, "chain %d %s: %d tokens, native=%t, confirmations=%d, rpc endpoints=%d\n",
			opts.ChainID, opts.Name, len(opts.Tokens), opts.IncludeNative, opts.Confirmations, len(chain.RPCURLs))
	}
	fmt.Fprintf(w, "detectors: %s\n", joinOrNone(coordinator.Detectors()))
	fmt.Fprintf(w, "executors: %s\n", joinOrNone(a.enabledExecutors()))
	fmt.Fprintf(w, "alert cooldown: %s\n", a.Config.Pipeline.AlertCooldown)
	fmt.Fprintf(w, "database: %t\n", a.Config.Database.DSN != "")
	return nil
}

func (a *App) enabledExecutors() []string {
	ex := a.Config.Executors
	var names []string
	for _, e := range []struct {
		name string
		on   bool
	}{
		{"log", ex.Log.Enabled},
		{"telegram", ex.Telegram.Enabled},
		{"wxpusher", ex.WxPusher.Enabled},
		{"kafka", ex.Kafka.Enabled},
		{"store", ex.Store.Enabled},
	} {
		if e.on {
			names = append(names, e.name)
		}
	}
	return names
}

func joinOrNone(names []string) string {
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}
