package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gateway-fm/chainhammer/internal/config"
	"github.com/gateway-fm/chainhammer/pkg/types"
)

func watchCmd(cfg func() *config.Config) *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Measure TPS until the sender finishes, then merge it into the record",
		Long: `Poll the node for new blocks and print the current, average and peak TPS
after every block. The run ends when the sender writes its part of the
experiment record; the peak and final averages are then merged into it.

Start the watcher before the sender. With --wait-start the baseline is taken
only once the sender resets the record.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := cfg()
			a, err := newApp(c)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			printSample := func(s types.TpsSample) {
				if !verbose && s.NewTxs == 0 {
					return
				}
				fmt.Fprintf(out, "block %d | new tx %6d | %.1f TPS | avg %.1f TPS | peak %.1f TPS\n",
					s.Block, s.NewTxs, s.TPSCurrent, s.TPSAverage, s.PeakTPSAverage)
			}

			w, err := a.newWatcher(c.WaitStart, printSample)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			res, err := w.Run(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "blocks %d..%d | peak %.1f TPS | final %.1f TPS | record %s\n",
				res.BaselineBlock, res.BlockLast, res.PeakTPSAverage, res.FinalTPSAverage, c.LedgerPath)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Also print blocks without new transactions")
	return cmd
}
