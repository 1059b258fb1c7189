package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gateway-fm/chainhammer/internal/config"
)

func historyCmd(cfg func() *config.Config) *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "history [id]",
		Short: "List stored experiments, or show one with its TPS series",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := cfg()
			if c.DatabasePath == "" {
				return errors.New("history is disabled: --database is empty")
			}
			a, err := newApp(c)
			if err != nil {
				return err
			}
			defer a.Close()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer tw.Flush()

			if len(args) == 1 {
				d, err := a.store.GetExperiment(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(tw, "id\t%s\n", d.ID)
				fmt.Fprintf(tw, "started\t%s\n", d.StartedAt.Format(time.DateTime))
				fmt.Fprintf(tw, "node\t%s (%s)\n", d.NodeVersion, d.RPCAddress)
				fmt.Fprintf(tw, "blocks\t%d..%d\n", d.BlockFirst, d.BlockLast)
				fmt.Fprintf(tw, "transactions\t%d\n", d.NumTxs)
				fmt.Fprintf(tw, "sample ok\t%t\n", d.SampleSuccessful)
				fmt.Fprintf(tw, "peak tps\t%.1f\n", d.PeakTPSAverage)
				fmt.Fprintf(tw, "final tps\t%.1f\n\n", d.FinalTPSAverage)
				fmt.Fprintln(tw, "BLOCK\tNEW TXS\tCURRENT\tAVERAGE\tPEAK")
				for _, s := range d.Samples {
					fmt.Fprintf(tw, "%d\t%d\t%.1f\t%.1f\t%.1f\n", s.Block, s.NewTxs, s.TPSCurrent, s.TPSAverage, s.PeakTPSAverage)
				}
				return nil
			}

			page, err := a.store.ListExperiments(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			fmt.Fprintln(tw, "ID\tSTARTED\tBLOCKS\tTXS\tSAMPLE\tPEAK TPS\tFINAL TPS")
			for _, e := range page.Experiments {
				fmt.Fprintf(tw, "%s\t%s\t%d..%d\t%d\t%t\t%.1f\t%.1f\n",
					e.ID, e.StartedAt.Format(time.DateTime), e.BlockFirst, e.BlockLast,
					e.NumTxs, e.SampleSuccessful, e.PeakTPSAverage, e.FinalTPSAverage)
			}
			fmt.Fprintf(tw, "\n%d of %d experiments\n", len(page.Experiments), page.Total)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Max experiments to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "Experiments to skip")
	return cmd
}
