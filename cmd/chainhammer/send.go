package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/gateway-fm/chainhammer/internal/config"
	"github.com/gateway-fm/chainhammer/internal/dispatch"
	"github.com/gateway-fm/chainhammer/internal/experiment"
)

func sendCmd(cfg func() *config.Config) *cobra.Command {
	var quiet, batch bool

	cmd := &cobra.Command{
		Use:   "send <count> <strategy> [workers]",
		Short: "Flood the node with transactions and write the experiment record",
		Long: `Send <count> signed transactions using one of the dispatch strategies:

  per-tx (threaded1)  one task per transaction; above --max-per-tx-tasks it
                      falls back to pool
  pool (threaded2)    a fixed pool of [workers] senders draining a queue
  accounts            [workers] generated accounts, each with its own nonce range

After sending, a random sample of receipts is checked, the block range is
determined and the node is given --empty-blocks blocks to settle before the
record is written.

Example:
  chainhammer send 1000 pool 23 --contract 0x5FbDB2315678afecb367f032d93F642f64180aa3`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			sa, err := config.ParseSendArgs(args)
			if err != nil {
				cmd.PrintErrln(cmd.UsageString())
				return err
			}
			c := cfg()
			if err := c.ValidateSend(); err != nil {
				return err
			}

			a, err := newApp(c)
			if err != nil {
				return err
			}
			defer a.Close()

			s, err := a.newSender()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			opts := experiment.RunOptions{
				Count:     sa.Count,
				Strategy:  sa.Strategy,
				Workers:   sa.Workers,
				BatchSize: c.BatchSize,
			}
			if opts.Workers == 0 {
				opts.Workers = c.Workers
			}
			if batch && opts.BatchSize == 0 {
				opts.BatchSize = dispatch.DefaultBatchSize
			}

			var bar *progressbar.ProgressBar
			if !quiet {
				bar = progressbar.NewOptions64(
					int64(sa.Count),
					progressbar.OptionSetWriter(os.Stderr),
					progressbar.OptionClearOnFinish(),
					progressbar.OptionSetDescription("Sending transactions..."),
					progressbar.OptionShowCount(),
					progressbar.OptionShowIts(),
					progressbar.OptionSetTheme(progressbar.Theme{
						Saucer:        "=",
						SaucerHead:    ">",
						SaucerPadding: " ",
						BarStart:      "[",
						BarEnd:        "]",
					}),
				)
				if err := bar.RenderBlank(); err != nil {
					return fmt.Errorf("failed to render progress bar: %w", err)
				}
				opts.Progress = func(n int) { _ = bar.Add(n) }
			}

			report, err := s.Run(ctx, opts)
			if bar != nil {
				_ = bar.Finish()
			}
			if report != nil {
				printReport(cmd, report)
			}
			if errors.Is(err, experiment.ErrSampleFailed) {
				return fmt.Errorf("run written to %s but %w", c.LedgerPath, err)
			}
			return err
		},
	}

	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not render a progress bar")
	cmd.Flags().BoolVar(&batch, "batch", false, fmt.Sprintf("Send JSON-RPC batches of --batch-size transactions (%d when unset)", dispatch.DefaultBatchSize))
	return cmd
}

func printReport(cmd *cobra.Command, r *experiment.SendReport) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "strategy:    %s\n", r.Dispatch.Strategy)
	fmt.Fprintf(out, "sent:        %d (%d failed)\n", len(r.Dispatch.Hashes), len(r.Dispatch.Failures))
	fmt.Fprintf(out, "send rate:   %.1f tx/s\n", rate(len(r.Dispatch.Hashes), r.Dispatch.Elapsed.Seconds()))
	fmt.Fprintf(out, "blocks:      %d..%d\n", r.Send.BlockFirst, r.Send.BlockLast)
	fmt.Fprintf(out, "sample:      %s\n", r.Verdict)
	fmt.Fprintf(out, "node:        %s\n", r.Node.NodeVersion)
	fmt.Fprintf(out, "elapsed:     %s\n", r.Elapsed.Round(time.Millisecond))
}

func rate(n int, seconds float64) float64 {
	if seconds <= 0 {
		return 0
	}
	return float64(n) / seconds
}
