// chainhammer floods an Ethereum-compatible node with transactions and
// measures the throughput it sustains.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gateway-fm/chainhammer/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfg *config.Config

	rootCmd := &cobra.Command{
		Use:   "chainhammer",
		Short: "Transaction flooding and TPS measurement for Ethereum-compatible nodes",
		Long: `chainhammer sends a burst of signed transactions to a node, verifies a sample
of their receipts and measures the transactions per second the chain sustains.

Run "chainhammer watch" in one terminal and "chainhammer send" in another; the
two sides meet through the experiment record file.

Every flag can also be set with a CHAINHAMMER_ prefixed environment variable
(CHAINHAMMER_RPC_URL for --rpc-url) or in a config file given with --config.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(viper.New(), cmd.Flags())
			if err != nil {
				return err
			}
			cfg = loaded
			slog.SetDefault(cfg.NewLogger(cmd.ErrOrStderr()))
			return nil
		},
	}
	config.RegisterFlags(rootCmd.PersistentFlags())

	current := func() *config.Config { return cfg }
	rootCmd.AddCommand(
		sendCmd(current),
		watchCmd(current),
		historyCmd(current),
		serveCmd(current),
	)
	return rootCmd
}
