package commands

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cairn-oracle/cairn/internal/report"
)

var (
	chainVerify bool
	chainJSONL  bool
)

var chainCmd = &cobra.Command{
	Use:   "chain",
	Short: "List the blocks of the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig("cli")
		if err != nil {
			return err
		}
		st, err := openStore(cfg, zap.NewNop())
		if err != nil {
			return err
		}

		if chainVerify {
			chain, err := st.VerifyChain()
			if err != nil {
				return fmt.Errorf("chain verification failed: %w", err)
			}
			color.Green("chain verified: %d blocks, all hash links intact", len(chain))
			return nil
		}

		chain, err := st.ReadChain()
		if err != nil {
			return err
		}
		if chainJSONL {
			return report.FormatChainJSONL(os.Stdout, chain)
		}
		report.FormatChain(os.Stdout, chain)
		return nil
	},
}

func init() {
	chainCmd.Flags().BoolVar(&chainVerify, "verify", false, "verify hash links instead of listing")
	chainCmd.Flags().BoolVar(&chainJSONL, "jsonl", false, "emit blocks as line-delimited JSON")
	rootCmd.AddCommand(chainCmd)
}
