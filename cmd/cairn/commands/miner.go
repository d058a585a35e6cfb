package commands

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cairn-oracle/cairn/internal/config"
	"github.com/cairn-oracle/cairn/internal/miner"
)

var (
	minerReset  bool
	minerQuorum int
	minerSample int
)

var minerCmd = &cobra.Command{
	Use:   "miner",
	Short: "Run the miner node (single committer)",
	Long: `Runs the miner: verifies the chain, rebuilds the master table, then
polls the mailbox committing every proposal that reached quorum. Exactly one
miner must run per state directory.`,
	RunE: runMiner,
}

func init() {
	minerCmd.Flags().BoolVar(&minerReset, "reset", false, "clear chain, master table and mailbox before starting")
	minerCmd.Flags().IntVar(&minerQuorum, "quorum", 0, "distinct votes required to commit (overrides config)")
	minerCmd.Flags().IntVar(&minerSample, "sample", 0, "cluster on the N most stale sources only, 0 for all (overrides config)")
	rootCmd.AddCommand(minerCmd)
}

// overrideMinerConfig folds the miner's own flags over the loaded
// configuration and re-validates, so a flag typo fails as early as a bad
// config file would.
func overrideMinerConfig(cmd *cobra.Command, cfg *config.Config) error {
	if cmd.Flags().Changed("quorum") {
		cfg.Quorum = minerQuorum
	}
	if cmd.Flags().Changed("sample") {
		cfg.SampleSize = minerSample
	}
	return cfg.Validate()
}

func runMiner(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig("miner")
	if err != nil {
		return err
	}
	if err := overrideMinerConfig(cmd, cfg); err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	mb, err := openMailbox(cfg, logger)
	if err != nil {
		return err
	}
	if minerReset {
		if err := st.Reset(); err != nil {
			return fmt.Errorf("resetting chain state: %w", err)
		}
		if err := mb.Reset(); err != nil {
			return fmt.Errorf("resetting mailbox: %w", err)
		}
		logger.Info("state reset")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cache, err := newCache(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cache.Close()

	engine, err := miner.New(cfg, st, mb, cache, newEvaluator(cfg, logger), logger)
	if err != nil {
		return err
	}
	return engine.Run(ctx)
}
