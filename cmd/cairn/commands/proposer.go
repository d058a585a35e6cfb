package commands

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cairn-oracle/cairn/internal/proposer"
)

var proposerReset bool

var proposerCmd = &cobra.Command{
	Use:   "proposer",
	Short: "Run a proposer node (evaluates and votes)",
	Long: `Runs a proposer: scans the mailbox for open proposals, evaluates the
sources they name and votes on the ones it approves of. Any number of
proposers can run against the same state directory.`,
	RunE: runProposer,
}

func init() {
	proposerCmd.Flags().BoolVar(&proposerReset, "reset", false, "clear the mailbox before starting")
	rootCmd.AddCommand(proposerCmd)
}

func runProposer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig("proposer")
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	mb, err := openMailbox(cfg, logger)
	if err != nil {
		return err
	}
	if proposerReset {
		if err := mb.Reset(); err != nil {
			return fmt.Errorf("resetting mailbox: %w", err)
		}
		logger.Info("mailbox reset")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine := proposer.New(proposer.Config{
		NodeID: cfg.NodeID,
		Poll:   cfg.ProposerPoll.Std(),
	}, mb, newEvaluator(cfg, logger), logger)
	return engine.Run(ctx)
}
