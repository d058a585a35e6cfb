package commands

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cairn-oracle/cairn/internal/report"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the master table of sources and tiers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig("cli")
		if err != nil {
			return err
		}
		st, err := openStore(cfg, zap.NewNop())
		if err != nil {
			return err
		}
		table, err := st.ReadMasterTable()
		if err != nil {
			return err
		}
		report.FormatStatus(os.Stdout, table)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
