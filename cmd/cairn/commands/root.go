// Package commands wires the cairn CLI: proposer and miner node processes
// plus read-only status and chain inspection.
package commands

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cairn-oracle/cairn/internal/config"
)

var (
	version string
	commit  string
	date    string

	configPath string
	nodeID     string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "cairn",
	Short: "Cairn - a consensus-ranked ledger of oracle data sources",
	Long: `Cairn maintains an append-only, hash-linked ledger of price data
sources and their quality tiers. Proposer nodes evaluate sources and vote;
a single miner node commits quorum-approved proposals as blocks and keeps
the master ranking table up to date through deterministic clustering.`,
	Version: version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "cairn.yml", "path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&nodeID, "id", "", "node identity (default: config node_id, else a generated id)")
}

// loadConfig loads the configuration and resolves the node identity:
// --id flag, then config file, then a generated uuid-suffixed name.
func loadConfig(role string) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if nodeID != "" {
		cfg.NodeID = nodeID
	}
	if cfg.NodeID == "" {
		cfg.NodeID = fmt.Sprintf("%s-%s", role, uuid.NewString()[:8])
	}
	return cfg, nil
}

func newLogger() (*zap.Logger, error) {
	return zap.NewProduction()
}
