package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cairn-oracle/cairn/internal/proposer"
	"github.com/cairn-oracle/cairn/pkg/ledger"
)

var addCmd = &cobra.Command{
	Use:   "add <key> <category> <url>",
	Short: "Propose a new data source (miner evaluates it at commit)",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submitAdd(args[0], args[1], args[2], nil)
	},
}

var addfCmd = &cobra.Command{
	Use:   "addf <key> <category> <url> <accuracy,availability,latency,update_frequency,completeness,error_rate,stability>",
	Short: "Propose a new data source with a pre-computed feature vector",
	Long: `Like add, but the proposal carries the feature vector directly instead
of leaving evaluation to the miner. The vector is seven comma-separated
scores in [0,1].`,
	Args: cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		vector, err := parseVector(args[3])
		if err != nil {
			return err
		}
		return submitAdd(args[0], args[1], args[2], vector)
	},
}

func init() {
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(addfCmd)
}

func submitAdd(key, category, url string, features *ledger.FeatureVector) error {
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
	engine := proposer.New(proposer.Config{NodeID: cfg.NodeID}, mb, nil, logger)

	id, err := engine.ProposeAdd(key, category, url, features)
	if ledger.IsConflict(err) {
		color.Yellow("source %s is already committed to the ledger", key)
		return nil
	}
	if err != nil {
		return err
	}
	color.Green("proposal %s submitted for %s (%s), 1 vote cast", id, key, category)
	fmt.Println("the proposal commits once quorum is reached and a miner picks it up")
	return nil
}

func parseVector(raw string) (*ledger.FeatureVector, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != ledger.FeatureDimensions {
		return nil, fmt.Errorf("expected %d comma-separated scores, got %d", ledger.FeatureDimensions, len(parts))
	}
	vals := make([]float64, len(parts))
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, fmt.Errorf("score %d: %w", i+1, err)
		}
		vals[i] = v
	}
	vector := &ledger.FeatureVector{
		Accuracy:        vals[0],
		Availability:    vals[1],
		Latency:         vals[2],
		UpdateFrequency: vals[3],
		Completeness:    vals[4],
		ErrorRate:       vals[5],
		Stability:       vals[6],
	}
	if err := vector.Validate(); err != nil {
		return nil, err
	}
	return vector, nil
}
